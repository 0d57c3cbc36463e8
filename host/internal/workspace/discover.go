package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ErrNotRunning is returned when no live host is published for a workspace.
var ErrNotRunning = errors.New("code-bridge-host is not running for this workspace")

// Lookup returns the metadata of a live host. Records left behind by a dead
// process are reported as ErrNotRunning.
func Lookup(workspacePath string) (*Metadata, error) {
	meta, err := ReadMetadata(workspacePath)
	if err != nil {
		return nil, err
	}
	if meta == nil || !IsRunning(meta.PID) {
		return nil, ErrNotRunning
	}
	return meta, nil
}

// WaitMetadata blocks until a live host publishes metadata for the
// workspace or ctx is done.
func WaitMetadata(ctx context.Context, workspacePath string) (*Metadata, error) {
	if meta, err := Lookup(workspacePath); err == nil {
		return meta, nil
	}

	dir := Dir(workspacePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch workspace: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(dir); err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	// The host may have published between the first lookup and Add.
	if meta, err := Lookup(workspacePath); err == nil {
		return meta, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil, ErrNotRunning
			}
			if filepath.Base(ev.Name) != metadataName {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if meta, err := Lookup(workspacePath); err == nil {
				return meta, nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil, ErrNotRunning
			}
			return nil, fmt.Errorf("watch workspace: %w", err)
		}
	}
}

// RemoveStale deletes lock and metadata records whose owning process is
// gone. Records of a live process are left alone. It reports whether
// anything was removed.
func RemoveStale(workspacePath string) (bool, error) {
	removed := false
	if meta, err := ReadMetadata(workspacePath); err != nil || (meta != nil && !IsRunning(meta.PID)) {
		if err := removeIfExists(MetadataPath(workspacePath)); err != nil {
			return removed, fmt.Errorf("remove metadata: %w", err)
		}
		removed = true
	}
	if rec, err := ReadLock(workspacePath); err != nil || (rec != nil && !IsRunning(rec.PID)) {
		if err := removeIfExists(LockPath(workspacePath)); err != nil {
			return removed, fmt.Errorf("remove lock: %w", err)
		}
		removed = true
	}
	return removed, nil
}
