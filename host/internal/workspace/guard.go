package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Guard owns a workspace's lock and metadata records for one host run.
type Guard struct {
	workspace string
	pid       int
	startedAt time.Time
	once      sync.Once
}

// Acquire claims the workspace for the current process. A lock held by a
// live process fails with ErrAlreadyRunning and leaves both records
// untouched; a lock whose process is gone is reclaimed.
func Acquire(workspacePath string) (*Guard, error) {
	if err := os.MkdirAll(Dir(workspacePath), 0700); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	g := &Guard{
		workspace: workspacePath,
		pid:       os.Getpid(),
		startedAt: time.Now().UTC(),
	}
	rec := LockRecord{PID: g.pid, StartedAt: g.startedAt, WorkspacePath: workspacePath}

	path := LockPath(workspacePath)
	for attempt := 0; attempt < 3; attempt++ {
		created, err := createExclusive(path, rec)
		if err != nil {
			return nil, fmt.Errorf("write lock: %w", err)
		}
		if created {
			return g, nil
		}

		existing, err := ReadLock(workspacePath)
		if err == nil && existing != nil && IsRunning(existing.PID) {
			return nil, fmt.Errorf("%w (PID %d, lock %s)", ErrAlreadyRunning, existing.PID, path)
		}

		// Stale or unreadable: the owner is gone, take it over.
		if err := removeIfExists(path); err != nil {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("acquire lock %s: contended", path)
}

// createExclusive publishes rec at path only if nothing is there yet. The
// record is fully written to a temp file first and then hard-linked into
// place, so a concurrent reader sees either no lock or a complete one.
func createExclusive(path string, rec LockRecord) (bool, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock.*")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	if err := os.Link(tmpName, path); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PID returns the process that owns the guard.
func (g *Guard) PID() int { return g.pid }

// StartedAt returns when the lock was taken.
func (g *Guard) StartedAt() time.Time { return g.startedAt }

// Publish writes the discovery record for this run.
func (g *Guard) Publish(url string, port int, secret string) (*Metadata, error) {
	meta := &Metadata{
		URL:           url,
		Port:          port,
		Secret:        secret,
		WorkspacePath: g.workspace,
		StartedAt:     g.startedAt,
		PID:           g.pid,
	}
	if err := writeJSONAtomic(MetadataPath(g.workspace), meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	return meta, nil
}

// Release removes the lock and metadata records if they still belong to
// this process. Safe to call more than once and from several goroutines.
func (g *Guard) Release() error {
	var firstErr error
	g.once.Do(func() {
		if meta, err := ReadMetadata(g.workspace); err != nil || meta == nil || meta.PID == g.pid {
			if err := removeIfExists(MetadataPath(g.workspace)); err != nil {
				firstErr = fmt.Errorf("remove metadata: %w", err)
			}
		}
		if rec, err := ReadLock(g.workspace); err != nil || rec == nil || rec.PID == g.pid {
			if err := removeIfExists(LockPath(g.workspace)); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("remove lock: %w", err)
			}
		}
	})
	return firstErr
}
