// Package workspace guarantees a single host per workspace and publishes the
// metadata clients use to find it.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	dirName      = ".code"
	lockName     = "code-bridge.lock"
	metadataName = "code-bridge.json"
)

// ErrAlreadyRunning is returned when the lock belongs to a live process.
var ErrAlreadyRunning = errors.New("code-bridge-host is already running for this workspace")

// Dir returns the per-workspace directory (<workspace>/.code).
func Dir(workspacePath string) string {
	return filepath.Join(workspacePath, dirName)
}

// LockPath returns the path to the lock record.
func LockPath(workspacePath string) string {
	return filepath.Join(Dir(workspacePath), lockName)
}

// MetadataPath returns the path to the discovery record.
func MetadataPath(workspacePath string) string {
	return filepath.Join(Dir(workspacePath), metadataName)
}

// LockRecord is the persisted owner of a workspace.
type LockRecord struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	WorkspacePath string    `json:"workspacePath"`
}

// Metadata is what discovery-capable clients read to reach the host.
type Metadata struct {
	URL           string    `json:"url"`
	Port          int       `json:"port"`
	Secret        string    `json:"secret"`
	WorkspacePath string    `json:"workspacePath"`
	StartedAt     time.Time `json:"startedAt"`
	PID           int       `json:"pid"`
}

// ReadLock reads the lock record. Returns nil if there is none.
func ReadLock(workspacePath string) (*LockRecord, error) {
	var rec LockRecord
	ok, err := readJSON(LockPath(workspacePath), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// ReadMetadata reads the discovery record. Returns nil if there is none.
func ReadMetadata(workspacePath string) (*Metadata, error) {
	var meta Metadata
	ok, err := readJSON(MetadataPath(workspacePath), &meta)
	if err != nil || !ok {
		return nil, err
	}
	return &meta, nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSONAtomic writes v to path via a temp file and rename so readers
// never observe a partial record.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
