package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked is returned when another live session holds the lock
var ErrLocked = errors.New("another e2erun session is running in this checkout")

// LockInfo describes the session holding the lock
type LockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Session   string    `json:"session,omitempty"`
	Suite     string    `json:"suite"`
	Mode      string    `json:"mode"`
}

// LockFile guards a checkout against concurrent sessions rewriting the
// constants file under each other.
type LockFile struct {
	path string
	info *LockInfo
}

// NewLockFile creates a lock manager for the given project
func NewLockFile(projectRoot string) *LockFile {
	return &LockFile{
		path: filepath.Join(StateDir(projectRoot), "e2erun.lock"),
	}
}

// Path returns the lock file location
func (lf *LockFile) Path() string {
	return lf.path
}

// Acquire takes the lock, replacing it if its owner is gone.
func (lf *LockFile) Acquire(session string, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(lf.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if lf.isHeld() {
		existing, err := lf.readLock()
		if err != nil {
			// Unreadable lock, nothing to honour
			os.Remove(lf.path)
		} else if isLockStale(existing) {
			fmt.Printf("Removing stale lock (PID %d no longer running or lock too old)\n", existing.PID)
			if err := os.Remove(lf.path); err != nil {
				return fmt.Errorf("failed to remove stale lock: %w", err)
			}
		} else {
			return fmt.Errorf("%w (PID %d, suite %s, %s mode, started %s)",
				ErrLocked, existing.PID, existing.Suite, existing.Mode, existing.StartedAt.Format(time.RFC3339))
		}
	}

	mode := "dev"
	if !opts.DevMode() {
		mode = "prod"
	}
	info := &LockInfo{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Session:   session,
		Suite:     opts.Suite,
		Mode:      mode,
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(lf.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w (lock acquired by another process)", ErrLocked)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(lf.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	lf.info = info
	return nil
}

// Name implements Resource
func (lf *LockFile) Name() string {
	return "lock"
}

// Stop implements Resource by releasing the lock
func (lf *LockFile) Stop() error {
	return lf.Release()
}

// Release removes the lock if this process still owns it
func (lf *LockFile) Release() error {
	if lf.info == nil {
		return nil
	}

	existing, err := lf.readLock()
	if err != nil {
		return nil
	}
	if existing.PID != os.Getpid() {
		return nil
	}

	lf.info = nil
	return os.Remove(lf.path)
}

func (lf *LockFile) isHeld() bool {
	_, err := os.Stat(lf.path)
	return err == nil
}

func (lf *LockFile) readLock() (*LockInfo, error) {
	data, err := os.ReadFile(lf.path)
	if err != nil {
		return nil, err
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// isProcessAlive checks if a process with the given PID is still running
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// FindProcess always succeeds on unix; signal 0 probes existence
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// maxLockAge bounds how long a lock is honoured, guarding against PID reuse
const maxLockAge = 12 * time.Hour

func isLockStale(info *LockInfo) bool {
	if !isProcessAlive(info.PID) {
		return true
	}
	return time.Since(info.StartedAt) > maxLockAge
}

// ReadLockStatus reads the current lock without acquiring it
func ReadLockStatus(projectRoot string) (*LockInfo, error) {
	lf := NewLockFile(projectRoot)
	if !lf.isHeld() {
		return nil, nil
	}
	return lf.readLock()
}
