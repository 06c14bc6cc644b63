package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sync"
)

// ErrDevModeNotFound is returned when the constants file has no DEV_MODE token.
var ErrDevModeNotFound = errors.New(`no "DEV_MODE": <bool> entry found`)

var devModePattern = regexp.MustCompile(`"DEV_MODE":\s*(true|false)`)

// SetDevMode rewrites every DEV_MODE token in src to the given value.
// Text after the boolean (commas, comments) is preserved.
func SetDevMode(src []byte, devMode bool) ([]byte, error) {
	if !devModePattern.Match(src) {
		return nil, ErrDevModeNotFound
	}
	replacement := fmt.Sprintf(`"DEV_MODE": %t`, devMode)
	return devModePattern.ReplaceAllLiteral(src, []byte(replacement)), nil
}

// ConstantsPatch is an in-place edit of the constants file with a backup
// next to it. Restore puts the original back and removes the backup.
type ConstantsPatch struct {
	path       string
	backupPath string

	mu       sync.Mutex
	restored bool
}

// BackupPath returns the backup location used for path.
func BackupPath(path string) string {
	return path + ".bak"
}

// PatchConstants backs up the constants file and rewrites its DEV_MODE flag.
func PatchConstants(path string, devMode bool) (*ConstantsPatch, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("constants file: %w", err)
	}
	original, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read constants file: %w", err)
	}

	patched, err := SetDevMode(original, devMode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	p := &ConstantsPatch{path: path, backupPath: BackupPath(path)}

	if err := AtomicWriteFile(p.backupPath, original, info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to back up constants file: %w", err)
	}
	if err := AtomicWriteFile(path, patched, info.Mode().Perm()); err != nil {
		os.Remove(p.backupPath)
		return nil, fmt.Errorf("failed to write constants file: %w", err)
	}

	return p, nil
}

// Path returns the patched file.
func (p *ConstantsPatch) Path() string {
	return p.path
}

// Name implements Resource.
func (p *ConstantsPatch) Name() string {
	return "constants " + p.path
}

// Stop implements Resource so an interrupted build still restores the file.
func (p *ConstantsPatch) Stop() error {
	return p.Restore()
}

// Restore moves the backup over the patched file. It is a no-op once it has
// succeeded; a missing backup is reported as fs.ErrNotExist.
func (p *ConstantsPatch) Restore() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.restored {
		return nil
	}
	if _, err := os.Stat(p.backupPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("restore %s: backup %s missing: %w", p.path, p.backupPath, fs.ErrNotExist)
		}
		return fmt.Errorf("restore %s: %w", p.path, err)
	}
	if err := os.Rename(p.backupPath, p.path); err != nil {
		return fmt.Errorf("restore %s: %w", p.path, err)
	}
	p.restored = true
	return nil
}
