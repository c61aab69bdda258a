// Package utils provides small filesystem helpers shared by the repository
// and evidence layers.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// RenameWithRetry renames oldPath to newPath. On Windows a rename can fail
// with "Access is denied" while an editor or git holds the file open, so the
// rename is retried with exponential backoff there. Other platforms fail on
// the first error.
//
// maxRetries is the number of retries after the first attempt.
func RenameWithRetry(oldPath, newPath string, maxRetries int, initialDelay time.Duration) error {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := os.Rename(oldPath, newPath)
		if err == nil {
			return nil
		}
		lastErr = err

		if runtime.GOOS != "windows" {
			break
		}
		if attempt < maxRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("rename failed after %d attempt(s): %w", maxRetries+1, lastErr)
}

// DefaultRenameRetry calls RenameWithRetry with 3 retries starting at 100ms.
func DefaultRenameRetry(oldPath, newPath string) error {
	return RenameWithRetry(oldPath, newPath, 3, 100*time.Millisecond)
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer func() {
		_ = tempFile.Close()
		if err != nil {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err = tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err = tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err = tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err = DefaultRenameRetry(tempPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
