// Package snapshot provides file-based caching of the published policy
// bundle. The bundle builder writes each published bundle here and reloads
// it on boot, so a restarted gateway can serve from the last good snapshot
// while the control plane is unreachable. Writes are atomic
// (write-tmp-then-rename) and guarded by a cross-process flock.
package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"
)

// FileCache manages reading and writing the bundle snapshot file.
type FileCache struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileCache creates a new FileCache for the given file path.
func NewFileCache(path string, logger *slog.Logger) *FileCache {
	return &FileCache{
		path:   path,
		logger: logger,
	}
}

// Load reads and parses the snapshot file. A missing file is not an error;
// it returns (nil, nil) and the builder stays unbootstrapped until the
// first control-plane fetch. Warns if the file has permissions more open
// than 0600.
func (c *FileCache) Load() (*policy.Bundle, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("bundle snapshot not found", "path", c.path)
			return nil, nil
		}
		return nil, fmt.Errorf("read bundle snapshot: %w", err)
	}

	// Unix file permission bits are not supported on Windows.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(c.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 { // group or other has access
				c.logger.Warn("bundle snapshot has too-open permissions, should be 0600",
					"path", c.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var bundle policy.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parse bundle snapshot: %w", err)
	}

	return &bundle, nil
}

// Save writes the bundle to disk atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Copy current file to path+".bak" (ignored if no current file)
//  4. Marshal bundle as indented JSON
//  5. Write to path+".tmp" with 0600 permissions
//  6. Fsync the temp file
//  7. Rename path+".tmp" -> path
//  8. Release flock
//  9. Release mutex
func (c *FileCache) Save(bundle *policy.Bundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Acquire cross-process file lock.
	lockPath := c.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	// Create backup of current file (ignore error if file doesn't exist).
	if currentData, readErr := os.ReadFile(c.path); readErr == nil {
		bakPath := c.path + ".bak"
		if writeErr := os.WriteFile(bakPath, currentData, 0600); writeErr != nil {
			c.logger.Warn("failed to create snapshot backup", "error", writeErr)
		}
	}

	// Marshal bundle as indented JSON with trailing newline.
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	data = append(data, '\n')

	// Atomic write: tmp -> fsync -> rename.
	if err := c.writeAtomic(data); err != nil {
		return err
	}

	// The rename may inherit looser permissions from an existing target.
	if err := os.Chmod(c.path, 0600); err != nil {
		c.logger.Warn("failed to set permissions on snapshot file", "error", err)
	}

	c.logger.Debug("bundle snapshot saved", "path", c.path, "revision", bundle.Revision)
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func (c *FileCache) writeAtomic(data []byte) error {
	tmpPath := c.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	// cleanup closes and removes the temp file on error.
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to snapshot: %w", err)
	}
	return nil
}

// Exists returns true if the snapshot file exists on disk.
func (c *FileCache) Exists() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

// Path returns the configured file path.
func (c *FileCache) Path() string {
	return c.path
}
