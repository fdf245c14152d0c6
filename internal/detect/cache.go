package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/stratusops/stratus/internal/models"
)

// fileCache persists one JSON file per detect_id under the cache directory.
// Writes are atomic (temp + rename) and hold an exclusive lock on a
// directory-wide lock file so concurrent writers do not interleave.
type fileCache struct {
	dir      string
	lockPath string
}

func newFileCache(dir string) *fileCache {
	return &fileCache{dir: dir, lockPath: filepath.Join(dir, ".lock")}
}

func (c *fileCache) path(detectID string) string {
	return filepath.Join(c.dir, detectID+".json")
}

// Write serializes the result to <detect_id>.json.
func (c *fileCache) Write(result *models.DetectResult) error {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal detect result: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, result.DetectID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.path(result.DetectID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Read loads a previously written result.
func (c *fileCache) Read(detectID string) (*models.DetectResult, error) {
	if strings.ContainsAny(detectID, "/\\") {
		return nil, fmt.Errorf("invalid detect id %q", detectID)
	}
	data, err := os.ReadFile(c.path(detectID))
	if err != nil {
		return nil, err
	}
	var result models.DetectResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode cached detect result: %w", err)
	}
	return &result, nil
}

// lock takes an exclusive flock on the cache lock file and returns the
// release function.
func (c *fileCache) lock() (func(), error) {
	f, err := os.OpenFile(c.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquire cache lock: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
