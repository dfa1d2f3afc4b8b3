// Package jsonio implements the crash-safe, concurrency-safe JSON
// persistence primitive shared by the account, snapshot, and session
// affinity stores: read-with-typed-missing/corrupt outcomes, atomic
// temp-then-rename writes with content-addressed skip, and quarantine of
// unreadable files.
package jsonio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrMissing is returned by Read when the target file does not exist.
var ErrMissing = errors.New("jsonio: file missing")

// ErrCorrupt is returned by Read when the target file exists but fails to
// parse as JSON.
var ErrCorrupt = errors.New("jsonio: file corrupt")

// Read loads and unmarshals path into v. It returns ErrMissing on ENOENT and
// ErrCorrupt on a JSON parse failure; callers decide whether to treat either
// as an empty record or to quarantine.
func Read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrMissing
		}
		return fmt.Errorf("jsonio: read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrMissing
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// WriteAtomic serializes v with stable two-space indentation and a trailing
// newline, writes it to a uniquely-named temp file in the target directory,
// fsyncs the temp file (and, best-effort, the directory), then renames it
// over path. The rename is skipped entirely when the serialized bytes match
// what's already on disk, so no-op saves never touch mtime or trigger
// watchers.
func WriteAtomic(path string, v any) error {
	data, err := MarshalIndent(v)
	if err != nil {
		return fmt.Errorf("jsonio: marshal: %w", err)
	}
	return WriteAtomicBytes(path, data)
}

// MarshalIndent renders v the way every persisted file in this module is
// rendered: two-space indent, trailing newline.
func MarshalIndent(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteAtomicBytes writes pre-serialized bytes atomically, skipping the
// write if the target already holds identical content.
func WriteAtomicBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("jsonio: mkdir %s: %w", dir, err)
	}

	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return nil
	}

	tmpName := fmt.Sprintf("%s.tmp.%d.%s", filepath.Base(path), os.Getpid(), uuid.NewString())
	tmpPath := filepath.Join(dir, tmpName)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("jsonio: create temp: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("jsonio: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("jsonio: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("jsonio: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		// best-effort: some filesystems/platforms don't support chmod.
		_ = err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("jsonio: rename: %w", err)
	}
	success = true

	fsyncDirBestEffort(dir)
	return nil
}

// fsyncDirBestEffort fsyncs the parent directory so the rename itself is
// durable. EPERM/EINVAL (platforms where directories aren't fsync-able) is
// tolerated; any other error is ignored too since the rename already
// succeeded and a lost directory-entry fsync only risks losing the write on
// power failure, not corrupting it.
func fsyncDirBestEffort(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// Quarantine moves a corrupt file aside into quarantineDir under a
// timestamped name, then trims quarantineDir to the keep most recent
// entries. Used only for the auth file per spec.
func Quarantine(path, quarantineDir string, now time.Time, keep int) error {
	if err := os.MkdirAll(quarantineDir, 0o700); err != nil {
		return fmt.Errorf("jsonio: mkdir quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), now.UTC().Format("20060102T150405.000000000Z"))
	dest := filepath.Join(quarantineDir, name)
	if err := os.Rename(path, dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("jsonio: quarantine rename: %w", err)
	}
	return pruneQuarantine(quarantineDir, keep)
}

func pruneQuarantine(dir string, keep int) error {
	if keep <= 0 {
		keep = 1
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type entry struct {
		name    string
		modTime time.Time
	}
	var infos []entry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, entry{name: e.Name(), modTime: info.ModTime()})
	}
	if len(infos) <= keep {
		return nil
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].modTime.After(infos[j].modTime) })
	for _, e := range infos[keep:] {
		_ = os.Remove(filepath.Join(dir, e.name))
	}
	return nil
}
