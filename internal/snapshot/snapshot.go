// Package snapshot persists per-identity rate-limit snapshots parsed from
// vendor response headers (spec.md §4.K). It shares the account package's
// lock-then-atomic-rename discipline but, unlike the auth file, has no
// normalize step: a snapshot is either written whole or not written at all.
package snapshot

import (
	"bytes"
	"time"

	"github.com/opencred/oauth-broker/internal/filelock"
	"github.com/opencred/oauth-broker/internal/jsonio"
)

// Limit is one named rate-limit bucket within a snapshot, e.g. "requests" or
// "5h".
type Limit struct {
	Name     string     `json:"name"`
	LeftPct  int        `json:"leftPct"`
	ResetsAt *time.Time `json:"resetsAt,omitempty"`
}

// Credits is an optional prepaid-balance block some vendors attach alongside
// rate-limit headers.
type Credits struct {
	Remaining float64 `json:"remaining"`
	Total     float64 `json:"total,omitempty"`
}

// Snapshot is one identity's most recently observed rate-limit state.
type Snapshot struct {
	UpdatedAt   time.Time `json:"updatedAt"`
	ModelFamily string    `json:"modelFamily,omitempty"`
	Limits      []Limit   `json:"limits"`
	Credits     *Credits  `json:"credits,omitempty"`
}

// File is the on-disk shape: identityKey -> Snapshot.
type File map[string]Snapshot

// Load reads path, returning an empty File on a missing or corrupt file --
// snapshots are a cache, never a source of truth, so a corrupt file is
// discarded rather than quarantined.
func Load(path string, staleLockAfter time.Duration) (File, error) {
	var f File
	err := filelock.WithLock(path, filelock.Options{StaleAfter: staleLockAfter}, func() error {
		loaded, err := load(path)
		if err != nil {
			return err
		}
		f = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func load(path string) (File, error) {
	f := File{}
	err := jsonio.Read(path, &f)
	switch {
	case err == nil:
		return f, nil
	case err == jsonio.ErrMissing:
		return File{}, nil
	default:
		return File{}, nil
	}
}

// Save reads the current file under lock, applies mutator, and writes
// atomically only if the serialized bytes changed -- the same pattern as
// account.SaveAuthStorage.
func Save(path string, staleLockAfter time.Duration, mutator func(File) File) (File, error) {
	var result File
	err := filelock.WithLock(path, filelock.Options{StaleAfter: staleLockAfter}, func() error {
		f, err := load(path)
		if err != nil {
			return err
		}
		before, err := jsonio.MarshalIndent(f)
		if err != nil {
			return err
		}
		f = mutator(f)
		after, err := jsonio.MarshalIndent(f)
		if err != nil {
			return err
		}
		result = f
		if bytes.Equal(before, after) {
			return nil
		}
		return jsonio.WriteAtomicBytes(path, after)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Record folds a freshly-parsed snapshot for identityKey into path, unless
// parsed has no limits -- a header-less probe response must never tombstone
// an identity's last-known-good snapshot (spec.md §4.K).
func Record(path string, staleLockAfter time.Duration, identityKey string, parsed Snapshot) (File, error) {
	if len(parsed.Limits) == 0 {
		return Load(path, staleLockAfter)
	}
	return Save(path, staleLockAfter, func(f File) File {
		f[identityKey] = parsed
		return f
	})
}
