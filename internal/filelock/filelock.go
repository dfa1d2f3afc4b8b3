// Package filelock provides the cross-process exclusive lock every mutation
// of the auth, snapshots, and session-affinity files passes through. It
// wraps a sibling sentinel file (<targetPath>.lock) with bounded-retry
// acquisition and optional stale-lock theft, so a crashed holder's lock does
// not wedge the file forever.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrTimeout is returned when the lock could not be acquired within the
// bounded retry budget.
var ErrTimeout = errors.New("filelock: timed out acquiring lock")

const (
	defaultAttempts = 20
	minBackoff      = 10 * time.Millisecond
	maxBackoff      = 100 * time.Millisecond
)

// Options tunes acquisition behavior.
type Options struct {
	// Attempts caps the number of lock attempts before giving up. Zero uses
	// the default of 20.
	Attempts int
	// StaleAfter, when non-zero, means a lock file whose mtime is older than
	// this age is considered abandoned by a crashed holder and is stolen
	// (removed and re-acquired) rather than waited on.
	StaleAfter time.Duration
}

// WithLock creates targetPath's parent directory, acquires an exclusive
// lock on the sibling sentinel file <targetPath>.lock with bounded retry and
// backoff, invokes fn, and always releases the lock afterward -- including
// when fn panics.
func WithLock(targetPath string, opts Options, fn func() error) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("filelock: mkdir %s: %w", dir, err)
	}
	lockPath := targetPath + ".lock"

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	if opts.StaleAfter > 0 {
		stealIfStale(lockPath, opts.StaleAfter)
	}

	fl := flock.New(lockPath)
	locked, err := acquireWithRetry(fl, attempts)
	if err != nil {
		return err
	}
	if !locked {
		return ErrTimeout
	}
	defer func() {
		_ = fl.Unlock()
	}()

	return runProtected(fn)
}

// runProtected invokes fn; a panic is recovered and re-raised unchanged, and
// the deferred unlock above runs while it propagates. This matches spec.md §4.C: "the lock is always released,
// including on panic/error paths."
func runProtected(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			panic(r)
		}
	}()
	return fn()
}

func acquireWithRetry(fl *flock.Flock, attempts int) (bool, error) {
	backoff := minBackoff
	for i := 0; i < attempts; i++ {
		locked, err := fl.TryLock()
		if err != nil {
			return false, fmt.Errorf("filelock: try lock: %w", err)
		}
		if locked {
			return true, nil
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return false, nil
}

// stealIfStale removes the lock file if its mtime is older than staleAfter.
// A concurrent holder recreates it on their next TryLock attempt, and
// removing a file that's actively flocked by another process is safe on
// POSIX (the other process's fd stays valid; it simply releases an unlinked
// inode when it unlocks).
func stealIfStale(lockPath string, staleAfter time.Duration) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > staleAfter {
		_ = os.Remove(lockPath)
	}
}
