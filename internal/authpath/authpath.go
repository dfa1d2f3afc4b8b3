// Package authpath resolves the fixed set of file paths the broker reads and
// writes: the auth file, the rate-limit snapshots file, the session-affinity
// file, and (optionally) the host's own auth file used for legacy import.
//
// Resolution precedence is explicit argument, then an XDG environment
// variable, then $HOME/.config/.... XDG values must be absolute; relative
// values are rejected rather than silently joined against the working
// directory.
package authpath

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrRelativeXDGPath is returned when an XDG_*_HOME value is set but not
// absolute.
var ErrRelativeXDGPath = errors.New("authpath: XDG path must be absolute")

// ErrInvalidSessionKey is returned by SanitizeSessionKey when a key contains
// a path separator or a ".." traversal segment.
var ErrInvalidSessionKey = errors.New("authpath: invalid session key")

const (
	appDirName        = "oauth-broker"
	authFileName      = "auth.json"
	snapshotsFileName = "rate-limits.json"
	affinityFileName  = "session-affinity.json"
)

// Paths holds the resolved on-disk locations this module reads and writes.
type Paths struct {
	ConfigDir     string
	DataDir       string
	AuthFile      string
	SnapshotsFile string
	AffinityFile  string
	// HostAuthFile is the upstream CLI's own auth file, consulted only for
	// legacy import. Empty disables the import source.
	HostAuthFile string
}

// Options lets callers override individual paths explicitly; an empty field
// falls through to XDG/HOME resolution.
type Options struct {
	ConfigDir    string
	DataDir      string
	AuthFile     string
	HostAuthFile string
}

// Resolve computes Paths from explicit options, falling back to environment
// variables and finally $HOME.
func Resolve(opts Options) (Paths, error) {
	configDir, err := resolveBase(opts.ConfigDir, "XDG_CONFIG_HOME", ".config")
	if err != nil {
		return Paths{}, err
	}
	dataDir, err := resolveBase(opts.DataDir, "XDG_DATA_HOME", ".local/share")
	if err != nil {
		return Paths{}, err
	}

	configDir = filepath.Join(configDir, appDirName)
	dataDir = filepath.Join(dataDir, appDirName)

	authFile := strings.TrimSpace(opts.AuthFile)
	if authFile == "" {
		authFile = filepath.Join(configDir, authFileName)
	}

	return Paths{
		ConfigDir:     configDir,
		DataDir:       dataDir,
		AuthFile:      authFile,
		SnapshotsFile: filepath.Join(dataDir, snapshotsFileName),
		AffinityFile:  filepath.Join(dataDir, affinityFileName),
		HostAuthFile:  strings.TrimSpace(opts.HostAuthFile),
	}, nil
}

// resolveBase resolves a single base directory: explicit value, then the
// named XDG variable (must be absolute), then $HOME/fallback.
func resolveBase(explicit, xdgVar, homeFallback string) (string, error) {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return trimmed, nil
	}
	if xdg := strings.TrimSpace(os.Getenv(xdgVar)); xdg != "" {
		if !filepath.IsAbs(xdg) {
			return "", ErrRelativeXDGPath
		}
		return xdg, nil
	}
	home := strings.TrimSpace(os.Getenv("HOME"))
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}
	return filepath.Join(home, homeFallback), nil
}

// CodexAuthFile derives the codex-scoped sibling of the resolved auth file,
// e.g. auth.json -> auth.codex.json.
func (p Paths) CodexAuthFile() string {
	dir := filepath.Dir(p.AuthFile)
	base := filepath.Base(p.AuthFile)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, stem+".codex"+ext)
}

// SanitizeSessionKey rejects session keys that could escape their intended
// use as a map key or filename fragment.
func SanitizeSessionKey(key string) error {
	if strings.ContainsAny(key, `/\`) {
		return ErrInvalidSessionKey
	}
	for _, part := range strings.Split(key, string(filepath.Separator)) {
		if part == ".." {
			return ErrInvalidSessionKey
		}
	}
	if strings.Contains(key, "..") {
		// ".." may appear without a path separator on some inputs; reject
		// outright since a session key has no legitimate use for it.
		return ErrInvalidSessionKey
	}
	return nil
}
