package account

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencred/oauth-broker/internal/filelock"
	"github.com/opencred/oauth-broker/internal/jsonio"
	log "github.com/sirupsen/logrus"
)

// LoadOptions tunes LoadAuthStorage.
type LoadOptions struct {
	// LockReads, when false, skips the file lock for a direct read --
	// acceptable for read-only tooling per spec.md §4.E.
	LockReads bool
	// IsCodexScoped marks path as the codex-only file, so migration rule 5
	// strips non-"openai" top-level keys.
	IsCodexScoped bool
	// QuarantineDir receives corrupt auth files; empty disables quarantine.
	QuarantineDir string
	StaleLockAfter time.Duration
}

// LoadAuthStorage reads path, migrates legacy shapes, normalizes identity
// keys and active pointers, and returns the result. A missing file yields an
// empty AuthFile (ConfigMissing, handled locally). A corrupt file is
// quarantined (if QuarantineDir is set) and treated as empty.
func LoadAuthStorage(path string, opts LoadOptions) (*AuthFile, error) {
	if !opts.LockReads {
		return loadAndNormalize(path, opts)
	}
	var result *AuthFile
	err := filelock.WithLock(path, filelock.Options{StaleAfter: opts.StaleLockAfter}, func() error {
		f, err := loadAndNormalize(path, opts)
		if err != nil {
			return err
		}
		result = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func loadAndNormalize(path string, opts LoadOptions) (*AuthFile, error) {
	f := &AuthFile{}
	err := jsonio.Read(path, f)
	switch {
	case err == nil:
		// fallthrough to normalize
	case err == jsonio.ErrMissing:
		f = &AuthFile{}
	default:
		log.WithField("component", "account").WithError(err).Warn("auth file corrupt, quarantining")
		if opts.QuarantineDir != "" {
			if qerr := jsonio.Quarantine(path, opts.QuarantineDir, time.Now(), 5); qerr != nil {
				log.WithField("component", "account").WithError(qerr).Warn("failed to quarantine corrupt auth file")
			}
		}
		f = &AuthFile{}
	}
	normalize(f, opts.IsCodexScoped)
	return f, nil
}

// SaveAuthStorage reads the current file under lock, applies mutator,
// normalizes, and writes atomically only if the serialized bytes changed.
func SaveAuthStorage(path string, isCodexScoped bool, staleLockAfter time.Duration, mutator func(*AuthFile) error) (*AuthFile, error) {
	var result *AuthFile
	err := filelock.WithLock(path, filelock.Options{StaleAfter: staleLockAfter}, func() error {
		f, err := loadAndNormalize(path, LoadOptions{IsCodexScoped: isCodexScoped})
		if err != nil {
			return err
		}
		before, err := jsonio.MarshalIndent(f)
		if err != nil {
			return err
		}
		if err := mutator(f); err != nil {
			return err
		}
		normalize(f, isCodexScoped)
		after, err := jsonio.MarshalIndent(f)
		if err != nil {
			return err
		}
		if bytes.Equal(before, after) {
			result = f
			return nil
		}
		if err := jsonio.WriteAtomicBytes(path, after); err != nil {
			return err
		}
		result = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EnsureOpenAIOAuthDomain lazily creates the named domain on an in-memory
// AuthFile (intended for use inside a SaveAuthStorage mutator).
func EnsureOpenAIOAuthDomain(f *AuthFile, mode Mode) *OpenAIOAuthDomain {
	return f.EnsureDomain(mode)
}

// ListOpenAIOAuthDomains yields the existing domains.
func ListOpenAIOAuthDomains(f *AuthFile) map[Mode]*OpenAIOAuthDomain {
	return f.ListDomains()
}

// SetAccountCooldown sets cooldownUntil on the named identity in mode's
// domain. Fails silently (no error, no-op) if the account is disabled or
// absent, matching spec.md §4.E.
func SetAccountCooldown(path string, isCodexScoped bool, staleLockAfter time.Duration, identityKey string, until int64, mode Mode) error {
	_, err := SaveAuthStorage(path, isCodexScoped, staleLockAfter, func(f *AuthFile) error {
		domain := f.domain(mode)
		if domain == nil {
			return nil
		}
		rec := domain.FindByIdentityKey(identityKey)
		if rec == nil || !rec.Enabled {
			return nil
		}
		rec.CooldownUntil = until
		return nil
	})
	return err
}

// TokenUpdate carries the refreshed token triple committed by the broker.
type TokenUpdate struct {
	Access  string
	Refresh string
	Expires int64
}

// UpdateAccountTokensByIdentityKey commits a refreshed token triple. Fails
// silently if the account is absent.
func UpdateAccountTokensByIdentityKey(path string, isCodexScoped bool, staleLockAfter time.Duration, identityKey string, tokens TokenUpdate, mode Mode) error {
	_, err := SaveAuthStorage(path, isCodexScoped, staleLockAfter, func(f *AuthFile) error {
		domain := f.domain(mode)
		if domain == nil {
			return nil
		}
		rec := domain.FindByIdentityKey(identityKey)
		if rec == nil {
			return nil
		}
		rec.Access = tokens.Access
		if tokens.Refresh != "" {
			rec.Refresh = tokens.Refresh
		}
		rec.Expires = tokens.Expires
		rec.RefreshLeaseUntil = 0
		return nil
	})
	return err
}

// ImportResult reports what ImportLegacyInstallData folded in.
type ImportResult struct {
	Imported    int
	SourcesUsed []string
}

// ImportLegacyInstallData performs the single-shot migration described in
// spec.md §4.E: read a pre-multi-account single-record oauth file, a v4
// schema from an earlier tool, and the host CLI's own auth file, and fold
// their enabled accounts into path's native domain.
func ImportLegacyInstallData(path string, staleLockAfter time.Duration, legacySingleRecordPath, legacyV4Path, hostAuthPath string) (ImportResult, error) {
	var result ImportResult
	_, err := SaveAuthStorage(path, false, staleLockAfter, func(f *AuthFile) error {
		domain := f.EnsureDomain(ModeNative)
		existing := make(map[string]struct{}, len(domain.Accounts))
		for _, a := range domain.Accounts {
			existing[a.IdentityKey] = struct{}{}
		}
		add := func(rec AccountRecord) {
			synchronizeIdentityKey(&rec)
			if _, ok := existing[rec.IdentityKey]; ok {
				return
			}
			existing[rec.IdentityKey] = struct{}{}
			domain.Accounts = append(domain.Accounts, rec)
			result.Imported++
		}

		if recs, ok := readLegacySingleRecord(legacySingleRecordPath); ok {
			for _, r := range recs {
				add(r)
			}
			result.SourcesUsed = append(result.SourcesUsed, "legacy-single-record")
		}
		if recs, ok := readLegacyV4(legacyV4Path); ok {
			for _, r := range recs {
				add(r)
			}
			result.SourcesUsed = append(result.SourcesUsed, "legacy-v4")
		}
		if recs, ok := readHostAuthFile(hostAuthPath); ok {
			for _, r := range recs {
				add(r)
			}
			result.SourcesUsed = append(result.SourcesUsed, "host-auth-file")
		}
		dedupeIdentityKeys(domain.Accounts)
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return result, nil
}

func readLegacySingleRecord(path string) ([]AccountRecord, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, false
	}
	var legacy legacyRecord
	if err := jsonio.Read(path, &legacy); err != nil {
		return nil, false
	}
	if legacy.Refresh == "" && legacy.Access == "" {
		return nil, false
	}
	return []AccountRecord{{
		Email:     legacy.Email,
		Plan:      legacy.Plan,
		Access:    legacy.Access,
		Refresh:   legacy.Refresh,
		Expires:   legacy.Expires,
		Enabled:   true,
		AuthTypes: []string{string(ModeNative)},
	}}, true
}

// v4Schema is an earlier standalone tool's multi-account layout: a flat
// accounts array without the native/codex split this module introduces.
type v4Schema struct {
	Accounts []struct {
		AccountID string `json:"accountId,omitempty"`
		Email     string `json:"email,omitempty"`
		Plan      string `json:"plan,omitempty"`
		Access    string `json:"access,omitempty"`
		Refresh   string `json:"refresh,omitempty"`
		Expires   int64  `json:"expires,omitempty"`
		Disabled  bool   `json:"disabled,omitempty"`
	} `json:"accounts"`
}

func readLegacyV4(path string) ([]AccountRecord, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, false
	}
	var v4 v4Schema
	if err := jsonio.Read(path, &v4); err != nil {
		return nil, false
	}
	if len(v4.Accounts) == 0 {
		return nil, false
	}
	out := make([]AccountRecord, 0, len(v4.Accounts))
	for _, a := range v4.Accounts {
		if a.Disabled {
			continue
		}
		out = append(out, AccountRecord{
			AccountID: a.AccountID,
			Email:     a.Email,
			Plan:      a.Plan,
			Access:    a.Access,
			Refresh:   a.Refresh,
			Expires:   a.Expires,
			Enabled:   true,
			AuthTypes: []string{string(ModeNative)},
		})
	}
	return out, len(out) > 0
}

func readHostAuthFile(path string) ([]AccountRecord, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, false
	}
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	var f AuthFile
	if err := jsonio.Read(path, &f); err != nil {
		return nil, false
	}
	var out []AccountRecord
	for _, domain := range f.ListDomains() {
		for _, rec := range domain.Accounts {
			if rec.Enabled {
				out = append(out, *rec.Clone())
			}
		}
	}
	return out, len(out) > 0
}

// quarantineDirFor returns the sibling "quarantine" directory for path,
// matching the teacher's convention of co-locating caches next to the
// config tree they cache for.
func quarantineDirFor(path string) string {
	return filepath.Join(filepath.Dir(path), "quarantine")
}
