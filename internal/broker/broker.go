// Package broker implements acquire-auth, the heart of the system: the
// per-request operation that selects an account, serves its access token if
// still fresh, or refreshes it under a lease that survives a crash
// (spec.md §4.G).
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/opencred/oauth-broker/internal/account"
	"github.com/opencred/oauth-broker/internal/affinity"
	"github.com/opencred/oauth-broker/internal/refresh"
	cliproxyauth "github.com/opencred/oauth-broker/sdk/cliproxy/auth"
	"golang.org/x/sync/singleflight"
)

// ErrAllAccountsCoolingDown is returned when no account in the domain is
// eligible (spec.md §4.G step 1).
var ErrAllAccountsCoolingDown = errors.New("broker: all accounts cooling down")

// ErrMissingAccountIdentity marks a config problem, not a quota problem: the
// selected account lacks an identityKey or refresh token (step 2).
var ErrMissingAccountIdentity = errors.New("broker: selected account missing identity or refresh token")

// ErrStaleClaim is returned when a concurrent actor replaced this request's
// refresh lease before it could commit or fail the refresh (steps 6-7).
var ErrStaleClaim = errors.New("broker: refresh lease claim is stale")

// tokenRefresher is the subset of *refresh.Refresher the broker calls,
// narrowed to an interface so tests can substitute a fake.
type tokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (refresh.Result, error)
}

// Options tunes timing constants, all given spec.md §4.G's stated defaults.
type Options struct {
	IsCodexScoped     bool
	StaleLockAfter    time.Duration
	LeaseMs           int64 // default 120000 (120s)
	BufferMs          int64 // default 60000 (60s)
	FailureCooldownMs int64 // default 30000 (30s)
}

func (o *Options) setDefaults() {
	if o.LeaseMs <= 0 {
		o.LeaseMs = 120000
	}
	if o.BufferMs <= 0 {
		o.BufferMs = 60000
	}
	if o.FailureCooldownMs <= 0 {
		o.FailureCooldownMs = 30000
	}
}

// Broker owns one auth file's acquire-auth operation.
type Broker struct {
	path      string
	opts      Options
	affinity  *affinity.Store
	refresher tokenRefresher
	group     singleflight.Group
}

// New constructs a Broker over the auth file at path.
func New(path string, affinityStore *affinity.Store, refresher tokenRefresher, opts Options) *Broker {
	opts.setDefaults()
	return &Broker{path: path, opts: opts, affinity: affinityStore, refresher: refresher}
}

// AcquireInput carries one request's context into AcquireAuth.
type AcquireInput struct {
	Mode account.Mode
	// SessionKey identifies the client-side chat turn, if one was
	// extracted; empty disables sticky/hybrid session binding for this call.
	SessionKey string
	// IsSubagent requests must not mutate session-affinity state (spec.md
	// §4.G step 8): they may observe an existing sticky binding, but must
	// never mint a new pid-offset assignment or refresh seenSessionKeys.
	IsSubagent bool
	// PidOffset and Pid feed the rotation engine's pid-offset fallback and
	// new-assignment rules.
	PidOffset bool
	Pid       int
	// ConfiguredStrategy overrides the domain's persisted strategy when set.
	ConfiguredStrategy cliproxyauth.Policy
}

// AcquireResult is the bearer credential handed back to the caller.
type AcquireResult struct {
	Access      string
	IdentityKey string
	AccountID   string
	Email       string
	Plan        string
}

type claim struct {
	identityKey string
	refresh     string
	leaseUntil  int64
}

// AcquireAuth runs one attempt of spec.md §4.G's algorithm. Callers may
// retry on a non-terminal error; a terminal classification means the
// account was disabled and a different account (or re-authentication) is
// needed.
func (b *Broker) AcquireAuth(ctx context.Context, input AcquireInput) (AcquireResult, error) {
	now := time.Now()

	var early *AcquireResult
	var selectErr error
	var cl *claim

	_, err := account.SaveAuthStorage(b.path, b.opts.IsCodexScoped, b.opts.StaleLockAfter, func(f *account.AuthFile) error {
		domain := account.ListOpenAIOAuthDomains(f)[input.Mode]
		var accounts []*account.AccountRecord
		if domain != nil {
			for i := range domain.Accounts {
				accounts = append(accounts, &domain.Accounts[i])
			}
		}

		policy := input.ConfiguredStrategy
		if policy == "" && domain != nil {
			policy = cliproxyauth.Policy(domain.Strategy)
		}
		if policy == "" {
			policy = cliproxyauth.PolicyRoundRobin
		}

		var active string
		if domain != nil {
			active = domain.ActiveIdentityKey
		}

		chosen, ok := b.selectAccount(input, policy, accounts, active, now)
		if !ok {
			selectErr = ErrAllAccountsCoolingDown
			return nil
		}
		if chosen.IdentityKey == "" || chosen.Refresh == "" {
			selectErr = ErrMissingAccountIdentity
			return nil
		}

		nowMs := now.UnixMilli()
		if chosen.Access != "" && chosen.Expires > nowMs+b.opts.BufferMs {
			if domain != nil && (policy == cliproxyauth.PolicyRoundRobin || policy == cliproxyauth.PolicyHybrid) {
				domain.ActiveIdentityKey = chosen.IdentityKey
				chosen.LastUsed = nowMs
			}
			early = &AcquireResult{
				Access: chosen.Access, IdentityKey: chosen.IdentityKey,
				AccountID: chosen.AccountID, Email: chosen.Email, Plan: chosen.Plan,
			}
			return nil
		}

		leaseUntil := nowMs + b.opts.LeaseMs
		chosen.RefreshLeaseUntil = leaseUntil
		cl = &claim{identityKey: chosen.IdentityKey, refresh: chosen.Refresh, leaseUntil: leaseUntil}
		return nil
	})
	if err != nil {
		return AcquireResult{}, err
	}
	if selectErr != nil {
		return AcquireResult{}, selectErr
	}
	if early != nil {
		return *early, nil
	}

	// Refresh happens outside the lock (step 5). singleflight collapses
	// concurrent refreshes of the same identity within this process; the
	// leaseUntil CAS below is what protects against concurrent *processes*.
	v, refreshErr, _ := b.group.Do(cl.identityKey, func() (interface{}, error) {
		return b.refresher.Refresh(ctx, cl.refresh)
	})
	result, _ := v.(refresh.Result)

	return b.commitOrFail(input.Mode, cl, result, refreshErr)
}

// RefreshDueAccount implements one step of spec.md §4.J's proactive-refresh
// tick: find the first enabled, non-cooling-down, unleased account in mode
// whose token expires within bufferMs, claim it, and refresh it through the
// same lease/stale/classify machinery AcquireAuth uses. Returns ok=false
// once no eligible account remains, so the caller's loop terminates.
func (b *Broker) RefreshDueAccount(ctx context.Context, mode account.Mode, bufferMs int64) (bool, error) {
	now := time.Now()
	nowMs := now.UnixMilli()

	var cl *claim
	_, err := account.SaveAuthStorage(b.path, b.opts.IsCodexScoped, b.opts.StaleLockAfter, func(f *account.AuthFile) error {
		domain := account.ListOpenAIOAuthDomains(f)[mode]
		if domain == nil {
			return nil
		}
		for i := range domain.Accounts {
			a := &domain.Accounts[i]
			if !a.Enabled || a.CooldownUntil > nowMs || a.RefreshLeaseUntil > nowMs {
				continue
			}
			if a.Expires > nowMs+bufferMs {
				continue
			}
			if a.IdentityKey == "" || a.Refresh == "" {
				continue
			}
			leaseUntil := nowMs + b.opts.LeaseMs
			a.RefreshLeaseUntil = leaseUntil
			cl = &claim{identityKey: a.IdentityKey, refresh: a.Refresh, leaseUntil: leaseUntil}
			return nil
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if cl == nil {
		return false, nil
	}

	v, refreshErr, _ := b.group.Do(cl.identityKey, func() (interface{}, error) {
		return b.refresher.Refresh(ctx, cl.refresh)
	})
	result, _ := v.(refresh.Result)

	_, commitErr := b.commitOrFail(mode, cl, result, refreshErr)
	return true, commitErr
}

// SetCooldown marks identityKey as cooling down until the given instant.
// This is the fetch orchestrator's 429 accounting hook (spec.md §4.I step
// 3g) -- a separate write path from AcquireAuth's own failure-cooldown
// handling, since a 429 is an upstream rate-limit signal, not a refresh
// failure.
func (b *Broker) SetCooldown(mode account.Mode, identityKey string, until time.Time) error {
	_, err := account.SaveAuthStorage(b.path, b.opts.IsCodexScoped, b.opts.StaleLockAfter, func(f *account.AuthFile) error {
		domain := account.ListOpenAIOAuthDomains(f)[mode]
		if domain == nil {
			return nil
		}
		rec := domain.FindByIdentityKey(identityKey)
		if rec == nil {
			return nil
		}
		rec.CooldownUntil = until.UnixMilli()
		return nil
	})
	return err
}

func (b *Broker) selectAccount(input AcquireInput, policy cliproxyauth.Policy, accounts []*account.AccountRecord, active string, now time.Time) (*account.AccountRecord, bool) {
	var chosen *account.AccountRecord
	var ok bool
	switch policy {
	case cliproxyauth.PolicySticky, cliproxyauth.PolicyHybrid:
		affinityPolicy := affinity.PolicySticky
		if policy == cliproxyauth.PolicyHybrid {
			affinityPolicy = affinity.PolicyHybrid
		}
		b.affinity.Use(input.Mode, affinityPolicy, input.SessionKey, input.IsSubagent, func(st *cliproxyauth.StickySessionState) {
			chosen, ok = cliproxyauth.Select(cliproxyauth.SelectInput{
				Accounts: accounts, Policy: policy, ActiveIdentityKey: active, Now: now,
				StickyPidOffset: input.PidOffset && !input.IsSubagent,
				Pid:             input.Pid,
				SessionKey:      input.SessionKey,
				State:           st,
			})
		})
	default:
		chosen, ok = cliproxyauth.Select(cliproxyauth.SelectInput{
			Accounts: accounts, Policy: policy, ActiveIdentityKey: active, Now: now,
			StickyPidOffset: input.PidOffset, Pid: input.Pid,
		})
	}
	return chosen, ok
}

// commitOrFail reacquires the lock to apply the refresh outcome (steps 6-7).
func (b *Broker) commitOrFail(mode account.Mode, cl *claim, result refresh.Result, refreshErr error) (AcquireResult, error) {
	var final AcquireResult
	var finalErr error

	_, err := account.SaveAuthStorage(b.path, b.opts.IsCodexScoped, b.opts.StaleLockAfter, func(f *account.AuthFile) error {
		domain := account.ListOpenAIOAuthDomains(f)[mode]
		var rec *account.AccountRecord
		if domain != nil {
			rec = domain.FindByIdentityKey(cl.identityKey)
		}

		if refreshErr == nil {
			if rec == nil || !rec.Enabled || rec.RefreshLeaseUntil != cl.leaseUntil || rec.Refresh != cl.refresh {
				finalErr = ErrStaleClaim
				return nil
			}
			rec.Access, rec.Refresh, rec.Expires = result.Access, result.Refresh, result.Expires
			rec.RefreshLeaseUntil = 0
			nowMs := time.Now().UnixMilli()
			if rec.Expires <= nowMs+b.opts.BufferMs {
				// Prevents thrash when the issuer returns an already-expired token.
				rec.CooldownUntil = nowMs + b.opts.FailureCooldownMs
			}
			final = AcquireResult{
				Access: rec.Access, IdentityKey: rec.IdentityKey,
				AccountID: rec.AccountID, Email: rec.Email, Plan: rec.Plan,
			}
			return nil
		}

		if rec == nil || rec.RefreshLeaseUntil != cl.leaseUntil {
			finalErr = ErrStaleClaim
			return nil
		}
		rec.RefreshLeaseUntil = 0
		if refresh.IsTerminal(refreshErr) {
			rec.Enabled = false
			rec.CooldownUntil = 0
		} else {
			rec.CooldownUntil = time.Now().UnixMilli() + b.opts.FailureCooldownMs
		}
		finalErr = refreshErr
		return nil
	})
	if err != nil {
		return AcquireResult{}, err
	}
	if finalErr != nil {
		return AcquireResult{}, finalErr
	}
	return final, nil
}
