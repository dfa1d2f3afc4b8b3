// Package auth implements the rotation engine: the pure account-selection
// function that the broker consults on every acquire-auth attempt.
package auth

import (
	"sort"
	"time"

	"github.com/opencred/oauth-broker/internal/account"
)

// Policy names one of the three rotation strategies a domain can configure.
type Policy string

const (
	PolicySticky     Policy = "sticky"
	PolicyHybrid     Policy = "hybrid"
	PolicyRoundRobin Policy = "round_robin"
)

// DecisionTag identifies which rule in the decision table fired.
type DecisionTag string

const (
	DecisionStickySessionHit    DecisionTag = "sticky_session_hit"
	DecisionStickyPidAssign     DecisionTag = "sticky_pid_assign"
	DecisionStickyActive        DecisionTag = "sticky_active"
	DecisionStickyFirstEligible DecisionTag = "sticky_first_eligible"
	DecisionStickyPidFallback   DecisionTag = "sticky_pid_fallback"
	DecisionHybridSessionHit    DecisionTag = "hybrid_session_hit"
	DecisionHybridPidAssign     DecisionTag = "hybrid_pid_assign"
	DecisionHybridActive        DecisionTag = "hybrid_active"
	DecisionHybridLRU           DecisionTag = "hybrid_lru"
	DecisionRoundRobinActive    DecisionTag = "round_robin_active"
	DecisionRoundRobinPid       DecisionTag = "round_robin_pid"
	DecisionRoundRobinFirst     DecisionTag = "round_robin_first"
	DecisionNone                DecisionTag = "none"
)

// DecisionEvent is handed to the optional debug callback so callers can trace
// why a given account was (or wasn't) chosen.
type DecisionEvent struct {
	Tag         DecisionTag
	IdentityKey string
}

// DebugFn observes the decision made by Select. May be nil.
type DebugFn func(DecisionEvent)

// StickySessionState is a sessionKey -> identityKey binding table shared by
// the sticky and hybrid policies (each policy gets its own instance; they
// never share bindings). Cursor advances monotonically as new sessions are
// assigned by pid-offset. MaxEntries caps growth; once reached, Select still
// chooses an account for a brand-new session but stops recording the
// binding, leaving eviction to the caller's persisted affinity store.
type StickySessionState struct {
	Assignments map[string]string
	Cursor      int
	MaxEntries  int
}

// NewStickySessionState returns an empty state with the given entry cap.
func NewStickySessionState(maxEntries int) *StickySessionState {
	return &StickySessionState{Assignments: make(map[string]string), MaxEntries: maxEntries}
}

func (s *StickySessionState) lookup(sessionKey string) (string, bool) {
	if s == nil || sessionKey == "" {
		return "", false
	}
	id, ok := s.Assignments[sessionKey]
	return id, ok
}

func (s *StickySessionState) assign(sessionKey, identityKey string) {
	if s == nil || sessionKey == "" {
		return
	}
	if s.Assignments == nil {
		s.Assignments = make(map[string]string)
	}
	if s.MaxEntries > 0 && len(s.Assignments) >= s.MaxEntries {
		if _, exists := s.Assignments[sessionKey]; !exists {
			return
		}
	}
	s.Assignments[sessionKey] = identityKey
}

// SelectInput carries every parameter the decision table in spec.md §4.F
// reads. Accounts should be the full unfiltered account list for the domain
// under consideration; order is preserved for the "first eligible" and
// pid-offset rules.
type SelectInput struct {
	Accounts          []*account.AccountRecord
	Policy            Policy
	ActiveIdentityKey string
	Now               time.Time

	StickyPidOffset bool
	Pid             int

	SessionKey string
	State      *StickySessionState

	Debug DebugFn
}

func (in *SelectInput) emit(tag DecisionTag, identityKey string) {
	if in.Debug != nil {
		in.Debug(DecisionEvent{Tag: tag, IdentityKey: identityKey})
	}
}

// isEligible mirrors spec.md §4.F: enabled, not cooling down, not leased out
// for an in-flight refresh.
func isEligible(a *account.AccountRecord, now time.Time) bool {
	if a == nil || !a.Enabled {
		return false
	}
	nowMs := now.UnixMilli()
	return a.CooldownUntil <= nowMs && a.RefreshLeaseUntil <= nowMs
}

func eligibleAccounts(accounts []*account.AccountRecord, now time.Time) []*account.AccountRecord {
	out := make([]*account.AccountRecord, 0, len(accounts))
	for _, a := range accounts {
		if isEligible(a, now) {
			out = append(out, a)
		}
	}
	return out
}

func findByIdentity(accounts []*account.AccountRecord, identityKey string) *account.AccountRecord {
	if identityKey == "" {
		return nil
	}
	for _, a := range accounts {
		if a.IdentityKey == identityKey {
			return a
		}
	}
	return nil
}

// Select is the rotation engine: a pure, total function from an account list
// plus policy state to the chosen account (spec.md §4.F). It is pure in the
// referential-transparency sense -- same input state yields the same output
// -- but a sticky-session assignment legitimately mutates the
// StickySessionState the caller passed in, the same way the teacher's
// selectors record cursor advances and session bindings as they decide.
func Select(input SelectInput) (*account.AccountRecord, bool) {
	eligible := eligibleAccounts(input.Accounts, input.Now)
	if len(eligible) == 0 {
		input.emit(DecisionNone, "")
		return nil, false
	}

	switch input.Policy {
	case PolicyHybrid:
		return selectHybrid(input, eligible)
	case PolicyRoundRobin:
		return selectRoundRobin(input, eligible)
	default:
		return selectSticky(input, eligible)
	}
}

func selectSticky(input SelectInput, eligible []*account.AccountRecord) (*account.AccountRecord, bool) {
	if input.SessionKey != "" && input.State != nil {
		if id, ok := input.State.lookup(input.SessionKey); ok {
			if a := findByIdentity(eligible, id); a != nil {
				input.emit(DecisionStickySessionHit, a.IdentityKey)
				return a, true
			}
		}
		if input.StickyPidOffset {
			idx := input.State.Cursor % len(eligible)
			input.State.Cursor++
			a := eligible[idx]
			input.State.assign(input.SessionKey, a.IdentityKey)
			input.emit(DecisionStickyPidAssign, a.IdentityKey)
			return a, true
		}
	}
	if a := findByIdentity(eligible, input.ActiveIdentityKey); a != nil {
		input.emit(DecisionStickyActive, a.IdentityKey)
		return a, true
	}
	if !input.StickyPidOffset {
		a := eligible[0]
		input.emit(DecisionStickyFirstEligible, a.IdentityKey)
		return a, true
	}
	a := eligible[input.Pid%len(eligible)]
	input.emit(DecisionStickyPidFallback, a.IdentityKey)
	return a, true
}

func selectHybrid(input SelectInput, eligible []*account.AccountRecord) (*account.AccountRecord, bool) {
	if input.SessionKey != "" && input.State != nil {
		if id, ok := input.State.lookup(input.SessionKey); ok {
			if a := findByIdentity(eligible, id); a != nil {
				input.emit(DecisionHybridSessionHit, a.IdentityKey)
				return a, true
			}
		}
		if input.StickyPidOffset {
			sorted := append([]*account.AccountRecord(nil), eligible...)
			sort.Slice(sorted, func(i, j int) bool {
				if sorted[i].LastUsed != sorted[j].LastUsed {
					return sorted[i].LastUsed < sorted[j].LastUsed
				}
				return sorted[i].IdentityKey < sorted[j].IdentityKey
			})
			idx := input.State.Cursor % len(sorted)
			input.State.Cursor++
			a := sorted[idx]
			input.State.assign(input.SessionKey, a.IdentityKey)
			input.emit(DecisionHybridPidAssign, a.IdentityKey)
			return a, true
		}
	}
	if a := findByIdentity(eligible, input.ActiveIdentityKey); a != nil {
		input.emit(DecisionHybridActive, a.IdentityKey)
		return a, true
	}
	lru := eligible[0]
	for _, a := range eligible[1:] {
		if a.LastUsed < lru.LastUsed || (a.LastUsed == lru.LastUsed && a.IdentityKey < lru.IdentityKey) {
			lru = a
		}
	}
	input.emit(DecisionHybridLRU, lru.IdentityKey)
	return lru, true
}

func selectRoundRobin(input SelectInput, eligible []*account.AccountRecord) (*account.AccountRecord, bool) {
	n := len(eligible)
	if idx := indexOfIdentity(eligible, input.ActiveIdentityKey); idx >= 0 {
		a := eligible[(idx+1)%n]
		input.emit(DecisionRoundRobinActive, a.IdentityKey)
		return a, true
	}
	if input.StickyPidOffset {
		a := eligible[input.Pid%n]
		input.emit(DecisionRoundRobinPid, a.IdentityKey)
		return a, true
	}
	a := eligible[0]
	input.emit(DecisionRoundRobinFirst, a.IdentityKey)
	return a, true
}

func indexOfIdentity(accounts []*account.AccountRecord, identityKey string) int {
	if identityKey == "" {
		return -1
	}
	for i, a := range accounts {
		if a.IdentityKey == identityKey {
			return i
		}
	}
	return -1
}
