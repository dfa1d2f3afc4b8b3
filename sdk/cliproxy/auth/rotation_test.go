package auth

import (
	"testing"
	"time"

	"github.com/opencred/oauth-broker/internal/account"
)

func rec(id string, enabled bool) *account.AccountRecord {
	return &account.AccountRecord{IdentityKey: id, Enabled: enabled}
}

func TestSelect_NoEligibleAccountReturnsFalse(t *testing.T) {
	t.Parallel()
	now := time.Now()
	var tag DecisionTag
	_, ok := Select(SelectInput{
		Accounts: []*account.AccountRecord{rec("a", false)},
		Policy:   PolicyRoundRobin,
		Now:      now,
		Debug:    func(e DecisionEvent) { tag = e.Tag },
	})
	if ok {
		t.Fatal("Select() ok = true, want false")
	}
	if tag != DecisionNone {
		t.Errorf("tag = %q, want %q", tag, DecisionNone)
	}
}

func TestSelect_RoundRobinCyclesFromActive(t *testing.T) {
	t.Parallel()
	now := time.Now()
	accounts := []*account.AccountRecord{rec("a", true), rec("b", true), rec("c", true)}

	got, ok := Select(SelectInput{Accounts: accounts, Policy: PolicyRoundRobin, ActiveIdentityKey: "a", Now: now})
	if !ok || got.IdentityKey != "b" {
		t.Fatalf("Select() = %v, %v, want b", got, ok)
	}

	got, ok = Select(SelectInput{Accounts: accounts, Policy: PolicyRoundRobin, ActiveIdentityKey: "c", Now: now})
	if !ok || got.IdentityKey != "a" {
		t.Fatalf("Select() wraps = %v, %v, want a", got, ok)
	}
}

func TestSelect_RoundRobinSkipsIneligibleActive(t *testing.T) {
	t.Parallel()
	now := time.Now()
	accounts := []*account.AccountRecord{rec("a", true), rec("b", false), rec("c", true)}
	got, ok := Select(SelectInput{Accounts: accounts, Policy: PolicyRoundRobin, ActiveIdentityKey: "gone", Now: now})
	if !ok || got.IdentityKey != "a" {
		t.Fatalf("Select() = %v, %v, want a (first eligible)", got, ok)
	}
}

func TestSelect_RoundRobinPidOffsetWhenNoActive(t *testing.T) {
	t.Parallel()
	now := time.Now()
	accounts := []*account.AccountRecord{rec("a", true), rec("b", true), rec("c", true)}
	got, ok := Select(SelectInput{Accounts: accounts, Policy: PolicyRoundRobin, Now: now, StickyPidOffset: true, Pid: 4})
	if !ok || got.IdentityKey != "b" {
		t.Fatalf("Select() = %v, %v, want b (pid 4 mod 3 = 1)", got, ok)
	}
}

func TestSelect_StickyPrefersActiveThenFirstEligible(t *testing.T) {
	t.Parallel()
	now := time.Now()
	accounts := []*account.AccountRecord{rec("a", true), rec("b", true)}

	got, ok := Select(SelectInput{Accounts: accounts, Policy: PolicySticky, ActiveIdentityKey: "b", Now: now})
	if !ok || got.IdentityKey != "b" {
		t.Fatalf("Select() = %v, %v, want b", got, ok)
	}

	got, ok = Select(SelectInput{Accounts: accounts, Policy: PolicySticky, ActiveIdentityKey: "missing", Now: now})
	if !ok || got.IdentityKey != "a" {
		t.Fatalf("Select() = %v, %v, want a (first eligible)", got, ok)
	}
}

func TestSelect_StickySessionAssignmentSurvivesLaterCalls(t *testing.T) {
	t.Parallel()
	now := time.Now()
	accounts := []*account.AccountRecord{rec("a", true), rec("b", true), rec("c", true)}
	state := NewStickySessionState(10)

	first, ok := Select(SelectInput{
		Accounts: accounts, Policy: PolicySticky, Now: now,
		StickyPidOffset: true, SessionKey: "sess-1", State: state,
	})
	if !ok {
		t.Fatal("Select() ok = false on first assignment")
	}

	// A second, different session's activeIdentityKey no longer matters: the
	// first session must keep resolving to its original assignment even
	// though activeIdentityKey now points elsewhere.
	second, ok := Select(SelectInput{
		Accounts: accounts, Policy: PolicySticky, ActiveIdentityKey: "c", Now: now,
		StickyPidOffset: true, SessionKey: "sess-1", State: state,
	})
	if !ok || second.IdentityKey != first.IdentityKey {
		t.Fatalf("Select() session-hit = %v, want sticky to %v", second, first)
	}
}

func TestSelect_StickySessionFallsBackWhenAssignedAccountIneligible(t *testing.T) {
	t.Parallel()
	now := time.Now()
	state := &StickySessionState{Assignments: map[string]string{"sess-1": "b"}, MaxEntries: 10}
	accounts := []*account.AccountRecord{rec("a", true), rec("b", false)}

	got, ok := Select(SelectInput{
		Accounts: accounts, Policy: PolicySticky, ActiveIdentityKey: "a", Now: now,
		SessionKey: "sess-1", State: state,
	})
	if !ok || got.IdentityKey != "a" {
		t.Fatalf("Select() = %v, %v, want a (assigned account b is disabled)", got, ok)
	}
}

func TestSelect_HybridPrefersLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	now := time.Now()
	a := rec("a", true)
	a.LastUsed = 200
	b := rec("b", true)
	b.LastUsed = 100
	c := rec("c", true)
	c.LastUsed = 300
	accounts := []*account.AccountRecord{a, b, c}

	got, ok := Select(SelectInput{Accounts: accounts, Policy: PolicyHybrid, Now: now})
	if !ok || got.IdentityKey != "b" {
		t.Fatalf("Select() = %v, %v, want b (lowest lastUsed)", got, ok)
	}
}

func TestSelect_HybridTiesBreakByIdentityKey(t *testing.T) {
	t.Parallel()
	now := time.Now()
	accounts := []*account.AccountRecord{rec("zzz", true), rec("aaa", true)}

	got, ok := Select(SelectInput{Accounts: accounts, Policy: PolicyHybrid, Now: now})
	if !ok || got.IdentityKey != "aaa" {
		t.Fatalf("Select() = %v, %v, want aaa (lastUsed tie, lexicographic tiebreak)", got, ok)
	}
}

func TestSelect_HybridActiveWinsOverLRU(t *testing.T) {
	t.Parallel()
	now := time.Now()
	a := rec("a", true)
	a.LastUsed = 500
	b := rec("b", true)
	b.LastUsed = 1
	accounts := []*account.AccountRecord{a, b}

	got, ok := Select(SelectInput{Accounts: accounts, Policy: PolicyHybrid, ActiveIdentityKey: "a", Now: now})
	if !ok || got.IdentityKey != "a" {
		t.Fatalf("Select() = %v, %v, want a (active overrides LRU)", got, ok)
	}
}

func TestSelect_CooldownAndLeaseMakeAccountIneligible(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cooling := rec("a", true)
	cooling.CooldownUntil = now.Add(time.Minute).UnixMilli()
	leased := rec("b", true)
	leased.RefreshLeaseUntil = now.Add(time.Minute).UnixMilli()
	ready := rec("c", true)
	accounts := []*account.AccountRecord{cooling, leased, ready}

	got, ok := Select(SelectInput{Accounts: accounts, Policy: PolicySticky, Now: now})
	if !ok || got.IdentityKey != "c" {
		t.Fatalf("Select() = %v, %v, want c (only eligible account)", got, ok)
	}
}

func TestSelect_DebugCallbackReportsDecisionTag(t *testing.T) {
	t.Parallel()
	now := time.Now()
	accounts := []*account.AccountRecord{rec("a", true)}
	var events []DecisionEvent
	_, ok := Select(SelectInput{
		Accounts: accounts, Policy: PolicyRoundRobin, Now: now,
		Debug: func(e DecisionEvent) { events = append(events, e) },
	})
	if !ok {
		t.Fatal("Select() ok = false")
	}
	if len(events) != 1 || events[0].Tag != DecisionRoundRobinFirst {
		t.Errorf("events = %+v, want one DecisionRoundRobinFirst", events)
	}
}
