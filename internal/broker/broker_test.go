package broker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencred/oauth-broker/internal/account"
	"github.com/opencred/oauth-broker/internal/affinity"
	"github.com/opencred/oauth-broker/internal/refresh"
)

type fakeRefresher struct {
	result   refresh.Result
	err      error
	onCalled func()
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string) (refresh.Result, error) {
	if f.onCalled != nil {
		f.onCalled()
	}
	return f.result, f.err
}

func newTestBroker(t *testing.T, refresher tokenRefresher) (*Broker, string) {
	t.Helper()
	dir := t.TempDir()
	authPath := filepath.Join(dir, "auth.json")
	store := affinity.NewStore(filepath.Join(dir, "affinity.json"), affinity.Options{})
	t.Cleanup(store.Stop)
	return New(authPath, store, refresher, Options{}), authPath
}

func seedAccount(t *testing.T, path string, rec account.AccountRecord) {
	t.Helper()
	_, err := account.SaveAuthStorage(path, false, 0, func(f *account.AuthFile) error {
		domain := f.EnsureDomain(account.ModeNative)
		domain.Accounts = append(domain.Accounts, rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAcquireAuth_ReturnsFreshAccessWithoutRefreshing(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{onCalled: func() { t.Fatal("refresher should not be called for a fresh token") }}
	b, path := newTestBroker(t, refresher)
	seedAccount(t, path, account.AccountRecord{
		IdentityKey: "k1", Refresh: "rt_1", Access: "at_1",
		Expires: time.Now().Add(time.Hour).UnixMilli(), Enabled: true, AuthTypes: []string{"native"},
	})

	result, err := b.AcquireAuth(context.Background(), AcquireInput{Mode: account.ModeNative})
	if err != nil {
		t.Fatalf("AcquireAuth() error = %v", err)
	}
	if result.Access != "at_1" {
		t.Errorf("Access = %q, want at_1", result.Access)
	}
}

func TestAcquireAuth_NoEligibleAccountsFails(t *testing.T) {
	t.Parallel()
	b, path := newTestBroker(t, &fakeRefresher{})
	seedAccount(t, path, account.AccountRecord{IdentityKey: "k1", Refresh: "rt_1", Enabled: false, AuthTypes: []string{"native"}})

	_, err := b.AcquireAuth(context.Background(), AcquireInput{Mode: account.ModeNative})
	if !errors.Is(err, ErrAllAccountsCoolingDown) {
		t.Fatalf("err = %v, want ErrAllAccountsCoolingDown", err)
	}
}

func TestAcquireAuth_RefreshesExpiredTokenAndCommits(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{result: refresh.Result{Access: "at_new", Refresh: "rt_new", Expires: time.Now().Add(time.Hour).UnixMilli()}}
	b, path := newTestBroker(t, refresher)
	seedAccount(t, path, account.AccountRecord{
		IdentityKey: "k1", Refresh: "rt_1", Access: "at_old",
		Expires: time.Now().Add(-time.Minute).UnixMilli(), Enabled: true, AuthTypes: []string{"native"},
	})

	result, err := b.AcquireAuth(context.Background(), AcquireInput{Mode: account.ModeNative})
	if err != nil {
		t.Fatalf("AcquireAuth() error = %v", err)
	}
	if result.Access != "at_new" {
		t.Fatalf("Access = %q, want at_new", result.Access)
	}

	f, err := account.LoadAuthStorage(path, account.LoadOptions{LockReads: true})
	if err != nil {
		t.Fatal(err)
	}
	rec := f.OpenAI.Native.FindByIdentityKey("k1")
	if rec.RefreshLeaseUntil != 0 {
		t.Error("RefreshLeaseUntil should be cleared after commit")
	}
}

func TestAcquireAuth_TerminalFailureDisablesAccount(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{err: &refresh.OAuthError{Code: "invalid_grant"}}
	b, path := newTestBroker(t, refresher)
	seedAccount(t, path, account.AccountRecord{
		IdentityKey: "k1", Refresh: "rt_1",
		Expires: time.Now().Add(-time.Minute).UnixMilli(), Enabled: true, AuthTypes: []string{"native"},
	})

	_, err := b.AcquireAuth(context.Background(), AcquireInput{Mode: account.ModeNative})
	if err == nil {
		t.Fatal("AcquireAuth() error = nil, want refresh failure")
	}

	f, lerr := account.LoadAuthStorage(path, account.LoadOptions{LockReads: true})
	if lerr != nil {
		t.Fatal(lerr)
	}
	rec := f.OpenAI.Native.FindByIdentityKey("k1")
	if rec.Enabled {
		t.Error("account should be disabled after a terminal refresh failure")
	}
}

func TestAcquireAuth_NonTerminalFailureSetsCooldown(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{err: errors.New("temporary network blip")}
	b, path := newTestBroker(t, refresher)
	seedAccount(t, path, account.AccountRecord{
		IdentityKey: "k1", Refresh: "rt_1",
		Expires: time.Now().Add(-time.Minute).UnixMilli(), Enabled: true, AuthTypes: []string{"native"},
	})

	_, err := b.AcquireAuth(context.Background(), AcquireInput{Mode: account.ModeNative})
	if err == nil {
		t.Fatal("AcquireAuth() error = nil")
	}

	f, lerr := account.LoadAuthStorage(path, account.LoadOptions{LockReads: true})
	if lerr != nil {
		t.Fatal(lerr)
	}
	rec := f.OpenAI.Native.FindByIdentityKey("k1")
	if !rec.Enabled {
		t.Error("account should remain enabled after a non-terminal failure")
	}
	if rec.CooldownUntil == 0 {
		t.Error("CooldownUntil should be set after a non-terminal failure")
	}
}

func TestAcquireAuth_StaleClaimWhenLeaseReplacedDuringRefresh(t *testing.T) {
	t.Parallel()
	var path string
	refresher := &fakeRefresher{
		result: refresh.Result{Access: "at_new", Refresh: "rt_new", Expires: time.Now().Add(time.Hour).UnixMilli()},
	}
	refresher.onCalled = func() {
		// Simulate a second process stealing the lease mid-refresh.
		_, err := account.SaveAuthStorage(path, false, 0, func(f *account.AuthFile) error {
			rec := f.OpenAI.Native.FindByIdentityKey("k1")
			rec.RefreshLeaseUntil = rec.RefreshLeaseUntil + 999999
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	b, p := newTestBroker(t, refresher)
	path = p
	seedAccount(t, path, account.AccountRecord{
		IdentityKey: "k1", Refresh: "rt_1",
		Expires: time.Now().Add(-time.Minute).UnixMilli(), Enabled: true, AuthTypes: []string{"native"},
	})

	_, err := b.AcquireAuth(context.Background(), AcquireInput{Mode: account.ModeNative})
	if !errors.Is(err, ErrStaleClaim) {
		t.Fatalf("err = %v, want ErrStaleClaim", err)
	}
}

func TestAcquireAuth_MissingIdentityFailsWithoutCooldown(t *testing.T) {
	t.Parallel()
	b, path := newTestBroker(t, &fakeRefresher{})
	seedAccount(t, path, account.AccountRecord{IdentityKey: "", Refresh: "", Enabled: true, AuthTypes: []string{"native"}})

	_, err := b.AcquireAuth(context.Background(), AcquireInput{Mode: account.ModeNative})
	if !errors.Is(err, ErrMissingAccountIdentity) {
		t.Fatalf("err = %v, want ErrMissingAccountIdentity", err)
	}

	f, lerr := account.LoadAuthStorage(path, account.LoadOptions{LockReads: true})
	if lerr != nil {
		t.Fatal(lerr)
	}
	if got := f.OpenAI.Native.Accounts[0].CooldownUntil; got != 0 {
		t.Errorf("CooldownUntil = %d, want 0 after a missing-identity failure", got)
	}
}
