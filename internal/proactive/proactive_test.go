package proactive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencred/oauth-broker/internal/account"
)

type fakeRefresher struct {
	mu        sync.Mutex
	remaining map[account.Mode]int
	calls     int32
	err       error
}

func (f *fakeRefresher) RefreshDueAccount(_ context.Context, mode account.Mode, _ int64) (bool, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining[mode] <= 0 {
		return false, nil
	}
	f.remaining[mode]--
	return true, f.err
}

func TestLoop_DrainsEachDomainUntilExhausted(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{remaining: map[account.Mode]int{account.ModeNative: 3, account.ModeCodex: 2}}
	l := New(r, Options{Interval: time.Hour})

	l.runOneTick(context.Background())

	if got := atomic.LoadInt32(&r.calls); got != 3+2+2 {
		// 3 native successes + 1 false, 2 codex successes + 1 false = 7 calls total
		t.Errorf("calls = %d, want 7", got)
	}
}

func TestLoop_SwallowsRefreshErrorsAndContinues(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{remaining: map[account.Mode]int{account.ModeNative: 2}, err: errors.New("transient refresh failure")}
	l := New(r, Options{Interval: time.Hour, Domains: []account.Mode{account.ModeNative}})

	l.runOneTick(context.Background())

	if got := atomic.LoadInt32(&r.calls); got != 3 {
		t.Errorf("calls = %d, want 3 (2 successes with errors + 1 exhausted)", got)
	}
}

func TestLoop_StartAndStop(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{remaining: map[account.Mode]int{}}
	l := New(r, Options{Interval: 10 * time.Millisecond})
	l.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	l.Stop()

	if atomic.LoadInt32(&r.calls) == 0 {
		t.Error("expected at least one tick to have run before Stop")
	}
}
