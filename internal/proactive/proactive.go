// Package proactive runs the periodic background refresh tick: for each
// domain, it finds accounts nearing expiry and refreshes them ahead of time
// via the same leased acquire-auth machinery the foreground path uses
// (spec.md §4.J).
package proactive

import (
	"context"
	"time"

	"github.com/opencred/oauth-broker/internal/account"
	"github.com/opencred/oauth-broker/internal/broker"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// refresher is the subset of *broker.Broker this loop needs.
type refresher interface {
	RefreshDueAccount(ctx context.Context, mode account.Mode, bufferMs int64) (ok bool, err error)
}

// Options tunes the ticker and per-tick buffer.
type Options struct {
	Interval time.Duration // default 60s
	BufferMs int64         // default 60000 -- refresh accounts expiring within this window
	Domains  []account.Mode
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.BufferMs <= 0 {
		o.BufferMs = 60000
	}
	if len(o.Domains) == 0 {
		o.Domains = []account.Mode{account.ModeNative, account.ModeCodex}
	}
}

// Loop owns the 60-second ticker that drives runOneTick across domains.
// Errors are swallowed and logged: this is best-effort background work,
// never a source of truth, and a single tick failing must not stop the
// ticker (spec.md §4.J closing sentence).
type Loop struct {
	refresher refresher
	opts      Options
	stopCh    chan struct{}
	done      chan struct{}
}

// New constructs a Loop. Call Start to begin ticking.
func New(r refresher, opts Options) *Loop {
	opts.setDefaults()
	return &Loop{refresher: r, opts: opts, stopCh: make(chan struct{}), done: make(chan struct{})}
}

// Start begins the ticker in a background goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop signals the loop to exit and waits for the in-flight tick to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runOneTick(ctx)
		}
	}
}

// runOneTick fans domains out via errgroup -- each domain's scan-and-claim
// loop runs independently, since refreshing one domain's accounts never
// depends on another's.
func (l *Loop) runOneTick(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, mode := range l.opts.Domains {
		mode := mode
		g.Go(func() error {
			l.drainDomain(ctx, mode)
			return nil
		})
	}
	_ = g.Wait()
}

// drainDomain repeatedly claims and refreshes the next due account in mode
// until none remain, bounding a single tick by the number of eligible
// accounts (spec.md §4.J step 3).
func (l *Loop) drainDomain(ctx context.Context, mode account.Mode) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ok, err := l.refresher.RefreshDueAccount(ctx, mode, l.opts.BufferMs)
		if err != nil {
			log.WithField("component", "proactive").WithField("mode", mode).WithError(err).Debug("proactive refresh attempt failed")
		}
		if !ok {
			return
		}
	}
}

var _ refresher = (*broker.Broker)(nil)
