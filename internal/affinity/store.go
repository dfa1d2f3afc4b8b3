package affinity

import (
	"sync"
	"time"

	"github.com/opencred/oauth-broker/internal/account"
	"github.com/opencred/oauth-broker/internal/filelock"
	"github.com/opencred/oauth-broker/internal/jsonio"
	cliproxyauth "github.com/opencred/oauth-broker/sdk/cliproxy/auth"
	log "github.com/sirupsen/logrus"
)

const (
	// PolicySticky and PolicyHybrid name which binding map Use operates on.
	PolicySticky = "sticky"
	PolicyHybrid = "hybrid"

	defaultMaxEntries    = 200
	defaultMissingGrace  = 10 * time.Minute
	defaultPruneInterval = 5 * time.Minute
)

// Options tunes a Store.
type Options struct {
	MaxEntries     int
	MissingGrace   time.Duration
	PruneInterval  time.Duration
	StaleLockAfter time.Duration
	// SessionExists probes whether sessionKey still has a backing session on
	// disk. Nil means every session is treated as still existing, so only
	// the entry cap evicts anything.
	SessionExists func(sessionKey string) bool
}

func (o *Options) setDefaults() {
	if o.MaxEntries <= 0 {
		o.MaxEntries = defaultMaxEntries
	}
	if o.MissingGrace <= 0 {
		o.MissingGrace = defaultMissingGrace
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = defaultPruneInterval
	}
	if o.SessionExists == nil {
		o.SessionExists = func(string) bool { return true }
	}
}

type stateKey struct {
	mode   account.Mode
	policy string
}

// Store is the in-memory, periodically-persisted mirror of session
// stickiness for both domains. The in-memory maps are authoritative per
// spec.md §5; Save to disk is eventual and best-effort -- a write failure is
// logged and swallowed, never surfaced to a caller, since this is a cache.
type Store struct {
	mu     sync.Mutex
	path   string
	opts   Options
	file   *File
	dirty  bool
	states map[stateKey]*cliproxyauth.StickySessionState
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStore loads path (best-effort; a missing or corrupt file starts empty)
// and begins a background prune-and-persist loop.
func NewStore(path string, opts Options) *Store {
	opts.setDefaults()
	f, err := load(path, opts.StaleLockAfter)
	if err != nil {
		log.WithField("component", "affinity").WithError(err).Warn("failed to load session-affinity file, starting empty")
		f = &File{Version: fileVersion}
	}
	s := &Store{
		path:   path,
		opts:   opts,
		file:   f,
		states: make(map[stateKey]*cliproxyauth.StickySessionState),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Stop drains the current tick and persists one final time.
func (s *Store) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

func (s *Store) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.pruneAndFlush()
			return
		case <-ticker.C:
			s.pruneAndFlush()
		}
	}
}

func (s *Store) pruneAndFlush() {
	s.mu.Lock()
	now := time.Now().UnixMilli()
	graceMs := s.opts.MissingGrace.Milliseconds()
	for _, rec := range []*ModeRecord{s.file.Native, s.file.Codex} {
		if rec == nil {
			continue
		}
		before := len(rec.SeenSessionKeys)
		rec.prune(s.opts.SessionExists, graceMs, now)
		rec.capEntries(s.opts.MaxEntries)
		if len(rec.SeenSessionKeys) != before {
			s.dirty = true
		}
	}
	dirty := s.dirty
	s.dirty = false
	snapshot := s.file.clone()
	s.mu.Unlock()

	if !dirty {
		return
	}
	if err := save(s.path, snapshot, s.opts.StaleLockAfter); err != nil {
		log.WithField("component", "affinity").WithError(err).Warn("failed to persist session-affinity file")
	}
}

// Use runs fn with exclusive access to mode's StickySessionState for policy
// (PolicySticky or PolicyHybrid), recording sessionKey as seen unless
// isSubagent is true. Subagent requests observe existing stickiness but must
// never churn it (spec.md §4.G step 8): callers pass isSubagent=true and
// should also leave StickyPidOffset unset on the rotation.SelectInput they
// build, so a subagent can never mint a brand-new assignment either.
func (s *Store) Use(mode account.Mode, policy string, sessionKey string, isSubagent bool, fn func(*cliproxyauth.StickySessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateForLocked(mode, policy)
	fn(st)

	if sessionKey != "" && !isSubagent {
		rec := s.file.ensureMode(mode)
		if rec.SeenSessionKeys == nil {
			rec.SeenSessionKeys = make(map[string]int64)
		}
		rec.SeenSessionKeys[sessionKey] = time.Now().UnixMilli()
	}
	s.dirty = true
}

func (s *Store) stateForLocked(mode account.Mode, policy string) *cliproxyauth.StickySessionState {
	key := stateKey{mode, policy}
	if st, ok := s.states[key]; ok {
		return st
	}
	rec := s.file.ensureMode(mode)
	var assignments map[string]string
	switch policy {
	case PolicyHybrid:
		if rec.HybridBySessionKey == nil {
			rec.HybridBySessionKey = make(map[string]string)
		}
		assignments = rec.HybridBySessionKey
	default:
		if rec.StickyBySessionKey == nil {
			rec.StickyBySessionKey = make(map[string]string)
		}
		assignments = rec.StickyBySessionKey
	}
	st := &cliproxyauth.StickySessionState{Assignments: assignments, MaxEntries: s.opts.MaxEntries}
	s.states[key] = st
	return st
}

func load(path string, staleLockAfter time.Duration) (*File, error) {
	var result *File
	err := filelock.WithLock(path, filelock.Options{StaleAfter: staleLockAfter}, func() error {
		f := &File{}
		switch err := jsonio.Read(path, f); err {
		case nil:
		case jsonio.ErrMissing:
			f = &File{Version: fileVersion}
		default:
			log.WithField("component", "affinity").WithError(err).Warn("session-affinity file corrupt, discarding")
			f = &File{Version: fileVersion}
		}
		if f.Version == 0 {
			f.Version = fileVersion
		}
		result = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func save(path string, f *File, staleLockAfter time.Duration) error {
	return filelock.WithLock(path, filelock.Options{StaleAfter: staleLockAfter}, func() error {
		data, err := jsonio.MarshalIndent(f)
		if err != nil {
			return err
		}
		return jsonio.WriteAtomicBytes(path, data)
	})
}
