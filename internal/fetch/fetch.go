package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opencred/oauth-broker/internal/account"
	"github.com/opencred/oauth-broker/internal/broker"
	"github.com/tidwall/gjson"
)

// authAcquirer is the subset of *broker.Broker Orchestrator needs, narrowed
// to an interface so tests can substitute a fake.
type authAcquirer interface {
	AcquireAuth(ctx context.Context, input broker.AcquireInput) (broker.AcquireResult, error)
	SetCooldown(mode account.Mode, identityKey string, until time.Time) error
}

// Hooks are observation callbacks; every one is optional and its failure
// must never break the request (spec.md §4.I step 3e).
type Hooks struct {
	OnSessionObserved func(event SessionEvent, sessionKey string)
	OnAttemptRequest  func(attempt int, req *http.Request)
	// OnAttemptResponse observes each attempt's response (a 429 that is then
	// retried included) along
	// with the credential used to make it and the model family decoded from
	// the response body, so a caller can fold rate-limit headers into a
	// per-identity snapshot without Orchestrator needing to know anything
	// about snapshots itself.
	OnAttemptResponse func(attempt int, cred broker.AcquireResult, resp *http.Response, modelFamily string)
	ShowToast         func(message string)
	QuietMode         bool
}

func (h Hooks) toast(message string) {
	if h.QuietMode || h.ShowToast == nil {
		return
	}
	h.ShowToast(message)
}

func (h Hooks) sessionObserved(event SessionEvent, sessionKey string) {
	if h.OnSessionObserved != nil {
		h.OnSessionObserved(event, sessionKey)
	}
}

func (h Hooks) attemptRequest(attempt int, req *http.Request) {
	if h.OnAttemptRequest != nil {
		h.OnAttemptRequest(attempt, req)
	}
}

func (h Hooks) attemptResponse(attempt int, cred broker.AcquireResult, resp *http.Response, modelFamily string) {
	if h.OnAttemptResponse != nil {
		h.OnAttemptResponse(attempt, cred, resp, modelFamily)
	}
}

// Options tunes the orchestrator.
type Options struct {
	MaxAttempts int // default 3
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
}

// Orchestrator runs spec.md §4.I's retry/backoff loop. One Orchestrator is
// shared across every request a process serves, since the session tracker
// and toast debounce state are per-process, not per-request.
type Orchestrator struct {
	auth    authAcquirer
	client  *http.Client
	opts    Options
	tracker *sessionTracker
}

// New constructs an Orchestrator. client is the transport used for the
// outbound request (callers pass a native-domain utls client or a plain one
// depending on the auth domain being served).
func New(auth authAcquirer, client *http.Client, opts Options) *Orchestrator {
	opts.setDefaults()
	if client == nil {
		client = http.DefaultClient
	}
	return &Orchestrator{auth: auth, client: client, opts: opts, tracker: newSessionTracker()}
}

// Input is one call's parameters.
type Input struct {
	Mode       account.Mode
	Method     string
	URL        string
	Body       []byte
	Headers    http.Header
	IsSubagent bool
	PidOffset  bool
	Pid        int
}

// ErrAllAccountsRateLimited is the synthetic error code spec.md §4.I step 4
// names, wrapped around the synthesized Response.
var ErrAllAccountsRateLimited = errors.New("fetch: all_accounts_rate_limited")

// Execute runs the retry loop and returns the first non-429 response, or a
// synthesized 429 Response plus ErrAllAccountsRateLimited if every attempt
// was rate-limited.
func (o *Orchestrator) Execute(ctx context.Context, in Input, hooks Hooks) (*http.Response, error) {
	sessionKey := extractSessionKey(in.Body)

	now := time.Now()
	event := o.tracker.observe(sessionKey, now)
	hooks.sessionObserved(event, sessionKey)

	var lastWait time.Duration
	sawRateLimit := false

	for attempt := 0; attempt < o.opts.MaxAttempts; attempt++ {
		cred, err := o.auth.AcquireAuth(ctx, broker.AcquireInput{
			Mode: in.Mode, SessionKey: sessionKey, IsSubagent: in.IsSubagent,
			PidOffset: in.PidOffset, Pid: in.Pid,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch: acquire auth: %w", err)
		}

		if attempt == 0 && sessionKey != "" && (event == SessionNew || event == SessionResume || event == SessionSwitch) {
			if o.tracker.shouldToastSession(sessionKey, time.Now()) {
				hooks.toast(sessionToastMessage(event))
			}
		}

		accountKey := cred.IdentityKey
		if previous := o.tracker.swapLastAccountKey(accountKey); previous != "" && previous != accountKey {
			if o.tracker.shouldToastAccount(accountKey, time.Now()) {
				hooks.toast(fmt.Sprintf("Switched to account %s", accountLabel(cred)))
			}
		}

		req, err := http.NewRequestWithContext(ctx, in.Method, in.URL, bytes.NewReader(in.Body))
		if err != nil {
			return nil, fmt.Errorf("fetch: build request: %w", err)
		}
		for k, values := range in.Headers {
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Authorization", "Bearer "+cred.Access)
		if cred.AccountID != "" {
			req.Header.Set("X-Account-Id", cred.AccountID)
		}

		hooks.attemptRequest(attempt, req)
		resp, err := o.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch: request: %w", err)
		}
		hooks.attemptResponse(attempt, cred, resp, modelFamilyOf(resp))

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		sawRateLimit = true
		wait := parseRetryAfter(resp, time.Now())
		if wait < fallbackBackoff {
			wait = fallbackBackoff
		}
		lastWait = wait
		_ = resp.Body.Close()

		if cred.IdentityKey != "" {
			if setErr := o.auth.SetCooldown(in.Mode, cred.IdentityKey, time.Now().Add(wait)); setErr != nil {
				// Cooldown bookkeeping is best-effort; the retry loop still
				// moves to the next attempt even if this write failed.
				_ = setErr
			}
			if o.tracker.shouldToastRateLimit(cred.IdentityKey, time.Now()) {
				hooks.toast(fmt.Sprintf("%s is rate limited, trying another account", accountLabel(cred)))
			}
		}
	}

	if !sawRateLimit {
		lastWait = fallbackBackoff
	}
	return synthesizeExhausted(lastWait), ErrAllAccountsRateLimited
}

func extractSessionKey(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	result := gjson.GetBytes(body, "prompt_cache_key")
	if !result.Exists() {
		return ""
	}
	return result.String()
}

func accountLabel(cred broker.AcquireResult) string {
	if cred.Email != "" {
		return cred.Email
	}
	if cred.AccountID != "" {
		return cred.AccountID
	}
	return cred.IdentityKey
}

func sessionToastMessage(event SessionEvent) string {
	switch event {
	case SessionNew:
		return "Starting a new session"
	case SessionResume:
		return "Resuming session"
	default:
		return "Switched session"
	}
}

func synthesizeExhausted(wait time.Duration) *http.Response {
	body := exhaustionBody(wait)
	return &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Status:     "429 Too Many Requests",
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}
