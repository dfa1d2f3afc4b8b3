// Package refresh exchanges a refresh token for a new access token against
// the upstream's OAuth token endpoint, and classifies the failures the
// broker needs to distinguish (spec.md §4.H).
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ClientConfig names the fixed OAuth client the broker refreshes as.
type ClientConfig struct {
	TokenEndpoint string
	ClientID      string
}

// Result is the refreshed token triple, with Expires as epoch milliseconds
// to match account.AccountRecord.Expires.
type Result struct {
	Access  string
	Refresh string
	Expires int64
}

// OAuthError is the typed `{error, error_description}` shape the token
// endpoint returns on failure. The broker (§4.G step 7) classifies it as
// terminal or transient via IsTerminal.
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("refresh: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("refresh: %s", e.Code)
}

// terminalCodes are the oauthCodes spec.md §4.G step 7 names as terminal:
// the user must re-authenticate, there is no refreshing past them.
var terminalCodes = map[string]bool{
	"invalid_grant":         true,
	"invalid_refresh_token": true,
	"refresh_token_revoked": true,
	"token_revoked":         true,
}

// IsTerminal reports whether err represents a terminal refresh failure. A
// typed *OAuthError is classified by its oauthCode; anything else (including
// network errors that never produced a parsed response) falls back to a
// substring scan of the error text, so an upstream that prose-wraps the same
// codes in a transport error is still classified correctly.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var oe *OAuthError
	if errors.As(err, &oe) {
		return terminalCodes[oe.Code]
	}
	return hasTerminalMarker(err.Error())
}

func hasTerminalMarker(s string) bool {
	s = strings.ToLower(s)
	if s == "" {
		return false
	}
	for code := range terminalCodes {
		if strings.Contains(s, code) {
			return true
		}
	}
	return strings.Contains(s, "revoked")
}

// Refresher exchanges refresh tokens for access tokens against one fixed
// upstream client, via golang.org/x/oauth2's token-source plumbing rather
// than a hand-rolled POST: the library already knows how to build the
// grant_type=refresh_token request and parse the `{error,
// error_description}` failure shape into a typed error.
type Refresher struct {
	httpClient *http.Client
	config     oauth2.Config
}

// New constructs a Refresher. A nil httpClient gets a 30s-timeout default.
func New(client ClientConfig, httpClient *http.Client) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		httpClient: httpClient,
		config: oauth2.Config{
			ClientID: client.ClientID,
			Endpoint: oauth2.Endpoint{TokenURL: client.TokenEndpoint, AuthStyle: oauth2.AuthStyleInParams},
		},
	}
}

// Refresh exchanges refreshToken for a new access token. On a token-endpoint
// error it surfaces a typed *OAuthError so IsTerminal can classify it;
// transport failures pass through wrapped.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
			return Result{}, &OAuthError{Code: retrieveErr.ErrorCode, Description: retrieveErr.ErrorDescription}
		}
		return Result{}, fmt.Errorf("refresh: %w", err)
	}
	if tok.AccessToken == "" {
		return Result{}, errors.New("refresh: response missing access_token")
	}

	refreshOut := tok.RefreshToken
	if refreshOut == "" {
		// Some issuers omit refresh_token when it didn't rotate.
		refreshOut = refreshToken
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return Result{Access: tok.AccessToken, Refresh: refreshOut, Expires: expires.UnixMilli()}, nil
}
