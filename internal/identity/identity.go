// Package identity derives the canonical identityKey for an account from its
// unverified OAuth access-token claims, and provides the legacy fingerprint
// fallback used when claims don't yield a full identity triple.
//
// Claims are parsed without any signature verification: the broker treats
// the upstream token as opaque and only mines the unverified payload for
// identity hints, exactly as spec.md §1/§4.D describes.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/blake2b"
)

// ErrMalformedToken is returned when the token does not have the expected
// three dot-separated segments, or the middle segment is not a base64url
// JSON object.
var ErrMalformedToken = errors.New("identity: malformed token")

// nativeAuthClaim and profileClaim are the vendor namespaces OAuth claims
// may nest identity hints under, in addition to top level.
const (
	nativeAuthClaim = "https://api.openai.com/auth"
	profileClaim    = "https://api.openai.com/profile"
)

// Claims is the subset of an access token's payload this broker cares about.
// All fields are hints only.
type Claims struct {
	AccountID string
	Email     string
	Plan      string
}

// ParseClaims splits token on '.', base64url-decodes the middle segment,
// parses it as a JSON object (rejecting arrays and null), and extracts
// chatgpt_account_id/email/plan from either the top level or the vendor
// namespaces.
func ParseClaims(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrMalformedToken
	}
	payload, err := decodeSegment(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !gjson.ValidBytes(payload) {
		return Claims{}, ErrMalformedToken
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return Claims{}, ErrMalformedToken
	}

	c := Claims{
		AccountID: firstNonEmpty(
			root.Get("chatgpt_account_id").String(),
			root.Get(gjsonEscape(nativeAuthClaim)+".chatgpt_account_id").String(),
		),
		Email: firstNonEmpty(
			root.Get("email").String(),
			root.Get(gjsonEscape(profileClaim)+".email").String(),
			root.Get(gjsonEscape(nativeAuthClaim)+".email").String(),
		),
		Plan: firstNonEmpty(
			root.Get("plan").String(),
			root.Get(gjsonEscape(nativeAuthClaim)+".plan").String(),
			root.Get(gjsonEscape(nativeAuthClaim)+".chatgpt_plan_type").String(),
		),
	}
	return c, nil
}

// gjsonEscape escapes '.' in a literal JSON key so gjson treats it as one
// path segment instead of a nested traversal -- vendor namespace keys are
// URLs full of dots.
func gjsonEscape(key string) string {
	return strings.ReplaceAll(key, ".", `\.`)
}

func decodeSegment(seg string) ([]byte, error) {
	// JWT base64url is unpadded; RawURLEncoding handles that directly.
	data, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		// Some issuers pad; fall back to the padded decoder.
		data, err = base64.URLEncoding.DecodeString(seg)
		if err != nil {
			return nil, err
		}
	}
	var probe json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	return data, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// BuildIdentityKey concatenates accountId|email|plan with '|', lower-casing
// and trimming email and plan. Empty segments stay empty.
func BuildIdentityKey(accountID, email, plan string) string {
	return strings.TrimSpace(accountID) + "|" +
		strings.ToLower(strings.TrimSpace(email)) + "|" +
		strings.ToLower(strings.TrimSpace(plan))
}

// LegacyFingerprint derives a stable identifier for an account whose claims
// don't yield a usable identity triple: a short hash of the refresh token
// prefix plus whatever identity hints are available. Not reversible, not
// meant to be user-facing -- just stable enough to dedupe on.
func LegacyFingerprint(refreshToken, email, plan string) string {
	prefix := refreshToken
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(prefix))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(plan))))
	sum := h.Sum(nil)
	return "fp_" + base64.RawURLEncoding.EncodeToString(sum[:12])
}

// IsComplete reports whether an identityKey has all three segments
// populated (no blanks). A complete key never needs a legacy fingerprint.
func IsComplete(accountID, email, plan string) bool {
	return strings.TrimSpace(accountID) != "" && strings.TrimSpace(email) != "" && strings.TrimSpace(plan) != ""
}
