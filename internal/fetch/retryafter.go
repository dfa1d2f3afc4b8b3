package fetch

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// fallbackBackoff is used when a 429 response carries no parseable
// Retry-After header (spec.md §4.I step 3g).
const fallbackBackoff = 5 * time.Second

// parseRetryAfter reads Retry-After off resp, accepting both the
// delay-seconds form and the HTTP-date form. It returns fallbackBackoff when
// the header is absent or unparseable.
func parseRetryAfter(resp *http.Response, now time.Time) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return fallbackBackoff
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return fallbackBackoff
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := when.Sub(now); d > 0 {
			return d
		}
	}
	return fallbackBackoff
}

// exhaustionBody is the synthetic 429 response body text when every attempt
// in this call was rate-limited (spec.md §4.I step 4).
func exhaustionBody(wait time.Duration) string {
	if wait >= time.Minute {
		minutes := int(wait.Round(time.Minute) / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		return fmt.Sprintf("Try again in %d minutes", minutes)
	}
	return "Try again in a short while"
}
