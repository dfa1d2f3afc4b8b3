package snapshot

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	remainingPrefix = "x-ratelimit-remaining-"
	limitPrefix     = "x-ratelimit-limit-"
	resetPrefix     = "x-ratelimit-reset-"
)

// ParseHeaders builds a Snapshot from a response's x-ratelimit-* headers
// (spec.md §4.K). For each named bucket ("requests", "tokens", "5h", ...)
// it prefers remaining/limit as a fraction; when no limit header is present
// for that bucket, the remaining value is treated as an already-computed
// percentage. modelFamily is supplied by the caller (the header set itself
// carries no model identity). Returns a Snapshot with a nil Limits slice
// when no recognizable bucket is present; callers must not persist that.
func ParseHeaders(headers http.Header, modelFamily string, now time.Time) Snapshot {
	lower := make(map[string]string, len(headers))
	names := make(map[string]struct{})
	for k, v := range headers {
		if len(v) == 0 {
			continue
		}
		lk := strings.ToLower(k)
		lower[lk] = v[0]
		if name, ok := strings.CutPrefix(lk, remainingPrefix); ok && name != "" {
			names[name] = struct{}{}
		}
	}

	var limits []Limit
	for name := range names {
		remaining, ok := parseFloat(lower[remainingPrefix+name])
		if !ok {
			continue
		}
		var pct int
		if limitRaw, ok := lower[limitPrefix+name]; ok {
			limit, ok := parseFloat(limitRaw)
			if !ok || limit <= 0 {
				continue
			}
			pct = clampPct(remaining / limit * 100)
		} else {
			pct = clampPct(remaining)
		}
		lim := Limit{Name: name, LeftPct: pct}
		if resetRaw, ok := lower[resetPrefix+name]; ok {
			if at, ok := parseResetsAt(resetRaw, now); ok {
				lim.ResetsAt = &at
			}
		}
		limits = append(limits, lim)
	}
	sort.Slice(limits, func(i, j int) bool { return limits[i].Name < limits[j].Name })

	return Snapshot{UpdatedAt: now, ModelFamily: modelFamily, Limits: limits}
}

func parseFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func clampPct(v float64) int {
	r := int(math.Round(v))
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

// parseResetsAt accepts a plain seconds count, a Go-style duration string,
// or an HTTP-date, mirroring the Retry-After parsing in internal/fetch
// since vendors are inconsistent about which form they send.
func parseResetsAt(raw string, now time.Time) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return now.Add(time.Duration(secs * float64(time.Second))), true
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(d), true
	}
	if t, err := http.ParseTime(raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}
