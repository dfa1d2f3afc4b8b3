// Package affinity implements the persisted session affinity store: the
// sticky/hybrid session-to-identity bindings that the rotation engine
// consults and extends on every selection, mirrored to disk under the same
// exclusive-lock, atomic-write discipline as the other stores.
package affinity

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/opencred/oauth-broker/internal/account"
	"github.com/opencred/oauth-broker/internal/authpath"
)

const fileVersion = 1

// File is the persisted shape of the session-affinity file (spec.md §6.3).
type File struct {
	Version int         `json:"version"`
	Native  *ModeRecord `json:"native,omitempty"`
	Codex   *ModeRecord `json:"codex,omitempty"`
}

// ModeRecord holds one domain's session bookkeeping: when each session key
// was last seen, and its sticky/hybrid account assignment if any.
type ModeRecord struct {
	SeenSessionKeys    map[string]int64  `json:"seenSessionKeys,omitempty"`
	StickyBySessionKey map[string]string `json:"stickyBySessionKey,omitempty"`
	HybridBySessionKey map[string]string `json:"hybridBySessionKey,omitempty"`
}

func (f *File) ensureMode(mode account.Mode) *ModeRecord {
	if mode == account.ModeCodex {
		if f.Codex == nil {
			f.Codex = &ModeRecord{}
		}
		return f.Codex
	}
	if f.Native == nil {
		f.Native = &ModeRecord{}
	}
	return f.Native
}

func (f *File) clone() *File {
	return &File{Version: f.Version, Native: f.Native.clone(), Codex: f.Codex.clone()}
}

func (r *ModeRecord) clone() *ModeRecord {
	if r == nil {
		return nil
	}
	return &ModeRecord{
		SeenSessionKeys:    cloneNumeric(r.SeenSessionKeys),
		StickyBySessionKey: cloneString(r.StickyBySessionKey),
		HybridBySessionKey: cloneString(r.HybridBySessionKey),
	}
}

func cloneNumeric(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneString(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// UnmarshalJSON sanitizes on decode per spec.md §4.L: drop entries with
// unsafe or empty keys, non-numeric (including null) or non-finite numeric
// values, or empty string values.
func (r *ModeRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		SeenSessionKeys    map[string]json.RawMessage `json:"seenSessionKeys"`
		StickyBySessionKey map[string]json.RawMessage `json:"stickyBySessionKey"`
		HybridBySessionKey map[string]json.RawMessage `json:"hybridBySessionKey"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.SeenSessionKeys = sanitizeNumericMap(raw.SeenSessionKeys)
	r.StickyBySessionKey = sanitizeStringMap(raw.StickyBySessionKey)
	r.HybridBySessionKey = sanitizeStringMap(raw.HybridBySessionKey)
	return nil
}

func sanitizeKey(key string) bool {
	return key != "" && authpath.SanitizeSessionKey(key) == nil
}

func sanitizeNumericMap(raw map[string]json.RawMessage) map[string]int64 {
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		if !sanitizeKey(k) {
			continue
		}
		var fp *float64
		if err := json.Unmarshal(v, &fp); err != nil || fp == nil {
			continue
		}
		f := *fp
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		out[k] = int64(f)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sanitizeStringMap(raw map[string]json.RawMessage) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if !sanitizeKey(k) {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil || s == "" {
			continue
		}
		out[k] = s
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// prune drops session keys whose backing session no longer exists on disk,
// honoring a grace period from lastSeen so a momentary stat failure doesn't
// evict a live session.
func (r *ModeRecord) prune(sessionExists func(string) bool, graceMs int64, nowMs int64) {
	if r == nil {
		return
	}
	for key, lastSeen := range r.SeenSessionKeys {
		if sessionExists(key) {
			continue
		}
		if nowMs-lastSeen < graceMs {
			continue
		}
		delete(r.SeenSessionKeys, key)
		delete(r.StickyBySessionKey, key)
		delete(r.HybridBySessionKey, key)
	}
}

// capEntries caps each map at maxEntries, evicting the lowest-lastSeen
// session keys first. Sticky/hybrid entries with no seenSessionKeys record
// are treated as lastSeen=0 and evicted before anything with a real
// timestamp.
func (r *ModeRecord) capEntries(maxEntries int) {
	if r == nil || maxEntries <= 0 {
		return
	}
	r.SeenSessionKeys = capNumeric(r.SeenSessionKeys, maxEntries)
	r.StickyBySessionKey = capString(r.StickyBySessionKey, r.SeenSessionKeys, maxEntries)
	r.HybridBySessionKey = capString(r.HybridBySessionKey, r.SeenSessionKeys, maxEntries)
}

func capNumeric(m map[string]int64, max int) map[string]int64 {
	if len(m) <= max {
		return m
	}
	type kv struct {
		k string
		v int64
	}
	items := make([]kv, 0, len(m))
	for k, v := range m {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].v < items[j].v })
	for i := 0; i < len(items)-max; i++ {
		delete(m, items[i].k)
	}
	return m
}

func capString(m map[string]string, seen map[string]int64, max int) map[string]string {
	if len(m) <= max {
		return m
	}
	type kv struct {
		k string
		v int64
	}
	items := make([]kv, 0, len(m))
	for k := range m {
		items = append(items, kv{k, seen[k]})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].v < items[j].v })
	for i := 0; i < len(items)-max; i++ {
		delete(m, items[i].k)
	}
	return m
}
