package snapshot

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func TestParseHeaders_FractionAndPercentForms(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{}
	h.Set("X-RateLimit-Remaining-requests", "45")
	h.Set("X-RateLimit-Limit-requests", "60")
	h.Set("X-RateLimit-Reset-requests", "120")
	h.Set("X-RateLimit-Remaining-5h", "87")

	snap := ParseHeaders(h, "gpt-5", now)
	if snap.ModelFamily != "gpt-5" {
		t.Errorf("ModelFamily = %q", snap.ModelFamily)
	}
	if len(snap.Limits) != 2 {
		t.Fatalf("Limits = %+v, want 2 entries", snap.Limits)
	}

	var requests, fiveHour *Limit
	for i := range snap.Limits {
		switch snap.Limits[i].Name {
		case "requests":
			requests = &snap.Limits[i]
		case "5h":
			fiveHour = &snap.Limits[i]
		}
	}
	if requests == nil || requests.LeftPct != 75 {
		t.Fatalf("requests limit = %+v, want leftPct 75", requests)
	}
	if requests.ResetsAt == nil || !requests.ResetsAt.Equal(now.Add(120*time.Second)) {
		t.Errorf("requests.ResetsAt = %v", requests.ResetsAt)
	}
	if fiveHour == nil || fiveHour.LeftPct != 87 {
		t.Fatalf("5h limit = %+v, want leftPct 87 (bare percentage, no limit header)", fiveHour)
	}
}

func TestParseHeaders_NoRateLimitHeadersYieldsNoLimits(t *testing.T) {
	t.Parallel()
	snap := ParseHeaders(http.Header{"Content-Type": []string{"application/json"}}, "", time.Now())
	if len(snap.Limits) != 0 {
		t.Errorf("Limits = %+v, want empty", snap.Limits)
	}
}

func TestParseHeaders_ClampsOutOfRangePercentages(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("X-RateLimit-Remaining-tokens", "500")
	h.Set("X-RateLimit-Limit-tokens", "100")
	snap := ParseHeaders(h, "", time.Now())
	if len(snap.Limits) != 1 || snap.Limits[0].LeftPct != 100 {
		t.Fatalf("Limits = %+v, want clamped leftPct 100", snap.Limits)
	}
}

func TestRecord_SkipsPersistingEmptySnapshot(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "snapshots.json")

	f, err := Record(path, 0, "acc-1", Snapshot{UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, ok := f["acc-1"]; ok {
		t.Fatal("empty snapshot must not be persisted (would tombstone good data)")
	}

	good := Snapshot{UpdatedAt: time.Now(), Limits: []Limit{{Name: "requests", LeftPct: 42}}}
	f, err = Record(path, 0, "acc-1", good)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if got, ok := f["acc-1"]; !ok || got.Limits[0].LeftPct != 42 {
		t.Fatalf("f[acc-1] = %+v, want leftPct 42", got)
	}

	// A subsequent header-less probe must not erase the good snapshot.
	f, err = Record(path, 0, "acc-1", Snapshot{UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if got, ok := f["acc-1"]; !ok || got.Limits[0].LeftPct != 42 {
		t.Fatalf("f[acc-1] after empty probe = %+v, want unchanged leftPct 42", got)
	}
}

func TestSave_NoOpWhenUnchanged(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "snapshots.json")

	mutator := func(f File) File {
		f["acc-1"] = Snapshot{Limits: []Limit{{Name: "requests", LeftPct: 10}}}
		return f
	}
	if _, err := Save(path, 0, mutator); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := Save(path, 0, mutator); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
}
