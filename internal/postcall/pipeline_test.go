package postcall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/normanking/relay/internal/data"
	"github.com/normanking/relay/pkg/types"
)

type fakeStorage struct {
	history   []types.HistoryRecord
	analytics []data.AnalyticsEvent
	claims    []types.Claim

	historyErr error
}

func (f *fakeStorage) AppendHistory(ctx context.Context, rec *types.HistoryRecord) error {
	if f.historyErr != nil {
		return f.historyErr
	}
	f.history = append(f.history, *rec)
	return nil
}

func (f *fakeStorage) InsertClaims(ctx context.Context, claims []types.Claim) error {
	f.claims = append(f.claims, claims...)
	return nil
}

func (f *fakeStorage) InsertAnalytics(ctx context.Context, ev *data.AnalyticsEvent) error {
	f.analytics = append(f.analytics, *ev)
	return nil
}

type fakeCache struct {
	entries []types.CacheEntry
}

func (f *fakeCache) WriteThrough(ctx context.Context, entry *types.CacheEntry, ttl time.Duration, maxBytes int) bool {
	f.entries = append(f.entries, *entry)
	return true
}

func successData() *types.PostCallData {
	return &types.PostCallData{
		RequestID: "r1",
		UserID:    "alice",
		Prompt:    "I prefer short answers. What is Go?",
		Response:  "Go is a programming language.",
		Vendor:    types.VendorPrimary,
		Model:     "gpt-4o-mini",
		CacheKey:  "v1|gpt-4o-mini|abc",
	}
}

func TestRunSuccessAllSteps(t *testing.T) {
	store := &fakeStorage{}
	cch := &fakeCache{}
	p := New(store, cch)

	result := p.Run(context.Background(), successData(), CacheParams{TTL: time.Minute, MaxBytes: 1024})

	if !result.History || !result.Analytics || !result.Memory || !result.CacheSet {
		t.Errorf("all steps should complete on success: %+v", result)
	}
	if !result.Claims {
		t.Error("prompt with a preference statement should yield claims")
	}
	if len(store.history) != 1 || len(store.analytics) != 1 {
		t.Errorf("history=%d analytics=%d", len(store.history), len(store.analytics))
	}
	if len(cch.entries) != 1 || cch.entries[0].Key != "v1|gpt-4o-mini|abc" {
		t.Errorf("cache write-through missing: %+v", cch.entries)
	}
	if store.analytics[0].Outcome != "ok" {
		t.Errorf("outcome = %s, want ok", store.analytics[0].Outcome)
	}
}

func TestRunCancelledSkipsMemoryAndCache(t *testing.T) {
	store := &fakeStorage{}
	cch := &fakeCache{}
	p := New(store, cch)

	d := successData()
	d.Cancelled = true
	result := p.Run(context.Background(), d, CacheParams{TTL: time.Minute})

	if !result.History || !result.Analytics {
		t.Error("history and analytics must still run on cancellation")
	}
	if result.Memory || result.Claims || result.CacheSet {
		t.Errorf("cancelled request must not write memory or cache: %+v", result)
	}
	if len(cch.entries) != 0 {
		t.Error("partial response leaked into the cache")
	}
	if store.analytics[0].Outcome != "cancelled" {
		t.Errorf("outcome = %s, want cancelled", store.analytics[0].Outcome)
	}
	if store.history[0].ErrorClass != string(types.ErrCancelled) {
		t.Errorf("history error class = %s", store.history[0].ErrorClass)
	}
}

func TestRunErrorOutcomeSkipsCache(t *testing.T) {
	store := &fakeStorage{}
	cch := &fakeCache{}
	p := New(store, cch)

	d := successData()
	d.ErrorClass = types.ErrTimeout
	result := p.Run(context.Background(), d, CacheParams{TTL: time.Minute})

	if result.CacheSet || len(cch.entries) != 0 {
		t.Error("error responses must not enter the cache")
	}
	if store.analytics[0].Outcome != string(types.ErrTimeout) {
		t.Errorf("outcome = %s", store.analytics[0].Outcome)
	}
}

func TestRunStepFailureIsIsolated(t *testing.T) {
	store := &fakeStorage{historyErr: errors.New("disk full")}
	p := New(store, &fakeCache{})

	result := p.Run(context.Background(), successData(), CacheParams{TTL: time.Minute})

	if result.History {
		t.Error("failed step must report false")
	}
	if !result.Analytics || !result.Memory {
		t.Error("other steps must still run after a failure")
	}
}

func TestRunCacheHitNotRewritten(t *testing.T) {
	cch := &fakeCache{}
	p := New(&fakeStorage{}, cch)

	d := successData()
	d.CacheHit = true
	p.Run(context.Background(), d, CacheParams{TTL: time.Minute})

	if len(cch.entries) != 0 {
		t.Error("a cache hit must not be written back")
	}
}

func TestRunSurvivesCancelledParentContext(t *testing.T) {
	store := &fakeStorage{}
	p := New(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := p.Run(ctx, successData(), CacheParams{})
	if !result.History || !result.Analytics {
		t.Error("steps must run on a detached context after parent cancellation")
	}
}
