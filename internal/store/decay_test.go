package store

import (
	"errors"
	"testing"
	"time"
)

func TestRunDecayExpiresTTL(t *testing.T) {
	clock := newFakeClockForStore(t)
	s := newTestStore(t, Config{}, clock)

	past := clock.Now().Add(-time.Minute)
	saved, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "x", Importance: 0.5, ExpiresAt: &past}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	stats := s.RunDecay(DecayConfig{}, clock.Now())
	if stats.Expired != 1 {
		t.Fatalf("Expired = %d, want 1", stats.Expired)
	}
	if _, err := s.Get(saved.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunDecayAttenuatesImportance(t *testing.T) {
	clock := newFakeClockForStore(t)
	s := newTestStore(t, Config{}, clock)

	saved, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "x", Importance: 0.8}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(ImportanceHalfLife)
	stats := s.RunDecay(DecayConfig{}, clock.Now())
	if stats.Attenuated != 1 {
		t.Fatalf("Attenuated = %d, want 1", stats.Attenuated)
	}

	got, err := s.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Importance >= 0.8 {
		t.Fatalf("Importance = %v, expected it to have decayed below 0.8", got.Importance)
	}
	// One half-life should roughly halve importance.
	if got.Importance > 0.45 || got.Importance < 0.35 {
		t.Fatalf("Importance = %v, expected roughly 0.4 after one half-life", got.Importance)
	}
}

func TestRunDecayEvictsBelowImportanceThreshold(t *testing.T) {
	clock := newFakeClockForStore(t)
	s := newTestStore(t, Config{}, clock)

	saved, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "x", Importance: 0.1}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(10 * ImportanceHalfLife)
	stats := s.RunDecay(DecayConfig{ImportanceThreshold: 0.05}, clock.Now())
	if stats.Evicted != 1 {
		t.Fatalf("Evicted = %d, want 1", stats.Evicted)
	}
	if _, err := s.Get(saved.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunDecayEnforcesPerUserCap(t *testing.T) {
	clock := newFakeClockForStore(t)
	s := newTestStore(t, Config{}, clock)

	for i := 0; i < 3; i++ {
		if _, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "x", Importance: 0.5}, ""); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	stats := s.RunDecay(DecayConfig{MaxMemoriesPerUser: 1}, clock.Now())
	if stats.Evicted != 2 {
		t.Fatalf("Evicted = %d, want 2", stats.Evicted)
	}
	if s.idx.UserMemoryCount("u") != 1 {
		t.Fatalf("UserMemoryCount = %d, want 1", s.idx.UserMemoryCount("u"))
	}
}

func TestRunDecayIsIdempotentAcrossSweeps(t *testing.T) {
	clock := newFakeClockForStore(t)
	s := newTestStore(t, Config{}, clock)

	saved, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "x", Importance: 0.8}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(ImportanceHalfLife)
	s.RunDecay(DecayConfig{}, clock.Now())
	first, err := s.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Re-running immediately (no further age elapsed) must not attenuate
	// again, since attenuation is derived from original importance and age.
	stats := s.RunDecay(DecayConfig{}, clock.Now())
	if stats.Attenuated != 0 {
		t.Fatalf("Attenuated = %d on immediate re-sweep, want 0", stats.Attenuated)
	}
	second, err := s.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.Importance != second.Importance {
		t.Fatalf("importance changed on idempotent re-sweep: %v -> %v", first.Importance, second.Importance)
	}
}
