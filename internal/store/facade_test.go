package store

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config, clock Clock) *Store {
	t.Helper()
	if clock == nil {
		clock = SystemClock
	}
	s, err := Open(t.TempDir(), cfg, clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	m := &Memory{UserID: "user-1", SessionID: "sess-1", Content: "hello world", Importance: 0.6}
	saved, err := s.Put(m, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("expected an assigned ID")
	}

	got, err := s.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "hello world" {
		t.Fatalf("Content = %q", got.Content)
	}
	if got.AccessCount != 0 {
		t.Fatalf("AccessCount = %d, want 0", got.AccessCount)
	}
}

func TestStoreValidation(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	cases := []struct {
		name string
		m    *Memory
	}{
		{"missing user", &Memory{SessionID: "s", Content: "x"}},
		{"missing session", &Memory{UserID: "u", Content: "x"}},
		{"missing content", &Memory{UserID: "u", SessionID: "s"}},
		{"bad importance", &Memory{UserID: "u", SessionID: "s", Content: "x", Importance: 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Put(tc.m, ""); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestStorePutIdempotentWithinWindow(t *testing.T) {
	clock := newFakeClockForStore(t)
	s := newTestStore(t, Config{}, clock)

	m := &Memory{UserID: "user-1", SessionID: "sess-1", Content: "first", Importance: 0.5}
	first, err := s.Put(m, "req-1")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	m2 := &Memory{UserID: "user-1", SessionID: "sess-1", Content: "second", Importance: 0.5}
	second, err := s.Put(m2, "req-1")
	if err != nil {
		t.Fatalf("Put (dup): %v", err)
	}
	if second.ID != first.ID || second.Content != first.Content {
		t.Fatalf("duplicate request should return the original record, got %+v", second)
	}

	clock.Advance(IdempotencyWindow + time.Second)
	third, err := s.Put(m2, "req-1")
	if err != nil {
		t.Fatalf("Put (after window): %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("expected a new record once the idempotency window elapsed")
	}
}

func TestStoreTouchAndFlush(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	saved, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "x", Importance: 0.5}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	s.Touch(saved.ID)
	s.Touch(saved.ID)

	got, err := s.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessCount != 2 {
		t.Fatalf("AccessCount = %d, want 2", got.AccessCount)
	}

	flushed, err := s.FlushTouches()
	if err != nil {
		t.Fatalf("FlushTouches: %v", err)
	}
	if flushed != 1 {
		t.Fatalf("flushed = %d, want 1", flushed)
	}

	got, err = s.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get after flush: %v", err)
	}
	if got.AccessCount != 2 {
		t.Fatalf("AccessCount after flush = %d, want 2", got.AccessCount)
	}
}

func TestStoreDeleteAndDeleteSession(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	a, _ := s.Put(&Memory{UserID: "u", SessionID: "sess-1", Content: "a", Importance: 0.5}, "")
	b, _ := s.Put(&Memory{UserID: "u", SessionID: "sess-1", Content: "b", Importance: 0.5}, "")

	if err := s.Delete(a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	n, err := s.DeleteSession("u", "sess-1")
	if err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1 (only %q remained)", n, b.ID)
	}
	if _, err := s.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStoreDeleteSessionRejectsCrossUser(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	if _, err := s.Put(&Memory{UserID: "alice", SessionID: "sess-2", Content: "a", Importance: 0.5}, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := s.DeleteSession("bob", "sess-2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestStoreDeleteSessionMissingIsNotFound(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	if _, err := s.DeleteSession("u", "does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStoreDeleteMissingIsNotFound(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	if err := s.Delete("does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStorePerUserCapEvictsWorst(t *testing.T) {
	s := newTestStore(t, Config{MaxMemoriesPerUser: 2}, nil)

	low, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "low", Importance: 0.1}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "mid", Importance: 0.5}, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// A third put over the cap must evict the lowest-importance record first.
	if _, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "high", Importance: 0.9}, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := s.Get(low.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected lowest-importance record to be evicted, err = %v", err)
	}
	if s.idx.UserMemoryCount("u") != 2 {
		t.Fatalf("UserMemoryCount = %d, want 2", s.idx.UserMemoryCount("u"))
	}
}

// TestStorePerUserCapEvictsByScore proves eviction weighs recency and access
// the same way Recall/Summarize do (§4.5), not raw importance alone: the
// stale, unread record loses to a slightly-less-important one that was
// created just now, even though the latter has the lower Importance field.
func TestStorePerUserCapEvictsByScore(t *testing.T) {
	clock := newFakeClockForStore(t)
	s := newTestStore(t, Config{MaxMemoriesPerUser: 2}, clock)

	stale, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "stale", Importance: 0.3}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	clock.Advance(3 * RecencyHalfLife)

	fresh, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "fresh", Importance: 0.25}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "third", Importance: 0.5}, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := s.Get(stale.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected the stale, lower-score record to be evicted despite higher importance, err = %v", err)
	}
	if _, err := s.Get(fresh.ID); err != nil {
		t.Fatalf("expected the fresher record to survive eviction: %v", err)
	}
}

func TestStoreCrashRecoveryReplaysSegments(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, Config{}, SystemClock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	saved, err := s1.Put(&Memory{UserID: "u", SessionID: "s", Content: "persisted", Importance: 0.5}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, Config{}, SystemClock)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Content != "persisted" {
		t.Fatalf("Content = %q after reopen", got.Content)
	}
}

func TestStoreCompactPreservesLiveContent(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	kept, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "keep me", Importance: 0.8}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	dead, err := s.Put(&Memory{UserID: "u", SessionID: "s", Content: "delete me", Importance: 0.2}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(dead.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	before, ok := s.idx.Get(kept.ID)
	if !ok {
		t.Fatal("expected kept record in index before compaction")
	}
	segID := before.Loc.SegmentID
	if err := s.segs.roll(s.clock.Now()); err != nil {
		t.Fatalf("roll: %v", err)
	}

	compacted, err := s.Compact(segID, 0, 0)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !compacted {
		t.Fatal("expected compaction to run given minEvicted 0")
	}

	got, err := s.Get(kept.ID)
	if err != nil {
		t.Fatalf("Get after compaction: %v (P6: compaction must preserve content)", err)
	}
	if got.Content != "keep me" {
		t.Fatalf("Content = %q after compaction, want %q", got.Content, "keep me")
	}
}

// TestRetryIOGivesUpAfterDeadline proves §5's "each public call carries a
// deadline" guarantee is real: a call that keeps failing with ErrIO past its
// timeout surfaces ErrTimeout instead of retrying forever.
func TestRetryIOGivesUpAfterDeadline(t *testing.T) {
	attempts := 0
	err := retryIO(10*time.Millisecond, func() error {
		attempts++
		time.Sleep(6 * time.Millisecond)
		return ErrIO
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if attempts < 1 {
		t.Fatalf("expected at least one attempt, got %d", attempts)
	}
}

// TestRetryIOSucceedsWithinDeadline proves a transient ErrIO that clears
// before the deadline is retried and surfaces no error.
func TestRetryIOSucceedsWithinDeadline(t *testing.T) {
	attempts := 0
	err := retryIO(time.Second, func() error {
		attempts++
		if attempts < 2 {
			return ErrIO
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func newFakeClockForStore(t *testing.T) *testClock {
	t.Helper()
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// testClock is a minimal local Clock implementation so facade_test.go doesn't
// need to import internal/testutil (which would be a package cycle risk if
// testutil ever imported store).
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
