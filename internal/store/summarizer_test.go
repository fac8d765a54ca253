package store

import (
	"errors"
	"testing"
	"time"
)

func TestSummarizeEmptySessionErrors(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	if _, err := s.Summarize("nope"); !errors.Is(err, ErrSessionEmpty) {
		t.Fatalf("err = %v, want ErrSessionEmpty", err)
	}
}

// TestSummarizeTopicsAndText covers §8 scenario 5: five memories mixing
// "rust" (3x) and "pizza" (2x) summarize to memory_count=5, key_topics
// ranking "rust" ahead of "pizza", and a non-empty summary_text.
func TestSummarizeTopicsAndText(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	contents := []string{
		"learning rust ownership rules",
		"rust borrow checker is tricky",
		"rust async runtimes are fun",
		"pizza night with friends",
		"pizza dough needs a long rise",
	}
	for _, c := range contents {
		if _, err := s.Put(&Memory{UserID: "u", SessionID: "s2", Content: c, Importance: 0.6}, ""); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	summary, err := s.Summarize("s2")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.MemoryCount != 5 {
		t.Fatalf("MemoryCount = %d, want 5", summary.MemoryCount)
	}
	if summary.SessionID != "s2" || summary.UserID != "u" {
		t.Fatalf("summary identity mismatch: %+v", summary)
	}
	if summary.SummaryText == "" {
		t.Fatal("expected non-empty SummaryText")
	}

	rustIdx, pizzaIdx := -1, -1
	for i, topic := range summary.KeyTopics {
		switch topic {
		case "rust":
			rustIdx = i
		case "pizza":
			pizzaIdx = i
		}
	}
	if rustIdx == -1 || pizzaIdx == -1 {
		t.Fatalf("expected both rust and pizza in KeyTopics, got %v", summary.KeyTopics)
	}
	if rustIdx >= pizzaIdx {
		t.Fatalf("expected rust (3 occurrences) ranked before pizza (2): %v", summary.KeyTopics)
	}
}

func TestSummarizeDropsTermsSeenOnce(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	_, _ = s.Put(&Memory{UserID: "u", SessionID: "s3", Content: "unique singular mention", Importance: 0.5}, "")
	_, _ = s.Put(&Memory{UserID: "u", SessionID: "s3", Content: "another distinct sentence", Importance: 0.5}, "")

	summary, err := s.Summarize("s3")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for _, topic := range summary.KeyTopics {
		if topic == "unique" || topic == "singular" || topic == "another" || topic == "distinct" {
			t.Fatalf("term seen in only one memory should be dropped from KeyTopics, got %v", summary.KeyTopics)
		}
	}
}

func TestSummarizeTimeSpan(t *testing.T) {
	clock := newFakeClockForStore(t)
	s := newTestStore(t, Config{}, clock)

	first, err := s.Put(&Memory{UserID: "u", SessionID: "s4", Content: "first one here", Importance: 0.5}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	clock.Advance(time.Hour)
	last, err := s.Put(&Memory{UserID: "u", SessionID: "s4", Content: "second one here", Importance: 0.5}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	summary, err := s.Summarize("s4")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !summary.TimeSpanStart.Equal(first.CreatedAt) {
		t.Fatalf("TimeSpanStart = %v, want %v", summary.TimeSpanStart, first.CreatedAt)
	}
	if !summary.TimeSpanEnd.Equal(last.CreatedAt) {
		t.Fatalf("TimeSpanEnd = %v, want %v", summary.TimeSpanEnd, last.CreatedAt)
	}
}
