package store

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// SummaryMaxChars bounds each memory's excerpt in SessionSummary.SummaryText,
// in runes (§4.7).
const SummaryMaxChars = 240

// KeyTopicsLimit bounds SessionSummary.KeyTopics (§4.7).
const KeyTopicsLimit = 5

// summaryPickCount is how many top-scoring memories contribute to the
// summary text (§4.7).
const summaryPickCount = 3

// SessionSummary is a deterministic, TF-IDF-based digest of a session's
// memories (§4.7) — no model call, so it's fast and reproducible.
type SessionSummary struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	MemoryCount     int       `json:"memory_count"`
	ImportanceScore float64   `json:"importance_score"`
	TimeSpanStart   time.Time `json:"time_span_start"`
	TimeSpanEnd     time.Time `json:"time_span_end"`
	KeyTopics       []string  `json:"key_topics"`
	SummaryText     string    `json:"summary_text"`
}

type termWeight struct {
	term   string
	weight float64
}

// Summarize builds a SessionSummary over sessionID's current live memories.
func (s *Store) Summarize(sessionID string) (*SessionSummary, error) {
	ids := s.idx.SessionIDs(sessionID)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrSessionEmpty, sessionID)
	}

	memories := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(id)
		if err != nil {
			continue
		}
		memories = append(memories, m)
	}
	if len(memories) == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrSessionEmpty, sessionID)
	}

	// sessionDF is the per-session document frequency used to drop terms
	// that appear in fewer than 2 memories (§4.7); idf itself is weighted
	// by the store-wide document frequency from the global inverted index,
	// not this session's, so a term's topic weight reflects how
	// distinctive it is across the whole corpus.
	tfByMemory := make([]map[string]int, len(memories))
	sessionDF := make(map[string]int)
	for i, m := range memories {
		tf := termFrequencies(m.Content)
		tfByMemory[i] = tf
		for term := range tf {
			sessionDF[term]++
		}
	}
	corpusSize := s.idx.TotalMemoryCount()
	if corpusSize <= 0 {
		corpusSize = len(memories)
	}

	termScore := make(map[string]float64)
	for _, tf := range tfByMemory {
		for term, freq := range tf {
			if sessionDF[term] < 2 {
				continue
			}
			idf := math.Log(float64(corpusSize+1)/float64(s.idx.DocFrequency(term)+1)) + 1
			termScore[term] += float64(freq) * idf
		}
	}

	now := s.clock.Now()
	memoryScore := make([]float64, len(memories))
	for i, m := range memories {
		entry := catalogEntry{CreatedAt: m.CreatedAt, Importance: m.Importance, AccessCount: m.AccessCount}
		memoryScore[i] = score(entry, 0, now)
	}

	summary := &SessionSummary{
		SessionID:     sessionID,
		UserID:        memories[0].UserID,
		MemoryCount:   len(memories),
		TimeSpanStart: memories[0].CreatedAt,
		TimeSpanEnd:   memories[0].CreatedAt,
		KeyTopics:     topTerms(termScore, KeyTopicsLimit),
		SummaryText:   topSummaryText(memories, memoryScore, summaryPickCount),
	}

	var importanceSum float64
	for _, m := range memories {
		importanceSum += m.Importance
		if m.CreatedAt.Before(summary.TimeSpanStart) {
			summary.TimeSpanStart = m.CreatedAt
		}
		if m.CreatedAt.After(summary.TimeSpanEnd) {
			summary.TimeSpanEnd = m.CreatedAt
		}
	}
	summary.ImportanceScore = importanceSum / float64(len(memories))

	return summary, nil
}

// topTerms returns the top-`limit` terms by aggregate tf-idf weight, ties
// broken alphabetically for determinism.
func topTerms(termScore map[string]float64, limit int) []string {
	weights := make([]termWeight, 0, len(termScore))
	for term, w := range termScore {
		weights = append(weights, termWeight{term: term, weight: w})
	}
	sort.Slice(weights, func(i, j int) bool {
		if weights[i].weight != weights[j].weight {
			return weights[i].weight > weights[j].weight
		}
		return weights[i].term < weights[j].term
	})
	if len(weights) > limit {
		weights = weights[:limit]
	}
	out := make([]string, len(weights))
	for i, tw := range weights {
		out[i] = tw.term
	}
	return out
}

// topSummaryText picks the pick highest-scoring memories, re-orders them
// newest-first, truncates each one's content to SummaryMaxChars individually,
// and joins them with a space (§4.7).
func topSummaryText(memories []*Memory, memoryScore []float64, pick int) string {
	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(memories))
	for i, sc := range memoryScore {
		ranked[i] = scored{idx: i, score: sc}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return memories[ranked[i].idx].CreatedAt.Before(memories[ranked[j].idx].CreatedAt)
	})
	if len(ranked) > pick {
		ranked = ranked[:pick]
	}
	sort.Slice(ranked, func(i, j int) bool {
		return memories[ranked[i].idx].CreatedAt.After(memories[ranked[j].idx].CreatedAt)
	})

	var text string
	for i, r := range ranked {
		if i > 0 {
			text += " "
		}
		text += truncateRunes(memories[r.idx].Content, SummaryMaxChars)
	}
	return text
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
