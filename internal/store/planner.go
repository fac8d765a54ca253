package store

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Ranking weights (§4.5): score = 0.55*importance + 0.25*recency_decay +
// 0.15*text_relevance + 0.05*access_weight.
const (
	weightImportance    = 0.55
	weightRecency       = 0.25
	weightTextRelevance = 0.15
	weightAccess        = 0.05

	// ln2 turns the half-life constants into proper half-lives: e.g.
	// recency_decay(half_life) == 0.5, matching the "half_life" naming in
	// §4.5/§4.6 more literally than the bare exp(-Δ/half_life) notation.
	ln2 = math.Ln2
)

// candidate is a scored memory awaiting final ordering.
type candidate struct {
	entry     catalogEntry
	relevance float64
	score     float64
}

// Recall runs filter through the planner: seed-set selection, criterion
// intersection, scoring and pagination (§4.5). Returned memories have
// already been touched (access_count/last_accessed_at advanced).
func (s *Store) Recall(filter Filter, now time.Time) ([]*Memory, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}

	seed := s.seedSet(filter)
	if len(seed) == 0 {
		return nil, nil
	}

	if filter.DateFrom != nil || filter.DateTo != nil {
		from, to := timeBounds(filter)
		seed = intersect(seed, s.idx.TimeRange(filter.UserID, from, to))
	}
	if filter.MinImportance > 0 {
		seed = intersect(seed, s.idx.ImportanceAtLeast(filter.UserID, filter.MinImportance))
	}

	terms := queryTerms(filter)
	var termTF map[string]map[string]int // term -> id -> tf, scoped to seed
	if len(terms) > 0 {
		seed, termTF = s.intersectTerms(seed, terms)
	}

	candidates := make([]candidate, 0, len(seed))
	corpusSize := s.idx.UserMemoryCount(filter.UserID)
	for id := range seed {
		entry, ok := s.idx.Get(id)
		if !ok {
			continue
		}
		if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
			continue // lazily excluded; decay will tombstone it (§4.6 #1)
		}
		relevance := 0.0
		if len(terms) > 0 {
			relevance = textRelevance(id, terms, termTF, corpusSize, s.idx)
		}
		c := candidate{entry: entry, relevance: relevance}
		c.score = score(entry, relevance, now)
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].entry.CreatedAt.Equal(candidates[j].entry.CreatedAt) {
			return candidates[i].entry.CreatedAt.After(candidates[j].entry.CreatedAt)
		}
		return candidates[i].entry.ID < candidates[j].entry.ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if limit < len(candidates) {
		candidates = candidates[:limit]
	}

	out := make([]*Memory, 0, len(candidates))
	for _, c := range candidates {
		s.Touch(c.entry.ID)
		m, err := s.Get(c.entry.ID)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// seedSet picks the cheapest starting index per §4.5's seed-set priority:
// session scope narrows the most, then user scope.
func (s *Store) seedSet(filter Filter) map[string]struct{} {
	if filter.SessionID != "" {
		out := make(map[string]struct{})
		for _, id := range s.idx.SessionIDs(filter.SessionID) {
			if e, ok := s.idx.Get(id); ok && e.UserID == filter.UserID {
				out[id] = struct{}{}
			}
		}
		return out
	}
	return toSet(s.idx.UserIDs(filter.UserID))
}

func timeBounds(filter Filter) (time.Time, time.Time) {
	from := time.Unix(0, 0).UTC()
	to := time.Unix(1<<62, 0).UTC()
	if filter.DateFrom != nil {
		from = *filter.DateFrom
	}
	if filter.DateTo != nil {
		to = *filter.DateTo
	}
	return from, to
}

func queryTerms(filter Filter) []string {
	var terms []string
	terms = append(terms, tokenize(filter.Query)...)
	for _, k := range filter.Keywords {
		terms = append(terms, tokenize(k)...)
	}
	return dedupeStrings(terms)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// intersectTerms narrows seed to ids containing every term (AND semantics,
// §4.5: "full-text terms combine with AND"), returning each term's
// restricted posting list for scoring.
func (s *Store) intersectTerms(seed map[string]struct{}, terms []string) (map[string]struct{}, map[string]map[string]int) {
	termTF := make(map[string]map[string]int, len(terms))
	out := seed
	for _, term := range terms {
		postings := s.idx.TermPostings(term)
		termTF[term] = postings
		next := make(map[string]struct{})
		for id := range out {
			if _, ok := postings[id]; ok {
				next[id] = struct{}{}
			}
		}
		out = next
	}
	return out, termTF
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]struct{}, len(a))
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// textRelevance is a BM25-lite tf-idf score over the matched terms,
// squashed to [0,1) (§4.5, §4.7).
func textRelevance(id string, terms []string, termTF map[string]map[string]int, corpusSize int, idx *indexes) float64 {
	if corpusSize <= 0 {
		corpusSize = 1
	}
	var sum float64
	for _, term := range terms {
		tf := termTF[term][id]
		if tf == 0 {
			continue
		}
		df := idx.DocFrequency(term)
		idf := math.Log(float64(corpusSize+1)/float64(df+1)) + 1
		// BM25-lite saturating tf term (k1=1.2) instead of raw tf, so a
		// single very repetitive match can't dominate the ranking.
		satTF := (float64(tf) * 2.2) / (float64(tf) + 1.2)
		sum += satTF * idf
	}
	return sum / (sum + 1)
}

// score implements §4.5's weighted ranking formula: score = 0.55*importance +
// 0.25*recency_decay + 0.15*text_relevance + 0.05*access_weight, where
// recency_decay(Δ) = exp(−ln2·Δ/RecencyHalfLife) (0.5 at one half-life) and
// access_weight(n) = 1 − 1/(1+n).
func score(entry catalogEntry, relevance float64, now time.Time) float64 {
	recency := math.Exp(-ln2 * float64(now.Sub(entry.CreatedAt)) / float64(RecencyHalfLife))
	recency = clampFloat(recency, 0, 1)
	access := 1 - 1/(1+float64(entry.AccessCount))
	return weightImportance*entry.Importance +
		weightRecency*recency +
		weightTextRelevance*relevance +
		weightAccess*access
}
