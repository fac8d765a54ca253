package store

import (
	"math"
	"time"
)

// DecayConfig configures a decay sweep (§4.6, §6).
type DecayConfig struct {
	ImportanceThreshold  float64
	MaxMemoriesPerUser   int
	CompactionThreshold  float64
	CompactionMinEvicted int
}

const importanceAttenuationEpsilon = 0.001

// lowImportanceMinAge is the age floor for the low-importance sweep (§4.6 #3).
const lowImportanceMinAge = 7 * 24 * time.Hour

// RunDecay performs one full decay sweep (§4.6): per user, in lexicographic
// order, it expires TTL'd records, attenuates importance, evicts records
// that decayed below the importance floor, enforces the per-user cap, and
// finally triggers compaction on any sealed segment that qualifies. It can
// be invoked on a schedule or forced on demand (§6 decay command).
func (s *Store) RunDecay(cfg DecayConfig, now time.Time) DecayStats {
	stats := DecayStats{RanAt: now}

	for _, userID := range s.idx.Users() {
		for _, id := range s.idx.UserIDs(userID) {
			entry, ok := s.idx.Get(id)
			if !ok {
				continue
			}
			stats.Scanned++

			if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
				if s.expireOne(id) {
					stats.Expired++
				}
				continue
			}

			attenuated := attenuatedImportance(entry.Importance, entry.CreatedAt, now)
			if math.Abs(attenuated-entry.Importance) >= importanceAttenuationEpsilon {
				if s.rewriteImportance(id, attenuated) {
					stats.Attenuated++
					entry.Importance = attenuated
				}
			}

			// Low-importance sweep (§4.6 #3): only memories nobody has ever
			// recalled and that have sat around for a week are tombstoned —
			// a low but recently-set importance alone isn't enough.
			age := now.Sub(entry.CreatedAt)
			if cfg.ImportanceThreshold > 0 && attenuated < cfg.ImportanceThreshold &&
				entry.AccessCount == 0 && age > lowImportanceMinAge {
				if s.expireOne(id) {
					stats.Evicted++
				}
				continue
			}
		}

		if cfg.MaxMemoriesPerUser > 0 {
			for s.idx.UserMemoryCount(userID) > cfg.MaxMemoriesPerUser {
				mu := s.stripe(userID)
				mu.Lock()
				err := s.evictWorstLocked(userID, now)
				mu.Unlock()
				if err != nil {
					break
				}
				stats.Evicted++
			}
		}
	}

	threshold := cfg.CompactionThreshold
	if threshold <= 0 {
		threshold = DefaultCompactionThreshold
	}
	minEvicted := cfg.CompactionMinEvicted
	if minEvicted <= 0 {
		minEvicted = DefaultCompactionMinEvictions
	}
	for _, segID := range s.SealedSegmentIDs() {
		compacted, err := s.Compact(segID, threshold, minEvicted)
		if err == nil && compacted {
			stats.Compacted++
		}
	}

	return stats
}

// attenuatedImportance applies §4.6 #2's decay, importance * exp(-ln2 * age /
// ImportanceHalfLife) (so importance halves every ImportanceHalfLife), as if
// it had been decaying continuously since
// createdAt. Real deployments would track a last-decayed timestamp to avoid
// re-deriving from createdAt every sweep; here a record's importance is
// always the original value decayed over its full age, which keeps the
// computation idempotent across repeated sweeps.
func attenuatedImportance(importance float64, createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age <= 0 {
		return importance
	}
	factor := math.Exp(-ln2 * float64(age) / float64(ImportanceHalfLife))
	return clampFloat(importance*factor, 0, 1)
}

// expireOne tombstones id, used for both TTL expiry and low-importance
// eviction.
func (s *Store) expireOne(id string) bool {
	entry, ok := s.idx.Get(id)
	if !ok {
		return false
	}
	mu := s.stripe(entry.UserID)
	mu.Lock()
	defer mu.Unlock()
	return s.deleteLocked(id) == nil
}

// rewriteImportance persists a decayed importance value by rewriting the
// full record (consistent with the touch-flush path: no partial-frame
// updates, every mutation is a fresh frame for the same id).
func (s *Store) rewriteImportance(id string, importance float64) bool {
	m, err := s.Get(id)
	if err != nil {
		return false
	}
	m.Importance = importance
	mu := s.stripe(m.UserID)
	mu.Lock()
	defer mu.Unlock()
	return s.writeRecordLocked(m) == nil
}
