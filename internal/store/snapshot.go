package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// snapshotSubdir is where index snapshots live, relative to the store root
// (§6 persisted-state layout: "indexes/snapshot-<epoch>.idx").
const snapshotSubdir = "indexes"

// maxRetainedSnapshots bounds how many snapshot files accumulate on disk;
// only the newest is ever read back on Open, older ones are pruned on write.
const maxRetainedSnapshots = 2

// indexSnapshot is the on-disk shape of a point-in-time index dump. The
// per-user/session/time/importance buckets aren't stored: they're pure
// functions of Catalog, rebuilt on load the same way ApplyPut derives them
// from a live Put.
type indexSnapshot struct {
	Version uint64 `json:"version"`

	// HasSealedThrough/SealedThroughSegmentID mark the highest sealed
	// segment id fully reflected in Catalog at snapshot time. Loading a
	// snapshot only needs to replay segments younger than this — any
	// segment id is strictly greater than every segment sealed before it
	// existed, so this bound stays correct no matter how many further
	// rolls happen between snapshots.
	HasSealedThrough       bool   `json:"has_sealed_through"`
	SealedThroughSegmentID uint64 `json:"sealed_through_segment_id"`

	Catalog  []catalogEntry             `json:"catalog"`
	Sessions []*Session                 `json:"sessions"`
	Inverted map[string]map[string]int `json:"inverted"`
}

// Snapshot captures a consistent point-in-time copy of every index.
func (ix *indexes) Snapshot() indexSnapshot {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	catalog := make([]catalogEntry, 0, len(ix.catalog))
	for _, e := range ix.catalog {
		catalog = append(catalog, *e)
	}
	sessions := make([]*Session, 0, len(ix.sessionMeta))
	for _, sess := range ix.sessionMeta {
		cp := *sess
		sessions = append(sessions, &cp)
	}
	inverted := make(map[string]map[string]int, len(ix.inverted))
	for term, postings := range ix.inverted {
		cp := make(map[string]int, len(postings))
		for id, tf := range postings {
			cp[id] = tf
		}
		inverted[term] = cp
	}
	return indexSnapshot{
		Version:  ix.version,
		Catalog:  catalog,
		Sessions: sessions,
		Inverted: inverted,
	}
}

// LoadSnapshot replaces every index's contents with snap's, rebuilding the
// derived per-user/session/time/importance buckets from the catalog.
func (ix *indexes) LoadSnapshot(snap indexSnapshot) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.catalog = make(map[string]*catalogEntry, len(snap.Catalog))
	ix.byUser = make(map[string]*orderedSet)
	ix.bySession = make(map[string]*orderedSet)
	ix.byTimeBucket = make(map[string]map[int64]idSet)
	ix.byImportance = make(map[string][10]idSet)
	ix.inverted = make(map[string]map[string]int, len(snap.Inverted))
	ix.sessionMeta = make(map[string]*Session, len(snap.Sessions))

	for _, sess := range snap.Sessions {
		cp := *sess
		ix.sessionMeta[sess.ID] = &cp
	}

	for i := range snap.Catalog {
		entry := snap.Catalog[i]
		ix.catalog[entry.ID] = &entry

		ix.userSet(entry.UserID).Insert(idEntry{ID: entry.ID, CreatedAt: entry.CreatedAt})
		ix.sessionSet(entry.SessionID).Insert(idEntry{ID: entry.ID, CreatedAt: entry.CreatedAt})
		ix.timeBucketSet(entry.UserID, hourBucket(entry.CreatedAt)).add(entry.ID)

		bucket := ix.byImportance[entry.UserID]
		b := importanceBucket(entry.Importance)
		if bucket[b] == nil {
			bucket[b] = make(idSet)
		}
		bucket[b].add(entry.ID)
		ix.byImportance[entry.UserID] = bucket
	}

	for term, postings := range snap.Inverted {
		cp := make(map[string]int, len(postings))
		for id, tf := range postings {
			cp[id] = tf
		}
		ix.inverted[term] = cp
	}

	ix.version = snap.Version
}

func snapshotPath(dir string, epoch int64) string {
	return filepath.Join(dir, snapshotSubdir, fmt.Sprintf("snapshot-%d.idx", epoch))
}

func parseSnapshotEpoch(name string) (int64, bool) {
	if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".idx") {
		return 0, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".idx")
	epoch, err := strconv.ParseInt(core, 10, 64)
	if err != nil {
		return 0, false
	}
	return epoch, true
}

// WriteIndexSnapshot dumps the current indexes to indexes/snapshot-<epoch>.idx
// (§6), pruning all but the newest maxRetainedSnapshots files. Called on a
// schedule (Coordinator's snapshot loop) and whenever a segment rolls.
func (s *Store) WriteIndexSnapshot() error {
	dir := filepath.Join(s.dir, snapshotSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir indexes dir: %v", ErrIO, err)
	}

	sealed := s.SealedSegmentIDs()
	var sealedThrough uint64
	for _, id := range sealed {
		if id > sealedThrough {
			sealedThrough = id
		}
	}

	snap := s.idx.Snapshot()
	snap.HasSealedThrough = len(sealed) > 0
	snap.SealedThroughSegmentID = sealedThrough

	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: marshal index snapshot: %v", ErrInternal, err)
	}

	epoch := s.clock.Now().Unix()
	path := snapshotPath(s.dir, epoch)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("%w: write index snapshot: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename index snapshot: %v", ErrIO, err)
	}

	s.pruneOldSnapshots()
	return nil
}

func (s *Store) pruneOldSnapshots() {
	dir := filepath.Join(s.dir, snapshotSubdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type found struct {
		epoch int64
		name  string
	}
	var all []found
	for _, e := range entries {
		epoch, ok := parseSnapshotEpoch(e.Name())
		if !ok {
			continue
		}
		all = append(all, found{epoch, e.Name()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].epoch > all[j].epoch })
	for i := maxRetainedSnapshots; i < len(all); i++ {
		os.Remove(filepath.Join(dir, all[i].name))
	}
}

// latestIndexSnapshot finds and decodes the newest snapshot file under
// dir/indexes, if any exist.
func latestIndexSnapshot(dir string) (indexSnapshot, bool, error) {
	entries, err := os.ReadDir(filepath.Join(dir, snapshotSubdir))
	if err != nil {
		if os.IsNotExist(err) {
			return indexSnapshot{}, false, nil
		}
		return indexSnapshot{}, false, fmt.Errorf("%w: read indexes dir: %v", ErrIO, err)
	}
	bestEpoch := int64(-1)
	bestName := ""
	for _, e := range entries {
		epoch, ok := parseSnapshotEpoch(e.Name())
		if !ok {
			continue
		}
		if epoch > bestEpoch {
			bestEpoch, bestName = epoch, e.Name()
		}
	}
	if bestName == "" {
		return indexSnapshot{}, false, nil
	}

	buf, err := os.ReadFile(filepath.Join(dir, snapshotSubdir, bestName))
	if err != nil {
		return indexSnapshot{}, false, fmt.Errorf("%w: read index snapshot: %v", ErrIO, err)
	}
	var snap indexSnapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		// A corrupt snapshot never blocks startup (§7): fall back to a
		// full segment rescan rather than failing Open.
		return indexSnapshot{}, false, nil
	}
	return snap, true, nil
}
