package store

import (
	"sort"
	"sync"
	"time"
)

// location pinpoints a record's frame inside the segment store.
type location struct {
	SegmentID uint64
	Offset    int64
	Length    int
}

// catalogEntry is the per-record metadata the indexes need to intersect and
// score candidates without fetching content from disk on every operation
// (§4.3's five structures plus the bookkeeping that ties them together).
type catalogEntry struct {
	ID             string
	UserID         string
	SessionID      string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	Importance     float64
	AccessCount    uint64
	LastAccessedAt time.Time
	Loc            location
}

// idEntry is a member of an orderedSet: (created_at desc, id) (§4.3 #1, #2).
type idEntry struct {
	ID        string
	CreatedAt time.Time
}

// orderedSet keeps ids sorted newest-first, tie-broken by id ascending.
type orderedSet struct {
	entries []idEntry
}

func (s *orderedSet) less(a, b idEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *orderedSet) Insert(e idEntry) {
	i := sort.Search(len(s.entries), func(i int) bool { return !s.less(s.entries[i], e) })
	if i < len(s.entries) && s.entries[i].ID == e.ID {
		return
	}
	s.entries = append(s.entries, idEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

func (s *orderedSet) Remove(id string) {
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *orderedSet) IDs() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.ID
	}
	return out
}

// idSet is a small unordered set of ids, used for the time and importance
// bucket indexes (§4.3 #3, #4), where order doesn't matter and intersection
// is cheap.
type idSet map[string]struct{}

func (s idSet) add(id string)    { s[id] = struct{}{} }
func (s idSet) remove(id string) { delete(s, id) }

// indexes holds the five secondary structures (§4.3) plus the session
// sidecar map and the inverted term index (§4.3 #5). All mutation happens
// under mu; reads that need a consistent view copy out from under RLock, so
// a scan never observes a torn update (§5: "index structures expose a
// consistent snapshot").
type indexes struct {
	mu sync.RWMutex

	// version increments on every applied write; it is the epoch a
	// long-running scan pins against conceptually (copy-out-under-RLock
	// gives us the same effect without true MVCC).
	version uint64

	catalog map[string]*catalogEntry

	byUser    map[string]*orderedSet
	bySession map[string]*orderedSet

	// byTimeBucket[userID][hourBucket] = ids created in that hour (§4.3 #3).
	byTimeBucket map[string]map[int64]idSet

	// byImportance[userID][bucket 0..9] = ids in that importance decile (§4.3 #4).
	byImportance map[string][10]idSet

	// inverted[term][id] = term frequency (§4.3 #5).
	inverted map[string]map[string]int

	sessionMeta map[string]*Session
}

func newIndexes() *indexes {
	return &indexes{
		catalog:      make(map[string]*catalogEntry),
		byUser:       make(map[string]*orderedSet),
		bySession:    make(map[string]*orderedSet),
		byTimeBucket: make(map[string]map[int64]idSet),
		byImportance: make(map[string][10]idSet),
		inverted:     make(map[string]map[string]int),
		sessionMeta:  make(map[string]*Session),
	}
}

func (ix *indexes) userSet(userID string) *orderedSet {
	s, ok := ix.byUser[userID]
	if !ok {
		s = &orderedSet{}
		ix.byUser[userID] = s
	}
	return s
}

func (ix *indexes) sessionSet(sessionID string) *orderedSet {
	s, ok := ix.bySession[sessionID]
	if !ok {
		s = &orderedSet{}
		ix.bySession[sessionID] = s
	}
	return s
}

func (ix *indexes) timeBucketSet(userID string, bucket int64) idSet {
	m, ok := ix.byTimeBucket[userID]
	if !ok {
		m = make(map[int64]idSet)
		ix.byTimeBucket[userID] = m
	}
	s, ok := m[bucket]
	if !ok {
		s = make(idSet)
		m[bucket] = s
	}
	return s
}

// ApplyPut inserts or updates a record in every index, keyed idempotently on
// id (§4.3: "Index updates are idempotent keyed on record_id so replay is
// safe."). terms is the pre-tokenized content, already analyzed.
func (ix *indexes) ApplyPut(m *Memory, loc location, terms map[string]int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if existing, ok := ix.catalog[m.ID]; ok {
		ix.removeLocked(existing)
	}

	entry := &catalogEntry{
		ID:             m.ID,
		UserID:         m.UserID,
		SessionID:      m.SessionID,
		CreatedAt:      m.CreatedAt,
		ExpiresAt:      m.ExpiresAt,
		Importance:     m.Importance,
		AccessCount:    m.AccessCount,
		LastAccessedAt: m.LastAccessedAt,
		Loc:            loc,
	}
	ix.catalog[m.ID] = entry

	ix.userSet(m.UserID).Insert(idEntry{ID: m.ID, CreatedAt: m.CreatedAt})
	ix.sessionSet(m.SessionID).Insert(idEntry{ID: m.ID, CreatedAt: m.CreatedAt})
	ix.timeBucketSet(m.UserID, hourBucket(m.CreatedAt)).add(m.ID)

	bucket := ix.byImportance[m.UserID]
	b := importanceBucket(m.Importance)
	if bucket[b] == nil {
		bucket[b] = make(idSet)
	}
	bucket[b].add(m.ID)
	ix.byImportance[m.UserID] = bucket

	for term, tf := range terms {
		postings, ok := ix.inverted[term]
		if !ok {
			postings = make(map[string]int)
			ix.inverted[term] = postings
		}
		postings[term2key(m.ID)] = tf
	}
	// NOTE: inverted index keys postings by id directly; term2key exists
	// only to keep the intent explicit when reading the assignment above.

	ix.bumpSessionMetaLocked(m)
	ix.version++
}

// ApplyRelocate repoints id's storage location after compaction rewrote its
// frame into a new segment. Nothing else about the record changed, so only
// the catalog entry's Loc is touched (§4.2; P6 "compaction preserves
// content" depends on get(id) still resolving after a segment is rewritten).
func (ix *indexes) ApplyRelocate(id string, loc location) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if entry, ok := ix.catalog[id]; ok {
		entry.Loc = loc
		ix.version++
	}
}

// term2key is the identity function: postings are keyed by record id. Kept
// as a named step so ApplyPut reads as "postings[id-for(m.ID)]" rather than
// a bare assignment that's easy to misread during a diff.
func term2key(id string) string { return id }

func (ix *indexes) bumpSessionMetaLocked(m *Memory) {
	sess, ok := ix.sessionMeta[m.SessionID]
	if !ok {
		sess = &Session{ID: m.SessionID, UserID: m.UserID, CreatedAt: m.CreatedAt, LastActiveAt: m.CreatedAt}
		ix.sessionMeta[m.SessionID] = sess
	}
	if m.CreatedAt.Before(sess.CreatedAt) {
		sess.CreatedAt = m.CreatedAt
	}
	if m.CreatedAt.After(sess.LastActiveAt) {
		sess.LastActiveAt = m.CreatedAt
	}
}

// removeLocked drops entry from the user, session, time and importance
// indexes and from every posting list of the inverted index. The catalog
// entry itself is left to the caller (ApplyPut replaces it, ApplyTombstone
// deletes it).
func (ix *indexes) removeLocked(entry *catalogEntry) {
	ix.userSet(entry.UserID).Remove(entry.ID)
	ix.sessionSet(entry.SessionID).Remove(entry.ID)
	if m, ok := ix.byTimeBucket[entry.UserID]; ok {
		if s, ok := m[hourBucket(entry.CreatedAt)]; ok {
			s.remove(entry.ID)
		}
	}
	if bucket, ok := ix.byImportance[entry.UserID]; ok {
		b := importanceBucket(entry.Importance)
		if bucket[b] != nil {
			bucket[b].remove(entry.ID)
		}
	}
	for term, postings := range ix.inverted {
		delete(postings, entry.ID)
		if len(postings) == 0 {
			delete(ix.inverted, term)
		}
	}
}

// ApplyTombstone removes a record from every index (§4.4 delete).
func (ix *indexes) ApplyTombstone(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entry, ok := ix.catalog[id]
	if !ok {
		return false
	}
	ix.removeLocked(entry)
	delete(ix.catalog, id)
	if sess, ok := ix.sessionMeta[entry.SessionID]; ok {
		sess.MemoryCount--
	}
	ix.version++
	return true
}

// ApplyTouch advances access_count/last_accessed_at (§4.4 touch, I4).
func (ix *indexes) ApplyTouch(id string, accessCount uint64, lastAccessedAt time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	entry, ok := ix.catalog[id]
	if !ok {
		return
	}
	if accessCount > entry.AccessCount {
		entry.AccessCount = accessCount
	}
	if lastAccessedAt.After(entry.LastAccessedAt) {
		entry.LastAccessedAt = lastAccessedAt
	}
}

// Get returns a copy of the catalog entry for id.
func (ix *indexes) Get(id string) (catalogEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry, ok := ix.catalog[id]
	if !ok {
		return catalogEntry{}, false
	}
	return *entry, true
}

// UserIDs returns every id for userID, newest first (§4.3 #1).
func (ix *indexes) UserIDs(userID string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s, ok := ix.byUser[userID]
	if !ok {
		return nil
	}
	return s.IDs()
}

// SessionIDs returns every id for sessionID, newest first (§4.3 #2).
func (ix *indexes) SessionIDs(sessionID string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s, ok := ix.bySession[sessionID]
	if !ok {
		return nil
	}
	return s.IDs()
}

// TimeRange returns ids for userID whose created_at bucket falls in
// [from, to] (§4.3 #3).
func (ix *indexes) TimeRange(userID string, from, to time.Time) map[string]struct{} {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]struct{})
	buckets, ok := ix.byTimeBucket[userID]
	if !ok {
		return out
	}
	fromB, toB := hourBucket(from), hourBucket(to)
	for b, ids := range buckets {
		if b < fromB || b > toB {
			continue
		}
		for id := range ids {
			out[id] = struct{}{}
		}
	}
	return out
}

// ImportanceAtLeast returns ids for userID with importance >= min, by
// scanning buckets floor(10*min)..9 and keeping the entries whose importance
// is at least min (§4.3 #4, §4.5 step 2).
func (ix *indexes) ImportanceAtLeast(userID string, min float64) map[string]struct{} {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]struct{})
	bucket, ok := ix.byImportance[userID]
	if !ok {
		return out
	}
	start := int(min * 10)
	if start < 0 {
		start = 0
	}
	for b := start; b <= 9; b++ {
		for id := range bucket[b] {
			if e, ok := ix.catalog[id]; ok && e.Importance >= min {
				out[id] = struct{}{}
			}
		}
	}
	return out
}

// TermPostings returns the posting list for term (§4.3 #5).
func (ix *indexes) TermPostings(term string) map[string]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	postings, ok := ix.inverted[term]
	if !ok {
		return nil
	}
	out := make(map[string]int, len(postings))
	for id, tf := range postings {
		out[id] = tf
	}
	return out
}

// DocFrequency returns how many records contain term, for TF-IDF (§4.7).
func (ix *indexes) DocFrequency(term string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.inverted[term])
}

// EnsureSession creates a session sidecar record if one doesn't already
// exist (idempotent).
func (ix *indexes) EnsureSession(userID, sessionID, name string, metadata map[string]any, now time.Time) (*Session, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if sess, ok := ix.sessionMeta[sessionID]; ok {
		if sess.UserID != userID {
			return nil, ErrForbidden
		}
		return sess, nil
	}

	sess := &Session{
		ID:           sessionID,
		UserID:       userID,
		Name:         name,
		Metadata:     metadata,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	ix.sessionMeta[sessionID] = sess
	return sess, nil
}

// SessionMeta returns the sidecar record for sessionID, with MemoryCount
// filled from the session index.
func (ix *indexes) SessionMeta(sessionID string) (*Session, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	sess, ok := ix.sessionMeta[sessionID]
	if !ok {
		return nil, false
	}
	cp := *sess
	if s, ok := ix.bySession[sessionID]; ok {
		cp.MemoryCount = len(s.entries)
	}
	return &cp, true
}

// ListSessions returns every session belonging to userID.
func (ix *indexes) ListSessions(userID string) []*Session {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*Session
	for id, sess := range ix.sessionMeta {
		if sess.UserID != userID {
			continue
		}
		cp := *sess
		if s, ok := ix.bySession[id]; ok {
			cp.MemoryCount = len(s.entries)
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out
}

// DeleteSessionMeta removes the sidecar record for sessionID.
func (ix *indexes) DeleteSessionMeta(sessionID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.sessionMeta, sessionID)
}

// Version returns the current index generation, bumped on every applied
// mutation.
func (ix *indexes) Version() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.version
}

// UserMemoryCount returns how many live records userID currently has, for
// the per-user cap (§4.6 #4).
func (ix *indexes) UserMemoryCount(userID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s, ok := ix.byUser[userID]
	if !ok {
		return 0
	}
	return len(s.entries)
}

// TotalMemoryCount returns how many live records exist across every user,
// the corpus size the summarizer's document-frequency weighting uses (§4.7).
func (ix *indexes) TotalMemoryCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.catalog)
}

// IndexStats reports per-structure sizes for stats() (§4.8, §6): catalog
// records, users, sessions in the session index, hourly time buckets and
// inverted terms. The importance buckets and the session sidecar map are
// not counted.
type IndexStats struct {
	Records      int `json:"records"`
	Users        int `json:"users"`
	Sessions     int `json:"sessions"`
	TimeBuckets  int `json:"time_buckets"`
	InvertedTerms int `json:"inverted_terms"`
}

// Stats returns a snapshot of every index's current size.
func (ix *indexes) Stats() IndexStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	buckets := 0
	for _, m := range ix.byTimeBucket {
		buckets += len(m)
	}
	return IndexStats{
		Records:       len(ix.catalog),
		Users:         len(ix.byUser),
		Sessions:      len(ix.bySession),
		TimeBuckets:   buckets,
		InvertedTerms: len(ix.inverted),
	}
}

// Users returns every distinct user id that currently owns at least one
// record, in lexicographic order (§4.6: "One sweep per user (lexicographic
// order)").
func (ix *indexes) Users() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.byUser))
	for u, s := range ix.byUser {
		if len(s.entries) > 0 {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}
