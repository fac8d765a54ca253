package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// numStripes is the number of per-user write locks (§5: "per-user striped
// locking serializes writes to the same user without blocking writers for
// other users").
const numStripes = 64

// IdempotencyWindow is how long a (user_id, request_id) pair is remembered
// to make put() safe to retry (§4.4, §9).
const IdempotencyWindow = 5 * time.Minute

// ioRetryBackoffs are the delays between retries of a segment-store call
// that failed with ErrIO, before the error is finally surfaced (§9 error
// policy: "Io failures are retried once with exponential backoff").
var ioRetryBackoffs = [2]time.Duration{50 * time.Millisecond, 200 * time.Millisecond}

// DefaultCallTimeout bounds a single call's I/O retries when the store was
// opened with no CallTimeout configured (§5 "Each public call carries a
// deadline; exceeding it returns Timeout").
const DefaultCallTimeout = 5 * time.Second

// retryIO runs fn, retrying on ErrIO with the backoff schedule above, but
// gives up and returns ErrTimeout if timeout elapses first. Callers update
// the index only after Append succeeds; AckManifest runs after that update,
// so a failed ack is reported with the record already indexed.
func retryIO(timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	deadline := time.Now().Add(timeout)
	var err error
	for _, delay := range ioRetryBackoffs {
		err = fn()
		if err == nil || !errors.Is(err, ErrIO) {
			return err
		}
		if time.Now().Add(delay).After(deadline) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		time.Sleep(delay)
	}
	if time.Now().After(deadline) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fn()
}

// Config configures a Store (§6, config surface).
type Config struct {
	CompressionEnabled    bool
	CompressionThreshold  int
	SegmentRollBytes      int64
	MaxMemoriesPerUser    int
	CompactionThreshold   float64
	CompactionMinEvicted  int

	// CallTimeout bounds how long a single call may spend retrying a
	// failing I/O path before it gives up with ErrTimeout (§5). Zero uses
	// DefaultCallTimeout.
	CallTimeout time.Duration
}

type dedupEntry struct {
	memory *Memory
	at     time.Time
}

// Store is the facade (C4) in front of the codec, segment store and
// indexes: Put, Get, Scan, Delete, DeleteSession and Touch (§4.4).
type Store struct {
	dir   string
	cfg   Config
	clock Clock

	cdc  *codec
	segs *segmentStore
	idx  *indexes

	stripes [numStripes]sync.Mutex

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	dedupMu sync.Mutex
	dedup   map[string]dedupEntry

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	rollMu       sync.Mutex
	lastSegCount int
}

// Open creates or reopens a store rooted at dir and rebuilds the in-memory
// indexes from the newest index snapshot plus the segments it does not
// cover, or from every segment's frames when no snapshot exists (I6: crash
// recovery is idempotent on record_id, since later frames for the same id
// simply overwrite earlier ones in the index).
func Open(dir string, cfg Config, clock Clock) (*Store, error) {
	if clock == nil {
		clock = SystemClock
	}
	segs, err := newSegmentStore(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:     dir,
		cfg:     cfg,
		clock:   clock,
		cdc:     newCodec(cfg.CompressionEnabled, cfg.CompressionThreshold),
		segs:    segs,
		idx:     newIndexes(),
		entropy: ulid.Monotonic(rand.Reader, 0),
		dedup:   make(map[string]dedupEntry),
		dirty:   make(map[string]struct{}),
	}
	if cfg.SegmentRollBytes > 0 {
		segs.rollBytes = cfg.SegmentRollBytes
	}
	if err := s.loadIndexes(); err != nil {
		return nil, err
	}
	s.lastSegCount = len(s.segs.SegmentIDs())
	return s, nil
}

// loadIndexes restores the in-memory indexes on Open: it loads the newest
// on-disk snapshot, if one exists, and replays only the segments younger
// than what that snapshot already reflects; with no snapshot it falls back
// to a full segment rescan (§6 persisted-state layout).
func (s *Store) loadIndexes() error {
	snap, ok, err := latestIndexSnapshot(s.dir)
	if err != nil {
		return err
	}
	if !ok {
		return s.replaySegments(false, 0)
	}
	s.idx.LoadSnapshot(snap)
	return s.replaySegments(snap.HasSealedThrough, snap.SealedThroughSegmentID)
}

// replaySegments applies every frame from segments with id > afterID (or
// every segment, when hasFloor is false) onto the indexes, in segment id
// order (I6: replay is idempotent on record_id).
func (s *Store) replaySegments(hasFloor bool, afterID uint64) error {
	for _, segID := range s.segs.SegmentIDs() {
		if hasFloor && segID <= afterID {
			continue
		}
		seg, ok := s.segs.segmentByID(segID)
		if !ok {
			continue
		}
		spans, err := seg.scanAll()
		if err != nil {
			return err
		}
		for _, span := range spans {
			decoded, err := s.cdc.DecodeMemory(span.Raw)
			if err != nil {
				// A corrupt frame found during recovery is skipped; it
				// cannot be trusted and carries no id we could safely
				// tombstone (§7).
				continue
			}
			if decoded.Tombstone {
				s.idx.ApplyTombstone(decoded.ID)
				continue
			}
			loc := location{SegmentID: segID, Offset: span.Offset, Length: len(span.Raw)}
			s.idx.ApplyPut(decoded.Memory, loc, termFrequencies(decoded.Memory.Content))
		}
	}
	return nil
}

// maybeSnapshotOnRoll writes a fresh index snapshot if the segment count
// changed since the last call, i.e. a roll just happened (§6: snapshots are
// taken "when a segment rolls" as well as on a timer). Best-effort: a
// failure here never fails the write that triggered it, since a full
// segment rescan on next Open always recovers correctly without it.
func (s *Store) maybeSnapshotOnRoll() {
	n := len(s.segs.SegmentIDs())
	s.rollMu.Lock()
	changed := n != s.lastSegCount
	s.lastSegCount = n
	s.rollMu.Unlock()
	if changed {
		_ = s.WriteIndexSnapshot()
	}
}

func (s *Store) stripe(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.stripes[h.Sum32()%numStripes]
}

func (s *Store) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), s.entropy).String()
}

// NewID mints a globally unique, lexicographically time-sortable id from the
// store's monotonic entropy source (§3 "id") — exported so callers can mint
// session ids with the same scheme memory ids use.
func (s *Store) NewID() string { return s.newID() }

// validate enforces §3's size and presence invariants (I2, I3).
func (s *Store) validate(m *Memory) error {
	if m.UserID == "" || len(m.UserID) > MaxIDBytes {
		return fmt.Errorf("%w: user_id", ErrInvalidArgument)
	}
	if m.SessionID == "" || len(m.SessionID) > MaxIDBytes {
		return fmt.Errorf("%w: session_id", ErrInvalidArgument)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidArgument)
	}
	if len(m.Content) > MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrTooLarge, MaxContentBytes)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("%w: importance must be in [0,1]", ErrInvalidArgument)
	}
	if m.Metadata != nil {
		if n := jsonSize(m.Metadata); n > MaxMetadataBytes {
			return fmt.Errorf("%w: metadata exceeds %d bytes", ErrTooLarge, MaxMetadataBytes)
		}
	}
	return nil
}

// Put persists a new memory, assigning it an id and timestamps if unset.
// requestID, if non-empty, makes the call idempotent within
// IdempotencyWindow (§4.4, §9).
func (s *Store) Put(m *Memory, requestID string) (*Memory, error) {
	if err := s.validate(m); err != nil {
		return nil, err
	}

	dedupKey := m.UserID + "\x00" + requestID
	if requestID != "" {
		s.dedupMu.Lock()
		if e, ok := s.dedup[dedupKey]; ok && s.clock.Now().Sub(e.at) < IdempotencyWindow {
			s.dedupMu.Unlock()
			return e.memory.Clone(), nil
		}
		s.dedupMu.Unlock()
	}

	mu := s.stripe(m.UserID)
	mu.Lock()
	defer mu.Unlock()

	now := s.clock.Now()
	cp := m.Clone()
	if cp.ID == "" {
		cp.ID = s.newID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.LastAccessedAt = cp.CreatedAt
	cp.AccessCount = 0

	if s.cfg.MaxMemoriesPerUser > 0 && s.idx.UserMemoryCount(cp.UserID) >= s.cfg.MaxMemoriesPerUser {
		if err := s.evictWorstLocked(cp.UserID, now); err != nil {
			return nil, err
		}
	}

	if err := s.writeRecordLocked(cp); err != nil {
		return nil, err
	}

	if requestID != "" {
		s.dedupMu.Lock()
		s.dedup[dedupKey] = dedupEntry{memory: cp.Clone(), at: now}
		s.dedupMu.Unlock()
	}

	return cp.Clone(), nil
}

// writeRecordLocked encodes and appends m as a fresh frame and applies it to
// the indexes. Caller holds the stripe lock for m.UserID.
func (s *Store) writeRecordLocked(m *Memory) error {
	frame, err := s.cdc.EncodeMemory(m, false)
	if err != nil {
		return err
	}
	var segID uint64
	var offset int64
	var length int
	err = retryIO(s.cfg.CallTimeout, func() error {
		var aerr error
		segID, offset, length, aerr = s.segs.Append(frame, m.ID, m.CreatedAt, false, s.idx.Version())
		return aerr
	})
	if err != nil {
		return err
	}
	s.idx.ApplyPut(m, location{SegmentID: segID, Offset: offset, Length: length}, termFrequencies(m.Content))
	err = retryIO(s.cfg.CallTimeout, func() error { return s.segs.AckManifest(segID, m.ID) })
	s.maybeSnapshotOnRoll()
	return err
}

// Get fetches a single memory by id, overlaying the index's live
// access_count/last_accessed_at onto the persisted content (touch doesn't
// rewrite the frame immediately; see Touch).
func (s *Store) Get(id string) (*Memory, error) {
	entry, ok := s.idx.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var raw []byte
	err := retryIO(s.cfg.CallTimeout, func() error {
		var rerr error
		raw, rerr = s.segs.Read(entry.Loc.SegmentID, entry.Loc.Offset, entry.Loc.Length)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	decoded, err := s.cdc.DecodeMemory(raw)
	if err != nil {
		return nil, err
	}
	m := decoded.Memory
	m.AccessCount = entry.AccessCount
	m.LastAccessedAt = entry.LastAccessedAt
	m.Importance = entry.Importance
	return m, nil
}

// Touch advances access bookkeeping for id in the index only; the durable
// frame is rewritten later by FlushTouches (§4.4: access stats are
// advisory between flushes, bounded by access_flush_interval).
func (s *Store) Touch(id string) {
	entry, ok := s.idx.Get(id)
	if !ok {
		return
	}
	s.idx.ApplyTouch(id, entry.AccessCount+1, s.clock.Now())
	s.dirtyMu.Lock()
	s.dirty[id] = struct{}{}
	s.dirtyMu.Unlock()
}

// FlushTouches rewrites every dirty record's frame with its current
// access_count/last_accessed_at, so a crash loses at most one flush
// interval of access stats.
func (s *Store) FlushTouches() (int, error) {
	s.dirtyMu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.dirty = make(map[string]struct{})
	s.dirtyMu.Unlock()

	flushed := 0
	for _, id := range ids {
		m, err := s.Get(id)
		if err != nil {
			continue
		}
		mu := s.stripe(m.UserID)
		mu.Lock()
		err = s.writeRecordLocked(m)
		mu.Unlock()
		if err != nil {
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}

// Delete tombstones id (§4.4).
func (s *Store) Delete(id string) error {
	entry, ok := s.idx.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	mu := s.stripe(entry.UserID)
	mu.Lock()
	defer mu.Unlock()
	return s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) error {
	if _, ok := s.idx.Get(id); !ok {
		return nil
	}
	frame, err := s.cdc.EncodeTombstone(id)
	if err != nil {
		return err
	}
	var segID uint64
	err = retryIO(s.cfg.CallTimeout, func() error {
		var aerr error
		segID, _, _, aerr = s.segs.Append(frame, id, s.clock.Now(), true, s.idx.Version())
		return aerr
	})
	if err != nil {
		return err
	}
	s.idx.ApplyTombstone(id)
	err = retryIO(s.cfg.CallTimeout, func() error { return s.segs.AckManifest(segID, id) })
	s.maybeSnapshotOnRoll()
	return err
}

// DeleteSession tombstones every memory in sessionID and removes the
// sidecar record (§4.4). It rejects cross-user deletes (I3, §6,
// §7 Forbidden): a session only belongs to the user that created it.
func (s *Store) DeleteSession(userID, sessionID string) (int, error) {
	if owner, ok := s.sessionOwner(sessionID); ok && owner != userID {
		return 0, fmt.Errorf("%w: session %s belongs to a different user", ErrForbidden, sessionID)
	}

	ids := s.idx.SessionIDs(sessionID)
	if len(ids) == 0 {
		if _, ok := s.idx.SessionMeta(sessionID); !ok {
			return 0, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
	}
	deleted := 0
	for _, id := range ids {
		entry, ok := s.idx.Get(id)
		if !ok {
			continue
		}
		mu := s.stripe(entry.UserID)
		mu.Lock()
		err := s.deleteLocked(id)
		mu.Unlock()
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	s.idx.DeleteSessionMeta(sessionID)
	return deleted, nil
}

// evictWorstLocked drops the lowest-score memory for userID to make room
// under the per-user cap (§4.6 #4, applied eagerly on put as well as during
// decay sweeps), using the same weighted score() as Recall/Summarize (§4.5)
// with no text relevance term. Ties break on least-recently accessed.
// Caller holds the stripe lock for userID.
func (s *Store) evictWorstLocked(userID string, now time.Time) error {
	ids := s.idx.UserIDs(userID)
	var worstID string
	var worst catalogEntry
	var worstScore float64
	found := false
	for _, id := range ids {
		e, ok := s.idx.Get(id)
		if !ok {
			continue
		}
		sc := score(e, 0, now)
		if !found || sc < worstScore ||
			(sc == worstScore && e.LastAccessedAt.Before(worst.LastAccessedAt)) {
			worst, worstID, worstScore, found = e, id, sc, true
		}
	}
	if !found {
		return nil
	}
	return s.deleteLocked(worstID)
}

// sessionOwner reports the user_id that owns sessionID, consulting the
// sidecar record first and falling back to any surviving member memory
// (I3: "a session has user_id=U iff all its memories have user_id=U").
func (s *Store) sessionOwner(sessionID string) (string, bool) {
	if sess, ok := s.idx.SessionMeta(sessionID); ok {
		return sess.UserID, true
	}
	ids := s.idx.SessionIDs(sessionID)
	if len(ids) == 0 {
		return "", false
	}
	entry, ok := s.idx.Get(ids[0])
	if !ok {
		return "", false
	}
	return entry.UserID, true
}

// EnsureSession registers a session sidecar record if one doesn't exist yet.
func (s *Store) EnsureSession(userID, sessionID, name string, metadata map[string]any) (*Session, error) {
	return s.idx.EnsureSession(userID, sessionID, name, metadata, s.clock.Now())
}

// Sessions lists every session for userID, most recently active first.
func (s *Store) Sessions(userID string) []*Session {
	return s.idx.ListSessions(userID)
}

// SessionMeta returns the sidecar record for sessionID.
func (s *Store) SessionMeta(sessionID string) (*Session, bool) {
	return s.idx.SessionMeta(sessionID)
}

// ExportUser returns every live memory owned by userID, newest-first, for a
// full user export/backup (§6 export_user). Corrupt frames are skipped
// rather than failing the whole export (§7 CorruptRecord).
func (s *Store) ExportUser(userID string) ([]*Memory, error) {
	ids := s.idx.UserIDs(userID)
	out := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(id)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// isLiveAt reports whether (recordID, segmentID, offset) is still the
// current index location for recordID — the authority compaction uses to
// tell a live frame from a superseded or tombstoned one.
func (s *Store) isLiveAt(recordID string, segmentID uint64, offset int64) bool {
	entry, ok := s.idx.Get(recordID)
	if !ok {
		return false
	}
	return entry.Loc.SegmentID == segmentID && entry.Loc.Offset == offset
}

// Compact runs segment compaction on segID if its live fraction has dropped
// below threshold, or it holds at least minEvicted dead frames (§4.2, §4.6).
func (s *Store) Compact(segID uint64, threshold float64, minEvicted int) (compacted bool, err error) {
	seg, ok := s.segs.segmentByID(segID)
	if !ok {
		return false, nil
	}
	total := int(seg.recordCount())
	liveCount := 0
	spans, err := seg.scanAll()
	if err != nil {
		return false, err
	}
	for _, span := range spans {
		decoded, derr := s.cdc.DecodeMemory(span.Raw)
		if derr != nil || decoded.Tombstone {
			continue
		}
		if s.isLiveAt(decoded.ID, segID, span.Offset) {
			liveCount++
		}
	}
	dead := total - liveCount
	liveFrac := 1.0
	if total > 0 {
		liveFrac = float64(liveCount) / float64(total)
	}
	if liveFrac >= threshold && dead < minEvicted {
		return false, nil
	}
	newSegID, kept, _, err := s.segs.Compact(segID, s.cdc, s.isLiveAt, s.clock.Now())
	if err != nil {
		return false, err
	}
	for _, r := range kept {
		s.idx.ApplyRelocate(r.ID, location{SegmentID: newSegID, Offset: r.Offset, Length: r.Length})
	}
	return true, nil
}

// SealedSegmentIDs returns every segment id eligible for compaction (every
// segment except the currently active one).
func (s *Store) SealedSegmentIDs() []uint64 {
	ids := s.segs.SegmentIDs()
	s.segs.mu.RLock()
	active := s.segs.active
	s.segs.mu.RUnlock()
	var out []uint64
	for _, id := range ids {
		if active != nil && id == active.id {
			continue
		}
		out = append(out, id)
	}
	return out
}

// TotalBytes reports total on-disk segment size, for stats().
func (s *Store) TotalBytes() int64 { return s.segs.TotalBytes() }

// SegmentCount reports how many segments currently exist, for stats().
func (s *Store) SegmentCount() int { return len(s.segs.SegmentIDs()) }

// UserCount reports how many distinct users currently own a live record.
func (s *Store) UserCount() int { return len(s.idx.Users()) }

// IndexVersion returns the current index generation.
func (s *Store) IndexVersion() uint64 { return s.idx.Version() }

// IndexStats reports per-index counts, for stats() (§4.8).
func (s *Store) IndexStats() IndexStats { return s.idx.Stats() }

// Close releases the segment store's file handles.
func (s *Store) Close() error { return s.segs.Close() }
