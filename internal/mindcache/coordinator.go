// Package mindcache wires the codec, segment store, indexes, query planner,
// decay engine and summarizer (internal/store) into a single long-lived
// Coordinator: the construction and lifecycle glue a CLI or service binds
// against (§6).
package mindcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/mindcache/mindcache/internal/logging"
	"github.com/mindcache/mindcache/internal/store"
	"github.com/mindcache/mindcache/pkg/config"
)

// Coordinator owns one Store for its process lifetime, plus the background
// tickers that run decay sweeps and flush touched access counters (§6).
type Coordinator struct {
	cfg   *config.Config
	clock store.Clock
	log   *logging.Logger

	store *store.Store

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	lastDecayMu sync.Mutex
	lastDecay   *store.DecayStats
}

// New builds the store (construction order: codec, segment store, indexes,
// facade — all handled inside store.Open) and returns a Coordinator ready
// to Start.
func New(cfg *config.Config, clock store.Clock) (*Coordinator, error) {
	if clock == nil {
		clock = store.SystemClock
	}
	if err := cfg.EnsureStorageDir(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.Path, store.Config{
		CompressionEnabled:   cfg.Storage.EnableCompression,
		CompressionThreshold: cfg.Storage.CompressionThreshold,
		SegmentRollBytes:     cfg.Storage.SegmentRollBytes,
		MaxMemoriesPerUser:   cfg.Storage.MaxMemoriesPerUser,
		CompactionThreshold:  cfg.Decay.CompactionThreshold,
		CompactionMinEvicted: cfg.Decay.CompactionMinEvicted,
		CallTimeout:          time.Duration(cfg.Storage.CallTimeoutSeconds) * time.Second,
	}, clock)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:    cfg,
		clock:  clock,
		log:    logging.GetLogger("coordinator"),
		store:  st,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the background decay and access-flush tickers. Safe to
// call at most once.
func (c *Coordinator) Start() {
	if c.cfg.Decay.AutoDecayEnabled {
		c.wg.Add(1)
		go c.decayLoop()
	}
	if c.cfg.Storage.AccessFlushSeconds > 0 {
		c.wg.Add(1)
		go c.flushLoop()
	}
	if c.cfg.Storage.IndexSnapshotSeconds > 0 {
		c.wg.Add(1)
		go c.snapshotLoop()
	}
}

// Stop halts the background tickers and closes the store.
func (c *Coordinator) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		err = c.store.Close()
	})
	return err
}

func (c *Coordinator) decayLoop() {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.Decay.IntervalHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			stats := c.RunDecay()
			c.log.Info("decay sweep completed",
				"scanned", stats.Scanned, "expired", stats.Expired,
				"attenuated", stats.Attenuated, "evicted", stats.Evicted,
				"compacted", stats.Compacted)
		}
	}
}

func (c *Coordinator) snapshotLoop() {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.Storage.IndexSnapshotSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.store.WriteIndexSnapshot(); err != nil {
				c.log.Error("index snapshot failed", "error", err.Error())
			}
		}
	}
}

func (c *Coordinator) flushLoop() {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.Storage.AccessFlushSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n, err := c.store.FlushTouches(); err != nil {
				c.log.Error("access flush failed", "error", err.Error())
			} else if n > 0 {
				c.log.Debug("access flush completed", "records", n)
			}
		}
	}
}

// SaveRequest is the input to Save (§6 save operation).
type SaveRequest struct {
	UserID     string
	SessionID  string
	Content    string
	Metadata   map[string]any
	Importance *float64
	TTL        *time.Duration
	RequestID  string
}

// Save persists a new memory, applying store.DefaultImportance and the
// configured default TTL when the caller didn't specify one (§4.4, §6).
func (c *Coordinator) Save(req SaveRequest) (*store.Memory, error) {
	m := &store.Memory{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Content:   req.Content,
		Metadata:  req.Metadata,
	}
	if req.Importance != nil {
		m.Importance = *req.Importance
	} else {
		m.Importance = store.DefaultImportance
	}

	now := c.clock.Now()
	switch {
	case req.TTL != nil && *req.TTL > 0:
		exp := now.Add(*req.TTL)
		m.ExpiresAt = &exp
	case c.cfg.Decay.DefaultMemoryTTLHours > 0:
		exp := now.Add(time.Duration(c.cfg.Decay.DefaultMemoryTTLHours) * time.Hour)
		m.ExpiresAt = &exp
	}

	if _, err := c.store.EnsureSession(req.UserID, req.SessionID, "", nil); err != nil {
		return nil, err
	}

	saved, err := c.store.Put(m, req.RequestID)
	if err != nil {
		return nil, err
	}
	c.log.LogOperation("save", "user_id", req.UserID, "session_id", req.SessionID, "memory_id", saved.ID)
	return saved, nil
}

// Recall runs filter through the query planner (§4.5, §6).
func (c *Coordinator) Recall(filter store.Filter) ([]*store.Memory, error) {
	return c.store.Recall(filter, c.clock.Now())
}

// Get fetches a single memory by id (§6).
func (c *Coordinator) Get(id string) (*store.Memory, error) {
	return c.store.Get(id)
}

// Delete tombstones a single memory (§6).
func (c *Coordinator) Delete(id string) error {
	return c.store.Delete(id)
}

// CreateSession registers a new, empty session sidecar record ahead of any
// memory being saved into it (§6 create_session).
func (c *Coordinator) CreateSession(userID, name string, metadata map[string]any) (*store.Session, error) {
	return c.store.EnsureSession(userID, c.store.NewID(), name, metadata)
}

// DeleteSession tombstones every memory in a session and its sidecar record;
// it rejects sessions owned by a different user (§6, §7 Forbidden).
func (c *Coordinator) DeleteSession(userID, sessionID string) (int, error) {
	return c.store.DeleteSession(userID, sessionID)
}

// ExportUser returns every live memory owned by userID, newest-first, as one
// slice built in full before it is returned, for a backup/migration dump
// (§6 export_user).
func (c *Coordinator) ExportUser(userID string) ([]*store.Memory, error) {
	return c.store.ExportUser(userID)
}

// Summarize builds a deterministic summary of a session's memories (§4.7,
// §6).
func (c *Coordinator) Summarize(sessionID string) (*store.SessionSummary, error) {
	return c.store.Summarize(sessionID)
}

// Sessions lists every session for a user, most recently active first
// (§6).
func (c *Coordinator) Sessions(userID string) []*store.Session {
	return c.store.Sessions(userID)
}

// RunDecay forces an immediate decay sweep outside the regular schedule
// (§6 decay command).
func (c *Coordinator) RunDecay() store.DecayStats {
	stats := c.store.RunDecay(store.DecayConfig{
		ImportanceThreshold:  c.cfg.Decay.ImportanceThreshold,
		MaxMemoriesPerUser:   c.cfg.Storage.MaxMemoriesPerUser,
		CompactionThreshold:  c.cfg.Decay.CompactionThreshold,
		CompactionMinEvicted: c.cfg.Decay.CompactionMinEvicted,
	}, c.clock.Now())

	c.lastDecayMu.Lock()
	c.lastDecay = &stats
	c.lastDecayMu.Unlock()

	return stats
}

// Stats is the richer engine-health snapshot surfaced by the CLI's stats
// command: beyond simple counts, it reports the on-disk footprint, the size
// of every secondary index, and the most recent decay sweep's outcome (§4.8:
// "aggregates runtime statistics (counts per index, segment sizes, last
// decay stats)").
type Stats struct {
	TotalBytes   int64           `json:"total_bytes"`
	SegmentCount int             `json:"segment_count"`
	UserCount    int             `json:"user_count"`
	IndexVersion uint64          `json:"index_version"`
	Indexes      store.IndexStats `json:"indexes"`

	// LastDecay is nil until RunDecay has fired at least once in this
	// process, whether from the schedule or a forced sweep.
	LastDecay *store.DecayStats `json:"last_decay,omitempty"`
}

// Stats reports current engine-health counters (§6, supplemented beyond the
// original spec's bare memory/session counts).
func (c *Coordinator) Stats() Stats {
	c.lastDecayMu.Lock()
	lastDecay := c.lastDecay
	c.lastDecayMu.Unlock()

	return Stats{
		TotalBytes:   c.store.TotalBytes(),
		SegmentCount: c.store.SegmentCount(),
		UserCount:    c.store.UserCount(),
		IndexVersion: c.store.IndexVersion(),
		Indexes:      c.store.IndexStats(),
		LastDecay:    lastDecay,
	}
}

// String renders Stats for human-readable CLI output.
func (s Stats) String() string {
	base := fmt.Sprintf("users=%d segments=%d bytes=%d index_version=%d records=%d sessions=%d inverted_terms=%d",
		s.UserCount, s.SegmentCount, s.TotalBytes, s.IndexVersion,
		s.Indexes.Records, s.Indexes.Sessions, s.Indexes.InvertedTerms)
	if s.LastDecay == nil {
		return base + " last_decay=none"
	}
	return fmt.Sprintf("%s last_decay[scanned=%d expired=%d attenuated=%d evicted=%d compacted=%d]",
		base, s.LastDecay.Scanned, s.LastDecay.Expired, s.LastDecay.Attenuated,
		s.LastDecay.Evicted, s.LastDecay.Compacted)
}
