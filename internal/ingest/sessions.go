// internal/ingest/sessions.go
package ingest

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
)

// SessionTracker keeps one open ingestion session per equipment plus the ended history.
type SessionTracker struct {
	mu         sync.RWMutex
	open       map[string]*data.IngestionSession
	ended      []*data.IngestionSession
	clock      clock.Clock
	staleAfter time.Duration
	log        *slog.Logger
}

func NewSessionTracker(clk clock.Clock, staleAfter time.Duration, logger *slog.Logger) *SessionTracker {
	return &SessionTracker{
		open:       make(map[string]*data.IngestionSession),
		clock:      clk,
		staleAfter: staleAfter,
		log:        logger.With("component", "sessions"),
	}
}

func (t *SessionTracker) StaleAfter() time.Duration { return t.staleAfter }

// Start opens a session for equipmentID, ending any session it already had.
func (t *SessionTracker) Start(siteID, equipmentID string, protocol data.Protocol, metadata map[string]string) *data.IngestionSession {
	now := t.clock.Now()
	s := data.NewIngestionSession(siteID, equipmentID, protocol, metadata, now)
	t.mu.Lock()
	if prev, ok := t.open[equipmentID]; ok {
		prev.End(now)
		t.ended = append(t.ended, prev)
	}
	t.open[equipmentID] = s
	t.mu.Unlock()
	t.log.Info("session started", "session_id", s.ID, "equipment_id", equipmentID, "protocol", protocol)
	return s
}

// Touch returns the equipment's open session, starting one if there is none.
func (t *SessionTracker) Touch(siteID, equipmentID string, protocol data.Protocol) *data.IngestionSession {
	t.mu.RLock()
	s, ok := t.open[equipmentID]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	s, ok = t.open[equipmentID]
	if !ok {
		s = data.NewIngestionSession(siteID, equipmentID, protocol, nil, t.clock.Now())
		t.open[equipmentID] = s
	}
	t.mu.Unlock()
	if !ok {
		t.log.Info("session started", "session_id", s.ID, "equipment_id", equipmentID, "protocol", protocol)
	}
	return s
}

// Get returns the open session for equipmentID.
func (t *SessionTracker) Get(equipmentID string) (*data.IngestionSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.open[equipmentID]
	return s, ok
}

// Heartbeat refreshes the open session; false when the equipment has none.
func (t *SessionTracker) Heartbeat(equipmentID string) bool {
	s, ok := t.Get(equipmentID)
	if ok {
		s.Heartbeat(t.clock.Now())
	}
	return ok
}

// End closes the equipment's session. The next message starts a fresh one.
func (t *SessionTracker) End(equipmentID string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	s, ok := t.open[equipmentID]
	if ok {
		delete(t.open, equipmentID)
		s.End(now)
		t.ended = append(t.ended, s)
	}
	t.mu.Unlock()
	if ok {
		t.log.Info("session ended", "session_id", s.ID, "equipment_id", equipmentID,
			"messages", s.MessageCount(), "errors", s.ErrorCount())
	}
	return ok
}

// List returns every session of a site, open ones first, newest first within each group.
func (t *SessionTracker) List(siteID string) []*data.IngestionSession {
	t.mu.RLock()
	var open, ended []*data.IngestionSession
	for _, s := range t.open {
		if s.SiteID == siteID {
			open = append(open, s)
		}
	}
	for _, s := range t.ended {
		if s.SiteID == siteID {
			ended = append(ended, s)
		}
	}
	t.mu.RUnlock()
	byStart := func(ss []*data.IngestionSession) {
		sort.Slice(ss, func(i, j int) bool { return ss[i].StartedAt.After(ss[j].StartedAt) })
	}
	byStart(open)
	byStart(ended)
	return append(open, ended...)
}

// ListStale returns the site's open sessions whose heartbeat is older than threshold.
// threshold <= 0 uses the tracker's configured staleness.
func (t *SessionTracker) ListStale(siteID string, threshold time.Duration) []*data.IngestionSession {
	if threshold <= 0 {
		threshold = t.staleAfter
	}
	now := t.clock.Now()
	var out []*data.IngestionSession
	for _, s := range t.List(siteID) {
		if s.IsStale(now, threshold) {
			out = append(out, s)
		}
	}
	return out
}
