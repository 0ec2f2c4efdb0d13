// internal/data/session.go
package data

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Protocol names the transport a device session arrived on.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolMQTT  Protocol = "mqtt"
	ProtocolKafka Protocol = "kafka"
)

// IngestionSession tracks one equipment connection. Counters and the heartbeat are
// atomics so staleness checks never take a lock on the ingestion path.
type IngestionSession struct {
	ID          string
	SiteID      string
	EquipmentID string
	Protocol    Protocol
	StartedAt   time.Time
	Metadata    map[string]string

	lastHeartbeat atomic.Int64 // unix nanos
	endedAt       atomic.Int64 // unix nanos, 0 while open
	messages      atomic.Int64
	errors        atomic.Int64
}

func NewIngestionSession(siteID, equipmentID string, protocol Protocol, metadata map[string]string, now time.Time) *IngestionSession {
	s := &IngestionSession{
		ID:          uuid.NewString(),
		SiteID:      siteID,
		EquipmentID: equipmentID,
		Protocol:    protocol,
		StartedAt:   now,
		Metadata:    metadata,
	}
	s.lastHeartbeat.Store(now.UnixNano())
	return s
}

func (s *IngestionSession) Heartbeat(now time.Time) {
	s.lastHeartbeat.Store(now.UnixNano())
}

// RecordMessage counts a successfully handled message and refreshes the heartbeat.
func (s *IngestionSession) RecordMessage(now time.Time) {
	s.messages.Add(1)
	s.Heartbeat(now)
}

// RecordError counts a failed message and refreshes the heartbeat; the device is still talking.
func (s *IngestionSession) RecordError(now time.Time) {
	s.errors.Add(1)
	s.Heartbeat(now)
}

// End closes the session. Only the first call takes effect.
func (s *IngestionSession) End(now time.Time) bool {
	return s.endedAt.CompareAndSwap(0, now.UnixNano())
}

func (s *IngestionSession) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load()).UTC()
}

func (s *IngestionSession) EndedAt() (time.Time, bool) {
	n := s.endedAt.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}

func (s *IngestionSession) IsOpen() bool { return s.endedAt.Load() == 0 }

func (s *IngestionSession) MessageCount() int64 { return s.messages.Load() }
func (s *IngestionSession) ErrorCount() int64 { return s.errors.Load() }

// Duration is end minus start, or now minus start while the session is open.
func (s *IngestionSession) Duration(now time.Time) time.Duration {
	if end, ok := s.EndedAt(); ok {
		return end.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Throughput is the average messages per second over the session's duration.
func (s *IngestionSession) Throughput(now time.Time) float64 {
	secs := s.Duration(now).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.MessageCount()) / secs
}

// IsStale reports whether the last heartbeat is older than threshold. Ended sessions are never stale.
func (s *IngestionSession) IsStale(now time.Time, threshold time.Duration) bool {
	if !s.IsOpen() {
		return false
	}
	return now.Sub(s.LastHeartbeat()) > threshold
}

// SessionView is the serialisable snapshot of a session.
type SessionView struct {
	ID            string            `json:"id"`
	SiteID        string            `json:"site_id"`
	EquipmentID   string            `json:"equipment_id"`
	Protocol      Protocol          `json:"protocol"`
	StartedAt     time.Time         `json:"started_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	Messages      int64             `json:"messages"`
	Errors        int64             `json:"errors"`
	DurationSec   float64           `json:"duration_seconds"`
	Throughput    float64           `json:"messages_per_second"`
	Stale         bool              `json:"stale"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (s *IngestionSession) View(now time.Time, staleAfter time.Duration) SessionView {
	v := SessionView{
		ID:            s.ID,
		SiteID:        s.SiteID,
		EquipmentID:   s.EquipmentID,
		Protocol:      s.Protocol,
		StartedAt:     s.StartedAt,
		LastHeartbeat: s.LastHeartbeat(),
		Messages:      s.MessageCount(),
		Errors:        s.ErrorCount(),
		DurationSec:   s.Duration(now).Seconds(),
		Throughput:    s.Throughput(now),
		Stale:         s.IsStale(now, staleAfter),
		Metadata:      s.Metadata,
	}
	if end, ok := s.EndedAt(); ok {
		v.EndedAt = &end
	}
	return v
}

// ErrorType categorises an ingestion rejection.
type ErrorType string

const (
	ErrTypeParse          ErrorType = "parse_error"
	ErrTypeMissingStream  ErrorType = "missing_stream_id"
	ErrTypeUnknownStream  ErrorType = "unknown_stream"
	ErrTypeWrongSite      ErrorType = "wrong_site"
	ErrTypeWrongEquipment ErrorType = "wrong_equipment"
	ErrTypeInactiveStream ErrorType = "inactive_stream"
	ErrTypeMalformedValue ErrorType = "malformed_value"
	ErrTypeDuplicate      ErrorType = "duplicate"
)

// IngestionError is an append-only diagnostic row for a rejected candidate or payload.
type IngestionError struct {
	ID          string    `json:"id"`
	SiteID      string    `json:"site_id"`
	SessionID   string    `json:"session_id,omitempty"`
	EquipmentID string    `json:"equipment_id,omitempty"`
	StreamID    string    `json:"stream_id,omitempty"`
	Protocol    Protocol  `json:"protocol"`
	Type        ErrorType `json:"error_type"`
	Message     string    `json:"message"`
	RawPayload  string    `json:"raw_payload,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
