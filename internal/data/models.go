// internal/data/models.go
package data

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"harvestry-telemetry/internal/apperr"
)

// StreamType classifies what a sensor stream measures.
type StreamType string

const (
	StreamTemperature StreamType = "temperature"
	StreamHumidity    StreamType = "humidity"
	StreamCO2         StreamType = "co2"
	StreamVPD         StreamType = "vpd"
	StreamPH          StreamType = "ph"
	StreamEC          StreamType = "ec"
	StreamLight       StreamType = "light"
	StreamFlow        StreamType = "flow"
	StreamPressure    StreamType = "pressure"
	StreamGeneric     StreamType = "generic"
)

// SensorStream is configuration metadata for one measured channel of a piece of equipment.
// Readings and alert rules reference it by ID. Streams are deactivated, never deleted.
type SensorStream struct {
	ID          string            `json:"id"`
	SiteID      string            `json:"site_id"`
	EquipmentID string            `json:"equipment_id"`
	ChannelID   string            `json:"channel_id,omitempty"`
	Type        StreamType        `json:"type"`
	Unit        string            `json:"unit"`
	DisplayName string            `json:"display_name"`
	LocationID  string            `json:"location_id,omitempty"`
	RoomID      string            `json:"room_id,omitempty"`
	ZoneID      string            `json:"zone_id,omitempty"`
	ValidMin    *float64          `json:"valid_min,omitempty"`
	ValidMax    *float64          `json:"valid_max,omitempty"`
	Active      bool              `json:"active"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// StreamParams carries the fields accepted when provisioning a stream.
type StreamParams struct {
	ID          string            `json:"id"`
	SiteID      string            `json:"site_id"`
	EquipmentID string            `json:"equipment_id"`
	ChannelID   string            `json:"channel_id"`
	Type        StreamType        `json:"type"`
	Unit        string            `json:"unit"`
	DisplayName string            `json:"display_name"`
	LocationID  string            `json:"location_id"`
	RoomID      string            `json:"room_id"`
	ZoneID      string            `json:"zone_id"`
	ValidMin    *float64          `json:"valid_min"`
	ValidMax    *float64          `json:"valid_max"`
	Metadata    map[string]string `json:"metadata"`
}

func NewSensorStream(p StreamParams, now time.Time) (*SensorStream, error) {
	if strings.TrimSpace(p.SiteID) == "" {
		return nil, apperr.Validation("stream: site id is required")
	}
	if strings.TrimSpace(p.EquipmentID) == "" {
		return nil, apperr.Validation("stream: equipment id is required")
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return nil, apperr.Validation("stream: display name is required")
	}
	if p.ValidMin != nil && p.ValidMax != nil && *p.ValidMin >= *p.ValidMax {
		return nil, apperr.Validation("stream: valid_min %.4g must be below valid_max %.4g", *p.ValidMin, *p.ValidMax)
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	st := p.Type
	if st == "" {
		st = StreamGeneric
	}
	return &SensorStream{
		ID:          id,
		SiteID:      p.SiteID,
		EquipmentID: p.EquipmentID,
		ChannelID:   p.ChannelID,
		Type:        st,
		Unit:        p.Unit,
		DisplayName: strings.TrimSpace(p.DisplayName),
		LocationID:  p.LocationID,
		RoomID:      p.RoomID,
		ZoneID:      p.ZoneID,
		ValidMin:    p.ValidMin,
		ValidMax:    p.ValidMax,
		Active:      true,
		Metadata:    p.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SensorStream) Rename(name string, now time.Time) error {
	if strings.TrimSpace(name) == "" {
		return apperr.Validation("stream: display name is required")
	}
	s.DisplayName = strings.TrimSpace(name)
	s.UpdatedAt = now
	return nil
}

func (s *SensorStream) Relocate(locationID, roomID, zoneID string, now time.Time) {
	s.LocationID = locationID
	s.RoomID = roomID
	s.ZoneID = zoneID
	s.UpdatedAt = now
}

func (s *SensorStream) Activate(now time.Time) {
	s.Active = true
	s.UpdatedAt = now
}

func (s *SensorStream) Deactivate(now time.Time) {
	s.Active = false
	s.UpdatedAt = now
}

// InRange reports whether v lies inside the stream's configured valid range.
// Streams without bounds accept every finite value.
func (s *SensorStream) InRange(v float64) bool {
	if s.ValidMin != nil && v < *s.ValidMin {
		return false
	}
	if s.ValidMax != nil && v > *s.ValidMax {
		return false
	}
	return true
}

// ReadingKey is the identity of a persisted reading: (time, stream id).
// Times are compared at nanosecond precision regardless of location.
type ReadingKey struct {
	streamID string
	unixNano int64
}

func NewReadingKey(streamID string, at time.Time) ReadingKey {
	return ReadingKey{streamID: streamID, unixNano: at.UnixNano()}
}

func (k ReadingKey) StreamID() string { return k.streamID }
func (k ReadingKey) Time() time.Time { return time.Unix(0, k.unixNano).UTC() }
func (k ReadingKey) String() string {
	return fmt.Sprintf("%s@%s", k.streamID, k.Time().Format(time.RFC3339Nano))
}

// SensorReading is one immutable time-series sample.
type SensorReading struct {
	Time       time.Time         `json:"time"`
	StreamID   string            `json:"stream_id"`
	SiteID     string            `json:"site_id"`
	Value      float64           `json:"value"`
	Quality    QualityCode       `json:"quality"`
	SourceTime *time.Time        `json:"source_time,omitempty"`
	IngestedAt time.Time         `json:"ingested_at"`
	MessageID  string            `json:"message_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (r SensorReading) Key() ReadingKey { return NewReadingKey(r.StreamID, r.Time) }

// ReadingInput is a candidate reading as submitted by a device or batch caller.
type ReadingInput struct {
	StreamID   string            `json:"stream_id"`
	Value      float64           `json:"value"`
	SourceTime *time.Time        `json:"timestamp,omitempty"`
	MessageID  string            `json:"message_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Finite reports whether the candidate value can be stored at all.
func (in ReadingInput) Finite() bool {
	return !math.IsNaN(in.Value) && !math.IsInf(in.Value, 0)
}

// GoodOnly returns the readings classified Good, preserving order.
func GoodOnly(readings []SensorReading) []SensorReading {
	out := make([]SensorReading, 0, len(readings))
	for _, r := range readings {
		if r.Quality.IsGood() {
			out = append(out, r)
		}
	}
	return out
}
