// internal/ingest/pipeline.go
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
)

const DefaultMaxBatchSize = 1000

// StreamLookup resolves stream configuration. Get returns (nil, nil) for unknown ids.
type StreamLookup interface {
	Get(ctx context.Context, id string) (*data.SensorStream, error)
	ListByEquipment(ctx context.Context, equipmentID string) ([]*data.SensorStream, error)
}

// ReadingAppender persists readings. Duplicates are reported with apperr.ErrDuplicate.
type ReadingAppender interface {
	Append(ctx context.Context, r data.SensorReading) error
}

type ErrorRecorder interface {
	Append(ctx context.Context, e data.IngestionError) error
}

// ReadingSink mirrors accepted readings to an external read store.
type ReadingSink interface {
	WriteReadings(ctx context.Context, readings []data.SensorReading) error
}

// Hook runs after a call persisted at least one reading.
type Hook func(ctx context.Context, siteID string, accepted []data.SensorReading)

// Metrics receives per-reading outcomes.
type Metrics interface {
	ReadingAccepted(q data.QualityCode)
	ReadingRejected(reason data.ErrorType)
}

// Rejection explains why one candidate was not stored.
type Rejection struct {
	Index     int            `json:"index"`
	StreamID  string         `json:"stream_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Reason    data.ErrorType `json:"reason"`
	Message   string         `json:"message"`
}

// Result is the outcome of one ingestion call.
type Result struct {
	SiteID     string                   `json:"site_id"`
	SessionID  string                   `json:"session_id,omitempty"`
	Accepted   int                      `json:"accepted"`
	Rejected   int                      `json:"rejected"`
	Quality    map[data.QualityCode]int `json:"quality,omitempty"`
	Rejections []Rejection              `json:"rejections,omitempty"`

	readings []data.SensorReading
}

// Readings returns the readings this call persisted.
func (r *Result) Readings() []data.SensorReading { return r.readings }

type Config struct {
	FutureTolerance  time.Duration
	StaleSourceAfter time.Duration
	MaxBatchSize     int
}

// Pipeline classifies and persists candidate readings.
type Pipeline struct {
	streams    StreamLookup
	readings   ReadingAppender
	errs       ErrorRecorder
	sessions   *SessionTracker
	classifier Classifier
	maxBatch   int
	clock      clock.Clock
	log        *slog.Logger

	mirror  ReadingSink
	metrics Metrics
	hooks   []Hook
}

func NewPipeline(streams StreamLookup, readings ReadingAppender, errs ErrorRecorder, sessions *SessionTracker, clk clock.Clock, logger *slog.Logger, cfg Config) *Pipeline {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	return &Pipeline{
		streams:    streams,
		readings:   readings,
		errs:       errs,
		sessions:   sessions,
		classifier: NewClassifier(cfg.FutureTolerance, cfg.StaleSourceAfter),
		maxBatch:   cfg.MaxBatchSize,
		clock:      clk,
		log:        logger.With("component", "ingest"),
	}
}

func (p *Pipeline) SetMirror(s ReadingSink) { p.mirror = s }

func (p *Pipeline) SetMetrics(m Metrics) { p.metrics = m }

// OnIngested registers a hook run after readings are persisted.
func (p *Pipeline) OnIngested(h Hook) { p.hooks = append(p.hooks, h) }

// origin describes where a call came from; empty for plain batch calls.
type origin struct {
	equipmentID string
	session     *data.IngestionSession
	protocol    data.Protocol
	raw         string
}

// IngestBatch classifies and stores a site's candidate readings.
func (p *Pipeline) IngestBatch(ctx context.Context, siteID string, inputs []data.ReadingInput) (*Result, error) {
	if strings.TrimSpace(siteID) == "" {
		return nil, apperr.Validation("batch: site id is required")
	}
	if err := p.checkSize(len(inputs)); err != nil {
		return nil, err
	}
	return p.ingest(ctx, siteID, inputs, origin{protocol: data.ProtocolHTTP})
}

// IngestDevice handles one device push: resolve the site from the equipment registry,
// parse, classify, store and account the message on the device's session.
// A payload site_id that disagrees with the registry rejects the whole push.
func (p *Pipeline) IngestDevice(ctx context.Context, equipmentID string, protocol data.Protocol, raw []byte) (*Result, error) {
	if strings.TrimSpace(equipmentID) == "" {
		return nil, apperr.Validation("device: equipment id is required")
	}
	now := p.clock.Now()

	siteID, err := p.siteOf(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	if siteID == "" {
		return nil, apperr.Validation("device %s: equipment is not registered", equipmentID)
	}

	payload, parseErr := data.Parse(raw)
	session := p.sessions.Touch(siteID, equipmentID, protocol)
	o := origin{equipmentID: equipmentID, session: session, protocol: protocol, raw: string(raw)}
	if parseErr != nil {
		session.RecordError(now)
		if err := p.record(ctx, siteID, o, "", data.ErrTypeParse, parseErr.Error(), now); err != nil {
			return nil, err
		}
		p.rejected(data.ErrTypeParse)
		return nil, parseErr
	}
	if payload.SiteID != "" && payload.SiteID != siteID {
		session.RecordError(now)
		msg := fmt.Sprintf("payload names site %s but equipment %s belongs to site %s", payload.SiteID, equipmentID, siteID)
		if err := p.record(ctx, siteID, o, "", data.ErrTypeWrongSite, msg, now); err != nil {
			return nil, err
		}
		p.rejected(data.ErrTypeWrongSite)
		return nil, apperr.Validation("device %s: %s", equipmentID, msg)
	}
	if err := p.checkSize(len(payload.Readings)); err != nil {
		session.RecordError(now)
		return nil, err
	}

	res, err := p.ingest(ctx, siteID, payload.Readings, o)
	if err != nil {
		session.RecordError(now)
		return nil, err
	}
	res.SessionID = session.ID
	if res.Accepted > 0 {
		session.RecordMessage(now)
	} else {
		session.RecordError(now)
	}
	return res, nil
}

func (p *Pipeline) checkSize(n int) error {
	if n == 0 {
		return apperr.Validation("batch: at least one reading is required")
	}
	if n > p.maxBatch {
		return apperr.Validation("batch: %d readings exceeds the limit of %d", n, p.maxBatch)
	}
	return nil
}

func (p *Pipeline) siteOf(ctx context.Context, equipmentID string) (string, error) {
	streams, err := p.streams.ListByEquipment(ctx, equipmentID)
	if err != nil {
		return "", fmt.Errorf("resolve equipment %s: %w", equipmentID, err)
	}
	if len(streams) == 0 {
		return "", nil
	}
	return streams[0].SiteID, nil
}

func (p *Pipeline) ingest(ctx context.Context, siteID string, inputs []data.ReadingInput, o origin) (*Result, error) {
	now := p.clock.Now()
	res := &Result{SiteID: siteID, Quality: make(map[data.QualityCode]int)}

	reject := func(i int, in data.ReadingInput, reason data.ErrorType, msg string) error {
		res.Rejected++
		res.Rejections = append(res.Rejections, Rejection{
			Index: i, StreamID: in.StreamID, MessageID: in.MessageID, Reason: reason, Message: msg,
		})
		p.rejected(reason)
		return p.record(ctx, siteID, o, in.StreamID, reason, msg, now)
	}

	for i, in := range inputs {
		if strings.TrimSpace(in.StreamID) == "" {
			if err := reject(i, in, data.ErrTypeMissingStream, "stream id is required"); err != nil {
				return nil, err
			}
			continue
		}
		stream, err := p.streams.Get(ctx, in.StreamID)
		if err != nil {
			return nil, fmt.Errorf("lookup stream %s: %w", in.StreamID, err)
		}
		reason, msg := p.admit(stream, siteID, in, o)
		if reason != "" {
			if err := reject(i, in, reason, msg); err != nil {
				return nil, err
			}
			continue
		}

		q := p.classifier.Classify(in, stream, now)
		if !q.Storable() {
			if err := reject(i, in, data.ErrTypeMalformedValue, fmt.Sprintf("value %v is not a finite number", in.Value)); err != nil {
				return nil, err
			}
			continue
		}

		r := data.SensorReading{
			Time:       now,
			StreamID:   stream.ID,
			SiteID:     siteID,
			Value:      in.Value,
			Quality:    q,
			IngestedAt: now,
			MessageID:  in.MessageID,
			Metadata:   in.Metadata,
		}
		if in.SourceTime != nil {
			st := in.SourceTime.UTC()
			r.SourceTime = &st
			r.Time = st
		}
		if err := p.readings.Append(ctx, r); err != nil {
			if errors.Is(err, apperr.ErrDuplicate) {
				if err := reject(i, in, data.ErrTypeDuplicate, err.Error()); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("append reading for %s: %w", in.StreamID, err)
		}
		res.Accepted++
		res.Quality[q]++
		res.readings = append(res.readings, r)
		if p.metrics != nil {
			p.metrics.ReadingAccepted(q)
		}
		if q != data.QualityGood {
			p.log.Debug("reading stored with degraded quality", "stream_id", r.StreamID, "quality", q, "time", r.Time)
		}
	}

	p.log.Debug("ingested", "site_id", siteID, "equipment_id", o.equipmentID,
		"accepted", res.Accepted, "rejected", res.Rejected)
	if len(res.readings) > 0 {
		p.afterPersist(ctx, siteID, res.readings)
	}
	return res, nil
}

// admit checks that a stream may receive the candidate. Returns an empty reason when it may.
func (p *Pipeline) admit(stream *data.SensorStream, siteID string, in data.ReadingInput, o origin) (data.ErrorType, string) {
	switch {
	case stream == nil:
		return data.ErrTypeUnknownStream, fmt.Sprintf("stream %s is not registered", in.StreamID)
	case stream.SiteID != siteID:
		return data.ErrTypeWrongSite, fmt.Sprintf("stream %s does not belong to site %s", in.StreamID, siteID)
	case o.equipmentID != "" && stream.EquipmentID != o.equipmentID:
		return data.ErrTypeWrongEquipment, fmt.Sprintf("stream %s is not owned by equipment %s", in.StreamID, o.equipmentID)
	case !stream.Active:
		return data.ErrTypeInactiveStream, fmt.Sprintf("stream %s is inactive", in.StreamID)
	}
	return "", ""
}

func (p *Pipeline) afterPersist(ctx context.Context, siteID string, accepted []data.SensorReading) {
	if p.mirror != nil {
		if err := p.mirror.WriteReadings(ctx, accepted); err != nil {
			p.log.Warn("reading mirror failed", "site_id", siteID, "count", len(accepted), "err", err)
		}
	}
	for _, h := range p.hooks {
		h(ctx, siteID, accepted)
	}
}

func (p *Pipeline) record(ctx context.Context, siteID string, o origin, streamID string, t data.ErrorType, msg string, now time.Time) error {
	e := data.IngestionError{
		ID:          uuid.NewString(),
		SiteID:      siteID,
		EquipmentID: o.equipmentID,
		StreamID:    streamID,
		Protocol:    o.protocol,
		Type:        t,
		Message:     msg,
		RawPayload:  o.raw,
		OccurredAt:  now,
	}
	if o.session != nil {
		e.SessionID = o.session.ID
	}
	if err := p.errs.Append(ctx, e); err != nil {
		return fmt.Errorf("record ingestion error: %w", err)
	}
	return nil
}

func (p *Pipeline) rejected(t data.ErrorType) {
	if p.metrics != nil {
		p.metrics.ReadingRejected(t)
	}
}

// StreamIDs returns the distinct stream ids of readings in first-seen order.
func StreamIDs(readings []data.SensorReading) []string {
	seen := make(map[string]struct{}, len(readings))
	var out []string
	for _, r := range readings {
		if _, ok := seen[r.StreamID]; ok {
			continue
		}
		seen[r.StreamID] = struct{}{}
		out = append(out, r.StreamID)
	}
	return out
}
