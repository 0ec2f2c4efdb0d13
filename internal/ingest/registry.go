// internal/ingest/registry.go
package ingest

import (
	"context"
	"log/slog"
	"time"

	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
)

// StreamRepository persists sensor stream configuration.
type StreamRepository interface {
	StreamLookup
	Save(ctx context.Context, s *data.SensorStream) error
	ListBySite(ctx context.Context, siteID string) ([]*data.SensorStream, error)
}

// Registry is the sensor stream configuration service.
type Registry struct {
	repo  StreamRepository
	clock clock.Clock
	log   *slog.Logger
}

func NewRegistry(repo StreamRepository, clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{repo: repo, clock: clk, log: logger.With("component", "streams")}
}

func (r *Registry) Register(ctx context.Context, p data.StreamParams) (*data.SensorStream, error) {
	s, err := data.NewSensorStream(p, r.clock.Now())
	if err != nil {
		return nil, err
	}
	if p.ID != "" {
		existing, err := r.repo.Get(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, apperr.InvalidOperation("stream %s already exists", p.ID)
		}
	}
	if err := r.repo.Save(ctx, s); err != nil {
		return nil, err
	}
	r.log.Info("stream registered", "stream_id", s.ID, "site_id", s.SiteID, "equipment_id", s.EquipmentID, "type", s.Type)
	return s, nil
}

// Get returns the site's stream or nil when it is unknown there.
func (r *Registry) Get(ctx context.Context, siteID, streamID string) (*data.SensorStream, error) {
	s, err := r.repo.Get(ctx, streamID)
	if err != nil || s == nil || s.SiteID != siteID {
		return nil, err
	}
	return s, nil
}

func (r *Registry) ListBySite(ctx context.Context, siteID string) ([]*data.SensorStream, error) {
	return r.repo.ListBySite(ctx, siteID)
}

func (r *Registry) ListByEquipment(ctx context.Context, equipmentID string) ([]*data.SensorStream, error) {
	return r.repo.ListByEquipment(ctx, equipmentID)
}

func (r *Registry) UpdateDisplayName(ctx context.Context, siteID, streamID, name string) (*data.SensorStream, error) {
	return r.mutate(ctx, siteID, streamID, func(s *data.SensorStream, now time.Time) error {
		return s.Rename(name, now)
	})
}

func (r *Registry) UpdateLocation(ctx context.Context, siteID, streamID, locationID, roomID, zoneID string) (*data.SensorStream, error) {
	return r.mutate(ctx, siteID, streamID, func(s *data.SensorStream, now time.Time) error {
		s.Relocate(locationID, roomID, zoneID, now)
		return nil
	})
}

func (r *Registry) Activate(ctx context.Context, siteID, streamID string) (*data.SensorStream, error) {
	return r.mutate(ctx, siteID, streamID, func(s *data.SensorStream, now time.Time) error {
		s.Activate(now)
		return nil
	})
}

func (r *Registry) Deactivate(ctx context.Context, siteID, streamID string) (*data.SensorStream, error) {
	return r.mutate(ctx, siteID, streamID, func(s *data.SensorStream, now time.Time) error {
		s.Deactivate(now)
		return nil
	})
}

func (r *Registry) mutate(ctx context.Context, siteID, streamID string, fn func(*data.SensorStream, time.Time) error) (*data.SensorStream, error) {
	s, err := r.Get(ctx, siteID, streamID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.NotFound("stream %s in site %s", streamID, siteID)
	}
	if err := fn(s, r.clock.Now()); err != nil {
		return nil, err
	}
	if err := r.repo.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
