package ingest_test

import (
	"errors"
	"testing"
	"time"

	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/ingest"
)

func TestRegistryLifecycle(t *testing.T) {
	f := newFixture(t)
	reg := ingest.NewRegistry(f.streams, f.clk, discard())

	s, err := reg.Register(f.ctx, data.StreamParams{ID: "co2-1", SiteID: "site-1", EquipmentID: "eq-3", DisplayName: "CO2", Type: data.StreamCO2, Unit: "ppm"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Register(f.ctx, data.StreamParams{ID: "co2-1", SiteID: "site-1", EquipmentID: "eq-3", DisplayName: "again"}); !errors.Is(err, apperr.ErrInvalidOperation) {
		t.Fatalf("duplicate id: %v", err)
	}
	if _, err := reg.Register(f.ctx, data.StreamParams{SiteID: "site-1", DisplayName: "no equipment"}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("invalid params: %v", err)
	}

	if got, _ := reg.Get(f.ctx, "site-2", s.ID); got != nil {
		t.Fatalf("cross-site get returned stream")
	}

	f.clk.Advance(time.Minute)
	renamed, err := reg.UpdateDisplayName(f.ctx, "site-1", s.ID, "CO2 room A")
	if err != nil || renamed.DisplayName != "CO2 room A" || !renamed.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("rename: %v %+v", err, renamed)
	}
	moved, err := reg.UpdateLocation(f.ctx, "site-1", s.ID, "loc", "room-a", "")
	if err != nil || moved.RoomID != "room-a" {
		t.Fatalf("relocate: %v", err)
	}

	off, err := reg.Deactivate(f.ctx, "site-1", s.ID)
	if err != nil || off.Active {
		t.Fatalf("deactivate: %v", err)
	}
	on, err := reg.Activate(f.ctx, "site-1", s.ID)
	if err != nil || !on.Active {
		t.Fatalf("activate: %v", err)
	}

	if _, err := reg.Deactivate(f.ctx, "site-2", s.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("other site mutation: %v", err)
	}
	if _, err := reg.UpdateDisplayName(f.ctx, "site-1", "nope", "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing stream: %v", err)
	}

	byEq, _ := reg.ListByEquipment(f.ctx, "eq-3")
	bySite, _ := reg.ListBySite(f.ctx, "site-1")
	if len(byEq) != 1 || len(bySite) != 5 {
		t.Fatalf("byEq=%d bySite=%d", len(byEq), len(bySite))
	}
}
