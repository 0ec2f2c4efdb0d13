package data

import (
	"errors"
	"math"
	"testing"
	"time"

	"harvestry-telemetry/internal/apperr"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func TestNewSensorStream(t *testing.T) {
	s, err := NewSensorStream(StreamParams{SiteID: "site", EquipmentID: "eq", DisplayName: "  Room 1 temp "}, t0)
	if err != nil {
		t.Fatalf("NewSensorStream: %v", err)
	}
	if s.ID == "" || s.Type != StreamGeneric || !s.Active || s.DisplayName != "Room 1 temp" {
		t.Fatalf("stream = %+v", s)
	}

	bad := []StreamParams{
		{EquipmentID: "eq", DisplayName: "x"},
		{SiteID: "site", DisplayName: "x"},
		{SiteID: "site", EquipmentID: "eq", DisplayName: " "},
		{SiteID: "site", EquipmentID: "eq", DisplayName: "x", ValidMin: f(10), ValidMax: f(10)},
	}
	for i, p := range bad {
		if _, err := NewSensorStream(p, t0); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
}

func TestSensorStreamMutators(t *testing.T) {
	s, _ := NewSensorStream(StreamParams{SiteID: "site", EquipmentID: "eq", DisplayName: "a"}, t0)
	later := t0.Add(time.Hour)
	if err := s.Rename("", later); err == nil {
		t.Fatalf("empty rename accepted")
	}
	if s.DisplayName != "a" {
		t.Fatalf("failed rename changed name to %q", s.DisplayName)
	}
	if err := s.Rename("b", later); err != nil || s.DisplayName != "b" || !s.UpdatedAt.Equal(later) {
		t.Fatalf("rename: %v %+v", err, s)
	}
	s.Relocate("loc", "room", "zone", later)
	s.Deactivate(later)
	if s.Active || s.RoomID != "room" {
		t.Fatalf("stream = %+v", s)
	}
}

func TestInRange(t *testing.T) {
	s := &SensorStream{ValidMin: f(0), ValidMax: f(50)}
	for v, want := range map[float64]bool{-0.1: false, 0: true, 25: true, 50: true, 50.1: false} {
		if got := s.InRange(v); got != want {
			t.Errorf("InRange(%v) = %v", v, got)
		}
	}
	if !(&SensorStream{}).InRange(1e9) {
		t.Fatalf("unbounded stream should accept any value")
	}
}

func TestReadingKeyIgnoresLocation(t *testing.T) {
	loc := time.FixedZone("X", 3600)
	a := NewReadingKey("s", t0)
	b := NewReadingKey("s", t0.In(loc))
	if a != b {
		t.Fatalf("keys differ: %v vs %v", a, b)
	}
	if a.StreamID() != "s" || !a.Time().Equal(t0) {
		t.Fatalf("key = %v", a)
	}
	if NewReadingKey("s", t0.Add(time.Nanosecond)) == a {
		t.Fatalf("different instants share a key")
	}
}

func TestFiniteAndGoodOnly(t *testing.T) {
	if (ReadingInput{Value: math.NaN()}).Finite() || (ReadingInput{Value: math.Inf(-1)}).Finite() {
		t.Fatalf("non-finite reported finite")
	}
	rs := []SensorReading{{Value: 1, Quality: QualityGood}, {Value: 2, Quality: QualityBadOutOfRange}, {Value: 3, Quality: QualityGood}}
	good := GoodOnly(rs)
	if len(good) != 2 || good[1].Value != 3 {
		t.Fatalf("GoodOnly = %+v", good)
	}
}
