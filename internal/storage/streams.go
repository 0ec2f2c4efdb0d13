// internal/storage/streams.go
package storage

import (
	"context"
	"sort"
	"sync"

	"harvestry-telemetry/internal/data"
)

// StreamStore holds sensor stream configuration. Streams are never deleted.
type StreamStore struct {
	mu      sync.RWMutex
	streams map[string]data.SensorStream
}

func NewStreamStore() *StreamStore {
	return &StreamStore{streams: make(map[string]data.SensorStream)}
}

func cloneStream(s data.SensorStream) *data.SensorStream {
	s.Metadata = copyMeta(s.Metadata)
	if s.ValidMin != nil {
		v := *s.ValidMin
		s.ValidMin = &v
	}
	if s.ValidMax != nil {
		v := *s.ValidMax
		s.ValidMax = &v
	}
	return &s
}

// Save inserts or replaces a stream.
func (s *StreamStore) Save(_ context.Context, st *data.SensorStream) error {
	s.mu.Lock()
	s.streams[st.ID] = *cloneStream(*st)
	s.mu.Unlock()
	return nil
}

// Get returns the stream or nil when unknown.
func (s *StreamStore) Get(_ context.Context, id string) (*data.SensorStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	if !ok {
		return nil, nil
	}
	return cloneStream(st), nil
}

func (s *StreamStore) ListBySite(_ context.Context, siteID string) ([]*data.SensorStream, error) {
	return s.filter(func(st data.SensorStream) bool { return st.SiteID == siteID }), nil
}

func (s *StreamStore) ListByEquipment(_ context.Context, equipmentID string) ([]*data.SensorStream, error) {
	return s.filter(func(st data.SensorStream) bool { return st.EquipmentID == equipmentID }), nil
}

func (s *StreamStore) filter(keep func(data.SensorStream) bool) []*data.SensorStream {
	s.mu.RLock()
	out := make([]*data.SensorStream, 0)
	for _, st := range s.streams {
		if keep(st) {
			out = append(out, cloneStream(st))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}
