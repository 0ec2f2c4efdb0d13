// internal/storage/readings.go
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/data"
)

// ReadingStore is an append-only, per-stream sorted time series held in memory.
// Writers on different streams only contend on the shard map lookup.
type ReadingStore struct {
	mu       sync.RWMutex
	shards   map[string]*shard
	capacity int
}

type shard struct {
	mu       sync.RWMutex
	readings []data.SensorReading
	keys     map[data.ReadingKey]struct{}
	messages map[string]struct{}
}

// NewReadingStore keeps at most capacity readings per stream, dropping the oldest.
// capacity <= 0 keeps everything.
func NewReadingStore(capacity int) *ReadingStore {
	return &ReadingStore{shards: make(map[string]*shard), capacity: capacity}
}

func (s *ReadingStore) shard(streamID string, create bool) *shard {
	s.mu.RLock()
	sh, ok := s.shards[streamID]
	s.mu.RUnlock()
	if ok || !create {
		return sh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[streamID]; ok {
		return sh
	}
	sh = &shard{keys: make(map[data.ReadingKey]struct{}), messages: make(map[string]struct{})}
	s.shards[streamID] = sh
	return sh
}

// Append persists r. A second write for the same (time, stream) key or the same
// message id is rejected with apperr.ErrDuplicate and leaves the first write intact.
func (s *ReadingStore) Append(_ context.Context, r data.SensorReading) error {
	if r.StreamID == "" {
		return apperr.Validation("reading: stream id is required")
	}
	sh := s.shard(r.StreamID, true)
	key := r.Key()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, dup := sh.keys[key]; dup {
		return fmt.Errorf("%w: reading %s", apperr.ErrDuplicate, key)
	}
	if r.MessageID != "" {
		if _, dup := sh.messages[r.MessageID]; dup {
			return fmt.Errorf("%w: message %s on stream %s", apperr.ErrDuplicate, r.MessageID, r.StreamID)
		}
	}

	r.Metadata = copyMeta(r.Metadata)
	i := sort.Search(len(sh.readings), func(i int) bool { return sh.readings[i].Time.After(r.Time) })
	sh.readings = append(sh.readings, data.SensorReading{})
	copy(sh.readings[i+1:], sh.readings[i:])
	sh.readings[i] = r
	sh.keys[key] = struct{}{}
	if r.MessageID != "" {
		sh.messages[r.MessageID] = struct{}{}
	}

	if s.capacity > 0 && len(sh.readings) > s.capacity {
		drop := len(sh.readings) - s.capacity
		for _, old := range sh.readings[:drop] {
			delete(sh.keys, old.Key())
			delete(sh.messages, old.MessageID)
		}
		sh.readings = append([]data.SensorReading(nil), sh.readings[drop:]...)
	}
	return nil
}

// Range returns readings with start <= time < end, oldest first. limit <= 0 means all.
func (s *ReadingStore) Range(_ context.Context, streamID string, start, end time.Time, limit int) ([]data.SensorReading, error) {
	sh := s.shard(streamID, false)
	if sh == nil {
		return []data.SensorReading{}, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	lo := sort.Search(len(sh.readings), func(i int) bool { return !sh.readings[i].Time.Before(start) })
	hi := sort.Search(len(sh.readings), func(i int) bool { return !sh.readings[i].Time.Before(end) })
	if hi < lo {
		hi = lo
	}
	if limit > 0 && hi-lo > limit {
		hi = lo + limit
	}
	out := make([]data.SensorReading, hi-lo)
	copy(out, sh.readings[lo:hi])
	return out, nil
}

// Latest returns the newest reading of a stream, or nil if it has none.
func (s *ReadingStore) Latest(_ context.Context, streamID string) (*data.SensorReading, error) {
	sh := s.shard(streamID, false)
	if sh == nil {
		return nil, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if len(sh.readings) == 0 {
		return nil, nil
	}
	r := sh.readings[len(sh.readings)-1]
	return &r, nil
}

// Count returns how many readings a stream holds.
func (s *ReadingStore) Count(streamID string) int {
	sh := s.shard(streamID, false)
	if sh == nil {
		return 0
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.readings)
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
