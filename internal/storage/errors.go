// internal/storage/errors.go
package storage

import (
	"context"
	"sync"

	"harvestry-telemetry/internal/data"
)

// ErrorLog is the append-only ingestion error record.
type ErrorLog struct {
	mu      sync.RWMutex
	entries []data.IngestionError
}

func NewErrorLog() *ErrorLog { return &ErrorLog{} }

func (l *ErrorLog) Append(_ context.Context, e data.IngestionError) error {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return nil
}

// List returns a site's errors, most recent first. limit <= 0 means all.
func (l *ErrorLog) List(_ context.Context, siteID string, limit int) ([]data.IngestionError, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]data.IngestionError, 0)
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].SiteID != siteID {
			continue
		}
		out = append(out, l.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
