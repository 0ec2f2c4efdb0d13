// internal/storage/alerts.go
package storage

import (
	"context"
	"sort"
	"sync"

	"harvestry-telemetry/internal/alerting"
)

// AlertStore holds alert instances, indexed by (rule, stream) in fire order.
type AlertStore struct {
	mu     sync.RWMutex
	byID   map[string]*alerting.AlertInstance
	byPair map[string][]string
}

func NewAlertStore() *AlertStore {
	return &AlertStore{
		byID:   make(map[string]*alerting.AlertInstance),
		byPair: make(map[string][]string),
	}
}

func pair(ruleID, streamID string) string { return ruleID + "|" + streamID }

func (s *AlertStore) Save(_ context.Context, a *alerting.AlertInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[a.ID()]; !exists {
		k := pair(a.RuleID(), a.StreamID())
		s.byPair[k] = append(s.byPair[k], a.ID())
	}
	s.byID[a.ID()] = a.Clone()
	return nil
}

// Get returns the alert, or nil when it is unknown or belongs to another site.
func (s *AlertStore) Get(_ context.Context, siteID, alertID string) (*alerting.AlertInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[alertID]
	if !ok || a.SiteID() != siteID {
		return nil, nil
	}
	return a.Clone(), nil
}

// LatestFor returns the most recently fired instance of a (rule, stream) pair.
func (s *AlertStore) LatestFor(_ context.Context, ruleID, streamID string) (*alerting.AlertInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byPair[pair(ruleID, streamID)]
	if len(ids) == 0 {
		return nil, nil
	}
	return s.byID[ids[len(ids)-1]].Clone(), nil
}

// ActiveFor returns the uncleared instance of a (rule, stream) pair, if any.
func (s *AlertStore) ActiveFor(ctx context.Context, ruleID, streamID string) (*alerting.AlertInstance, error) {
	a, err := s.LatestFor(ctx, ruleID, streamID)
	if err != nil || a == nil || !a.IsActive() {
		return nil, err
	}
	return a, nil
}

func (s *AlertStore) ListActive(_ context.Context, siteID string) ([]*alerting.AlertInstance, error) {
	return s.filter(func(a *alerting.AlertInstance) bool { return a.SiteID() == siteID && a.IsActive() }), nil
}

func (s *AlertStore) ListByRule(_ context.Context, siteID, ruleID string) ([]*alerting.AlertInstance, error) {
	return s.filter(func(a *alerting.AlertInstance) bool { return a.SiteID() == siteID && a.RuleID() == ruleID }), nil
}

// filter returns matches newest first.
func (s *AlertStore) filter(keep func(*alerting.AlertInstance) bool) []*alerting.AlertInstance {
	s.mu.RLock()
	out := make([]*alerting.AlertInstance, 0)
	for _, a := range s.byID {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FiredAt().Equal(out[j].FiredAt()) {
			return out[i].FiredAt().After(out[j].FiredAt())
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}
