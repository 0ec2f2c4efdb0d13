// internal/storage/rules.go
package storage

import (
	"context"
	"sort"
	"sync"

	"harvestry-telemetry/internal/rules"
)

// RuleStore holds alert rules. Rules are soft-deactivated, never deleted.
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]*rules.AlertRule
}

func NewRuleStore() *RuleStore {
	return &RuleStore{rules: make(map[string]*rules.AlertRule)}
}

func (s *RuleStore) Save(_ context.Context, r *rules.AlertRule) error {
	s.mu.Lock()
	s.rules[r.ID()] = r.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns the rule, or nil when it is unknown or belongs to another site.
func (s *RuleStore) Get(_ context.Context, siteID, ruleID string) (*rules.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleID]
	if !ok || r.SiteID() != siteID {
		return nil, nil
	}
	return r.Clone(), nil
}

func (s *RuleStore) List(_ context.Context, siteID string, activeOnly bool) ([]*rules.AlertRule, error) {
	return s.filter(func(r *rules.AlertRule) bool {
		return r.SiteID() == siteID && (!activeOnly || r.Active())
	}), nil
}

// ListActiveRules returns active rules across all sites.
func (s *RuleStore) ListActiveRules(_ context.Context) ([]*rules.AlertRule, error) {
	return s.filter(func(r *rules.AlertRule) bool { return r.Active() }), nil
}

// ListActiveRulesForStreams returns the site's active rules bound to any of streamIDs.
func (s *RuleStore) ListActiveRulesForStreams(_ context.Context, siteID string, streamIDs []string) ([]*rules.AlertRule, error) {
	return s.filter(func(r *rules.AlertRule) bool {
		if !r.Active() || r.SiteID() != siteID {
			return false
		}
		for _, id := range streamIDs {
			if r.BindsStream(id) {
				return true
			}
		}
		return false
	}), nil
}

func (s *RuleStore) filter(keep func(*rules.AlertRule) bool) []*rules.AlertRule {
	s.mu.RLock()
	out := make([]*rules.AlertRule, 0)
	for _, r := range s.rules {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}
