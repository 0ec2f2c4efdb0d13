// internal/rules/service.go
package rules

import (
	"context"
	"log/slog"
	"time"

	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
)

// Repository persists alert rules. Get returns (nil, nil) for unknown or other-site rules.
type Repository interface {
	Save(ctx context.Context, r *AlertRule) error
	Get(ctx context.Context, siteID, ruleID string) (*AlertRule, error)
	List(ctx context.Context, siteID string, activeOnly bool) ([]*AlertRule, error)
}

// StreamResolver resolves stream configuration. Get returns (nil, nil) for unknown ids.
type StreamResolver interface {
	Get(ctx context.Context, id string) (*data.SensorStream, error)
}

// ChangeHook runs after a rule mutation has been saved.
type ChangeHook func(ctx context.Context, r *AlertRule)

// RuleUpdate replaces a rule's details and, when Threshold is set, its type and threshold.
type RuleUpdate struct {
	Type      RuleType         `json:"rule_type"`
	Threshold *ThresholdConfig `json:"threshold"`
	RuleDetails
}

// Service is the rule configuration use-case layer.
type Service struct {
	repo    Repository
	streams StreamResolver
	clock   clock.Clock
	log     *slog.Logger
	hooks   []ChangeHook
}

func NewService(repo Repository, streams StreamResolver, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{repo: repo, streams: streams, clock: clk, log: logger.With("component", "rules")}
}

// OnChange registers h to run after every successful update, activation or deactivation.
func (s *Service) OnChange(h ChangeHook) { s.hooks = append(s.hooks, h) }

// checkStreams fails with NotFound unless every id names a stream of siteID.
func (s *Service) checkStreams(ctx context.Context, siteID string, ids []string) error {
	for _, id := range ids {
		st, err := s.streams.Get(ctx, id)
		if err != nil {
			return err
		}
		if st == nil || st.SiteID != siteID {
			return apperr.NotFound("stream %s in site %s", id, siteID)
		}
	}
	return nil
}

func (s *Service) Create(ctx context.Context, p RuleParams, actor string) (*AlertRule, error) {
	r, err := NewAlertRule(p, actor, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.checkStreams(ctx, r.SiteID(), r.StreamIDs()); err != nil {
		return nil, err
	}
	if p.ID != "" {
		existing, err := s.repo.Get(ctx, p.SiteID, p.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, apperr.InvalidOperation("rule %s already exists", p.ID)
		}
	}
	if err := s.repo.Save(ctx, r); err != nil {
		return nil, err
	}
	s.log.Info("rule created", "rule_id", r.ID(), "site_id", r.SiteID(), "type", r.Type(), "by", actor)
	return r, nil
}

func (s *Service) Update(ctx context.Context, siteID, ruleID string, u RuleUpdate, actor string) (*AlertRule, error) {
	return s.mutate(ctx, siteID, ruleID, func(r *AlertRule, now time.Time) error {
		if u.Threshold == nil && u.Type != "" && u.Type != r.Type() {
			return apperr.Validation("rule: changing rule type requires a threshold")
		}
		if err := r.UpdateDetails(u.RuleDetails, actor, now); err != nil {
			return err
		}
		if err := s.checkStreams(ctx, siteID, r.StreamIDs()); err != nil {
			return err
		}
		if u.Threshold != nil {
			rt := u.Type
			if rt == "" {
				rt = r.Type()
			}
			return r.UpdateThreshold(rt, *u.Threshold, actor, now)
		}
		return nil
	})
}

func (s *Service) Activate(ctx context.Context, siteID, ruleID, actor string) (*AlertRule, error) {
	return s.mutate(ctx, siteID, ruleID, func(r *AlertRule, now time.Time) error {
		r.Activate(actor, now)
		return nil
	})
}

func (s *Service) Deactivate(ctx context.Context, siteID, ruleID, actor string) (*AlertRule, error) {
	return s.mutate(ctx, siteID, ruleID, func(r *AlertRule, now time.Time) error {
		r.Deactivate(actor, now)
		return nil
	})
}

// Get returns nil when the rule is unknown for the site.
func (s *Service) Get(ctx context.Context, siteID, ruleID string) (*AlertRule, error) {
	return s.repo.Get(ctx, siteID, ruleID)
}

func (s *Service) List(ctx context.Context, siteID string, activeOnly bool) ([]*AlertRule, error) {
	return s.repo.List(ctx, siteID, activeOnly)
}

// mutate applies fn to a working copy so a failed update never reaches the store.
func (s *Service) mutate(ctx context.Context, siteID, ruleID string, fn func(*AlertRule, time.Time) error) (*AlertRule, error) {
	r, err := s.repo.Get(ctx, siteID, ruleID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, apperr.NotFound("rule %s in site %s", ruleID, siteID)
	}
	next := r.Clone()
	if err := fn(next, s.clock.Now()); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, next); err != nil {
		return nil, err
	}
	s.log.Info("rule updated", "rule_id", ruleID, "site_id", siteID, "active", next.Active())
	for _, h := range s.hooks {
		h(ctx, next.Clone())
	}
	return next, nil
}
