// internal/rules/rule.go
package rules

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"harvestry-telemetry/internal/apperr"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// AlertRule is the configured condition evaluated against its bound streams.
// All state changes go through methods that re-validate the aggregate.
type AlertRule struct {
	id          string
	siteID      string
	name        string
	description string
	threshold   Threshold
	streamIDs   []string
	window      time.Duration
	cooldown    time.Duration
	severity    Severity
	active      bool
	channels    []string
	createdAt   time.Time
	createdBy   string
	updatedAt   time.Time
	updatedBy   string
}

// RuleDetails holds the mutable, non-threshold fields of a rule.
type RuleDetails struct {
	Name                    string   `json:"name"`
	Description             string   `json:"description"`
	StreamIDs               []string `json:"stream_ids"`
	EvaluationWindowMinutes int      `json:"evaluation_window_minutes"`
	CooldownMinutes         int      `json:"cooldown_minutes"`
	Severity                Severity `json:"severity"`
	NotificationChannels    []string `json:"notification_channels"`
}

// RuleParams is everything needed to create a rule.
type RuleParams struct {
	ID        string          `json:"id"`
	SiteID    string          `json:"site_id"`
	Type      RuleType        `json:"rule_type"`
	Threshold ThresholdConfig `json:"threshold"`
	RuleDetails
}

func NewAlertRule(p RuleParams, actor string, now time.Time) (*AlertRule, error) {
	if strings.TrimSpace(p.SiteID) == "" {
		return nil, apperr.Validation("rule: site id is required")
	}
	th, err := NewThreshold(p.Type, p.Threshold)
	if err != nil {
		return nil, err
	}
	r := &AlertRule{
		id:        p.ID,
		siteID:    p.SiteID,
		threshold: th,
		active:    true,
		createdAt: now,
		createdBy: actor,
		updatedAt: now,
		updatedBy: actor,
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	if err := r.applyDetails(p.RuleDetails); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *AlertRule) applyDetails(d RuleDetails) error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return apperr.Validation("rule: name is required")
	}
	streams, err := normaliseIDs(d.StreamIDs)
	if err != nil {
		return err
	}
	if d.EvaluationWindowMinutes <= 0 {
		return apperr.Validation("rule: evaluation window must be positive")
	}
	if d.CooldownMinutes <= 0 {
		return apperr.Validation("rule: cooldown must be positive")
	}
	sev := d.Severity
	if sev == "" {
		sev = SeverityWarning
	}
	if !sev.Valid() {
		return apperr.Validation("rule: unknown severity %q", d.Severity)
	}
	channels := make([]string, 0, len(d.NotificationChannels))
	for _, c := range d.NotificationChannels {
		if c = strings.TrimSpace(c); c != "" {
			channels = append(channels, c)
		}
	}
	if len(channels) == 0 {
		return apperr.Validation("rule: at least one notification channel is required")
	}

	r.name = name
	r.description = d.Description
	r.streamIDs = streams
	r.window = time.Duration(d.EvaluationWindowMinutes) * time.Minute
	r.cooldown = time.Duration(d.CooldownMinutes) * time.Minute
	r.severity = sev
	r.channels = channels
	return nil
}

func normaliseIDs(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, apperr.Validation("rule: stream ids must not be blank")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, apperr.Validation("rule: at least one stream id is required")
	}
	return out, nil
}

// UpdateDetails replaces the rule's descriptive and scheduling fields. On error the rule is unchanged.
func (r *AlertRule) UpdateDetails(d RuleDetails, actor string, now time.Time) error {
	next := r.Clone()
	if err := next.applyDetails(d); err != nil {
		return err
	}
	next.touch(actor, now)
	*r = *next
	return nil
}

// UpdateThreshold swaps the rule type and threshold. On error the rule is unchanged.
func (r *AlertRule) UpdateThreshold(rt RuleType, cfg ThresholdConfig, actor string, now time.Time) error {
	th, err := NewThreshold(rt, cfg)
	if err != nil {
		return err
	}
	r.threshold = th
	r.touch(actor, now)
	return nil
}

func (r *AlertRule) Activate(actor string, now time.Time) {
	r.active = true
	r.touch(actor, now)
}

func (r *AlertRule) Deactivate(actor string, now time.Time) {
	r.active = false
	r.touch(actor, now)
}

func (r *AlertRule) touch(actor string, now time.Time) {
	r.updatedAt = now
	r.updatedBy = actor
}

// IsInCooldown reports whether fewer than the rule's cooldown minutes have passed since lastFiredAt.
func (r *AlertRule) IsInCooldown(lastFiredAt, now time.Time) bool {
	if lastFiredAt.IsZero() {
		return false
	}
	return now.Sub(lastFiredAt) < r.cooldown
}

func (r *AlertRule) BindsStream(streamID string) bool {
	for _, id := range r.streamIDs {
		if id == streamID {
			return true
		}
	}
	return false
}

func (r *AlertRule) ID() string { return r.id }
func (r *AlertRule) SiteID() string { return r.siteID }
func (r *AlertRule) Name() string { return r.name }
func (r *AlertRule) Description() string { return r.description }
func (r *AlertRule) Type() RuleType { return r.threshold.Type() }
func (r *AlertRule) Threshold() Threshold { return r.threshold }
func (r *AlertRule) StreamIDs() []string { return append([]string(nil), r.streamIDs...) }
func (r *AlertRule) Window() time.Duration { return r.window }
func (r *AlertRule) Cooldown() time.Duration { return r.cooldown }
func (r *AlertRule) Severity() Severity { return r.severity }
func (r *AlertRule) Active() bool { return r.active }
func (r *AlertRule) NotificationChannels() []string { return append([]string(nil), r.channels...) }
func (r *AlertRule) UpdatedAt() time.Time { return r.updatedAt }

// Clone returns a deep copy safe to hand across goroutines.
func (r *AlertRule) Clone() *AlertRule {
	c := *r
	c.streamIDs = append([]string(nil), r.streamIDs...)
	c.channels = append([]string(nil), r.channels...)
	return &c
}

// RuleView is the serialisable form of a rule.
type RuleView struct {
	ID                      string          `json:"id"`
	SiteID                  string          `json:"site_id"`
	Name                    string          `json:"name"`
	Description             string          `json:"description,omitempty"`
	Type                    RuleType        `json:"rule_type"`
	Threshold               ThresholdConfig `json:"threshold"`
	StreamIDs               []string        `json:"stream_ids"`
	EvaluationWindowMinutes int             `json:"evaluation_window_minutes"`
	CooldownMinutes         int             `json:"cooldown_minutes"`
	Severity                Severity        `json:"severity"`
	Active                  bool            `json:"active"`
	NotificationChannels    []string        `json:"notification_channels"`
	CreatedAt               time.Time       `json:"created_at"`
	CreatedBy               string          `json:"created_by,omitempty"`
	UpdatedAt               time.Time       `json:"updated_at"`
	UpdatedBy               string          `json:"updated_by,omitempty"`
}

func (r *AlertRule) View() RuleView {
	return RuleView{
		ID:                      r.id,
		SiteID:                  r.siteID,
		Name:                    r.name,
		Description:             r.description,
		Type:                    r.threshold.Type(),
		Threshold:               r.threshold.Config(),
		StreamIDs:               r.StreamIDs(),
		EvaluationWindowMinutes: int(r.window / time.Minute),
		CooldownMinutes:         int(r.cooldown / time.Minute),
		Severity:                r.severity,
		Active:                  r.active,
		NotificationChannels:    r.NotificationChannels(),
		CreatedAt:               r.createdAt,
		CreatedBy:               r.createdBy,
		UpdatedAt:               r.updatedAt,
		UpdatedBy:               r.updatedBy,
	}
}
