// internal/alerting/instance.go
package alerting

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/rules"
)

// AlertInstance is one firing of a rule for one stream.
// Active until ClearedAt is set; acknowledgment is an independent, set-once flag.
type AlertInstance struct {
	id             string
	siteID         string
	ruleID         string
	ruleName       string
	streamID       string
	firedAt        time.Time
	clearedAt      *time.Time
	severity       rules.Severity
	currentValue   float64
	thresholdValue float64
	message        string
	acknowledgedAt *time.Time
	acknowledgedBy string
	ackNotes       string
	updatedAt      time.Time
	metadata       map[string]string
}

// Fire creates a new active instance from a passing evaluation.
func Fire(rule *rules.AlertRule, streamID string, res rules.Result, now time.Time) (*AlertInstance, error) {
	if rule == nil {
		return nil, apperr.InvalidOperation("fire: rule is required")
	}
	if strings.TrimSpace(streamID) == "" {
		return nil, apperr.InvalidOperation("fire: stream id is required")
	}
	if !res.Passed() {
		return nil, apperr.InvalidOperation("fire: evaluation outcome is %s, not pass", res.Outcome)
	}
	return &AlertInstance{
		id:             uuid.NewString(),
		siteID:         rule.SiteID(),
		ruleID:         rule.ID(),
		ruleName:       rule.Name(),
		streamID:       streamID,
		firedAt:        now,
		severity:       rule.Severity(),
		currentValue:   res.Value,
		thresholdValue: res.Threshold,
		message:        res.Message,
		updatedAt:      now,
		metadata: map[string]string{
			"rule_type":    string(rule.Type()),
			"sample_count": itoa(res.SampleCount),
		},
	}, nil
}

// Refresh records the latest values of a sustained violation on the still-active instance.
func (a *AlertInstance) Refresh(res rules.Result, now time.Time) error {
	if !a.IsActive() {
		return apperr.InvalidOperation("alert %s is cleared and cannot be refreshed", a.id)
	}
	a.currentValue = res.Value
	a.thresholdValue = res.Threshold
	if res.Message != "" {
		a.message = res.Message
	}
	a.metadata["sample_count"] = itoa(res.SampleCount)
	a.updatedAt = now
	return nil
}

// Clear ends the alert. Clearing twice is an invalid operation.
func (a *AlertInstance) Clear(now time.Time) error {
	if !a.IsActive() {
		return apperr.InvalidOperation("alert %s is already cleared", a.id)
	}
	at := now
	a.clearedAt = &at
	a.updatedAt = now
	return nil
}

// Acknowledge marks the alert as seen. It does not clear it and may be done only once.
func (a *AlertInstance) Acknowledge(userID, notes string, now time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.Validation("acknowledge: user id is required")
	}
	if a.IsAcknowledged() {
		return apperr.InvalidOperation("alert %s is already acknowledged", a.id)
	}
	at := now
	a.acknowledgedAt = &at
	a.acknowledgedBy = userID
	a.ackNotes = notes
	a.updatedAt = now
	return nil
}

func (a *AlertInstance) IsActive() bool { return a.clearedAt == nil }
func (a *AlertInstance) IsAcknowledged() bool { return a.acknowledgedAt != nil }

// Duration is cleared-at minus fired-at, or ref minus fired-at while still active.
func (a *AlertInstance) Duration(ref time.Time) time.Duration {
	if a.clearedAt != nil {
		return a.clearedAt.Sub(a.firedAt)
	}
	return ref.Sub(a.firedAt)
}

func (a *AlertInstance) ID() string { return a.id }
func (a *AlertInstance) SiteID() string { return a.siteID }
func (a *AlertInstance) RuleID() string { return a.ruleID }
func (a *AlertInstance) StreamID() string { return a.streamID }
func (a *AlertInstance) FiredAt() time.Time { return a.firedAt }
func (a *AlertInstance) Severity() rules.Severity { return a.severity }
func (a *AlertInstance) CurrentValue() float64 { return a.currentValue }
func (a *AlertInstance) ThresholdValue() float64 { return a.thresholdValue }
func (a *AlertInstance) Message() string { return a.message }
func (a *AlertInstance) AcknowledgedBy() string { return a.acknowledgedBy }

func (a *AlertInstance) ClearedAt() (time.Time, bool) {
	if a.clearedAt == nil {
		return time.Time{}, false
	}
	return *a.clearedAt, true
}

func (a *AlertInstance) Clone() *AlertInstance {
	c := *a
	if a.clearedAt != nil {
		t := *a.clearedAt
		c.clearedAt = &t
	}
	if a.acknowledgedAt != nil {
		t := *a.acknowledgedAt
		c.acknowledgedAt = &t
	}
	c.metadata = make(map[string]string, len(a.metadata))
	for k, v := range a.metadata {
		c.metadata[k] = v
	}
	return &c
}

// InstanceView is the serialisable form of an alert instance.
type InstanceView struct {
	ID               string            `json:"id"`
	SiteID           string            `json:"site_id"`
	RuleID           string            `json:"rule_id"`
	RuleName         string            `json:"rule_name"`
	StreamID         string            `json:"stream_id"`
	FiredAt          time.Time         `json:"fired_at"`
	ClearedAt        *time.Time        `json:"cleared_at,omitempty"`
	Active           bool              `json:"active"`
	Severity         rules.Severity    `json:"severity"`
	CurrentValue     float64           `json:"current_value"`
	ThresholdValue   float64           `json:"threshold_value"`
	Message          string            `json:"message"`
	AcknowledgedAt   *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy   string            `json:"acknowledged_by,omitempty"`
	AcknowledgeNotes string            `json:"acknowledge_notes,omitempty"`
	DurationSeconds  float64           `json:"duration_seconds"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (a *AlertInstance) View(now time.Time) InstanceView {
	c := a.Clone()
	return InstanceView{
		ID:               c.id,
		SiteID:           c.siteID,
		RuleID:           c.ruleID,
		RuleName:         c.ruleName,
		StreamID:         c.streamID,
		FiredAt:          c.firedAt,
		ClearedAt:        c.clearedAt,
		Active:           c.IsActive(),
		Severity:         c.severity,
		CurrentValue:     c.currentValue,
		ThresholdValue:   c.thresholdValue,
		Message:          c.message,
		AcknowledgedAt:   c.acknowledgedAt,
		AcknowledgedBy:   c.acknowledgedBy,
		AcknowledgeNotes: c.ackNotes,
		DurationSeconds:  c.Duration(now).Seconds(),
		Metadata:         c.metadata,
	}
}

func itoa(n int) string { return strconv.Itoa(n) }
