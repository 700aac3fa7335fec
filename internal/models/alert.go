package models

import "time"

type OutcomeStatus uint8

const (
	StatusApplied OutcomeStatus = iota
	StatusSkipped
	StatusFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

const (
	SeverityNone = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Incident is the record of one remediation attempt, reported to the
// notifier and kept in the incident log.
type Incident struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"guild_id"`
	IdentityID string         `json:"actor_id"`
	ArtifactID string         `json:"target_id,omitempty"`
	Category   Category       `json:"-"`
	Kind       string         `json:"category"`
	Module     string         `json:"module"`
	Status     OutcomeStatus  `json:"-"`
	Result     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	Severity   uint8          `json:"severity"`
	Count      int            `json:"count"`
	Limit      int            `json:"limit"`
	Actions    []ActionRecord `json:"actions,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	HandledAt  time.Time      `json:"handled_at"`
}

// Finalize fills the string forms of the enum fields before serialization.
func (i *Incident) Finalize() {
	i.Kind = i.Category.String()
	i.Result = i.Status.String()
}

func (i *Incident) IsCritical() bool {
	return i.Severity >= SeverityCritical
}
