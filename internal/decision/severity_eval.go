package decision

import "github.com/pierrebglinux/dscprotect/internal/models"

type SeverityLevel uint8

const (
	SeverityNone SeverityLevel = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// EvaluateSeverity ranks an incident for notification. Destructive bursts and
// escalations onto the everyone role rank highest.
func EvaluateSeverity(req Request, status models.OutcomeStatus) uint8 {
	score := uint32(10)

	switch {
	case req.Category.IsNuke():
		score += 90
	case req.StripMask != 0:
		score += 90
	case req.Category == models.CategoryRolePermissionsChanged,
		req.Category == models.CategoryChannelOverwriteChanged,
		req.Category == models.CategoryMemberRolesChanged,
		req.Category == models.CategoryBotAdded:
		score += 60
	case req.Category == models.CategoryChannelCreated,
		req.Category == models.CategoryRoleCreated,
		req.Category == models.CategoryWebhookCreated,
		req.Category == models.CategoryMemberJoined,
		req.Category == models.CategoryVoiceJoined:
		score += 40
	default:
		score += 20
	}

	if status == models.StatusFailed {
		score += 30
	}
	if req.Verdict != nil && req.Verdict.Limit > 0 && req.Verdict.Count >= 2*req.Verdict.Limit+1 {
		score += 10
	}
	return ScoreToSeverity(score)
}

func ScoreToSeverity(score uint32) uint8 {
	switch {
	case score >= 100:
		return uint8(SeverityCritical)
	case score >= 60:
		return uint8(SeverityHigh)
	case score >= 30:
		return uint8(SeverityMedium)
	case score >= 10:
		return uint8(SeverityLow)
	default:
		return uint8(SeverityNone)
	}
}

func (s SeverityLevel) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}
