package notifier

import (
	"context"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/models"
)

// Notifier delivers remediation outcomes to the tenant. Delivery failures are
// logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, inc models.Incident)
}

// LogNotifier writes incidents to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, inc models.Incident) {
	switch inc.Status {
	case models.StatusFailed:
		logging.Error("[NOTIFY] %s (guild %s, incident %s): %s", moduleTitle(inc.Module), inc.TenantID, inc.ID, inc.Error)
	case models.StatusSkipped:
		logging.Warn("[NOTIFY] %s (guild %s, incident %s): %s", moduleTitle(inc.Module), inc.TenantID, inc.ID, Describe(inc))
	default:
		logging.Info("[NOTIFY] %s (guild %s, incident %s): %s", moduleTitle(inc.Module), inc.TenantID, inc.ID, Describe(inc))
	}
}

// Multi fans an incident out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, inc models.Incident) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, inc)
		}
	}
}
