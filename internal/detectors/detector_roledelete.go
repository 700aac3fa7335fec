package detectors

import (
	"time"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/models"
)

// scheduleBackupRemoval drops the backup of a deleted role once the nuke
// window has passed without identity breaching the role deletion limit.
func (e *Engine) scheduleBackupRemoval(ev *models.ChangeEvent, identity string, rule config.Rule, deletedAt time.Time) {
	if e.backups == nil {
		return
	}
	tenantID, roleID := ev.TenantID, ev.ArtifactID
	e.backups.ScheduleRemoval(tenantID, roleID, rule.Window()+time.Second, func() bool {
		if e.nuke.BreachedSince(tenantID, identity, models.CategoryRoleDeleted, deletedAt) {
			logging.Info("[BACKUP] Keeping backup of role %s in guild %s, its deletion was part of an attack", roleID, tenantID)
			return true
		}
		return false
	})
}
