package decision

import (
	"context"
	"fmt"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
)

// QuarantineManager strips a member down to the roles the engine cannot or
// must not take away: the everyone role, integration managed roles, and roles
// above the engine in the hierarchy.
type QuarantineManager struct {
	members platform.MemberAPI
}

func NewQuarantineManager(members platform.MemberAPI) *QuarantineManager {
	return &QuarantineManager{members: members}
}

// StripRoles returns the ids it removed.
func (qm *QuarantineManager) StripRoles(ctx context.Context, tenantID, userID, reason string) ([]string, error) {
	member, err := qm.members.Member(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch member %s: %w", userID, err)
	}

	keep := make([]string, 0, len(member.Roles))
	var removed []string
	for _, role := range member.Roles {
		if qm.mustKeep(ctx, tenantID, role) {
			keep = append(keep, role.RoleID)
			continue
		}
		removed = append(removed, role.RoleID)
	}
	if len(removed) == 0 {
		logging.Debug("[REMEDIATION] Member %s in guild %s holds no removable role", userID, tenantID)
		return nil, nil
	}

	if err := qm.members.SetMemberRoles(ctx, tenantID, userID, keep, reason); err != nil {
		return nil, fmt.Errorf("failed to strip roles of %s: %w", userID, err)
	}
	logging.Info("[REMEDIATION] Removed %d roles from %s in guild %s", len(removed), userID, tenantID)
	return removed, nil
}

func (qm *QuarantineManager) mustKeep(ctx context.Context, tenantID string, role models.RoleSnapshot) bool {
	if role.RoleID == tenantID || role.Managed {
		return true
	}
	return !qm.members.CanManageRole(ctx, tenantID, role.RoleID)
}
