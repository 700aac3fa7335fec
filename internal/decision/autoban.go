package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

const defaultTimeout = 5 * time.Minute

// AutoBanManager applies the configured member sanction after checking the
// engine outranks the member.
type AutoBanManager struct {
	members    platform.MemberAPI
	quarantine *QuarantineManager
	clock      util.Clock
}

func NewAutoBanManager(members platform.MemberAPI, clock util.Clock) *AutoBanManager {
	if clock == nil {
		clock = util.RealClock()
	}
	return &AutoBanManager{
		members:    members,
		quarantine: NewQuarantineManager(members),
		clock:      clock,
	}
}

// IsMemberAction reports whether action targets a member.
func IsMemberAction(action config.Action) bool {
	switch action {
	case config.ActionRemoveRoles, config.ActionTimeout, config.ActionKick,
		config.ActionBan, config.ActionDisconnect:
		return true
	}
	return false
}

// Punish applies action to userID. It returns ErrHierarchy, without calling
// the platform, when the member outranks the engine.
func (abm *AutoBanManager) Punish(ctx context.Context, tenantID, userID string, action config.Action, d time.Duration, reason string) ([]models.ActionRecord, error) {
	if !IsMemberAction(action) {
		return nil, nil
	}

	ok, err := abm.members.Moderatable(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check hierarchy of %s: %w", userID, err)
	}
	if !ok {
		return nil, fmt.Errorf("member %s outranks the engine: %w", userID, models.ErrHierarchy)
	}

	switch action {
	case config.ActionRemoveRoles:
		_, err = abm.quarantine.StripRoles(ctx, tenantID, userID, reason)
		return []models.ActionRecord{models.NewActionRecord(models.ActionTypeStripRoles, userID, err)}, err
	case config.ActionTimeout:
		if d <= 0 {
			d = defaultTimeout
		}
		err = abm.members.TimeoutMember(ctx, tenantID, userID, abm.clock.Now().Add(d), reason)
		return []models.ActionRecord{models.NewActionRecord(models.ActionTypeTimeout, userID, err)}, err
	case config.ActionKick:
		err = abm.members.KickMember(ctx, tenantID, userID, reason)
		return []models.ActionRecord{models.NewActionRecord(models.ActionTypeKick, userID, err)}, err
	case config.ActionBan:
		err = abm.members.BanMember(ctx, tenantID, userID, reason)
		return []models.ActionRecord{models.NewActionRecord(models.ActionTypeBan, userID, err)}, err
	case config.ActionDisconnect:
		err = abm.members.DisconnectMember(ctx, tenantID, userID, reason)
		return []models.ActionRecord{models.NewActionRecord(models.ActionTypeDisconnect, userID, err)}, err
	}
	return nil, nil
}
