package models

type ActionType uint8

const (
	ActionTypeStripRoles ActionType = iota
	ActionTypeRemoveRole
	ActionTypeBan
	ActionTypeKick
	ActionTypeTimeout
	ActionTypeDisconnect
	ActionTypeDeleteChannel
	ActionTypeDeleteRole
	ActionTypeDeleteWebhook
	ActionTypeRevertPermissions
	ActionTypeRevertGuild
	ActionTypeRevertVanity
	ActionTypeRevertOnboarding
	ActionTypeRestoreRole
	ActionTypeRecreateChannel
	ActionTypeLock
)

func (t ActionType) String() string {
	switch t {
	case ActionTypeStripRoles:
		return "strip_roles"
	case ActionTypeRemoveRole:
		return "remove_role"
	case ActionTypeBan:
		return "ban"
	case ActionTypeKick:
		return "kick"
	case ActionTypeTimeout:
		return "timeout"
	case ActionTypeDisconnect:
		return "disconnect"
	case ActionTypeDeleteChannel:
		return "delete_channel"
	case ActionTypeDeleteRole:
		return "delete_role"
	case ActionTypeDeleteWebhook:
		return "delete_webhook"
	case ActionTypeRevertPermissions:
		return "revert_permissions"
	case ActionTypeRevertGuild:
		return "revert_guild"
	case ActionTypeRevertVanity:
		return "revert_vanity"
	case ActionTypeRevertOnboarding:
		return "revert_onboarding"
	case ActionTypeRestoreRole:
		return "restore_role"
	case ActionTypeRecreateChannel:
		return "recreate_channel"
	case ActionTypeLock:
		return "lock"
	}
	return "unknown"
}

// ActionRecord is one corrective platform call made during a remediation.
type ActionRecord struct {
	Type     ActionType `json:"-"`
	Name     string     `json:"type"`
	TargetID string     `json:"target_id,omitempty"`
	Error    string     `json:"error,omitempty"`
}

func NewActionRecord(t ActionType, targetID string, err error) ActionRecord {
	rec := ActionRecord{Type: t, Name: t.String(), TargetID: targetID}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func (a ActionRecord) Failed() bool {
	return a.Error != ""
}
