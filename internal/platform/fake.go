package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/models"
)

// Call is one recorded mutation on a Fake.
type Call struct {
	Method string
	Args   []string
}

func (c Call) String() string {
	return c.Method + "(" + strings.Join(c.Args, ",") + ")"
}

// Fake is an in-memory Platform and AuditSource for tests. Members are
// moderatable unless listed in Protected.
type Fake struct {
	mu sync.Mutex

	Self       string
	Members    map[string]*Member
	Protected  map[string]bool
	Unmanaged  map[string]bool
	LiveRoles  map[string]map[string]models.RoleSnapshot
	Overwrites map[string]models.Overwrite
	Audit      map[string]map[AuditKind]*AuditEntry
	Errors     map[string]error
	AuditCalls int
	calls      []Call
	nextID     int
}

func NewFake(self string) *Fake {
	return &Fake{
		Self:       self,
		Members:    make(map[string]*Member),
		Protected:  make(map[string]bool),
		Unmanaged:  make(map[string]bool),
		LiveRoles:  make(map[string]map[string]models.RoleSnapshot),
		Overwrites: make(map[string]models.Overwrite),
		Audit:      make(map[string]map[AuditKind]*AuditEntry),
		Errors:     make(map[string]error),
	}
}

func (f *Fake) record(method string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Errors[method]; ok {
		return err
	}
	f.calls = append(f.calls, Call{Method: method, Args: args})
	return nil
}

// Calls returns a copy of every successful mutation, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded calls of one method.
func (f *Fake) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errors, method)
		return
	}
	f.Errors[method] = err
}

// AddMember registers a member holding roles.
func (f *Fake) AddMember(tenantID, userID string, roles ...models.RoleSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Members[tenantID+":"+userID] = &Member{TenantID: tenantID, UserID: userID, Roles: roles}
}

// AddRole registers a live role.
func (f *Fake) AddRole(role models.RoleSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LiveRoles[role.TenantID] == nil {
		f.LiveRoles[role.TenantID] = make(map[string]models.RoleSnapshot)
	}
	f.LiveRoles[role.TenantID][role.RoleID] = role
}

// SetAudit makes entry the latest audit record of its kind for tenantID.
func (f *Fake) SetAudit(tenantID string, entry *AuditEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Audit[tenantID] == nil {
		f.Audit[tenantID] = make(map[AuditKind]*AuditEntry)
	}
	f.Audit[tenantID][entry.Kind] = entry
}

func (f *Fake) QueryLatest(_ context.Context, tenantID string, kind AuditKind) (*AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AuditCalls++
	if err, ok := f.Errors["QueryLatest"]; ok {
		return nil, err
	}
	entry := f.Audit[tenantID][kind]
	if entry == nil {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (f *Fake) AuditCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AuditCalls
}

func (f *Fake) SelfID() string { return f.Self }

func (f *Fake) Member(_ context.Context, tenantID, userID string) (*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Members[tenantID+":"+userID]
	if !ok {
		return nil, fmt.Errorf("member %s: %w", userID, models.ErrNotFound)
	}
	cp := *m
	cp.Roles = append([]models.RoleSnapshot(nil), m.Roles...)
	return &cp, nil
}

func (f *Fake) Moderatable(_ context.Context, _, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Protected[userID], nil
}

func (f *Fake) CanManageRole(_ context.Context, _, roleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unmanaged[roleID]
}

func (f *Fake) SetMemberRoles(_ context.Context, tenantID, userID string, roleIDs []string, reason string) error {
	if err := f.record("SetMemberRoles", tenantID, userID, strings.Join(roleIDs, "|")); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.Members[tenantID+":"+userID]; ok {
		keep := make(map[string]bool, len(roleIDs))
		for _, id := range roleIDs {
			keep[id] = true
		}
		var roles []models.RoleSnapshot
		for _, r := range m.Roles {
			if keep[r.RoleID] {
				roles = append(roles, r)
			}
		}
		m.Roles = roles
	}
	return nil
}

func (f *Fake) RemoveMemberRole(_ context.Context, tenantID, userID, roleID, reason string) error {
	return f.record("RemoveMemberRole", tenantID, userID, roleID)
}

func (f *Fake) BanMember(_ context.Context, tenantID, userID, reason string) error {
	return f.record("BanMember", tenantID, userID)
}

func (f *Fake) KickMember(_ context.Context, tenantID, userID, reason string) error {
	return f.record("KickMember", tenantID, userID)
}

func (f *Fake) TimeoutMember(_ context.Context, tenantID, userID string, until time.Time, reason string) error {
	return f.record("TimeoutMember", tenantID, userID, until.UTC().Format(time.RFC3339))
}

func (f *Fake) DisconnectMember(_ context.Context, tenantID, userID, reason string) error {
	return f.record("DisconnectMember", tenantID, userID)
}

func (f *Fake) DeleteChannel(_ context.Context, tenantID, channelID, reason string) error {
	return f.record("DeleteChannel", tenantID, channelID)
}

func (f *Fake) CreateChannel(_ context.Context, tenantID string, ch models.ChannelSnapshot, reason string) (string, error) {
	if err := f.record("CreateChannel", tenantID, ch.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("new-channel-%d", f.nextID), nil
}

func (f *Fake) SetOverwrite(_ context.Context, tenantID, channelID string, ow models.Overwrite, reason string) error {
	if err := f.record("SetOverwrite", tenantID, channelID, ow.ID, fmt.Sprint(ow.Allow), fmt.Sprint(ow.Deny)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Overwrites[channelID+":"+ow.ID] = ow
	return nil
}

func (f *Fake) DeleteOverwrite(_ context.Context, tenantID, channelID, targetID, reason string) error {
	if err := f.record("DeleteOverwrite", tenantID, channelID, targetID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Overwrites, channelID+":"+targetID)
	return nil
}

func (f *Fake) DenyPermission(_ context.Context, tenantID, channelID, targetID string, perm int64, reason string) error {
	if err := f.record("DenyPermission", tenantID, channelID, targetID, fmt.Sprint(perm)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ow := f.Overwrites[channelID+":"+targetID]
	ow.ID = targetID
	ow.Allow &^= perm
	ow.Deny |= perm
	f.Overwrites[channelID+":"+targetID] = ow
	return nil
}

func (f *Fake) ClearPermission(_ context.Context, tenantID, channelID, targetID string, perm int64, reason string) error {
	if err := f.record("ClearPermission", tenantID, channelID, targetID, fmt.Sprint(perm)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ow := f.Overwrites[channelID+":"+targetID]
	ow.Allow &^= perm
	ow.Deny &^= perm
	f.Overwrites[channelID+":"+targetID] = ow
	return nil
}

func (f *Fake) DeleteWebhook(_ context.Context, tenantID, webhookID, reason string) error {
	return f.record("DeleteWebhook", tenantID, webhookID)
}

func (f *Fake) Roles(_ context.Context, tenantID string) ([]models.RoleSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RoleSnapshot
	for _, r := range f.LiveRoles[tenantID] {
		out = append(out, r)
	}
	return out, nil
}

func (f *Fake) RoleExists(_ context.Context, tenantID, roleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.LiveRoles[tenantID][roleID]
	return ok, nil
}

func (f *Fake) CreateRole(_ context.Context, tenantID string, role models.RoleSnapshot, reason string) (*models.RoleSnapshot, error) {
	if err := f.record("CreateRole", tenantID, role.Name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	created := role
	created.TenantID = tenantID
	created.RoleID = fmt.Sprintf("new-role-%d", f.nextID)
	if f.LiveRoles[tenantID] == nil {
		f.LiveRoles[tenantID] = make(map[string]models.RoleSnapshot)
	}
	f.LiveRoles[tenantID][created.RoleID] = created
	return &created, nil
}

func (f *Fake) DeleteRole(_ context.Context, tenantID, roleID, reason string) error {
	if err := f.record("DeleteRole", tenantID, roleID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.LiveRoles[tenantID], roleID)
	return nil
}

func (f *Fake) SetRolePermissions(_ context.Context, tenantID, roleID string, perms int64, reason string) error {
	return f.record("SetRolePermissions", tenantID, roleID, fmt.Sprint(perms))
}

func (f *Fake) EditGuild(_ context.Context, tenantID string, patch map[string]interface{}, reason string) error {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return f.record("EditGuild", append([]string{tenantID}, keys...)...)
}

func (f *Fake) SetVanity(_ context.Context, tenantID, code, reason string) error {
	return f.record("SetVanity", tenantID, code)
}

func (f *Fake) EditOnboarding(_ context.Context, tenantID string, ob models.Onboarding, reason string) error {
	return f.record("EditOnboarding", tenantID, fmt.Sprint(ob.Enabled))
}
