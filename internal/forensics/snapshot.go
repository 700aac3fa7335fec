package forensics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

// BackupPersister stores role snapshots outside the process.
type BackupPersister interface {
	SaveRoleBackup(ctx context.Context, rec models.RoleSnapshot) error
	DeleteRoleBackup(ctx context.Context, tenantID, roleID string) error
	LoadRoleBackups(ctx context.Context) ([]models.RoleSnapshot, error)
}

type roleKey struct {
	tenantID string
	roleID   string
}

// RoleBackupStore keeps the latest observed definition of every role so a
// hostile deletion can be undone.
type RoleBackupStore struct {
	mu        sync.Mutex
	records   map[roleKey]models.RoleSnapshot
	pending   map[roleKey]util.Timer
	restoring map[roleKey]bool

	roles   platform.RoleAPI
	persist BackupPersister
	clock   util.Clock
}

func NewRoleBackupStore(roles platform.RoleAPI, persist BackupPersister, clock util.Clock) *RoleBackupStore {
	if clock == nil {
		clock = util.RealClock()
	}
	return &RoleBackupStore{
		records:   make(map[roleKey]models.RoleSnapshot),
		pending:   make(map[roleKey]util.Timer),
		restoring: make(map[roleKey]bool),
		roles:     roles,
		persist:   persist,
		clock:     clock,
	}
}

// Save stores role unless it is the everyone role, a managed role, or older
// than the snapshot already held. It reports whether the record changed.
func (s *RoleBackupStore) Save(ctx context.Context, role models.RoleSnapshot) bool {
	if role.IsEveryone() || role.Managed || role.RoleID == "" {
		return false
	}
	if role.CapturedAt.IsZero() {
		role.CapturedAt = s.clock.Now()
	}

	key := roleKey{role.TenantID, role.RoleID}
	s.mu.Lock()
	if current, ok := s.records[key]; ok && current.CapturedAt.After(role.CapturedAt) {
		s.mu.Unlock()
		return false
	}
	s.records[key] = role
	size := len(s.records)
	s.mu.Unlock()

	metrics.RoleBackups.Set(float64(size))
	if s.persist != nil {
		if err := s.persist.SaveRoleBackup(ctx, role); err != nil {
			logging.Warn("[BACKUP] Failed to persist role %s of guild %s: %v", role.RoleID, role.TenantID, err)
		}
	}
	return true
}

// Update records a newer observation of an existing role.
func (s *RoleBackupStore) Update(ctx context.Context, role models.RoleSnapshot) bool {
	return s.Save(ctx, role)
}

// Remove drops the backup of a role whose deletion was legitimate.
func (s *RoleBackupStore) Remove(ctx context.Context, tenantID, roleID string) {
	key := roleKey{tenantID, roleID}
	s.mu.Lock()
	_, existed := s.records[key]
	delete(s.records, key)
	if t, ok := s.pending[key]; ok {
		t.Stop()
		delete(s.pending, key)
	}
	size := len(s.records)
	s.mu.Unlock()

	if !existed {
		return
	}
	metrics.RoleBackups.Set(float64(size))
	if s.persist != nil {
		if err := s.persist.DeleteRoleBackup(ctx, tenantID, roleID); err != nil {
			logging.Warn("[BACKUP] Failed to delete persisted role %s of guild %s: %v", roleID, tenantID, err)
		}
	}
}

func (s *RoleBackupStore) Get(tenantID, roleID string) (models.RoleSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[roleKey{tenantID, roleID}]
	return rec, ok
}

func (s *RoleBackupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Restore recreates roleID from its snapshot when no live role carries that
// id. It returns nil without touching the platform when there is no snapshot,
// when the role still exists, or when another restore of it is in flight.
// Memberships are not restored.
func (s *RoleBackupStore) Restore(ctx context.Context, tenantID, roleID, reason string) (*models.RoleSnapshot, error) {
	key := roleKey{tenantID, roleID}

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok || s.restoring[key] {
		s.mu.Unlock()
		return nil, nil
	}
	s.restoring[key] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.restoring, key)
		s.mu.Unlock()
	}()

	exists, err := s.roles.RoleExists(ctx, tenantID, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to check role %s: %w", roleID, err)
	}
	if exists {
		return nil, nil
	}

	created, err := s.roles.CreateRole(ctx, tenantID, rec, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to recreate role %s: %w", rec.Name, err)
	}

	restored := rec
	restored.RoleID = created.RoleID
	restored.CapturedAt = s.clock.Now()
	if created.Position != 0 {
		restored.Position = created.Position
	}

	s.Remove(ctx, tenantID, roleID)
	s.Save(ctx, restored)

	logging.Info("[BACKUP] Restored role %q in guild %s as %s", rec.Name, tenantID, restored.RoleID)
	return &restored, nil
}

// ScheduleRemoval drops the backup after delay unless keep reports, at fire
// time, that the deletion belonged to an attack. A newer schedule for the same
// role replaces the older one.
func (s *RoleBackupStore) ScheduleRemoval(tenantID, roleID string, delay time.Duration, keep func() bool) {
	key := roleKey{tenantID, roleID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return
	}
	if t, ok := s.pending[key]; ok {
		t.Stop()
	}

	var timer util.Timer
	timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.pending[key] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()

		if keep != nil && keep() {
			logging.Info("[BACKUP] Keeping backup of role %s in guild %s: deletion was part of an attack", roleID, tenantID)
			return
		}
		logging.Debug("[BACKUP] Removing backup of legitimately deleted role %s in guild %s", roleID, tenantID)
		s.Remove(context.Background(), tenantID, roleID)
	})
	s.pending[key] = timer
}

// PendingRemovals returns the number of armed deferred removals.
func (s *RoleBackupStore) PendingRemovals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// BackupAll snapshots every live role of tenantID.
func (s *RoleBackupStore) BackupAll(ctx context.Context, tenantID string) (int, error) {
	roles, err := s.roles.Roles(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list roles of guild %s: %w", tenantID, err)
	}
	saved := 0
	now := s.clock.Now()
	for _, role := range roles {
		role.TenantID = tenantID
		role.CapturedAt = now
		if s.Save(ctx, role) {
			saved++
		}
	}
	return saved, nil
}

// Load fills the store from the persister, keeping newer in-memory records.
func (s *RoleBackupStore) Load(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	recs, err := s.persist.LoadRoleBackups(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load role backups: %w", err)
	}

	s.mu.Lock()
	loaded := 0
	for _, rec := range recs {
		if rec.IsEveryone() {
			continue
		}
		key := roleKey{rec.TenantID, rec.RoleID}
		if current, ok := s.records[key]; ok && current.CapturedAt.After(rec.CapturedAt) {
			continue
		}
		s.records[key] = rec
		loaded++
	}
	size := len(s.records)
	s.mu.Unlock()

	metrics.RoleBackups.Set(float64(size))
	return loaded, nil
}

// Stop cancels every deferred removal.
func (s *RoleBackupStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.pending {
		t.Stop()
		delete(s.pending, key)
	}
}
