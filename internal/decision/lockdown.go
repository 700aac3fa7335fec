package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

// PermConnect is the capability denied to the everyone group while locked.
const PermConnect int64 = 1 << 20

const (
	lockReason   = "Anti-Voice-Raid: mass join detected"
	unlockReason = "Anti-Voice-Raid: automatic unlock"
)

// LockPersister stores active locks so a restart can finish them.
type LockPersister interface {
	SaveLock(ctx context.Context, lock models.ActiveLock) error
	DeleteLock(ctx context.Context, tenantID, artifactID string) error
	LoadLocks(ctx context.Context) ([]models.ActiveLock, error)
}

type lockKey struct {
	tenantID   string
	artifactID string
}

type armedLock struct {
	lock  models.ActiveLock
	timer util.Timer
}

// LockScheduler applies temporary access denials and reverses each exactly
// once, at or after its end time. Persisted locks are the source of truth
// across restarts.
type LockScheduler struct {
	mu        sync.Mutex
	locks     map[lockKey]*armedLock
	artifacts platform.ArtifactAPI
	persist   LockPersister
	clock     util.Clock
	onUnlock  func(models.ActiveLock, error)
}

func NewLockScheduler(artifacts platform.ArtifactAPI, persist LockPersister, clock util.Clock) *LockScheduler {
	if clock == nil {
		clock = util.RealClock()
	}
	return &LockScheduler{
		locks:     make(map[lockKey]*armedLock),
		artifacts: artifacts,
		persist:   persist,
		clock:     clock,
	}
}

// OnUnlock registers a callback run after every automatic unlock.
func (ls *LockScheduler) OnUnlock(fn func(models.ActiveLock, error)) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.onUnlock = fn
}

// Lock denies Connect to everyone on artifactID for d. It returns false when
// the artifact is already locked; the existing end time is kept.
func (ls *LockScheduler) Lock(ctx context.Context, tenantID, artifactID string, d time.Duration) (bool, error) {
	if d <= 0 {
		return false, fmt.Errorf("lock duration %v: %w", d, models.ErrInvariant)
	}
	key := lockKey{tenantID, artifactID}

	ls.mu.Lock()
	if _, exists := ls.locks[key]; exists {
		ls.mu.Unlock()
		logging.Debug("[LOCK] Channel %s in guild %s is already locked", artifactID, tenantID)
		return false, nil
	}
	// reserve the slot while the platform call is in flight
	entry := &armedLock{lock: models.ActiveLock{TenantID: tenantID, ArtifactID: artifactID}}
	ls.locks[key] = entry
	ls.mu.Unlock()

	if err := ls.artifacts.DenyPermission(ctx, tenantID, artifactID, tenantID, PermConnect, lockReason); err != nil {
		ls.mu.Lock()
		delete(ls.locks, key)
		ls.mu.Unlock()
		return false, fmt.Errorf("failed to lock channel %s: %w", artifactID, err)
	}

	lock := models.ActiveLock{TenantID: tenantID, ArtifactID: artifactID, EndTime: ls.clock.Now().Add(d)}
	ls.mu.Lock()
	entry.lock = lock
	entry.timer = ls.arm(key, entry, d)
	size := len(ls.locks)
	ls.mu.Unlock()

	metrics.ActiveLocks.Set(float64(size))
	if ls.persist != nil {
		if err := ls.persist.SaveLock(ctx, lock); err != nil {
			logging.Warn("[LOCK] Failed to persist lock of channel %s: %v", artifactID, err)
		}
	}
	logging.Info("[LOCK] Locked channel %s in guild %s until %s", artifactID, tenantID, lock.EndTime.Format(time.RFC3339))
	return true, nil
}

// arm must be called with ls.mu held.
func (ls *LockScheduler) arm(key lockKey, entry *armedLock, d time.Duration) util.Timer {
	return ls.clock.AfterFunc(d, func() {
		ls.mu.Lock()
		if ls.locks[key] != entry {
			ls.mu.Unlock()
			return
		}
		delete(ls.locks, key)
		size := len(ls.locks)
		cb := ls.onUnlock
		ls.mu.Unlock()

		metrics.ActiveLocks.Set(float64(size))
		err := ls.unlock(context.Background(), entry.lock)
		if cb != nil {
			cb(entry.lock, err)
		}
	})
}

func (ls *LockScheduler) unlock(ctx context.Context, lock models.ActiveLock) error {
	err := ls.artifacts.ClearPermission(ctx, lock.TenantID, lock.ArtifactID, lock.TenantID, PermConnect, unlockReason)
	if err != nil {
		logging.Error("[LOCK] Failed to unlock channel %s in guild %s: %v", lock.ArtifactID, lock.TenantID, err)
	} else {
		logging.Info("[LOCK] Unlocked channel %s in guild %s", lock.ArtifactID, lock.TenantID)
	}
	if ls.persist != nil {
		if perr := ls.persist.DeleteLock(ctx, lock.TenantID, lock.ArtifactID); perr != nil {
			logging.Warn("[LOCK] Failed to remove persisted lock of channel %s: %v", lock.ArtifactID, perr)
		}
	}
	return err
}

// Release unlocks artifactID now and cancels its timer.
func (ls *LockScheduler) Release(ctx context.Context, tenantID, artifactID string) error {
	key := lockKey{tenantID, artifactID}
	ls.mu.Lock()
	entry, exists := ls.locks[key]
	if !exists {
		ls.mu.Unlock()
		return nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(ls.locks, key)
	size := len(ls.locks)
	ls.mu.Unlock()

	metrics.ActiveLocks.Set(float64(size))
	return ls.unlock(ctx, entry.lock)
}

// Recover finishes persisted locks after a restart. Expired locks are undone
// immediately; pending ones are re-armed for exactly their remaining time.
func (ls *LockScheduler) Recover(ctx context.Context) (int, error) {
	if ls.persist == nil {
		return 0, nil
	}
	locks, err := ls.persist.LoadLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active locks: %w", err)
	}

	now := ls.clock.Now()
	rearmed := 0
	for _, lock := range locks {
		remaining := lock.EndTime.Sub(now)
		if remaining <= 0 {
			logging.Info("[LOCK] Lock of channel %s in guild %s expired while offline", lock.ArtifactID, lock.TenantID)
			ls.unlock(ctx, lock)
			continue
		}

		key := lockKey{lock.TenantID, lock.ArtifactID}
		ls.mu.Lock()
		if _, exists := ls.locks[key]; !exists {
			entry := &armedLock{lock: lock}
			ls.locks[key] = entry
			entry.timer = ls.arm(key, entry, remaining)
			rearmed++
		}
		ls.mu.Unlock()
	}

	ls.mu.Lock()
	size := len(ls.locks)
	ls.mu.Unlock()
	metrics.ActiveLocks.Set(float64(size))
	return rearmed, nil
}

// Active returns the locks of tenantID ordered by end time.
func (ls *LockScheduler) Active(tenantID string) []models.ActiveLock {
	ls.mu.Lock()
	out := make([]models.ActiveLock, 0)
	for key, entry := range ls.locks {
		if key.tenantID == tenantID && !entry.lock.EndTime.IsZero() {
			out = append(out, entry.lock)
		}
	}
	ls.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out
}

func (ls *LockScheduler) IsLocked(tenantID, artifactID string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, ok := ls.locks[lockKey{tenantID, artifactID}]
	return ok
}

// Stop cancels every timer. Persisted locks stay so Recover can finish them.
func (ls *LockScheduler) Stop() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for key, entry := range ls.locks {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(ls.locks, key)
	}
}
