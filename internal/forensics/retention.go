package forensics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

// IncidentPruner drops stored incidents older than a cutoff.
type IncidentPruner interface {
	PruneIncidents(ctx context.Context, cutoff time.Time) (int64, error)
}

type RetentionPolicy struct {
	RetentionDays int
	// LogDir holds rotated incident logs (*.jsonl). Empty skips file cleanup.
	LogDir string
}

// RetentionManager enforces the incident retention window on storage and on
// rotated log files.
type RetentionManager struct {
	policy    RetentionPolicy
	pruner    IncidentPruner
	clock     util.Clock
	heartbeat func()
}

func NewRetentionManager(policy RetentionPolicy, pruner IncidentPruner, clock util.Clock) *RetentionManager {
	if clock == nil {
		clock = util.RealClock()
	}
	return &RetentionManager{policy: policy, pruner: pruner, clock: clock}
}

// OnCleanup registers a callback run after every pass of Run.
func (rm *RetentionManager) OnCleanup(fn func()) {
	rm.heartbeat = fn
}

func (rm *RetentionManager) cutoff() time.Time {
	return rm.clock.Now().AddDate(0, 0, -rm.policy.RetentionDays)
}

// Cleanup runs one retention pass. A non-positive retention keeps everything.
func (rm *RetentionManager) Cleanup(ctx context.Context) error {
	if rm.policy.RetentionDays <= 0 {
		return nil
	}
	cutoff := rm.cutoff()

	if rm.pruner != nil {
		n, err := rm.pruner.PruneIncidents(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			logging.Info("[RETENTION] Pruned %d incidents older than %s", n, cutoff.Format(time.RFC3339))
		}
	}

	if rm.policy.LogDir == "" {
		return nil
	}
	entries, err := os.ReadDir(rm.policy.LogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(rm.policy.LogDir, entry.Name())
			if err := os.Remove(path); err != nil {
				logging.Warn("[RETENTION] Failed to remove %s: %v", path, err)
			}
		}
	}
	return nil
}

// Run repeats Cleanup every interval until ctx is done.
func (rm *RetentionManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := rm.Cleanup(ctx); err != nil {
			logging.Warn("[RETENTION] Cleanup failed: %v", err)
		}
		if rm.heartbeat != nil {
			rm.heartbeat()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
