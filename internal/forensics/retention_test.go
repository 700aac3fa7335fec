package forensics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pierrebglinux/dscprotect/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pruneRecorder struct {
	cutoffs []time.Time
}

func (p *pruneRecorder) PruneIncidents(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return 2, nil
}

func TestRetentionPrunesOldIncidentsAndLogs(t *testing.T) {
	now := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	old := filepath.Join(dir, "incidents-2024-04-01.jsonl")
	fresh := filepath.Join(dir, "incidents-2024-05-19.jsonl")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0o644))
	}
	require.NoError(t, os.Chtimes(old, now.AddDate(0, 0, -40), now.AddDate(0, 0, -40)))
	require.NoError(t, os.Chtimes(fresh, now.AddDate(0, 0, -1), now.AddDate(0, 0, -1)))
	require.NoError(t, os.Chtimes(other, now.AddDate(0, 0, -40), now.AddDate(0, 0, -40)))

	pruner := &pruneRecorder{}
	rm := NewRetentionManager(RetentionPolicy{RetentionDays: 30, LogDir: dir}, pruner, util.NewFakeClock(now))
	require.NoError(t, rm.Cleanup(context.Background()))

	require.Len(t, pruner.cutoffs, 1)
	assert.Equal(t, now.AddDate(0, 0, -30), pruner.cutoffs[0])
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestRetentionDisabledKeepsEverything(t *testing.T) {
	pruner := &pruneRecorder{}
	rm := NewRetentionManager(RetentionPolicy{}, pruner, nil)
	require.NoError(t, rm.Cleanup(context.Background()))
	assert.Empty(t, pruner.cutoffs)
}
