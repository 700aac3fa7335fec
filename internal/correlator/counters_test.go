package correlator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testAggregator(t *testing.T) (*Aggregator, *util.FakeClock, *config.ProfileStore) {
	t.Helper()
	profiles := config.NewProfileStore()
	clock := util.NewFakeClock(epoch)
	return NewAggregator(profiles, clock), clock, profiles
}

func TestLimitEventsNeverTrigger(t *testing.T) {
	assert := assert.New(t)
	agg, clock, profiles := testAggregator(t)

	sec := config.DefaultSecurity()
	rule := sec.Rules[config.ModuleMassReactions]
	rule.Limit = config.Limit(3)
	sec.Rules[config.ModuleMassReactions] = rule
	profiles.SetSecurity("g1", sec)

	key := Key{TenantID: "g1", IdentityID: "u1", Category: models.CategoryReactionAdded}
	breaches := 0
	for i := 0; i < 3; i++ {
		if agg.Evaluate(key, Hit{At: clock.Now()}).Breached {
			breaches++
		}
		clock.Advance(100 * time.Millisecond)
	}
	assert.Zero(breaches)

	v := agg.Evaluate(key, Hit{At: clock.Now()})
	assert.True(v.Breached)
	assert.Equal(4, v.Count)
	assert.Equal(3, v.Limit)
	assert.Len(v.Evidence, 4)
}

func TestPruneUsesHalfOpenWindow(t *testing.T) {
	assert := assert.New(t)
	agg, clock, _ := testAggregator(t)
	key := Key{TenantID: "g1", IdentityID: "u1", Category: models.CategoryChannelCreated}

	agg.Record(key, Hit{At: clock.Now()})
	clock.Advance(9999 * time.Millisecond)
	assert.Equal(1, agg.Count(key))

	clock.Advance(time.Millisecond)
	assert.Equal(0, agg.Count(key), "an entry exactly one window old is pruned")
}

func TestCountIsIdempotent(t *testing.T) {
	agg, clock, _ := testAggregator(t)
	key := Key{TenantID: "g1", IdentityID: "u1", Category: models.CategoryThreadCreated}

	agg.Record(key, Hit{At: clock.Now()})
	clock.Advance(3 * time.Second)
	agg.Record(key, Hit{At: clock.Now()})
	clock.Advance(2500 * time.Millisecond)

	first := agg.Count(key)
	second := agg.Count(key)
	assert.Equal(t, 1, first)
	assert.Equal(t, first, second)
}

func TestRecordKeepsSequenceSorted(t *testing.T) {
	agg, clock, _ := testAggregator(t)
	key := Key{TenantID: "g1", IdentityID: "u1", Category: models.CategoryRoleCreated}

	agg.Record(key, Hit{At: clock.Now()})
	_, hits := agg.Record(key, Hit{At: clock.Now().Add(-time.Second)})

	assert.Len(t, hits, 2)
	assert.False(t, hits[1].At.Before(hits[0].At))
}

func TestAntiRaidScenario(t *testing.T) {
	assert := assert.New(t)
	agg, clock, _ := testAggregator(t)
	key := Key{TenantID: "g1", Category: models.CategoryMemberJoined}

	first := agg.Evaluate(key, Hit{At: clock.Now(), IdentityID: "a"})
	assert.False(first.Breached)

	clock.Advance(time.Second)
	second := agg.Evaluate(key, Hit{At: clock.Now(), IdentityID: "b"})
	assert.True(second.Breached)
	assert.Equal(2, second.Count)
}

func TestResetClearsKey(t *testing.T) {
	agg, clock, _ := testAggregator(t)
	key := Key{TenantID: "g1", IdentityID: "u1", Category: models.CategoryChannelCreated}

	agg.Record(key, Hit{At: clock.Now()})
	agg.Record(key, Hit{At: clock.Now()})
	agg.Reset(key)

	assert.Equal(t, 0, agg.Count(key))
	assert.False(t, agg.Evaluate(key, Hit{At: clock.Now()}).Breached)
}

func TestConcurrentRecordsAreNotLost(t *testing.T) {
	agg, _, _ := testAggregator(t)
	key := Key{TenantID: "g1", IdentityID: "u1", Category: models.CategoryReactionAdded}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg.Record(key, Hit{})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, agg.Count(key))
}

func TestSweepDropsDormantKeys(t *testing.T) {
	assert := assert.New(t)
	agg, clock, _ := testAggregator(t)
	nuke := NewNukeAggregate(agg)

	dormant := Key{TenantID: "g1", IdentityID: "old", Category: models.CategoryChannelCreated}
	live := Key{TenantID: "g1", IdentityID: "new", Category: models.CategoryChannelCreated}
	agg.Record(dormant, Hit{At: clock.Now()})
	clock.Advance(time.Minute)
	agg.Record(live, Hit{At: clock.Now()})

	sweeper := NewSweeper(agg, nuke, time.Hour, func() time.Duration { return 30 * time.Second })
	beats := 0
	sweeper.OnSweep(func() { beats++ })

	assert.Equal(1, sweeper.SweepOnce())
	assert.Equal(1, agg.Size())
	assert.Equal(1, beats)
	sweeper.Stop()
}
