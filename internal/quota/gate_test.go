package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consejo/internal/directory"
	"consejo/internal/store"
)

func testPlans() map[string]Plan {
	return map[string]Plan{
		"free": {Name: "free", RequestsPerDay: 50, TokensPerDay: 1000},
		"pro":  {Name: "pro", RequestsPerDay: 500, TokensPerDay: 100000},
	}
}

func newTestGate(t *testing.T) (*Gate, *directory.Store) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir, err := directory.NewStore(db)
	require.NoError(t, err)

	gate, err := NewGate(db, dir, testPlans(), "free")
	require.NoError(t, err)
	return gate, dir
}

func TestCheckAndIncrement_AdmitsAndCounts(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	adm, err := gate.CheckAndIncrement(ctx, "C1", 100)
	require.NoError(t, err)
	assert.Equal(t, "free", adm.Plan)
	assert.Equal(t, 49, adm.RemainingRequests)
	assert.Equal(t, 900, adm.RemainingTokens)

	snap, err := gate.SnapshotToday(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RequestsToday)
	assert.Equal(t, 100, snap.TokensToday)
}

func TestCheckAndIncrement_RequestLimitExact(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)
	gate.SetClock(func() time.Time { return fixed })

	for i := 0; i < 50; i++ {
		_, err := gate.CheckAndIncrement(ctx, "c2", 0)
		require.NoError(t, err, "call %d should be admitted", i+1)
	}

	_, err := gate.CheckAndIncrement(ctx, "c2", 0)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, LimitRequests, exceeded.Kind)
	assert.Equal(t, "free", exceeded.Plan)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), exceeded.ResetAt)

	// The rejected call never counted.
	snap, err := gate.SnapshotToday(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, 50, snap.RequestsToday)
}

func TestCheckAndIncrement_TokenLimit(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	_, err := gate.CheckAndIncrement(ctx, "c3", 1000)
	require.NoError(t, err)

	_, err = gate.CheckAndIncrement(ctx, "c3", 1)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, LimitTokens, exceeded.Kind)
}

func TestCheckAndIncrement_PlanFromDirectory(t *testing.T) {
	gate, dir := newTestGate(t)
	ctx := context.Background()
	require.NoError(t, dir.Upsert(ctx, "c4", "ACME", "pro"))

	adm, err := gate.CheckAndIncrement(ctx, "c4", 0)
	require.NoError(t, err)
	assert.Equal(t, "pro", adm.Plan)
	assert.Equal(t, 499, adm.RemainingRequests)
}

func TestCheckAndIncrement_DayRollover(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	gate.SetClock(func() time.Time { return day1 })
	for i := 0; i < 50; i++ {
		_, err := gate.CheckAndIncrement(ctx, "c5", 0)
		require.NoError(t, err)
	}
	_, err := gate.CheckAndIncrement(ctx, "c5", 0)
	require.Error(t, err)

	// New UTC day: counters reset by key, not by job.
	gate.SetClock(func() time.Time { return day1.Add(2 * time.Minute) })
	_, err = gate.CheckAndIncrement(ctx, "c5", 0)
	require.NoError(t, err)
}

func TestCheckAndIncrement_ConcurrentNeverOverAdmits(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gate.CheckAndIncrement(ctx, "c6", 0); err == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	assert.Equal(t, 50, count)

	snap, err := gate.SnapshotToday(ctx, "c6")
	require.NoError(t, err)
	assert.Equal(t, 50, snap.RequestsToday)
}

func TestRecordTokens_Accumulates(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, gate.RecordTokens(ctx, "c7", 120))
	require.NoError(t, gate.RecordTokens(ctx, "c7", 80))

	snap, err := gate.SnapshotToday(ctx, "c7")
	require.NoError(t, err)
	assert.Equal(t, 200, snap.TokensToday)
	assert.Equal(t, 0, snap.RequestsToday)
}
