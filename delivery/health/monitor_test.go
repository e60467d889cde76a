// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/health"
)

func newMonitor(t *testing.T, config health.Config) (*health.Monitor, *fakeHealthDB, *fakeDestinations) {
	db := &fakeHealthDB{records: map[string]health.Health{}}
	dests := &fakeDestinations{dest: destination.Destination{ID: "dest-1"}}
	return health.NewMonitor(zaptest.NewLogger(t), db, dests, config), db, dests
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	monitor, db, _ := newMonitor(t, health.Config{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
		allowed, err := monitor.ShouldAllowDelivery(ctx, "dest-1")
		require.NoError(t, err)
		require.True(t, allowed, "after %d failures", i+1)
	}

	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	record := db.records["dest-1"]
	require.Equal(t, health.CircuitOpen, record.CircuitState)
	require.NotNil(t, record.CircuitOpenedAt)

	allowed, err := monitor.ShouldAllowDelivery(ctx, "dest-1")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCircuitRecovery(t *testing.T) {
	ctx := context.Background()
	monitor, db, _ := newMonitor(t, health.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})

	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	require.Equal(t, health.CircuitOpen, db.records["dest-1"].CircuitState)

	// pretend the recovery timeout elapsed
	record := db.records["dest-1"]
	openedAt := time.Now().Add(-2 * time.Minute)
	record.CircuitOpenedAt = &openedAt
	db.records["dest-1"] = record

	// the probe is allowed and moves the breaker to half-open
	allowed, err := monitor.ShouldAllowDelivery(ctx, "dest-1")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, health.CircuitHalfOpen, db.records["dest-1"].CircuitState)

	// a successful probe closes the breaker
	require.NoError(t, monitor.RecordSuccess(ctx, "dest-1", 20*time.Millisecond))
	record = db.records["dest-1"]
	require.Equal(t, health.CircuitClosed, record.CircuitState)
	require.Nil(t, record.CircuitOpenedAt)
	require.Zero(t, record.ConsecutiveFailures)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	monitor, db, _ := newMonitor(t, health.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})

	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))

	record := db.records["dest-1"]
	openedAt := time.Now().Add(-2 * time.Minute)
	record.CircuitOpenedAt = &openedAt
	db.records["dest-1"] = record

	allowed, err := monitor.ShouldAllowDelivery(ctx, "dest-1")
	require.NoError(t, err)
	require.True(t, allowed)

	// the probe fails: straight back to open with a fresh opened_at
	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	record = db.records["dest-1"]
	require.Equal(t, health.CircuitOpen, record.CircuitState)
	require.NotNil(t, record.CircuitOpenedAt)
	require.True(t, record.CircuitOpenedAt.After(openedAt))

	allowed, err = monitor.ShouldAllowDelivery(ctx, "dest-1")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	ctx := context.Background()
	monitor, db, _ := newMonitor(t, health.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})

	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))

	record := db.records["dest-1"]
	openedAt := time.Now().Add(-2 * time.Minute)
	record.CircuitOpenedAt = &openedAt
	db.records["dest-1"] = record

	// the first caller takes the probe slot
	allowed, err := monitor.ShouldAllowDelivery(ctx, "dest-1")
	require.NoError(t, err)
	require.True(t, allowed)

	// while the probe is in flight, everyone else is held back
	for i := 0; i < 3; i++ {
		allowed, err = monitor.ShouldAllowDelivery(ctx, "dest-1")
		require.NoError(t, err)
		require.False(t, allowed)
	}

	// the recorded outcome frees the slot; success closed the breaker
	require.NoError(t, monitor.RecordSuccess(ctx, "dest-1", 20*time.Millisecond))
	allowed, err = monitor.ShouldAllowDelivery(ctx, "dest-1")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestDisabledDestinationIsSuppressed(t *testing.T) {
	ctx := context.Background()
	monitor, _, dests := newMonitor(t, health.Config{})
	dests.dest.Disabled = true

	allowed, err := monitor.ShouldAllowDelivery(ctx, "dest-1")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestUnknownDestinationIsAllowed(t *testing.T) {
	// no health record yet: the first delivery must go through
	ctx := context.Background()
	monitor, _, _ := newMonitor(t, health.Config{})

	allowed, err := monitor.ShouldAllowDelivery(ctx, "dest-1")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestClassification(t *testing.T) {
	ctx := context.Background()
	monitor, db, _ := newMonitor(t, health.Config{FailureThreshold: 100})

	// 19 successes + 1 failure: 95% success rate is still healthy
	for i := 0; i < 19; i++ {
		require.NoError(t, monitor.RecordSuccess(ctx, "dest-1", 10*time.Millisecond))
	}
	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	require.Equal(t, health.StatusHealthy, db.records["dest-1"].Status)

	// drop below 95% but stay at or above 70%: degraded
	for i := 0; i < 4; i++ {
		require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	}
	require.Equal(t, health.StatusDegraded, db.records["dest-1"].Status)

	// drive below 70% with recent attempts: unhealthy
	for i := 0; i < 20; i++ {
		require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	}
	record := db.records["dest-1"]
	require.Less(t, record.SuccessRate(), 0.70)
	require.Equal(t, health.StatusUnhealthy, record.Status)
}

func TestAlertFiresOnCircuitOpen(t *testing.T) {
	ctx := context.Background()
	monitor, _, _ := newMonitor(t, health.Config{FailureThreshold: 2})

	var alerts []health.Alert
	monitor.SetAlertFunc(func(ctx context.Context, alert health.Alert) {
		alerts = append(alerts, alert)
	})

	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	require.Empty(t, alerts)

	require.NoError(t, monitor.RecordFailure(ctx, "dest-1", "timeout"))
	require.Len(t, alerts, 1)
	require.Equal(t, health.CircuitOpen, alerts[0].CircuitState)
	require.Contains(t, alerts[0].Reason, "circuit opened")
}

func TestAverageResponseTime(t *testing.T) {
	ctx := context.Background()
	monitor, db, _ := newMonitor(t, health.Config{})

	require.NoError(t, monitor.RecordSuccess(ctx, "dest-1", 100*time.Millisecond))
	require.NoError(t, monitor.RecordSuccess(ctx, "dest-1", 200*time.Millisecond))
	require.Equal(t, 150*time.Millisecond, db.records["dest-1"].AverageResponseTime)
}

func TestGetReportsDisabledStatus(t *testing.T) {
	ctx := context.Background()
	monitor, _, dests := newMonitor(t, health.Config{})

	require.NoError(t, monitor.RecordSuccess(ctx, "dest-1", time.Millisecond))
	dests.dest.Disabled = true

	record, err := monitor.Get(ctx, "dest-1")
	require.NoError(t, err)
	require.Equal(t, health.StatusDisabled, record.Status)
}

// fakeHealthDB keeps health records in memory.
type fakeHealthDB struct {
	records map[string]health.Health
}

func (f *fakeHealthDB) Upsert(ctx context.Context, record health.Health) error {
	f.records[record.DestinationID] = record
	return nil
}

func (f *fakeHealthDB) Get(ctx context.Context, destinationID string) (health.Health, error) {
	record, ok := f.records[destinationID]
	if !ok {
		return health.Health{}, health.ErrNotFound.New("%s", destinationID)
	}
	return record, nil
}

func (f *fakeHealthDB) FindUnhealthy(ctx context.Context) ([]health.Health, error) {
	var out []health.Health
	for _, record := range f.records {
		if record.Status == health.StatusUnhealthy || record.CircuitState == health.CircuitOpen {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeHealthDB) CountUnhealthy(ctx context.Context) (int64, error) {
	records, err := f.FindUnhealthy(ctx)
	return int64(len(records)), err
}

// fakeDestinations returns a single canned destination.
type fakeDestinations struct {
	dest destination.Destination
}

func (f *fakeDestinations) Create(ctx context.Context, dest destination.Destination) (destination.Destination, error) {
	return dest, nil
}

func (f *fakeDestinations) Get(ctx context.Context, id string) (destination.Destination, error) {
	return f.dest, nil
}

func (f *fakeDestinations) Update(ctx context.Context, dest destination.Destination) (destination.Destination, error) {
	return dest, nil
}

func (f *fakeDestinations) Disable(ctx context.Context, id, disabledBy string) error {
	f.dest.Disabled = true
	return nil
}

func (f *fakeDestinations) FindByOrg(ctx context.Context, organizationID string) ([]destination.Destination, error) {
	return []destination.Destination{f.dest}, nil
}

func (f *fakeDestinations) RecordUsage(ctx context.Context, id string, usedAt time.Time) error {
	return nil
}
