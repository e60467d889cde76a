// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package processor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smedrec/smart-logs-sub005/delivery/deliverylog"
	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/health"
	"github.com/smedrec/smart-logs-sub005/delivery/processor"
	"github.com/smedrec/smart-logs-sub005/delivery/queue"
	"github.com/smedrec/smart-logs-sub005/delivery/retry"
)

type fixture struct {
	processor *processor.Processor
	queue     *fakeQueue
	dests     *fakeDestinations
	logs      *fakeLogs
	healthDB  *fakeHealthDB
	handler   *fakeHandler
}

func newFixture(t *testing.T) *fixture {
	log := zaptest.NewLogger(t)

	f := &fixture{
		queue:    &fakeQueue{},
		dests:    &fakeDestinations{dest: destination.Destination{ID: "dest-1", Type: destination.TypeWebhook}},
		logs:     &fakeLogs{},
		healthDB: &fakeHealthDB{records: map[string]health.Health{}},
		handler:  &fakeHandler{},
	}

	registry := destination.NewRegistry()
	registry.Register(f.handler)

	retries := retry.NewManager(log, f.queue, retry.Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	monitor := health.NewMonitor(log, f.healthDB, f.dests, health.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute})

	f.processor = processor.New(log, f.queue, f.dests, f.logs, registry, retries, monitor, "worker-test", processor.Config{})
	return f
}

func testItem() queue.Item {
	return queue.Item{
		ID:             "q1",
		OrganizationID: "org-1",
		DestinationID:  "dest-1",
		Status:         queue.StatusProcessing,
		Payload: destination.Payload{
			DeliveryID:     "d1",
			OrganizationID: "org-1",
			Type:           "report.gdpr",
		},
	}
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t)
	deliveredAt := time.Now().UTC()
	f.handler.result = destination.Result{
		Success:              true,
		StatusCode:           200,
		DeliveredAt:          &deliveredAt,
		CrossSystemReference: "abc",
		ResponseTime:         20 * time.Millisecond,
	}
	f.queue.item = testItem()

	f.processor.Process(context.Background(), testItem())

	require.Equal(t, "completed", f.queue.finalized)
	require.Len(t, f.logs.records, 1)
	require.True(t, f.logs.records[0].Success)
	require.True(t, f.logs.records[0].Terminal)
	require.Equal(t, "abc", f.logs.records[0].CrossSystemReference)
	require.Equal(t, 1, f.dests.usageRecorded)
	require.EqualValues(t, 1, f.healthDB.records["dest-1"].TotalDeliveries)
	require.Zero(t, f.healthDB.records["dest-1"].TotalFailures)
}

func TestProcessRetryableFailure(t *testing.T) {
	f := newFixture(t)
	f.handler.result = destination.Result{Error: "connection refused", Retryable: true}
	f.queue.item = testItem()

	f.processor.Process(context.Background(), testItem())

	require.Equal(t, "retry", f.queue.finalized)
	require.Len(t, f.logs.records, 1)
	require.False(t, f.logs.records[0].Success)
	require.False(t, f.logs.records[0].Terminal)
	require.Equal(t, "connection refused", f.logs.records[0].FailureReason)
	require.EqualValues(t, 1, f.healthDB.records["dest-1"].TotalFailures)
}

func TestProcessNonRetryableFailure(t *testing.T) {
	f := newFixture(t)
	f.handler.result = destination.Result{Error: "unauthorized", StatusCode: 401}
	f.queue.item = testItem()

	f.processor.Process(context.Background(), testItem())

	require.Equal(t, "failed", f.queue.finalized)
	require.True(t, f.queue.metadata.NonRetryable)
	require.Len(t, f.logs.records, 1)
	require.True(t, f.logs.records[0].Terminal)
}

func TestProcessDisabledDestination(t *testing.T) {
	f := newFixture(t)
	f.dests.dest.Disabled = true
	f.queue.item = testItem()

	f.processor.Process(context.Background(), testItem())

	require.Equal(t, "failed", f.queue.finalized)
	require.True(t, f.queue.metadata.NonRetryable)
	require.Equal(t, "destination disabled", f.queue.metadata.NonRetryableReason)
	require.Zero(t, f.handler.calls, "handler must not run for disabled destinations")
	require.Len(t, f.logs.records, 1)
	require.True(t, f.logs.records[0].Terminal)
}

func TestProcessOpenCircuitDefers(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.healthDB.records["dest-1"] = health.Health{
		DestinationID:   "dest-1",
		CircuitState:    health.CircuitOpen,
		CircuitOpenedAt: &now,
	}
	item := testItem()
	item.RetryCount = 2
	f.queue.item = item

	f.processor.Process(context.Background(), item)

	// deferred without counting an attempt and without a log entry
	require.True(t, f.queue.deferred)
	require.Empty(t, f.queue.finalized)
	require.Empty(t, f.logs.records)
	require.Zero(t, f.handler.calls)
	require.True(t, f.queue.nextRetryAt.After(time.Now()))
}

func TestProcessMissingHandler(t *testing.T) {
	f := newFixture(t)
	f.dests.dest.Type = destination.TypeSFTP // nothing registered for sftp
	f.queue.item = testItem()

	f.processor.Process(context.Background(), testItem())

	require.Equal(t, "failed", f.queue.finalized)
	require.Contains(t, f.queue.metadata.NonRetryableReason, "no handler")
}

func TestProcessMissingDestination(t *testing.T) {
	f := newFixture(t)
	f.dests.err = destination.ErrNotFound.New("dest-1")
	f.queue.item = testItem()

	f.processor.Process(context.Background(), testItem())

	require.Equal(t, "failed", f.queue.finalized)
	require.Contains(t, f.queue.metadata.NonRetryableReason, "destination not found")
}

// fakeHandler returns a canned result for every delivery.
type fakeHandler struct {
	result destination.Result
	calls  int
}

func (f *fakeHandler) Kind() destination.Type { return destination.TypeWebhook }

func (f *fakeHandler) ValidateConfig(ctx context.Context, config destination.Config) destination.ValidationResult {
	return destination.ValidationResult{Valid: true}
}

func (f *fakeHandler) TestConnection(ctx context.Context, config destination.Config) destination.TestResult {
	return destination.TestResult{Success: true}
}

func (f *fakeHandler) Deliver(ctx context.Context, payload destination.Payload, dest destination.Destination) destination.Result {
	f.calls++
	return f.result
}

func (f *fakeHandler) SupportsFeature(feature destination.Feature) bool { return false }

func (f *fakeHandler) ConfigSchema() map[string]any { return nil }

// fakeQueue holds one item and records the terminal call.
type fakeQueue struct {
	item queue.Item

	finalized   string
	deferred    bool
	metadata    queue.Metadata
	nextRetryAt time.Time
}

func (f *fakeQueue) Enqueue(ctx context.Context, item queue.Item) (queue.Item, bool, error) {
	return item, true, nil
}

func (f *fakeQueue) ClaimReady(ctx context.Context, batchSize int, workerID string) ([]queue.Item, error) {
	return nil, queue.ErrEmptyQueue.New("empty")
}

func (f *fakeQueue) UpdateStatus(ctx context.Context, id string, status queue.Status) error {
	f.item.Status = status
	return nil
}

func (f *fakeQueue) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, metadata queue.Metadata) error {
	f.finalized = "retry"
	f.nextRetryAt = nextRetryAt
	f.metadata = metadata
	f.item.RetryCount++
	return nil
}

func (f *fakeQueue) Defer(ctx context.Context, id string, nextRetryAt time.Time) error {
	f.deferred = true
	f.nextRetryAt = nextRetryAt
	return nil
}

func (f *fakeQueue) MarkCompleted(ctx context.Context, id string, metadata queue.Metadata) error {
	f.finalized = "completed"
	f.metadata = metadata
	return nil
}

func (f *fakeQueue) MarkFailed(ctx context.Context, id string, metadata queue.Metadata) error {
	f.finalized = "failed"
	f.metadata = metadata
	return nil
}

func (f *fakeQueue) SetMetadata(ctx context.Context, id string, metadata queue.Metadata) error {
	f.metadata = metadata
	return nil
}

func (f *fakeQueue) ResetRetries(ctx context.Context, id string) error { return nil }

func (f *fakeQueue) FindByDeliveryID(ctx context.Context, deliveryID string) (queue.Item, error) {
	return f.item, nil
}

func (f *fakeQueue) FindByStatus(ctx context.Context, status queue.Status, limit int) ([]queue.Item, error) {
	return nil, nil
}

func (f *fakeQueue) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

// fakeDestinations returns one destination, or a canned error.
type fakeDestinations struct {
	dest          destination.Destination
	err           error
	usageRecorded int
}

func (f *fakeDestinations) Create(ctx context.Context, dest destination.Destination) (destination.Destination, error) {
	return dest, nil
}

func (f *fakeDestinations) Get(ctx context.Context, id string) (destination.Destination, error) {
	if f.err != nil {
		return destination.Destination{}, f.err
	}
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
	f.usageRecorded++
	return nil
}

// fakeLogs records appended delivery log entries.
type fakeLogs struct {
	records []deliverylog.Record
}

func (f *fakeLogs) Append(ctx context.Context, record deliverylog.Record) error {
	f.records = append(f.records, record)
	return nil
}

func (f *fakeLogs) Get(ctx context.Context, deliveryID string) (deliverylog.Entry, error) {
	return deliverylog.Entry{}, deliverylog.ErrNotFound.New("%s", deliveryID)
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
	return nil, nil
}

func (f *fakeHealthDB) CountUnhealthy(ctx context.Context) (int64, error) {
	return 0, nil
}
