// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package deliverydb_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/smedrec/smart-logs-sub005/delivery/deliverydb"
	"github.com/smedrec/smart-logs-sub005/delivery/deliverylog"
	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/queue"
)

var queueColumns = []string{
	"id", "delivery_id", "organization_id", "destination_id",
	"correlation_id", "idempotency_key", "payload_type", "payload_data", "payload_meta",
	"priority", "scheduled_at", "next_retry_at", "processed_at", "status",
	"retry_count", "max_retries", "metadata", "created_at", "updated_at",
}

func queueRow(rows *sqlmock.Rows, id, deliveryID, status string, priority int) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id, deliveryID, "org-1", "dest-1",
		"corr-1", "idem-1", "report.gdpr", []byte(`{"n":1}`), []byte(`{}`),
		priority, now, nil, nil, status,
		0, 5, []byte(`{}`), now, now)
}

func openMock(t *testing.T) (*deliverydb.DB, sqlmock.Sqlmock) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })
	return deliverydb.Wrap(zaptest.NewLogger(t), handle), mock
}

func TestQueueEnqueueInserts(t *testing.T) {
	db, mock := openMock(t)

	mock.ExpectQuery(`INSERT INTO delivery_queue`).
		WillReturnRows(queueRow(sqlmock.NewRows(queueColumns), "q1", "d1", "pending", 5))

	item, created, err := db.Queue().Enqueue(context.Background(), queue.Item{
		ID:             "q1",
		OrganizationID: "org-1",
		DestinationID:  "dest-1",
		IdempotencyKey: "idem-1",
		Priority:       5,
		ScheduledAt:    time.Now(),
		Payload: destination.Payload{
			DeliveryID: "d1",
			Type:       "report.gdpr",
			Data:       json.RawMessage(`{"n":1}`),
		},
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "q1", item.ID)
	require.Equal(t, "d1", item.Payload.DeliveryID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueEnqueueDeduplicates(t *testing.T) {
	db, mock := openMock(t)

	// ON CONFLICT DO NOTHING returns no row, then the live item is read back
	mock.ExpectQuery(`INSERT INTO delivery_queue`).
		WillReturnRows(sqlmock.NewRows(queueColumns))
	mock.ExpectQuery(`SELECT (.+) FROM delivery_queue`).
		WithArgs("org-1", "dest-1", "idem-1").
		WillReturnRows(queueRow(sqlmock.NewRows(queueColumns), "q-existing", "d-existing", "completed", 5))

	item, created, err := db.Queue().Enqueue(context.Background(), queue.Item{
		ID:             "q-new",
		OrganizationID: "org-1",
		DestinationID:  "dest-1",
		IdempotencyKey: "idem-1",
		Payload:        destination.Payload{DeliveryID: "d-new", Type: "report.gdpr"},
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "q-existing", item.ID)
	require.Equal(t, "d-existing", item.Payload.DeliveryID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueClaimReady(t *testing.T) {
	db, mock := openMock(t)

	rows := sqlmock.NewRows(queueColumns)
	queueRow(rows, "q1", "d1", "processing", 10)
	queueRow(rows, "q2", "d2", "processing", 5)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(10, "worker-1").
		WillReturnRows(rows)

	items, err := db.Queue().ClaimReady(context.Background(), 10, "worker-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "q1", items[0].ID)
	require.Equal(t, queue.StatusProcessing, items[0].Status)
	// payload fields carried from the item columns
	require.Equal(t, "org-1", items[0].Payload.OrganizationID)
	require.Equal(t, "idem-1", items[0].Payload.IdempotencyKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueScheduleRetryIncrementsCount(t *testing.T) {
	db, mock := openMock(t)

	mock.ExpectExec(`retry_count = retry_count \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := db.Queue().ScheduleRetry(context.Background(), "q1", time.Now().Add(time.Minute), queue.Metadata{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueDeferKeepsRetryCount(t *testing.T) {
	db, mock := openMock(t)

	// the deferral update only moves the item back to pending
	mock.ExpectExec(`SET status = 'pending', next_retry_at = \$2, processed_at = NULL`).
		WithArgs("q1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := db.Queue().Defer(context.Background(), "q1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueUpdateStatusNotFound(t *testing.T) {
	db, mock := openMock(t)

	mock.ExpectExec(`UPDATE delivery_queue`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.Queue().UpdateStatus(context.Background(), "missing", queue.StatusCompleted)
	require.True(t, queue.ErrItemNotFound.Has(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueRecoverStale(t *testing.T) {
	db, mock := openMock(t)

	mock.ExpectExec(`status = 'processing' AND processed_at <`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	recovered, err := db.Queue().RecoverStale(context.Background(), time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 3, recovered)
	require.NoError(t, mock.ExpectationsWereMet())
}

var destinationColumns = []string{
	"id", "organization_id", "label", "type", "config",
	"disabled", "disabled_at", "disabled_by", "count_usage", "last_used_at",
	"created_at", "updated_at",
}

func TestDestinationsGet(t *testing.T) {
	db, mock := openMock(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM delivery_destinations`).
		WithArgs("dest-1").
		WillReturnRows(sqlmock.NewRows(destinationColumns).AddRow(
			"dest-1", "org-1", "compliance hook", "webhook",
			[]byte(`{"webhook":{"url":"https://example.com/hook"}}`),
			false, nil, "", int64(7), nil, now, now))

	dest, err := db.Destinations().Get(context.Background(), "dest-1")
	require.NoError(t, err)
	require.Equal(t, destination.TypeWebhook, dest.Type)
	require.Equal(t, "compliance hook", dest.Label)
	require.NotNil(t, dest.Config.Webhook)
	require.Equal(t, "https://example.com/hook", dest.Config.Webhook.URL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDestinationsGetNotFound(t *testing.T) {
	db, mock := openMock(t)

	mock.ExpectQuery(`SELECT (.+) FROM delivery_destinations`).
		WillReturnRows(sqlmock.NewRows(destinationColumns))

	_, err := db.Destinations().Get(context.Background(), "missing")
	require.True(t, destination.ErrNotFound.Has(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDestinationsCreateDuplicateLabel(t *testing.T) {
	db, mock := openMock(t)

	mock.ExpectQuery(`INSERT INTO delivery_destinations`).
		WillReturnError(errDuplicate{})

	_, err := db.Destinations().Create(context.Background(), destination.Destination{
		ID:             "dest-1",
		OrganizationID: "org-1",
		Label:          "compliance hook",
		Type:           destination.TypeWebhook,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryLogsAppendStatus(t *testing.T) {
	db, mock := openMock(t)
	ctx := context.Background()

	// success stamps delivered_at and status delivered
	mock.ExpectExec(`INSERT INTO delivery_logs`).
		WithArgs("d1", "org-1", "dest-1", sqlmock.AnyArg(), "delivered", sqlmock.AnyArg(), "", "abc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, db.DeliveryLogs().Append(ctx, deliverylog.Record{
		DeliveryID:           "d1",
		OrganizationID:       "org-1",
		DestinationID:        "dest-1",
		AttemptAt:            time.Now(),
		Success:              true,
		Terminal:             true,
		CrossSystemReference: "abc",
	}))

	// terminal failure
	mock.ExpectExec(`INSERT INTO delivery_logs`).
		WithArgs("d1", "org-1", "dest-1", sqlmock.AnyArg(), "failed", nil, "unauthorized", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, db.DeliveryLogs().Append(ctx, deliverylog.Record{
		DeliveryID:     "d1",
		OrganizationID: "org-1",
		DestinationID:  "dest-1",
		AttemptAt:      time.Now(),
		Terminal:       true,
		FailureReason:  "unauthorized",
	}))

	// non-terminal failure stays pending
	mock.ExpectExec(`INSERT INTO delivery_logs`).
		WithArgs("d1", "org-1", "dest-1", sqlmock.AnyArg(), "pending", nil, "timeout", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, db.DeliveryLogs().Append(ctx, deliverylog.Record{
		DeliveryID:     "d1",
		OrganizationID: "org-1",
		DestinationID:  "dest-1",
		AttemptAt:      time.Now(),
		FailureReason:  "timeout",
	}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryLogsGetNotFound(t *testing.T) {
	db, mock := openMock(t)

	mock.ExpectQuery(`SELECT (.+) FROM delivery_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"delivery_id"}))

	_, err := db.DeliveryLogs().Get(context.Background(), "missing")
	require.True(t, deliverylog.ErrNotFound.Has(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

type errDuplicate struct{}

func (errDuplicate) Error() string {
	return `duplicate key value violates unique constraint "delivery_destinations_org_label"`
}
