package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliveryinsight/internal/db"
	"deliveryinsight/internal/testutil"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(testutil.NewDB(t), nil)
	q.Now = testutil.FixedClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return q
}

func reload(t *testing.T, q *Queue, id uint) db.QueueItem {
	t.Helper()
	var item db.QueueItem
	require.NoError(t, q.db.First(&item, id).Error)
	return item
}

func TestEnqueue_CreatesPendingRow(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, db.EventSourceGitHub, []byte(`{"a":1}`), Meta{EventKind: "pull_request", Signature: "sha256=ab"})
	require.NoError(t, err)

	got := reload(t, q, item.ID)
	assert.Equal(t, db.QueueStatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	require.NotNil(t, got.EventKind)
	assert.Equal(t, "pull_request", *got.EventKind)
	assert.NotEmpty(t, got.DeliveryID)
	assert.Nil(t, got.ProcessedAt)

	n, err := q.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDrain_CompletesOnSuccess(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	item, err := q.Enqueue(ctx, db.EventSourceJira, []byte(`{}`), Meta{})
	require.NoError(t, err)

	res, err := q.Drain(ctx, 10, DispatcherFunc(func(context.Context, db.QueueItem) error { return nil }))
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Selected: 1, Completed: 1}, res)

	got := reload(t, q, item.ID)
	assert.Equal(t, db.QueueStatusCompleted, got.Status)
	require.NotNil(t, got.ProcessedAt)

	res, err = q.Drain(ctx, 10, DispatcherFunc(func(context.Context, db.QueueItem) error {
		t.Fatal("completed rows must never be reselected")
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Selected)
}

func TestDrain_DeadLettersOnThirdFailure(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	item, err := q.Enqueue(ctx, db.EventSourceGitHub, []byte(`{}`), Meta{})
	require.NoError(t, err)

	calls := 0
	failing := DispatcherFunc(func(context.Context, db.QueueItem) error {
		calls++
		return errors.New("boom")
	})

	res, err := q.Drain(ctx, 10, failing)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	got := reload(t, q, item.ID)
	assert.Equal(t, db.QueueStatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)

	_, err = q.Drain(ctx, 10, failing)
	require.NoError(t, err)
	got = reload(t, q, item.ID)
	assert.Equal(t, db.QueueStatusPending, got.Status)
	assert.Equal(t, 2, got.AttemptCount)

	res, err = q.Drain(ctx, 10, failing)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	got = reload(t, q, item.ID)
	assert.Equal(t, db.QueueStatusDeadLettered, got.Status)
	assert.Equal(t, 3, got.AttemptCount)

	res, err = q.Drain(ctx, 10, failing)
	require.NoError(t, err)
	assert.Equal(t, 0, res.DeadLettered)
	assert.Equal(t, 0, res.Selected)
	assert.Equal(t, 3, calls, "no fourth attempt")

	dead, err := q.CountDeadLettered(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestDrain_IsolatesFailuresAndPanics(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	for _, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		_, err := q.Enqueue(ctx, db.EventSourceJira, []byte(body), Meta{})
		require.NoError(t, err)
	}

	seen := 0
	res, err := q.Drain(ctx, 10, DispatcherFunc(func(_ context.Context, item db.QueueItem) error {
		seen++
		switch seen {
		case 1:
			panic("bad payload")
		case 2:
			return errors.New("transient")
		}
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Selected: 3, Completed: 1, Retried: 2}, res)

	pending, err := q.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
}

func TestDrain_RespectsBatchLimitOldestFirst(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var ids []uint
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(3-i) * time.Minute)
		q.Now = testutil.FixedClock(at)
		item, err := q.Enqueue(ctx, db.EventSourceJira, []byte(`{}`), Meta{})
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	var order []uint
	res, err := q.Drain(ctx, 2, DispatcherFunc(func(_ context.Context, item db.QueueItem) error {
		order = append(order, item.ID)
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Selected)
	assert.Equal(t, []uint{ids[2], ids[1]}, order)
}

func TestNextStatus(t *testing.T) {
	tests := []struct {
		name      string
		from      db.QueueStatus
		succeeded bool
		attempts  int
		want      db.QueueStatus
		wantErr   bool
	}{
		{name: "success completes", from: db.QueueStatusPending, succeeded: true, attempts: 1, want: db.QueueStatusCompleted},
		{name: "first failure stays pending", from: db.QueueStatusPending, attempts: 1, want: db.QueueStatusPending},
		{name: "second failure stays pending", from: db.QueueStatusPending, attempts: 2, want: db.QueueStatusPending},
		{name: "third failure dead-letters", from: db.QueueStatusPending, attempts: 3, want: db.QueueStatusDeadLettered},
		{name: "completed is terminal", from: db.QueueStatusCompleted, succeeded: true, attempts: 1, want: db.QueueStatusCompleted, wantErr: true},
		{name: "dead letter is terminal", from: db.QueueStatusDeadLettered, succeeded: true, attempts: 1, want: db.QueueStatusDeadLettered, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nextStatus(tt.from, tt.succeeded, tt.attempts)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
