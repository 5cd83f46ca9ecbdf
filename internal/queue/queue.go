// Package queue is the durable, at-least-once webhook queue.
//
// Enqueue writes a pending row and returns. Drain is a single-consumer
// batch operation invoked by a scheduler: it dispatches pending rows oldest
// first, one at a time, completing them on success and counting failures
// towards a fixed retry ceiling after which the row is dead-lettered.
// Retries only ever happen on a later Drain call.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"deliveryinsight/internal/db"
)

// MaxAttempts is the number of failed dispatches after which a row is
// dead-lettered. The dead-lettering happens on the MaxAttempts-th failure.
const MaxAttempts = 3

// ErrInvalidTransition is returned when a terminal row would be moved again.
var ErrInvalidTransition = errors.New("invalid queue state transition")

// Dispatcher processes one queue row. A nil error completes the row.
type Dispatcher interface {
	Dispatch(ctx context.Context, item db.QueueItem) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, item db.QueueItem) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, item db.QueueItem) error {
	return f(ctx, item)
}

// Meta is optional provenance stored alongside a payload.
type Meta struct {
	EventKind  string
	Signature  string
	DeliveryID string
}

// DrainResult reports what one Drain call did.
type DrainResult struct {
	Selected     int
	Completed    int
	Retried      int
	DeadLettered int
}

// Queue is the gorm-backed queue.
type Queue struct {
	db  *gorm.DB
	log *zap.Logger

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// New returns a queue over gdb. A nil logger disables logging.
func New(gdb *gorm.DB, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{db: gdb, log: log, Now: time.Now}
}

// Enqueue durably stores a payload as a pending row with zero attempts.
func (q *Queue) Enqueue(ctx context.Context, source string, payload []byte, meta Meta) (*db.QueueItem, error) {
	item := &db.QueueItem{
		EventSource: source,
		EventKind:   optional(meta.EventKind),
		Signature:   optional(meta.Signature),
		DeliveryID:  meta.DeliveryID,
		Payload:     datatypes.JSON(payload),
		Status:      db.QueueStatusPending,
		EnqueuedAt:  q.Now().UTC(),
	}
	if item.DeliveryID == "" {
		item.DeliveryID = uuid.NewString()
	}
	if err := q.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("enqueue %s item: %w", source, err)
	}
	enqueuedTotal.WithLabelValues(source).Inc()
	return item, nil
}

// Drain dispatches up to batchLimit pending rows, oldest first. A failing
// row never stops the batch; Drain only returns an error when the queue
// itself cannot be read or written.
func (q *Queue) Drain(ctx context.Context, batchLimit int, d Dispatcher) (DrainResult, error) {
	var res DrainResult
	if batchLimit <= 0 {
		return res, nil
	}
	start := time.Now()
	defer func() { drainDuration.Observe(time.Since(start).Seconds()) }()

	var items []db.QueueItem
	if err := q.db.WithContext(ctx).
		Where("status = ?", db.QueueStatusPending).
		Order("enqueued_at, id").
		Limit(batchLimit).
		Find(&items).Error; err != nil {
		return res, fmt.Errorf("select pending items: %w", err)
	}
	res.Selected = len(items)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		dispatchErr := q.dispatch(ctx, d, item)
		next, err := nextStatus(item.Status, dispatchErr == nil, item.AttemptCount+1)
		if err != nil {
			return res, err
		}

		if err := q.record(ctx, item, next, dispatchErr); err != nil {
			return res, err
		}

		switch next {
		case db.QueueStatusCompleted:
			res.Completed++
			processedTotal.WithLabelValues(item.EventSource, "completed").Inc()
		case db.QueueStatusDeadLettered:
			res.DeadLettered++
			processedTotal.WithLabelValues(item.EventSource, "dead_lettered").Inc()
			q.log.Warn("queue item dead-lettered",
				zap.Uint("queue_item_id", item.ID),
				zap.String("source", item.EventSource),
				zap.Int("attempts", item.AttemptCount+1),
				zap.Error(dispatchErr))
		default:
			res.Retried++
			processedTotal.WithLabelValues(item.EventSource, "retried").Inc()
			q.log.Info("queue item dispatch failed",
				zap.Uint("queue_item_id", item.ID),
				zap.String("source", item.EventSource),
				zap.Int("attempts", item.AttemptCount+1),
				zap.Error(dispatchErr))
		}
	}
	return res, nil
}

// CountPending returns the number of rows awaiting dispatch.
func (q *Queue) CountPending(ctx context.Context) (int64, error) {
	return q.count(ctx, db.QueueStatusPending)
}

// CountDeadLettered returns the number of rows needing operator replay.
func (q *Queue) CountDeadLettered(ctx context.Context) (int64, error) {
	return q.count(ctx, db.QueueStatusDeadLettered)
}

func (q *Queue) count(ctx context.Context, status db.QueueStatus) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&db.QueueItem{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

// dispatch isolates a dispatcher panic to the row that caused it.
func (q *Queue) dispatch(ctx context.Context, d Dispatcher, item db.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	return d.Dispatch(ctx, item)
}

func (q *Queue) record(ctx context.Context, item db.QueueItem, next db.QueueStatus, dispatchErr error) error {
	updates := map[string]any{"status": next}
	if dispatchErr == nil {
		updates["processed_at"] = q.Now().UTC()
	} else {
		updates["attempt_count"] = item.AttemptCount + 1
		updates["last_error"] = dispatchErr.Error()
		if next == db.QueueStatusDeadLettered {
			updates["processed_at"] = q.Now().UTC()
		}
	}
	err := q.db.WithContext(ctx).Model(&db.QueueItem{}).
		Where("id = ? AND status = ?", item.ID, db.QueueStatusPending).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("record queue item %d: %w", item.ID, err)
	}
	return nil
}

// nextStatus is the queue state machine. Only pending rows move.
func nextStatus(from db.QueueStatus, succeeded bool, attempts int) (db.QueueStatus, error) {
	if from != db.QueueStatusPending {
		return from, fmt.Errorf("%w: from %s", ErrInvalidTransition, from)
	}
	switch {
	case succeeded:
		return db.QueueStatusCompleted, nil
	case attempts >= MaxAttempts:
		return db.QueueStatusDeadLettered, nil
	default:
		return db.QueueStatusPending, nil
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
