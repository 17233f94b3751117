package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobObserver is told the result of each job run.
type JobObserver interface {
	ObserveJob(task string, err error)
}

// NotificationStore marks notifications delivered.
type NotificationStore interface {
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)
}

// PGNotificationStore implements NotificationStore using PostgreSQL.
type PGNotificationStore struct {
	pool *pgxpool.Pool
}

// NewNotificationStore constructs the store.
func NewNotificationStore(pool *pgxpool.Pool) *PGNotificationStore {
	return &PGNotificationStore{pool: pool}
}

// MarkDelivered sets delivered_at once. It reports false when the row is
// missing or was already delivered.
func (s *PGNotificationStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET delivered_at = $2 WHERE id = $1 AND delivered_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("jobs: mark notification %d delivered: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeliverNotificationJob handles TaskNotificationDeliver.
type DeliverNotificationJob struct {
	Store    NotificationStore
	Logger   *slog.Logger
	Observer JobObserver
	clock    func() time.Time
}

// NewDeliverNotificationJob constructs the job handler.
func NewDeliverNotificationJob(store NotificationStore, logger *slog.Logger, observer JobObserver) *DeliverNotificationJob {
	return &DeliverNotificationJob{
		Store:    store,
		Logger:   logger,
		Observer: observer,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle delivers one notification.
func (j *DeliverNotificationJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Store == nil {
		return errors.New("notification deliver: dependencies not configured")
	}
	var payload NotificationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.NotificationID <= 0 {
		return asynq.SkipRetry
	}
	defer func() {
		if j.Observer != nil {
			j.Observer.ObserveJob(TaskNotificationDeliver, err)
		}
	}()

	delivered, err := j.Store.MarkDelivered(ctx, payload.NotificationID, j.clock())
	if err != nil {
		j.log().Error("deliver notification", slog.Int64("notification_id", payload.NotificationID), slog.Any("error", err))
		return err
	}
	if !delivered {
		j.log().Info("notification already delivered", slog.Int64("notification_id", payload.NotificationID))
		return nil
	}
	j.log().Info("notification delivered",
		slog.Int64("notification_id", payload.NotificationID),
		slog.Int64("user_id", payload.UserID),
		slog.String("type", string(payload.Type)),
		slog.Int64("license_id", payload.LicenseID),
	)
	return nil
}

func (j *DeliverNotificationJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
