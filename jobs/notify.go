package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgconn"

	jobmetrics "github.com/eddinos2/hyperzenof-sub000/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertNotificationSQL = `INSERT INTO notifications (id, task_id, invoice_id, event, recipient_role, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (task_id) DO NOTHING`

// NotificationJob writes queued workflow notifications into the inbox table.
type NotificationJob struct {
	DB      Execer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewNotificationJob wires dependencies for the notification handler.
func NewNotificationJob(db Execer, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotificationJob {
	return &NotificationJob{
		DB:      db,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskTypeInvoiceNotification tasks. Redelivered tasks keep their
// task id, so the inbox stores each notification once.
func (j *NotificationJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.DB == nil {
		return errors.New("notification: handler not configured")
	}
	var payload InvoiceNotificationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode notification: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskTypeInvoiceNotification)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	taskID, ok := asynq.GetTaskID(ctx)
	if !ok || taskID == "" {
		taskID = uuid.NewString()
	}
	logger := j.logger().With(
		slog.String("invoice_id", payload.InvoiceID.String()),
		slog.String("event", payload.Event),
		slog.String("recipient_role", payload.RecipientRole))

	tag, err := j.DB.Exec(ctx, insertNotificationSQL,
		uuid.New(), taskID, payload.InvoiceID, payload.Event, payload.RecipientRole, j.now())
	if err != nil {
		resultErr = fmt.Errorf("store notification: %w", err)
		logger.Error("store notification", slog.Any("error", err))
		return resultErr
	}
	if tag.RowsAffected() == 0 {
		logger.Info("notification already stored", slog.String("task_id", taskID))
		return resultErr
	}
	j.metrics().AddNotifications(payload.Event, "stored", 1)
	logger.Info("notification stored")
	return resultErr
}

func (j *NotificationJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *NotificationJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *NotificationJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// PruneNotificationsJob deletes inbox rows past the retention window.
type PruneNotificationsJob struct {
	DB        Execer
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewPruneNotificationsJob wires dependencies for the retention cron.
func NewPruneNotificationsJob(db Execer, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *PruneNotificationsJob {
	return &PruneNotificationsJob{
		DB:        db,
		Retention: retention,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskTypePruneNotifications tasks.
func (j *PruneNotificationsJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.DB == nil {
		return errors.New("prune notifications: handler not configured")
	}
	if j.Retention <= 0 {
		return fmt.Errorf("prune notifications: retention must be positive: %w", asynq.SkipRetry)
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()
	if j.clock != nil {
		now = j.clock()
	}

	tracker := metrics.Track(TaskTypePruneNotifications)
	cutoff := now.Add(-j.Retention)
	tag, err := j.DB.Exec(ctx, `DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		logger.Error("prune notifications", slog.Any("error", err))
		return tracker.End(fmt.Errorf("prune notifications: %w", err))
	}
	deleted := int(tag.RowsAffected())
	metrics.AddNotifications("any", "pruned", deleted)
	logger.Info("notifications pruned", slog.Int("deleted", deleted), slog.Time("cutoff", cutoff))
	return tracker.End(nil)
}
