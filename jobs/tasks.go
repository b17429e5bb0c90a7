package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeInvoiceNotification stores a workflow notification in the inbox.
	TaskTypeInvoiceNotification = "billing:notify"
	// TaskTypePruneNotifications removes inbox rows older than the retention window.
	TaskTypePruneNotifications = "billing:notifications:prune"
)

// InvoiceNotificationPayload describes one notification addressed to a role.
type InvoiceNotificationPayload struct {
	InvoiceID     uuid.UUID `json:"invoice_id"`
	Event         string    `json:"event"`
	RecipientRole string    `json:"recipient_role"`
}

// Validate rejects payloads the inbox cannot store.
func (p InvoiceNotificationPayload) Validate() error {
	if p.InvoiceID == uuid.Nil {
		return fmt.Errorf("notification: invoice id required")
	}
	if p.Event == "" || p.RecipientRole == "" {
		return fmt.Errorf("notification: event and recipient role required")
	}
	return nil
}

// NewInvoiceNotificationTask constructs an Asynq task.
func NewInvoiceNotificationTask(payload InvoiceNotificationPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeInvoiceNotification, data), nil
}

// PruneNotificationsPayload carries no data; retention comes from worker config.
type PruneNotificationsPayload struct{}

// NewPruneNotificationsTask constructs the cron task for inbox retention.
func NewPruneNotificationsTask() (*asynq.Task, error) {
	data, err := json.Marshal(PruneNotificationsPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePruneNotifications, data), nil
}

// TaskTypeCleanupIdempotency drops expired submission idempotency keys.
const TaskTypeCleanupIdempotency = "billing:idempotency:cleanup"

// NewCleanupIdempotencyTask constructs the cron task for key expiry.
func NewCleanupIdempotencyTask() *asynq.Task {
	return asynq.NewTask(TaskTypeCleanupIdempotency, nil)
}
