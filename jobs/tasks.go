package jobs

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/vendorhub/licensing/internal/licensing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskNotificationDeliver delivers one persisted lifecycle notification.
	TaskNotificationDeliver = "notification:deliver"
	// TaskLicenseExpireSweep persists EXPIRED for approved licenses past expiry.
	TaskLicenseExpireSweep = "license:expire-sweep"
)

// notificationTaskSpace namespaces deterministic notification task ids.
var notificationTaskSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:licensing:notification"))

// NotificationPayload identifies the notification to deliver.
type NotificationPayload struct {
	NotificationID int64                      `json:"notification_id"`
	UserID         int64                      `json:"user_id"`
	Type           licensing.NotificationType `json:"type"`
	LicenseID      int64                      `json:"license_id"`
}

// NotificationTaskID is the queue id of a notification. A notification is
// queued at most once.
func NotificationTaskID(notificationID int64) string {
	return uuid.NewSHA1(notificationTaskSpace, []byte(strconv.FormatInt(notificationID, 10))).String()
}

// NewNotificationDeliverTask constructs an Asynq task for n.
func NewNotificationDeliverTask(n licensing.Notification) (*asynq.Task, error) {
	data, err := json.Marshal(NotificationPayload{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		LicenseID:      n.RelatedLicenseID,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationDeliver, data,
		asynq.Queue(QueueDefault),
		asynq.TaskID(NotificationTaskID(n.ID)),
		asynq.MaxRetry(10),
		asynq.Retention(24*time.Hour),
	), nil
}

// ExpireSweepPayload carries no options; the sweep always runs at the current time.
type ExpireSweepPayload struct{}

// NewExpireSweepTask builds the sweep task registered with the scheduler.
func NewExpireSweepTask() (*asynq.Task, error) {
	body, err := json.Marshal(ExpireSweepPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLicenseExpireSweep, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
