package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var notificationNamespace = uuid.MustParse("6f1c8a52-3b0e-4a43-9d55-2f9b2f0c7a10")

// Deduper records keys that must only be acted on once
type Deduper interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ForgetKey(ctx context.Context, key string) error
}

// Notifier hands user notifications to the delivery subsystem over Kafka.
// Delivery is fire-and-forget: failures are logged, never returned.
type Notifier struct {
	producer *Producer
	deduper  Deduper
	ttl      time.Duration
	logger   *zap.Logger
}

// NewNotifier creates a notifier. deduper may be nil.
func NewNotifier(producer *Producer, deduper Deduper, ttl time.Duration) *Notifier {
	return &Notifier{
		producer: producer,
		deduper:  deduper,
		ttl:      ttl,
		logger:   util.ComponentLogger("notifier"),
	}
}

// NotificationID derives a stable id so a repeated settlement step does not
// notify twice
func NotificationID(userIDs []int64, message, subjectKind string, subjectID int64) string {
	ids := append([]int64(nil), userIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprint(id))
	}
	data := fmt.Sprintf("%s:%d:%s:%s", subjectKind, subjectID, strings.Join(parts, ","), message)
	return uuid.NewSHA1(notificationNamespace, []byte(data)).String()
}

// Notify publishes one notification to the given users
func (n *Notifier) Notify(ctx context.Context, userIDs []int64, message, subjectKind string, subjectID int64) {
	if len(userIDs) == 0 {
		return
	}

	id := NotificationID(userIDs, message, subjectKind, subjectID)
	logger := n.logger.With(
		zap.String("notification_id", id),
		zap.String("subject_kind", subjectKind),
		zap.Int64("subject_id", subjectID))

	if n.deduper != nil {
		first, err := n.deduper.MarkOnce(ctx, "notification:"+id, n.ttl)
		if err != nil {
			logger.Warn("Notification dedupe unavailable, publishing anyway", zap.Error(err))
		} else if !first {
			util.NotificationsPublishedTotal.WithLabelValues("duplicate").Inc()
			logger.Debug("Notification already published")
			return
		}
	}

	event := &models.NotificationEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeNotification, time.Now()),
		UserIDs:     userIDs,
		Message:     message,
		SubjectKind: subjectKind,
		SubjectID:   subjectID,
	}
	event.EventID = id

	key := fmt.Sprintf("%s-%d", subjectKind, subjectID)
	if err := n.producer.PublishEvent(ctx, key, event); err != nil {
		util.NotificationsPublishedTotal.WithLabelValues("error").Inc()
		logger.Error("Failed to publish notification", zap.Error(err))
		if n.deduper != nil {
			if err := n.deduper.ForgetKey(ctx, "notification:"+id); err != nil {
				logger.Warn("Failed to clear notification dedupe key", zap.Error(err))
			}
		}
		return
	}

	util.NotificationsPublishedTotal.WithLabelValues("published").Inc()
}
