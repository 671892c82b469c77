package services

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/oklog/ulid/v2"
)

// NotificationDispatcherDeps bundles collaborators for the Pub/Sub backed dispatcher.
type NotificationDispatcherDeps struct {
	Publisher   NotificationPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type notificationDispatcher struct {
	publisher NotificationPublisher
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

var _ NotificationDispatcher = (*notificationDispatcher)(nil)

// NewNotificationDispatcher constructs a dispatcher whose failures are logged and never returned.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (NotificationDispatcher, error) {
	if deps.Publisher == nil {
		return nil, errors.New("notification dispatcher: publisher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &notificationDispatcher{
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (d *notificationDispatcher) Dispatch(ctx context.Context, notifications ...Notification) {
	for _, n := range notifications {
		msg := NotificationMessage{
			ID:             d.newID(),
			Kind:           string(n.Kind),
			UserID:         n.UserID,
			OrderID:        n.OrderID,
			SubscriptionID: n.SubscriptionID,
			Data:           maps.Clone(n.Data),
			CreatedAt:      d.clock(),
		}
		if _, err := d.publisher.PublishNotification(ctx, msg); err != nil {
			d.logger(ctx, "notification.publish.failed", map[string]any{
				"kind":         msg.Kind,
				"order":        msg.OrderID,
				"subscription": msg.SubscriptionID,
				"error":        err.Error(),
			})
		}
	}
}

type noopNotificationDispatcher struct{}

func (noopNotificationDispatcher) Dispatch(context.Context, ...Notification) {}
