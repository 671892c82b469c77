package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/courseshop/api/internal/services"
)

// PubSubPublisher publishes notification and CRM synchronisation messages to their Pub/Sub topics.
type PubSubPublisher struct {
	notifications *pubsub.Topic
	crm           *pubsub.Topic
	marshal       func(any) ([]byte, error)
}

var (
	_ services.NotificationPublisher = (*PubSubPublisher)(nil)
	_ services.CRMPublisher          = (*PubSubPublisher)(nil)
)

// NewPubSubPublisher constructs a Pub/Sub backed publisher. Both topics are required.
func NewPubSubPublisher(notifications, crm *pubsub.Topic) (*PubSubPublisher, error) {
	if notifications == nil {
		return nil, errors.New("pubsub publisher: notification topic is required")
	}
	if crm == nil {
		return nil, errors.New("pubsub publisher: crm topic is required")
	}
	return &PubSubPublisher{
		notifications: notifications,
		crm:           crm,
		marshal:       json.Marshal,
	}, nil
}

// PublishNotification enqueues a message for the mail/SMS worker.
func (p *PubSubPublisher) PublishNotification(ctx context.Context, message services.NotificationMessage) (string, error) {
	if p == nil || p.notifications == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}
	attrs := make(map[string]string)
	setAttr(attrs, "kind", message.Kind)
	setAttr(attrs, "userId", message.UserID)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "subscriptionId", message.SubscriptionID)
	// The message id doubles as the consumer's dedupe key.
	setAttr(attrs, "idempotencyKey", message.ID)
	return p.publish(ctx, p.notifications, "notification", message, attrs)
}

// PublishSubscriptionSync enqueues subscription state for the CRM worker.
func (p *PubSubPublisher) PublishSubscriptionSync(ctx context.Context, message services.CRMSyncMessage) (string, error) {
	if p == nil || p.crm == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}
	attrs := make(map[string]string)
	setAttr(attrs, "subscriptionId", message.SubscriptionID)
	setAttr(attrs, "crmId", message.CRMID)
	setAttr(attrs, "status", message.Status)
	return p.publish(ctx, p.crm, "crm sync", message, attrs)
}

func (p *PubSubPublisher) publish(ctx context.Context, topic *pubsub.Topic, kind string, message any, attrs map[string]string) (string, error) {
	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal %s message: %w", kind, err)
	}

	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s message: %w", kind, err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
