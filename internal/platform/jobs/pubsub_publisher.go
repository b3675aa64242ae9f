package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/oakline-commerce/checkout-api/internal/services"
)

// PubSubOrderPublisher hands committed orders to the fulfillment pipeline
// through a Pub/Sub topic.
type PubSubOrderPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderPublisher constructs a Pub/Sub backed order submitter.
func NewPubSubOrderPublisher(topic *pubsub.Topic) (*PubSubOrderPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// Submit enqueues the order on the configured topic and returns the
// Pub/Sub message ID as the submission reference.
func (p *PubSubOrderPublisher) Submit(ctx context.Context, order services.Order) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(order)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", order.ID)
	setAttr(attrs, "orderNumber", order.Number)
	setAttr(attrs, "status", string(order.Status))
	setAttr(attrs, "paymentProvider", order.PaymentProvider)
	setAttr(attrs, "currency", order.Currency)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.OrderSubmitter = (*PubSubOrderPublisher)(nil)
