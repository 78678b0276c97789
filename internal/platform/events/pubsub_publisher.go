package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	domain "github.com/ecomcore/api/internal/domain"
	"github.com/ecomcore/api/internal/services"
)

// PubSubOrderPublisher emits order lifecycle events on a Pub/Sub topic.
type PubSubOrderPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderPublisher(topic *pubsub.Topic) (*PubSubOrderPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubOrderPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishOrderEvent publishes one lifecycle event for an order.
func (p *PubSubOrderPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.Order.ID)
	setAttr(attrs, "userId", event.Order.UserID)
	setAttr(attrs, "status", string(event.Order.Status))

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PubSubStockPublisher emits applied inventory deltas for downstream audit.
type PubSubStockPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubStockPublisher constructs a Pub/Sub backed stock event publisher.
func NewPubSubStockPublisher(topic *pubsub.Topic) (*PubSubStockPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub stock publisher: topic is required")
	}
	return &PubSubStockPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishStockEvent publishes one applied stock adjustment.
func (p *PubSubStockPublisher) PublishStockEvent(ctx context.Context, adjustment domain.StockAdjustment) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub stock publisher: not initialised")
	}

	data, err := p.marshal(adjustment)
	if err != nil {
		return fmt.Errorf("marshal stock event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "productId", adjustment.ProductID)
	setAttr(attrs, "reason", adjustment.Reason)

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish stock event: %w", err)
	}
	return nil
}

// PubSubReviewPublisher emits review lifecycle events.
type PubSubReviewPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubReviewPublisher constructs a Pub/Sub backed review event publisher.
func NewPubSubReviewPublisher(topic *pubsub.Topic) (*PubSubReviewPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub review publisher: topic is required")
	}
	return &PubSubReviewPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishReviewEvent publishes one lifecycle event for a review.
func (p *PubSubReviewPublisher) PublishReviewEvent(ctx context.Context, event services.ReviewEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub review publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal review event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "reviewId", event.Review.ID)
	setAttr(attrs, "productId", event.Review.ProductID)

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish review event: %w", err)
	}
	return nil
}

// PubSubReconciliationQueue hands settlement reconciliation cases to the
// manual review pipeline. Enqueue failures surface to the caller so the case
// is never silently dropped.
type PubSubReconciliationQueue struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubReconciliationQueue constructs a Pub/Sub backed reconciliation queue.
func NewPubSubReconciliationQueue(topic *pubsub.Topic) (*PubSubReconciliationQueue, error) {
	if topic == nil {
		return nil, errors.New("pubsub reconciliation queue: topic is required")
	}
	return &PubSubReconciliationQueue{topic: topic, marshal: json.Marshal}, nil
}

// Enqueue publishes one reconciliation case.
func (p *PubSubReconciliationQueue) Enqueue(ctx context.Context, c domain.ReconciliationCase) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub reconciliation queue: not initialised")
	}

	data, err := p.marshal(c)
	if err != nil {
		return fmt.Errorf("marshal reconciliation case: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "attemptId", c.AttemptID)
	setAttr(attrs, "userId", c.UserID)
	setAttr(attrs, "chargeId", c.ChargeID)
	if key := strings.TrimSpace(c.IdempotencyKey); key != "" {
		attrs["idempotencyKey"] = key
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("enqueue reconciliation case: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
