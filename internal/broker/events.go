package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing payment-domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func paymentKey(paymentID int64) string {
	return fmt.Sprintf("payment-%d", paymentID)
}

// PublishPaymentEvent publishes a payment transition
func (ep *EventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	return ep.producer.PublishEvent(ctx, paymentKey(event.PaymentID), event)
}

// PublishAuctionSettled publishes the final outcome of an auction
func (ep *EventPublisher) PublishAuctionSettled(ctx context.Context, event *models.AuctionSettledEvent) error {
	key := fmt.Sprintf("auction-%d", event.AuctionID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishDisputeEvent publishes a dispute change keyed by its payment
func (ep *EventPublisher) PublishDisputeEvent(ctx context.Context, event *models.DisputeEvent) error {
	return ep.producer.PublishEvent(ctx, paymentKey(event.PaymentID), event)
}

// DeliveryHandler routes delivery confirmations to the payout release
type DeliveryHandler struct {
	onDeliveryConfirmed func(context.Context, *models.DeliveryConfirmedEvent) error
	logger              *zap.Logger
}

// NewDeliveryHandler creates a new delivery handler
func NewDeliveryHandler(onDeliveryConfirmed func(context.Context, *models.DeliveryConfirmedEvent) error) *DeliveryHandler {
	return &DeliveryHandler{
		onDeliveryConfirmed: onDeliveryConfirmed,
		logger:              util.ComponentLogger("delivery-handler"),
	}
}

// HandleMessage decodes one message. Unknown event types are acknowledged and
// skipped; undecodable payloads are acknowledged too since redelivery cannot fix them.
func (h *DeliveryHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		h.logger.Error("Dropping undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	h.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeDeliveryConfirmed:
		var event models.DeliveryConfirmedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			h.logger.Error("Dropping malformed delivery confirmation", zap.Error(err))
			return nil
		}
		return h.onDeliveryConfirmed(ctx, &event)

	default:
		h.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
