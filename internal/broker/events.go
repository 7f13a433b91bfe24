package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"prices-service/internal/models"
	"prices-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing proof events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func proofKey(proofID int64) string {
	return fmt.Sprintf("proof-%d", proofID)
}

// PublishProofUploaded publishes ProofUploaded event
func (ep *EventPublisher) PublishProofUploaded(ctx context.Context, event *models.ProofUploadedEvent) error {
	return ep.producer.PublishEvent(ctx, proofKey(event.ProofID), event)
}

// PublishPredictionRequested publishes PredictionRequested event
func (ep *EventPublisher) PublishPredictionRequested(ctx context.Context, event *models.PredictionRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, proofKey(event.ProofID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onProofUploaded       func(context.Context, *models.ProofUploadedEvent) error
	onPredictionRequested func(context.Context, *models.PredictionRequestedEvent) error
	logger                *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnProofUploaded registers a handler for ProofUploaded events
func (eh *EventHandler) OnProofUploaded(handler func(context.Context, *models.ProofUploadedEvent) error) {
	eh.onProofUploaded = handler
}

// OnPredictionRequested registers a handler for PredictionRequested events
func (eh *EventHandler) OnPredictionRequested(handler func(context.Context, *models.PredictionRequestedEvent) error) {
	eh.onPredictionRequested = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// a payload that cannot be decoded will never succeed, skip it
		eh.logger.Error("Dropping undecodable event", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeProofUploaded:
		if eh.onProofUploaded != nil {
			var event models.ProofUploadedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ProofUploaded event: %w", err)
			}
			return eh.onProofUploaded(ctx, &event)
		}

	case models.EventTypePredictionRequested:
		if eh.onPredictionRequested != nil {
			var event models.PredictionRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PredictionRequested event: %w", err)
			}
			return eh.onPredictionRequested(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
