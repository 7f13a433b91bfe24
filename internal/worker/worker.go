package worker

import (
	"context"
	"fmt"
	"time"

	"prices-service/internal/broker"
	"prices-service/internal/models"
	"prices-service/internal/util"

	"go.uber.org/zap"
)

// ProofProcessor runs OCR and classification on a stored proof
type ProofProcessor interface {
	ProcessProof(ctx context.Context, proofID int64, runOCR, runClassification bool) error
}

// Coordinator deduplicates events and serializes work per proof
type Coordinator interface {
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ForgetProcessed(ctx context.Context, key string) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// Config tunes the worker's Redis keys lifetime
type Config struct {
	LockTTL        time.Duration
	IdempotencyTTL time.Duration
}

// PredictionWorker consumes proof events and attaches predictions
type PredictionWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	processor    ProofProcessor
	coord        Coordinator
	cfg          Config
	logger       *zap.Logger
}

// NewPredictionWorker creates a new prediction worker
func NewPredictionWorker(consumer *broker.Consumer, processor ProofProcessor, coord Coordinator, cfg Config) *PredictionWorker {
	w := &PredictionWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		processor:    processor,
		coord:        coord,
		cfg:          cfg,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnProofUploaded(w.handleProofUploaded)
	w.eventHandler.OnPredictionRequested(w.handlePredictionRequested)
	return w
}

// Start starts the worker
func (w *PredictionWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting prediction worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PredictionWorker) Stop() error {
	w.logger.Info("Stopping prediction worker...")
	return w.consumer.Close()
}

func (w *PredictionWorker) handleProofUploaded(ctx context.Context, event *models.ProofUploadedEvent) error {
	return w.process(ctx, event.EventID, event.ProofID, true, true)
}

func (w *PredictionWorker) handlePredictionRequested(ctx context.Context, event *models.PredictionRequestedEvent) error {
	if !event.OCR && !event.Classify {
		return nil
	}
	return w.process(ctx, event.EventID, event.ProofID, event.OCR, event.Classify)
}

// process runs the collaborators at most once per event id. A failed run
// forgets the event so the consumer's next attempt can retry it.
func (w *PredictionWorker) process(ctx context.Context, eventID string, proofID int64, runOCR, runClassification bool) error {
	ctx, span := util.StartSpan(ctx, "PredictionWorker.process")
	defer span.End()

	processedKey := "event:processed:" + eventID
	first, err := w.coord.MarkProcessed(ctx, processedKey, w.cfg.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	if !first {
		w.logger.Info("Skipping duplicate event", zap.String("event_id", eventID), zap.Int64("proof_id", proofID))
		return nil
	}

	lockKey := fmt.Sprintf("lock:proof:%d", proofID)
	token, err := w.coord.AcquireLock(ctx, lockKey, w.cfg.LockTTL)
	if err != nil || token == "" {
		w.forget(ctx, processedKey)
		if err == nil {
			err = fmt.Errorf("proof %d is being processed", proofID)
		}
		return fmt.Errorf("failed to lock proof: %w", err)
	}
	defer func() {
		if err := w.coord.ReleaseLock(context.Background(), lockKey, token); err != nil {
			w.logger.Warn("Failed to release proof lock", zap.Int64("proof_id", proofID), zap.Error(err))
		}
	}()

	if err := w.processor.ProcessProof(ctx, proofID, runOCR, runClassification); err != nil {
		w.forget(ctx, processedKey)
		w.logger.Error("Proof processing failed", zap.Int64("proof_id", proofID), zap.Error(err))
		return err
	}

	w.logger.Info("Proof processed", zap.Int64("proof_id", proofID), zap.String("event_id", eventID))
	return nil
}

func (w *PredictionWorker) forget(ctx context.Context, key string) {
	if err := w.coord.ForgetProcessed(ctx, key); err != nil {
		w.logger.Warn("Failed to forget event", zap.String("key", key), zap.Error(err))
	}
}
