package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"prices-service/internal/models"
	"prices-service/internal/store"
	"prices-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Classification model identity stored on CLASSIFICATION predictions
const (
	ClassificationModelName    = "price_proof_classification"
	ClassificationModelVersion = "price_proof_classification-1.0"
)

// Classifier ranks labels for a proof image
type Classifier interface {
	Classify(ctx context.Context, imagePath string) ([]models.LabelScore, error)
}

// OCR runs text annotation on a proof image and stores the payload next to it
type OCR interface {
	FetchAndSave(ctx context.Context, imagePath string) (bool, error)
}

// FileLocator maps a stored proof file path to a readable path
type FileLocator interface {
	Path(filePath string) string
}

// AutoPriceConfig controls price creation from receipt extraction
type AutoPriceConfig struct {
	Enabled   bool
	Threshold float64
}

// PredictionService merges asynchronous OCR and ML output into proofs
type PredictionService struct {
	repo       store.Repository
	prices     *PriceService
	files      FileLocator
	classifier Classifier
	ocr        OCR
	autoPrice  AutoPriceConfig
	logger     *zap.Logger
}

// NewPredictionService creates a new prediction service. classifier and
// ocr may be nil when the collaborator is disabled.
func NewPredictionService(repo store.Repository, prices *PriceService, files FileLocator, classifier Classifier, ocr OCR, autoPrice AutoPriceConfig) *PredictionService {
	return &PredictionService{
		repo:       repo,
		prices:     prices,
		files:      files,
		classifier: classifier,
		ocr:        ocr,
		autoPrice:  autoPrice,
		logger:     util.GetLogger(),
	}
}

// SubmitPrediction stores a prediction for a proof. A missing proof yields a
// NotFoundError and an unreadable proof file a ProofFileError; both are logged.
func (s *PredictionService) SubmitPrediction(ctx context.Context, proofID int64, prediction *models.Prediction) (*models.Prediction, error) {
	ctx, span := util.StartSpan(ctx, "PredictionService.SubmitPrediction")
	defer span.End()

	errs := &ValidationError{}
	if !prediction.Type.Valid() {
		errs.Add("type", "must be one of OBJECT_DETECTION, CLASSIFICATION, RECEIPT_EXTRACTION")
	}
	if prediction.ModelName == "" {
		errs.Add("model_name", "is required")
	}
	if prediction.ModelVersion == "" {
		errs.Add("model_version", "is required")
	}
	if len(prediction.Data) == 0 {
		prediction.Data = []byte("{}")
	} else if !json.Valid(prediction.Data) {
		errs.Add("data", "must be valid JSON")
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}

	proof, err := s.loadProof(ctx, proofID)
	if err != nil {
		return nil, err
	}

	prediction.ProofID = proofID
	err = s.repo.WithTx(ctx, func(q store.Queries) error {
		if _, err := q.GetProofForUpdate(ctx, proofID); err != nil {
			return err
		}
		if err := q.CreatePrediction(ctx, prediction); err != nil {
			return fmt.Errorf("failed to create prediction: %w", err)
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		// deleted between the lookup and the insert
		return nil, s.proofNotFound(proofID)
	}
	if err != nil {
		return nil, err
	}

	util.PredictionsSavedTotal.WithLabelValues(string(prediction.Type)).Inc()
	s.logger.Info("Prediction saved",
		zap.Int64("proof_id", proofID),
		zap.Int64("prediction_id", prediction.ID),
		zap.String("type", string(prediction.Type)))

	if prediction.Type == models.PredictionTypeReceiptExtraction {
		s.createPricesFromReceipt(ctx, proof, prediction)
	}
	return prediction, nil
}

// RunClassification classifies the proof image and stores the ranked labels
func (s *PredictionService) RunClassification(ctx context.Context, proofID int64) (*models.Prediction, error) {
	ctx, span := util.StartSpan(ctx, "PredictionService.RunClassification")
	defer span.End()

	if s.classifier == nil {
		return nil, nil
	}

	proof, err := s.loadProof(ctx, proofID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	labels, err := s.classifier.Classify(ctx, s.files.Path(proof.FilePath))
	util.ClassifierLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.ExternalCallsFailed.WithLabelValues("classifier").Inc()
		return nil, &ExternalError{Collaborator: "classifier", Err: err}
	}
	if len(labels) == 0 {
		s.logger.Warn("Classifier returned no labels", zap.Int64("proof_id", proofID))
		return nil, nil
	}

	prediction, err := ClassificationPrediction(labels)
	if err != nil {
		return nil, err
	}
	return s.SubmitPrediction(ctx, proofID, prediction)
}

// RunOCR annotates the proof image. It reports false for files the OCR
// collaborator does not support.
func (s *PredictionService) RunOCR(ctx context.Context, proofID int64) (bool, error) {
	ctx, span := util.StartSpan(ctx, "PredictionService.RunOCR")
	defer span.End()

	if s.ocr == nil {
		return false, nil
	}

	proof, err := s.loadProof(ctx, proofID)
	if err != nil {
		return false, err
	}

	start := time.Now()
	saved, err := s.ocr.FetchAndSave(ctx, s.files.Path(proof.FilePath))
	util.OCRLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.ExternalCallsFailed.WithLabelValues("ocr").Inc()
		return false, &ExternalError{Collaborator: "ocr", Err: err}
	}
	return saved, nil
}

// ProcessProof runs OCR and classification concurrently. Neither call holds
// a database transaction while waiting on its collaborator. A proof that
// was deleted or lost its file is skipped without error.
func (s *PredictionService) ProcessProof(ctx context.Context, proofID int64, runOCR, runClassification bool) error {
	ctx, span := util.StartSpan(ctx, "PredictionService.ProcessProof")
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	if runOCR {
		g.Go(func() error {
			_, err := s.RunOCR(ctx, proofID)
			return skipUnprocessable(err)
		})
	}
	if runClassification {
		g.Go(func() error {
			_, err := s.RunClassification(ctx, proofID)
			return skipUnprocessable(err)
		})
	}
	return g.Wait()
}

// ClassificationPrediction wraps ranked labels into a CLASSIFICATION
// prediction whose value is the top label
func ClassificationPrediction(labels []models.LabelScore) (*models.Prediction, error) {
	top := labels[0]
	for _, l := range labels[1:] {
		if l.Score > top.Score {
			top = l
		}
	}

	data, err := json.Marshal(map[string][]models.LabelScore{"prediction": labels})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal classification: %w", err)
	}

	value := top.Label
	confidence := top.Score
	return &models.Prediction{
		Type:          models.PredictionTypeClassification,
		ModelName:     ClassificationModelName,
		ModelVersion:  ClassificationModelVersion,
		Value:         &value,
		MaxConfidence: &confidence,
		Data:          data,
	}, nil
}

// loadProof returns the proof when it exists and its file is readable
func (s *PredictionService) loadProof(ctx context.Context, proofID int64) (*models.Proof, error) {
	proof, err := s.repo.GetProof(ctx, proofID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, s.proofNotFound(proofID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proof: %w", err)
	}

	path := s.files.Path(proof.FilePath)
	if _, err := os.Stat(path); err != nil {
		util.PredictionsDroppedTotal.WithLabelValues("file_not_found").Inc()
		s.logger.Error(fmt.Sprintf("Proof file not found: %s", path), zap.Int64("proof_id", proofID))
		return nil, &ProofFileError{ProofID: proofID, Path: path}
	}
	return proof, nil
}

func (s *PredictionService) proofNotFound(proofID int64) error {
	util.PredictionsDroppedTotal.WithLabelValues("proof_not_found").Inc()
	s.logger.Error(fmt.Sprintf("Proof with id %d not found", proofID))
	return &NotFoundError{Entity: "proof", ID: proofID}
}

func skipUnprocessable(err error) error {
	if isUnprocessableProof(err) {
		return nil
	}
	return err
}

// receiptExtraction is the data payload of a RECEIPT_EXTRACTION prediction
type receiptExtraction struct {
	Items []struct {
		ProductCode *string          `json:"product_code"`
		ProductName string           `json:"product_name"`
		Price       *decimal.Decimal `json:"price"`
	} `json:"items"`
}

// createPricesFromReceipt turns a confident receipt extraction into prices.
// Failures are logged; the prediction itself is already stored.
func (s *PredictionService) createPricesFromReceipt(ctx context.Context, proof *models.Proof, prediction *models.Prediction) {
	if !s.autoPrice.Enabled || s.prices == nil {
		return
	}
	if prediction.MaxConfidence == nil || *prediction.MaxConfidence < s.autoPrice.Threshold {
		return
	}
	if proof.Type != models.ProofTypeReceipt || proof.LocationID == nil || proof.Date == nil || proof.Currency == nil {
		return
	}

	var extraction receiptExtraction
	if err := json.Unmarshal(prediction.Data, &extraction); err != nil {
		s.logger.Warn("Unreadable receipt extraction", zap.Int64("prediction_id", prediction.ID), zap.Error(err))
		return
	}

	source := models.SourcePrediction
	created := 0
	for _, item := range extraction.Items {
		if item.Price == nil {
			continue
		}
		_, err := s.prices.Create(ctx, &CreatePriceRequest{
			ProductCode: item.ProductCode,
			Price:       item.Price,
			ProofID:     &proof.ID,
			Owner:       proof.Owner,
			Source:      &source,
		})
		if err != nil {
			s.logger.Warn("Skipping receipt item",
				zap.Int64("proof_id", proof.ID),
				zap.String("product_name", item.ProductName),
				zap.Error(err))
			continue
		}
		created++
	}

	s.logger.Info("Prices created from receipt extraction",
		zap.Int64("proof_id", proof.ID),
		zap.Int("created", created))
}
