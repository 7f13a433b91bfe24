package store

import (
	"context"

	"prices-service/internal/models"
)

// CreatePrediction appends a prediction to a proof
func (s *Store) CreatePrediction(ctx context.Context, prediction *models.Prediction) error {
	query := `
		INSERT INTO predictions (proof_id, type, model_name, model_version, value, max_confidence, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created`

	return s.get(ctx, prediction, query,
		prediction.ProofID, prediction.Type, prediction.ModelName, prediction.ModelVersion,
		prediction.Value, prediction.MaxConfidence, prediction.Data)
}

// ListProofPredictions returns the predictions of a proof, newest first
func (s *Store) ListProofPredictions(ctx context.Context, proofID int64) ([]models.Prediction, error) {
	var predictions []models.Prediction
	err := s.selectAll(ctx, &predictions,
		"SELECT * FROM predictions WHERE proof_id = $1 ORDER BY created DESC, id DESC", proofID)
	return predictions, err
}

// LatestProofPrediction returns the most recent prediction of a type for a proof
func (s *Store) LatestProofPrediction(ctx context.Context, proofID int64, typ models.PredictionType) (*models.Prediction, error) {
	var prediction models.Prediction
	err := s.get(ctx, &prediction, `
		SELECT * FROM predictions
		WHERE proof_id = $1 AND type = $2
		ORDER BY created DESC, id DESC
		LIMIT 1`,
		proofID, typ)
	if err != nil {
		return nil, err
	}
	return &prediction, nil
}

// DeleteProofPredictions removes every prediction of a proof
func (s *Store) DeleteProofPredictions(ctx context.Context, proofID int64) (int64, error) {
	return s.exec(ctx, "DELETE FROM predictions WHERE proof_id = $1", proofID)
}
