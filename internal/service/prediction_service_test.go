package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"prices-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClassifier struct {
	labels []models.LabelScore
	err    error
}

func (f *fakeClassifier) Classify(context.Context, string) ([]models.LabelScore, error) {
	return f.labels, f.err
}

type fakeOCR struct {
	paths []string
	err   error
}

func (f *fakeOCR) FetchAndSave(_ context.Context, path string) (bool, error) {
	f.paths = append(f.paths, path)
	return f.err == nil, f.err
}

func TestSubmitPredictionForMissingProof(t *testing.T) {
	f := newFixture(t)

	prediction, err := f.predictions.SubmitPrediction(context.Background(), 99, &models.Prediction{
		Type:         models.PredictionTypeClassification,
		ModelName:    "m",
		ModelVersion: "1",
	})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "proof", notFound.Entity)
	assert.Nil(t, prediction)
	assert.Equal(t, 1, f.logs.FilterMessage("Proof with id 99 not found").Len())
}

func TestSubmitPredictionForMissingFile(t *testing.T) {
	f := newFixture(t)
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 0)
	path := f.files.Path(proof.FilePath)
	require.NoError(t, os.Remove(path))

	prediction, err := f.predictions.SubmitPrediction(context.Background(), proof.ID, &models.Prediction{
		Type:         models.PredictionTypeClassification,
		ModelName:    "m",
		ModelVersion: "1",
	})
	var fileErr *ProofFileError
	require.ErrorAs(t, err, &fileErr)
	assert.Equal(t, proof.ID, fileErr.ProofID)
	assert.Equal(t, path, fileErr.Path)
	assert.False(t, errors.As(err, new(*NotFoundError)))
	assert.Nil(t, prediction)
	assert.Equal(t, 1, f.logs.FilterMessage("Proof file not found: "+path).Len())

	preds, err := f.repo.ListProofPredictions(context.Background(), proof.ID)
	require.NoError(t, err)
	assert.Empty(t, preds)
}

func TestSubmitPredictionValidation(t *testing.T) {
	f := newFixture(t)
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 0)

	_, err := f.predictions.SubmitPrediction(context.Background(), proof.ID, &models.Prediction{
		Type: "GUESS",
		Data: []byte("{not json"),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	for _, field := range []string{"type", "model_name", "model_version", "data"} {
		assert.Contains(t, verr.Fields, field)
	}
}

func TestRunClassification(t *testing.T) {
	classifier := &fakeClassifier{labels: []models.LabelScore{
		{Label: "PRICE_TAG", Score: 0.97},
		{Label: "RECEIPT", Score: 0.02},
		{Label: "SHELF", Score: 0.01},
	}}
	f := newFixture(t, withCollaborators(classifier, nil))
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 0)

	prediction, err := f.predictions.RunClassification(context.Background(), proof.ID)
	require.NoError(t, err)
	require.NotNil(t, prediction)

	assert.Equal(t, models.PredictionTypeClassification, prediction.Type)
	assert.Equal(t, ClassificationModelName, prediction.ModelName)
	assert.Equal(t, ClassificationModelVersion, prediction.ModelVersion)
	assert.Equal(t, "PRICE_TAG", *prediction.Value)
	assert.InDelta(t, 0.97, *prediction.MaxConfidence, 1e-9)

	var data struct {
		Prediction []models.LabelScore `json:"prediction"`
	}
	require.NoError(t, json.Unmarshal(prediction.Data, &data))
	assert.Equal(t, classifier.labels, data.Prediction)
}

func TestRunClassificationFailure(t *testing.T) {
	f := newFixture(t, withCollaborators(&fakeClassifier{err: errors.New("model offline")}, nil))
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 0)

	_, err := f.predictions.RunClassification(context.Background(), proof.ID)
	var external *ExternalError
	require.ErrorAs(t, err, &external)
	assert.Equal(t, "classifier", external.Collaborator)

	predictions, err := f.repo.ListProofPredictions(context.Background(), proof.ID)
	require.NoError(t, err)
	assert.Empty(t, predictions)
}

func TestProcessProofRunsBothCollaborators(t *testing.T) {
	classifier := &fakeClassifier{labels: []models.LabelScore{{Label: "RECEIPT", Score: 0.8}}}
	ocr := &fakeOCR{}
	f := newFixture(t, withCollaborators(classifier, ocr))
	proof := f.createProof(t, "alice", models.ProofTypeReceipt, 0)

	require.NoError(t, f.predictions.ProcessProof(context.Background(), proof.ID, true, true))

	assert.Equal(t, []string{f.files.Path(proof.FilePath)}, ocr.paths)
	latest, err := f.repo.LatestProofPrediction(context.Background(), proof.ID, models.PredictionTypeClassification)
	require.NoError(t, err)
	assert.Equal(t, "RECEIPT", *latest.Value)
}

func TestProcessProofReportsOCRFailure(t *testing.T) {
	f := newFixture(t, withCollaborators(nil, &fakeOCR{err: errors.New("quota exceeded")}))
	proof := f.createProof(t, "alice", models.ProofTypeReceipt, 0)

	err := f.predictions.ProcessProof(context.Background(), proof.ID, true, true)
	var external *ExternalError
	require.ErrorAs(t, err, &external)
	assert.Equal(t, "ocr", external.Collaborator)
}

func TestProcessDeletedProofIsNotAnError(t *testing.T) {
	f := newFixture(t, withCollaborators(&fakeClassifier{}, &fakeOCR{}))

	require.NoError(t, f.predictions.ProcessProof(context.Background(), 12345, true, true))
	assert.Equal(t, 2, f.logs.FilterMessage("Proof with id 12345 not found").Len())
}

func TestProcessProofWithMissingFileIsNotAnError(t *testing.T) {
	classifier := &fakeClassifier{labels: []models.LabelScore{{Label: "PRICE_TAG", Score: 0.9}}}
	ocr := &fakeOCR{}
	f := newFixture(t, withCollaborators(classifier, ocr))
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 0)
	path := f.files.Path(proof.FilePath)
	require.NoError(t, os.Remove(path))

	require.NoError(t, f.predictions.ProcessProof(context.Background(), proof.ID, true, true))
	assert.Empty(t, ocr.paths)
	assert.Equal(t, 2, f.logs.FilterMessage("Proof file not found: "+path).Len())
}

func receiptExtractionData(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"items": []map[string]interface{}{
			{"product_code": "3017620422003", "product_name": "Nutella", "price": "4.29"},
			{"product_name": "Baguette", "price": "1.10"},
			{"product_name": "Unreadable line"},
		},
	})
	require.NoError(t, err)
	return data
}

func TestReceiptExtractionCreatesPrices(t *testing.T) {
	f := newFixture(t, withAutoPrice(0.9))
	ctx := context.Background()
	proof := f.createProof(t, "alice", models.ProofTypeReceipt, 1)

	_, err := f.predictions.SubmitPrediction(ctx, proof.ID, &models.Prediction{
		Type:          models.PredictionTypeReceiptExtraction,
		ModelName:     "receipt_extractor",
		ModelVersion:  "1",
		MaxConfidence: ptr(0.95),
		Data:          receiptExtractionData(t),
	})
	require.NoError(t, err)

	prices, err := f.repo.ListProofPrices(ctx, proof.ID)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, "4.29", prices[0].Price.StringFixed(2))
	assert.Equal(t, models.SourcePrediction, *prices[0].Source)
	assert.Equal(t, "alice", prices[0].Owner)
	assert.Equal(t, *proof.LocationID, *prices[1].LocationID)
	f.requireCountersConsistent(t, []int64{proof.ID}, []int64{*proof.LocationID})
}

func TestReceiptExtractionBelowThreshold(t *testing.T) {
	f := newFixture(t, withAutoPrice(0.9))
	ctx := context.Background()
	proof := f.createProof(t, "alice", models.ProofTypeReceipt, 1)

	saved, err := f.predictions.SubmitPrediction(ctx, proof.ID, &models.Prediction{
		Type:          models.PredictionTypeReceiptExtraction,
		ModelName:     "receipt_extractor",
		ModelVersion:  "1",
		MaxConfidence: ptr(0.5),
		Data:          receiptExtractionData(t),
	})
	require.NoError(t, err)
	require.NotNil(t, saved)

	prices, err := f.repo.ListProofPrices(ctx, proof.ID)
	require.NoError(t, err)
	assert.Empty(t, prices)
}

func TestClassificationPredictionPicksTopLabel(t *testing.T) {
	prediction, err := ClassificationPrediction([]models.LabelScore{
		{Label: "SHELF", Score: 0.3},
		{Label: "PRICE_TAG", Score: 0.6},
	})
	require.NoError(t, err)
	assert.Equal(t, "PRICE_TAG", *prediction.Value)
	assert.InDelta(t, 0.6, *prediction.MaxConfidence, 1e-9)
}
