package models

import "time"

// Event types
const (
	EventTypeProofUploaded       = "PROOF_UPLOADED"
	EventTypePredictionRequested = "PREDICTION_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ProofUploadedEvent published when a proof file is stored and persisted
type ProofUploadedEvent struct {
	BaseEvent
	ProofID  int64     `json:"proof_id"`
	Type     ProofType `json:"type"`
	FilePath string    `json:"file_path"`
	Mimetype string    `json:"mimetype"`
}

// PredictionRequestedEvent asks the worker to (re)run extraction on a proof
type PredictionRequestedEvent struct {
	BaseEvent
	ProofID  int64 `json:"proof_id"`
	OCR      bool  `json:"ocr"`
	Classify bool  `json:"classify"`
}
