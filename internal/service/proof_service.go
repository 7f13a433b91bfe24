package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"prices-service/internal/models"
	"prices-service/internal/store"
	"prices-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProofEventPublisher publishes proof lifecycle events
type ProofEventPublisher interface {
	PublishProofUploaded(ctx context.Context, event *models.ProofUploadedEvent) error
}

// ProofService handles proof business logic
type ProofService struct {
	repo      store.Repository
	coord     *Coordinator
	locations *LocationService
	publisher ProofEventPublisher
	now       func() time.Time
	logger    *zap.Logger
}

// NewProofService creates a new proof service. publisher may be nil.
func NewProofService(repo store.Repository, coord *Coordinator, locations *LocationService, publisher ProofEventPublisher) *ProofService {
	return &ProofService{
		repo:      repo,
		coord:     coord,
		locations: locations,
		publisher: publisher,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// CreateProofRequest represents a request to create a proof. File fields
// come from the file store.
type CreateProofRequest struct {
	Type           models.ProofType
	FilePath       string
	Mimetype       string
	ImageThumbPath *string
	Owner          string
	Source         *string
	Location       LocationInput
	Date           *models.Date
	Currency       *string

	ReceiptPriceCount *int
	ReceiptPriceTotal *decimal.Decimal
}

// UpdateProofRequest is a partial proof update. Location fields replace the
// whole location reference when any of them is present.
type UpdateProofRequest struct {
	Type              models.Optional[models.ProofType] `json:"type"`
	Date              models.Optional[models.Date]      `json:"date"`
	Currency          models.Optional[string]           `json:"currency"`
	LocationID        models.Optional[int64]            `json:"location_id"`
	LocationOSMID     models.Optional[int64]            `json:"location_osm_id"`
	LocationOSMType   models.Optional[string]           `json:"location_osm_type"`
	ReceiptPriceCount models.Optional[int]              `json:"receipt_price_count"`
	ReceiptPriceTotal models.Optional[decimal.Decimal]  `json:"receipt_price_total"`
}

func (r *UpdateProofRequest) locationInput() (LocationInput, bool) {
	if !r.LocationID.Set && !r.LocationOSMID.Set && !r.LocationOSMType.Set {
		return LocationInput{}, false
	}
	return LocationInput{
		LocationID:      r.LocationID.Value,
		LocationOSMID:   r.LocationOSMID.Value,
		LocationOSMType: r.LocationOSMType.Value,
	}, true
}

// Create validates and persists a new proof
func (s *ProofService) Create(ctx context.Context, req *CreateProofRequest) (*models.Proof, error) {
	ctx, span := util.StartSpan(ctx, "ProofService.Create")
	defer span.End()

	proof := &models.Proof{
		Type:              req.Type,
		FilePath:          req.FilePath,
		Mimetype:          req.Mimetype,
		ImageThumbPath:    req.ImageThumbPath,
		Owner:             req.Owner,
		Source:            req.Source,
		Date:              req.Date,
		Currency:          req.Currency,
		ReceiptPriceCount: req.ReceiptPriceCount,
		ReceiptPriceTotal: req.ReceiptPriceTotal,
	}

	errs := validateProof(proof, s.now())
	ref, refErrs := req.Location.Ref()
	if refErrs != nil {
		errs.Merge(refErrs)
		util.ValidationFailuresTotal.WithLabelValues("proof").Inc()
		return nil, errs
	}

	var meta *models.OSMMetadata
	if len(errs.Fields) == 0 {
		meta = s.locations.prefetch(ctx, ref)
	}

	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		loc, err := s.locations.resolveRef(ctx, q, ref, meta, errs)
		if err != nil {
			return err
		}
		if err := errs.OrNil(); err != nil {
			return err
		}
		proof.LocationID, proof.LocationOSMID, proof.LocationOSMType = applyLocation(loc)

		if err := q.CreateProof(ctx, proof); err != nil {
			return fmt.Errorf("failed to create proof: %w", err)
		}
		return s.coord.ProofCreated(ctx, q, proof)
	})
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			util.ValidationFailuresTotal.WithLabelValues("proof").Inc()
		}
		return nil, err
	}

	util.ProofsCreatedTotal.WithLabelValues(string(proof.Type)).Inc()
	s.logger.Info("Proof created", zap.Int64("proof_id", proof.ID), zap.String("type", string(proof.Type)))

	s.publishUploaded(ctx, proof)
	return proof, nil
}

func (s *ProofService) publishUploaded(ctx context.Context, proof *models.Proof) {
	if s.publisher == nil {
		return
	}
	event := &models.ProofUploadedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeProofUploaded,
			Timestamp: time.Now(),
		},
		ProofID:  proof.ID,
		Type:     proof.Type,
		FilePath: proof.FilePath,
		Mimetype: proof.Mimetype,
	}
	if err := s.publisher.PublishProofUploaded(ctx, event); err != nil {
		s.logger.Error("Failed to publish ProofUploaded event", zap.Int64("proof_id", proof.ID), zap.Error(err))
	}
}

// Get returns a proof with its predictions, newest first
func (s *ProofService) Get(ctx context.Context, id int64) (*models.Proof, error) {
	ctx, span := util.StartSpan(ctx, "ProofService.Get")
	defer span.End()

	proof, err := s.repo.GetProof(ctx, id)
	if err != nil {
		return nil, lookupError(err, "proof", id)
	}
	proof.Predictions, err = s.repo.ListProofPredictions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	return proof, nil
}

// ListPrices returns the prices of a proof in creation order
func (s *ProofService) ListPrices(ctx context.Context, id int64) ([]models.Price, error) {
	ctx, span := util.StartSpan(ctx, "ProofService.ListPrices")
	defer span.End()

	if _, err := s.repo.GetProof(ctx, id); err != nil {
		return nil, lookupError(err, "proof", id)
	}
	prices, err := s.repo.ListProofPrices(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list proof prices: %w", err)
	}
	return prices, nil
}

// LatestPrediction returns the most recent prediction of a type for a proof
func (s *ProofService) LatestPrediction(ctx context.Context, id int64, typ models.PredictionType) (*models.Prediction, error) {
	ctx, span := util.StartSpan(ctx, "ProofService.LatestPrediction")
	defer span.End()

	if !typ.Valid() {
		return nil, fieldError("type", "must be one of OBJECT_DETECTION, CLASSIFICATION, RECEIPT_EXTRACTION")
	}
	if _, err := s.repo.GetProof(ctx, id); err != nil {
		return nil, lookupError(err, "proof", id)
	}
	prediction, err := s.repo.LatestProofPrediction(ctx, id, typ)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Entity: "prediction for proof", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return prediction, nil
}

// Update applies a partial update. For single-shop proofs a changed
// currency, date or location is pushed to every price of the proof.
func (s *ProofService) Update(ctx context.Context, id int64, req *UpdateProofRequest, actor string) (*models.Proof, error) {
	ctx, span := util.StartSpan(ctx, "ProofService.Update")
	defer span.End()

	input, locationPatched := req.locationInput()
	ref, refErrs := input.Ref()

	var meta *models.OSMMetadata
	if locationPatched && refErrs == nil {
		meta = s.locations.prefetch(ctx, ref)
	}

	var proof *models.Proof
	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		current, err := q.GetProofForUpdate(ctx, id)
		if err != nil {
			return lookupError(err, "proof", id)
		}
		if current.Owner != actor {
			return &ForbiddenError{Reason: "only the proof owner can update it"}
		}

		merged := *current
		applyProofPatch(&merged, req)
		errs := validateProof(&merged, s.now())
		errs.Merge(refErrs)

		var newLoc *models.Location
		if locationPatched && refErrs == nil {
			newLoc, err = s.locations.resolveRef(ctx, q, ref, meta, errs)
			if err != nil {
				return err
			}
		}
		if err := errs.OrNil(); err != nil {
			return err
		}
		if locationPatched {
			merged.LocationID, merged.LocationOSMID, merged.LocationOSMType = applyLocation(newLoc)
		}

		if err := q.UpdateProof(ctx, &merged); err != nil {
			return fmt.Errorf("failed to update proof: %w", err)
		}

		locationChanged := !sameID(current.LocationID, merged.LocationID)
		if locationChanged {
			if err := s.coord.ProofLocationChanged(ctx, q, current.LocationID, merged.LocationID); err != nil {
				return err
			}
		}

		if merged.Type.InGroup(models.TypeGroupSingleShop) {
			if err := s.propagate(ctx, q, current, &merged, newLoc, locationChanged); err != nil {
				return err
			}
		}

		proof = &merged
		return nil
	})
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			util.ValidationFailuresTotal.WithLabelValues("proof").Inc()
		}
		return nil, err
	}

	s.logger.Info("Proof updated", zap.Int64("proof_id", id))
	return proof, nil
}

// propagate pushes changed shared fields to the proof's prices. Cleared
// fields are not propagated since a price always carries them.
func (s *ProofService) propagate(ctx context.Context, q store.Queries, before, after *models.Proof, newLoc *models.Location, locationChanged bool) error {
	if after.Currency != nil && !sameString(before.Currency, after.Currency) {
		n, err := q.SetProofPricesCurrency(ctx, after.ID, *after.Currency)
		if err != nil {
			return fmt.Errorf("failed to propagate currency: %w", err)
		}
		util.PricesPropagatedTotal.WithLabelValues("currency").Add(float64(n))
	}

	if after.Date != nil && !sameDate(before.Date, after.Date) {
		n, err := q.SetProofPricesDate(ctx, after.ID, *after.Date)
		if err != nil {
			return fmt.Errorf("failed to propagate date: %w", err)
		}
		util.PricesPropagatedTotal.WithLabelValues("date").Add(float64(n))
	}

	if locationChanged && newLoc != nil {
		n, err := s.coord.MoveProofPrices(ctx, q, after.ID, newLoc)
		if err != nil {
			return err
		}
		util.PricesPropagatedTotal.WithLabelValues("location").Add(float64(n))
	}
	return nil
}

// Delete removes a proof without prices, along with its predictions
func (s *ProofService) Delete(ctx context.Context, id int64, actor string) error {
	ctx, span := util.StartSpan(ctx, "ProofService.Delete")
	defer span.End()

	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		proof, err := q.GetProofForUpdate(ctx, id)
		if err != nil {
			return lookupError(err, "proof", id)
		}
		if proof.Owner != actor {
			return &ForbiddenError{Reason: "only the proof owner can delete it"}
		}

		count, err := q.CountProofPrices(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to count proof prices: %w", err)
		}
		if count > 0 || proof.PriceCount > 0 {
			return &ConflictError{Reason: fmt.Sprintf("proof %d has %d prices", id, count)}
		}

		if _, err := q.DeleteProofPredictions(ctx, id); err != nil {
			return fmt.Errorf("failed to delete predictions: %w", err)
		}
		if err := q.DeleteProof(ctx, id); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return &ConflictError{Reason: err.Error()}
			}
			return fmt.Errorf("failed to delete proof: %w", err)
		}
		return s.coord.ProofDeleted(ctx, q, proof)
	})
	if err != nil {
		return err
	}

	util.ProofsDeletedTotal.Inc()
	s.logger.Info("Proof deleted", zap.Int64("proof_id", id))
	return nil
}

// UpdatePriceCount resets price_count to the live number of prices
func (s *ProofService) UpdatePriceCount(ctx context.Context, id int64) (*models.Proof, error) {
	ctx, span := util.StartSpan(ctx, "ProofService.UpdatePriceCount")
	defer span.End()

	var proof *models.Proof
	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		var err error
		if proof, err = q.GetProofForUpdate(ctx, id); err != nil {
			return lookupError(err, "proof", id)
		}
		proof.PriceCount, err = s.coord.RecomputeProof(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// SetMissingFieldsFromPrices fills an unset location, date or currency from
// the first price of the proof. Prices are not modified.
func (s *ProofService) SetMissingFieldsFromPrices(ctx context.Context, id int64) (*models.Proof, error) {
	ctx, span := util.StartSpan(ctx, "ProofService.SetMissingFieldsFromPrices")
	defer span.End()

	var proof *models.Proof
	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		var err error
		if proof, err = q.GetProofForUpdate(ctx, id); err != nil {
			return lookupError(err, "proof", id)
		}

		prices, err := q.ListProofPrices(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list proof prices: %w", err)
		}
		if len(prices) == 0 {
			return nil
		}
		first := prices[0]

		changed := false
		if proof.LocationID == nil && first.LocationID != nil {
			proof.LocationID = first.LocationID
			proof.LocationOSMID = first.LocationOSMID
			proof.LocationOSMType = first.LocationOSMType
			if err := s.coord.ProofLocationChanged(ctx, q, nil, proof.LocationID); err != nil {
				return err
			}
			changed = true
		}
		if proof.Date == nil {
			date := first.Date
			proof.Date = &date
			changed = true
		}
		if proof.Currency == nil {
			currency := first.Currency
			proof.Currency = &currency
			changed = true
		}

		if !changed {
			return nil
		}
		if err := q.UpdateProof(ctx, proof); err != nil {
			return fmt.Errorf("failed to update proof: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

func applyProofPatch(p *models.Proof, req *UpdateProofRequest) {
	if req.Type.Set && req.Type.Value != nil {
		p.Type = *req.Type.Value
	}
	if req.Date.Set {
		p.Date = req.Date.Value
	}
	if req.Currency.Set {
		p.Currency = req.Currency.Value
	}
	if req.ReceiptPriceCount.Set {
		p.ReceiptPriceCount = req.ReceiptPriceCount.Value
	}
	if req.ReceiptPriceTotal.Set {
		p.ReceiptPriceTotal = req.ReceiptPriceTotal.Value
	}
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameDate(a, b *models.Date) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
