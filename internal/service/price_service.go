package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"prices-service/internal/models"
	"prices-service/internal/store"
	"prices-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceService handles price business logic
type PriceService struct {
	repo      store.Repository
	coord     *Coordinator
	locations *LocationService
	now       func() time.Time
	logger    *zap.Logger
}

// NewPriceService creates a new price service
func NewPriceService(repo store.Repository, coord *Coordinator, locations *LocationService) *PriceService {
	return &PriceService{
		repo:      repo,
		coord:     coord,
		locations: locations,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// CreatePriceRequest represents a request to create a price
type CreatePriceRequest struct {
	ProductCode *string          `json:"product_code"`
	Price       *decimal.Decimal `json:"price"`
	Currency    *string          `json:"currency"`
	Date        *models.Date     `json:"date"`
	ProofID     *int64           `json:"proof_id"`
	LocationInput

	Owner  string  `json:"-"`
	Source *string `json:"-"`
}

// UpdatePriceRequest is a partial price update. Location fields replace the
// whole location reference when any of them is present.
type UpdatePriceRequest struct {
	ProductCode     models.Optional[string]          `json:"product_code"`
	Price           models.Optional[decimal.Decimal] `json:"price"`
	Currency        models.Optional[string]          `json:"currency"`
	Date            models.Optional[models.Date]     `json:"date"`
	LocationID      models.Optional[int64]           `json:"location_id"`
	LocationOSMID   models.Optional[int64]           `json:"location_osm_id"`
	LocationOSMType models.Optional[string]          `json:"location_osm_type"`
}

func (r *UpdatePriceRequest) locationInput() (LocationInput, bool) {
	if !r.LocationID.Set && !r.LocationOSMID.Set && !r.LocationOSMType.Set {
		return LocationInput{}, false
	}
	return LocationInput{
		LocationID:      r.LocationID.Value,
		LocationOSMID:   r.LocationOSMID.Value,
		LocationOSMType: r.LocationOSMType.Value,
	}, true
}

// Get returns a price by id
func (s *PriceService) Get(ctx context.Context, id int64) (*models.Price, error) {
	ctx, span := util.StartSpan(ctx, "PriceService.Get")
	defer span.End()

	price, err := s.repo.GetPrice(ctx, id)
	if err != nil {
		return nil, lookupError(err, "price", id)
	}
	return price, nil
}

// Create validates and persists a price, counting it on its proof and location
func (s *PriceService) Create(ctx context.Context, req *CreatePriceRequest) (*models.Price, error) {
	ctx, span := util.StartSpan(ctx, "PriceService.Create")
	defer span.End()

	errs := &ValidationError{}
	if req.Price == nil {
		errs.Add("price", "is required")
	} else {
		validateAmount(errs, "price", *req.Price)
	}
	validateDate(errs, "date", req.Date, s.now())
	var currency *string
	if req.Currency != nil {
		code := normalizeCurrency(errs, "currency", *req.Currency)
		currency = &code
	}
	ref, refErrs := req.LocationInput.Ref()
	if refErrs != nil {
		errs.Merge(refErrs)
		util.ValidationFailuresTotal.WithLabelValues("price").Inc()
		return nil, errs
	}

	var meta *models.OSMMetadata
	if len(errs.Fields) == 0 {
		meta = s.locations.prefetch(ctx, ref)
	}

	price := &models.Price{
		ProductCode: req.ProductCode,
		Owner:       req.Owner,
		Source:      req.Source,
		ProofID:     req.ProofID,
	}

	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		return s.createTx(ctx, q, price, req, errs, currency, ref, meta)
	})
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			util.ValidationFailuresTotal.WithLabelValues("price").Inc()
		}
		return nil, err
	}

	util.PricesCreatedTotal.WithLabelValues(sourceLabel(price.Source)).Inc()
	s.logger.Info("Price created", zap.Int64("price_id", price.ID))
	return price, nil
}

// createTx finishes validation inside the transaction, adding to the
// violations errs already holds, and inserts the price when there are none
func (s *PriceService) createTx(ctx context.Context, q store.Queries, price *models.Price, req *CreatePriceRequest, errs *ValidationError,
	currency *string, ref models.LocationRef, meta *models.OSMMetadata) error {

	var proof *models.Proof
	if req.ProofID != nil {
		var err error
		proof, err = q.GetProofForUpdate(ctx, *req.ProofID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			errs.Add("proof_id", fmt.Sprintf("proof %d does not exist", *req.ProofID))
			proof = nil
		case err != nil:
			return fmt.Errorf("failed to get proof: %w", err)
		case proof.Owner != req.Owner && !proof.Type.InGroup(models.TypeGroupAllowAnyUserPriceAdd):
			errs.Add("proof_id", "proof belongs to another user")
		}
	}

	loc, err := s.locations.resolveRef(ctx, q, ref, meta, errs)
	if err != nil {
		return err
	}

	date := req.Date
	if proof != nil && proof.Type.InGroup(models.TypeGroupSingleShop) {
		currency, date, loc, err = s.inheritFromProof(ctx, q, errs, proof, currency, date, loc)
		if err != nil {
			return err
		}
	}

	if currency == nil {
		errs.Add("currency", "is required")
	}
	if date == nil {
		errs.Add("date", "is required")
	}
	if err := errs.OrNil(); err != nil {
		return err
	}

	price.Price = *req.Price
	price.Currency = *currency
	price.Date = *date
	price.LocationID, price.LocationOSMID, price.LocationOSMType = applyLocation(loc)

	if err := q.CreatePrice(ctx, price); err != nil {
		return fmt.Errorf("failed to create price: %w", err)
	}
	return s.coord.PriceCreated(ctx, q, price)
}

// inheritFromProof fills missing shared fields from a single-shop proof and
// flags explicit values that disagree with it
func (s *PriceService) inheritFromProof(ctx context.Context, q store.Queries, errs *ValidationError, proof *models.Proof,
	currency *string, date *models.Date, loc *models.Location) (*string, *models.Date, *models.Location, error) {

	if currency == nil {
		currency = proof.Currency
	} else if proof.Currency != nil && *proof.Currency != *currency {
		errs.Add("currency", "must match the proof currency")
	}

	if date == nil {
		date = proof.Date
	} else if proof.Date != nil && !proof.Date.Equal(*date) {
		errs.Add("date", "must match the proof date")
	}

	if loc == nil && proof.LocationID != nil {
		proofLoc, err := q.GetLocation(ctx, *proof.LocationID)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to get proof location: %w", err)
		}
		loc = proofLoc
	} else if loc != nil && proof.LocationID != nil && loc.ID != *proof.LocationID {
		errs.Add("location_id", "must match the proof location")
	}

	return currency, date, loc, nil
}

// Update applies a partial update to a price owned by actor
func (s *PriceService) Update(ctx context.Context, id int64, req *UpdatePriceRequest, actor string) (*models.Price, error) {
	ctx, span := util.StartSpan(ctx, "PriceService.Update")
	defer span.End()

	input, locationPatched := req.locationInput()
	ref, refErrs := input.Ref()

	var meta *models.OSMMetadata
	if locationPatched && refErrs == nil {
		meta = s.locations.prefetch(ctx, ref)
	}

	var price *models.Price
	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		current, err := q.GetPriceForUpdate(ctx, id)
		if err != nil {
			return lookupError(err, "price", id)
		}
		if current.Owner != actor {
			return &ForbiddenError{Reason: "only the price owner can update it"}
		}

		merged := *current
		errs := &ValidationError{}
		applyPricePatch(errs, &merged, req, s.now())
		errs.Merge(refErrs)

		if locationPatched && refErrs == nil {
			loc, err := s.locations.resolveRef(ctx, q, ref, meta, errs)
			if err != nil {
				return err
			}
			merged.LocationID, merged.LocationOSMID, merged.LocationOSMType = applyLocation(loc)
		}

		if merged.ProofID != nil {
			proof, err := q.GetProof(ctx, *merged.ProofID)
			if err != nil {
				return fmt.Errorf("failed to get proof: %w", err)
			}
			if proof.Type.InGroup(models.TypeGroupSingleShop) {
				checkMatchesProof(errs, &merged, proof)
			}
		}
		if err := errs.OrNil(); err != nil {
			return err
		}

		if err := q.UpdatePrice(ctx, &merged); err != nil {
			return fmt.Errorf("failed to update price: %w", err)
		}
		if err := s.coord.PriceLocationChanged(ctx, q, current.LocationID, merged.LocationID); err != nil {
			return err
		}

		price = &merged
		return nil
	})
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			util.ValidationFailuresTotal.WithLabelValues("price").Inc()
		}
		return nil, err
	}

	s.logger.Info("Price updated", zap.Int64("price_id", id))
	return price, nil
}

// Delete removes a price owned by actor
func (s *PriceService) Delete(ctx context.Context, id int64, actor string) error {
	ctx, span := util.StartSpan(ctx, "PriceService.Delete")
	defer span.End()

	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		price, err := q.GetPriceForUpdate(ctx, id)
		if err != nil {
			return lookupError(err, "price", id)
		}
		if price.Owner != actor {
			return &ForbiddenError{Reason: "only the price owner can delete it"}
		}
		if err := q.DeletePrice(ctx, id); err != nil {
			return fmt.Errorf("failed to delete price: %w", err)
		}
		return s.coord.PriceDeleted(ctx, q, price)
	})
	if err != nil {
		return err
	}

	util.PricesDeletedTotal.Inc()
	s.logger.Info("Price deleted", zap.Int64("price_id", id))
	return nil
}

// DeleteByProof bulk-deletes the prices of a proof owned by actor, then
// repairs the counters of the proof and every location it touched
func (s *PriceService) DeleteByProof(ctx context.Context, proofID int64, actor string) (int, error) {
	ctx, span := util.StartSpan(ctx, "PriceService.DeleteByProof")
	defer span.End()

	var deleted int64
	err := s.repo.WithTx(ctx, func(q store.Queries) error {
		proof, err := q.GetProofForUpdate(ctx, proofID)
		if err != nil {
			return lookupError(err, "proof", proofID)
		}
		if proof.Owner != actor {
			return &ForbiddenError{Reason: "only the proof owner can delete its prices"}
		}

		prices, err := q.ListProofPrices(ctx, proofID)
		if err != nil {
			return fmt.Errorf("failed to list proof prices: %w", err)
		}
		touched := map[int64]struct{}{}
		for _, price := range prices {
			if price.LocationID != nil {
				touched[*price.LocationID] = struct{}{}
			}
		}

		if deleted, err = q.DeleteProofPrices(ctx, proofID); err != nil {
			return fmt.Errorf("failed to delete proof prices: %w", err)
		}
		if _, err := s.coord.RecomputeProof(ctx, q, proofID); err != nil {
			return err
		}
		for locationID := range touched {
			if err := s.coord.RecomputeLocation(ctx, q, locationID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	util.PricesDeletedTotal.Add(float64(deleted))
	s.logger.Info("Proof prices deleted", zap.Int64("proof_id", proofID), zap.Int64("deleted", deleted))
	return int(deleted), nil
}

func applyPricePatch(errs *ValidationError, p *models.Price, req *UpdatePriceRequest, now time.Time) {
	if req.ProductCode.Set {
		p.ProductCode = req.ProductCode.Value
	}
	if req.Price.Set {
		if req.Price.Value == nil {
			errs.Add("price", "is required")
		} else {
			validateAmount(errs, "price", *req.Price.Value)
			p.Price = *req.Price.Value
		}
	}
	if req.Currency.Set {
		if req.Currency.Value == nil {
			errs.Add("currency", "is required")
		} else {
			p.Currency = normalizeCurrency(errs, "currency", *req.Currency.Value)
		}
	}
	if req.Date.Set {
		if req.Date.Value == nil {
			errs.Add("date", "is required")
		} else {
			validateDate(errs, "date", req.Date.Value, now)
			p.Date = *req.Date.Value
		}
	}
}

func checkMatchesProof(errs *ValidationError, p *models.Price, proof *models.Proof) {
	if proof.Currency != nil && *proof.Currency != p.Currency {
		errs.Add("currency", "must match the proof currency")
	}
	if proof.Date != nil && !proof.Date.Equal(p.Date) {
		errs.Add("date", "must match the proof date")
	}
	if proof.LocationID != nil && !sameID(proof.LocationID, p.LocationID) {
		errs.Add("location_id", "must match the proof location")
	}
}

func sourceLabel(source *string) string {
	if source == nil {
		return "unknown"
	}
	return *source
}
