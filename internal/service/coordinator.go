package service

import (
	"context"
	"fmt"

	"prices-service/internal/models"
	"prices-service/internal/store"
	"prices-service/internal/util"

	"go.uber.org/zap"
)

// Coordinator owns every write to the denormalized counters of proofs and
// locations. Each method runs against the caller's transaction.
type Coordinator struct {
	logger *zap.Logger
}

// NewCoordinator creates a new coordinator
func NewCoordinator() *Coordinator {
	return &Coordinator{logger: util.GetLogger()}
}

// PriceCreated counts a new price on its proof and location
func (c *Coordinator) PriceCreated(ctx context.Context, q store.Queries, price *models.Price) error {
	if price.ProofID != nil {
		if err := c.adjustProof(ctx, q, *price.ProofID, 1); err != nil {
			return fmt.Errorf("failed to increment proof price count: %w", err)
		}
	}
	if price.LocationID != nil {
		if err := c.adjustLocation(ctx, q, *price.LocationID, 1, 0); err != nil {
			return fmt.Errorf("failed to increment location price count: %w", err)
		}
	}
	return nil
}

// PriceDeleted uncounts a deleted price
func (c *Coordinator) PriceDeleted(ctx context.Context, q store.Queries, price *models.Price) error {
	if price.ProofID != nil {
		if err := c.adjustProof(ctx, q, *price.ProofID, -1); err != nil {
			return fmt.Errorf("failed to decrement proof price count: %w", err)
		}
	}
	if price.LocationID != nil {
		if err := c.adjustLocation(ctx, q, *price.LocationID, -1, 0); err != nil {
			return fmt.Errorf("failed to decrement location price count: %w", err)
		}
	}
	return nil
}

// PriceLocationChanged moves one price between two locations. Only the two
// affected rows are touched.
func (c *Coordinator) PriceLocationChanged(ctx context.Context, q store.Queries, oldID, newID *int64) error {
	if sameID(oldID, newID) {
		return nil
	}
	if oldID != nil {
		if err := c.adjustLocation(ctx, q, *oldID, -1, 0); err != nil {
			return fmt.Errorf("failed to decrement location price count: %w", err)
		}
	}
	if newID != nil {
		if err := c.adjustLocation(ctx, q, *newID, 1, 0); err != nil {
			return fmt.Errorf("failed to increment location price count: %w", err)
		}
	}
	return nil
}

// ProofCreated counts a new proof on its location
func (c *Coordinator) ProofCreated(ctx context.Context, q store.Queries, proof *models.Proof) error {
	return c.ProofLocationChanged(ctx, q, nil, proof.LocationID)
}

// ProofDeleted uncounts a deleted proof
func (c *Coordinator) ProofDeleted(ctx context.Context, q store.Queries, proof *models.Proof) error {
	return c.ProofLocationChanged(ctx, q, proof.LocationID, nil)
}

// ProofLocationChanged moves proof_count between two locations
func (c *Coordinator) ProofLocationChanged(ctx context.Context, q store.Queries, oldID, newID *int64) error {
	if sameID(oldID, newID) {
		return nil
	}
	if oldID != nil {
		if err := c.adjustLocation(ctx, q, *oldID, 0, -1); err != nil {
			return fmt.Errorf("failed to decrement location proof count: %w", err)
		}
	}
	if newID != nil {
		if err := c.adjustLocation(ctx, q, *newID, 0, 1); err != nil {
			return fmt.Errorf("failed to increment location proof count: %w", err)
		}
	}
	return nil
}

// MoveProofPrices points every price of a proof at loc and moves their
// price_count from the locations they leave. Prices already at loc are
// left alone, so repeating a move changes nothing.
func (c *Coordinator) MoveProofPrices(ctx context.Context, q store.Queries, proofID int64, loc *models.Location) (int, error) {
	prices, err := q.ListProofPrices(ctx, proofID)
	if err != nil {
		return 0, fmt.Errorf("failed to list proof prices: %w", err)
	}

	leaving := map[int64]int{}
	moved := 0
	for _, price := range prices {
		if price.LocationID != nil && *price.LocationID == loc.ID {
			continue
		}
		if price.LocationID != nil {
			leaving[*price.LocationID]++
		}
		moved++
	}
	if moved == 0 {
		return 0, nil
	}

	for locationID, n := range leaving {
		if err := c.adjustLocation(ctx, q, locationID, -n, 0); err != nil {
			return 0, fmt.Errorf("failed to decrement location price count: %w", err)
		}
	}
	if err := c.adjustLocation(ctx, q, loc.ID, moved, 0); err != nil {
		return 0, fmt.Errorf("failed to increment location price count: %w", err)
	}
	if _, err := q.SetProofPricesLocation(ctx, proofID, loc); err != nil {
		return 0, fmt.Errorf("failed to move proof prices: %w", err)
	}

	c.logger.Debug("Moved proof prices",
		zap.Int64("proof_id", proofID),
		zap.Int64("location_id", loc.ID),
		zap.Int("moved", moved))
	return moved, nil
}

// RecomputeProof resets a proof's price_count to the live count
func (c *Coordinator) RecomputeProof(ctx context.Context, q store.Queries, proofID int64) (int, error) {
	n, err := q.CountProofPrices(ctx, proofID)
	if err != nil {
		return 0, fmt.Errorf("failed to count proof prices: %w", err)
	}
	if err := q.SetProofPriceCount(ctx, proofID, n); err != nil {
		return 0, fmt.Errorf("failed to set proof price count: %w", err)
	}
	util.CounterRecomputeTotal.WithLabelValues("proof").Inc()
	return n, nil
}

// RecomputeLocation resets a location's counters to the live counts
func (c *Coordinator) RecomputeLocation(ctx context.Context, q store.Queries, locationID int64) error {
	prices, err := q.CountLocationPrices(ctx, locationID)
	if err != nil {
		return fmt.Errorf("failed to count location prices: %w", err)
	}
	proofs, err := q.CountLocationProofs(ctx, locationID)
	if err != nil {
		return fmt.Errorf("failed to count location proofs: %w", err)
	}
	if err := q.SetLocationCounts(ctx, locationID, prices, proofs); err != nil {
		return fmt.Errorf("failed to set location counts: %w", err)
	}
	util.CounterRecomputeTotal.WithLabelValues("location").Inc()
	return nil
}

// adjustLocation shifts location counters. A decrement below zero means an
// earlier write was missed; it is clamped and reported.
func (c *Coordinator) adjustLocation(ctx context.Context, q store.Queries, id int64, priceDelta, proofDelta int) error {
	clamped, err := q.AdjustLocationCounts(ctx, id, priceDelta, proofDelta)
	if err != nil {
		return err
	}
	if clamped {
		util.CounterClampedTotal.WithLabelValues("location").Inc()
		c.logger.Warn("Location counter clamped at zero",
			zap.Int64("location_id", id),
			zap.Int("price_delta", priceDelta),
			zap.Int("proof_delta", proofDelta))
	}
	return nil
}

func (c *Coordinator) adjustProof(ctx context.Context, q store.Queries, id int64, delta int) error {
	clamped, err := q.AdjustProofPriceCount(ctx, id, delta)
	if err != nil {
		return err
	}
	if clamped {
		util.CounterClampedTotal.WithLabelValues("proof").Inc()
		c.logger.Warn("Proof price_count clamped at zero", zap.Int64("proof_id", id), zap.Int("delta", delta))
	}
	return nil
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
