package store

import (
	"context"

	"prices-service/internal/models"
)

// CreatePrice creates a new price
func (s *Store) CreatePrice(ctx context.Context, price *models.Price) error {
	query := `
		INSERT INTO prices (product_code, price, currency, date, owner, source, location_id,
			location_osm_id, location_osm_type, proof_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created, updated`

	return s.get(ctx, price, query,
		price.ProductCode, price.Price, price.Currency, price.Date, price.Owner, price.Source,
		price.LocationID, price.LocationOSMID, price.LocationOSMType, price.ProofID)
}

// GetPrice retrieves a price by ID
func (s *Store) GetPrice(ctx context.Context, id int64) (*models.Price, error) {
	var price models.Price
	if err := s.get(ctx, &price, "SELECT * FROM prices WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &price, nil
}

// GetPriceForUpdate retrieves a price and locks its row until the transaction ends
func (s *Store) GetPriceForUpdate(ctx context.Context, id int64) (*models.Price, error) {
	var price models.Price
	if err := s.get(ctx, &price, "SELECT * FROM prices WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &price, nil
}

// UpdatePrice writes the mutable fields of a price
func (s *Store) UpdatePrice(ctx context.Context, price *models.Price) error {
	return s.get(ctx, &price.Updated, `
		UPDATE prices
		SET product_code = $1, price = $2, currency = $3, date = $4, location_id = $5,
			location_osm_id = $6, location_osm_type = $7, updated = NOW()
		WHERE id = $8
		RETURNING updated`,
		price.ProductCode, price.Price, price.Currency, price.Date, price.LocationID,
		price.LocationOSMID, price.LocationOSMType, price.ID)
}

// DeletePrice removes a price row
func (s *Store) DeletePrice(ctx context.Context, id int64) error {
	return s.execOne(ctx, "DELETE FROM prices WHERE id = $1", id)
}

// ListProofPrices returns the prices of a proof in creation order, locking them
func (s *Store) ListProofPrices(ctx context.Context, proofID int64) ([]models.Price, error) {
	var prices []models.Price
	err := s.selectAll(ctx, &prices,
		"SELECT * FROM prices WHERE proof_id = $1 ORDER BY created, id FOR UPDATE", proofID)
	return prices, err
}

// DeleteProofPrices bulk-deletes the prices of a proof without touching any counter
func (s *Store) DeleteProofPrices(ctx context.Context, proofID int64) (int64, error) {
	return s.exec(ctx, "DELETE FROM prices WHERE proof_id = $1", proofID)
}

// SetProofPricesCurrency sets the currency of every price of a proof
func (s *Store) SetProofPricesCurrency(ctx context.Context, proofID int64, currency string) (int64, error) {
	return s.exec(ctx,
		"UPDATE prices SET currency = $1, updated = NOW() WHERE proof_id = $2 AND currency <> $1",
		currency, proofID)
}

// SetProofPricesDate sets the date of every price of a proof
func (s *Store) SetProofPricesDate(ctx context.Context, proofID int64, date models.Date) (int64, error) {
	return s.exec(ctx,
		"UPDATE prices SET date = $1, updated = NOW() WHERE proof_id = $2 AND date <> $1",
		date, proofID)
}

// SetProofPricesLocation points every price of a proof at loc
func (s *Store) SetProofPricesLocation(ctx context.Context, proofID int64, loc *models.Location) (int64, error) {
	return s.exec(ctx, `
		UPDATE prices
		SET location_id = $1, location_osm_id = $2, location_osm_type = $3, updated = NOW()
		WHERE proof_id = $4 AND location_id IS DISTINCT FROM $1`,
		loc.ID, loc.OSMID, loc.OSMType, proofID)
}

// CountPrices counts every live price
func (s *Store) CountPrices(ctx context.Context) (int, error) {
	var n int
	err := s.get(ctx, &n, "SELECT COUNT(*) FROM prices")
	return n, err
}
