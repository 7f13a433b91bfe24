package store

import (
	"context"

	"prices-service/internal/models"
)

// CreateProof creates a new proof
func (s *Store) CreateProof(ctx context.Context, proof *models.Proof) error {
	query := `
		INSERT INTO proofs (type, file_path, mimetype, image_thumb_path, owner, source, location_id,
			location_osm_id, location_osm_type, date, currency, receipt_price_count, receipt_price_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, price_count, created, updated`

	return s.get(ctx, proof, query,
		proof.Type, proof.FilePath, proof.Mimetype, proof.ImageThumbPath, proof.Owner, proof.Source,
		proof.LocationID, proof.LocationOSMID, proof.LocationOSMType, proof.Date, proof.Currency,
		proof.ReceiptPriceCount, proof.ReceiptPriceTotal)
}

// GetProof retrieves a proof by ID
func (s *Store) GetProof(ctx context.Context, id int64) (*models.Proof, error) {
	var proof models.Proof
	if err := s.get(ctx, &proof, "SELECT * FROM proofs WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &proof, nil
}

// GetProofForUpdate retrieves a proof and locks its row until the transaction ends
func (s *Store) GetProofForUpdate(ctx context.Context, id int64) (*models.Proof, error) {
	var proof models.Proof
	if err := s.get(ctx, &proof, "SELECT * FROM proofs WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &proof, nil
}

// UpdateProof writes the mutable fields of a proof. price_count is left alone.
func (s *Store) UpdateProof(ctx context.Context, proof *models.Proof) error {
	return s.get(ctx, &proof.Updated, `
		UPDATE proofs
		SET type = $1, location_id = $2, location_osm_id = $3, location_osm_type = $4, date = $5,
			currency = $6, receipt_price_count = $7, receipt_price_total = $8, updated = NOW()
		WHERE id = $9
		RETURNING updated`,
		proof.Type, proof.LocationID, proof.LocationOSMID, proof.LocationOSMType, proof.Date,
		proof.Currency, proof.ReceiptPriceCount, proof.ReceiptPriceTotal, proof.ID)
}

// DeleteProof removes a proof row
func (s *Store) DeleteProof(ctx context.Context, id int64) error {
	return s.execOne(ctx, "DELETE FROM proofs WHERE id = $1", id)
}

// AdjustProofPriceCount shifts the denormalized price counter of a proof,
// reporting whether it would have gone negative
func (s *Store) AdjustProofPriceCount(ctx context.Context, id int64, delta int) (bool, error) {
	var clamped bool
	err := s.get(ctx, &clamped, `
		UPDATE proofs AS p
		SET price_count = GREATEST(o.price_count + $1, 0), updated = NOW()
		FROM (SELECT id, price_count FROM proofs WHERE id = $2 FOR UPDATE) AS o
		WHERE p.id = o.id
		RETURNING o.price_count + $1 < 0`,
		delta, id)
	return clamped, err
}

// SetProofPriceCount overwrites the denormalized price counter of a proof
func (s *Store) SetProofPriceCount(ctx context.Context, id int64, count int) error {
	return s.execOne(ctx,
		"UPDATE proofs SET price_count = $1, updated = NOW() WHERE id = $2", count, id)
}

// CountProofPrices counts the live prices of a proof
func (s *Store) CountProofPrices(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.get(ctx, &n, "SELECT COUNT(*) FROM prices WHERE proof_id = $1", id)
	return n, err
}

// CountProofsByType counts proofs per type
func (s *Store) CountProofsByType(ctx context.Context) (map[models.ProofType]int, error) {
	var rows []struct {
		Type  models.ProofType `db:"type"`
		Count int              `db:"count"`
	}
	if err := s.selectAll(ctx, &rows, "SELECT type, COUNT(*) AS count FROM proofs GROUP BY type"); err != nil {
		return nil, err
	}

	counts := make(map[models.ProofType]int, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.Count
	}
	return counts, nil
}

// CountProofsWithPrices counts proofs whose price counter is positive
func (s *Store) CountProofsWithPrices(ctx context.Context) (int, error) {
	var n int
	err := s.get(ctx, &n, "SELECT COUNT(*) FROM proofs WHERE price_count > 0")
	return n, err
}
