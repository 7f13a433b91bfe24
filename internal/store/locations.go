package store

import (
	"context"
	"errors"

	"prices-service/internal/models"
)

// GetLocation retrieves a location by ID
func (s *Store) GetLocation(ctx context.Context, id int64) (*models.Location, error) {
	var loc models.Location
	if err := s.get(ctx, &loc, "SELECT * FROM locations WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &loc, nil
}

// GetLocationByOSM retrieves the location of an OSM element
func (s *Store) GetLocationByOSM(ctx context.Context, osmID int64, osmType string) (*models.Location, error) {
	var loc models.Location
	err := s.get(ctx, &loc,
		"SELECT * FROM locations WHERE type = 'OSM' AND osm_id = $1 AND osm_type = $2", osmID, osmType)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// GetLocationByWebsiteURL retrieves an online location by its website
func (s *Store) GetLocationByWebsiteURL(ctx context.Context, url string) (*models.Location, error) {
	var loc models.Location
	err := s.get(ctx, &loc,
		"SELECT * FROM locations WHERE type = 'ONLINE' AND website_url = $1", url)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// InsertLocation inserts loc unless its natural key already exists.
// It reports false, leaving loc untouched, when another row won the race.
func (s *Store) InsertLocation(ctx context.Context, loc *models.Location) (bool, error) {
	conflict := "ON CONFLICT (osm_id, osm_type) WHERE type = 'OSM' DO NOTHING"
	if loc.Type == models.LocationTypeOnline {
		conflict = "ON CONFLICT (website_url) WHERE type = 'ONLINE' DO NOTHING"
	}

	query := `
		INSERT INTO locations (type, osm_id, osm_type, osm_name, osm_display_name, osm_brand, osm_version,
			osm_address_postcode, osm_address_city, osm_address_country, osm_lat, osm_lon, website_url, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		` + conflict + `
		RETURNING *`

	err := s.get(ctx, loc, query,
		loc.Type, loc.OSMID, loc.OSMType, loc.OSMName, loc.OSMDisplayName, loc.OSMBrand, loc.OSMVersion,
		loc.OSMAddressPostcode, loc.OSMAddressCity, loc.OSMAddressCountry, loc.OSMLat, loc.OSMLon,
		loc.WebsiteURL, loc.Source)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteLocation removes a location row
func (s *Store) DeleteLocation(ctx context.Context, id int64) error {
	return s.execOne(ctx, "DELETE FROM locations WHERE id = $1", id)
}

// AdjustLocationCounts shifts the denormalized counters of a location,
// reporting whether a counter would have gone negative
func (s *Store) AdjustLocationCounts(ctx context.Context, id int64, priceDelta, proofDelta int) (bool, error) {
	var clamped bool
	err := s.get(ctx, &clamped, `
		UPDATE locations AS l
		SET price_count = GREATEST(o.price_count + $1, 0),
			proof_count = GREATEST(o.proof_count + $2, 0),
			updated = NOW()
		FROM (SELECT id, price_count, proof_count FROM locations WHERE id = $3 FOR UPDATE) AS o
		WHERE l.id = o.id
		RETURNING (o.price_count + $1 < 0 OR o.proof_count + $2 < 0)`,
		priceDelta, proofDelta, id)
	return clamped, err
}

// SetLocationCounts overwrites the denormalized counters of a location
func (s *Store) SetLocationCounts(ctx context.Context, id int64, priceCount, proofCount int) error {
	return s.execOne(ctx,
		"UPDATE locations SET price_count = $1, proof_count = $2, updated = NOW() WHERE id = $3",
		priceCount, proofCount, id)
}

// CountLocationPrices counts the live prices at a location
func (s *Store) CountLocationPrices(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.get(ctx, &n, "SELECT COUNT(*) FROM prices WHERE location_id = $1", id)
	return n, err
}

// CountLocationProofs counts the live proofs at a location
func (s *Store) CountLocationProofs(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.get(ctx, &n, "SELECT COUNT(*) FROM proofs WHERE location_id = $1", id)
	return n, err
}

// CountLocationsByType counts locations per type
func (s *Store) CountLocationsByType(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Type  string `db:"type"`
		Count int    `db:"count"`
	}
	if err := s.selectAll(ctx, &rows, "SELECT type, COUNT(*) AS count FROM locations GROUP BY type"); err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.Count
	}
	return counts, nil
}

// CountLocationsWithPrices counts locations whose price counter is positive
func (s *Store) CountLocationsWithPrices(ctx context.Context) (int, error) {
	var n int
	err := s.get(ctx, &n, "SELECT COUNT(*) FROM locations WHERE price_count > 0")
	return n, err
}
