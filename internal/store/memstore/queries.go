package memstore

import (
	"context"
	"fmt"
	"sort"

	"prices-service/internal/models"
	"prices-service/internal/store"
)

func conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", store.ErrConflict, fmt.Sprintf(format, args...))
}

// clampAdd adds delta to v without going below zero
func clampAdd(v, delta int) (int, bool) {
	if v+delta < 0 {
		return 0, true
	}
	return v + delta, false
}

func (s *Store) GetLocation(ctx context.Context, id int64) (*models.Location, error) {
	var out *models.Location
	err := s.read(func(st *state) error {
		loc, ok := st.locations[id]
		if !ok {
			return store.ErrNotFound
		}
		out = &loc
		return nil
	})
	return out, err
}

func (s *Store) GetLocationByOSM(ctx context.Context, osmID int64, osmType string) (*models.Location, error) {
	var out *models.Location
	err := s.read(func(st *state) error {
		for _, loc := range st.locations {
			if loc.MatchesOSM(osmID, osmType) {
				found := loc
				out = &found
				return nil
			}
		}
		return store.ErrNotFound
	})
	return out, err
}

func (s *Store) GetLocationByWebsiteURL(ctx context.Context, url string) (*models.Location, error) {
	var out *models.Location
	err := s.read(func(st *state) error {
		for _, loc := range st.locations {
			if loc.IsOnline() && loc.WebsiteURL != nil && *loc.WebsiteURL == url {
				found := loc
				out = &found
				return nil
			}
		}
		return store.ErrNotFound
	})
	return out, err
}

func (s *Store) InsertLocation(ctx context.Context, loc *models.Location) (bool, error) {
	inserted := false
	err := s.write(func(st *state) error {
		for _, existing := range st.locations {
			if loc.IsOSM() && loc.OSMID != nil && loc.OSMType != nil && existing.MatchesOSM(*loc.OSMID, *loc.OSMType) {
				return nil
			}
			if loc.IsOnline() && existing.IsOnline() && loc.WebsiteURL != nil && existing.WebsiteURL != nil &&
				*existing.WebsiteURL == *loc.WebsiteURL {
				return nil
			}
		}
		st.nextLocationID++
		now := s.now()
		row := *loc
		row.ID = st.nextLocationID
		row.PriceCount, row.ProofCount = 0, 0
		row.Created, row.Updated = now, now
		st.locations[row.ID] = row
		*loc = row
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *Store) DeleteLocation(ctx context.Context, id int64) error {
	return s.write(func(st *state) error {
		if _, ok := st.locations[id]; !ok {
			return store.ErrNotFound
		}
		for _, p := range st.prices {
			if p.LocationID != nil && *p.LocationID == id {
				return conflict("location %d is referenced by price %d", id, p.ID)
			}
		}
		for _, p := range st.proofs {
			if p.LocationID != nil && *p.LocationID == id {
				return conflict("location %d is referenced by proof %d", id, p.ID)
			}
		}
		delete(st.locations, id)
		return nil
	})
}

func (s *Store) AdjustLocationCounts(ctx context.Context, id int64, priceDelta, proofDelta int) (bool, error) {
	var clamped bool
	err := s.write(func(st *state) error {
		loc, ok := st.locations[id]
		if !ok {
			return store.ErrNotFound
		}
		var priceClamped, proofClamped bool
		loc.PriceCount, priceClamped = clampAdd(loc.PriceCount, priceDelta)
		loc.ProofCount, proofClamped = clampAdd(loc.ProofCount, proofDelta)
		clamped = priceClamped || proofClamped
		loc.Updated = s.now()
		st.locations[id] = loc
		return nil
	})
	return clamped, err
}

func (s *Store) SetLocationCounts(ctx context.Context, id int64, priceCount, proofCount int) error {
	return s.write(func(st *state) error {
		loc, ok := st.locations[id]
		if !ok {
			return store.ErrNotFound
		}
		loc.PriceCount, loc.ProofCount = priceCount, proofCount
		loc.Updated = s.now()
		st.locations[id] = loc
		return nil
	})
}

func (s *Store) CountLocationPrices(ctx context.Context, id int64) (int, error) {
	n := 0
	err := s.read(func(st *state) error {
		for _, p := range st.prices {
			if p.LocationID != nil && *p.LocationID == id {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) CountLocationProofs(ctx context.Context, id int64) (int, error) {
	n := 0
	err := s.read(func(st *state) error {
		for _, p := range st.proofs {
			if p.LocationID != nil && *p.LocationID == id {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) CountLocationsByType(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	err := s.read(func(st *state) error {
		for _, loc := range st.locations {
			counts[loc.Type]++
		}
		return nil
	})
	return counts, err
}

func (s *Store) CountLocationsWithPrices(ctx context.Context) (int, error) {
	n := 0
	err := s.read(func(st *state) error {
		for _, loc := range st.locations {
			if loc.PriceCount > 0 {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) CreateProof(ctx context.Context, proof *models.Proof) error {
	return s.write(func(st *state) error {
		if proof.LocationID != nil {
			if _, ok := st.locations[*proof.LocationID]; !ok {
				return conflict("location %d does not exist", *proof.LocationID)
			}
		}
		st.nextProofID++
		now := s.now()
		proof.ID = st.nextProofID
		proof.PriceCount = 0
		proof.Created, proof.Updated = now, now
		row := *proof
		row.Predictions = nil
		st.proofs[row.ID] = row
		return nil
	})
}

func (s *Store) GetProof(ctx context.Context, id int64) (*models.Proof, error) {
	var out *models.Proof
	err := s.read(func(st *state) error {
		p, ok := st.proofs[id]
		if !ok {
			return store.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

// GetProofForUpdate is GetProof: transactions already hold the store lock
func (s *Store) GetProofForUpdate(ctx context.Context, id int64) (*models.Proof, error) {
	return s.GetProof(ctx, id)
}

func (s *Store) UpdateProof(ctx context.Context, proof *models.Proof) error {
	return s.write(func(st *state) error {
		row, ok := st.proofs[proof.ID]
		if !ok {
			return store.ErrNotFound
		}
		if proof.LocationID != nil {
			if _, ok := st.locations[*proof.LocationID]; !ok {
				return conflict("location %d does not exist", *proof.LocationID)
			}
		}
		row.Type = proof.Type
		row.LocationID = proof.LocationID
		row.LocationOSMID = proof.LocationOSMID
		row.LocationOSMType = proof.LocationOSMType
		row.Date = proof.Date
		row.Currency = proof.Currency
		row.ReceiptPriceCount = proof.ReceiptPriceCount
		row.ReceiptPriceTotal = proof.ReceiptPriceTotal
		row.Updated = s.now()
		st.proofs[row.ID] = row
		proof.Updated = row.Updated
		return nil
	})
}

func (s *Store) DeleteProof(ctx context.Context, id int64) error {
	return s.write(func(st *state) error {
		if _, ok := st.proofs[id]; !ok {
			return store.ErrNotFound
		}
		for _, p := range st.prices {
			if p.ProofID != nil && *p.ProofID == id {
				return conflict("proof %d is referenced by price %d", id, p.ID)
			}
		}
		for _, p := range st.predictions {
			if p.ProofID == id {
				return conflict("proof %d is referenced by prediction %d", id, p.ID)
			}
		}
		delete(st.proofs, id)
		return nil
	})
}

func (s *Store) AdjustProofPriceCount(ctx context.Context, id int64, delta int) (bool, error) {
	var clamped bool
	err := s.write(func(st *state) error {
		p, ok := st.proofs[id]
		if !ok {
			return store.ErrNotFound
		}
		p.PriceCount, clamped = clampAdd(p.PriceCount, delta)
		p.Updated = s.now()
		st.proofs[id] = p
		return nil
	})
	return clamped, err
}

func (s *Store) SetProofPriceCount(ctx context.Context, id int64, count int) error {
	return s.write(func(st *state) error {
		p, ok := st.proofs[id]
		if !ok {
			return store.ErrNotFound
		}
		p.PriceCount = count
		p.Updated = s.now()
		st.proofs[id] = p
		return nil
	})
}

func (s *Store) CountProofPrices(ctx context.Context, id int64) (int, error) {
	n := 0
	err := s.read(func(st *state) error {
		for _, p := range st.prices {
			if p.ProofID != nil && *p.ProofID == id {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) CountProofsByType(ctx context.Context) (map[models.ProofType]int, error) {
	counts := map[models.ProofType]int{}
	err := s.read(func(st *state) error {
		for _, p := range st.proofs {
			counts[p.Type]++
		}
		return nil
	})
	return counts, err
}

func (s *Store) CountProofsWithPrices(ctx context.Context) (int, error) {
	n := 0
	err := s.read(func(st *state) error {
		for _, p := range st.proofs {
			if p.PriceCount > 0 {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) CreatePrice(ctx context.Context, price *models.Price) error {
	return s.write(func(st *state) error {
		if price.LocationID != nil {
			if _, ok := st.locations[*price.LocationID]; !ok {
				return conflict("location %d does not exist", *price.LocationID)
			}
		}
		if price.ProofID != nil {
			if _, ok := st.proofs[*price.ProofID]; !ok {
				return conflict("proof %d does not exist", *price.ProofID)
			}
		}
		st.nextPriceID++
		now := s.now()
		price.ID = st.nextPriceID
		price.Created, price.Updated = now, now
		st.prices[price.ID] = *price
		return nil
	})
}

func (s *Store) GetPrice(ctx context.Context, id int64) (*models.Price, error) {
	var out *models.Price
	err := s.read(func(st *state) error {
		p, ok := st.prices[id]
		if !ok {
			return store.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

// GetPriceForUpdate is GetPrice: transactions already hold the store lock
func (s *Store) GetPriceForUpdate(ctx context.Context, id int64) (*models.Price, error) {
	return s.GetPrice(ctx, id)
}

func (s *Store) UpdatePrice(ctx context.Context, price *models.Price) error {
	return s.write(func(st *state) error {
		row, ok := st.prices[price.ID]
		if !ok {
			return store.ErrNotFound
		}
		if price.LocationID != nil {
			if _, ok := st.locations[*price.LocationID]; !ok {
				return conflict("location %d does not exist", *price.LocationID)
			}
		}
		row.ProductCode = price.ProductCode
		row.Price = price.Price
		row.Currency = price.Currency
		row.Date = price.Date
		row.LocationID = price.LocationID
		row.LocationOSMID = price.LocationOSMID
		row.LocationOSMType = price.LocationOSMType
		row.Updated = s.now()
		st.prices[row.ID] = row
		price.Updated = row.Updated
		return nil
	})
}

func (s *Store) DeletePrice(ctx context.Context, id int64) error {
	return s.write(func(st *state) error {
		if _, ok := st.prices[id]; !ok {
			return store.ErrNotFound
		}
		delete(st.prices, id)
		return nil
	})
}

func proofPrices(st *state, proofID int64) []models.Price {
	var prices []models.Price
	for _, p := range st.prices {
		if p.ProofID != nil && *p.ProofID == proofID {
			prices = append(prices, p)
		}
	}
	sort.Slice(prices, func(i, j int) bool {
		if !prices[i].Created.Equal(prices[j].Created) {
			return prices[i].Created.Before(prices[j].Created)
		}
		return prices[i].ID < prices[j].ID
	})
	return prices
}

func (s *Store) ListProofPrices(ctx context.Context, proofID int64) ([]models.Price, error) {
	var prices []models.Price
	err := s.read(func(st *state) error {
		prices = proofPrices(st, proofID)
		return nil
	})
	return prices, err
}

func (s *Store) DeleteProofPrices(ctx context.Context, proofID int64) (int64, error) {
	var n int64
	err := s.write(func(st *state) error {
		for _, p := range proofPrices(st, proofID) {
			delete(st.prices, p.ID)
			n++
		}
		return nil
	})
	return n, err
}

// updateProofPrices applies fn to every price of a proof it reports as changed
func (s *Store) updateProofPrices(proofID int64, fn func(p *models.Price) bool) (int64, error) {
	var n int64
	err := s.write(func(st *state) error {
		now := s.now()
		for _, p := range proofPrices(st, proofID) {
			if fn(&p) {
				p.Updated = now
				st.prices[p.ID] = p
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) SetProofPricesCurrency(ctx context.Context, proofID int64, currency string) (int64, error) {
	return s.updateProofPrices(proofID, func(p *models.Price) bool {
		if p.Currency == currency {
			return false
		}
		p.Currency = currency
		return true
	})
}

func (s *Store) SetProofPricesDate(ctx context.Context, proofID int64, date models.Date) (int64, error) {
	return s.updateProofPrices(proofID, func(p *models.Price) bool {
		if p.Date.Equal(date) {
			return false
		}
		p.Date = date
		return true
	})
}

func (s *Store) SetProofPricesLocation(ctx context.Context, proofID int64, loc *models.Location) (int64, error) {
	return s.updateProofPrices(proofID, func(p *models.Price) bool {
		if p.LocationID != nil && *p.LocationID == loc.ID {
			return false
		}
		id := loc.ID
		p.LocationID = &id
		p.LocationOSMID = loc.OSMID
		p.LocationOSMType = loc.OSMType
		return true
	})
}

func (s *Store) CountPrices(ctx context.Context) (int, error) {
	n := 0
	err := s.read(func(st *state) error {
		n = len(st.prices)
		return nil
	})
	return n, err
}

func (s *Store) CreatePrediction(ctx context.Context, prediction *models.Prediction) error {
	return s.write(func(st *state) error {
		if _, ok := st.proofs[prediction.ProofID]; !ok {
			return conflict("proof %d does not exist", prediction.ProofID)
		}
		st.nextPredictionID++
		prediction.ID = st.nextPredictionID
		prediction.Created = s.now()
		if len(prediction.Data) == 0 {
			prediction.Data = []byte("{}")
		}
		st.predictions[prediction.ID] = *prediction
		return nil
	})
}

func (s *Store) ListProofPredictions(ctx context.Context, proofID int64) ([]models.Prediction, error) {
	var predictions []models.Prediction
	err := s.read(func(st *state) error {
		for _, p := range st.predictions {
			if p.ProofID == proofID {
				predictions = append(predictions, p)
			}
		}
		return nil
	})
	sort.Slice(predictions, func(i, j int) bool {
		if !predictions[i].Created.Equal(predictions[j].Created) {
			return predictions[i].Created.After(predictions[j].Created)
		}
		return predictions[i].ID > predictions[j].ID
	})
	return predictions, err
}

func (s *Store) LatestProofPrediction(ctx context.Context, proofID int64, typ models.PredictionType) (*models.Prediction, error) {
	predictions, err := s.ListProofPredictions(ctx, proofID)
	if err != nil {
		return nil, err
	}
	for _, p := range predictions {
		if p.Type == typ {
			found := p
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) DeleteProofPredictions(ctx context.Context, proofID int64) (int64, error) {
	var n int64
	err := s.write(func(st *state) error {
		for id, p := range st.predictions {
			if p.ProofID == proofID {
				delete(st.predictions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
