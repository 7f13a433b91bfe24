package service

import (
	"context"
	"errors"
	"testing"

	"prices-service/internal/models"
	"prices-service/internal/store"
	"prices-service/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePriceInheritsFromSingleShopProof(t *testing.T) {
	f := newFixture(t)
	proof := f.createProof(t, "alice", models.ProofTypeReceipt, 1)

	price := f.addPrice(t, "alice", proof.ID, "2.49")

	assert.Equal(t, "EUR", price.Currency)
	assert.Equal(t, "2024-06-10", price.Date.String())
	assert.Equal(t, *proof.LocationID, *price.LocationID)
	assert.Equal(t, int64(1), *price.LocationOSMID)
	assert.Equal(t, 1, f.proof(t, proof.ID).PriceCount)
	assert.Equal(t, 1, f.location(t, *proof.LocationID).PriceCount)
}

func TestCreatePriceMustMatchSingleShopProof(t *testing.T) {
	f := newFixture(t)
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 1)

	_, err := f.prices.Create(context.Background(), &CreatePriceRequest{
		Price:         ptr(decimal.RequireFromString("1.00")),
		Currency:      ptr("USD"),
		Date:          day("2024-06-09"),
		ProofID:       &proof.ID,
		LocationInput: LocationInput{LocationOSMID: ptr(int64(2)), LocationOSMType: ptr("NODE")},
		Owner:         "alice",
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "currency")
	assert.Contains(t, verr.Fields, "date")
	assert.Contains(t, verr.Fields, "location_id")
	assert.Equal(t, 0, f.proof(t, proof.ID).PriceCount)
}

func TestCreatePriceValidation(t *testing.T) {
	tests := []struct {
		name      string
		req       CreatePriceRequest
		wantField string
	}{
		{
			name:      "missing price",
			req:       CreatePriceRequest{Currency: ptr("EUR"), Date: day("2024-06-01")},
			wantField: "price",
		},
		{
			name:      "negative price",
			req:       CreatePriceRequest{Price: ptr(decimal.RequireFromString("-1")), Currency: ptr("EUR"), Date: day("2024-06-01")},
			wantField: "price",
		},
		{
			name:      "three decimals",
			req:       CreatePriceRequest{Price: ptr(decimal.RequireFromString("1.001")), Currency: ptr("EUR"), Date: day("2024-06-01")},
			wantField: "price",
		},
		{
			name:      "future date",
			req:       CreatePriceRequest{Price: ptr(decimal.NewFromInt(1)), Currency: ptr("EUR"), Date: day("2024-06-16")},
			wantField: "date",
		},
		{
			name:      "missing date without proof",
			req:       CreatePriceRequest{Price: ptr(decimal.NewFromInt(1)), Currency: ptr("EUR")},
			wantField: "date",
		},
		{
			name:      "missing currency without proof",
			req:       CreatePriceRequest{Price: ptr(decimal.NewFromInt(1)), Date: day("2024-06-01")},
			wantField: "currency",
		},
		{
			name:      "unknown currency",
			req:       CreatePriceRequest{Price: ptr(decimal.NewFromInt(1)), Currency: ptr("XYZ1"), Date: day("2024-06-01")},
			wantField: "currency",
		},
		{
			name:      "unknown proof",
			req:       CreatePriceRequest{Price: ptr(decimal.NewFromInt(1)), Currency: ptr("EUR"), Date: day("2024-06-01"), ProofID: ptr(int64(99))},
			wantField: "proof_id",
		},
		{
			name: "unknown location id",
			req: CreatePriceRequest{Price: ptr(decimal.NewFromInt(1)), Currency: ptr("EUR"), Date: day("2024-06-01"),
				LocationInput: LocationInput{LocationID: ptr(int64(99))}},
			wantField: "location_id",
		},
		{
			name: "half osm pair",
			req: CreatePriceRequest{Price: ptr(decimal.NewFromInt(1)), Currency: ptr("EUR"), Date: day("2024-06-01"),
				LocationInput: LocationInput{LocationOSMType: ptr("NODE")}},
			wantField: "location_osm_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.req
			req.Owner = "alice"
			_, err := f.prices.Create(context.Background(), &req)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.wantField)
		})
	}
}

func TestCreatePriceToday(t *testing.T) {
	f := newFixture(t)
	price, err := f.prices.Create(context.Background(), &CreatePriceRequest{
		Price:         ptr(decimal.RequireFromString("0.5")),
		Currency:      ptr("eur"),
		Date:          day("2024-06-15"),
		LocationInput: LocationInput{LocationOSMID: ptr(int64(5)), LocationOSMType: ptr("node")},
		Owner:         "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "EUR", price.Currency)
	assert.Equal(t, "NODE", *price.LocationOSMType)
}

func TestCreatePriceLocationIDMustMatchOSMPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loc, err := f.locations.ResolveOrCreateOSM(ctx, 10, "NODE", nil)
	require.NoError(t, err)

	base := CreatePriceRequest{Price: ptr(decimal.NewFromInt(1)), Currency: ptr("EUR"), Date: day("2024-06-01"), Owner: "alice"}

	mismatch := base
	mismatch.LocationInput = LocationInput{LocationID: &loc.ID, LocationOSMID: ptr(int64(11)), LocationOSMType: ptr("NODE")}
	_, err = f.prices.Create(ctx, &mismatch)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "location_id")

	match := base
	match.LocationInput = LocationInput{LocationID: &loc.ID, LocationOSMID: ptr(int64(10)), LocationOSMType: ptr("NODE")}
	price, err := f.prices.Create(ctx, &match)
	require.NoError(t, err)
	assert.Equal(t, loc.ID, *price.LocationID)

	direct := base
	direct.LocationInput = LocationInput{LocationID: &loc.ID}
	_, err = f.prices.Create(ctx, &direct)
	require.NoError(t, err)
	assert.Equal(t, 2, f.location(t, loc.ID).PriceCount)
}

func TestCreatePriceOwnerRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipt := f.createProof(t, "alice", models.ProofTypeReceipt, 1)
	tag := f.createProof(t, "alice", models.ProofTypePriceTag, 1)

	_, err := f.prices.Create(ctx, &CreatePriceRequest{Price: ptr(decimal.NewFromInt(1)), ProofID: &receipt.ID, Owner: "bob"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "proof_id")

	price := f.addPrice(t, "bob", tag.ID, "1.00")
	assert.Equal(t, "bob", price.Owner)
}

func TestCreatePriceCollectsProofAndLocationViolations(t *testing.T) {
	f := newFixture(t)
	receipt := f.createProof(t, "alice", models.ProofTypeReceipt, 1)

	_, err := f.prices.Create(context.Background(), &CreatePriceRequest{
		Price:         ptr(decimal.NewFromInt(1)),
		ProofID:       &receipt.ID,
		LocationInput: LocationInput{LocationID: ptr(int64(999))},
		Owner:         "bob",
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "proof_id")
	assert.Contains(t, verr.Fields, "location_id")
}

func TestCreatePriceCollectsAmountAndProofViolations(t *testing.T) {
	f := newFixture(t)

	_, err := f.prices.Create(context.Background(), &CreatePriceRequest{
		Price:   ptr(decimal.RequireFromString("-2")),
		ProofID: ptr(int64(99)),
		Owner:   "alice",
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "price")
	assert.Contains(t, verr.Fields, "proof_id")
}

func TestUpdatePriceCollectsAllViolations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 1)
	price := f.addPrice(t, "alice", proof.ID, "1.00")

	_, err := f.prices.Update(ctx, price.ID, &UpdatePriceRequest{
		Price:      models.Some(decimal.RequireFromString("-1")),
		LocationID: models.Some(int64(999)),
	}, "alice")

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "price")
	assert.Contains(t, verr.Fields, "location_id")

	_, err = f.prices.Update(ctx, price.ID, &UpdatePriceRequest{
		Price:           models.Some(decimal.RequireFromString("1.234")),
		LocationOSMType: models.Some("NODE"),
	}, "alice")
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "price")
	assert.Contains(t, verr.Fields, "location_osm_id")
}

func TestUpdatePriceMovesLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	price, err := f.prices.Create(ctx, &CreatePriceRequest{
		Price:         ptr(decimal.NewFromInt(3)),
		Currency:      ptr("EUR"),
		Date:          day("2024-06-01"),
		LocationInput: LocationInput{LocationOSMID: ptr(int64(1)), LocationOSMType: ptr("NODE")},
		Owner:         "alice",
	})
	require.NoError(t, err)
	l1 := *price.LocationID

	_, err = f.prices.Update(ctx, price.ID, &UpdatePriceRequest{Price: models.Some(decimal.NewFromInt(4))}, "bob")
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	updated, err := f.prices.Update(ctx, price.ID, &UpdatePriceRequest{
		Price:           models.Some(decimal.RequireFromString("3.50")),
		LocationOSMID:   models.Some(int64(2)),
		LocationOSMType: models.Some("NODE"),
	}, "alice")
	require.NoError(t, err)
	l2 := *updated.LocationID
	assert.True(t, decimal.RequireFromString("3.50").Equal(updated.Price))
	assert.Equal(t, 0, f.location(t, l1).PriceCount)
	assert.Equal(t, 1, f.location(t, l2).PriceCount)

	_, err = f.prices.Update(ctx, price.ID, &UpdatePriceRequest{Currency: models.Null[string]()}, "alice")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "currency")

	f.requireCountersConsistent(t, nil, []int64{l1, l2})
}

func TestUpdatePriceOfSingleShopProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 1)
	price := f.addPrice(t, "alice", proof.ID, "1.00")

	_, err := f.prices.Update(ctx, price.ID, &UpdatePriceRequest{Date: models.Some(*day("2024-06-01"))}, "alice")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "date")

	_, err = f.prices.Update(ctx, price.ID, &UpdatePriceRequest{ProductCode: models.Some("123")}, "alice")
	require.NoError(t, err)
}

func TestDeleteByProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proof := f.createProof(t, "alice", models.ProofTypeShopImport, 1)
	for _, amount := range []string{"1.00", "2.00", "3.00"} {
		f.addPrice(t, "alice", proof.ID, amount)
	}

	_, err := f.prices.DeleteByProof(ctx, proof.ID, "bob")
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	deleted, err := f.prices.DeleteByProof(ctx, proof.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, 0, f.proof(t, proof.ID).PriceCount)
	assert.Equal(t, 0, f.location(t, *proof.LocationID).PriceCount)
	assert.Equal(t, 1, f.location(t, *proof.LocationID).ProofCount)

	require.NoError(t, f.proofs.Delete(ctx, proof.ID, "alice"))
}

func TestDeletePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 1)
	price := f.addPrice(t, "bob", proof.ID, "1.00")

	err := f.prices.Delete(ctx, price.ID, "alice")
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	require.NoError(t, f.prices.Delete(ctx, price.ID, "bob"))
	f.requireCountersConsistent(t, []int64{proof.ID}, []int64{*proof.LocationID})

	err = f.prices.Delete(ctx, price.ID, "bob")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

// failingQueries fails every location counter write
type failingQueries struct {
	store.Queries
	err error
}

func (q failingQueries) AdjustLocationCounts(context.Context, int64, int, int) (bool, error) {
	return false, q.err
}

type failingRepo struct {
	*memstore.Store
	err error
}

func (r failingRepo) WithTx(ctx context.Context, fn func(q store.Queries) error) error {
	return r.Store.WithTx(ctx, func(q store.Queries) error {
		return fn(failingQueries{Queries: q, err: r.err})
	})
}

func TestFailedCounterUpdateRollsBackPrice(t *testing.T) {
	mem := memstore.New()
	f := newFixture(t, withRepo(mem))
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 0)

	boom := errors.New("counter update failed")
	broken := newFixture(t, withRepo(failingRepo{Store: mem, err: boom}))

	_, err := broken.prices.Create(context.Background(), &CreatePriceRequest{
		Price:         ptr(decimal.NewFromInt(1)),
		ProofID:       &proof.ID,
		LocationInput: LocationInput{LocationOSMID: ptr(int64(9)), LocationOSMType: ptr("NODE")},
		Owner:         "alice",
	})
	require.ErrorIs(t, err, boom)

	prices, err := mem.ListProofPrices(context.Background(), proof.ID)
	require.NoError(t, err)
	assert.Empty(t, prices)
	assert.Equal(t, 0, f.proof(t, proof.ID).PriceCount)
	_, err = mem.GetLocationByOSM(context.Background(), 9, "NODE")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
