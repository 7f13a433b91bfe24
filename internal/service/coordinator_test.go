package service

import (
	"context"
	"testing"

	"prices-service/internal/models"
	"prices-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveProofPricesIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 1)
	f.addPrice(t, "alice", proof.ID, "1.00")
	f.addPrice(t, "alice", proof.ID, "2.00")
	from := *proof.LocationID

	to, err := f.locations.ResolveOrCreateOSM(ctx, 2, "NODE", nil)
	require.NoError(t, err)

	var first, second int
	require.NoError(t, f.repo.WithTx(ctx, func(q store.Queries) error {
		var err error
		first, err = f.coord.MoveProofPrices(ctx, q, proof.ID, to)
		return err
	}))
	require.NoError(t, f.repo.WithTx(ctx, func(q store.Queries) error {
		var err error
		second, err = f.coord.MoveProofPrices(ctx, q, proof.ID, to)
		return err
	}))

	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, 0, f.location(t, from).PriceCount)
	assert.Equal(t, 2, f.location(t, to.ID).PriceCount)
}

func TestRecomputeProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 0)
	f.addPrice(t, "alice", proof.ID, "1.00")
	require.NoError(t, f.repo.SetProofPriceCount(ctx, proof.ID, 9))

	var n int
	require.NoError(t, f.repo.WithTx(ctx, func(q store.Queries) error {
		var err error
		n, err = f.coord.RecomputeProof(ctx, q, proof.ID)
		return err
	}))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.proof(t, proof.ID).PriceCount)
}

func TestDecrementBelowZeroIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 1)
	price := f.addPrice(t, "alice", proof.ID, "1.00")

	require.NoError(t, f.repo.SetProofPriceCount(ctx, proof.ID, 0))
	require.NoError(t, f.repo.SetLocationCounts(ctx, *proof.LocationID, 0, 1))

	require.NoError(t, f.prices.Delete(ctx, price.ID, "alice"))

	assert.Equal(t, 1, f.logs.FilterMessage("Proof price_count clamped at zero").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("Location counter clamped at zero").Len())
	assert.Equal(t, 0, f.proof(t, proof.ID).PriceCount)
	assert.Equal(t, 0, f.location(t, *proof.LocationID).PriceCount)
}

func TestBalancedCountersAreNotReported(t *testing.T) {
	f := newFixture(t)
	proof := f.createProof(t, "alice", models.ProofTypePriceTag, 1)
	price := f.addPrice(t, "alice", proof.ID, "1.00")

	require.NoError(t, f.prices.Delete(context.Background(), price.ID, "alice"))
	assert.Zero(t, f.logs.FilterMessageSnippet("clamped at zero").Len())
}
