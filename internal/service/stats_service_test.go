package service

import (
	"context"
	"testing"

	"prices-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotals(t *testing.T) {
	f := newFixture(t)
	tag := f.createProof(t, "alice", models.ProofTypePriceTag, 1)
	f.createProof(t, "bob", models.ProofTypeReceipt, 2)
	f.createProof(t, "bob", models.ProofTypeGDPRRequest, 0)
	f.addPrice(t, "alice", tag.ID, "1.00")
	f.addPrice(t, "bob", tag.ID, "2.00")
	_, err := f.locations.ResolveOrCreateOnline(context.Background(), "https://shop.example.com")
	require.NoError(t, err)

	stats, err := f.stats.Totals(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.PriceCount)

	assert.Equal(t, 3, stats.LocationCount)
	assert.Equal(t, 1, stats.LocationWithPriceCount)
	assert.Equal(t, 2, stats.LocationTypeOSMCount)
	assert.Equal(t, 1, stats.LocationTypeOnlineCount)

	assert.Equal(t, 3, stats.ProofCount)
	assert.Equal(t, 1, stats.ProofWithPriceCount)
	assert.Equal(t, 1, stats.CommunityProofCount)
	assert.Equal(t, 2, stats.ConsumptionProofCount)
	assert.Equal(t, 0, stats.ProofTypeCounts[models.ProofTypeShopImport])
	assert.Len(t, stats.ProofTypeCounts, len(models.ProofTypes))
}

func TestTotalsEmpty(t *testing.T) {
	f := newFixture(t)

	stats, err := f.stats.Totals(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.PriceCount)
	assert.Zero(t, stats.ProofCount)
	assert.Zero(t, stats.LocationCount)
	assert.Zero(t, stats.ProofWithPriceCount)
}
