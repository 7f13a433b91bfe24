package service

import (
	"context"
	"fmt"

	"prices-service/internal/models"
	"prices-service/internal/store"
	"prices-service/internal/util"
)

// TotalStats are the global counts exposed by the stats endpoint
type TotalStats struct {
	PriceCount int `json:"price_count"`

	LocationCount           int `json:"location_count"`
	LocationWithPriceCount  int `json:"location_with_price_count"`
	LocationTypeOSMCount    int `json:"location_type_osm_count"`
	LocationTypeOnlineCount int `json:"location_type_online_count"`

	ProofCount            int                      `json:"proof_count"`
	ProofWithPriceCount   int                      `json:"proof_with_price_count"`
	ProofTypeCounts       map[models.ProofType]int `json:"proof_type_counts"`
	CommunityProofCount   int                      `json:"community_proof_count"`
	ConsumptionProofCount int                      `json:"consumption_proof_count"`
}

// StatsService computes totals from live rows
type StatsService struct {
	repo store.Repository
}

// NewStatsService creates a new stats service
func NewStatsService(repo store.Repository) *StatsService {
	return &StatsService{repo: repo}
}

// Totals counts prices, locations and proofs. The "with price" figures read
// the maintained counters.
func (s *StatsService) Totals(ctx context.Context) (*TotalStats, error) {
	ctx, span := util.StartSpan(ctx, "StatsService.Totals")
	defer span.End()

	prices, err := s.repo.CountPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count prices: %w", err)
	}
	byType, err := s.repo.CountProofsByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count proofs: %w", err)
	}

	withPrices, err := s.repo.CountProofsWithPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count proofs with prices: %w", err)
	}
	locationsByType, err := s.repo.CountLocationsByType(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count locations: %w", err)
	}
	locationsWithPrices, err := s.repo.CountLocationsWithPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count locations with prices: %w", err)
	}

	stats := &TotalStats{
		PriceCount:              prices,
		LocationWithPriceCount:  locationsWithPrices,
		LocationTypeOSMCount:    locationsByType[models.LocationTypeOSM],
		LocationTypeOnlineCount: locationsByType[models.LocationTypeOnline],
		ProofWithPriceCount:     withPrices,
		ProofTypeCounts:         make(map[models.ProofType]int, len(models.ProofTypes)),
	}
	for _, n := range locationsByType {
		stats.LocationCount += n
	}
	for _, t := range models.ProofTypes {
		n := byType[t]
		stats.ProofTypeCounts[t] = n
		stats.ProofCount += n
		if t.InGroup(models.TypeGroupCommunity) {
			stats.CommunityProofCount += n
		}
		if t.InGroup(models.TypeGroupConsumption) {
			stats.ConsumptionProofCount += n
		}
	}
	return stats, nil
}
