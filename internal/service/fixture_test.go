package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"prices-service/internal/models"
	"prices-service/internal/store"
	"prices-service/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testNow = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T {
	return &v
}

func day(s string) *models.Date {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return &d
}

type dirLocator string

func (d dirLocator) Path(filePath string) string {
	return filepath.Join(string(d), filepath.FromSlash(filePath))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.ProofUploadedEvent
}

func (p *recordingPublisher) PublishProofUploaded(_ context.Context, event *models.ProofUploadedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type fixture struct {
	repo        store.Repository
	coord       *Coordinator
	locations   *LocationService
	prices      *PriceService
	proofs      *ProofService
	predictions *PredictionService
	stats       *StatsService
	publisher   *recordingPublisher
	files       dirLocator
	logs        *observer.ObservedLogs
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	repo       store.Repository
	osm        OSMLookup
	classifier Classifier
	ocr        OCR
	autoPrice  AutoPriceConfig
}

func withRepo(repo store.Repository) fixtureOption {
	return func(c *fixtureConfig) { c.repo = repo }
}

func withOSM(osm OSMLookup) fixtureOption {
	return func(c *fixtureConfig) { c.osm = osm }
}

func withCollaborators(classifier Classifier, ocr OCR) fixtureOption {
	return func(c *fixtureConfig) {
		c.classifier = classifier
		c.ocr = ocr
	}
}

func withAutoPrice(threshold float64) fixtureOption {
	return func(c *fixtureConfig) { c.autoPrice = AutoPriceConfig{Enabled: true, Threshold: threshold} }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := &fixtureConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.repo == nil {
		cfg.repo = memstore.New(memstore.WithClock(time.Now))
	}

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	f := &fixture{
		repo:      cfg.repo,
		publisher: &recordingPublisher{},
		files:     dirLocator(t.TempDir()),
		logs:      logs,
	}
	f.coord = NewCoordinator()
	f.coord.logger = logger
	f.locations = NewLocationService(f.repo, f.coord, cfg.osm)
	f.locations.logger = logger
	f.prices = NewPriceService(f.repo, f.coord, f.locations)
	f.prices.logger = logger
	f.prices.now = func() time.Time { return testNow }
	f.proofs = NewProofService(f.repo, f.coord, f.locations, f.publisher)
	f.proofs.logger = logger
	f.proofs.now = func() time.Time { return testNow }
	f.predictions = NewPredictionService(f.repo, f.prices, f.files, cfg.classifier, cfg.ocr, cfg.autoPrice)
	f.predictions.logger = logger
	f.stats = NewStatsService(f.repo)
	return f
}

// createProof stores a proof file on disk and creates its proof at the OSM
// node osmID
func (f *fixture) createProof(t *testing.T, owner string, typ models.ProofType, osmID int64) *models.Proof {
	t.Helper()
	req := &CreateProofRequest{
		Type:     typ,
		FilePath: "2024/06/" + owner + string(typ) + ".jpg",
		Mimetype: "image/jpeg",
		Owner:    owner,
		Date:     day("2024-06-10"),
		Currency: ptr("EUR"),
	}
	if osmID != 0 {
		req.Location = LocationInput{LocationOSMID: ptr(osmID), LocationOSMType: ptr("NODE")}
	}

	path := f.files.Path(req.FilePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))

	proof, err := f.proofs.Create(context.Background(), req)
	require.NoError(t, err)
	return proof
}

func (f *fixture) addPrice(t *testing.T, owner string, proofID int64, amount string) *models.Price {
	t.Helper()
	price, err := f.prices.Create(context.Background(), &CreatePriceRequest{
		ProductCode: ptr("3017620422003"),
		Price:       ptr(decimal.RequireFromString(amount)),
		ProofID:     &proofID,
		Owner:       owner,
	})
	require.NoError(t, err)
	return price
}

func (f *fixture) location(t *testing.T, id int64) *models.Location {
	t.Helper()
	loc, err := f.repo.GetLocation(context.Background(), id)
	require.NoError(t, err)
	return loc
}

func (f *fixture) proof(t *testing.T, id int64) *models.Proof {
	t.Helper()
	proof, err := f.repo.GetProof(context.Background(), id)
	require.NoError(t, err)
	return proof
}

// requireCountersConsistent checks stored counters against live rows
func (f *fixture) requireCountersConsistent(t *testing.T, proofIDs, locationIDs []int64) {
	t.Helper()
	ctx := context.Background()
	for _, id := range proofIDs {
		live, err := f.repo.CountProofPrices(ctx, id)
		require.NoError(t, err)
		require.Equal(t, live, f.proof(t, id).PriceCount, "proof %d price_count", id)
	}
	for _, id := range locationIDs {
		prices, err := f.repo.CountLocationPrices(ctx, id)
		require.NoError(t, err)
		proofs, err := f.repo.CountLocationProofs(ctx, id)
		require.NoError(t, err)
		loc := f.location(t, id)
		require.Equal(t, prices, loc.PriceCount, "location %d price_count", id)
		require.Equal(t, proofs, loc.ProofCount, "location %d proof_count", id)
	}
}
