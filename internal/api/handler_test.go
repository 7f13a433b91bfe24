package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"prices-service/internal/filestore"
	"prices-service/internal/models"
	"prices-service/internal/redisclient"
	"prices-service/internal/service"
	"prices-service/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]string
}

func (m *memorySessions) SaveSession(_ context.Context, id, userID string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = userID
	return nil
}

func (m *memorySessions) GetSession(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.sessions[id]
	if !ok {
		return "", redisclient.ErrSessionNotFound
	}
	return userID, nil
}

func (m *memorySessions) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	router *gin.Engine
	auth   *Authenticator
	files  *filestore.LocalStore
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := memstore.New()
	coord := service.NewCoordinator()
	locations := service.NewLocationService(repo, coord, nil)
	prices := service.NewPriceService(repo, coord, locations)
	proofs := service.NewProofService(repo, coord, locations, nil)

	files, err := filestore.NewLocalStore(t.TempDir(), 1<<20, 400)
	require.NoError(t, err)

	auth := NewAuthenticator("test-secret", "prices-service", time.Hour, &memorySessions{sessions: map[string]string{}})

	router := gin.New()
	NewHandler(Dependencies{
		Proofs:      proofs,
		Prices:      prices,
		Locations:   locations,
		Predictions: service.NewPredictionService(repo, prices, files, nil, nil, service.AutoPriceConfig{}),
		Stats:       service.NewStatsService(repo),
		Files:       files,
		Auth:        auth,
		Checks:      checks,
	}).SetupRoutes(router)

	return &testServer{router: router, auth: auth, files: files}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.auth.IssueToken(context.Background(), userID)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, token string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", "proof.png")
	require.NoError(t, err)
	require.NoError(t, png.Encode(part, image.NewRGBA(image.Rect(0, 0, 20, 10))))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proofs/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest))
}

func priceTagFields() map[string]string {
	return map[string]string{
		"type":              "PRICE_TAG",
		"date":              "2024-01-15",
		"currency":          "eur",
		"location_osm_id":   "652825274",
		"location_osm_type": "node",
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessReportsFailedDependency(t *testing.T) {
	s := newTestServer(t, map[string]Pinger{"store": memstore.New(), "redis": failingPinger{}})

	w := s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
	assert.NotContains(t, w.Body.String(), `"store"`)
}

func TestMutationsRequireToken(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/v1/prices", "", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/prices", "not-a-jwt", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevokedTokenIsRejected(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.token(t, "alice")

	w := s.do(t, http.MethodDelete, "/api/v1/session", token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/session", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadProofAndAddPrice(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.token(t, "alice")

	w := s.upload(t, token, priceTagFields())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var proof models.Proof
	decode(t, w, &proof)
	assert.Equal(t, "alice", proof.Owner)
	assert.Equal(t, "EUR", *proof.Currency)
	assert.Equal(t, "image/png", proof.Mimetype)
	require.NotNil(t, proof.LocationID)

	w = s.do(t, http.MethodPost, "/api/v1/prices", token, map[string]interface{}{
		"product_code": "3017620422003",
		"price":        "2.99",
		"proof_id":     proof.ID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var price models.Price
	decode(t, w, &price)
	assert.Equal(t, "EUR", price.Currency)
	assert.Equal(t, "2024-01-15", price.Date.String())
	assert.Equal(t, *proof.LocationID, *price.LocationID)

	w = s.do(t, http.MethodGet, "/api/v1/proofs/"+itoa(proof.ID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &proof)
	assert.Equal(t, 1, proof.PriceCount)

	w = s.do(t, http.MethodGet, "/api/v1/locations/"+itoa(*proof.LocationID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var loc models.Location
	decode(t, w, &loc)
	assert.Equal(t, 1, loc.PriceCount)
	assert.Equal(t, 1, loc.ProofCount)

	w = s.do(t, http.MethodDelete, "/api/v1/proofs/"+itoa(proof.ID), token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/proofs/"+itoa(proof.ID), s.token(t, "bob"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUploadProofValidation(t *testing.T) {
	s := newTestServer(t, nil)
	fields := priceTagFields()
	fields["date"] = time.Now().AddDate(0, 0, 2).Format(models.DateLayout)
	fields["receipt_price_count"] = "3"

	w := s.upload(t, s.token(t, "alice"), fields)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Fields map[string][]string `json:"fields"`
	}
	decode(t, w, &body)
	assert.Contains(t, body.Fields, "date")
	assert.Contains(t, body.Fields, "receipt_price_count")
}

func TestUploadRejectsTextFile(t *testing.T) {
	s := newTestServer(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("type", "PRICE_TAG"))
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("plain text"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/proofs/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.token(t, "alice"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPriceWithFutureDate(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/v1/prices", s.token(t, "alice"), map[string]interface{}{
		"price":             "1.50",
		"currency":          "EUR",
		"date":              time.Now().AddDate(0, 0, 2).Format(models.DateLayout),
		"location_osm_id":   1,
		"location_osm_type": "NODE",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "date")
}

func TestNotFoundAndBadID(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/v1/proofs/42", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/prices/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/proofs/42/predictions/latest?type=classification", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLocationEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.token(t, "alice")

	w := s.do(t, http.MethodPost, "/api/v1/locations/osm", token, map[string]interface{}{"osm_id": 5, "osm_type": "way"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first models.Location
	decode(t, w, &first)

	w = s.do(t, http.MethodPost, "/api/v1/locations/osm", token, map[string]interface{}{"osm_id": 5, "osm_type": "WAY"})
	require.Equal(t, http.StatusOK, w.Code)
	var second models.Location
	decode(t, w, &second)
	assert.Equal(t, first.ID, second.ID)

	w = s.do(t, http.MethodPost, "/api/v1/locations/online", token, map[string]interface{}{"website_url": "https://Shop.example.com/cart"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var online models.Location
	decode(t, w, &online)
	assert.Equal(t, "https://shop.example.com", *online.WebsiteURL)

	w = s.do(t, http.MethodDelete, "/api/v1/locations/"+itoa(first.ID), token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSubmitPredictionForMissingProof(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/v1/proofs/9/predictions", s.token(t, "ml-bot"), map[string]interface{}{
		"type":          "CLASSIFICATION",
		"model_name":    "m",
		"model_version": "1",
		"data":          map[string]string{},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitPredictionForMissingFile(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.token(t, "alice")
	w := s.upload(t, token, priceTagFields())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var proof models.Proof
	decode(t, w, &proof)
	require.NoError(t, s.files.Remove(proof.FilePath))

	w = s.do(t, http.MethodPost, "/api/v1/proofs/"+itoa(proof.ID)+"/predictions", s.token(t, "ml-bot"), map[string]interface{}{
		"type":          "CLASSIFICATION",
		"model_name":    "m",
		"model_version": "1",
		"data":          map[string]string{},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestStats(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.token(t, "alice")
	require.Equal(t, http.StatusCreated, s.upload(t, token, priceTagFields()).Code)

	w := s.do(t, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats service.TotalStats
	decode(t, w, &stats)
	assert.Equal(t, 1, stats.ProofCount)
	assert.Equal(t, 1, stats.CommunityProofCount)
	assert.Equal(t, 0, stats.PriceCount)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
