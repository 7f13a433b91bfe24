package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"prices-service/internal/filestore"
	"prices-service/internal/models"
	"prices-service/internal/service"
	"prices-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness check
type Pinger interface {
	Ping(ctx context.Context) error
}

// PredictionRequester publishes requests to rerun extraction on a proof
type PredictionRequester interface {
	PublishPredictionRequested(ctx context.Context, event *models.PredictionRequestedEvent) error
}

// Dependencies groups what the HTTP layer is built from. Requests and
// Checks may be empty.
type Dependencies struct {
	Proofs      *service.ProofService
	Prices      *service.PriceService
	Locations   *service.LocationService
	Predictions *service.PredictionService
	Stats       *service.StatsService
	Files       *filestore.LocalStore
	Auth        *Authenticator
	Requests    PredictionRequester
	Checks      map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	proofs      *service.ProofService
	prices      *service.PriceService
	locations   *service.LocationService
	predictions *service.PredictionService
	stats       *service.StatsService
	files       *filestore.LocalStore
	auth        *Authenticator
	requests    PredictionRequester
	checks      map[string]Pinger
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		proofs:      deps.Proofs,
		prices:      deps.Prices,
		locations:   deps.Locations,
		predictions: deps.Predictions,
		stats:       deps.Stats,
		files:       deps.Files,
		auth:        deps.Auth,
		requests:    deps.Requests,
		checks:      deps.Checks,
		logger:      util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("prices-service"))
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/proofs/:id", h.getProof)
		v1.GET("/proofs/:id/prices", h.listProofPrices)
		v1.GET("/proofs/:id/predictions/latest", h.latestPrediction)
		v1.GET("/prices/:id", h.getPrice)
		v1.GET("/locations/:id", h.getLocation)
		v1.GET("/stats", h.getStats)
	}

	auth := v1.Group("", h.requireUser())
	{
		auth.DELETE("/session", h.deleteSession)

		auth.POST("/proofs/upload", h.uploadProof)
		auth.PATCH("/proofs/:id", h.updateProof)
		auth.DELETE("/proofs/:id", h.deleteProof)
		auth.DELETE("/proofs/:id/prices", h.deleteProofPrices)
		auth.POST("/proofs/:id/price-count", h.recomputeProofPriceCount)
		auth.POST("/proofs/:id/fill-from-prices", h.fillProofFromPrices)
		auth.POST("/proofs/:id/predictions", h.submitPrediction)
		auth.POST("/proofs/:id/predictions/run", h.requestPrediction)

		auth.POST("/prices", h.createPrice)
		auth.PATCH("/prices/:id", h.updatePrice)
		auth.DELETE("/prices/:id", h.deletePrice)

		auth.POST("/locations/osm", h.resolveOSMLocation)
		auth.POST("/locations/online", h.resolveOnlineLocation)
		auth.DELETE("/locations/:id", h.deleteLocation)
		auth.POST("/locations/:id/recompute", h.recomputeLocation)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports not ready while any dependency fails its ping
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// uploadProof stores the uploaded file and creates its proof
func (h *Handler) uploadProof(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file", "details": err.Error()})
		return
	}

	req, verr := parseProofForm(c)
	if verr != nil {
		respondError(c, verr)
		return
	}

	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable file", "details": err.Error()})
		return
	}
	defer f.Close()

	stored, err := h.files.Store(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, filestore.ErrUnsupportedType) || errors.Is(err, filestore.ErrTooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file", "details": err.Error()})
			return
		}
		respondError(c, &service.ExternalError{Collaborator: "file storage", Err: err})
		return
	}

	req.FilePath = stored.FilePath
	req.Mimetype = stored.Mimetype
	req.ImageThumbPath = stored.ThumbPath
	req.Owner = currentUser(c)
	source := c.DefaultQuery("app_name", models.SourceAPI)
	req.Source = &source

	proof, err := h.proofs.Create(c.Request.Context(), req)
	if err != nil {
		h.removeStored(stored)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, proof)
}

func (h *Handler) removeStored(stored *filestore.StoredFile) {
	paths := []string{stored.FilePath}
	if stored.ThumbPath != nil {
		paths = append(paths, *stored.ThumbPath)
	}
	for _, p := range paths {
		if err := h.files.Remove(p); err != nil {
			h.logger.Warn("Failed to remove orphan upload", zap.String("file_path", p), zap.Error(err))
		}
	}
}

// parseProofForm reads the non-file fields of a proof upload
func parseProofForm(c *gin.Context) (*service.CreateProofRequest, *service.ValidationError) {
	errs := &service.ValidationError{}
	req := &service.CreateProofRequest{
		Type: models.ProofType(strings.ToUpper(c.PostForm("type"))),
	}

	if v, ok := c.GetPostForm("date"); ok && v != "" {
		d, err := models.ParseDate(v)
		if err != nil {
			errs.Add("date", "must be a YYYY-MM-DD date")
		} else {
			req.Date = &d
		}
	}
	if v, ok := c.GetPostForm("currency"); ok && v != "" {
		req.Currency = &v
	}
	if v, ok := c.GetPostForm("location_osm_type"); ok && v != "" {
		req.Location.LocationOSMType = &v
	}
	req.Location.LocationID = formInt64(c, errs, "location_id")
	req.Location.LocationOSMID = formInt64(c, errs, "location_osm_id")
	if n := formInt64(c, errs, "receipt_price_count"); n != nil {
		count := int(*n)
		req.ReceiptPriceCount = &count
	}
	if v, ok := c.GetPostForm("receipt_price_total"); ok && v != "" {
		total, err := decimal.NewFromString(v)
		if err != nil {
			errs.Add("receipt_price_total", "must be a decimal number")
		} else {
			req.ReceiptPriceTotal = &total
		}
	}

	if len(errs.Fields) > 0 {
		return nil, errs
	}
	return req, nil
}

func formInt64(c *gin.Context, errs *service.ValidationError, field string) *int64 {
	v, ok := c.GetPostForm(field)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		errs.Add(field, "must be an integer")
		return nil
	}
	return &n
}

// getProof handles get proof by ID
func (h *Handler) getProof(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	proof, err := h.proofs.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

func (h *Handler) listProofPrices(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	prices, err := h.proofs.ListPrices(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": prices, "total": len(prices)})
}

func (h *Handler) latestPrediction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	typ := models.PredictionType(strings.ToUpper(c.Query("type")))
	prediction, err := h.proofs.LatestPrediction(c.Request.Context(), id, typ)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prediction)
}

func (h *Handler) updateProof(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req service.UpdateProofRequest
	if !bindJSON(c, &req) {
		return
	}
	proof, err := h.proofs.Update(c.Request.Context(), id, &req, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

func (h *Handler) deleteProof(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.proofs.Delete(c.Request.Context(), id, currentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteProofPrices(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	deleted, err := h.prices.DeleteByProof(c.Request.Context(), id, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) recomputeProofPriceCount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	proof, err := h.proofs.UpdatePriceCount(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

func (h *Handler) fillProofFromPrices(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	proof, err := h.proofs.SetMissingFieldsFromPrices(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

type submitPredictionRequest struct {
	Type          models.PredictionType `json:"type"`
	ModelName     string                `json:"model_name"`
	ModelVersion  string                `json:"model_version"`
	Value         *string               `json:"value"`
	MaxConfidence *float64              `json:"max_confidence"`
	Data          json.RawMessage       `json:"data"`
}

func (h *Handler) submitPrediction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req submitPredictionRequest
	if !bindJSON(c, &req) {
		return
	}

	prediction := &models.Prediction{
		Type:          models.PredictionType(strings.ToUpper(string(req.Type))),
		ModelName:     req.ModelName,
		ModelVersion:  req.ModelVersion,
		Value:         req.Value,
		MaxConfidence: req.MaxConfidence,
		Data:          []byte(req.Data),
	}

	saved, err := h.predictions.SubmitPrediction(c.Request.Context(), id, prediction)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

type requestPredictionRequest struct {
	OCR      bool `json:"ocr"`
	Classify bool `json:"classify"`
}

// requestPrediction queues OCR or classification for an existing proof
func (h *Handler) requestPrediction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if h.requests == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Prediction queue disabled"})
		return
	}
	req := requestPredictionRequest{OCR: true, Classify: true}
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	if _, err := h.proofs.Get(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	event := &models.PredictionRequestedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePredictionRequested,
			Timestamp: time.Now(),
		},
		ProofID:  id,
		OCR:      req.OCR,
		Classify: req.Classify,
	}
	if err := h.requests.PublishPredictionRequested(c.Request.Context(), event); err != nil {
		respondError(c, &service.ExternalError{Collaborator: "event broker", Err: err})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": event.EventID})
}

func (h *Handler) createPrice(c *gin.Context) {
	var req service.CreatePriceRequest
	if !bindJSON(c, &req) {
		return
	}
	req.Owner = currentUser(c)
	source := c.DefaultQuery("app_name", models.SourceAPI)
	req.Source = &source

	price, err := h.prices.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, price)
}

func (h *Handler) getPrice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	price, err := h.prices.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, price)
}

func (h *Handler) updatePrice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req service.UpdatePriceRequest
	if !bindJSON(c, &req) {
		return
	}
	price, err := h.prices.Update(c.Request.Context(), id, &req, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, price)
}

func (h *Handler) deletePrice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.prices.Delete(c.Request.Context(), id, currentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type resolveOSMRequest struct {
	OSMID   int64  `json:"osm_id"`
	OSMType string `json:"osm_type"`
}

func (h *Handler) resolveOSMLocation(c *gin.Context) {
	var req resolveOSMRequest
	if !bindJSON(c, &req) {
		return
	}
	loc, err := h.locations.ResolveOrCreateOSM(c.Request.Context(), req.OSMID, req.OSMType, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loc)
}

type resolveOnlineRequest struct {
	WebsiteURL string `json:"website_url"`
}

func (h *Handler) resolveOnlineLocation(c *gin.Context) {
	var req resolveOnlineRequest
	if !bindJSON(c, &req) {
		return
	}
	loc, err := h.locations.ResolveOrCreateOnline(c.Request.Context(), req.WebsiteURL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loc)
}

func (h *Handler) getLocation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	loc, err := h.locations.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loc)
}

func (h *Handler) deleteLocation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.locations.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) recomputeLocation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	loc, err := h.locations.RecomputeCounters(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loc)
}

func (h *Handler) getStats(c *gin.Context) {
	stats, err := h.stats.Totals(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
