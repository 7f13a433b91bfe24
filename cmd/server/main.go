package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"prices-service/config"
	"prices-service/internal/api"
	"prices-service/internal/broker"
	"prices-service/internal/classifier"
	"prices-service/internal/filestore"
	"prices-service/internal/ocr"
	"prices-service/internal/osm"
	"prices-service/internal/redisclient"
	"prices-service/internal/service"
	"prices-service/internal/store"
	"prices-service/internal/store/memstore"
	"prices-service/internal/util"
	"prices-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// repository is a store driver the server can run on
type repository interface {
	store.Repository
	Ping(ctx context.Context) error
	Close() error
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig) (repository, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.New(), nil
	case "postgres":
		db, err := store.NewStore(cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting prices service")

	ctx := context.Background()

	tp, err := util.InitTracer(ctx, "prices-service", cfg.Observ.OTLPEndpoint, cfg.Observ.OTLPInsecure, cfg.Observ.SampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	repo, err := openRepository(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer repo.Close()
	logger.Info("Store ready", zap.String("driver", cfg.Database.Driver))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicProof)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	files, err := filestore.NewLocalStore(cfg.Storage.ImagesDir, cfg.Storage.MaxUploadMB<<20, cfg.Storage.ThumbMaxSize)
	if err != nil {
		logger.Fatal("Failed to initialize file store", zap.Error(err))
	}

	var osmLookup service.OSMLookup
	if cfg.OSM.Enabled {
		osmLookup = osm.NewClient(cfg.OSM.BaseURL, cfg.OSM.UserAgent)
	}

	var proofClassifier service.Classifier
	if cfg.Classifier.Enabled {
		proofClassifier = classifier.NewClient(cfg.Classifier.URL, cfg.Classifier.Timeout)
	}

	var ocrRunner service.OCR
	if cfg.OCR.Enabled {
		credentials := cfg.OCR.CredentialsJSON
		if credentials == "" {
			credentials = cfg.OCR.CredentialsFile
		}
		annotator, err := ocr.NewVisionAnnotator(ctx, ocr.ClientOptions(credentials)...)
		if err != nil {
			logger.Fatal("Failed to initialize Cloud Vision client", zap.Error(err))
		}
		defer annotator.Close()
		ocrRunner = ocr.NewRunner(annotator)
	}

	coord := service.NewCoordinator()
	locationService := service.NewLocationService(repo, coord, osmLookup)
	priceService := service.NewPriceService(repo, coord, locationService)
	proofService := service.NewProofService(repo, coord, locationService, eventPublisher)
	predictionService := service.NewPredictionService(repo, priceService, files, proofClassifier, ocrRunner, service.AutoPriceConfig{
		Enabled:   cfg.Business.AutoPriceEnabled,
		Threshold: cfg.Business.AutoPriceThreshold,
	})
	statsService := service.NewStatsService(repo)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var predictionWorker *worker.PredictionWorker
	if cfg.Server.WorkerEnabled {
		deadLetter := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeadLetter)
		defer deadLetter.Close()

		retry := broker.DefaultRetryPolicy()
		retry.MaxAttempts = cfg.Kafka.RetryAttempts
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicProof, cfg.Kafka.ConsumerGroup,
			broker.WithRetryPolicy(retry),
			broker.WithDeadLetter(deadLetter))
		predictionWorker = worker.NewPredictionWorker(consumer, predictionService, redisClient, worker.Config{
			LockTTL:        cfg.Business.WorkerLockTTL,
			IdempotencyTTL: cfg.Business.IdempotencyTTL,
		})
		go func() {
			if err := predictionWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Prediction worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Dependencies{
		Proofs:      proofService,
		Prices:      priceService,
		Locations:   locationService,
		Predictions: predictionService,
		Stats:       statsService,
		Files:       files,
		Auth:        api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Redis.SessionTTL, redisClient),
		Requests:    eventPublisher,
		Checks: map[string]api.Pinger{
			"store": repo,
			"redis": redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if predictionWorker != nil {
		if err := predictionWorker.Stop(); err != nil {
			logger.Warn("Failed to stop prediction worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
