package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProofsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proofs_created_total",
		Help: "Total number of proofs created",
	}, []string{"type"})

	ProofsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofs_deleted_total",
		Help: "Total number of proofs deleted",
	})

	PricesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prices_created_total",
		Help: "Total number of prices created",
	}, []string{"source"})

	PricesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prices_deleted_total",
		Help: "Total number of prices deleted",
	})

	PricesPropagatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prices_propagated_total",
		Help: "Total number of prices rewritten by a proof field change",
	}, []string{"field"})

	ValidationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_failures_total",
		Help: "Total number of rejected mutations",
	}, []string{"entity"})

	LocationResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "location_resolve_total",
		Help: "Total number of location resolutions",
	}, []string{"outcome"})

	CounterRecomputeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counter_recompute_total",
		Help: "Total number of explicit counter recomputations",
	}, []string{"entity"})

	PredictionsSavedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictions_saved_total",
		Help: "Total number of predictions stored",
	}, []string{"type"})

	PredictionsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictions_dropped_total",
		Help: "Total number of predictions dropped before storage",
	}, []string{"reason"})

	OCRLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocr_latency_seconds",
		Help:    "Latency of OCR annotation calls",
		Buckets: prometheus.DefBuckets,
	})

	ClassifierLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "classifier_latency_seconds",
		Help:    "Latency of proof classification calls",
		Buckets: prometheus.DefBuckets,
	})

	ExternalCallsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "external_calls_failed_total",
		Help: "Total number of failed collaborator calls",
	}, []string{"collaborator"})

	EventsRetriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_retried_total",
		Help: "Total number of event handler retries",
	})

	EventsDeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_dead_lettered_total",
		Help: "Total number of events moved to the dead letter topic",
	})

	CounterClampedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "counter_clamped_total",
		Help: "Total number of counter decrements clamped at zero",
	}, []string{"counter"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
