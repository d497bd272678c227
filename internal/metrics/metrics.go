// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channeldrop_events_processed_total",
		Help: "Events whose pipeline completed, first attempt or retry.",
	})
	EventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channeldrop_events_failed_total",
		Help: "Units dropped after exhausting retries or evicted from the retry queue.",
	})
	EventsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channeldrop_events_retried_total",
		Help: "Units that succeeded after at least one retry.",
	})
	EventsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channeldrop_events_ignored_total",
		Help: "Events outside the configured channel scope.",
	})
	RetryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "channeldrop_retry_queue_size",
		Help: "Units currently waiting in the retry queue.",
	})
	SessionConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "channeldrop_session_connected",
		Help: "1 while the source session is live.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channeldrop_session_reconnects_total",
		Help: "Successful reconnects after a lost session.",
	})
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "channeldrop_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})
	CircuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channeldrop_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"name", "from", "to"})
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channeldrop_object_uploads_total",
		Help: "Object store writes by result (uploaded, skipped, failed, rejected).",
	}, []string{"result"})
	Derivatives = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channeldrop_derivatives_total",
		Help: "Image derivatives by format and result.",
	}, []string{"format", "result"})
	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channeldrop_media_downloads_total",
		Help: "Media retrievals by result (ok, rate_limited, failed).",
	}, []string{"result"})
	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "channeldrop_dead_letters_total",
		Help: "Dropped units handed to the dead-letter queue.",
	})
)
