package util

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SeatSelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seat_selections_total",
		Help: "Total number of seat selection attempts by outcome",
	}, []string{"outcome"})

	SeatReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seat_releases_total",
		Help: "Total number of seats returned to FREE",
	}, []string{"reason"})

	SeatsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seats_confirmed_total",
		Help: "Total number of seats confirmed after payment",
	})

	SeatSelectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "seat_select_latency_seconds",
		Help:    "Latency of seat selection operations",
		Buckets: prometheus.DefBuckets,
	})

	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_runs_total",
		Help: "Total number of reconciliation sweeps",
	}, []string{"result"})

	InconsistenciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "internal_inconsistencies_total",
		Help: "Total number of detected lock/durable store disagreements",
	}, []string{"kind"})

	BookingsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_created_total",
		Help: "Total number of bookings created",
	})

	BookingsPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_paid_total",
		Help: "Total number of bookings successfully paid",
	})

	BookingsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_cancelled_total",
		Help: "Total number of cancelled bookings",
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment initiation attempts",
	})

	PaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed payments",
	}, []string{"reason"})

	PaymentExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_expired_total",
		Help: "Total number of pending payments expired by the sweeper",
	})

	PaymentGatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_total",
		Help: "Total number of payment webhook notifications",
	}, []string{"status", "result"})

	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Payment gateway circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	CircuitBreakerRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_rejections_total",
		Help: "Total number of calls rejected without reaching the gateway",
	})

	OutboxRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_relayed_total",
		Help: "Total number of outbox events published",
	}, []string{"topic"})

	OutboxRelayFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_relay_failures_total",
		Help: "Total number of outbox events that failed to publish",
	})

	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending",
		Help: "Number of unrelayed outbox events seen by the last relay cycle",
	})

	EventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_consumed_total",
		Help: "Total number of events handled by consumer groups",
	}, []string{"group", "topic"})

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

// NewMetricsServer serves /metrics on port for processes without an API router
func NewMetricsServer(port string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: mux,
	}
}
