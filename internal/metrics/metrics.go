// Package metrics exposes Prometheus collectors for the login flow, the
// encrypted store and the HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace prefixes every metric name.
	Namespace = "mypasswords"

	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelMethod    = "method"
	LabelResult    = "result"
	LabelFormat    = "format"
	LabelRoute     = "route"
	LabelCode      = "status_code"

	StatusSuccess = "success"
	StatusError   = "error"

	// Login methods.
	MethodCode     = "code"
	MethodWebAuthn = "webauthn"

	// Store operations.
	OpRead    = "read"
	OpWrite   = "write"
	OpMigrate = "migrate"
)

var (
	// StoreOperationsTotal counts encrypted store reads and writes.
	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Encrypted store operations by operation and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// KeyDerivationSeconds tracks PBKDF2 latency.
	KeyDerivationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "key_derivation_seconds",
			Help:      "Duration of password-based key derivations",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// MigrationsTotal counts records upgraded to the current format.
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "migrations_total",
			Help:      "Records migrated to the current format, by source format",
		},
		[]string{LabelFormat},
	)

	// LoginAttemptsTotal counts second-factor attempts.
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Second factor attempts by method and result",
		},
		[]string{LabelMethod, LabelResult},
	)

	// SessionsPurgedTotal counts sessions removed by TTL.
	SessionsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "sessions_purged_total",
			Help:      "Sessions removed after their TTL elapsed",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by route pattern and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		},
		[]string{LabelRoute, LabelCode},
	)

	// HTTPRequestDuration tracks request latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelRoute},
	)
)

// RecordStoreOperation increments the store counter for op.
func RecordStoreOperation(op string, err error) {
	StoreOperationsTotal.WithLabelValues(op, status(err)).Inc()
}

// RecordLogin increments the login counter. result is a short reason such as
// "success", "rejected" or "replay_detected".
func RecordLogin(method, result string) {
	LoginAttemptsTotal.WithLabelValues(method, result).Inc()
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
