// Package metrics holds the Prometheus metric variables exported by the imap
// session engine: connection counts, per-command outcome histograms,
// authentication results and unhandled panics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections counts accepted connections, by listener name.
	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapd_connections_total",
			Help: "Accepted IMAP connections, by listener.",
		},
		[]string{"listener"},
	)

	// Commands tracks command duration and outcome.
	Commands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imapd_command_duration_seconds",
			Help:    "IMAP command duration in seconds, by command and result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"cmd",
			"result", // ok, panic, ioerror, badsyntax, servererror, usererror
		},
	)

	// Authentication tracks authentication attempts, by SASL mechanism and result.
	Authentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapd_authentication_total",
			Help: "Authentication attempts, by mechanism and result.",
		},
		[]string{
			"mechanism", // login, plain, external, cram-md5, scram-sha-1, scram-sha-256
			"result",    // ok, badcreds, aborted, error
		},
	)

	// Panics counts unhandled panics recovered from connection goroutines.
	Panics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapd_panic_total",
			Help: "Unhandled panics recovered from, by package.",
		},
		[]string{"pkg"},
	)
)

// AuthenticationInc records one authentication attempt outcome.
func AuthenticationInc(mechanism, result string) {
	Authentication.WithLabelValues(mechanism, result).Inc()
}

// PanicInc records one recovered panic, attributed to pkg.
func PanicInc(pkg string) {
	Panics.WithLabelValues(pkg).Inc()
}
