// Copyright 2025 Certen Protocol
//
// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts completion requests by endpoint and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "requests_total",
		Help:      "Total HTTP requests handled, by route and status.",
	}, []string{"route", "status"})

	// AccumulatedTokens reports the gateway's running count of tokens
	// billed but not yet settled on chain.
	AccumulatedTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "accumulated_tokens",
		Help:      "Tokens confirmed but not yet settled on chain.",
	})

	// SettlementDuration records how long each settlement pass that
	// committed at least one claim takes, from history snapshot through
	// journal commit.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "settlement_duration_seconds",
		Help:      "Duration of settlement passes that produced a claim batch.",
		Buckets:   prometheus.DefBuckets,
	})

	// SettlementClaims counts claims included in settled batches.
	SettlementClaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "settlement_claims_total",
		Help:      "Total per-client claims included in settled batches.",
	})

	// SettlementFailures counts failed settlement passes.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "settlement_failures_total",
		Help:      "Total settlement passes that failed before committing.",
	})
)

// Handler returns the HTTP handler to mount on the metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
