// Package metrics exposes Prometheus collectors for compaction activity.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/youssefsiam38/chatcompact/compaction"
)

// Compaction results used as the "result" label.
const (
	ResultApplied   = "applied"
	ResultDiscarded = "discarded"
	ResultVetoed    = "vetoed"
	ResultFailed    = "failed"
)

// Metrics holds Prometheus metrics for the compaction engine.
// All methods are safe on a nil receiver.
type Metrics struct {
	CompactionsTotal   *prometheus.CounterVec
	TokensSavedTotal   prometheus.Counter
	PersistErrorsTotal prometheus.Counter
	HTTPRequestsTotal  *prometheus.CounterVec
	UsageTokens        *prometheus.GaugeVec
	SummarizeDuration  prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New creates and registers metrics on reg. A nil reg uses a fresh
// private registry, which keeps repeated construction in tests safe.
//
// Metrics:
//   - chatcompact_compactions_total{result} - summarization cycles by outcome
//   - chatcompact_tokens_saved_total - tokens removed from payloads
//   - chatcompact_persist_errors_total - failed thread writes
//   - chatcompact_http_requests_total{route,code} - API requests
//   - chatcompact_usage_tokens{kind} - last computed usage breakdown
//   - chatcompact_summarize_duration_seconds - summarizer latency
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		CompactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcompact_compactions_total",
				Help: "Total number of summarization cycles by result",
			},
			[]string{"result"},
		),

		TokensSavedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcompact_tokens_saved_total",
				Help: "Estimated tokens removed from request payloads by compaction",
			},
		),

		PersistErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcompact_persist_errors_total",
				Help: "Total number of failed compression state writes",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcompact_http_requests_total",
				Help: "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),

		UsageTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatcompact_usage_tokens",
				Help: "Most recent token usage breakdown",
			},
			[]string{"kind"}, // "pinned", "artifact", "surviving", "total", "remaining"
		),

		SummarizeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatcompact_summarize_duration_seconds",
				Help:    "Duration of summarizer calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordCompaction records a summarization cycle outcome.
func (m *Metrics) RecordCompaction(result string, tokensSaved int) {
	if m == nil {
		return
	}
	m.CompactionsTotal.WithLabelValues(result).Inc()
	if tokensSaved > 0 {
		m.TokensSavedTotal.Add(float64(tokensSaved))
	}
}

// RecordPersistError counts a failed write.
func (m *Metrics) RecordPersistError() {
	if m == nil {
		return
	}
	m.PersistErrorsTotal.Inc()
}

// RecordHTTPRequest counts an API request.
func (m *Metrics) RecordHTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// ObserveUsage updates the usage gauges.
func (m *Metrics) ObserveUsage(u *compaction.Usage) {
	if m == nil || u == nil {
		return
	}
	m.UsageTokens.WithLabelValues("pinned").Set(float64(u.PinnedTokens))
	m.UsageTokens.WithLabelValues("artifact").Set(float64(u.ArtifactTokens))
	m.UsageTokens.WithLabelValues("surviving").Set(float64(u.SurvivingTokens))
	m.UsageTokens.WithLabelValues("total").Set(float64(u.TotalTokens))
	if u.RemainingTokens != nil {
		m.UsageTokens.WithLabelValues("remaining").Set(float64(*u.RemainingTokens))
	}
}

// ObserveSummarize records summarizer latency.
func (m *Metrics) ObserveSummarize(d time.Duration) {
	if m == nil {
		return
	}
	m.SummarizeDuration.Observe(d.Seconds())
}
