// Package telemetry provides Prometheus metrics, tracing, and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ReconcilePasses  *prometheus.CounterVec // outcome, action
	MarkersAppended  *prometheus.CounterVec // type
	GatewayFailures  *prometheus.CounterVec // gateway
	EventsReceived   *prometheus.CounterVec // subscription type
	EventsDuplicated prometheus.Counter

	// Histograms (seconds)
	ReconcileDuration prometheus.Observer

	// Gauges
	EmoteCount *prometheus.GaugeVec // channel
	LiveGauge  *prometheus.GaugeVec // channel, 1=live
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ReconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{Name: "emote_reconcile_passes_total", Help: "Reconciliation passes by outcome and action"}, []string{"outcome", "action"})
		MarkersAppended = promauto.NewCounterVec(prometheus.CounterOpts{Name: "emote_markers_appended_total", Help: "Markers appended by type"}, []string{"type"})
		GatewayFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "emote_gateway_failures_total", Help: "Upstream gateway failures degraded to none/unknown"}, []string{"gateway"})
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "emote_eventsub_notifications_total", Help: "EventSub notifications accepted by subscription type"}, []string{"type"})
		EventsDuplicated = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_eventsub_duplicates_total", Help: "EventSub notifications dropped as redeliveries"})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "emote_reconcile_duration_seconds", Help: "Reconciliation pass duration including queueing on the channel lock", Buckets: prometheus.DefBuckets})
		EmoteCount = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "emote_usage_count", Help: "Last usage count read for the tracked emote"}, []string{"channel"})
		LiveGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "emote_channel_live", Help: "1 while LocalState holds a live stream"}, []string{"channel"})
	})
}

// RecordPass counts a finished reconciliation pass.
func RecordPass(outcome, action string, d time.Duration) {
	if ReconcilePasses != nil {
		ReconcilePasses.WithLabelValues(outcome, action).Inc()
	}
	if ReconcileDuration != nil {
		ReconcileDuration.Observe(d.Seconds())
	}
}

// IncMarker counts an appended marker.
func IncMarker(markerType string) {
	if MarkersAppended != nil {
		MarkersAppended.WithLabelValues(markerType).Inc()
	}
}

// IncGatewayFailure counts a degraded upstream read.
func IncGatewayFailure(gateway string) {
	if GatewayFailures != nil {
		GatewayFailures.WithLabelValues(gateway).Inc()
	}
}

// IncEvent counts an accepted EventSub notification.
func IncEvent(subscriptionType string) {
	if EventsReceived != nil {
		EventsReceived.WithLabelValues(subscriptionType).Inc()
	}
}

// IncDuplicateEvent counts a dropped redelivery.
func IncDuplicateEvent() {
	if EventsDuplicated != nil {
		EventsDuplicated.Inc()
	}
}

// SetEmoteCount records the latest usage count for a channel.
func SetEmoteCount(channel string, n int) {
	if EmoteCount != nil {
		EmoteCount.WithLabelValues(channel).Set(float64(n))
	}
}

// SetLive sets the live gauge for a channel.
func SetLive(channel string, live bool) {
	if LiveGauge == nil {
		return
	}
	v := 0.0
	if live {
		v = 1
	}
	LiveGauge.WithLabelValues(channel).Set(v)
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
