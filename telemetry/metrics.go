// Package telemetry provides Prometheus metrics and correlation-id aware
// logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesProcessed   prometheus.Counter
	MessagesDropped     prometheus.Counter
	TransitionsDetected prometheus.Counter
	StreaksCredited     prometheus.Counter
	StreaksLapsed       prometheus.Counter
	MilestonesAnnounced prometheus.Counter
	FirstsAwarded       prometheus.Counter
	ConsumerFailures    prometheus.Counter
	LiveLookupFailures  prometheus.Counter

	// Gauges
	ChannelsJoinedGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_messages_processed_total", Help: "Chat messages accepted by the event sequencer"})
		MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_messages_dropped_total", Help: "Chat messages dropped (commands, known bots, disabled features)"})
		TransitionsDetected = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_broadcast_transitions_total", Help: "Broadcast transitions detected by the presence detector"})
		StreaksCredited = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_streaks_credited_total", Help: "Watchstreak credits applied"})
		StreaksLapsed = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_streaks_lapsed_total", Help: "Watchstreaks cleared by the attendance sweep"})
		MilestonesAnnounced = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_streak_milestones_total", Help: "Watchstreak milestone notifications sent"})
		FirstsAwarded = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_firsts_awarded_total", Help: "First-chatter awards"})
		ConsumerFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_consumer_failures_total", Help: "Event consumer failures (isolated, message processing continued)"})
		LiveLookupFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_live_lookup_failures_total", Help: "Helix live-status lookup failures"})
		ChannelsJoinedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_channels_joined", Help: "Channels the bot is currently joined to"})
	})
}

// Count helpers are nil-safe so packages can instrument unconditionally and
// tests can run without Init.

func CountMessage() { inc(MessagesProcessed) }

func CountDropped() { inc(MessagesDropped) }

func CountTransition() { inc(TransitionsDetected) }

func CountCredit() { inc(StreaksCredited) }

func CountLapse() { inc(StreaksLapsed) }

func CountMilestone() { inc(MilestonesAnnounced) }

func CountFirst() { inc(FirstsAwarded) }

func CountConsumerFailure() { inc(ConsumerFailures) }

func CountLiveLookupFailure() { inc(LiveLookupFailures) }

// SetChannelsJoined records how many channels the bot is joined to.
func SetChannelsJoined(n int) {
	if ChannelsJoinedGauge != nil {
		ChannelsJoinedGauge.Set(float64(n))
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger carrying the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
