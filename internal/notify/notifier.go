// Package notify delivers market events to observers after the operation that
// produced them has committed. Delivery is best effort: a failing sink is
// logged and counted but never fails the operation.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/vapor/market-engine/internal/metrics"
	"github.com/vapor/market-engine/internal/model"
)

// Sink is one delivery channel for events.
type Sink interface {
	Send(ctx context.Context, ev model.Event) error
	// Name identifies the sink in logs and metrics.
	Name() string
}

// Notifier fans events out to every registered sink.
type Notifier struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewNotifier creates a Notifier delivering to sinks.
func NewNotifier(logger *slog.Logger, sinks ...Sink) *Notifier {
	return &Notifier{
		sinks:  sinks,
		logger: logger.With(slog.String("component", "notifier")),
	}
}

// Publish delivers ev to all sinks. A sink failure does not prevent delivery
// to the remaining sinks.
func (n *Notifier) Publish(ctx context.Context, ev model.Event) {
	for _, s := range n.sinks {
		if err := s.Send(ctx, ev); err != nil {
			metrics.NotificationFailures.WithLabelValues(s.Name()).Inc()
			n.logger.WarnContext(ctx, "sink failed",
				slog.String("sink", s.Name()),
				slog.String("event", string(ev.Type)),
				slog.String("market", ev.Market),
				slog.String("error", err.Error()),
			)
		}
	}
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, ev model.Event) error {
	attrs := []any{
		slog.String("type", string(ev.Type)),
		slog.String("market", ev.Market),
	}
	if ev.User != "" {
		attrs = append(attrs, slog.String("user", ev.User))
	}
	if ev.Side != nil {
		attrs = append(attrs, slog.String("side", ev.Side.String()))
	}
	if ev.Winner != nil {
		attrs = append(attrs, slog.String("winner", ev.Winner.String()))
	}
	if ev.Amount > 0 {
		attrs = append(attrs, slog.Uint64("amount", ev.Amount))
	}
	if ev.Shares > 0 {
		attrs = append(attrs, slog.Uint64("shares", ev.Shares))
	}
	if ev.Payout > 0 {
		attrs = append(attrs, slog.Uint64("payout", ev.Payout))
	}
	s.logger.InfoContext(ctx, "event", attrs...)
	return nil
}

// RedisPublisher publishes events as JSON on a Redis Pub/Sub channel so that
// other instances and consumers can follow the market.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Send(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", ev.Type, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", p.channel, err)
	}
	return nil
}
