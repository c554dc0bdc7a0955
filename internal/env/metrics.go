package env

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/roadrl/carlaenv/internal/env"

type metrics struct {
	steps    metric.Int64Counter
	episodes metric.Int64Counter
	duration metric.Float64Histogram
	reward   metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)

	steps, err := meter.Int64Counter("env.steps",
		metric.WithDescription("Environment steps taken"),
	)
	if err != nil {
		return nil, err
	}
	episodes, err := meter.Int64Counter("env.episodes",
		metric.WithDescription("Episodes finished"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("env.step.duration",
		metric.WithDescription("Wall time of one step including the tick"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	rew, err := meter.Float64Histogram("env.step.reward",
		metric.WithDescription("Total reward per step"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{steps: steps, episodes: episodes, duration: duration, reward: rew}, nil
}

func (m *metrics) observe(ctx context.Context, d time.Duration, total float64) {
	m.steps.Add(ctx, 1)
	m.duration.Record(ctx, float64(d.Microseconds())/1000)
	m.reward.Record(ctx, total)
}

func (m *metrics) episodeEnded() {
	m.episodes.Add(context.Background(), 1)
}
