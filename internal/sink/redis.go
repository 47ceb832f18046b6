package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/report"
)

type RedisOptions struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	// Mode is stream (XADD) or pubsub (PUBLISH).
	Mode         string        `mapstructure:"mode" validate:"oneof=stream pubsub"`
	AggregateKey string        `mapstructure:"aggregate_key" validate:"required"`
	ForensicKey  string        `mapstructure:"forensic_key" validate:"required"`
	MaxLen       int64         `mapstructure:"max_len" validate:"gte=0"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Mode:         "stream",
		AggregateKey: "dmarc:aggregate",
		ForensicKey:  "dmarc:forensic",
		Timeout:      5 * time.Second,
	}
}

// Redis publishes every report as one JSON message to a stream or a pubsub
// channel per report type.
type Redis struct {
	logger *slog.Logger
	opts   RedisOptions
	client *redis.Client
}

func NewRedisFromOptions(logger *slog.Logger, options map[string]any) (Transport, error) {
	opts := DefaultRedisOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewRedis(logger, opts), nil
}

func NewRedis(logger *slog.Logger, opts RedisOptions) *Redis {
	return &Redis{
		logger: logger,
		opts:   opts,
	}
}

func (r *Redis) Open(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:         r.opts.Addr,
		Username:     r.opts.Username,
		Password:     r.opts.Password,
		DB:           r.opts.DB,
		DialTimeout:  r.opts.Timeout,
		ReadTimeout:  r.opts.Timeout,
		WriteTimeout: r.opts.Timeout,
	})

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	r.client = client
	return nil
}

func (r *Redis) Close(context.Context) error {
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *Redis) publish(ctx context.Context, key string, rep report.Report) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("could not marshal report: %w", err)
	}

	if r.opts.Mode == "pubsub" {
		if err := r.client.Publish(ctx, key, payload).Err(); err != nil {
			return fmt.Errorf("could not publish to %s: %w", key, err)
		}
		return nil
	}

	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{
			"type":      string(rep.Kind()),
			"report_id": rep.ID(),
			"report":    payload,
		},
	}
	if r.opts.MaxLen > 0 {
		args.MaxLen = r.opts.MaxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("could not add to stream %s: %w", key, err)
	}
	r.logger.Debug("added report to stream", slog.String("stream", key), slog.String("id", id))
	return nil
}

func (r *Redis) Aggregate(ctx context.Context, rep *report.AggregateReport) error {
	return r.publish(ctx, r.opts.AggregateKey, rep)
}

func (r *Redis) Forensic(ctx context.Context, rep *report.ForensicReport) error {
	return r.publish(ctx, r.opts.ForensicKey, rep)
}
