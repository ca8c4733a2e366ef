package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// DefaultChannel is the Redis pub/sub channel security events go to
const DefaultChannel = "tangibly:security-events"

// LogSink writes events to a logger. Used when no external sink is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Send logs e
func (s *LogSink) Send(ctx context.Context, e Event) error {
	s.logger.LogAttrs(ctx, levelFor(e.Severity), "security event delivered",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("severity", string(e.Severity)),
		slog.Any("details", e.Details),
	)
	return nil
}

// RedisSink publishes events as JSON on a Redis channel
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink creates a RedisSink
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

// Send publishes e
func (s *RedisSink) Send(ctx context.Context, e Event) error {
	b, err := Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, b).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// WebhookConfig holds WebhookAlertSink options
type WebhookConfig struct {
	URL string
	// PerMinute caps deliveries; excess alerts wait for a slot until the send
	// timeout runs out.
	PerMinute int
	Timeout   time.Duration
	Client    *http.Client
}

// WebhookAlertSink POSTs alerts as JSON to an HTTP endpoint
type WebhookAlertSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookAlertSink creates a WebhookAlertSink
func NewWebhookAlertSink(cfg WebhookConfig) *WebhookAlertSink {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebhookAlertSink{
		url:     cfg.URL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60), cfg.PerMinute),
	}
}

// Send delivers e to the webhook
func (s *WebhookAlertSink) Send(ctx context.Context, e Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("alert rate limit: %w", err)
	}

	b, err := Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// MultiSink sends to every sink and returns the first error
type MultiSink []Sink

// Send fans e out to all sinks
func (m MultiSink) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
