// Package events publishes live call activity for staff dashboards.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// Event types.
const (
	CallStarted           = "call.started"
	CallUrgent            = "call.urgent"
	CallTransferRequested = "call.transfer_requested"
	CallFinalized         = "call.finalized"
)

// Defaults for the Redis publisher.
const (
	DefaultChannel      = "intakeline:calls"
	DefaultStream       = "intakeline:events"
	DefaultStreamMaxLen = 10000
)

// Event is one live call notification.
type Event struct {
	Type           string    `json:"type"`
	SessionID      string    `json:"session_id"`
	CallSID        string    `json:"call_sid,omitempty"`
	CaseRef        string    `json:"case_ref,omitempty"`
	IntakeID       string    `json:"intake_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	Score          *int      `json:"score,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher announces call events. Failures never affect the call.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// redisCmdable is the part of *redis.Client the publisher uses.
type redisCmdable interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Opts holds configuration options for RedisPublisher.
type Opts struct {
	Channel      string
	Stream       string
	StreamMaxLen int64
}

// Option configures a RedisPublisher.
type Option func(*Opts)

// WithChannel sets the pub/sub channel.
func WithChannel(ch string) Option {
	return func(o *Opts) { o.Channel = ch }
}

// WithStream sets the stream that keeps recent events. Empty disables it.
func WithStream(stream string, maxLen int64) Option {
	return func(o *Opts) {
		o.Stream = stream
		o.StreamMaxLen = maxLen
	}
}

// RedisPublisher publishes events as JSON on a Redis channel and appends them to a capped stream.
type RedisPublisher struct {
	client  redisCmdable
	closeFn func() error
	opts    Opts
}

// NewRedisPublisher connects to the Redis server at redisURL (redis://host:port/db).
func NewRedisPublisher(ctx context.Context, redisURL string, opts ...Option) (*RedisPublisher, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	p := newRedisPublisher(client, opts...)
	p.closeFn = client.Close
	slog.Info("RedisPublisher connected", "addr", options.Addr, "channel", p.opts.Channel)
	return p, nil
}

func newRedisPublisher(client redisCmdable, opts ...Option) *RedisPublisher {
	cfg := Opts{Channel: DefaultChannel, Stream: DefaultStream, StreamMaxLen: DefaultStreamMaxLen}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RedisPublisher{client: client, opts: cfg}
}

// Publish sends ev on the channel, then appends it to the stream.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.opts.Channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	if p.opts.Stream == "" {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: p.opts.Stream,
		MaxLen: p.opts.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":       ev.Type,
			"session_id": ev.SessionID,
			"data":       string(data),
		},
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append %s to stream: %w", ev.Type, err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	if p.closeFn == nil {
		return nil
	}
	return p.closeFn()
}

// Safe publishes ev and logs instead of returning a failure.
func Safe(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		slog.Warn("events.Safe: publish failed", "type", ev.Type, "sessionID", ev.SessionID, "error", err)
	}
}

// Finalized builds the call.finalized event for a finished intake.
func Finalized(result models.IntakeResult) Event {
	ev := Event{
		Type:      CallFinalized,
		SessionID: result.SessionID,
		CallSID:   result.CallSID,
		CaseRef:   result.CaseRef,
		IntakeID:  result.IntakeID,
		Outcome:   string(result.Outcome),
	}
	if result.Flags.Urgent {
		ev.Reason = result.Flags.UrgentReason
	}
	if result.Scoring != nil {
		score := result.Scoring.Score
		ev.Score = &score
		ev.Recommendation = string(result.Scoring.Recommendation)
	}
	return ev
}

// PublishFinalized adapts p to a post-finalize effect.
func PublishFinalized(p Publisher) func(ctx context.Context, result models.IntakeResult) error {
	return func(ctx context.Context, result models.IntakeResult) error {
		if p == nil {
			return nil
		}
		return p.Publish(ctx, Finalized(result))
	}
}
