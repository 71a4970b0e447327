// Package genai produces staff-facing call summaries with the OpenAI chat API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = string(openai.ChatModelGPT4oMini)

// ErrNoChoicesReturned is returned when the API answers without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

const summarySystemPrompt = `You write short internal notes for a disability benefits law office.
Given a phone intake transcript and the structured record collected during the call,
write 3 to 6 plain sentences for the intake team: who called, their main conditions and
limitations, work and application status, anything urgent, and what follow-up was promised.
Do not give legal advice and do not invent facts that are not in the input.`

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. Falls back to OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat chatService
	opts Opts
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: 0.2, MaxTokens: 400}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: completionsAdapter{svc: &cli.Chat.Completions}, opts: cfg}, nil
}

// GenerateWithMessages runs one chat completion and returns the first choice.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.opts.Model),
		Messages: messages,
	}
	if c.opts.Temperature > 0 {
		params.Temperature = openai.Float(c.opts.Temperature)
	}
	if c.opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.opts.MaxTokens))
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.GenerateWithMessages: completion failed", "model", c.opts.Model, "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// SummarizeCall writes a short staff note for a finalized intake.
func (c *Client) SummarizeCall(ctx context.Context, result models.IntakeResult) (string, error) {
	record := result.Record
	transcript := record.Transcript
	record.Transcript = nil
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Case reference: %s\nOutcome: %s\n", result.CaseRef, result.Outcome)
	if result.Flags.Urgent {
		fmt.Fprintf(&b, "Flagged urgent: %s\n", result.Flags.UrgentReason)
	}
	fmt.Fprintf(&b, "Record: %s\n\nTranscript:\n", recordJSON)
	for _, t := range transcript {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
	}

	summary, err := c.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(summarySystemPrompt),
		openai.UserMessage(b.String()),
	})
	if err != nil {
		return "", err
	}
	slog.Debug("GenAI.SummarizeCall: summary generated", "intakeID", result.IntakeID, "length", len(summary))
	return summary, nil
}
