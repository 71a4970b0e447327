package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerateWithMessages_Success(t *testing.T) {
	mock := &mockChatService{resp: reply("  Hello World \n")}
	client := &Client{chat: mock, opts: Opts{Model: "test-model", Temperature: 0.3, MaxTokens: 50}}
	out, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if string(mock.params.Model) != "test-model" {
		t.Errorf("expected model test-model, got %s", mock.params.Model)
	}
	if mock.params.MaxCompletionTokens.Value != 50 || mock.params.Temperature.Value != 0.3 {
		t.Errorf("unexpected sampling params %+v", mock.params)
	}
}

func TestGenerateWithMessages_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateWithMessages(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateWithMessages_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.GenerateWithMessages(context.Background(), nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestSummarizeCall(t *testing.T) {
	mock := &mockChatService{resp: reply("Caller reports back pain and has not worked since 2024.")}
	client := &Client{chat: mock, opts: Opts{Model: DefaultModel}}

	result := models.IntakeResult{
		IntakeID: "in_1",
		CaseRef:  "IL-ABCD2345",
		Outcome:  models.OutcomeCompleted,
		Flags:    models.CallFlags{Urgent: true, UrgentReason: "hearing scheduled"},
	}
	result.Record.Demographics.Name = "Ada Park"
	result.Record.Transcript = []models.TranscriptEntry{{Role: models.RoleCaller, Text: "My back hurts every day"}}

	out, err := client.SummarizeCall(context.Background(), result)
	if err != nil {
		t.Fatalf("summarize failed: %v", err)
	}
	if !strings.Contains(out, "back pain") {
		t.Errorf("unexpected summary %q", out)
	}
	if len(mock.params.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(mock.params.Messages))
	}
	user := mock.params.Messages[1].OfUser
	if user == nil {
		t.Fatal("second message should be the user message")
	}
	text := user.Content.OfString.Value
	for _, want := range []string{"IL-ABCD2345", "hearing scheduled", "Ada Park", "caller: My back hurts every day"} {
		if !strings.Contains(text, want) {
			t.Errorf("prompt missing %q:\n%s", want, text)
		}
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTemperature(0.5), WithMaxTokens(10))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.opts.Model != "gpt-4o" || cli.opts.MaxTokens != 10 {
		t.Errorf("options not applied: %+v", cli.opts)
	}
}
