package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

type fakeRedis struct {
	channel    string
	message    []byte
	xadds      []*redis.XAddArgs
	publishErr error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	return redis.NewIntResult(1, f.publishErr)
}

func (f *fakeRedis) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.xadds = append(f.xadds, a)
	return redis.NewStringResult("1-0", nil)
}

func TestRedisPublisher_Publish(t *testing.T) {
	fr := &fakeRedis{}
	p := newRedisPublisher(fr)
	score := 72
	err := p.Publish(context.Background(), Event{Type: CallFinalized, SessionID: "s1", IntakeID: "in_1", Score: &score})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if fr.channel != DefaultChannel {
		t.Errorf("expected channel %s, got %s", DefaultChannel, fr.channel)
	}
	var got Event
	if err := json.Unmarshal(fr.message, &got); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if got.Type != CallFinalized || got.Score == nil || *got.Score != 72 || got.At.IsZero() {
		t.Errorf("unexpected event %+v", got)
	}
	if len(fr.xadds) != 1 || fr.xadds[0].Stream != DefaultStream || !fr.xadds[0].Approx {
		t.Errorf("expected one capped stream append, got %+v", fr.xadds)
	}
}

func TestRedisPublisher_Options(t *testing.T) {
	fr := &fakeRedis{}
	p := newRedisPublisher(fr, WithChannel("custom"), WithStream("", 0))
	if err := p.Publish(context.Background(), Event{Type: CallStarted}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if fr.channel != "custom" || len(fr.xadds) != 0 {
		t.Errorf("options not applied: channel=%s xadds=%d", fr.channel, len(fr.xadds))
	}
}

func TestRedisPublisher_Error(t *testing.T) {
	fr := &fakeRedis{publishErr: errors.New("connection refused")}
	p := newRedisPublisher(fr)
	if err := p.Publish(context.Background(), Event{Type: CallUrgent}); err == nil {
		t.Fatal("expected publish error")
	}
	if len(fr.xadds) != 0 {
		t.Error("stream append must be skipped when publish fails")
	}
	// Safe swallows the failure.
	Safe(context.Background(), p, Event{Type: CallUrgent})
	Safe(context.Background(), nil, Event{Type: CallUrgent})
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

type capturePublisher struct{ got []Event }

func (c *capturePublisher) Publish(_ context.Context, ev Event) error {
	c.got = append(c.got, ev)
	return nil
}

func TestPublishFinalized(t *testing.T) {
	p := &capturePublisher{}
	result := models.IntakeResult{
		IntakeID:  "in_1",
		SessionID: "sess-1",
		CaseRef:   "IL-ABCD2345",
		Outcome:   models.OutcomeTransferred,
		Flags:     models.CallFlags{Urgent: true, UrgentReason: "hearing next week"},
		Scoring:   &models.ScoringResult{Score: 81, Recommendation: "accept"},
	}
	if err := PublishFinalized(p)(context.Background(), result); err != nil {
		t.Fatalf("PublishFinalized returned error: %v", err)
	}
	if len(p.got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(p.got))
	}
	ev := p.got[0]
	if ev.Type != CallFinalized || ev.IntakeID != "in_1" || ev.Outcome != "transferred" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Score == nil || *ev.Score != 81 || ev.Recommendation != "accept" || ev.Reason != "hearing next week" {
		t.Errorf("unexpected scoring fields %+v", ev)
	}

	unscored := Finalized(models.IntakeResult{SessionID: "s"})
	if unscored.Score != nil || unscored.Recommendation != "" {
		t.Errorf("unscored event carries a score: %+v", unscored)
	}
	if err := PublishFinalized(nil)(context.Background(), result); err != nil {
		t.Errorf("nil publisher should be a no-op, got %v", err)
	}
}
