package intake

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// Effect is one best-effort side effect run after scoring. Run may update the
// result (persist sets RecordID); later effects see those updates.
type Effect struct {
	Name string
	Run  func(ctx context.Context, result *models.IntakeResult) error
}

// Persister stores a finalized result and returns its record id.
type Persister interface {
	SaveIntake(ctx context.Context, result models.IntakeResult) (string, error)
}

// PersistEffect saves the result and records the returned id on it.
func PersistEffect(p Persister) Effect {
	return Effect{
		Name: "persist",
		Run: func(ctx context.Context, result *models.IntakeResult) error {
			id, err := p.SaveIntake(ctx, *result)
			if err != nil {
				return err
			}
			result.RecordID = id
			return nil
		},
	}
}

// NotifyEffect adapts a read-only notifier into an Effect.
func NotifyEffect(name string, fn func(ctx context.Context, result models.IntakeResult) error) Effect {
	return Effect{
		Name: name,
		Run: func(ctx context.Context, result *models.IntakeResult) error {
			return fn(ctx, *result)
		},
	}
}

// runEffects executes every effect in order. A failing or panicking effect is
// logged and does not stop the rest.
func runEffects(ctx context.Context, effects []Effect, result *models.IntakeResult) []error {
	var failures []error
	for _, e := range effects {
		if err := runEffect(ctx, e, result); err != nil {
			slog.Error("Session.Finalize: effect failed", "effect", e.Name, "intakeID", result.IntakeID, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", e.Name, err))
			continue
		}
		slog.Debug("Session.Finalize: effect completed", "effect", e.Name, "intakeID", result.IntakeID)
	}
	return failures
}

func runEffect(ctx context.Context, e Effect, result *models.IntakeResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if e.Run == nil {
		return nil
	}
	return e.Run(ctx, result)
}
