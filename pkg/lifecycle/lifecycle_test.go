package lifecycle

import (
	"context"
	"errors"
	"testing"

	"ledger/pkg/taxonomy"
)

func TestCanTransitionFromSubmittedOnly(t *testing.T) {
	if CanTransition(Accepted, RejectedAttempt) {
		t.Fatalf("terminal states must not transition further")
	}
	if !CanTransition(Submitted, Accepted) {
		t.Fatalf("submitted -> accepted must be legal")
	}
	if !CanTransition(Submitted, Dropped) {
		t.Fatalf("submitted -> dropped must be legal")
	}
}

func TestStateForClass(t *testing.T) {
	cases := map[taxonomy.Class]State{
		taxonomy.Accept:          Accepted,
		taxonomy.HashMismatch:    RejectedAttempt,
		taxonomy.SchemaReject:    Dropped,
		taxonomy.RecordTypeForbidden: Dropped,
	}
	for class, want := range cases {
		if got := StateForClass(class); got != want {
			t.Fatalf("StateForClass(%s) = %s, want %s", class, got, want)
		}
	}
}

func TestRunPersistsOnAccept(t *testing.T) {
	persisted := false
	outcome, err := Run(context.Background(), TwoPhase{
		Validate: func(ctx context.Context) (taxonomy.Class, error) { return taxonomy.Accept, nil },
		Persist: func(ctx context.Context, class taxonomy.Class) error {
			persisted = true
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !persisted {
		t.Fatalf("expected persist to run for ACCEPT")
	}
	if outcome.State != Accepted {
		t.Fatalf("expected ACCEPTED state, got %s", outcome.State)
	}
}

func TestRunSkipsPersistForDroppedClasses(t *testing.T) {
	called := false
	outcome, err := Run(context.Background(), TwoPhase{
		Validate: func(ctx context.Context) (taxonomy.Class, error) { return taxonomy.SchemaReject, nil },
		Persist: func(ctx context.Context, class taxonomy.Class) error {
			called = true
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatalf("persist must not run for a non-persisting classification")
	}
	if outcome.State != Dropped {
		t.Fatalf("expected DROPPED state, got %s", outcome.State)
	}
}

func TestRunPropagatesValidateError(t *testing.T) {
	wantErr := errors.New("boom")
	_, err := Run(context.Background(), TwoPhase{
		Validate: func(ctx context.Context) (taxonomy.Class, error) { return "", wantErr },
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected validate error to propagate, got %v", err)
	}
}

func TestRunPropagatesPersistError(t *testing.T) {
	wantErr := errors.New("disk full")
	_, err := Run(context.Background(), TwoPhase{
		Validate: func(ctx context.Context) (taxonomy.Class, error) { return taxonomy.Accept, nil },
		Persist:  func(ctx context.Context, class taxonomy.Class) error { return wantErr },
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected persist error to propagate, got %v", err)
	}
}
