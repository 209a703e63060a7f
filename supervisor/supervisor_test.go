package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunWaitsForAllTasks(t *testing.T) {
	s := New()
	var aDone, bDone bool
	s.Add("a", func(ctx context.Context) error {
		<-ctx.Done()
		aDone = true
		return ctx.Err()
	})
	s.Add("b", func(ctx context.Context) error {
		<-ctx.Done()
		bDone = true
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err == nil {
		t.Fatalf("Run returned nil error, want context deadline exceeded")
	}
	if !aDone || !bDone {
		t.Fatalf("aDone=%v bDone=%v, want both true", aDone, bDone)
	}
}

func TestRunCancelsSiblingsOnFirstError(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	var siblingCancelled bool
	s.Add("failing", func(ctx context.Context) error {
		return boom
	})
	s.Add("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		siblingCancelled = true
		return ctx.Err()
	})

	err := s.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if !siblingCancelled {
		t.Fatalf("sibling task was not cancelled after its sibling failed")
	}
}
