package audit

import (
	"context"
	"testing"
	"time"
)

func TestService_AppendRequiresAccountAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeBalanceAdjust}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{AccountID: "a"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_LogBalanceAdjust(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	svc.clock = func() time.Time { return time.Unix(1700000000, 0) }

	if err := svc.LogBalanceAdjust(context.Background(), "sub", "payer", "op-1", "entry-1", 600, "goodwill"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	e := evs[0]
	if e.Type != EventTypeBalanceAdjust || e.PayerID != "payer" || e.DeltaSeconds != 600 || e.ActorID != "op-1" {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.ID == "" || !e.CreatedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("expected id and created_at filled: %+v", e)
	}
}

func TestService_NilIsNotConfigured(t *testing.T) {
	var svc *Service
	if err := svc.LogAttemptExpired(context.Background(), "a", "c", ""); err == nil {
		t.Fatalf("expected error from nil service")
	}
}
