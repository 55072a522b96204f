package tasks

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTransition(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusInProgress, StatusDone, true},
		{StatusInProgress, StatusError, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusInProgress, StatusInProgress, true},
		{StatusDone, StatusError, false},
		{StatusError, StatusDone, false},
		{StatusCancelled, StatusInProgress, false},
		{StatusDone, StatusDone, false},
	}
	for _, tc := range cases {
		task := Task{Status: tc.from}
		err := Transition(&task, tc.to, now)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected err %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestMemoryRepo_UniqueFileAndTerminalImmutable(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	task := Task{ID: "t1", AccountID: "a", FileURL: "https://x/1.mp3", Status: StatusInProgress}
	if err := repo.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, Task{ID: "t2", AccountID: "a", FileURL: "https://x/1.mp3"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Another tenant may submit the same file.
	if err := repo.Create(ctx, Task{ID: "t3", AccountID: "b", FileURL: "https://x/1.mp3"}); err != nil {
		t.Fatalf("other account create: %v", err)
	}

	got, found, _ := repo.FindByFileURL(ctx, "a", "https://x/1.mp3")
	if !found || got.ID != "t1" {
		t.Fatalf("expected t1, got %+v", got)
	}

	task.Status = StatusDone
	if err := repo.Update(ctx, task); err != nil {
		t.Fatalf("update: %v", err)
	}
	task.Status = StatusError
	if err := repo.Update(ctx, task); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal task immutable, got %v", err)
	}
	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
