package routing

import (
	"context"
	"testing"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/filter"
)

func testCall() calls.NormalizedCall {
	return calls.NormalizedCall{
		Provider:          calls.ProviderBitrix,
		ProviderCallID:    "call-1",
		AccountID:         "acc",
		DurationSeconds:   90,
		Direction:         calls.DirectionInbound,
		ResponsibleUserID: "7",
	}
}

func TestSelect_LowestPriorityWins(t *testing.T) {
	s := NewSelector(nil)
	reports := []Report{
		{ID: "r-five", Priority: 5, Active: true},
		{ID: "r-one", Priority: 1, Active: true},
	}
	got, ok, _ := s.Select(context.Background(), testCall(), reports, &filter.EvalContext{Now: time.Now()})
	if !ok {
		t.Fatalf("expected a winner")
	}
	if got.ID != "r-one" {
		t.Fatalf("expected priority 1 report, got %q", got.ID)
	}
}

func TestSelect_TieBreakByID(t *testing.T) {
	s := NewSelector(nil)
	reports := []Report{
		{ID: "b", Priority: 2, Active: true},
		{ID: "a", Priority: 2, Active: true},
		{ID: "c", Priority: 2, Active: true},
	}
	for i := 0; i < 10; i++ {
		got, ok, _ := s.Select(context.Background(), testCall(), reports, &filter.EvalContext{})
		if !ok || got.ID != "a" {
			t.Fatalf("expected deterministic tie-break to %q, got %q", "a", got.ID)
		}
	}
}

func TestSelect_SkipsInactiveAndRejecting(t *testing.T) {
	s := NewSelector(nil)
	reports := []Report{
		{ID: "inactive", Priority: 0, Active: false},
		{ID: "strict", Priority: 1, Active: true, Filters: filter.FilterSet{MinDuration: filter.Int(300)}},
		{ID: "loose", Priority: 9, Active: true},
	}
	got, ok, rej := s.Select(context.Background(), testCall(), reports, &filter.EvalContext{})
	if !ok || got.ID != "loose" {
		t.Fatalf("expected loose report, got %q ok=%v", got.ID, ok)
	}
	if len(rej) != 1 || rej[0].ReportID != "strict" || rej[0].Result.Predicate != filter.PredicateMinDuration {
		t.Fatalf("unexpected rejections %+v", rej)
	}
}

func TestSelect_NoneAccepts(t *testing.T) {
	s := NewSelector(nil)
	reports := []Report{{ID: "r", Priority: 1, Active: true, Filters: filter.FilterSet{MaxDuration: filter.Int(10)}}}
	if _, ok, _ := s.Select(context.Background(), testCall(), reports, &filter.EvalContext{}); ok {
		t.Fatalf("expected no winner")
	}
	if _, ok, _ := s.Select(context.Background(), testCall(), nil, &filter.EvalContext{}); ok {
		t.Fatalf("expected no winner for empty report list")
	}
}

func TestPrimary(t *testing.T) {
	got, ok := Primary([]Report{{ID: "x", Priority: 3, Active: true}, {ID: "y", Priority: 1, Active: true}, {ID: "z", Priority: 0}})
	if !ok || got.ID != "y" {
		t.Fatalf("expected y, got %q", got.ID)
	}
}
