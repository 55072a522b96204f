package filter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"call-intake/internal/calls"
)

type stubEntities struct {
	entity Entity
	err    error
	calls  int
}

func (s *stubEntities) FetchEntity(ctx context.Context, entityType, entityID string) (Entity, error) {
	s.calls++
	return s.entity, s.err
}

type stubFirstCalls struct {
	id    string
	found bool
	err   error
}

func (s stubFirstCalls) FirstCallByEntity(ctx context.Context, call calls.NormalizedCall) (string, bool, error) {
	return s.id, s.found, s.err
}

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func baseCall() calls.NormalizedCall {
	return calls.NormalizedCall{
		Provider:          calls.ProviderAmoCRM,
		ProviderCallID:    "c1",
		AccountID:         "acc",
		StartedAt:         testNow.Add(-time.Hour),
		DurationSeconds:   120,
		Direction:         calls.DirectionInbound,
		ResponsibleUserID: "u1",
		CRMEntityType:     "lead",
		CRMEntityID:       "100",
		PhoneNumber:       "+79161234567",
	}
}

func TestEvaluate_EmptyFilterSetAccepts(t *testing.T) {
	r := NewEngine().Evaluate(context.Background(), baseCall(), FilterSet{}, &EvalContext{Now: testNow})
	if !r.Accepted {
		t.Fatalf("expected accept, got %+v", r)
	}
}

func TestEvaluate_MinDurationScenario(t *testing.T) {
	call := baseCall()
	call.DurationSeconds = 45
	r := NewEngine().Evaluate(context.Background(), call, FilterSet{MinDuration: Int(60)}, &EvalContext{Now: testNow})
	if r.Accepted {
		t.Fatalf("expected reject")
	}
	if r.Predicate != PredicateMinDuration {
		t.Fatalf("expected min_duration, got %q", r.Predicate)
	}
	if !strings.HasPrefix(r.Reason, "duration below minimum") {
		t.Fatalf("unexpected reason %q", r.Reason)
	}
}

func TestEvaluate_ShortCircuitReportsEarliestFailure(t *testing.T) {
	call := baseCall()
	call.DurationSeconds = 10
	fs := FilterSet{MinDuration: Int(60), ResponsibleUsersIn: []string{"someone-else"}}
	for i := 0; i < 20; i++ {
		r := NewEngine().Evaluate(context.Background(), call, fs, &EvalContext{Now: testNow})
		if r.Predicate != PredicateMinDuration {
			t.Fatalf("run %d: expected min_duration failure first, got %q", i, r.Predicate)
		}
	}
}

func TestEvaluate_ZeroDurationRejectedBeforeAnything(t *testing.T) {
	call := baseCall()
	call.DurationSeconds = 0
	r := NewEngine().Evaluate(context.Background(), call, FilterSet{}, &EvalContext{Now: testNow})
	if r.Accepted || r.Predicate != PredicateNonZeroDuration {
		t.Fatalf("expected zero duration rejection, got %+v", r)
	}
}

func TestEvaluate_PredicateTable(t *testing.T) {
	cases := []struct {
		name string
		fs   FilterSet
		mut  func(*calls.NormalizedCall)
		want Predicate
	}{
		{"max duration", FilterSet{MaxDuration: Int(60)}, nil, PredicateMaxDuration},
		{"user allow", FilterSet{ResponsibleUsersIn: []string{"u2"}}, nil, PredicateUsersAllow},
		{"user deny", FilterSet{ResponsibleUsersNotIn: []string{"u1"}}, nil, PredicateUsersDeny},
		{"call type", FilterSet{AllowedCallTypes: []calls.Direction{calls.DirectionOutbound}}, nil, PredicateCallType},
		{"restricted phone", FilterSet{RestrictedPhones: []string{"8 (916) 123-45-67"}}, nil, PredicateRestrictedPhone},
		{"stale call", FilterSet{}, func(c *calls.NormalizedCall) { c.StartedAt = testNow.Add(-25 * time.Hour) }, PredicateRecency},
	}
	for _, tc := range cases {
		call := baseCall()
		if tc.mut != nil {
			tc.mut(&call)
		}
		r := NewEngine().Evaluate(context.Background(), call, tc.fs, &EvalContext{Now: testNow, Region: "RU"})
		if r.Accepted || r.Predicate != tc.want {
			t.Fatalf("%s: expected %q rejection, got %+v", tc.name, tc.want, r)
		}
	}
}

func TestEvaluate_RecencySkippedWithoutStartTime(t *testing.T) {
	call := baseCall()
	call.StartedAt = time.Time{}
	r := NewEngine().Evaluate(context.Background(), call, FilterSet{}, &EvalContext{Now: testNow})
	if !r.Accepted {
		t.Fatalf("expected accept, got %+v", r)
	}
}

func TestEvaluate_RecencyBoundary(t *testing.T) {
	call := baseCall()
	call.StartedAt = testNow.Add(-24 * time.Hour)
	r := NewEngine().Evaluate(context.Background(), call, FilterSet{Timezone: "Europe/Moscow"}, &EvalContext{Now: testNow})
	if !r.Accepted {
		t.Fatalf("call exactly 24h old should pass, got %+v", r)
	}
}

func TestEvaluate_FirstCallOnly(t *testing.T) {
	fs := FilterSet{OnlyFirstCall: true}

	r := NewEngine().Evaluate(context.Background(), baseCall(), fs, &EvalContext{Now: testNow, FirstCalls: stubFirstCalls{id: "c1", found: true}})
	if !r.Accepted {
		t.Fatalf("expected accept for first call, got %+v", r)
	}

	r = NewEngine().Evaluate(context.Background(), baseCall(), fs, &EvalContext{Now: testNow, FirstCalls: stubFirstCalls{id: "c0", found: true}})
	if r.Accepted || r.Predicate != PredicateFirstCall {
		t.Fatalf("expected first call rejection, got %+v", r)
	}

	r = NewEngine().Evaluate(context.Background(), baseCall(), fs, &EvalContext{Now: testNow, FirstCalls: stubFirstCalls{}})
	if r.Accepted || r.Reason != "entity has no calls" {
		t.Fatalf("expected no-calls rejection, got %+v", r)
	}

	r = NewEngine().Evaluate(context.Background(), baseCall(), fs, &EvalContext{Now: testNow, FirstCalls: stubFirstCalls{err: errors.New("down")}})
	if r.Accepted {
		t.Fatalf("expected rejection when lookup fails")
	}
}

func TestEvaluate_EntityFetchedOnce(t *testing.T) {
	src := &stubEntities{entity: Entity{
		Type:         "contact",
		ID:           "100",
		CustomFields: map[string][]string{"src": {"ads"}},
		Deal:         &Entity{Type: "lead", ID: "7", PipelineID: "p1", StatusID: "s1"},
	}}
	fs := FilterSet{
		PipelinesIn:  []string{"p1"},
		StatusesIn:   []string{"s1"},
		CustomFields: []FieldRule{{FieldID: "src", Values: []string{"ads"}}},
	}
	ec := &EvalContext{Now: testNow, Entities: src}
	engine := NewEngine()

	if r := engine.Evaluate(context.Background(), baseCall(), fs, ec); !r.Accepted {
		t.Fatalf("expected accept via linked deal, got %+v", r)
	}
	if r := engine.Evaluate(context.Background(), baseCall(), fs, ec); !r.Accepted {
		t.Fatalf("expected accept on second evaluation, got %+v", r)
	}
	if src.calls != 1 {
		t.Fatalf("expected one entity fetch, got %d", src.calls)
	}
}

func TestEvaluate_PipelineAndFieldRejections(t *testing.T) {
	src := &stubEntities{entity: Entity{PipelineID: "p1", StatusID: "s2", CustomFields: map[string][]string{"src": {"ads"}}}}

	r := NewEngine().Evaluate(context.Background(), baseCall(), FilterSet{StatusesNotIn: []string{"s2"}}, &EvalContext{Now: testNow, Entities: src})
	if r.Accepted || r.Predicate != PredicatePipelineStatus {
		t.Fatalf("expected status rejection, got %+v", r)
	}

	fs := FilterSet{CustomFields: []FieldRule{{FieldID: "src", Values: []string{"ads"}, Exclude: true}}}
	r = NewEngine().Evaluate(context.Background(), baseCall(), fs, &EvalContext{Now: testNow, Entities: src})
	if r.Accepted || r.Predicate != PredicateCustomFields {
		t.Fatalf("expected custom field rejection, got %+v", r)
	}
}

func TestEvaluate_EntityRuleWithoutEntityRejects(t *testing.T) {
	call := baseCall()
	call.CRMEntityID = ""
	r := NewEngine().Evaluate(context.Background(), call, FilterSet{PipelinesIn: []string{"p"}}, &EvalContext{Now: testNow, Entities: &stubEntities{}})
	if r.Accepted {
		t.Fatalf("expected rejection without linked entity")
	}
}

func TestOrderIsFixed(t *testing.T) {
	got := NewEngine().Order()
	if got[0] != PredicateNonZeroDuration || got[1] != PredicateMinDuration || got[len(got)-1] != PredicateRecency {
		t.Fatalf("unexpected order %v", got)
	}
}
