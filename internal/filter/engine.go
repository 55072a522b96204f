package filter

import (
	"context"
	"fmt"
	"slices"
	"time"

	"call-intake/internal/calls"
	"call-intake/pkg/logger"
)

// Predicate names a single filter check. Names appear in logs and rejection results.
type Predicate string

const (
	PredicateNonZeroDuration Predicate = "duration_non_zero"
	PredicateMinDuration     Predicate = "min_duration"
	PredicateMaxDuration     Predicate = "max_duration"
	PredicateUsersAllow      Predicate = "responsible_users_in"
	PredicateUsersDeny       Predicate = "responsible_users_not_in"
	PredicateCallType        Predicate = "call_type"
	PredicateRestrictedPhone Predicate = "restricted_phone"
	PredicateFirstCall       Predicate = "only_first_call"
	PredicatePipelineStatus  Predicate = "pipeline_status"
	PredicateCustomFields    Predicate = "custom_fields"
	PredicateRecency         Predicate = "recency_24h"
)

// RecencyWindow is how old a provider-reported start time may be.
const RecencyWindow = 24 * time.Hour

// Result is the outcome of evaluating one FilterSet.
// Predicate and Reason are empty when Accepted.
type Result struct {
	Accepted  bool
	Predicate Predicate
	Reason    string
}

type check struct {
	name Predicate
	fn   func(ctx context.Context, call calls.NormalizedCall, fs FilterSet, ec *EvalContext) (ok bool, reason string)
}

// Engine evaluates FilterSets against normalized calls.
// Predicates run in a fixed order and the first failure wins.
type Engine struct {
	checks []check
}

func NewEngine() *Engine {
	return &Engine{checks: []check{
		{PredicateNonZeroDuration, checkNonZero},
		{PredicateMinDuration, checkMinDuration},
		{PredicateMaxDuration, checkMaxDuration},
		{PredicateUsersAllow, checkUsersAllow},
		{PredicateUsersDeny, checkUsersDeny},
		{PredicateCallType, checkCallType},
		{PredicateRestrictedPhone, checkRestrictedPhone},
		{PredicateFirstCall, checkFirstCall},
		{PredicatePipelineStatus, checkPipelineStatus},
		{PredicateCustomFields, checkCustomFields},
		{PredicateRecency, checkRecency},
	}}
}

// Order returns predicate names in evaluation order.
func (e *Engine) Order() []Predicate {
	out := make([]Predicate, 0, len(e.checks))
	for _, c := range e.checks {
		out = append(out, c.name)
	}
	return out
}

func (e *Engine) Evaluate(ctx context.Context, call calls.NormalizedCall, fs FilterSet, ec *EvalContext) Result {
	if ec == nil {
		ec = &EvalContext{}
	}
	for _, c := range e.checks {
		ok, reason := c.fn(ctx, call, fs, ec)
		if ok {
			continue
		}
		// Call identity is already on the ctx logger.
		logger.From(ctx).Info("call rejected by filter", "predicate", string(c.name), "reason", reason)
		return Result{Accepted: false, Predicate: c.name, Reason: reason}
	}
	return Result{Accepted: true}
}

func checkNonZero(_ context.Context, call calls.NormalizedCall, _ FilterSet, _ *EvalContext) (bool, string) {
	if call.DurationSeconds <= 0 {
		return false, "duration is zero"
	}
	return true, ""
}

func checkMinDuration(_ context.Context, call calls.NormalizedCall, fs FilterSet, _ *EvalContext) (bool, string) {
	if fs.MinDuration == nil {
		return true, ""
	}
	if call.DurationSeconds < *fs.MinDuration {
		return false, fmt.Sprintf("duration below minimum: %ds < %ds", call.DurationSeconds, *fs.MinDuration)
	}
	return true, ""
}

func checkMaxDuration(_ context.Context, call calls.NormalizedCall, fs FilterSet, _ *EvalContext) (bool, string) {
	if fs.MaxDuration == nil {
		return true, ""
	}
	if call.DurationSeconds > *fs.MaxDuration {
		return false, fmt.Sprintf("duration above maximum: %ds > %ds", call.DurationSeconds, *fs.MaxDuration)
	}
	return true, ""
}

func checkUsersAllow(_ context.Context, call calls.NormalizedCall, fs FilterSet, _ *EvalContext) (bool, string) {
	if len(fs.ResponsibleUsersIn) == 0 {
		return true, ""
	}
	if !slices.Contains(fs.ResponsibleUsersIn, call.ResponsibleUserID) {
		return false, fmt.Sprintf("responsible user %q not in allow list", call.ResponsibleUserID)
	}
	return true, ""
}

func checkUsersDeny(_ context.Context, call calls.NormalizedCall, fs FilterSet, _ *EvalContext) (bool, string) {
	if len(fs.ResponsibleUsersNotIn) == 0 {
		return true, ""
	}
	if slices.Contains(fs.ResponsibleUsersNotIn, call.ResponsibleUserID) {
		return false, fmt.Sprintf("responsible user %q is excluded", call.ResponsibleUserID)
	}
	return true, ""
}

func checkCallType(_ context.Context, call calls.NormalizedCall, fs FilterSet, _ *EvalContext) (bool, string) {
	if len(fs.AllowedCallTypes) == 0 {
		return true, ""
	}
	if !slices.Contains(fs.AllowedCallTypes, call.Direction) {
		return false, fmt.Sprintf("call type %q not allowed", call.Direction)
	}
	return true, ""
}

func checkRestrictedPhone(_ context.Context, call calls.NormalizedCall, fs FilterSet, ec *EvalContext) (bool, string) {
	if len(fs.RestrictedPhones) == 0 || call.PhoneNumber == "" {
		return true, ""
	}
	if PhoneIn(call.PhoneNumber, fs.RestrictedPhones, ec.region()) {
		return false, fmt.Sprintf("phone %s is restricted", call.PhoneNumber)
	}
	return true, ""
}

func checkFirstCall(ctx context.Context, call calls.NormalizedCall, fs FilterSet, ec *EvalContext) (bool, string) {
	if !fs.OnlyFirstCall {
		return true, ""
	}
	id, found, err := ec.FirstCall(ctx, call)
	if err != nil {
		return false, fmt.Sprintf("first call lookup failed: %v", err)
	}
	if !found {
		return false, "entity has no calls"
	}
	if id != call.ProviderCallID {
		return false, fmt.Sprintf("not the first call on entity (first is %s)", id)
	}
	return true, ""
}

func checkPipelineStatus(ctx context.Context, call calls.NormalizedCall, fs FilterSet, ec *EvalContext) (bool, string) {
	if len(fs.PipelinesIn) == 0 && len(fs.PipelinesNotIn) == 0 && len(fs.StatusesIn) == 0 && len(fs.StatusesNotIn) == 0 {
		return true, ""
	}
	ent, err := ec.Entity(ctx, call)
	if err != nil {
		return false, fmt.Sprintf("entity lookup failed: %v", err)
	}
	t := ent.pipelineTarget()
	if len(fs.PipelinesIn) > 0 && !slices.Contains(fs.PipelinesIn, t.PipelineID) {
		return false, fmt.Sprintf("pipeline %q not allowed", t.PipelineID)
	}
	if slices.Contains(fs.PipelinesNotIn, t.PipelineID) {
		return false, fmt.Sprintf("pipeline %q is excluded", t.PipelineID)
	}
	if len(fs.StatusesIn) > 0 && !slices.Contains(fs.StatusesIn, t.StatusID) {
		return false, fmt.Sprintf("status %q not allowed", t.StatusID)
	}
	if slices.Contains(fs.StatusesNotIn, t.StatusID) {
		return false, fmt.Sprintf("status %q is excluded", t.StatusID)
	}
	return true, ""
}

func checkCustomFields(ctx context.Context, call calls.NormalizedCall, fs FilterSet, ec *EvalContext) (bool, string) {
	if len(fs.CustomFields) == 0 {
		return true, ""
	}
	ent, err := ec.Entity(ctx, call)
	if err != nil {
		return false, fmt.Sprintf("entity lookup failed: %v", err)
	}
	for _, rule := range fs.CustomFields {
		if len(rule.Values) == 0 {
			continue
		}
		have := ent.fieldValues(rule.FieldID)
		hit := slices.ContainsFunc(have, func(v string) bool { return slices.Contains(rule.Values, v) })
		if rule.Exclude && hit {
			return false, fmt.Sprintf("custom field %s has excluded value", rule.FieldID)
		}
		if !rule.Exclude && !hit {
			return false, fmt.Sprintf("custom field %s does not match", rule.FieldID)
		}
	}
	return true, ""
}

func checkRecency(_ context.Context, call calls.NormalizedCall, fs FilterSet, ec *EvalContext) (bool, string) {
	if call.StartedAt.IsZero() {
		return true, ""
	}
	loc := ec.Location
	if fs.Timezone != "" {
		if l, err := time.LoadLocation(fs.Timezone); err == nil {
			loc = l
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	cutoff := ec.now().In(loc).Add(-RecencyWindow)
	if call.StartedAt.In(loc).Before(cutoff) {
		return false, fmt.Sprintf("call older than 24h: started %s", call.StartedAt.In(loc).Format(time.RFC3339))
	}
	return true, ""
}
