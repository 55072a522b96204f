package routing

import (
	"cmp"
	"context"
	"slices"

	"call-intake/internal/calls"
	"call-intake/internal/filter"
	"call-intake/pkg/logger"
)

// Selector picks the single winning Report for a call.
//
// Order:
//  1. Inactive reports are ignored
//  2. Each active report is evaluated by the filter engine
//  3. Among accepting reports the lowest Priority wins
//  4. Equal priorities resolve by ascending report ID
//
// Selector has no side effects beyond logging.
type Selector struct {
	Engine *filter.Engine
}

func NewSelector(engine *filter.Engine) *Selector {
	if engine == nil {
		engine = filter.NewEngine()
	}
	return &Selector{Engine: engine}
}

// Select returns the winning report. ok is false when no active report accepts the call;
// rejections explains each refusal.
func (s *Selector) Select(ctx context.Context, call calls.NormalizedCall, reports []Report, ec *filter.EvalContext) (Report, bool, []Rejection) {
	candidates := make([]Report, 0, len(reports))
	for _, r := range reports {
		if r.Active {
			candidates = append(candidates, r)
		}
	}
	// Evaluate in a fixed order so cached entity lookups and logs are reproducible.
	slices.SortFunc(candidates, compareReports)

	var rejections []Rejection
	for _, r := range candidates {
		res := s.Engine.Evaluate(ctx, call, r.Filters, ec)
		if res.Accepted {
			// Sorted ascending: the first accepting report is the winner.
			return r, true, rejections
		}
		rejections = append(rejections, Rejection{ReportID: r.ID, Result: res})
	}

	logger.From(ctx).Info("call dropped: no report accepted it", "active_reports", len(candidates))
	return Report{}, false, rejections
}

// Primary returns the highest-priority active report without filtering.
// Interactive sources use it: the user explicitly asked for the analysis.
func Primary(reports []Report) (Report, bool) {
	var best Report
	found := false
	for _, r := range reports {
		if !r.Active {
			continue
		}
		if !found || compareReports(r, best) < 0 {
			best = r
			found = true
		}
	}
	return best, found
}

func compareReports(a, b Report) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
