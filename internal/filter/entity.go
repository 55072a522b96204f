package filter

import (
	"context"
	"errors"
	"sync"
	"time"

	"call-intake/internal/calls"
)

// Entity is the minimal CRM object needed for pipeline/status/custom-field rules.
type Entity struct {
	Type         string
	ID           string
	PipelineID   string
	StatusID     string
	CustomFields map[string][]string

	// Deal is the linked deal for contacts/companies, when the provider has one.
	Deal *Entity
}

// EntitySource loads a CRM entity. Implemented by CRM provider adapters.
type EntitySource interface {
	FetchEntity(ctx context.Context, entityType, entityID string) (Entity, error)
}

// FirstCallSource finds the earliest call on the call's linked entity.
// found is false when the entity has no calls at all.
type FirstCallSource interface {
	FirstCallByEntity(ctx context.Context, call calls.NormalizedCall) (id string, found bool, err error)
}

var ErrNoEntity = errors.New("call has no linked entity")

// EvalContext carries per-call inputs and caches provider lookups so each is
// made at most once no matter how many FilterSets are evaluated.
type EvalContext struct {
	Now      time.Time
	Location *time.Location
	// Region is the default phone region (ISO 3166 alpha-2).
	Region string

	Entities   EntitySource
	FirstCalls FirstCallSource

	mu sync.Mutex

	entityDone bool
	entity     Entity
	entityErr  error

	firstDone  bool
	firstID    string
	firstFound bool
	firstErr   error
}

func (ec *EvalContext) now() time.Time {
	if ec == nil || ec.Now.IsZero() {
		return time.Now()
	}
	return ec.Now
}

func (ec *EvalContext) region() string {
	if ec == nil || ec.Region == "" {
		return DefaultRegion
	}
	return ec.Region
}

// Entity returns the call's linked entity, fetching it on first use.
func (ec *EvalContext) Entity(ctx context.Context, call calls.NormalizedCall) (Entity, error) {
	if ec == nil {
		return Entity{}, errors.New("filter: nil eval context")
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.entityDone {
		return ec.entity, ec.entityErr
	}
	ec.entityDone = true
	switch {
	case call.CRMEntityID == "" || call.CRMEntityType == "":
		ec.entityErr = ErrNoEntity
	case ec.Entities == nil:
		ec.entityErr = errors.New("filter: provider cannot fetch entities")
	default:
		ec.entity, ec.entityErr = ec.Entities.FetchEntity(ctx, call.CRMEntityType, call.CRMEntityID)
	}
	return ec.entity, ec.entityErr
}

// FirstCall returns the earliest call id on the call's entity, looked up once.
func (ec *EvalContext) FirstCall(ctx context.Context, call calls.NormalizedCall) (string, bool, error) {
	if ec == nil {
		return "", false, errors.New("filter: nil eval context")
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.firstDone {
		return ec.firstID, ec.firstFound, ec.firstErr
	}
	ec.firstDone = true
	if ec.FirstCalls == nil {
		ec.firstErr = errors.New("filter: provider cannot look up first calls")
	} else {
		ec.firstID, ec.firstFound, ec.firstErr = ec.FirstCalls.FirstCallByEntity(ctx, call)
	}
	return ec.firstID, ec.firstFound, ec.firstErr
}

// pipelineTarget picks the entity carrying pipeline/status: the linked deal
// when the entity itself has none.
func (e Entity) pipelineTarget() Entity {
	if e.PipelineID == "" && e.StatusID == "" && e.Deal != nil {
		return *e.Deal
	}
	return e
}

func (e Entity) fieldValues(id string) []string {
	out := append([]string(nil), e.CustomFields[id]...)
	if e.Deal != nil {
		out = append(out, e.Deal.CustomFields[id]...)
	}
	return out
}
