// Package flows validates flow definitions on their way into the store and
// keeps the dispatcher's active-flow cache in step with every change.
package flows

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/internal/validation"
	"github.com/rendis/flowengine/pkg/schema"
)

// Store is the part of the run store that holds flows.
type Store interface {
	SaveFlow(ctx context.Context, flow *store.Flow) error
	GetFlow(ctx context.Context, id string) (*store.Flow, error)
	SetFlowActive(ctx context.Context, id string, active bool) error
	ListFlows(ctx context.Context, filter store.FlowFilter) ([]*store.Flow, error)
}

// Invalidator drops a company's cached flow list.
type Invalidator interface {
	Invalidate(companyID string)
}

// RunCanceller stops a flow's live runs.
type RunCanceller interface {
	CancelByFlow(ctx context.Context, flowID, reason string) (int, error)
}

// Option configures a Service.
type Option func(*Service)

// WithRunCanceller makes deactivation cancel the flow's RUNNING and
// SUSPENDED runs.
func WithRunCanceller(c RunCanceller) Option {
	return func(s *Service) { s.runs = c }
}

// DefineRequest creates or replaces a flow. An empty ID creates a new flow.
type DefineRequest struct {
	ID         string                 `json:"id,omitempty"`
	CompanyID  string                 `json:"company_id"`
	Name       string                 `json:"name,omitempty"`
	Active     bool                   `json:"active"`
	Definition *schema.FlowDefinition `json:"definition"`
}

// DefineResult is the stored flow with any advisory warnings.
type DefineResult struct {
	Flow     *store.Flow              `json:"flow"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// Service is the single write path for flow definitions.
type Service struct {
	store     Store
	validator validation.Validator
	catalog   Invalidator
	runs      RunCanceller
}

// NewService creates a Service. catalog may be nil.
func NewService(s Store, v validation.Validator, catalog Invalidator, opts ...Option) *Service {
	svc := &Service{store: s, validator: v, catalog: catalog}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Define validates and stores a flow definition, bumping its version when
// it already exists. Invalid definitions are rejected with VALIDATION_ERROR
// and never stored.
func (s *Service) Define(ctx context.Context, req DefineRequest) (*DefineResult, error) {
	if req.CompanyID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "company_id is required")
	}
	if req.Definition == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is required")
	}

	result := s.validator.Validate(req.Definition)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	flow := &store.Flow{
		ID:         req.ID,
		CompanyID:  req.CompanyID,
		Name:       req.Name,
		Active:     req.Active,
		Definition: req.Definition,
	}
	if err := s.store.SaveFlow(ctx, flow); err != nil {
		return nil, err
	}
	s.invalidate(flow.CompanyID)
	return &DefineResult{Flow: flow, Warnings: result.Warnings}, nil
}

// Get returns a stored flow.
func (s *Service) Get(ctx context.Context, id string) (*store.Flow, error) {
	return s.store.GetFlow(ctx, id)
}

// List returns the stored flows matching filter.
func (s *Service) List(ctx context.Context, filter store.FlowFilter) ([]*store.Flow, error) {
	return s.store.ListFlows(ctx, filter)
}

// SetActive activates or deactivates a flow. Activation re-validates the
// stored definition so a flow that no longer passes is never activated.
// Deactivation cancels the flow's live runs when a RunCanceller is set; the
// flow stays inactive even if some cancellations fail.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (*store.Flow, error) {
	flow, err := s.store.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if active {
		if err := s.validator.ValidateDefinition(flow.Definition); err != nil {
			return nil, err
		}
	}
	if err := s.store.SetFlowActive(ctx, id, active); err != nil {
		return nil, err
	}
	s.invalidate(flow.CompanyID)
	flow.Active = active
	if flow.Definition != nil {
		flow.Definition.Active = active
	}

	if !active && s.runs != nil {
		if _, err := s.runs.CancelByFlow(ctx, id, "flow deactivated"); err != nil {
			return flow, err
		}
	}
	return flow, nil
}

func (s *Service) invalidate(companyID string) {
	if s.catalog != nil {
		s.catalog.Invalidate(companyID)
	}
}
