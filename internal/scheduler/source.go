package scheduler

import (
	"context"
	"time"

	"github.com/rendis/flowengine/internal/actions"
)

// DueLister is the collaborator call behind GatewaySource.
// *actions.HTTPGateway satisfies it.
type DueLister interface {
	DueEntities(ctx context.Context, event, companyID string, now time.Time) ([]actions.DueEntity, error)
}

// GatewaySource asks the collaborator gateway which entities are due.
type GatewaySource struct {
	lister DueLister
}

// NewGatewaySource creates a DueSource backed by lister.
func NewGatewaySource(lister DueLister) *GatewaySource {
	return &GatewaySource{lister: lister}
}

// Due implements DueSource. Items without an entity to bind a run to are
// dropped.
func (s *GatewaySource) Due(ctx context.Context, event, companyID string, now time.Time) ([]DueItem, error) {
	entities, err := s.lister.DueEntities(ctx, event, companyID, now)
	if err != nil {
		return nil, err
	}
	items := make([]DueItem, 0, len(entities))
	for _, e := range entities {
		if e.EntityRef == "" {
			continue
		}
		if e.CompanyID == "" {
			e.CompanyID = companyID
		}
		items = append(items, DueItem{
			CompanyID:  e.CompanyID,
			EntityRef:  e.EntityRef,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Title:      e.Title,
		})
	}
	return items, nil
}

var _ DueSource = (*GatewaySource)(nil)
