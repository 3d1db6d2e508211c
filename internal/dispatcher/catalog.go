package dispatcher

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rendis/flowengine/internal/store"
)

// DefaultCatalogTTL bounds how stale a company's cached flow list may get
// when nobody calls Invalidate.
const DefaultCatalogTTL = time.Minute

// FlowLister is the part of the store the catalog reads.
type FlowLister interface {
	ListFlows(ctx context.Context, filter store.FlowFilter) ([]*store.Flow, error)
}

// Catalog caches each company's active flows. Entries are rebuilt from the
// store on a miss; writers call Invalidate after changing a flow.
type Catalog struct {
	flows FlowLister
	cache *gocache.Cache
}

// NewCatalog creates a Catalog whose entries live for ttl.
func NewCatalog(flows FlowLister, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	return &Catalog{
		flows: flows,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Active returns the company's active flows.
func (c *Catalog) Active(ctx context.Context, companyID string) ([]*store.Flow, error) {
	if v, ok := c.cache.Get(companyID); ok {
		return v.([]*store.Flow), nil
	}
	flows, err := c.flows.ListFlows(ctx, store.FlowFilter{CompanyID: companyID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(companyID, flows)
	return flows, nil
}

// Invalidate drops the company's cached flows.
func (c *Catalog) Invalidate(companyID string) {
	c.cache.Delete(companyID)
}

// Flush drops every cached entry.
func (c *Catalog) Flush() {
	c.cache.Flush()
}
