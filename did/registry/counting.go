package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stablerwa/go-did-sdk/did"
)

// Counting wraps a Registry and counts calls per operation.
type Counting struct {
	Registry

	creates     atomic.Int64
	gets        atomic.Int64
	updates     atomic.Int64
	deactivates atomic.Int64
}

// Calls is a snapshot of the counters.
type Calls struct {
	Create     int64
	Get        int64
	Update     int64
	Deactivate int64
}

// NewCounting wraps r.
func NewCounting(r Registry) *Counting {
	return &Counting{Registry: r}
}

func (c *Counting) Create(ctx context.Context, doc *did.Document) error {
	c.creates.Add(1)
	return c.Registry.Create(ctx, doc)
}

func (c *Counting) Get(ctx context.Context, id did.Identifier) (*Record, error) {
	c.gets.Add(1)
	return c.Registry.Get(ctx, id)
}

func (c *Counting) Update(ctx context.Context, doc *did.Document, expectedUpdated time.Time) error {
	c.updates.Add(1)
	return c.Registry.Update(ctx, doc, expectedUpdated)
}

func (c *Counting) Deactivate(ctx context.Context, id did.Identifier) error {
	c.deactivates.Add(1)
	return c.Registry.Deactivate(ctx, id)
}

// Calls returns the current counters.
func (c *Counting) Calls() Calls {
	return Calls{
		Create:     c.creates.Load(),
		Get:        c.gets.Load(),
		Update:     c.updates.Load(),
		Deactivate: c.deactivates.Load(),
	}
}
