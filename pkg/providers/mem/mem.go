// Package mem implements an in-process provider backed by a map. It exists
// for development and for exercising the engine without touching real
// infrastructure: operations are instant, deterministic, and inspectable,
// and a hook lets callers inject failures or delays per operation.
package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/reifyio/reify/pkg/provider"
)

// Object is one stored resource instance.
type Object struct {
	ID    string
	Attrs map[string]cty.Value
}

// Provider stores objects in memory. The zero value is not usable; create
// instances with New.
type Provider struct {
	mu      sync.Mutex
	schema  provider.Schema
	objects map[string]Object
	seq     int

	// Hook, when set, runs before every operation. Returning an error
	// fails the operation; sleeping inside simulates a slow provider.
	Hook func(ctx context.Context, op, externalID string) error
}

// New creates a provider serving the given schema.
func New(schema provider.Schema) *Provider {
	return &Provider{
		schema:  schema,
		objects: make(map[string]Object),
	}
}

// Schema implements provider.Provider.
func (p *Provider) Schema() provider.Schema {
	return p.schema
}

// Create implements provider.Provider. Computed attributes are assigned
// deterministic string values derived from the new object's id.
func (p *Provider) Create(ctx context.Context, attrs map[string]cty.Value) (string, map[string]cty.Value, error) {
	if err := p.hook(ctx, "create", ""); err != nil {
		return "", nil, err
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	id := fmt.Sprintf("mem-%d", p.seq)

	final := make(map[string]cty.Value, len(attrs))
	for name, v := range attrs {
		final[name] = v
	}
	for name, as := range p.schema.Attributes {
		if as.Computed {
			final[name] = cty.StringVal(fmt.Sprintf("%s/%s", id, name))
		}
	}

	p.objects[id] = Object{ID: id, Attrs: final}
	return id, copyAttrs(final), nil
}

// Update implements provider.Provider. Computed attribute values are stable
// across updates.
func (p *Provider) Update(ctx context.Context, externalID string, old, new map[string]cty.Value) (map[string]cty.Value, error) {
	if err := p.hook(ctx, "update", externalID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[externalID]
	if !ok {
		return nil, provider.NewPermanentError("mem", fmt.Sprintf("object %s not found", externalID), nil)
	}

	final := make(map[string]cty.Value, len(new))
	for name, v := range new {
		final[name] = v
	}
	for name, as := range p.schema.Attributes {
		if !as.Computed {
			continue
		}
		if v, ok := obj.Attrs[name]; ok {
			final[name] = v
		}
	}

	p.objects[externalID] = Object{ID: externalID, Attrs: final}
	return copyAttrs(final), nil
}

// Delete implements provider.Provider.
func (p *Provider) Delete(ctx context.Context, externalID string) error {
	if err := p.hook(ctx, "delete", externalID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.objects[externalID]; !ok {
		return provider.NewPermanentError("mem", fmt.Sprintf("object %s not found", externalID), nil)
	}
	delete(p.objects, externalID)
	return nil
}

// Get returns the stored object with the given external id.
func (p *Provider) Get(externalID string) (Object, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[externalID]
	if !ok {
		return Object{}, false
	}
	return Object{ID: obj.ID, Attrs: copyAttrs(obj.Attrs)}, true
}

// Len returns the number of stored objects.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}

func (p *Provider) hook(ctx context.Context, op, externalID string) error {
	if p.Hook == nil {
		return nil
	}
	return p.Hook(ctx, op, externalID)
}

func copyAttrs(attrs map[string]cty.Value) map[string]cty.Value {
	out := make(map[string]cty.Value, len(attrs))
	for name, v := range attrs {
		out[name] = v
	}
	return out
}
