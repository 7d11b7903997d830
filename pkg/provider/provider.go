// Package provider defines the contract between the reconciliation engine and
// the code that touches real infrastructure. A provider owns one resource kind:
// it declares the attribute schema for that kind and implements the three
// mutating operations the executor invokes.
package provider

import (
	"context"
	"sort"

	"github.com/zclconf/go-cty/cty"
)

// AttrSchema describes a single attribute of a resource kind.
type AttrSchema struct {
	// Required indicates the attribute must be set in configuration.
	Required bool

	// Computed indicates the attribute is assigned by the provider and may
	// not be set in configuration (e.g. an external id or checksum).
	Computed bool

	// ForceNew indicates a change to this attribute cannot be applied
	// in place; the resource must be deleted and recreated.
	ForceNew bool
}

// Schema describes the attributes and replacement policy of a resource kind.
type Schema struct {
	// Attributes maps attribute names to their schema.
	Attributes map[string]AttrSchema

	// CreateBeforeDestroy selects the replacement ordering when a ForceNew
	// attribute changes: create the replacement first, then delete the old
	// object. The default is delete-before-create.
	CreateBeforeDestroy bool
}

// HasAttribute reports whether the schema declares the named attribute.
func (s Schema) HasAttribute(name string) bool {
	_, ok := s.Attributes[name]
	return ok
}

// DeclaredAttributes returns the names of all non-computed attributes in
// lexical order.
func (s Schema) DeclaredAttributes() []string {
	names := make([]string, 0, len(s.Attributes))
	for name, attr := range s.Attributes {
		if !attr.Computed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Provider implements the lifecycle operations for one resource kind.
// All operations must honor context cancellation and deadlines. Returned
// attribute maps must contain every attribute of the schema, including
// computed ones, with concrete (known) values.
type Provider interface {
	// Schema returns the attribute schema for this provider's kind.
	Schema() Schema

	// Create provisions a new object from the desired attributes and
	// returns the provider-assigned external id together with the full
	// final attribute set.
	Create(ctx context.Context, attrs map[string]cty.Value) (string, map[string]cty.Value, error)

	// Update applies in-place changes to an existing object and returns
	// the full final attribute set.
	Update(ctx context.Context, externalID string, old, new map[string]cty.Value) (map[string]cty.Value, error)

	// Delete removes the object identified by the external id.
	Delete(ctx context.Context, externalID string) error
}
