package mem

import (
	"context"
	"errors"
	"testing"

	"github.com/zclconf/go-cty/cty"

	"github.com/reifyio/reify/pkg/provider"
)

func testSchema() provider.Schema {
	return provider.Schema{
		Attributes: map[string]provider.AttrSchema{
			"name": {Required: true},
			"size": {},
			"id":   {Computed: true},
		},
	}
}

func TestProvider_CreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	p := New(testSchema())

	externalID, final, err := p.Create(ctx, map[string]cty.Value{
		"name": cty.StringVal("alpha"),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if externalID == "" {
		t.Fatal("Expected a non-empty external id")
	}
	if final["name"] != cty.StringVal("alpha") {
		t.Errorf("Unexpected name: %#v", final["name"])
	}
	computed, ok := final["id"]
	if !ok || !computed.IsKnown() {
		t.Fatalf("Expected a computed id, got %#v", computed)
	}

	// Computed values are stable across updates.
	updated, err := p.Update(ctx, externalID, final, map[string]cty.Value{
		"name": cty.StringVal("beta"),
		"size": cty.NumberIntVal(10),
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated["name"] != cty.StringVal("beta") {
		t.Errorf("Unexpected name after update: %#v", updated["name"])
	}
	if updated["id"] != computed {
		t.Errorf("Expected computed id to survive updates, got %#v", updated["id"])
	}

	obj, ok := p.Get(externalID)
	if !ok {
		t.Fatal("Expected stored object")
	}
	if obj.Attrs["name"] != cty.StringVal("beta") {
		t.Errorf("Stored object not updated: %#v", obj.Attrs["name"])
	}

	if err := p.Delete(ctx, externalID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if p.Len() != 0 {
		t.Errorf("Expected empty provider, got %d objects", p.Len())
	}
	if err := p.Delete(ctx, externalID); err == nil {
		t.Error("Expected deleting a missing object to fail")
	}
}

func TestProvider_UpdateMissingObject(t *testing.T) {
	p := New(testSchema())
	_, err := p.Update(context.Background(), "mem-99", nil, map[string]cty.Value{
		"name": cty.StringVal("x"),
	})
	if err == nil {
		t.Fatal("Expected an error updating a missing object")
	}
	var perr *provider.Error
	if !errors.As(err, &perr) {
		t.Fatalf("Expected provider.Error, got %T", err)
	}
	if perr.Class != provider.ErrorClassPermanent {
		t.Errorf("Expected permanent error, got %s", perr.Class)
	}
	if provider.IsRetryable(err) {
		t.Error("A missing object is not retryable")
	}
}

func TestProvider_HookFailure(t *testing.T) {
	p := New(testSchema())
	bang := errors.New("injected")
	p.Hook = func(ctx context.Context, op, externalID string) error {
		if op == "create" {
			return bang
		}
		return nil
	}

	_, _, err := p.Create(context.Background(), map[string]cty.Value{
		"name": cty.StringVal("alpha"),
	})
	if !errors.Is(err, bang) {
		t.Fatalf("Expected the injected error, got %v", err)
	}
	if p.Len() != 0 {
		t.Error("Expected no object created after a hook failure")
	}
}

func TestProvider_SequentialIDs(t *testing.T) {
	ctx := context.Background()
	p := New(testSchema())

	first, _, err := p.Create(ctx, map[string]cty.Value{"name": cty.StringVal("a")})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, _, err := p.Create(ctx, map[string]cty.Value{"name": cty.StringVal("b")})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if first != "mem-1" || second != "mem-2" {
		t.Errorf("Expected sequential ids, got %s and %s", first, second)
	}
}
