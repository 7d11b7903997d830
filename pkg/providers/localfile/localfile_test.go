package localfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/zclconf/go-cty/cty"
)

func TestProvider_CreateWritesFile(t *testing.T) {
	ctx := context.Background()
	p := New()
	path := filepath.Join(t.TempDir(), "sub", "app.conf")

	externalID, final, err := p.Create(ctx, map[string]cty.Value{
		"path":    cty.StringVal(path),
		"content": cty.StringVal("listen = 8080\n"),
		"mode":    cty.StringVal("0600"),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if externalID != path {
		t.Errorf("Expected external id %s, got %s", path, externalID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected file to exist: %v", err)
	}
	if string(data) != "listen = 8080\n" {
		t.Errorf("Unexpected content: %q", string(data))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %o", info.Mode().Perm())
	}

	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])
	if final["checksum"] != cty.StringVal(want) {
		t.Errorf("Expected checksum %s, got %#v", want, final["checksum"])
	}
}

func TestProvider_UpdateRewritesContent(t *testing.T) {
	ctx := context.Background()
	p := New()
	path := filepath.Join(t.TempDir(), "app.conf")

	_, created, err := p.Create(ctx, map[string]cty.Value{
		"path":    cty.StringVal(path),
		"content": cty.StringVal("v1"),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := p.Update(ctx, path, created, map[string]cty.Value{
		"path":    cty.StringVal(path),
		"content": cty.StringVal("v2"),
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "v2" {
		t.Errorf("Expected updated content, got %q", string(data))
	}
	if updated["checksum"] == created["checksum"] {
		t.Error("Expected the checksum to change with the content")
	}
}

func TestProvider_DeleteTolerant(t *testing.T) {
	ctx := context.Background()
	p := New()
	path := filepath.Join(t.TempDir(), "app.conf")

	_, _, err := p.Create(ctx, map[string]cty.Value{
		"path":    cty.StringVal(path),
		"content": cty.StringVal("x"),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := p.Delete(ctx, path); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected the file to be removed")
	}

	// Deleting an already-removed file converges.
	if err := p.Delete(ctx, path); err != nil {
		t.Errorf("Expected deleting an absent file to succeed: %v", err)
	}
}

func TestProvider_InvalidAttrs(t *testing.T) {
	ctx := context.Background()
	p := New()

	_, _, err := p.Create(ctx, map[string]cty.Value{
		"path":    cty.StringVal(filepath.Join(t.TempDir(), "f")),
		"content": cty.StringVal("x"),
		"mode":    cty.StringVal("esculent"),
	})
	if err == nil {
		t.Fatal("Expected an error for an unparsable mode")
	}

	_, _, err = p.Create(ctx, map[string]cty.Value{
		"content": cty.StringVal("x"),
	})
	if err == nil {
		t.Fatal("Expected an error for a missing path")
	}
}
