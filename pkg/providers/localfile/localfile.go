// Package localfile implements a provider that manages files on the local
// filesystem. The path forces replacement when it changes; content and mode
// update in place. The sha256 checksum of the content is exposed as a
// computed attribute.
package localfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zclconf/go-cty/cty"

	"github.com/reifyio/reify/pkg/provider"
)

// Kind is the resource kind this provider serves.
const Kind = "file"

const defaultMode = 0o644

// Provider manages local files.
type Provider struct{}

// New creates a local file provider.
func New() *Provider {
	return &Provider{}
}

// Schema implements provider.Provider.
func (p *Provider) Schema() provider.Schema {
	return provider.Schema{
		Attributes: map[string]provider.AttrSchema{
			"path":     {Required: true, ForceNew: true},
			"content":  {Required: true},
			"mode":     {},
			"checksum": {Computed: true},
		},
	}
}

// Create implements provider.Provider. The file path doubles as the
// external id.
func (p *Provider) Create(ctx context.Context, attrs map[string]cty.Value) (string, map[string]cty.Value, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	path, content, mode, err := decodeAttrs(attrs)
	if err != nil {
		return "", nil, provider.NewPermanentError(Kind, err.Error(), nil)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, provider.NewTransientError(Kind, fmt.Sprintf("creating parent directory for %s", path), err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return "", nil, provider.NewTransientError(Kind, fmt.Sprintf("writing %s", path), err)
	}

	return path, finalAttrs(attrs, content), nil
}

// Update implements provider.Provider. The path is ForceNew, so only
// content and mode can change here.
func (p *Provider) Update(ctx context.Context, externalID string, old, new map[string]cty.Value) (map[string]cty.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, content, mode, err := decodeAttrs(new)
	if err != nil {
		return nil, provider.NewPermanentError(Kind, err.Error(), nil)
	}

	if err := os.WriteFile(externalID, []byte(content), mode); err != nil {
		return nil, provider.NewTransientError(Kind, fmt.Sprintf("writing %s", externalID), err)
	}
	if err := os.Chmod(externalID, mode); err != nil {
		return nil, provider.NewTransientError(Kind, fmt.Sprintf("setting mode on %s", externalID), err)
	}

	return finalAttrs(new, content), nil
}

// Delete implements provider.Provider. A file already gone is not an error.
func (p *Provider) Delete(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(externalID); err != nil && !os.IsNotExist(err) {
		return provider.NewTransientError(Kind, fmt.Sprintf("removing %s", externalID), err)
	}
	return nil
}

func decodeAttrs(attrs map[string]cty.Value) (path, content string, mode os.FileMode, err error) {
	pv, ok := attrs["path"]
	if !ok || pv.Type() != cty.String || pv.IsNull() {
		return "", "", 0, fmt.Errorf("path must be a non-null string")
	}
	cv, ok := attrs["content"]
	if !ok || cv.Type() != cty.String || cv.IsNull() {
		return "", "", 0, fmt.Errorf("content must be a non-null string")
	}

	mode = defaultMode
	if mv, ok := attrs["mode"]; ok && !mv.IsNull() {
		if mv.Type() != cty.String {
			return "", "", 0, fmt.Errorf("mode must be an octal string such as \"0644\"")
		}
		parsed, perr := strconv.ParseUint(mv.AsString(), 8, 32)
		if perr != nil {
			return "", "", 0, fmt.Errorf("parsing mode %q: %v", mv.AsString(), perr)
		}
		mode = os.FileMode(parsed)
	}
	return pv.AsString(), cv.AsString(), mode, nil
}

func finalAttrs(attrs map[string]cty.Value, content string) map[string]cty.Value {
	sum := sha256.Sum256([]byte(content))
	final := make(map[string]cty.Value, len(attrs)+1)
	for name, v := range attrs {
		final[name] = v
	}
	final["checksum"] = cty.StringVal(hex.EncodeToString(sum[:]))
	return final
}
