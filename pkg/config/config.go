// Package config parses declarative HCL configuration into resource blocks
// and output declarations, and loads the engine's runtime settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// ResourceBlock is one `resource "kind" "name" { ... }` block. The block
// body holds attribute expressions; references to other resources are plain
// traversals of the form kind.name.attribute.
type ResourceBlock struct {
	Kind string   `hcl:"kind,label"`
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`

	// Attrs maps attribute names to their unevaluated expressions.
	// Populated during parsing from the block body.
	Attrs map[string]hcl.Expression

	// DeclRange is where the block was declared, for diagnostics.
	DeclRange hcl.Range
}

// Addr returns the resource identifier, unique within a configuration.
func (r *ResourceBlock) Addr() string {
	return r.Kind + "." + r.Name
}

// OutputBlock is one `output "name" { value = ... }` block.
type OutputBlock struct {
	Name  string         `hcl:"name,label"`
	Value hcl.Expression `hcl:"value"`
}

// File is a parsed configuration: the set of declared resources and outputs.
type File struct {
	Resources []*ResourceBlock
	Outputs   []*OutputBlock
}

// ParseError reports configuration syntax problems.
type ParseError struct {
	Filename string
	Diags    hcl.Diagnostics
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if len(e.Diags) == 0 {
		return fmt.Sprintf("invalid configuration in %s", e.Filename)
	}
	msgs := make([]string, 0, len(e.Diags))
	for _, d := range e.Diags {
		msgs = append(msgs, d.Error())
	}
	return fmt.Sprintf("invalid configuration in %s: %s", e.Filename, strings.Join(msgs, "; "))
}

// body mirrors the top-level structure of a configuration file for gohcl.
type body struct {
	Resources []*ResourceBlock `hcl:"resource,block"`
	Outputs   []*OutputBlock   `hcl:"output,block"`
}

// Parse parses a single configuration source. The filename is used only for
// diagnostics.
func Parse(filename string, src []byte) (*File, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, &ParseError{Filename: filename, Diags: diags}
	}

	var root body
	diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
	if diags.HasErrors() {
		return nil, &ParseError{Filename: filename, Diags: diags}
	}

	file := &File{
		Resources: root.Resources,
		Outputs:   root.Outputs,
	}

	seen := make(map[string]bool)
	for _, res := range file.Resources {
		addr := res.Addr()
		if seen[addr] {
			return nil, &ParseError{
				Filename: filename,
				Diags: hcl.Diagnostics{{
					Severity: hcl.DiagError,
					Summary:  "Duplicate resource",
					Detail:   fmt.Sprintf("A resource named %q was already declared.", addr),
				}},
			}
		}
		seen[addr] = true
		res.DeclRange = res.Body.MissingItemRange()

		attrs, attrDiags := res.Body.JustAttributes()
		if attrDiags.HasErrors() {
			return nil, &ParseError{Filename: filename, Diags: attrDiags}
		}

		res.Attrs = make(map[string]hcl.Expression, len(attrs))
		for name, attr := range attrs {
			res.Attrs[name] = attr.Expr
		}
	}

	seenOutputs := make(map[string]bool)
	for _, out := range file.Outputs {
		if seenOutputs[out.Name] {
			return nil, &ParseError{
				Filename: filename,
				Diags: hcl.Diagnostics{{
					Severity: hcl.DiagError,
					Summary:  "Duplicate output",
					Detail:   fmt.Sprintf("An output named %q was already declared.", out.Name),
				}},
			}
		}
		seenOutputs[out.Name] = true
	}

	return file, nil
}

// ParseFile parses a configuration file from disk.
func ParseFile(path string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	return Parse(path, src)
}

// ParseDir parses and merges all *.hcl files in a directory, in lexical
// filename order so repeated parses see identical declaration ordering.
func ParseDir(dir string) (*File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".hcl") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, &ParseError{
			Filename: dir,
			Diags: hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "No configuration files",
				Detail:   fmt.Sprintf("Directory %s contains no *.hcl files.", dir),
			}},
		}
	}

	merged := &File{}
	seen := make(map[string]string)
	seenOutputs := make(map[string]string)

	for _, name := range names {
		path := filepath.Join(dir, name)
		file, err := ParseFile(path)
		if err != nil {
			return nil, err
		}

		for _, res := range file.Resources {
			if prev, dup := seen[res.Addr()]; dup {
				return nil, &ParseError{
					Filename: path,
					Diags: hcl.Diagnostics{{
						Severity: hcl.DiagError,
						Summary:  "Duplicate resource",
						Detail:   fmt.Sprintf("Resource %q was already declared in %s.", res.Addr(), prev),
					}},
				}
			}
			seen[res.Addr()] = path
			merged.Resources = append(merged.Resources, res)
		}
		for _, out := range file.Outputs {
			if prev, dup := seenOutputs[out.Name]; dup {
				return nil, &ParseError{
					Filename: path,
					Diags: hcl.Diagnostics{{
						Severity: hcl.DiagError,
						Summary:  "Duplicate output",
						Detail:   fmt.Sprintf("Output %q was already declared in %s.", out.Name, prev),
					}},
				}
			}
			seenOutputs[out.Name] = path
			merged.Outputs = append(merged.Outputs, out)
		}
	}

	return merged, nil
}
