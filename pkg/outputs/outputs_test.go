package outputs

import (
	"errors"
	"testing"

	"github.com/zclconf/go-cty/cty"

	"github.com/reifyio/reify/pkg/config"
)

func parseOutputs(t *testing.T, src string) []*config.OutputBlock {
	t.Helper()
	f, err := config.Parse("test.hcl", []byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return f.Outputs
}

func finalValues() map[string]map[string]cty.Value {
	return map[string]map[string]cty.Value{
		"network.main": {
			"cidr": cty.StringVal("10.0.0.0/16"),
			"id":   cty.StringVal("vpc-123"),
		},
		"instance.web": {
			"name": cty.StringVal("web-1"),
			"ip":   cty.StringVal("10.0.0.5"),
		},
	}
}

func TestResolve(t *testing.T) {
	outs := parseOutputs(t, `
output "web_ip" {
  value = instance.web.ip
}

output "endpoint" {
  value = "${instance.web.ip}:8080"
}

output "static" {
  value = "fixed"
}
`)
	resolved, err := Resolve(outs, finalValues())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if resolved["web_ip"] != cty.StringVal("10.0.0.5") {
		t.Errorf("Unexpected web_ip: %#v", resolved["web_ip"])
	}
	if resolved["endpoint"] != cty.StringVal("10.0.0.5:8080") {
		t.Errorf("Unexpected endpoint: %#v", resolved["endpoint"])
	}
	if resolved["static"] != cty.StringVal("fixed") {
		t.Errorf("Unexpected static: %#v", resolved["static"])
	}

	names := Names(resolved)
	if len(names) != 3 || names[0] != "endpoint" || names[1] != "static" || names[2] != "web_ip" {
		t.Errorf("Expected sorted names, got %v", names)
	}
}

func TestResolve_UnknownReference(t *testing.T) {
	outs := parseOutputs(t, `
output "bad" {
  value = instance.missing.ip
}
`)
	_, err := Resolve(outs, finalValues())
	if err == nil {
		t.Fatal("Expected an error for a reference to a missing resource")
	}
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("Expected outputs.Error, got %T: %v", err, err)
	}
	if oerr.Output != "bad" {
		t.Errorf("Expected the error to name the output, got %q", oerr.Output)
	}
}

func TestResolve_UnknownValueRejected(t *testing.T) {
	outs := parseOutputs(t, `
output "pending" {
  value = instance.web.ip
}
`)
	final := finalValues()
	final["instance.web"]["ip"] = cty.UnknownVal(cty.String)

	_, err := Resolve(outs, final)
	if err == nil {
		t.Fatal("Expected an error for an unresolved value")
	}
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("Expected outputs.Error, got %T: %v", err, err)
	}
}
