package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		replaceWarningPolicy(),
		deleteAllWarningPolicy(),
	}
}

// replaceWarningPolicy flags planned replacements, since a replace destroys
// the existing object before or after creating its successor.
func replaceWarningPolicy() Policy {
	return Policy{
		Name:        "replace-warning",
		Description: "Warns when a plan will destroy and recreate a resource",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package reify.policies.replace

import rego.v1

deny contains violation if {
	some entry in input.entries
	entry.action == "replace"
	violation := {
		"message": sprintf("resource %s will be destroyed and recreated (forced by %s)", [entry.id, concat(", ", entry.forced_by)]),
		"resource": entry.id,
		"severity": "warning",
	}
}
`,
	}
}

// deleteAllWarningPolicy flags plans that delete every tracked resource
// while creating nothing, which usually means the configuration directory
// was empty by accident.
func deleteAllWarningPolicy() Policy {
	return Policy{
		Name:        "delete-all-warning",
		Description: "Warns when a plan deletes every resource and creates none",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package reify.policies.deleteall

import rego.v1

deny contains violation if {
	input.summary.delete > 0
	input.summary.create == 0
	input.summary.update == 0
	input.summary.no_op == 0
	violation := {
		"message": sprintf("plan deletes all %d tracked resources", [input.summary.delete]),
		"severity": "warning",
	}
}
`,
	}
}
