package policy

import "time"

// BuiltinPolicies returns the policies compiled into the binary. All of
// them are enabled by default; use SetEnabled or a same-named file
// policy to override.
func BuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		{
			Name:        "address-naming",
			Description: "Resource addresses must be lowercase alphanumeric with dots, hyphens, and underscores",
			Severity:    SeverityError,
			Tags:        []string{"naming"},
			Rego: `package loam.policies.naming

import rego.v1

deny contains violation if {
	not regex.match(` + "`^[a-z0-9_.-]+$`" + `, input.change.addr)
	violation := {
		"message": sprintf("address %q is not lowercase alphanumeric", [input.change.addr]),
		"severity": "error",
		"addr": input.change.addr,
	}
}
`,
		},
		{
			Name:        "protected-destroy",
			Description: "Changes must not destroy or replace a resource marked prevent_destroy",
			Severity:    SeverityCritical,
			Tags:        []string{"lifecycle"},
			Rego: `package loam.policies.lifecycle

import rego.v1

deny contains violation if {
	input.change.action in {"destroy", "replace"}
	input.change.lifecycle.prevent_destroy
	violation := {
		"message": sprintf("%s of %s is blocked by prevent_destroy", [input.change.action, input.change.addr]),
		"severity": "critical",
		"addr": input.change.addr,
	}
}
`,
		},
		{
			Name:        "mass-destroy",
			Description: "Flags change sets that destroy more than five resources at once",
			Severity:    SeverityWarning,
			Tags:        []string{"blast-radius"},
			Rego: `package loam.policies.blast_radius

import rego.v1

deny contains violation if {
	input.change.action == "destroy"
	input.summary.destroy > 5
	violation := {
		"message": sprintf("%s is part of a run destroying %d resources", [input.change.addr, input.summary.destroy]),
		"severity": "warning",
		"addr": input.change.addr,
	}
}
`,
		},
		{
			Name:        "replace-review",
			Description: "Reports which attribute forced each replacement",
			Severity:    SeverityInfo,
			Tags:        []string{"review"},
			Rego: `package loam.policies.review

import rego.v1

deny contains violation if {
	input.change.action == "replace"
	some attr, diff in input.change.diff
	diff.forces_replacement
	violation := {
		"message": sprintf("%s is replaced because %q changed", [input.change.addr, attr]),
		"severity": "info",
		"addr": input.change.addr,
	}
}
`,
		},
	}

	for i := range policies {
		policies[i].Enabled = true
		policies[i].CreatedAt = now
		policies[i].UpdatedAt = now
	}
	return policies
}
