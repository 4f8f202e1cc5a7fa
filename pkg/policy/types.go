package policy

import (
	"time"

	"github.com/loamctl/loam/pkg/engine"
)

// Severity is the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run and should page someone.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation at this severity prevents apply.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one named Rego rule set evaluated against planned changes.
type Policy struct {
	// Name uniquely identifies the policy.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source. The package must expose a deny set whose
	// members are violation objects with message, severity, and addr keys.
	Rego string `json:"rego"`

	// Severity is the default severity when a violation omits its own.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy participates in evaluation.
	Enabled bool `json:"enabled"`

	// Tags label the policy for filtering and reporting.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the policy was first loaded.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy source last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one policy finding against one planned change.
type Violation struct {
	// Policy names the violated policy.
	Policy string `json:"policy"`

	// Addr is the address of the offending resource, when known.
	Addr string `json:"addr,omitempty"`

	// Message describes the violation.
	Message string `json:"message"`

	// Severity is the violation severity.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was found.
	DetectedAt time.Time `json:"detected_at"`
}

// Result is the outcome of evaluating all enabled policies against a
// change set.
type Result struct {
	// Allowed is false when any violation carries a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations lists every finding, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate; an evaluation
	// error never silently passes a policy.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies names the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is the total evaluation time.
	Duration time.Duration `json:"duration"`
}

// Blocking returns only the violations that prevent apply.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document a policy sees for one planned change. It is
// marshalled to JSON before evaluation, so Rego sees plain objects.
type Input struct {
	// Change is the planned change under evaluation.
	Change *ChangeInput `json:"change"`

	// Summary aggregates the whole change set by action.
	Summary engine.Summary `json:"summary"`

	// Workspace is the workspace the run targets.
	Workspace string `json:"workspace"`

	// Operation is what the caller is about to do: plan, apply, destroy.
	Operation string `json:"operation"`

	// Timestamp is when evaluation started.
	Timestamp time.Time `json:"timestamp"`
}

// ChangeInput is the policy-visible shape of one planned change.
type ChangeInput struct {
	Addr      string                     `json:"addr"`
	Action    string                     `json:"action"`
	Provider  string                     `json:"provider"`
	Reason    string                     `json:"reason"`
	Diff      map[string]engine.AttrDiff `json:"diff,omitempty"`
	Desired   engine.Attrs               `json:"desired,omitempty"`
	Lifecycle engine.Lifecycle           `json:"lifecycle"`
}
