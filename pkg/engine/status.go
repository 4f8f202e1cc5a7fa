package engine

import "fmt"

// Action is the reconciliation action computed for one node.
type Action string

const (
	// ActionCreate creates a resource with no state record.
	ActionCreate Action = "create"

	// ActionUpdate updates a resource in place.
	ActionUpdate Action = "update"

	// ActionReplace destroys and recreates a resource because a changed
	// attribute forces replacement.
	ActionReplace Action = "replace"

	// ActionDestroy removes a resource that is no longer declared.
	ActionDestroy Action = "destroy"

	// ActionNoop leaves a resource untouched.
	ActionNoop Action = "noop"
)

// IsDestructive reports whether the action removes a remote object.
func (a Action) IsDestructive() bool {
	return a == ActionDestroy || a == ActionReplace
}

// Validate checks that the action is one of the known values.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionReplace, ActionDestroy, ActionNoop:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// Symbol returns the single-character plan rendering for the action.
func (a Action) Symbol() string {
	switch a {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionReplace:
		return "±"
	case ActionDestroy:
		return "-"
	default:
		return " "
	}
}

// NodeStatus is the per-node execution state machine:
// Pending -> Planned -> Applying -> Applied | Failed, with Skipped for
// nodes downstream of a failure.
type NodeStatus string

const (
	// NodeStatusPending indicates the node has not been scheduled yet.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusPlanned indicates the node's change has been computed.
	NodeStatusPlanned NodeStatus = "planned"

	// NodeStatusApplying indicates a provider call is in flight.
	NodeStatusApplying NodeStatus = "applying"

	// NodeStatusApplied indicates the change succeeded and its result was
	// committed to the state store.
	NodeStatusApplied NodeStatus = "applied"

	// NodeStatusFailed indicates the change failed permanently.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusSkipped indicates the node was not attempted because a
	// dependency failed.
	NodeStatusSkipped NodeStatus = "skipped"
)

// IsTerminal reports whether the status is final.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusApplied || s == NodeStatusFailed || s == NodeStatusSkipped
}

// Validate checks that the status is one of the known values.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusPending, NodeStatusPlanned, NodeStatusApplying,
		NodeStatusApplied, NodeStatusFailed, NodeStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every node applied.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates some nodes applied while others failed
	// or were skipped.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates no node applied successfully.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before finishing.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}
