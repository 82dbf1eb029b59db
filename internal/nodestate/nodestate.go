// Package nodestate implements the node status lifecycle. All functions are
// pure: callers persist the returned status and act on the flags of the
// returned Transition.
package nodestate

import "meshmon/pkg/models"

// Outcome is the reachability verdict of one probe round for a node.
type Outcome int

const (
	// Unconfirmed means the node is in the topology but the probe got no
	// usable reply.
	Unconfirmed Outcome = iota
	// Confirmed means the probe got consistent replies.
	Confirmed
	// Duplicated means the probe got inconsistent duplicate replies.
	Duplicated
)

// Transition describes a status change and the side effects it implies.
type Transition struct {
	From models.NodeStatus
	To   models.NodeStatus

	NodeUp       bool
	NodeDown     bool
	DupedEntered bool
	SetFirstSeen bool
}

// Changed reports whether the status moves.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Unregistered returns the status of a node created for an address the
// registry does not know.
func Unregistered(renumberPending bool) models.NodeStatus {
	if renumberPending {
		return models.StatusAwaitingRenumber
	}
	return models.StatusInvalid
}

// Reachable computes the transition of a registered node that is present in
// the topology snapshot.
func Reachable(prev models.NodeStatus, firstSeenUnset bool, outcome Outcome) Transition {
	t := Transition{From: prev, To: prev}
	if isUnmanaged(prev) {
		return t
	}

	switch outcome {
	case Confirmed:
		t.To = models.StatusUp
	case Duplicated:
		t.To = models.StatusDuped
	default:
		t.To = models.StatusVisible
	}

	if isLive(t.To) {
		switch prev {
		case models.StatusDown, models.StatusPending, models.StatusNew:
			t.NodeUp = true
		}
		t.SetFirstSeen = firstSeenUnset
	}
	if t.To == models.StatusDuped && prev != models.StatusDuped {
		t.DupedEntered = true
	}
	return t
}

// Unreachable computes the transition of a registered node that is absent
// from the topology snapshot. A new node is given one cycle as pending
// before it is considered down.
func Unreachable(prev models.NodeStatus) Transition {
	t := Transition{From: prev, To: prev}
	if isUnmanaged(prev) {
		return t
	}

	if prev == models.StatusNew {
		t.To = models.StatusPending
		return t
	}
	t.To = models.StatusDown
	switch prev {
	case models.StatusUp, models.StatusVisible, models.StatusDuped:
		t.NodeDown = true
	}
	return t
}

// Dispatchable reports whether a node takes part in the probe round.
// Down is only ever assigned to nodes missing from the topology, so
// visibility covers its exclusion.
func Dispatchable(status models.NodeStatus, visible bool) bool {
	return visible && !isUnmanaged(status)
}

// Purgeable reports whether an unregistered node record should be removed
// after staying invisible for a whole cycle.
func Purgeable(status models.NodeStatus, visible bool) bool {
	return !visible && isUnmanaged(status)
}

// Unmanaged reports whether status belongs to a node the registry does not
// own (invalid or awaiting renumbering).
func Unmanaged(status models.NodeStatus) bool {
	return isUnmanaged(status)
}

func isUnmanaged(s models.NodeStatus) bool {
	return s == models.StatusInvalid || s == models.StatusAwaitingRenumber
}

func isLive(s models.NodeStatus) bool {
	return s == models.StatusUp || s == models.StatusVisible
}
