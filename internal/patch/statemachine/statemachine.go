// Package statemachine holds the patch lifecycle's transition table: a
// declarative map from (current, target) status pairs to the ordered
// list of actions that carry a patch between them. Grounded exactly on
// the original's TRANSITION_MAP (daemon/src/patch/manager/mod.rs).
package statemachine

import (
	"context"
	"fmt"

	"github.com/syscare/syscared/internal/patch/abi"
)

// Action performs one step of a transition against patch p.
type Action func(ctx context.Context, p *abi.Patch) error

// ActionKind names an Action for logging and testing without
// depending on function identity.
type ActionKind int

const (
	ActionApply ActionKind = iota
	ActionRemove
	ActionActive
	ActionDeactive
	ActionAccept
	ActionDecline
)

func (k ActionKind) String() string {
	switch k {
	case ActionApply:
		return "apply"
	case ActionRemove:
		return "remove"
	case ActionActive:
		return "active"
	case ActionDeactive:
		return "deactive"
	case ActionAccept:
		return "accept"
	case ActionDecline:
		return "decline"
	default:
		return "unknown"
	}
}

type transition struct {
	from, to abi.PatchStatus
}

// Table is the transition map: driven entirely by data, the same
// shape as the original's lazy_static TRANSITION_MAP, so adding a new
// reachable status pair never touches engine logic.
var Table = map[transition][]ActionKind{
	{abi.StatusNotApplied, abi.StatusDeactived}: {ActionApply},
	{abi.StatusNotApplied, abi.StatusActived}:   {ActionApply, ActionActive},
	{abi.StatusNotApplied, abi.StatusAccepted}:  {ActionApply, ActionActive, ActionAccept},

	{abi.StatusDeactived, abi.StatusNotApplied}: {ActionRemove},
	{abi.StatusDeactived, abi.StatusActived}:    {ActionActive},
	{abi.StatusDeactived, abi.StatusAccepted}:   {ActionActive, ActionAccept},

	{abi.StatusActived, abi.StatusNotApplied}: {ActionDeactive, ActionRemove},
	{abi.StatusActived, abi.StatusDeactived}:  {ActionDeactive},
	{abi.StatusActived, abi.StatusAccepted}:   {ActionAccept},

	{abi.StatusAccepted, abi.StatusNotApplied}: {ActionDecline, ActionDeactive, ActionRemove},
	{abi.StatusAccepted, abi.StatusDeactived}:  {ActionDecline, ActionDeactive},
	{abi.StatusAccepted, abi.StatusActived}:    {ActionDecline},
}

// Lookup returns the ordered action list for the (from, to) pair, and
// whether that pair is a recognized transition.
func Lookup(from, to abi.PatchStatus) ([]ActionKind, bool) {
	actions, ok := Table[transition{from, to}]
	return actions, ok
}

// ErrInvalidTransition describes a (from, to) pair that has no entry
// in Table. transition.Executor.Run does not return this type; it
// reports such a pair as abi.ErrInvalidTransition.
type ErrInvalidTransition struct {
	From, To abi.PatchStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("no transition from %s to %s", e.From, e.To)
}
