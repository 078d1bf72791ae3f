// Package transition runs one status transition's action list against
// a single patch, stopping at the first failing action. This is the
// per-patch executor behind spec.md §4.7 (do_status_transition) — not
// to be confused with the multi-patch fan-out-with-rollback Transaction
// Engine of spec.md §4.8, which lives in internal/patch/transaction and
// calls this package's Executor to both drive patches forward and roll
// them back. Grounded on the original's PatchManager::
// do_status_transition, which executes TRANSITION_MAP's action_list in
// order and propagates the first error with `?` — there is no
// compensating rollback of already-applied actions within a single
// transition in the original, and this package preserves that: a
// failed transition leaves the patch in whatever intermediate status
// its last successful action produced, exactly as upstream does (a
// later Rescan/Status query reports that real state rather than a
// synthesized one). Rolling a patch back to a known-good status is the
// caller's job, via another call to Run with that status as the target.
package transition

import (
	"context"
	"fmt"

	"github.com/syscare/syscared/internal/patch/abi"
	"github.com/syscare/syscared/internal/patch/statemachine"
)

// ActionSet resolves an ActionKind to the function that performs it.
// The manager supplies this, since each action needs access to the
// manager's drivers and entry map.
type ActionSet map[statemachine.ActionKind]statemachine.Action

// Executor runs transitions against a fixed ActionSet.
type Executor struct {
	actions ActionSet
}

// New returns an Executor dispatching through actions.
func New(actions ActionSet) *Executor {
	return &Executor{actions: actions}
}

// Run executes every action for the (from, to) transition in order,
// stopping at the first error. It returns abi.ErrInvalidTransition if
// the pair is not in statemachine.Table.
func (e *Executor) Run(ctx context.Context, p *abi.Patch, from, to abi.PatchStatus) error {
	kinds, ok := statemachine.Lookup(from, to)
	if !ok {
		return abi.NewError(abi.ErrInvalidTransition, p.UUID.String(),
			fmt.Sprintf("no transition from %s to %s", from, to), nil)
	}

	for _, kind := range kinds {
		action, ok := e.actions[kind]
		if !ok {
			return abi.NewError(abi.ErrInvalidTransition, p.UUID.String(),
				fmt.Sprintf("no action registered for %s", kind), nil)
		}
		if err := action(ctx, p); err != nil {
			return fmt.Errorf("transition %s->%s: action %s failed: %w", from, to, kind, err)
		}
	}
	return nil
}
