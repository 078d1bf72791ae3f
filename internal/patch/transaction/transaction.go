// Package transaction implements the Transaction Engine of spec.md
// §4.8: a named, user-facing operation (apply/remove/active/deactive/
// accept) fanned out over every patch an identifier resolves to, with
// automatic rollback of already-succeeded patches if any one of them
// fails. Grounded on original_source's daemon/src/patch/transaction.rs
// (PatchTransaction::start/rollback/invoke). Not to be confused with
// internal/patch/transition, the per-patch (from,to) action-list
// executor this package calls into (via Manager.Transition) to perform
// the rollback itself.
package transaction

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/syscare/syscared/internal/patch/abi"
	"github.com/syscare/syscared/internal/patch/manager"
)

// Action performs one user-facing operation against a single patch and
// returns the status it reached — e.g. (*manager.Manager).Active.
type Action func(ctx context.Context, mgr *manager.Manager, p *abi.Patch) (abi.PatchStatus, error)

// record pairs a patch that Action has already succeeded for with the
// status it held immediately before Action ran, so rollback can put it
// back exactly where it was.
type record struct {
	patch     *abi.Patch
	oldStatus abi.PatchStatus
}

// Transaction fans Action out over every patch Identifier resolves to
// (via Manager.MatchPatch: UUID first, then entity/patch/target name).
// If any patch's Action fails, every patch that already succeeded is
// rolled back to its pre-transaction status in reverse order before
// the error is returned.
type Transaction struct {
	Name       string
	Identifier string
	Action     Action
}

// Run resolves Identifier against mgr, executes Action for each
// matched patch in order, and on the first failure rolls back every
// already-succeeded patch (reverse order) via Manager.Transition.
// Rollback failures are logged, never masking the original error.
func (t *Transaction) Run(ctx context.Context, mgr *manager.Manager) error {
	log.G(ctx).Infof("transaction %q started", t.Name)

	patches, err := mgr.MatchPatch(t.Identifier)
	if err != nil {
		return fmt.Errorf("Transaction '%s' failed: %w", t.Name, err)
	}

	var finished []record
	for _, p := range patches {
		oldStatus, err := mgr.GetStatus(ctx, p)
		if err != nil {
			t.rollback(ctx, mgr, finished)
			return fmt.Errorf("Transaction '%s' failed: %w", t.Name, err)
		}

		if _, err := t.Action(ctx, mgr, p); err != nil {
			t.rollback(ctx, mgr, finished)
			return fmt.Errorf("Transaction '%s' failed: %w", t.Name, err)
		}
		finished = append(finished, record{patch: p, oldStatus: oldStatus})
	}

	log.G(ctx).Infof("transaction %q finished", t.Name)
	return nil
}

// rollback restores every patch in finished to its pre-transaction
// status, in reverse order (last-succeeded first), matching the
// original's Vec::pop-based unwind.
func (t *Transaction) rollback(ctx context.Context, mgr *manager.Manager, finished []record) {
	if len(finished) == 0 {
		return
	}
	log.G(ctx).Warnf("transaction %q rolling back", t.Name)
	for i := len(finished) - 1; i >= 0; i-- {
		r := finished[i]
		if _, err := mgr.Transition(ctx, r.patch, r.oldStatus); err != nil {
			log.G(ctx).WithError(err).Errorf("transaction %q: failed to roll back patch %q to %s", t.Name, r.patch, r.oldStatus)
		}
	}
	log.G(ctx).Warnf("transaction %q rolled back", t.Name)
}
