// Package driver defines the contract both the kernel and user patch
// drivers satisfy. Grounded on the original's trait PatchDriver
// (patch/manager/driver/mod.rs in spirit; the concrete kpatch/upatch
// modules each implement the same six operations against their own
// backend), expressed here as a plain Go interface the way the teacher
// expresses its plugin/runtime seams.
package driver

import (
	"context"

	"github.com/syscare/syscared/internal/patch/abi"
)

// Driver applies, removes, and toggles one patch against its target. A
// Driver implementation owns the under-the-hood mechanism (sysfs +
// insmod/rmmod for the kernel, an injector FFI for user space) but
// exposes the same state-machine-facing surface to the manager.
type Driver interface {
	// Status reports the current on-target status of p, independent of
	// whatever the manager's in-memory PatchEntry currently records.
	Status(ctx context.Context, p *abi.Patch) (abi.PatchStatus, error)

	// Check verifies p before it is applied. What is checked depends on
	// the driver: the kernel driver checks kernel compatibility, the
	// checksum, target module presence and symbol conflicts; the user
	// driver checks the checksum only. Neither checks overrides here.
	Check(ctx context.Context, p *abi.Patch) error

	// Apply loads p onto its target without activating it (NotApplied
	// -> Deactived).
	Apply(ctx context.Context, p *abi.Patch) error

	// Remove unloads p from its target (Deactived -> NotApplied).
	Remove(ctx context.Context, p *abi.Patch) error

	// Active activates a loaded patch (Deactived -> Actived).
	Active(ctx context.Context, p *abi.Patch) error

	// Deactive deactivates an active patch (Actived -> Deactived).
	Deactive(ctx context.Context, p *abi.Patch) error
}
