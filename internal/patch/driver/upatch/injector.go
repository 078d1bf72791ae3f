// Package upatch implements the user-space patch driver: process
// discovery under /proc, per-target function conflict/override
// tracking, and live injection through the upatch kernel-assisted
// helper. Grounded on the original's patch/driver/upatch/mod.rs
// (UserPatchDriver) and manager/driver/upatch/ffi.rs (the C ABI this
// package's Injector mirrors via cgo).
package upatch

import (
	"github.com/google/uuid"

	"github.com/syscare/syscared/internal/patch/abi"
)

// Injector is the FFI seam to the upatch runtime library: loading a
// patch object into a target ELF's address space and toggling it for
// individual processes. Grounded on ffi.rs's extern "C" block
// (upatch_status/check/load/remove/active/deactive); cgoInjector in
// injector_cgo.go is the real implementation, built when cgo is enabled
// and linked against libupatch.
type Injector interface {
	// Status reports the on-disk load state of uuid, independent of
	// which processes currently have it active.
	Status(id uuid.UUID) (abi.PatchStatus, error)

	// Check verifies patchFile can be loaded against targetELF.
	Check(targetELF, patchFile string) error

	// Load loads patchFile into the runtime's bookkeeping for uuid
	// against targetELF. force bypasses the runtime's own safety
	// checks, mirroring PatchOpFlag::Force.
	Load(id uuid.UUID, targetELF, patchFile string, force bool) error

	// Remove unloads a previously-Load-ed patch.
	Remove(id uuid.UUID) error

	// Active injects the patch into each of pids and returns an error
	// when the runtime reports a failure. The driver calls it with one
	// pid at a time, so an error marks that pid as failed.
	Active(id uuid.UUID, pids []int) error

	// Deactive removes the patch from each of pids.
	Deactive(id uuid.UUID, pids []int) error
}

// sysInjector is the per-process entry point the driver calls; kept as
// a package-level var so tests can substitute a fake without needing
// the real cgo library loaded.
var sysInjector Injector = newCgoInjector()
