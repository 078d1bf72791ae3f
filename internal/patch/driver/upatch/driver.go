package upatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/syscare/syscared/internal/patch/abi"
	"github.com/syscare/syscared/internal/patch/monitor"
	"github.com/syscare/syscared/internal/patch/target"
	"github.com/syscare/syscared/pkg/fs"
)

// Driver is the user-space implementation of driver.Driver. Grounded
// on the original's UserPatchDriver (patch/driver/upatch/mod.rs).
type Driver struct {
	mu        sync.RWMutex
	status    map[uuid.UUID]abi.PatchStatus
	targets   map[string]*patchTarget // target ELF path -> target state
	monitor   *monitor.Monitor
}

// New constructs a user patch driver and starts its process monitor.
// Cancel ctx to stop the monitor's background goroutine.
func New(ctx context.Context) (*Driver, error) {
	d := &Driver{
		status:  make(map[uuid.UUID]abi.PatchStatus),
		targets: make(map[string]*patchTarget),
	}

	m, err := monitor.New(ctx, d.onTargetActivity)
	if err != nil {
		return nil, fmt.Errorf("upatch: failed to start monitor: %w", err)
	}
	d.monitor = m
	return d, nil
}

func (d *Driver) getStatus(id uuid.UUID) abi.PatchStatus {
	if s, ok := d.status[id]; ok {
		return s
	}
	return abi.StatusNotApplied
}

// Status reports the driver's tracked status for the patch.
func (d *Driver) Status(ctx context.Context, p *abi.Patch) (abi.PatchStatus, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getStatus(p.UUID), nil
}

// Check verifies the patch artefact's checksum. Compatibility checks
// are a no-op for user patches, matching the original.
func (d *Driver) Check(ctx context.Context, p *abi.Patch) error {
	ext := p.UserExt()
	sum, err := fs.DigestFile(ext.PatchFile)
	if err != nil {
		return abi.NewError(abi.ErrIO, p.UUID.String(), "failed to digest patch file", err)
	}
	if sum != p.Checksum {
		return abi.NewError(abi.ErrConsistencyFailure, p.UUID.String(), "patch consistency check failed", nil)
	}
	return nil
}

// Apply registers the patch's target ELF (creating its patchTarget if
// this is the first patch against it) and marks the patch Deactived.
func (d *Driver) Apply(ctx context.Context, p *abi.Patch) error {
	ext := p.UserExt()
	log.G(ctx).Infof("upatch: applying patch %q (%s)", p.UUID, ext.PatchFile)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.targets[ext.TargetELF]; !ok {
		d.targets[ext.TargetELF] = newPatchTarget()
	}
	d.status[p.UUID] = abi.StatusDeactived
	return nil
}

// Remove drops the patch's target registration (once nothing else
// patches it) and its tracked status.
func (d *Driver) Remove(ctx context.Context, p *abi.Patch) error {
	ext := p.UserExt()
	log.G(ctx).Infof("upatch: removing patch %q (%s)", p.UUID, ext.PatchFile)

	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.targets[ext.TargetELF]; ok && !t.isPatched() {
		delete(d.targets, ext.TargetELF)
	}
	delete(d.status, p.UUID)
	return nil
}

// checkConflictFunctions requires d.mu held for reading.
func (d *Driver) checkConflictFunctions(p *abi.Patch) error {
	ext := p.UserExt()
	t, ok := d.targets[ext.TargetELF]
	if !ok {
		return nil
	}
	uuids := target.ConflictUUIDs(t.functions.GetConflicts(ext.Functions))
	if len(uuids) == 0 {
		return nil
	}
	var msg strings.Builder
	msg.WriteString("Patch is conflicted with")
	for _, u := range uuids {
		fmt.Fprintf(&msg, "\n* Patch '%s'", u)
	}
	return abi.NewError(abi.ErrConflict, p.UUID.String(), msg.String(), nil)
}

// Active injects the patch into every currently running instance of
// its target. Partial per-process failure is tolerated (the patch is
// considered active as long as at least one process accepted it);
// total failure across all processes fails the operation, matching
// the original's "any ok => warn, none ok => bail" logic.
func (d *Driver) Active(ctx context.Context, p *abi.Patch) error {
	ext := p.UserExt()

	alive, err := findTargetProcesses(ext.TargetELF)
	if err != nil {
		return abi.NewError(abi.ErrIO, p.UUID.String(), "failed to enumerate target processes", err)
	}

	d.mu.Lock()

	if err := d.checkConflictFunctions(p); err != nil {
		d.mu.Unlock()
		return err
	}

	t, ok := d.targets[ext.TargetELF]
	if !ok {
		d.mu.Unlock()
		return abi.NewError(abi.ErrNotFound, p.UUID.String(), "cannot find patch target", nil)
	}
	if t.getPatch(p.UUID) != nil {
		d.mu.Unlock()
		return abi.NewError(abi.ErrConflict, p.UUID.String(), "patch already exists", nil)
	}
	ent := newEntity(ext.PatchFile)

	log.G(ctx).Infof("upatch: activating patch %q (%s) for %s", p.UUID, ext.PatchFile, ext.TargetELF)

	type attempt struct {
		pid int
		err error
	}
	var attempts []attempt
	for _, pid := range ent.needActived(alive) {
		err := sysInjector.Active(p.UUID, []int{pid})
		if err == nil {
			ent.addProcess(pid)
		} else {
			ent.ignoreProcess(pid)
		}
		attempts = append(attempts, attempt{pid, err})
	}

	anyOK := false
	for _, a := range attempts {
		if a.err == nil {
			anyOK = true
			break
		}
	}
	if !anyOK && len(attempts) > 0 {
		d.mu.Unlock()
		var msg strings.Builder
		msg.WriteString("failed to active patch")
		for _, a := range attempts {
			fmt.Fprintf(&msg, "\n* Process %d: %v", a.pid, a.err)
		}
		return abi.NewError(abi.ErrDriverFailure, p.UUID.String(), msg.String(), nil)
	}
	for _, a := range attempts {
		if a.err != nil {
			log.G(ctx).WithError(a.err).Warnf("upatch: failed to active patch %q for process %d", p.UUID, a.pid)
		}
	}

	needStartWatch := !t.isPatched()
	t.addPatch(p.UUID, ent)
	t.addFunctions(p.UUID, ext.Functions)
	d.status[p.UUID] = abi.StatusActived
	d.mu.Unlock()

	if needStartWatch {
		if err := d.monitor.WatchFile(ext.TargetELF); err != nil {
			return abi.NewError(abi.ErrIO, p.UUID.String(), "failed to start watching patch target", err)
		}
	}
	return nil
}

// Deactive removes the patch from every process still running it.
// Unlike Active, any single process failure fails the whole operation
// — matching the original's deactivate semantics, where a still-active
// injection left behind is unsafe to leave untracked.
func (d *Driver) Deactive(ctx context.Context, p *abi.Patch) error {
	ext := p.UserExt()

	alive, err := findTargetProcesses(ext.TargetELF)
	if err != nil {
		return abi.NewError(abi.ErrIO, p.UUID.String(), "failed to enumerate target processes", err)
	}

	d.mu.Lock()

	t, ok := d.targets[ext.TargetELF]
	if !ok {
		d.mu.Unlock()
		return abi.NewError(abi.ErrNotFound, p.UUID.String(), "cannot find patch target", nil)
	}
	ent := t.getPatch(p.UUID)
	if ent == nil {
		d.mu.Unlock()
		return abi.NewError(abi.ErrNotFound, p.UUID.String(), "cannot find patch entity", nil)
	}

	ent.cleanDeadProcess(alive)

	log.G(ctx).Infof("upatch: deactivating patch %q (%s) for %s", p.UUID, ext.PatchFile, ext.TargetELF)

	type attempt struct {
		pid int
		err error
	}
	ignored := ent.needIgnored(alive)
	var attempts []attempt
	for _, pid := range ent.needDeactived(alive) {
		if _, skip := ignored[pid]; skip {
			continue
		}
		err := sysInjector.Deactive(p.UUID, []int{pid})
		if err == nil {
			ent.removeProcess(pid)
		}
		attempts = append(attempts, attempt{pid, err})
	}

	var failed []attempt
	for _, a := range attempts {
		if a.err != nil {
			failed = append(failed, a)
		}
	}
	if len(failed) > 0 {
		d.mu.Unlock()
		var msg strings.Builder
		msg.WriteString("failed to deactive patch")
		for _, a := range failed {
			fmt.Fprintf(&msg, "\n* Process %d: %v", a.pid, a.err)
		}
		return abi.NewError(abi.ErrDriverFailure, p.UUID.String(), msg.String(), nil)
	}

	t.removePatch(p.UUID)
	t.removeFunctions(p.UUID, ext.Functions)
	needStopWatch := !t.isPatched()
	d.status[p.UUID] = abi.StatusDeactived
	d.mu.Unlock()

	if needStopWatch {
		if err := d.monitor.IgnoreFile(ext.TargetELF); err != nil {
			return abi.NewError(abi.ErrIO, p.UUID.String(), "failed to stop watching patch target", err)
		}
	}
	return nil
}

// onTargetActivity is the monitor callback: it re-scans targetELF's
// live processes and activates any active patch against newly started
// ones. Grounded on the original's UserPatchDriver::patch_new_process.
func (d *Driver) onTargetActivity(targetELF string) {
	alive, err := findTargetProcesses(targetELF)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.targets[targetELF]
	if !ok {
		return
	}

	for id, ent := range t.allPatches() {
		ent.cleanDeadProcess(alive)

		needActived := ent.needActived(alive)
		ignored := ent.needIgnored(alive)
		for _, pid := range needActived {
			if _, skip := ignored[pid]; skip {
				continue
			}
			if err := sysInjector.Active(id, []int{pid}); err != nil {
				ent.ignoreProcess(pid)
				continue
			}
			ent.addProcess(pid)
		}
	}
}
