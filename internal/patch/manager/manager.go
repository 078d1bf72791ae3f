// Package manager implements the Patch Manager Facade: the in-memory
// entry map, status queries, and lifecycle operations (Apply, Remove,
// Active, Deactive, Accept, Save, Restore, Rescan) that drive patches
// through the state machine via the per-patch transition executor.
// Grounded on the original's PatchManager (daemon/src/patch/manager/
// mod.rs), carried over method-for-method including its locking
// discipline (entry_map guarded independently of the per-kind drivers)
// and its tolerant rescan/restore behavior. The multi-patch fan-out-
// with-rollback Transaction Engine (spec.md §4.8) is a separate,
// higher-level package (internal/patch/transaction) built on top of
// this Manager's exported Transition/MatchPatch/GetStatus methods.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/syscare/syscared/internal/patch/abi"
	"github.com/syscare/syscared/internal/patch/driver"
	"github.com/syscare/syscared/internal/patch/persist"
	"github.com/syscare/syscared/internal/patch/statemachine"
	"github.com/syscare/syscared/internal/patch/store"
	"github.com/syscare/syscared/internal/patch/transition"
)

// Manager owns every installed patch's in-memory entry and dispatches
// lifecycle operations to the kind-appropriate driver.
type Manager struct {
	dataDir string
	store   *store.Store
	drivers map[abi.Kind]driver.Driver

	mu       sync.RWMutex
	entryMap map[uuid.UUID]*abi.PatchEntry

	txnMu sync.Mutex // serializes status transitions, like the original's call_driver access pattern
	engine *transition.Executor
}

// New constructs a Manager rooted at dataDir, dispatching kernel and
// user patch operations to the given drivers.
func New(dataDir string, kernelDriver, userDriver driver.Driver) *Manager {
	m := &Manager{
		dataDir: dataDir,
		store:   store.New(dataDir),
		drivers: map[abi.Kind]driver.Driver{
			abi.KernelPatch: kernelDriver,
			abi.UserPatch:   userDriver,
		},
		entryMap: make(map[uuid.UUID]*abi.PatchEntry),
	}
	m.engine = transition.New(transition.ActionSet{
		statemachine.ActionApply:    m.driverApply,
		statemachine.ActionRemove:   m.driverRemove,
		statemachine.ActionActive:   m.driverActive,
		statemachine.ActionDeactive: m.driverDeactive,
		statemachine.ActionAccept:   m.doAccept,
		statemachine.ActionDecline:  m.doDecline,
	})
	return m
}

// Initialize points the manager at dataDir's patches subdirectory and
// performs the initial scan.
func (m *Manager) Initialize(ctx context.Context) error {
	return m.Rescan(ctx)
}

// Rescan adds any newly discovered patch to the entry map (status
// Unknown until first queried) without disturbing already-tracked
// entries. The map itself is unordered; GetPatchList and MatchPatch
// sort their results by entity name.
func (m *Manager) Rescan(ctx context.Context) error {
	patches, err := m.store.Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan patches: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range patches {
		if _, ok := m.entryMap[p.UUID]; ok {
			continue
		}
		m.entryMap[p.UUID] = &abi.PatchEntry{Patch: p, Status: abi.StatusUnknown}
	}
	return nil
}

// GetPatchList returns every tracked patch, sorted by entity name.
func (m *Manager) GetPatchList() []*abi.Patch {
	m.mu.RLock()
	defer m.mu.RUnlock()

	patches := make([]*abi.Patch, 0, len(m.entryMap))
	for _, e := range m.entryMap {
		patches = append(patches, e.Patch)
	}
	sort.Slice(patches, func(i, j int) bool { return patches[i].EntityName < patches[j].EntityName })
	return patches
}

// MatchPatch resolves identifier against a UUID first, then falls back
// to matching entity name, patch name, or target name.
func (m *Manager) MatchPatch(identifier string) ([]*abi.Patch, error) {
	if id, err := uuid.Parse(identifier); err == nil {
		m.mu.RLock()
		entry, ok := m.entryMap[id]
		m.mu.RUnlock()
		if ok {
			return []*abi.Patch{entry.Patch}, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*abi.Patch
	for _, e := range m.entryMap {
		p := e.Patch
		if identifier == p.EntityName || identifier == p.PatchName || identifier == p.TargetName {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return nil, abi.NewError(abi.ErrNotFound, identifier, "cannot match any patch", nil)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].EntityName < matched[j].EntityName })
	return matched, nil
}

func (m *Manager) getEntry(id uuid.UUID) (*abi.PatchEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entryMap[id]
	if !ok {
		return nil, abi.NewError(abi.ErrNotFound, id.String(), "cannot find patch", nil)
	}
	return e, nil
}

func (m *Manager) setStatus(id uuid.UUID, status abi.PatchStatus) error {
	if status == abi.StatusUnknown {
		return abi.NewError(abi.ErrInvalidTransition, id.String(), fmt.Sprintf("cannot set patch status to %s", status), nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entryMap[id]
	if !ok {
		return abi.NewError(abi.ErrNotFound, id.String(), "cannot find patch", nil)
	}
	e.Status = status
	return nil
}

// GetStatus returns the patch's status, resolving it from the driver
// the first time it is asked (status Unknown) and caching the result.
func (m *Manager) GetStatus(ctx context.Context, p *abi.Patch) (abi.PatchStatus, error) {
	entry, err := m.getEntry(p.UUID)
	if err != nil {
		return abi.StatusUnknown, err
	}
	if entry.Status != abi.StatusUnknown {
		return entry.Status, nil
	}

	status, err := m.driverFor(p).Status(ctx, p)
	if err != nil {
		return abi.StatusUnknown, fmt.Errorf("failed to get patch %q status: %w", p, err)
	}
	if err := m.setStatus(p.UUID, status); err != nil {
		return abi.StatusUnknown, fmt.Errorf("failed to set patch %q status: %w", p, err)
	}
	return status, nil
}

func (m *Manager) driverFor(p *abi.Patch) driver.Driver {
	return m.drivers[p.Kind]
}

// Apply drives a patch to Deactived (applied but not running).
func (m *Manager) Apply(ctx context.Context, p *abi.Patch) (abi.PatchStatus, error) {
	log.G(ctx).Infof("apply patch %q", p)
	return m.transition(ctx, p, abi.StatusDeactived)
}

// Remove drives a patch back to NotApplied.
func (m *Manager) Remove(ctx context.Context, p *abi.Patch) (abi.PatchStatus, error) {
	log.G(ctx).Infof("remove patch %q", p)
	return m.transition(ctx, p, abi.StatusNotApplied)
}

// Active activates an already-applied patch.
func (m *Manager) Active(ctx context.Context, p *abi.Patch) (abi.PatchStatus, error) {
	log.G(ctx).Infof("active patch %q", p)
	current, err := m.GetStatus(ctx, p)
	if err != nil {
		return abi.StatusUnknown, err
	}
	if current == abi.StatusNotApplied {
		return abi.StatusUnknown, abi.NewError(abi.ErrInvalidTransition, p.UUID.String(), fmt.Sprintf("patch %q is not applied", p), nil)
	}
	return m.transition(ctx, p, abi.StatusActived)
}

// Deactive deactivates an active patch.
func (m *Manager) Deactive(ctx context.Context, p *abi.Patch) (abi.PatchStatus, error) {
	log.G(ctx).Infof("deactive patch %q", p)
	current, err := m.GetStatus(ctx, p)
	if err != nil {
		return abi.StatusUnknown, err
	}
	if current == abi.StatusNotApplied {
		return abi.StatusUnknown, abi.NewError(abi.ErrInvalidTransition, p.UUID.String(), fmt.Sprintf("patch %q is not applied", p), nil)
	}
	return m.transition(ctx, p, abi.StatusDeactived)
}

// Accept marks an active patch accepted (survives restore after
// upgrade/rollback windows close).
func (m *Manager) Accept(ctx context.Context, p *abi.Patch) (abi.PatchStatus, error) {
	log.G(ctx).Infof("accept patch %q", p)
	current, err := m.GetStatus(ctx, p)
	if err != nil {
		return abi.StatusUnknown, err
	}
	if current != abi.StatusActived {
		return abi.StatusUnknown, abi.NewError(abi.ErrInvalidTransition, p.UUID.String(), fmt.Sprintf("patch %q is not actived", p), nil)
	}
	return m.transition(ctx, p, abi.StatusAccepted)
}

// Transition drives p directly to target, bypassing the precondition
// guards Active/Deactive/Accept enforce on top of it. It is exported
// for internal/patch/transaction's rollback path, which must restore a
// patch to an arbitrary previously-observed status regardless of
// whether that status would normally be a legal entry point for the
// named operation that is rolling back.
func (m *Manager) Transition(ctx context.Context, p *abi.Patch, target abi.PatchStatus) (abi.PatchStatus, error) {
	return m.transition(ctx, p, target)
}

// transition drives p from its current status to target, serialized
// against other transitions so two concurrent operations on the same
// or overlapping targets cannot interleave their driver calls.
func (m *Manager) transition(ctx context.Context, p *abi.Patch, target abi.PatchStatus) (abi.PatchStatus, error) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()

	current, err := m.GetStatus(ctx, p)
	if err != nil {
		return abi.StatusUnknown, err
	}
	if current == target {
		return target, nil
	}

	if err := m.engine.Run(ctx, p, current, target); err != nil {
		log.G(ctx).WithError(err).Warnf("patch %q: invalid or failed transition from %s to %s", p, current, target)
		return abi.StatusUnknown, err
	}

	final, err := m.GetStatus(ctx, p)
	if err != nil {
		return abi.StatusUnknown, err
	}
	if final != target {
		return abi.StatusUnknown, abi.NewError(abi.ErrInvalidTransition, p.UUID.String(),
			fmt.Sprintf("patch %q did not reach status %s", p, target), nil)
	}
	return final, nil
}

func (m *Manager) driverApply(ctx context.Context, p *abi.Patch) error {
	d := m.driverFor(p)
	if err := d.Check(ctx, p); err != nil {
		return fmt.Errorf("patch %q check failed: %w", p, err)
	}
	if err := d.Apply(ctx, p); err != nil {
		return fmt.Errorf("failed to apply patch %q: %w", p, err)
	}
	return m.setStatus(p.UUID, abi.StatusDeactived)
}

func (m *Manager) driverRemove(ctx context.Context, p *abi.Patch) error {
	if err := m.driverFor(p).Remove(ctx, p); err != nil {
		return fmt.Errorf("failed to remove patch %q: %w", p, err)
	}
	return m.setStatus(p.UUID, abi.StatusNotApplied)
}

func (m *Manager) driverActive(ctx context.Context, p *abi.Patch) error {
	if err := m.driverFor(p).Active(ctx, p); err != nil {
		return fmt.Errorf("failed to active patch %q: %w", p, err)
	}
	return m.setStatus(p.UUID, abi.StatusActived)
}

func (m *Manager) driverDeactive(ctx context.Context, p *abi.Patch) error {
	if err := m.driverFor(p).Deactive(ctx, p); err != nil {
		return fmt.Errorf("failed to deactive patch %q: %w", p, err)
	}
	return m.setStatus(p.UUID, abi.StatusDeactived)
}

func (m *Manager) doAccept(_ context.Context, p *abi.Patch) error {
	return m.setStatus(p.UUID, abi.StatusAccepted)
}

func (m *Manager) doDecline(_ context.Context, p *abi.Patch) error {
	return m.setStatus(p.UUID, abi.StatusActived)
}

// Save persists every tracked patch's current status (any Unknown
// status is resolved from its driver first) to the data directory's
// status file.
func (m *Manager) Save(ctx context.Context) error {
	log.G(ctx).Info("saving all patch status")

	for _, p := range m.GetPatchList() {
		if _, err := m.GetStatus(ctx, p); err != nil {
			return fmt.Errorf("failed to refresh patch %q status: %w", p, err)
		}
	}

	m.mu.RLock()
	status := make(map[uuid.UUID]abi.PatchStatus, len(m.entryMap))
	for id, e := range m.entryMap {
		status[id] = e.Status
	}
	m.mu.RUnlock()

	if err := persist.Save(persist.StatusFile(m.dataDir), status); err != nil {
		return fmt.Errorf("failed to write patch status file: %w", err)
	}
	log.G(ctx).Info("all patch status were saved")
	return nil
}

// Restore replays the saved status file's entries in removal-first
// order. When acceptedOnly is set, only patches saved as Accepted are
// restored — the daemon's fast-path after a managed reboot.
func (m *Manager) Restore(ctx context.Context, acceptedOnly bool) error {
	entries, err := persist.Load(persist.StatusFile(m.dataDir))
	if err != nil {
		return fmt.Errorf("failed to read patch status file: %w", err)
	}
	if entries == nil {
		log.G(ctx).Warn("cannot find patch status file")
		return nil
	}

	log.G(ctx).Info("restoring all patch status")
	for _, entry := range entries {
		m.mu.RLock()
		e, ok := m.entryMap[entry.UUID]
		m.mu.RUnlock()
		if !ok {
			log.G(ctx).Warnf("cannot find patch %q, skipped", entry.UUID)
			continue
		}
		if acceptedOnly && entry.Status != abi.StatusAccepted {
			log.G(ctx).Infof("skipped patch %q, status is not %s", e.Patch, abi.StatusAccepted)
			continue
		}

		if _, err := m.transition(ctx, e.Patch, entry.Status); err != nil {
			return fmt.Errorf("failed to restore patch %q: %w", e.Patch, err)
		}
	}
	log.G(ctx).Info("all patch status were restored")
	return nil
}
