package transaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/internal/patch/abi"
	"github.com/syscare/syscared/internal/patch/manager"
)

// fakeDriver is an in-memory driver.Driver used to exercise the
// transaction engine's rollback behavior without touching sysfs,
// insmod, or /proc.
type fakeDriver struct {
	status map[uuid.UUID]abi.PatchStatus
	calls  []string
	// failApply is the PatchName of the patch that should fail Apply,
	// to exercise the rollback path.
	failApply string
}

func newFakeDriver(failApply string) *fakeDriver {
	return &fakeDriver{status: make(map[uuid.UUID]abi.PatchStatus), failApply: failApply}
}

func (f *fakeDriver) Status(_ context.Context, p *abi.Patch) (abi.PatchStatus, error) {
	if s, ok := f.status[p.UUID]; ok {
		return s, nil
	}
	return abi.StatusNotApplied, nil
}

func (f *fakeDriver) Check(_ context.Context, _ *abi.Patch) error { return nil }

func (f *fakeDriver) Apply(_ context.Context, p *abi.Patch) error {
	f.calls = append(f.calls, "apply:"+p.PatchName)
	if p.PatchName == f.failApply {
		return fmt.Errorf("injected apply failure for %s", p.PatchName)
	}
	f.status[p.UUID] = abi.StatusDeactived
	return nil
}

func (f *fakeDriver) Remove(_ context.Context, p *abi.Patch) error {
	f.calls = append(f.calls, "remove:"+p.PatchName)
	f.status[p.UUID] = abi.StatusNotApplied
	return nil
}

func (f *fakeDriver) Active(_ context.Context, p *abi.Patch) error {
	f.calls = append(f.calls, "active:"+p.PatchName)
	f.status[p.UUID] = abi.StatusActived
	return nil
}

func (f *fakeDriver) Deactive(_ context.Context, p *abi.Patch) error {
	f.calls = append(f.calls, "deactive:"+p.PatchName)
	f.status[p.UUID] = abi.StatusDeactived
	return nil
}

// writePatchInfo drops a minimal kernel patch_info TOML so
// manager.Rescan (via the real store package) picks it up, giving the
// transaction engine's MatchPatch call real entries to resolve rather
// than reaching into manager's unexported entryMap.
func writePatchInfo(t *testing.T, dataDir, target, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	root := filepath.Join(dataDir, "patches", id.String())
	require.NoError(t, os.MkdirAll(root, 0o755))
	content := fmt.Sprintf(`
name = "%s"
version = 1
release = "1"
arch = "x86_64"
kind = "KernelPatch"
target = "%s"
target_pkg = "%s"
license = "GPL"
description = "test"
builder = "test"
`, name, target, target)
	require.NoError(t, os.WriteFile(filepath.Join(root, "patch_info"), []byte(content), 0o644))
	return id
}

func newTestManager(t *testing.T, failApply string) (*manager.Manager, *fakeDriver) {
	t.Helper()
	dataDir := t.TempDir()

	writePatchInfo(t, dataDir, "shared-target", "p1")
	writePatchInfo(t, dataDir, "shared-target", "p2")
	writePatchInfo(t, dataDir, "shared-target", "p3")

	fd := newFakeDriver(failApply)
	mgr := manager.New(dataDir, fd, fd)
	require.NoError(t, mgr.Initialize(context.Background()))
	return mgr, fd
}

func TestRunAppliesEveryMatchedPatch(t *testing.T) {
	mgr, fd := newTestManager(t, "")
	txn := &Transaction{
		Name:       "apply",
		Identifier: "shared-target",
		Action:     func(ctx context.Context, mgr *manager.Manager, p *abi.Patch) (abi.PatchStatus, error) { return mgr.Apply(ctx, p) },
	}

	err := txn.Run(context.Background(), mgr)
	require.NoError(t, err)
	assert.Contains(t, fd.calls, "apply:p1")
	assert.Contains(t, fd.calls, "apply:p2")
	assert.Contains(t, fd.calls, "apply:p3")
}

func TestRunRollsBackInReverseOrderOnFailure(t *testing.T) {
	mgr, fd := newTestManager(t, "p3")
	txn := &Transaction{
		Name:       "apply",
		Identifier: "shared-target",
		Action:     func(ctx context.Context, mgr *manager.Manager, p *abi.Patch) (abi.PatchStatus, error) { return mgr.Apply(ctx, p) },
	}

	err := txn.Run(context.Background(), mgr)
	require.Error(t, err)
	assert.EqualError(t, err, `Transaction 'apply' failed: transition NOT-APPLIED->DEACTIVED: action apply failed: failed to apply patch "shared-target/p3": injected apply failure for p3`)

	// p1 and p2 succeeded, then p3 failed; rollback restores p1 and p2
	// to NotApplied (their pre-transaction status) in reverse order.
	assert.Equal(t, []string{"apply:p1", "apply:p2", "apply:p3", "remove:p2", "remove:p1"}, fd.calls)

	for _, p := range mgr.GetPatchList() {
		status, err := mgr.GetStatus(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, abi.StatusNotApplied, status, "patch %s should have been rolled back", p.PatchName)
	}
}

func TestRunNoMatchFails(t *testing.T) {
	mgr, _ := newTestManager(t, "")
	txn := &Transaction{
		Name:       "apply",
		Identifier: "does-not-exist",
		Action:     func(ctx context.Context, mgr *manager.Manager, p *abi.Patch) (abi.PatchStatus, error) { return mgr.Apply(ctx, p) },
	}

	err := txn.Run(context.Background(), mgr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Transaction 'apply' failed")
}
