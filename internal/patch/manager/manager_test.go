package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/internal/patch/abi"
)

// fakeDriver is an in-memory driver.Driver used to exercise the
// manager's transitions without touching sysfs, insmod, or /proc.
type fakeDriver struct {
	status map[uuid.UUID]abi.PatchStatus
	calls  []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{status: make(map[uuid.UUID]abi.PatchStatus)}
}

func (f *fakeDriver) Status(_ context.Context, p *abi.Patch) (abi.PatchStatus, error) {
	if s, ok := f.status[p.UUID]; ok {
		return s, nil
	}
	return abi.StatusNotApplied, nil
}

func (f *fakeDriver) Check(_ context.Context, p *abi.Patch) error {
	f.calls = append(f.calls, "check:"+p.UUID.String())
	return nil
}

func (f *fakeDriver) Apply(_ context.Context, p *abi.Patch) error {
	f.calls = append(f.calls, "apply:"+p.UUID.String())
	f.status[p.UUID] = abi.StatusDeactived
	return nil
}

func (f *fakeDriver) Remove(_ context.Context, p *abi.Patch) error {
	f.calls = append(f.calls, "remove:"+p.UUID.String())
	f.status[p.UUID] = abi.StatusNotApplied
	return nil
}

func (f *fakeDriver) Active(_ context.Context, p *abi.Patch) error {
	f.calls = append(f.calls, "active:"+p.UUID.String())
	f.status[p.UUID] = abi.StatusActived
	return nil
}

func (f *fakeDriver) Deactive(_ context.Context, p *abi.Patch) error {
	f.calls = append(f.calls, "deactive:"+p.UUID.String())
	f.status[p.UUID] = abi.StatusDeactived
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeDriver, *abi.Patch) {
	t.Helper()
	dataDir := t.TempDir()

	id := uuid.New()
	p := &abi.Patch{
		UUID:       id,
		Kind:       abi.KernelPatch,
		EntityName: "kernel-5.10.0/hotfix-1",
		PatchName:  "hotfix-1",
		TargetName: "kernel-5.10.0",
		Ext:        &abi.KernelPatchExt{ModuleName: "kpatch_hotfix_1"},
	}

	fd := newFakeDriver()
	mgr := New(dataDir, fd, fd)
	mgr.entryMap[id] = &abi.PatchEntry{Patch: p, Status: abi.StatusNotApplied}
	return mgr, fd, p
}

func TestApplyActiveAccept(t *testing.T) {
	mgr, _, p := newTestManager(t)
	ctx := context.Background()

	status, err := mgr.Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, abi.StatusDeactived, status)

	status, err = mgr.Active(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, abi.StatusActived, status)

	status, err = mgr.Accept(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, abi.StatusAccepted, status)
}

func TestActiveRequiresApplied(t *testing.T) {
	mgr, _, p := newTestManager(t)
	_, err := mgr.Active(context.Background(), p)
	require.Error(t, err)
	assert.True(t, abi.IsInvalidTransition(err))
}

func TestAcceptRequiresActived(t *testing.T) {
	mgr, _, p := newTestManager(t)
	ctx := context.Background()
	_, err := mgr.Apply(ctx, p)
	require.NoError(t, err)

	_, err = mgr.Accept(ctx, p)
	require.Error(t, err)
	assert.True(t, abi.IsInvalidTransition(err))
}

func TestRemoveFromAcceptedDeclinesFirst(t *testing.T) {
	mgr, fd, p := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Apply(ctx, p)
	require.NoError(t, err)
	_, err = mgr.Active(ctx, p)
	require.NoError(t, err)
	_, err = mgr.Accept(ctx, p)
	require.NoError(t, err)

	status, err := mgr.Remove(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, abi.StatusNotApplied, status)
	assert.Contains(t, fd.calls, "deactive:"+p.UUID.String())
	assert.Contains(t, fd.calls, "remove:"+p.UUID.String())
}

func TestTransitionToSameStatusIsNoop(t *testing.T) {
	mgr, fd, p := newTestManager(t)
	ctx := context.Background()

	status, err := mgr.Remove(ctx, p) // already NotApplied
	require.NoError(t, err)
	assert.Equal(t, abi.StatusNotApplied, status)
	assert.Empty(t, fd.calls)
}

func TestSaveAndRestore(t *testing.T) {
	dataDir := t.TempDir()
	id := uuid.New()
	p := &abi.Patch{
		UUID:       id,
		Kind:       abi.KernelPatch,
		EntityName: "kernel-5.10.0/hotfix-1",
		PatchName:  "hotfix-1",
		TargetName: "kernel-5.10.0",
		Ext:        &abi.KernelPatchExt{ModuleName: "kpatch_hotfix_1"},
	}
	fd := newFakeDriver()
	ctx := context.Background()

	mgr := New(dataDir, fd, fd)
	mgr.entryMap[id] = &abi.PatchEntry{Patch: p, Status: abi.StatusNotApplied}
	_, err := mgr.Apply(ctx, p)
	require.NoError(t, err)
	_, err = mgr.Active(ctx, p)
	require.NoError(t, err)

	require.NoError(t, mgr.Save(ctx))
	_, err = os.Stat(filepath.Join(dataDir, "patch_status"))
	require.NoError(t, err)

	// A fresh manager, same backing driver state, restores the saved status.
	fd2 := fd
	mgr2 := New(dataDir, fd2, fd2)
	mgr2.entryMap[id] = &abi.PatchEntry{Patch: p, Status: abi.StatusUnknown}
	require.NoError(t, mgr2.Restore(ctx, false))

	status, err := mgr2.GetStatus(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, abi.StatusActived, status)
}

func TestMatchPatchByName(t *testing.T) {
	mgr, _, p := newTestManager(t)
	matched, err := mgr.MatchPatch(p.PatchName)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, p.UUID, matched[0].UUID)
}

func TestMatchPatchNotFound(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.MatchPatch("does-not-exist")
	require.Error(t, err)
	assert.True(t, abi.IsNotFound(err))
}
