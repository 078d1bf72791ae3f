// Package kpatch implements the kernel patch driver: sysfs status
// read/write, insmod/rmmod invocation, SELinux labelling, and
// dependency/conflict/override checks against a registry of installed
// kernel patch symbols. Grounded line-for-line on the original's
// patch/manager/driver/kpatch/mod.rs (KernelPatchDriver), reworked
// around os/exec, golang.org/x/sys/unix, and
// github.com/opencontainers/selinux/go-selinux the way the teacher
// shells out to external binaries and queries host state.
package kpatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/opencontainers/selinux/go-selinux"
	"golang.org/x/sys/unix"

	"github.com/containerd/log"

	"github.com/syscare/syscared/internal/patch/abi"
	"github.com/syscare/syscared/internal/patch/target"
	"github.com/syscare/syscared/pkg/fs"
)

const (
	patchSecType    = "modules_object_t"
	statusDisabled  = "0"
	statusEnabled   = "1"
	sysModuleDir    = "/sys/module"
	vmlinuxModule   = "vmlinux"
	kernelNamePfx   = "kernel-"
	insmodBin       = "insmod"
	rmmodBin        = "rmmod"
)

// Driver is the kernel-patch implementation of driver.Driver.
type Driver struct {
	mu      sync.Mutex
	targets map[string]*target.Registry[string] // module name -> symbol registry
}

// New returns an empty kernel patch driver.
func New() *Driver {
	return &Driver{targets: make(map[string]*target.Registry[string])}
}

// Status reads the patch's sysfs "enabled" file. A missing file means
// the module was never inserted.
func (d *Driver) Status(ctx context.Context, p *abi.Patch) (abi.PatchStatus, error) {
	ext := p.KernelExt()
	log.G(ctx).Debugf("kpatch: reading %q", ext.SysFile)

	raw, err := os.ReadFile(ext.SysFile)
	if os.IsNotExist(err) {
		return abi.StatusNotApplied, nil
	}
	if err != nil {
		return abi.StatusUnknown, abi.NewError(abi.ErrIO, p.UUID.String(), "failed to read patch status", err)
	}

	switch strings.TrimSpace(string(raw)) {
	case statusDisabled:
		return abi.StatusDeactived, nil
	case statusEnabled:
		return abi.StatusActived, nil
	default:
		return abi.StatusUnknown, abi.NewError(abi.ErrInvalidFormat, p.UUID.String(),
			fmt.Sprintf("patch status %q is invalid", strings.TrimSpace(string(raw))), nil)
	}
}

func (d *Driver) setStatus(p *abi.Patch, status abi.PatchStatus) error {
	ext := p.KernelExt()

	var statusStr string
	switch status {
	case abi.StatusNotApplied, abi.StatusDeactived:
		statusStr = statusDisabled
	case abi.StatusActived:
		statusStr = statusEnabled
	default:
		return abi.NewError(abi.ErrInvalidTransition, p.UUID.String(), fmt.Sprintf("patch status %v is invalid", status), nil)
	}

	if err := os.WriteFile(ext.SysFile, []byte(statusStr), 0o644); err != nil {
		return abi.NewError(abi.ErrIO, p.UUID.String(), "failed to write patch status", err)
	}
	return nil
}

// Check validates compatibility, consistency, the target module's
// presence, and symbol conflicts. There is no force option: the
// conflict check always runs.
func (d *Driver) Check(ctx context.Context, p *abi.Patch) error {
	if err := d.checkCompatibility(p); err != nil {
		return err
	}
	if err := d.checkConsistency(p); err != nil {
		return err
	}
	if err := d.checkDependency(p); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkConflictSymbols(p)
}

func (d *Driver) checkCompatibility(p *abi.Patch) error {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return abi.NewError(abi.ErrIO, p.UUID.String(), "failed to read kernel version", err)
	}
	kernelVersion := cstr(uname.Release[:])
	currentKernel := kernelNamePfx + kernelVersion

	if strings.HasPrefix(p.TargetPkgName, kernelNamePfx) && p.TargetPkgName != currentKernel {
		return abi.NewError(abi.ErrIncompatible, p.UUID.String(),
			fmt.Sprintf("current kernel %q is incompatible with patch target %q", kernelVersion, p.TargetPkgName), nil)
	}
	return nil
}

func (d *Driver) checkConsistency(p *abi.Patch) error {
	ext := p.KernelExt()
	sum, err := fs.DigestFile(ext.PatchFile)
	if err != nil {
		return abi.NewError(abi.ErrIO, p.UUID.String(), "failed to digest patch file", err)
	}
	if sum != p.Checksum {
		return abi.NewError(abi.ErrConsistencyFailure, p.UUID.String(),
			fmt.Sprintf("patch %q consistency check failed", ext.PatchFile), nil)
	}
	return nil
}

func (d *Driver) checkDependency(p *abi.Patch) error {
	modules, err := listKernelModules()
	if err != nil {
		return abi.NewError(abi.ErrIO, p.UUID.String(), "failed to list kernel modules", err)
	}
	present := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		present[m] = struct{}{}
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, sym := range p.KernelExt().Symbols {
		if sym.Target == vmlinuxModule {
			continue
		}
		if _, ok := present[sym.Target]; ok {
			continue
		}
		if _, dup := seen[sym.Target]; dup {
			continue
		}
		seen[sym.Target] = struct{}{}
		missing = append(missing, sym.Target)
	}

	if len(missing) == 0 {
		return nil
	}
	var msg strings.Builder
	msg.WriteString("Patch target does not exist")
	for _, m := range missing {
		fmt.Fprintf(&msg, "\n* Module '%s'", m)
	}
	return abi.NewError(abi.ErrNotFound, p.UUID.String(), msg.String(), nil)
}

// checkConflictSymbols requires d.mu held.
func (d *Driver) checkConflictSymbols(p *abi.Patch) error {
	uuids := target.ConflictUUIDs(d.matchSymbols(p, func(r *target.Registry[string], keys []string) []target.Record[string] {
		return r.GetConflicts(keys)
	}))
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

// checkOverrideSymbols requires d.mu held.
func (d *Driver) checkOverrideSymbols(p *abi.Patch) error {
	uuids := target.ConflictUUIDs(d.matchSymbols(p, func(r *target.Registry[string], keys []string) []target.Record[string] {
		return r.GetOverrides(p.UUID, keys)
	}))
	if len(uuids) == 0 {
		return nil
	}
	var msg strings.Builder
	msg.WriteString("Patch is overrided by")
	for _, u := range uuids {
		fmt.Fprintf(&msg, "\n* Patch '%s'", u)
	}
	return abi.NewError(abi.ErrOverride, p.UUID.String(), msg.String(), nil)
}

func (d *Driver) matchSymbols(p *abi.Patch, match func(*target.Registry[string], []string) []target.Record[string]) []target.Record[string] {
	byModule := classifySymbols(p.KernelExt().Symbols)

	var out []target.Record[string]
	for module, names := range byModule {
		reg, ok := d.targets[module]
		if !ok {
			continue
		}
		out = append(out, match(reg, names)...)
	}
	return out
}

// classifySymbols groups a patch's symbol names by the kernel module
// (or "vmlinux") they target.
func classifySymbols(symbols []abi.KernelPatchSymbol) map[string][]string {
	out := make(map[string][]string)
	for _, sym := range symbols {
		out[sym.Target] = append(out[sym.Target], sym.Name)
	}
	return out
}

// Apply sets the patch's SELinux security context (when enforcing) and
// inserts the module with insmod.
func (d *Driver) Apply(ctx context.Context, p *abi.Patch) error {
	ext := p.KernelExt()

	if err := setPatchSecurityContext(ctx, ext.PatchFile); err != nil {
		return abi.NewError(abi.ErrDriverFailure, p.UUID.String(), "failed to set patch security context", err)
	}

	cmd := exec.CommandContext(ctx, insmodBin, ext.PatchFile)
	if out, err := cmd.CombinedOutput(); err != nil {
		return abi.NewError(abi.ErrDriverFailure, p.UUID.String(),
			fmt.Sprintf("failed to insert patch module: %s", strings.TrimSpace(string(out))), err)
	}
	return nil
}

// Remove unloads the module with rmmod.
func (d *Driver) Remove(ctx context.Context, p *abi.Patch) error {
	ext := p.KernelExt()

	cmd := exec.CommandContext(ctx, rmmodBin, ext.ModuleName)
	if out, err := cmd.CombinedOutput(); err != nil {
		return abi.NewError(abi.ErrDriverFailure, p.UUID.String(),
			fmt.Sprintf("failed to remove patch module: %s", strings.TrimSpace(string(out))), err)
	}
	return nil
}

// Active writes the enabled sysfs value and records the patch's
// symbols in the conflict/override registry.
func (d *Driver) Active(ctx context.Context, p *abi.Patch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkConflictSymbols(p); err != nil {
		return err
	}
	if err := d.setStatus(p, abi.StatusActived); err != nil {
		return err
	}

	byModule := classifySymbols(p.KernelExt().Symbols)
	for module, names := range byModule {
		reg, ok := d.targets[module]
		if !ok {
			reg = target.NewRegistry[string]()
			d.targets[module] = reg
		}
		reg.Add(p.UUID, names)
	}
	return nil
}

// Deactive writes the disabled sysfs value and drops the patch's
// symbols from the registry.
func (d *Driver) Deactive(ctx context.Context, p *abi.Patch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkOverrideSymbols(p); err != nil {
		return err
	}
	if err := d.setStatus(p, abi.StatusDeactived); err != nil {
		return err
	}

	byModule := classifySymbols(p.KernelExt().Symbols)
	for module, names := range byModule {
		if reg, ok := d.targets[module]; ok {
			reg.Remove(p.UUID, names)
		}
	}
	return nil
}

func listKernelModules() ([]string, error) {
	dirs, err := fs.ListDirs(sysModuleDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dirs))
	for _, d := range dirs {
		names = append(names, lastPathElem(d))
	}
	return names, nil
}

func lastPathElem(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func setPatchSecurityContext(ctx context.Context, patchFile string) error {
	if selinux.EnforceMode() != selinux.Enforcing {
		log.G(ctx).Debug("kpatch: selinux is disabled")
		return nil
	}
	log.G(ctx).Debug("kpatch: selinux is enforcing")

	label, err := selinux.FileLabel(patchFile)
	if err != nil {
		return err
	}
	if secTypeOf(label) == patchSecType {
		return nil
	}
	return selinux.SetFileLabel(patchFile, withSecType(label, patchSecType))
}

// secTypeOf extracts the "type" component of a user:role:type:level
// SELinux context string.
func secTypeOf(label string) string {
	parts := strings.SplitN(label, ":", 4)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func withSecType(label, secType string) string {
	parts := strings.SplitN(label, ":", 4)
	if len(parts) < 3 {
		return label
	}
	parts[2] = secType
	return strings.Join(parts, ":")
}

func cstr(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
