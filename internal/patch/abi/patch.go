package abi

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind distinguishes the two patch target classes.
type Kind int

const (
	KernelPatch Kind = iota
	UserPatch
)

func (k Kind) String() string {
	switch k {
	case KernelPatch:
		return "KernelPatch"
	case UserPatch:
		return "UserPatch"
	default:
		return "UnknownPatch"
	}
}

// KernelPatchSymbol is one patched function, resolved from a kernel
// patch object's .kpatch.funcs/.kpatch.strings sections.
type KernelPatchSymbol struct {
	Name    string
	Target  string // module name the symbol belongs to, or "vmlinux"
	OldAddr uint64
	OldSize uint64
	NewAddr uint64
	NewSize uint64
}

func (s KernelPatchSymbol) String() string {
	return fmt.Sprintf("name: %s, target: %s, old_addr: %#x, old_size: %#x, new_addr: %#x, new_size: %#x",
		s.Name, s.Target, s.OldAddr, s.OldSize, s.NewAddr, s.NewSize)
}

// KernelPatchExt is the kernel-kind extension of Patch.
type KernelPatchExt struct {
	PatchFile  string // absolute path to the .ko artefact
	SysFile    string // absolute path to the sysfs "enabled" file
	ModuleName string
	Symbols    []KernelPatchSymbol
}

func (*KernelPatchExt) isPatchExt() {}

// UserPatchExt is the user-kind extension of Patch.
type UserPatchExt struct {
	PatchFile string
	TargetELF string
	Checksum  string
	Functions []string
}

func (*UserPatchExt) isPatchExt() {}

// PatchExt is implemented by *KernelPatchExt and *UserPatchExt. It is a
// closed sum type: the unexported marker method prevents other packages
// from adding a third variant.
type PatchExt interface {
	isPatchExt()
}

// Patch is an immutable record of one installed patch. It is constructed
// once on load from disk and never mutated in place.
type Patch struct {
	UUID          uuid.UUID
	Kind          Kind
	EntityName    string // "<target>/<patch>", the user-visible unique name
	PatchName     string
	TargetName    string
	TargetPkgName string
	Checksum      string
	Ext           PatchExt
}

func (p *Patch) String() string {
	return p.EntityName
}

// KernelExt returns p.Ext asserted to *KernelPatchExt. It panics if p is
// not a kernel patch; callers must gate on p.Kind first, the same
// contract the teacher's PatchInfoExt conversions rely on.
func (p *Patch) KernelExt() *KernelPatchExt {
	ext, ok := p.Ext.(*KernelPatchExt)
	if !ok {
		panic("abi: patch is not a kernel patch")
	}
	return ext
}

// UserExt returns p.Ext asserted to *UserPatchExt. See KernelExt.
func (p *Patch) UserExt() *UserPatchExt {
	ext, ok := p.Ext.(*UserPatchExt)
	if !ok {
		panic("abi: patch is not a user patch")
	}
	return ext
}

// PatchEntry is the mapping value stored by the manager.
type PatchEntry struct {
	Patch  *Patch
	Status PatchStatus
}
