// Package kpatchelf resolves a kernel patch object's .kpatch.funcs and
// .kpatch.strings ELF sections into the symbol list the rest of the
// daemon needs for conflict/override analysis. Grounded on the
// original's KernelPatchExt::resolve_patch_file (which walks the same
// two sections through the `object` crate) and, for the Go-idiomatic
// debug/elf + relocation-walking shape, on the ebpf ELF loader found in
// the retrieval pack (internal/watcher/ebpf/loader_linux.go), which is
// the only example in the corpus that parses ELF relocations by hand.
package kpatchelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/syscare/syscared/internal/patch/abi"
)

const (
	funcsSection   = ".kpatch.funcs"
	stringsSection = ".kpatch.strings"

	// recordSize is sizeof(struct kpatch_patch_func): four uint64 fields
	// (new_addr, new_size, old_addr, old_size), one uint64 sympos, then
	// three 8-byte pointer slots (name, obj_name, ref_name) and a
	// trailing int64 ref_offset. 5*8 + 3*8 + 8 = 72.
	recordSize = 72

	nameFieldOffset   = 40 // name pointer slot within one record
	objNameFieldOffset = 48 // obj_name pointer slot within one record

	// relocationStride: relocations against .kpatch.funcs cycle through
	// {new_addr, name, obj_name} in that order, one triple per record.
	relocationStride = 3
)

// relocationKind classifies one relocation entry by its position modulo
// relocationStride.
type relocationKind int

const (
	relocNewAddr relocationKind = iota
	relocName
	relocObjName
)

// rawFunc mirrors the fixed-width prefix of struct kpatch_patch_func
// that resolver reads directly from section bytes (the four size/addr
// fields and sympos); the three pointer slots and ref_offset are filled
// in separately via relocations / skipped as unused, matching the
// record layout described in spec.md §4.2.
type rawFunc struct {
	NewAddr uint64
	NewSize uint64
	OldAddr uint64
	OldSize uint64
	Sympos  uint64
}

// Resolve parses the kernel patch ELF object at path and returns its
// patched-symbol list.
func Resolve(path string) ([]abi.KernelPatchSymbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, invalidFormat(path, "failed to parse ELF", err)
	}
	defer f.Close()

	funcSec := f.Section(funcsSection)
	if funcSec == nil {
		return nil, invalidFormat(path, fmt.Sprintf("missing section %q", funcsSection), nil)
	}
	strSec := f.Section(stringsSection)
	if strSec == nil {
		return nil, invalidFormat(path, fmt.Sprintf("missing section %q", stringsSection), nil)
	}

	funcData, err := funcSec.Data()
	if err != nil {
		return nil, invalidFormat(path, fmt.Sprintf("failed to read section %q", funcsSection), err)
	}
	strData, err := strSec.Data()
	if err != nil {
		return nil, invalidFormat(path, fmt.Sprintf("failed to read section %q", stringsSection), err)
	}

	if len(funcData)%recordSize != 0 {
		return nil, invalidFormat(path, fmt.Sprintf("%q size %d is not a multiple of %d", funcsSection, len(funcData), recordSize), nil)
	}
	count := len(funcData) / recordSize

	symbols := make([]abi.KernelPatchSymbol, count)
	for i := 0; i < count; i++ {
		var raw rawFunc
		rec := funcData[i*recordSize : i*recordSize+recordSize]
		r := bytes.NewReader(rec[:40])
		if err := binary.Read(r, f.ByteOrder, &raw); err != nil {
			return nil, invalidFormat(path, "failed to decode patch function record", err)
		}
		symbols[i] = abi.KernelPatchSymbol{
			OldAddr: raw.OldAddr,
			OldSize: raw.OldSize,
			NewAddr: raw.NewAddr,
			NewSize: raw.NewSize,
		}
	}

	relocs, err := sectionRelocations(f, funcSec)
	if err != nil {
		return nil, invalidFormat(path, "failed to read relocations", err)
	}

	for idx, rel := range relocs {
		switch relocationKind(idx % relocationStride) {
		case relocName:
			symIdx := (int(rel.offset) - nameFieldOffset) / recordSize
			name, err := readString(strData, rel.addend)
			if err != nil {
				return nil, invalidFormat(path, "failed to resolve patch function name", err)
			}
			if symIdx < 0 || symIdx >= len(symbols) {
				return nil, invalidFormat(path, "relocation targets out-of-range patch symbol", nil)
			}
			symbols[symIdx].Name = name
		case relocObjName:
			symIdx := (int(rel.offset) - objNameFieldOffset) / recordSize
			name, err := readString(strData, rel.addend)
			if err != nil {
				return nil, invalidFormat(path, "failed to resolve patch function target", err)
			}
			if symIdx < 0 || symIdx >= len(symbols) {
				return nil, invalidFormat(path, "relocation targets out-of-range patch symbol", nil)
			}
			symbols[symIdx].Target = name
		case relocNewAddr:
			// new_addr is already present in the raw record; the
			// relocation only carries the same value redundantly.
		}
	}

	return symbols, nil
}

// elfRelocation is a relocation entry normalized across the REL and
// RELA forms (64-bit entries only) to what this resolver needs: the byte offset within
// the target section, and the addend used to index into the string
// section.
type elfRelocation struct {
	offset int64
	addend int64
}

// sectionRelocations reads the .rela<name>/.rel<name> section
// associated with sec and returns its entries in file order.
func sectionRelocations(f *elf.File, sec *elf.Section) ([]elfRelocation, error) {
	var relSec *elf.Section
	for _, s := range f.Sections {
		if (s.Type == elf.SHT_RELA || s.Type == elf.SHT_REL) &&
			(s.Name == ".rela"+sec.Name || s.Name == ".rel"+sec.Name) {
			relSec = s
			break
		}
	}
	if relSec == nil {
		return nil, nil
	}

	data, err := relSec.Data()
	if err != nil {
		return nil, err
	}

	var out []elfRelocation
	switch relSec.Type {
	case elf.SHT_RELA:
		const entSize = 24 // sizeof(Elf64_Rela)
		if len(data)%entSize != 0 {
			return nil, fmt.Errorf("RELA section size %d is not a multiple of %d", len(data), entSize)
		}
		r := bytes.NewReader(data)
		for r.Len() > 0 {
			var raw struct {
				Offset uint64
				Info   uint64
				Addend int64
			}
			if err := binary.Read(r, f.ByteOrder, &raw); err != nil {
				return nil, err
			}
			out = append(out, elfRelocation{offset: int64(raw.Offset), addend: raw.Addend})
		}
	case elf.SHT_REL:
		const entSize = 16 // sizeof(Elf64_Rel)
		if len(data)%entSize != 0 {
			return nil, fmt.Errorf("REL section size %d is not a multiple of %d", len(data), entSize)
		}
		r := bytes.NewReader(data)
		for r.Len() > 0 {
			var raw struct {
				Offset uint64
				Info   uint64
			}
			if err := binary.Read(r, f.ByteOrder, &raw); err != nil {
				return nil, err
			}
			// REL entries carry no explicit addend; callers of this
			// resolver only ever see RELA output from kpatch-build.
			out = append(out, elfRelocation{offset: int64(raw.Offset), addend: 0})
		}
	}
	return out, nil
}

// readString returns the NUL-terminated string starting at addend
// within data.
func readString(data []byte, addend int64) (string, error) {
	if addend < 0 || int(addend) > len(data) {
		return "", fmt.Errorf("string addend %d out of range (section size %d)", addend, len(data))
	}
	rest := data[addend:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", fmt.Errorf("string at offset %d is not NUL-terminated", addend)
	}
	return string(rest[:end]), nil
}

func invalidFormat(path, msg string, cause error) error {
	return abi.NewError(abi.ErrInvalidFormat, path, msg, cause)
}
