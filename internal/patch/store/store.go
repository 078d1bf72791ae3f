// Package store loads installed patches from disk into abi.Patch
// records. Each patch lives under its own root directory named by UUID
// inside the data dir's "patches" subdirectory, described by a
// "patch_info" TOML file. Grounded on the original's
// manager/cli/src/patch/patch_info.rs (field set logged by
// PatchInfo::print_log) and the daemon's patch scanning in
// patch/manager/mod.rs, reworked around go-toml/v2 the way the teacher
// parses its own on-disk config/state with pelletier/go-toml.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/containerd/log"

	"github.com/syscare/syscared/internal/patch/abi"
	"github.com/syscare/syscared/pkg/fs"
	"github.com/syscare/syscared/pkg/identifiers"
)

const (
	patchesDirName  = "patches"
	patchInfoFile   = "patch_info"
	kindKernelPatch = "KernelPatch"
	kindUserPatch   = "UserPatch"
)

// patchFile is one entry of patchInfo.Patches.
type patchFile struct {
	Name   string `toml:"name"`
	Path   string `toml:"path"`
	Digest string `toml:"digest"`
}

// patchInfo mirrors the on-disk "patch_info" TOML document, the Go
// analogue of the original's PatchInfo.
type patchInfo struct {
	Name        string            `toml:"name"`
	Version     uint32            `toml:"version"`
	Release     string            `toml:"release"`
	Arch        string            `toml:"arch"`
	Kind        string            `toml:"kind"`
	Target      string            `toml:"target"`
	TargetPkg   string            `toml:"target_pkg"`
	TargetELFs  map[string]string `toml:"target_elfs"`
	License     string            `toml:"license"`
	Description string            `toml:"description"`
	Incremental bool              `toml:"incremental"`
	Builder     string            `toml:"builder"`
	Patches     []patchFile       `toml:"patches"`
}

// Store scans a data directory for installed patches.
type Store struct {
	dataDir string
}

// New returns a Store rooted at dataDir. dataDir/patches holds one
// subdirectory per installed patch root.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// PatchesDir returns the directory Scan reads from.
func (s *Store) PatchesDir() string {
	return filepath.Join(s.dataDir, patchesDirName)
}

// Scan walks every immediate subdirectory of PatchesDir and parses its
// patch_info file into one or more abi.Patch records (a root directory
// produces more than one Patch only when its patch_info declares
// multiple target_elfs under a user patch, mirroring the original's
// one-root-many-targets layout). Roots that fail to parse are logged
// and skipped rather than aborting the whole scan, matching the
// daemon's tolerant startup scan in patch/manager/mod.rs.
func (s *Store) Scan(ctx context.Context) ([]*abi.Patch, error) {
	roots, err := fs.ListDirs(s.PatchesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", s.PatchesDir(), err)
	}

	var patches []*abi.Patch
	for _, root := range roots {
		parsed, err := s.loadRoot(root)
		if err != nil {
			log.G(ctx).WithError(err).WithField("root", root).Warn("skipping unreadable patch root")
			continue
		}
		patches = append(patches, parsed...)
	}
	return patches, nil
}

func (s *Store) loadRoot(root string) ([]*abi.Patch, error) {
	id, err := uuid.Parse(filepath.Base(root))
	if err != nil {
		return nil, fmt.Errorf("patch root %q is not a uuid: %w", root, err)
	}

	raw, err := os.ReadFile(filepath.Join(root, patchInfoFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read patch_info: %w", err)
	}

	var info patchInfo
	if err := toml.Unmarshal(raw, &info); err != nil {
		return nil, abi.NewError(abi.ErrInvalidFormat, id.String(), "failed to parse patch_info", err)
	}

	if err := identifiers.Validate(info.Name); err != nil {
		return nil, err
	}
	if err := identifiers.Validate(info.Target); err != nil {
		return nil, err
	}

	switch info.Kind {
	case kindKernelPatch:
		return []*abi.Patch{s.buildKernelPatch(id, root, &info)}, nil
	case kindUserPatch:
		return s.buildUserPatches(id, root, &info)
	default:
		return nil, abi.NewError(abi.ErrInvalidFormat, id.String(), fmt.Sprintf("unknown patch kind %q", info.Kind), nil)
	}
}

func (s *Store) buildKernelPatch(id uuid.UUID, root string, info *patchInfo) *abi.Patch {
	entity := identifiers.EntityName(info.Target, info.Name)
	var files []string
	for _, pf := range info.Patches {
		files = append(files, filepath.Join(root, pf.Path))
	}
	moduleName := fmt.Sprintf("kpatch_%s", info.Name)
	sysName := strings.NewReplacer("-", "_", ".", "_").Replace(moduleName)
	ext := &abi.KernelPatchExt{
		PatchFile:  firstOrEmpty(files),
		SysFile:    filepath.Join("/sys/kernel/livepatch", sysName, "enabled"),
		ModuleName: moduleName,
	}
	return &abi.Patch{
		UUID:          id,
		Kind:          abi.KernelPatch,
		EntityName:    entity,
		PatchName:     info.Name,
		TargetName:    info.Target,
		TargetPkgName: info.TargetPkg,
		Checksum:      firstDigest(info.Patches),
		Ext:           ext,
	}
}

func (s *Store) buildUserPatches(id uuid.UUID, root string, info *patchInfo) ([]*abi.Patch, error) {
	if len(info.TargetELFs) == 0 {
		return nil, abi.NewError(abi.ErrInvalidFormat, id.String(), "user patch declares no target_elfs", nil)
	}

	var files []string
	for _, pf := range info.Patches {
		files = append(files, filepath.Join(root, pf.Path))
	}

	patches := make([]*abi.Patch, 0, len(info.TargetELFs))
	for elfName, elfPath := range info.TargetELFs {
		entity := identifiers.EntityName(elfName, info.Name)
		ext := &abi.UserPatchExt{
			PatchFile: firstOrEmpty(files),
			TargetELF: elfPath,
			Checksum:  firstDigest(info.Patches),
		}
		patches = append(patches, &abi.Patch{
			UUID:          id,
			Kind:          abi.UserPatch,
			EntityName:    entity,
			PatchName:     info.Name,
			TargetName:    elfName,
			TargetPkgName: info.TargetPkg,
			Checksum:      ext.Checksum,
			Ext:           ext,
		})
	}
	return patches, nil
}

func firstOrEmpty(files []string) string {
	if len(files) == 0 {
		return ""
	}
	return files[0]
}

func firstDigest(files []patchFile) string {
	if len(files) == 0 {
		return ""
	}
	return files[0].Digest
}
