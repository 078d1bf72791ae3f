package upatch

import (
	"github.com/google/uuid"

	"github.com/syscare/syscared/internal/patch/target"
)

// patchTarget is the per-target-ELF state: the set of patches applied
// to it (each with its own entity tracking per-process state) and a
// function registry for conflict/override detection. Grounded on the
// PatchTarget referenced by mod.rs's patch_target_map; its source
// file (target.rs) was not part of this retrieval, so shape is
// inferred from call sites (get_patch, add_patch, remove_patch,
// add_functions, remove_functions, is_patched, all_patches).
type patchTarget struct {
	patches   map[uuid.UUID]*entity
	functions *target.Registry[string]
}

func newPatchTarget() *patchTarget {
	return &patchTarget{
		patches:   make(map[uuid.UUID]*entity),
		functions: target.NewRegistry[string](),
	}
}

func (t *patchTarget) getPatch(id uuid.UUID) *entity {
	return t.patches[id]
}

func (t *patchTarget) addPatch(id uuid.UUID, e *entity) {
	t.patches[id] = e
}

func (t *patchTarget) removePatch(id uuid.UUID) {
	delete(t.patches, id)
}

func (t *patchTarget) addFunctions(id uuid.UUID, functions []string) {
	t.functions.Add(id, functions)
}

func (t *patchTarget) removeFunctions(id uuid.UUID, functions []string) {
	t.functions.Remove(id, functions)
}

func (t *patchTarget) isPatched() bool {
	return len(t.patches) > 0
}

func (t *patchTarget) allPatches() map[uuid.UUID]*entity {
	return t.patches
}
