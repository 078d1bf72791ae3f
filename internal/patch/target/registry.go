// Package target implements the Patch Target Registry: per-target
// bookkeeping of which patches touch which symbols (kernel) or
// functions (user), used for conflict and override detection. Grounded
// on the original's target.rs (one per driver) which both wrap the
// same uuid -> set<key> multimap; here a single generic Registry
// is used by both drivers as Registry[string].
package target

import (
	"sort"

	"github.com/google/uuid"
)

// Record is one matching entry returned by GetConflicts/GetOverrides.
type Record[K comparable] struct {
	UUID uuid.UUID
	Key  K
}

// Registry is a per-target multimap from patch UUID to the ordered set
// of symbols/functions that patch covers. It is not safe for concurrent
// use by itself; callers (the kernel and user drivers) guard it with
// their own lock, per spec.md §9.
type Registry[K comparable] struct {
	patches map[uuid.UUID]map[K]struct{}
	order   []uuid.UUID // insertion order, for deterministic iteration
}

// NewRegistry returns an empty registry.
func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{patches: make(map[uuid.UUID]map[K]struct{})}
}

// Add records that patch id covers keys. Idempotent.
func (r *Registry[K]) Add(id uuid.UUID, keys []K) {
	set, ok := r.patches[id]
	if !ok {
		set = make(map[K]struct{}, len(keys))
		r.patches[id] = set
		r.order = append(r.order, id)
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
}

// Remove deletes keys from patch id's set. If the patch ends up with no
// keys, it is dropped from the registry entirely.
func (r *Registry[K]) Remove(id uuid.UUID, keys []K) {
	set, ok := r.patches[id]
	if !ok {
		return
	}
	for _, k := range keys {
		delete(set, k)
	}
	if len(set) == 0 {
		delete(r.patches, id)
		r.removeFromOrder(id)
	}
}

// RemovePatch drops every key recorded for id, unconditionally.
func (r *Registry[K]) RemovePatch(id uuid.UUID) {
	if _, ok := r.patches[id]; !ok {
		return
	}
	delete(r.patches, id)
	r.removeFromOrder(id)
}

func (r *Registry[K]) removeFromOrder(id uuid.UUID) {
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// IsEmpty reports whether the registry covers no patches at all.
func (r *Registry[K]) IsEmpty() bool {
	return len(r.patches) == 0
}

// GetConflicts returns every (uuid, key) pair already registered where
// key is in keys — i.e. another patch already covers that point.
func (r *Registry[K]) GetConflicts(keys []K) []Record[K] {
	return r.match(uuid.Nil, keys, false)
}

// GetOverrides returns every (uuid, key) pair already registered where
// uuid != self and key is in keys.
func (r *Registry[K]) GetOverrides(self uuid.UUID, keys []K) []Record[K] {
	return r.match(self, keys, true)
}

func (r *Registry[K]) match(self uuid.UUID, keys []K, excludeSelf bool) []Record[K] {
	wanted := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	var out []Record[K]
	for _, id := range r.order {
		if excludeSelf && id == self {
			continue
		}
		for k := range wanted {
			if _, ok := r.patches[id][k]; ok {
				out = append(out, Record[K]{UUID: id, Key: k})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UUID.String() < out[j].UUID.String()
	})
	return out
}

// ConflictUUIDs reduces GetConflicts to a de-duplicated, sorted list of
// offending patch UUIDs — the shape the drivers' error messages need
// (spec.md scenario 2: "Patch is conflicted with\n* Patch 'u1'").
func ConflictUUIDs[K comparable](records []Record[K]) []uuid.UUID {
	return dedupUUIDs(records)
}

func dedupUUIDs[K comparable](records []Record[K]) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(records))
	var out []uuid.UUID
	for _, rec := range records {
		if _, ok := seen[rec.UUID]; ok {
			continue
		}
		seen[rec.UUID] = struct{}{}
		out = append(out, rec.UUID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
