package target

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddAndConflicts(t *testing.T) {
	reg := NewRegistry[string]()
	a := uuid.New()
	b := uuid.New()

	reg.Add(a, []string{"foo", "bar"})

	conflicts := reg.GetConflicts([]string{"bar", "baz"})
	require.Len(t, conflicts, 1)
	assert.Equal(t, a, conflicts[0].UUID)
	assert.Equal(t, "bar", conflicts[0].Key)

	reg.Add(b, []string{"baz"})
	assert.Empty(t, reg.GetConflicts([]string{"qux"}))
	assert.Len(t, reg.GetConflicts([]string{"baz"}), 1)
}

func TestRegistryOverridesExcludesSelf(t *testing.T) {
	reg := NewRegistry[string]()
	self := uuid.New()
	other := uuid.New()

	reg.Add(self, []string{"foo"})
	reg.Add(other, []string{"foo"})

	overrides := reg.GetOverrides(self, []string{"foo"})
	require.Len(t, overrides, 1)
	assert.Equal(t, other, overrides[0].UUID)

	assert.Empty(t, reg.GetOverrides(self, []string{"bar"}))
}

func TestRegistryRemoveDropsEmptyPatch(t *testing.T) {
	reg := NewRegistry[string]()
	id := uuid.New()
	reg.Add(id, []string{"foo", "bar"})

	reg.Remove(id, []string{"foo"})
	assert.False(t, reg.IsEmpty())
	assert.Len(t, reg.GetConflicts([]string{"bar"}), 1)

	reg.Remove(id, []string{"bar"})
	assert.True(t, reg.IsEmpty())
	assert.Empty(t, reg.GetConflicts([]string{"bar"}))
}

func TestRegistryRemovePatch(t *testing.T) {
	reg := NewRegistry[string]()
	id := uuid.New()
	reg.Add(id, []string{"foo"})

	reg.RemovePatch(id)
	assert.True(t, reg.IsEmpty())
}

func TestConflictUUIDsDedupsAndSorts(t *testing.T) {
	a := uuid.New()
	records := []Record[string]{
		{UUID: a, Key: "x"},
		{UUID: a, Key: "y"},
	}
	uuids := ConflictUUIDs(records)
	require.Len(t, uuids, 1)
	assert.Equal(t, a, uuids[0])
}
