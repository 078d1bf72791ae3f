// Package persist saves and restores the patch manager's in-memory
// status map against a "patch_status" file. Grounded on the original's
// PatchManager::save_patch_status/restore_patch_status
// (daemon/src/patch/manager/mod.rs), reworked from the original's
// generic serde::serialize/deserialize onto
// github.com/pelletier/go-toml/v2, the teacher's own config-file
// library.
package persist

import (
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/syscare/syscared/internal/patch/abi"
)

const statusFileName = "patch_status"

// StatusFile returns the path Save/Restore operate on, given the
// daemon's data directory.
func StatusFile(dataDir string) string {
	return dataDir + string(os.PathSeparator) + statusFileName
}

// document is the on-disk shape: patch UUID (string) to status name.
type document map[string]string

// Save writes status, keyed by patch UUID, to path.
func Save(path string, status map[uuid.UUID]abi.PatchStatus) error {
	doc := make(document, len(status))
	for id, s := range status {
		doc[id.String()] = s.String()
	}

	raw, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode patch status: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write patch status file: %w", err)
	}
	return nil
}

// RestoreEntry is one (patch uuid, target status) pair to apply, in
// the order Restore's sort produced.
type RestoreEntry struct {
	UUID   uuid.UUID
	Status abi.PatchStatus
}

// Load reads path and returns the patches it names sorted by status
// ascending, then by UUID — removals first, so two patches against the
// same target are never both loaded at once. Returns (nil, nil) if the
// file does not exist, matching the original's tolerant "warn and
// return Ok" behavior for a missing status file.
func Load(path string) ([]RestoreEntry, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read patch status file: %w", err)
	}

	var doc document
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse patch status file: %w", err)
	}

	entries := make([]RestoreEntry, 0, len(doc))
	for idStr, statusStr := range doc {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		status, ok := parseStatus(statusStr)
		if !ok {
			continue
		}
		entries = append(entries, RestoreEntry{UUID: id, Status: status})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Status != entries[j].Status {
			return entries[i].Status.Less(entries[j].Status)
		}
		return entries[i].UUID.String() < entries[j].UUID.String()
	})
	return entries, nil
}

func parseStatus(s string) (abi.PatchStatus, bool) {
	switch s {
	case abi.StatusNotApplied.String():
		return abi.StatusNotApplied, true
	case abi.StatusDeactived.String():
		return abi.StatusDeactived, true
	case abi.StatusActived.String():
		return abi.StatusActived, true
	case abi.StatusAccepted.String():
		return abi.StatusAccepted, true
	default:
		return abi.StatusUnknown, false
	}
}
