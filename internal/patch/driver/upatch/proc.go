package upatch

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/syscare/syscared/pkg/fs"
)

const procDir = "/proc"

// findTargetProcesses returns the set of pids currently running
// targetELF, matched either by /proc/<pid>/exe or by inode match
// against /proc/<pid>/map_files/*. Grounded on the original's
// UserPatchDriver::find_target_process.
func findTargetProcesses(targetELF string) (map[int]struct{}, error) {
	info, err := os.Stat(targetELF)
	if err != nil {
		return nil, fmt.Errorf("failed to stat target elf: %w", err)
	}
	targetIno := inodeOf(info)

	procs, err := fs.ListDirs(procDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", procDir, err)
	}

	pids := make(map[int]struct{})
	for _, procPath := range procs {
		pid, ok := parsePID(procPath)
		if !ok {
			continue
		}

		exePath, err := os.Readlink(fmt.Sprintf("%s/%d/exe", procDir, pid))
		if err == nil && exePath == targetELF {
			pids[pid] = struct{}{}
			continue
		}

		mapFiles, err := fs.ListSymlinks(fmt.Sprintf("%s/%d/map_files", procDir, pid))
		if err != nil {
			continue
		}
		for _, mapped := range mapFiles {
			mappedInfo, err := os.Stat(mapped)
			if err != nil {
				continue
			}
			if inodeOf(mappedInfo) == targetIno {
				pids[pid] = struct{}{}
				break
			}
		}
	}
	return pids, nil
}

func parsePID(procPath string) (int, bool) {
	base := procPath
	if i := strings.LastIndexByte(procPath, '/'); i >= 0 {
		base = procPath[i+1:]
	}
	pid, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}
	return pid, true
}
