package upatch

import (
	"os"
	"syscall"
)

// inodeOf extracts the inode number backing info, used to match a
// process's mapped files against a target ELF even when the path
// itself has been replaced (e.g. after an in-place package upgrade).
func inodeOf(info os.FileInfo) uint64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return st.Ino
}
