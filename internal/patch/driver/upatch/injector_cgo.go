//go:build cgo

package upatch

/*
#cgo LDFLAGS: -lupatch
#include <stdlib.h>

typedef enum {
	UPATCH_STATUS_NOT_APPLIED = 1,
	UPATCH_STATUS_DEACTIVED   = 2,
	UPATCH_STATUS_ACTIVE      = 3,
	UPATCH_STATUS_INVALID     = 4,
} upatch_status_t;

extern upatch_status_t upatch_status(const char *uuid);
extern int upatch_check(const char *target_elf, const char *patch_file, char *err_msg, size_t max_len);
extern int upatch_load(const char *uuid, const char *target_elf, const char *patch_file, _Bool force);
extern int upatch_remove(const char *uuid);
extern int upatch_active(const char *uuid, const int *pid_list, size_t list_len);
extern int upatch_deactive(const char *uuid, const int *pid_list, size_t list_len);
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/google/uuid"

	"github.com/syscare/syscared/internal/patch/abi"
)

const checkErrBufLen = 256

// cgoInjector calls into libupatch, the kernel-assisted user-space
// injector shipped alongside syscared.
type cgoInjector struct{}

func newCgoInjector() Injector {
	return cgoInjector{}
}

func (cgoInjector) Status(id uuid.UUID) (abi.PatchStatus, error) {
	cUUID := C.CString(id.String())
	defer C.free(unsafe.Pointer(cUUID))

	switch C.upatch_status(cUUID) {
	case C.UPATCH_STATUS_NOT_APPLIED:
		return abi.StatusNotApplied, nil
	case C.UPATCH_STATUS_DEACTIVED:
		return abi.StatusDeactived, nil
	case C.UPATCH_STATUS_ACTIVE:
		return abi.StatusActived, nil
	default:
		return abi.StatusUnknown, nil
	}
}

func (cgoInjector) Check(targetELF, patchFile string) error {
	cTarget := C.CString(targetELF)
	defer C.free(unsafe.Pointer(cTarget))
	cPatch := C.CString(patchFile)
	defer C.free(unsafe.Pointer(cPatch))

	errBuf := make([]C.char, checkErrBufLen)
	rc := C.upatch_check(cTarget, cPatch, &errBuf[0], C.size_t(checkErrBufLen))
	if rc != 0 {
		return fmt.Errorf("upatch_check failed (%d): %s", int(rc), C.GoString(&errBuf[0]))
	}
	return nil
}

func (cgoInjector) Load(id uuid.UUID, targetELF, patchFile string, force bool) error {
	cUUID := C.CString(id.String())
	defer C.free(unsafe.Pointer(cUUID))
	cTarget := C.CString(targetELF)
	defer C.free(unsafe.Pointer(cTarget))
	cPatch := C.CString(patchFile)
	defer C.free(unsafe.Pointer(cPatch))

	if rc := C.upatch_load(cUUID, cTarget, cPatch, C.bool(force)); rc != 0 {
		return fmt.Errorf("upatch_load failed with code %d", int(rc))
	}
	return nil
}

func (cgoInjector) Remove(id uuid.UUID) error {
	cUUID := C.CString(id.String())
	defer C.free(unsafe.Pointer(cUUID))

	if rc := C.upatch_remove(cUUID); rc != 0 {
		return fmt.Errorf("upatch_remove failed with code %d", int(rc))
	}
	return nil
}

func (cgoInjector) Active(id uuid.UUID, pids []int) error {
	cUUID, cPids, ptr := marshalPidCall(id, pids)
	defer C.free(unsafe.Pointer(cUUID))

	if rc := C.upatch_active(cUUID, ptr, C.size_t(len(cPids))); rc != 0 {
		return fmt.Errorf("upatch_active failed with code %d", int(rc))
	}
	return nil
}

func (cgoInjector) Deactive(id uuid.UUID, pids []int) error {
	cUUID, cPids, ptr := marshalPidCall(id, pids)
	defer C.free(unsafe.Pointer(cUUID))

	if rc := C.upatch_deactive(cUUID, ptr, C.size_t(len(cPids))); rc != 0 {
		return fmt.Errorf("upatch_deactive failed with code %d", int(rc))
	}
	return nil
}

func marshalPidCall(id uuid.UUID, pids []int) (*C.char, []C.int, *C.int) {
	cUUID := C.CString(id.String())
	cPids := make([]C.int, len(pids))
	for i, pid := range pids {
		cPids[i] = C.int(pid)
	}
	var ptr *C.int
	if len(cPids) > 0 {
		ptr = &cPids[0]
	}
	return cUUID, cPids, ptr
}
