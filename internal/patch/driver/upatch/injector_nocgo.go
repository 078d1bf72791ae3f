//go:build !cgo

package upatch

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/syscare/syscared/internal/patch/abi"
)

// noopInjector reports the runtime as unavailable when the daemon is
// built without cgo (CGO_ENABLED=0), rather than silently no-op'ing
// patch operations.
type noopInjector struct{}

func newCgoInjector() Injector {
	return noopInjector{}
}

var errNoInjector = fmt.Errorf("upatch: built without cgo, injector unavailable")

func (noopInjector) Status(uuid.UUID) (abi.PatchStatus, error)        { return abi.StatusUnknown, errNoInjector }
func (noopInjector) Check(string, string) error                      { return errNoInjector }
func (noopInjector) Load(uuid.UUID, string, string, bool) error      { return errNoInjector }
func (noopInjector) Remove(uuid.UUID) error                          { return errNoInjector }
func (noopInjector) Active(uuid.UUID, []int) error                   { return errNoInjector }
func (noopInjector) Deactive(uuid.UUID, []int) error                 { return errNoInjector }
