// Package identifiers validates the names syscared uses as patch,
// target, and entity identifiers. Grounded on the teacher's
// pkg/identifiers, generalized from containerd's namespace/object
// identifier rules to patch/target naming: alphanumeric with limited
// underscores, dashes, dots, and (unlike containerd identifiers)
// forward slashes, since entity names are "<target>/<patch>" pairs.
package identifiers

import (
	"fmt"
	"regexp"

	"github.com/syscare/syscared/internal/patch/abi"
)

const (
	maxLength  = 128
	alphanum   = `[A-Za-z0-9]+`
	separators = `[._/-]`
)

var identifierRe = regexp.MustCompile(reAnchor(alphanum + reGroup(separators+reGroup(alphanum)) + "*"))

// Validate returns nil if s is a valid patch/target/entity identifier.
func Validate(s string) error {
	if len(s) == 0 {
		return abi.NewError(abi.ErrInvalidFormat, "", "identifier must not be empty", nil)
	}
	if len(s) > maxLength {
		return abi.NewError(abi.ErrInvalidFormat, s,
			fmt.Sprintf("identifier greater than maximum length (%d characters)", maxLength), nil)
	}
	if !identifierRe.MatchString(s) {
		return abi.NewError(abi.ErrInvalidFormat, s,
			fmt.Sprintf("identifier must match %v", identifierRe), nil)
	}
	return nil
}

// EntityName builds the "<target>/<patch>" display key for a patch.
func EntityName(target, patch string) string {
	return target + "/" + patch
}

func reGroup(s string) string {
	return `(?:` + s + `)`
}

func reAnchor(s string) string {
	return `^` + s + `$`
}
