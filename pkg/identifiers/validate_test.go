package identifiers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/internal/patch/abi"
)

func TestValidateAccepts(t *testing.T) {
	for _, s := range []string{
		"hotfix-1",
		"kernel-5.10.0",
		"kernel-5.10.0/hotfix-1",
		"nginx_worker.1",
	} {
		assert.NoError(t, Validate(s), s)
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	err := Validate("")
	require.Error(t, err)
	assert.True(t, abi.IsInvalidFormat(err))
}

func TestValidateRejectsTooLong(t *testing.T) {
	err := Validate(strings.Repeat("a", maxLength+1))
	require.Error(t, err)
	assert.True(t, abi.IsInvalidFormat(err))
}

func TestValidateRejectsBadChars(t *testing.T) {
	for _, s := range []string{"has space", "semi;colon", "-leading-sep", "trailing-sep-"} {
		err := Validate(s)
		assert.Error(t, err, s)
	}
}

func TestEntityName(t *testing.T) {
	assert.Equal(t, "kernel-5.10.0/hotfix-1", EntityName("kernel-5.10.0", "hotfix-1"))
}
