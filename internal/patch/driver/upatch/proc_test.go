package upatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePID(t *testing.T) {
	pid, ok := parsePID("/proc/1234")
	assert.True(t, ok)
	assert.Equal(t, 1234, pid)
}

func TestParsePIDRejectsNonNumeric(t *testing.T) {
	_, ok := parsePID("/proc/self")
	assert.False(t, ok)
}

func TestParsePIDNoSlash(t *testing.T) {
	pid, ok := parsePID("42")
	assert.True(t, ok)
	assert.Equal(t, 42, pid)
}
