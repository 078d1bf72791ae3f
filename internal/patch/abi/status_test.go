package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusOrdering(t *testing.T) {
	assert.True(t, StatusUnknown.Less(StatusNotApplied))
	assert.True(t, StatusNotApplied.Less(StatusDeactived))
	assert.True(t, StatusDeactived.Less(StatusActived))
	assert.True(t, StatusActived.Less(StatusAccepted))
	assert.False(t, StatusAccepted.Less(StatusActived))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "ACTIVED", StatusActived.String())
	assert.Equal(t, "NOT-APPLIED", StatusNotApplied.String())
}
