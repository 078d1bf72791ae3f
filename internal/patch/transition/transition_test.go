package transition

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syscare/syscared/internal/patch/abi"
	"github.com/syscare/syscared/internal/patch/statemachine"
)

func testPatch() *abi.Patch {
	return &abi.Patch{UUID: uuid.New(), EntityName: "kernel-5.10.0/hotfix-1"}
}

func TestRunExecutesActionsInOrder(t *testing.T) {
	var order []string
	actions := ActionSet{
		statemachine.ActionApply: func(_ context.Context, _ *abi.Patch) error {
			order = append(order, "apply")
			return nil
		},
	}
	e := New(actions)

	err := e.Run(context.Background(), testPatch(), abi.StatusNotApplied, abi.StatusDeactived)
	require.NoError(t, err)
	assert.Equal(t, []string{"apply"}, order)
}

func TestRunStopsAtFirstError(t *testing.T) {
	var ran []string
	boom := errors.New("boom")
	actions := ActionSet{
		statemachine.ActionDecline: func(_ context.Context, _ *abi.Patch) error {
			ran = append(ran, "decline")
			return boom
		},
		statemachine.ActionDeactive: func(_ context.Context, _ *abi.Patch) error {
			ran = append(ran, "deactive")
			return nil
		},
		statemachine.ActionRemove: func(_ context.Context, _ *abi.Patch) error {
			ran = append(ran, "remove")
			return nil
		},
	}
	e := New(actions)

	err := e.Run(context.Background(), testPatch(), abi.StatusAccepted, abi.StatusNotApplied)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"decline"}, ran)
}

func TestRunUnknownTransition(t *testing.T) {
	e := New(ActionSet{})
	err := e.Run(context.Background(), testPatch(), abi.StatusActived, abi.StatusActived)
	require.Error(t, err)
	assert.True(t, abi.IsInvalidTransition(err))
}

func TestRunMissingActionRegistration(t *testing.T) {
	e := New(ActionSet{})
	err := e.Run(context.Background(), testPatch(), abi.StatusNotApplied, abi.StatusDeactived)
	require.Error(t, err)
	assert.True(t, abi.IsInvalidTransition(err))
}
