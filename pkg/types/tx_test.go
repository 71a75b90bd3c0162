package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from, to Status
	}{
		{StatusNew, StatusSubmitted},
		{StatusSubmitted, StatusInProgress},
		{StatusSubmitted, StatusFailedInProgress},
		{StatusInProgress, StatusInProgress},
		{StatusInProgress, StatusSuccessful},
		{StatusInProgress, StatusFailedInProgress},
		{StatusFailedInProgress, StatusFailed},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct {
		from, to Status
	}{
		{StatusNew, StatusInProgress},
		{StatusNew, StatusFailed},
		{StatusSubmitted, StatusSuccessful},
		{StatusSubmitted, StatusFailed},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusSubmitted},
		{StatusFailedInProgress, StatusSuccessful},
		{StatusFailedInProgress, StatusInProgress},
		{StatusFailed, StatusSubmitted},
		{StatusSuccessful, StatusInProgress},
		{StatusSuccessful, StatusFailed},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestCanTransitionIdempotent(t *testing.T) {
	// Setting a status to itself is always permitted, terminal states
	// included.
	for _, s := range AllStatuses {
		assert.True(t, CanTransition(s, s), "%s -> %s should be allowed", s, s)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusFailed))
	assert.True(t, IsTerminal(StatusSuccessful))
	assert.True(t, IsTerminal(StatusUnknown))
	assert.False(t, IsTerminal(StatusNew))
	assert.False(t, IsTerminal(StatusSubmitted))
	assert.False(t, IsTerminal(StatusInProgress))
	assert.False(t, IsTerminal(StatusFailedInProgress))
}

func TestTxTop(t *testing.T) {
	tx := &Tx{}
	_, ok := tx.Top()
	assert.False(t, ok)

	tx.Stack = []StackEntry{
		{Tag: "a", Version: 1},
		{Tag: "b", Version: 1},
	}
	top, ok := tx.Top()
	assert.True(t, ok)
	assert.Equal(t, "b", top.Tag)
}

func TestOperationKinds(t *testing.T) {
	assert.True(t, KnownOperationKind(OpCreateTable))
	assert.True(t, KnownOperationKind(OpShutdownTabletServer))
	assert.False(t, KnownOperationKind("MAKE_COFFEE"))

	assert.True(t, IsWireExportable(OpCreateTable))
	assert.True(t, IsWireExportable(OpBulkImport))
	assert.False(t, IsWireExportable(OpCommitCompaction))
	assert.False(t, IsWireExportable(OpShutdownTabletServer))
}

func TestReservationHeld(t *testing.T) {
	assert.False(t, Reservation{}.Held())
	assert.True(t, Reservation{OwnerID: "owner-1"}.Held())
}

func TestIDString(t *testing.T) {
	id := ID{Instance: InstanceUser, UUID: "abc-123"}
	assert.Equal(t, "USER:abc-123", id.String())
	assert.False(t, id.IsZero())
	assert.True(t, ID{}.IsZero())
}
