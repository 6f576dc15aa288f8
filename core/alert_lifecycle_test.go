package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAlert() *AlertInstance {
	return &AlertInstance{
		AlertID: "alert-1",
		Status:  AlertStatusOpen,
	}
}

func TestValidTransitions(t *testing.T) {
	cases := []struct {
		from, to AlertStatus
		ok       bool
	}{
		{AlertStatusOpen, AlertStatusAcknowledged, true},
		{AlertStatusOpen, AlertStatusEscalated, true},
		{AlertStatusOpen, AlertStatusResolved, true},
		{AlertStatusOpen, AlertStatusFalsePositive, true},
		{AlertStatusOpen, AlertStatusSuppressed, true},
		{AlertStatusAcknowledged, AlertStatusResolved, true},
		{AlertStatusAcknowledged, AlertStatusEscalated, false},
		{AlertStatusEscalated, AlertStatusAcknowledged, true},
		{AlertStatusResolved, AlertStatusOpen, false},
		{AlertStatusResolved, AlertStatusAcknowledged, false},
		{AlertStatusFalsePositive, AlertStatusOpen, false},
	}
	for _, tc := range cases {
		alert := openAlert()
		alert.Status = tc.from
		assert.Equal(t, tc.ok, alert.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionAssignsUser(t *testing.T) {
	alert := openAlert()
	require.NoError(t, alert.TransitionTo(AlertStatusAcknowledged, "analyst"))
	assert.Equal(t, "analyst", alert.AssignedTo)

	// an existing assignment is not overwritten
	require.NoError(t, alert.TransitionTo(AlertStatusResolved, "someone-else"))
	assert.Equal(t, "analyst", alert.AssignedTo)
}

func TestTransitionRejectsInvalid(t *testing.T) {
	alert := openAlert()
	alert.Status = AlertStatusResolved
	assert.Error(t, alert.TransitionTo(AlertStatusOpen, ""))
	assert.Error(t, alert.TransitionTo("bogus", ""))
	assert.Error(t, alert.TransitionTo("", ""))
}

func TestSuppressAndRevert(t *testing.T) {
	alert := openAlert()
	alert.Status = AlertStatusEscalated
	until := time.Now().Add(time.Hour)

	require.NoError(t, alert.Suppress(until, "analyst"))
	assert.Equal(t, AlertStatusSuppressed, alert.Status)
	assert.Equal(t, AlertStatusEscalated, alert.PriorStatus)
	assert.True(t, alert.SuppressedUntil.Equal(until))

	require.NoError(t, alert.Unsuppress())
	assert.Equal(t, AlertStatusEscalated, alert.Status, "reverts to the prior state")
	assert.True(t, alert.SuppressedUntil.IsZero())
	assert.Empty(t, alert.PriorStatus)
}

func TestSuppressExtension(t *testing.T) {
	alert := openAlert()
	first := time.Now().Add(time.Hour)
	second := time.Now().Add(2 * time.Hour)

	require.NoError(t, alert.Suppress(first, "analyst"))
	require.NoError(t, alert.Suppress(second, "analyst"))
	assert.True(t, alert.SuppressedUntil.Equal(second))
	assert.Equal(t, AlertStatusOpen, alert.PriorStatus, "extension keeps the original prior state")
}

func TestSuppressTerminalRejected(t *testing.T) {
	alert := openAlert()
	alert.Status = AlertStatusResolved
	assert.Error(t, alert.Suppress(time.Now().Add(time.Hour), "analyst"))
}

func TestUnsuppressDefaultsToOpen(t *testing.T) {
	alert := openAlert()
	alert.Status = AlertStatusSuppressed
	require.NoError(t, alert.Unsuppress())
	assert.Equal(t, AlertStatusOpen, alert.Status)
}

func TestAppendEventIDs(t *testing.T) {
	alert := openAlert()
	alert.AppendEventIDs("a", "b")
	alert.AppendEventIDs("b", "c")
	assert.Equal(t, []string{"a", "b", "c"}, alert.RelatedEventIDs)
}

func TestAppendEventIDsCap(t *testing.T) {
	alert := openAlert()
	ids := make([]string, MaxRelatedEventIDs+10)
	for i := range ids {
		ids[i] = fmt.Sprintf("ev-%05d", i)
	}
	alert.AppendEventIDs(ids...)
	assert.Len(t, alert.RelatedEventIDs, MaxRelatedEventIDs)
	assert.Equal(t, "ev-00010", alert.RelatedEventIDs[0], "oldest ids evict first")
}

func TestComputeRiskScore(t *testing.T) {
	assert.Equal(t, 100, ComputeRiskScore(SeverityCritical, 1))
	assert.Equal(t, 50, ComputeRiskScore(SeverityCritical, 0.5))
	assert.Equal(t, 72, ComputeRiskScore(SeverityHigh, 0.9))
	assert.Equal(t, 0, ComputeRiskScore(SeverityInfo, 0))
	assert.Equal(t, 20, ComputeRiskScore(SeverityInfo, 2), "confidence clamps to 1")
	assert.Equal(t, 0, ComputeRiskScore(SeverityHigh, -1), "confidence clamps to 0")
}

func TestIsLive(t *testing.T) {
	assert.True(t, AlertStatusOpen.IsLive())
	assert.True(t, AlertStatusAcknowledged.IsLive())
	assert.True(t, AlertStatusEscalated.IsLive())
	assert.False(t, AlertStatusSuppressed.IsLive())
	assert.False(t, AlertStatusResolved.IsLive())
	assert.False(t, AlertStatusFalsePositive.IsLive())
}
