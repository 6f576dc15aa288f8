package core

import (
	"errors"
	"fmt"
	"time"
)

// validTransitions defines the escalation state machine. Terminal states
// permit nothing; suppressed may revert to any non-terminal state.
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusOpen:          {AlertStatusAcknowledged, AlertStatusEscalated, AlertStatusResolved, AlertStatusFalsePositive, AlertStatusSuppressed},
	AlertStatusAcknowledged:  {AlertStatusResolved, AlertStatusFalsePositive, AlertStatusSuppressed},
	AlertStatusEscalated:     {AlertStatusAcknowledged, AlertStatusResolved, AlertStatusFalsePositive, AlertStatusSuppressed},
	AlertStatusSuppressed:    {AlertStatusOpen, AlertStatusAcknowledged, AlertStatusEscalated, AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusResolved:      {},
	AlertStatusFalsePositive: {},
}

// TransitionTo validates and executes an alert state transition
func (a *AlertInstance) TransitionTo(newStatus AlertStatus, userID string) error {
	if newStatus == "" {
		return errors.New("new status cannot be empty")
	}
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid alert status: %s", newStatus)
	}

	allowed, exists := validTransitions[a.Status]
	if !exists {
		return fmt.Errorf("unknown current status: %s", a.Status)
	}

	permitted := false
	for _, status := range allowed {
		if status == newStatus {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("invalid transition: %s -> %s (allowed: %v)", a.Status, newStatus, allowed)
	}

	if a.Status == AlertStatusSuppressed && newStatus != AlertStatusSuppressed {
		a.SuppressedUntil = time.Time{}
		a.PriorStatus = ""
	}

	a.Status = newStatus
	if a.AssignedTo == "" && userID != "" {
		a.AssignedTo = userID
	}

	return nil
}

// CanTransitionTo checks a transition without executing it
func (a *AlertInstance) CanTransitionTo(newStatus AlertStatus) bool {
	if !newStatus.IsValid() {
		return false
	}
	allowed, exists := validTransitions[a.Status]
	if !exists {
		return false
	}
	for _, status := range allowed {
		if status == newStatus {
			return true
		}
	}
	return false
}

// Suppress mutes the alert until the given deadline, remembering the prior
// state for the auto-revert
func (a *AlertInstance) Suppress(until time.Time, userID string) error {
	if a.Status.IsTerminal() {
		return fmt.Errorf("cannot suppress terminal alert %s", a.AlertID)
	}
	if a.Status == AlertStatusSuppressed {
		// Extend the existing suppression without losing the prior state
		a.SuppressedUntil = until
		return nil
	}
	prior := a.Status
	if err := a.TransitionTo(AlertStatusSuppressed, userID); err != nil {
		return err
	}
	a.PriorStatus = prior
	a.SuppressedUntil = until
	return nil
}

// Unsuppress reverts a suppressed alert to its prior non-terminal state
func (a *AlertInstance) Unsuppress() error {
	if a.Status != AlertStatusSuppressed {
		return fmt.Errorf("alert %s is not suppressed", a.AlertID)
	}
	prior := a.PriorStatus
	if prior == "" {
		prior = AlertStatusOpen
	}
	return a.TransitionTo(prior, "")
}

// GetAllowedTransitions returns all valid transitions from the current state
func (a *AlertInstance) GetAllowedTransitions() []AlertStatus {
	allowed, exists := validTransitions[a.Status]
	if !exists {
		return []AlertStatus{}
	}
	result := make([]AlertStatus, len(allowed))
	copy(result, allowed)
	return result
}
