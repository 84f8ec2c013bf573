package domain

import "strings"

// TargetState is the run mode a connector or task should converge to.
type TargetState string

const (
	TargetStateStarted TargetState = "STARTED"
	TargetStatePaused  TargetState = "PAUSED"
)

func (s TargetState) Valid() bool {
	return s == TargetStateStarted || s == TargetStatePaused
}

func ParseTargetState(value string) (TargetState, error) {
	state := TargetState(strings.ToUpper(strings.TrimSpace(value)))
	if !state.Valid() {
		return "", NewValidationError("unknown target state", ErrInvalidInput,
			WithContextDetail("target_state", value))
	}
	return state, nil
}

// LifecycleState is the observed state of a running connector or task.
type LifecycleState string

const (
	LifecycleInit      LifecycleState = "init"
	LifecycleStarted   LifecycleState = "started"
	LifecyclePaused    LifecycleState = "paused"
	LifecycleStopped   LifecycleState = "stopped"
	LifecycleFailed    LifecycleState = "failed"
	LifecycleCancelled LifecycleState = "cancelled"
)
