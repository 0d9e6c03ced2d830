package model

import "fmt"

const (
	MinDescriptionLen        = 10
	MaxDescriptionLen        = 5000
	MinSubtaskDescriptionLen = 10
	MaxSubtaskDescriptionLen = 1000
	MinPriority              = 0
	MaxPriority              = 10
	DefaultPriority          = 5
)

// ValidateTaskDescription enforces the 10..5000 char bound from §3.
func ValidateTaskDescription(desc string) error {
	n := len(desc)
	if n < MinDescriptionLen || n > MaxDescriptionLen {
		return fmt.Errorf("description must be %d..%d chars, got %d", MinDescriptionLen, MaxDescriptionLen, n)
	}
	return nil
}

// ValidateSubtaskDescription enforces the 10..1000 char bound from §3.
func ValidateSubtaskDescription(desc string) error {
	n := len(desc)
	if n < MinSubtaskDescriptionLen || n > MaxSubtaskDescriptionLen {
		return fmt.Errorf("subtask description must be %d..%d chars, got %d", MinSubtaskDescriptionLen, MaxSubtaskDescriptionLen, n)
	}
	return nil
}

// ClampPriority clamps p into 0..10 as required by the Decomposer (§4.1 step 3).
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
