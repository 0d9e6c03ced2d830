// Package orcherrors defines the sentinel error taxonomy shared across
// the orchestrator (spec §7): input errors, planner errors, dispatch
// transients, subtask failures, store errors, and poison messages.
// Components wrap these with fmt.Errorf("...: %w", Sentinel) so callers
// can classify with errors.Is while still getting a specific message.
package orcherrors

import "errors"

var (
	// ErrBadPlan is returned when the Planner's output cannot be parsed
	// or normalized into valid subtask records (spec §4.1).
	ErrBadPlan = errors.New("ERR_BAD_PLAN")

	// ErrCyclic is returned when the induced subtask dependency graph
	// contains a cycle (spec §4.1 step 4).
	ErrCyclic = errors.New("ERR_CYCLIC")

	// ErrValidation covers input errors surfaced as HTTP 400.
	ErrValidation = errors.New("validation error")

	// ErrNotFound covers unknown task lookups, surfaced as 404.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable covers DurableStore/CoordStore outages,
	// surfaced as HTTP 503 and retried indefinitely inside long-running loops.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNoMatchingWorker is an internal signal (never surfaced to the
	// API caller) meaning worker selection found nothing live+available+matching.
	ErrNoMatchingWorker = errors.New("no matching live worker")

	// ErrWorkerBusy signals a 503 response from a worker's /execute call.
	ErrWorkerBusy = errors.New("worker busy")

	// ErrPoisonMessage marks a queue item that failed to parse and must
	// be dropped, not re-enqueued (spec §7).
	ErrPoisonMessage = errors.New("poison message")

	// ErrInvalidTransition covers an illegal Task.State transition attempt.
	ErrInvalidTransition = errors.New("invalid task state transition")
)
