// Package orcherr holds the error taxonomy shared by the orchestration engine.
// Callers wrap these with fmt.Errorf("...: %w", err) and match with errors.Is.
package orcherr

import "errors"

var (
	// ErrTransientPipelineFailure marks a pipeline crash or stall that the owner may retry.
	ErrTransientPipelineFailure = errors.New("transient pipeline failure")

	// ErrResourceExhausted is recorded as the reason of a software claim granted
	// because all hardware slots were taken. It is never returned to operators.
	ErrResourceExhausted = errors.New("hardware encode capacity exhausted")

	// ErrHardwareInstability is the reason of a software claim for a codec that
	// previously faulted on the hardware encoder.
	ErrHardwareInstability = errors.New("hardware instability detected")

	// ErrConfigurationInvalid rejects a request before any side effect.
	ErrConfigurationInvalid = errors.New("configuration invalid")

	// ErrOperationTimeout signals a bounded wait expired.
	ErrOperationTimeout = errors.New("operation timed out")

	ErrCanceled   = errors.New("operation canceled")
	ErrSuperseded = errors.New("superseded by a newer request")

	// ErrNoScene is returned when the compositor is asked to start without a scene.
	ErrNoScene = errors.New("no scene supplied")

	// ErrPipelineNotRunning is returned when a branch targets a pipeline that is not running.
	ErrPipelineNotRunning = errors.New("pipeline not running")

	// ErrFailed reports an ingest that exhausted its retries.
	ErrFailed = errors.New("retry ceiling exceeded")
)
