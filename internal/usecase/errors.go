package usecase

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRun is returned when a run id is already tracked.
	ErrDuplicateRun = errors.New("optimization run already exists")
	// ErrUnknownRun is returned for run ids that are not tracked.
	ErrUnknownRun = errors.New("unknown optimization run")
	// ErrRunDiscarded is returned when a run was discarded while its refresh was in flight.
	ErrRunDiscarded = fmt.Errorf("run discarded during refresh: %w", ErrUnknownRun)

	// errRegression marks a partial result that fell below best - epsilon. It never leaves the package.
	errRegression = errors.New("partial refresh regressed beyond tolerance")
	errNaNScore   = errors.New("optimizer returned NaN score")
)

// ProviderFailure wraps an error raised by the optimizer or correlation provider.
type ProviderFailure struct {
	Op    string
	RunID string
	Err   error
}

func (e *ProviderFailure) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s failed for run %s: %v", e.Op, e.RunID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ProviderFailure) Unwrap() error { return e.Err }

// PanicError carries a recovered panic from an external call.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
