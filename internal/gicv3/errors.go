package gicv3

import (
	"errors"
	"fmt"
)

// Caller errors returned by AddSPI and AddLPI. Board code normally treats
// them as fatal, but the controller is left usable.
var (
	ErrOutOfRange     = errors.New("gicv3: interrupt range exceeds hardware capability")
	ErrMSIUnsupported = errors.New("gicv3: message-based SPIs not supported")
	ErrOverlap        = errors.New("gicv3: interrupt range overlaps a registered range")
	ErrOutOfOrder     = errors.New("gicv3: interrupt range registered out of ascending order")
	ErrLPIUnsupported = errors.New("gicv3: LPIs not supported")
)

// Phase errors.
var (
	ErrAlreadyInitialized    = errors.New("gicv3: global initialization already ran")
	ErrNotInitialized        = errors.New("gicv3: global initialization has not run")
	ErrCPUAlreadyInitialized = errors.New("gicv3: CPU already initialized")
	ErrRegistryFrozen        = errors.New("gicv3: interrupt registries are frozen")
)

// Fatal conditions. They reach callers wrapped in a *FatalError.
var (
	ErrUnknownVersion        = errors.New("gicv3: unknown architecture version")
	ErrDuplicateTable        = errors.New("gicv3: two ITS tables of the same type")
	ErrTableTooLarge         = errors.New("gicv3: table exceeds 256 pages")
	ErrPageSizeMismatch      = errors.New("gicv3: table page size not accepted by hardware")
	ErrRedistributorNotFound = errors.New("gicv3: no redistributor for this CPU")
	ErrTimeout               = errors.New("gicv3: timed out waiting for hardware")
)

// FatalError is a configuration or hardware failure the controller cannot
// recover from. Boot must stop.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("gicv3: fatal: %s: %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(op string, err error) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
