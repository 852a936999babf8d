// Package core defines sentinel errors shared by the slow-path packages.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify with errors.Is.
var (
	// Request errors: the request itself is invalid in the current state.
	ErrInvalidTransition = errors.New("ramrod: invalid state transition")
	ErrDuplicate         = errors.New("ramrod: duplicate entry")
	ErrNotFound          = errors.New("ramrod: entry not found")
	ErrInvalidArgument   = errors.New("ramrod: invalid argument")
	ErrNotSupported      = errors.New("ramrod: operation not supported on this chip")

	// Retryable errors.
	ErrBusy     = errors.New("ramrod: object busy")
	ErrNoCredit = fmt.Errorf("%w: credit pool exhausted", ErrBusy)
	ErrTimeout  = errors.New("ramrod: timed out waiting for completion")

	// Inconsistent state between driver and firmware.
	ErrProtocolMismatch = errors.New("ramrod: completion does not match a pending command")
	ErrRamrodFailed     = errors.New("ramrod: firmware reported command failure")

	ErrNoMem = errors.New("ramrod: allocation failure")

	// Configuration errors
	ErrConfigInvalid = errors.New("ramrod: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("ramrod: daemon not running")
)

// Retryable reports whether err means "try again later".
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrTimeout)
}

// Invalid reports whether err means the request can never succeed as issued.
func Invalid(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotSupported)
}

// Inconsistent reports whether err means driver and firmware disagree.
func Inconsistent(err error) bool {
	return errors.Is(err, ErrProtocolMismatch) || errors.Is(err, ErrRamrodFailed)
}
