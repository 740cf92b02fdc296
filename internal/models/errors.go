package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the dialogue runner and its collaborators.
var (
	ErrInvalidInput              = errors.New("invalid input")
	ErrQuotaExceeded             = errors.New("quota exceeded")
	ErrPreconditionUnmet         = errors.New("precondition unmet")
	ErrGatewayUnavailable        = errors.New("analysis gateway unavailable")
	ErrMalformedGatewayResponse  = errors.New("malformed analysis gateway response")
	ErrPersistenceFailure        = errors.New("persistence failure")
	ErrSessionNotFound           = errors.New("session not found")
	ErrSubjectNotFound           = errors.New("subject not found")
	ErrThresholdAlreadyOverriden = errors.New("alert threshold already overridden this round")
	ErrDeviceTaken               = fmt.Errorf("device registered to another subject: %w", ErrInvalidInput)
)

// Precondition names reported by PreconditionError.
const (
	PreconditionRegistration = "registration"
	PreconditionCalibration  = "calibration"
	PreconditionDevice       = "device"
)

// PreconditionError reports which requirement blocked an operation.
type PreconditionError struct {
	Missing string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition unmet: %s", e.Missing)
}

// Is lets errors.Is(err, ErrPreconditionUnmet) match.
func (e *PreconditionError) Is(target error) bool {
	return target == ErrPreconditionUnmet
}
