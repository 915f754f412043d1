package consensus

import (
	"errors"
	"flock/datamodel/round"
	"flock/oid"
	"fmt"
)

var (
	ErrTimeout       = errors.New("round timed out before reaching quorum")
	ErrNoQuorum      = errors.New("not enough live units for a quorum")
	ErrCancelled     = errors.New("round cancelled")
	ErrEngineStopped = errors.New("consensus engine stopped")
	ErrBadSignature  = errors.New("ack signature does not verify")
)

// ServiceError is the typed outcome of a request that did not produce a decision.
// Use errors.Is with ErrTimeout, ErrNoQuorum or ErrCancelled to tell them apart.
type ServiceError struct {
	Reason        round.Reason
	RoundID       uint64 // Zero if no round was started
	CorrelationID oid.Oid
	Err           error // Underlying cause, if any
}

func NewServiceError(reason round.Reason, roundID uint64, correlationID oid.Oid) *ServiceError {
	return &ServiceError{Reason: reason, RoundID: roundID, CorrelationID: correlationID}
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("service unavailable: %s", e.Reason)
	if e.RoundID != 0 {
		msg += fmt.Sprintf(" (round %d)", e.RoundID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() []error {
	errs := []error{ReasonError(e.Reason)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ReasonError maps a failure reason to its sentinel error.
func ReasonError(reason round.Reason) error {
	switch reason {
	case round.ReasonTimeout:
		return ErrTimeout
	case round.ReasonNoQuorum:
		return ErrNoQuorum
	case round.ReasonCancelled:
		return ErrCancelled
	}
	return fmt.Errorf("unknown failure reason %q", string(reason))
}
