package orchestrator

import (
	"errors"
	"fmt"
)

// Pipeline failure categories. API handlers map these to status codes and
// the failure reason recorded on the execution names one of them.
var (
	ErrInvalidRequest          = errors.New("invalid generation request")
	ErrQualityThresholdNotMet  = errors.New("quality threshold not met")
	ErrSwarmConsensusFailure   = errors.New("swarm consensus failure")
	ErrWorkerTimeout           = errors.New("worker timeout")
	ErrSafetyVeto              = errors.New("safety veto")
	ErrExecutionNotFound       = errors.New("execution not found")
	ErrAlreadyTerminal         = errors.New("execution already terminal")
	ErrCapacityExhausted       = errors.New("execution capacity exhausted")
)

func invalidRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
