package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPolicyDenied        = errors.New("policy denied")
	ErrInvalidParameters   = errors.New("invalid parameters")
	ErrUnsupportedTask     = errors.New("unsupported task")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrStepFailure         = errors.New("step failed")
	ErrJobNotFound         = errors.New("job not found")
	ErrInvalidTransition   = errors.New("invalid job transition")
)

// PolicyError carries the category of a denied submission. The matched text
// is never included.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Reason)
}

func (e *PolicyError) Unwrap() error { return ErrPolicyDenied }

type TransitionError struct {
	JobID string
	From  string
	To    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %q to %q", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
