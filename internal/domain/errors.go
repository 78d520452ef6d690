package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrIllegalTransition = errors.New("illegal ndr transition")
	ErrAgentOverCapacity = errors.New("agent at or over capacity")
	ErrNoCapacity        = errors.New("no agent with free capacity")
	ErrInvalidJobArgs    = errors.New("invalid job arguments")
	ErrTenantSuspended   = errors.New("tenant suspended")
	ErrMissingFields     = errors.New("missing required fields")
	ErrInvalidPartition  = errors.New("invalid tenant partition key")
)

// TransitionError reports a rejected state change. The record is left untouched.
type TransitionError struct {
	From NdrStatus
	To   NdrStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal ndr transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
