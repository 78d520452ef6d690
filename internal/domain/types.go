package domain

import "time"

type AssignRequest struct {
	UserID string `json:"userId"`
}

func (r AssignRequest) Validate() error {
	if r.UserID == "" {
		return ErrMissingFields
	}
	return nil
}

type AddActionRequest struct {
	Type          ActionType    `json:"type"`
	Outcome       ActionOutcome `json:"outcome,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	ReattemptDate *time.Time    `json:"reattemptDate,omitempty"`
	PerformedBy   string        `json:"performedBy"`
}

func (r AddActionRequest) Validate() error {
	if r.PerformedBy == "" || !r.Type.Valid() {
		return ErrMissingFields
	}
	if r.Type == ActionReattempt && r.ReattemptDate == nil {
		return ErrMissingFields
	}
	return nil
}

type ScheduleReattemptRequest struct {
	Date        time.Time `json:"date"`
	PerformedBy string    `json:"performedBy"`
}

func (r ScheduleReattemptRequest) Validate() error {
	if r.Date.IsZero() || r.PerformedBy == "" {
		return ErrMissingFields
	}
	return nil
}

type ResolveRequest struct {
	Resolution  Resolution `json:"resolution"`
	PerformedBy string     `json:"performedBy"`
}

func (r ResolveRequest) Validate() error {
	if !r.Resolution.Valid() || r.PerformedBy == "" {
		return ErrMissingFields
	}
	return nil
}

type RTORequest struct {
	PerformedBy string `json:"performedBy"`
}

func (r RTORequest) Validate() error {
	if r.PerformedBy == "" {
		return ErrMissingFields
	}
	return nil
}

// ActionResult is returned from recording an action. Refused is a signal for
// upstream automation; it does not by itself change the record's status.
type ActionResult struct {
	Record  NdrRecord `json:"record"`
	Action  NdrAction `json:"action"`
	Refused bool      `json:"refused"`
}

// AssignmentPass summarizes one auto-assignment run.
type AssignmentPass struct {
	Assigned   int  `json:"assigned"`
	Remaining  int  `json:"remaining"`
	NoCapacity bool `json:"noCapacity"`
}
