package ndr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"opsync/internal/domain"
	"opsync/internal/lock"
	"opsync/internal/observability"
	"opsync/internal/platform"
	"opsync/internal/store"
	"opsync/internal/tenant"
	"opsync/internal/util"
)

const (
	OutreachTemplate     = "ndr_outreach"
	DefaultAgentCapacity = 50

	assignBatch = 200
)

type Service struct {
	Policy   Policy
	Agents   []string
	Capacity int
	Locks    lock.Locker
	Now      func() time.Time
}

func NewService(policy Policy, agents []string, capacity int, locks lock.Locker) *Service {
	if locks == nil {
		locks = lock.NewLocal()
	}
	if capacity <= 0 {
		capacity = DefaultAgentCapacity
	}
	return &Service{Policy: policy, Agents: agents, Capacity: capacity, Locks: locks, Now: util.NowUTC}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// withRecord loads id under its record lock and hands it to fn.
func (s *Service) withRecord(ctx context.Context, sc *tenant.Scope, id string, fn func(rec domain.NdrRecord) error) error {
	release, err := s.Locks.Acquire(ctx, sc.TenantID()+":ndr:"+id)
	if err != nil {
		return fmt.Errorf("lock ndr %s: %w", id, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			sc.Logger.Warn("release ndr lock", "ndr_id", id, "err", err)
		}
	}()
	rec, err := sc.Data.GetNdr(ctx, id)
	if err != nil {
		return err
	}
	return fn(rec)
}

// save persists rec (and action) against the version it was loaded at and
// emits the status change when there was one.
func (s *Service) save(ctx context.Context, sc *tenant.Scope, before, rec domain.NdrRecord, action *domain.NdrAction) (domain.NdrRecord, error) {
	rec.UpdatedAt = s.now()
	saved, err := sc.Data.SaveNdr(ctx, rec, before.Version, action)
	if err != nil {
		return domain.NdrRecord{}, fmt.Errorf("save ndr %s: %w", rec.ID, err)
	}
	if before.Status != saved.Status {
		observability.NdrTransitions.WithLabelValues(string(before.Status), string(saved.Status)).Inc()
		sc.Logger.Info("ndr transition", "ndr_id", saved.ID, "from", before.Status, "to", saved.Status)
		s.emit(ctx, sc, domain.EventNdrStatusChanged, saved.ID+":"+strconv.Itoa(saved.Version), map[string]any{
			"ndr":  saved,
			"from": before.Status,
		})
	}
	return saved, nil
}

func (s *Service) emit(ctx context.Context, sc *tenant.Scope, event, key string, data any) {
	if err := sc.Events.Emit(ctx, event, key, data); err != nil {
		sc.Logger.Error("emit event", "event_type", event, "key", key, "err", err)
	}
}

// CreateFromSignal records a courier NDR. Replays of the same (AWB, attempt)
// return the existing record with created=false.
func (s *Service) CreateFromSignal(ctx context.Context, sc *tenant.Scope, sig domain.NdrSignal) (domain.NdrRecord, bool, error) {
	if sig.AWB == "" {
		return domain.NdrRecord{}, false, fmt.Errorf("%w: awb", domain.ErrMissingFields)
	}
	if sig.ReasonCode == "" {
		sig.ReasonCode = domain.ReasonOther
	}
	if sig.AttemptCount <= 0 {
		sig.AttemptCount = 1
	}
	now := s.now()
	rec := domain.NdrRecord{
		ID:            util.NewID("ndr"),
		TenantID:      sc.TenantID(),
		OrderRef:      sig.OrderRef,
		AWB:           sig.AWB,
		Courier:       sig.Courier,
		ReasonCode:    sig.ReasonCode,
		ReasonText:    sig.ReasonText,
		AttemptCount:  sig.AttemptCount,
		OrderValue:    sig.OrderValue,
		PaymentMethod: sig.PaymentMethod,
		CustomerPhone: sig.CustomerPhone,
		Status:        domain.NdrOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.enrich(ctx, sc, &rec)
	rec.Priority = s.Policy.Priority(rec.ReasonCode, rec.OrderValue, rec.PaymentMethod)
	rec.DueAt = DueAt(rec.ReasonCode, now)

	saved, created, err := sc.Data.InsertNdr(ctx, rec)
	if err != nil {
		return domain.NdrRecord{}, false, fmt.Errorf("insert ndr: %w", err)
	}
	if !created {
		return saved, false, nil
	}
	observability.NdrTransitions.WithLabelValues("", string(domain.NdrOpen)).Inc()
	sc.Logger.Info("ndr created", "ndr_id", saved.ID, "awb", saved.AWB, "reason", saved.ReasonCode, "priority", saved.Priority.String())
	s.emit(ctx, sc, domain.EventNdrCreated, saved.ID, saved)
	s.enqueueOutreach(ctx, sc, saved)
	return saved, true, nil
}

// enrich fills order details the courier did not send from the shipment's order.
func (s *Service) enrich(ctx context.Context, sc *tenant.Scope, rec *domain.NdrRecord) {
	sh, err := sc.Data.GetShipmentByAWB(ctx, rec.AWB)
	if err != nil {
		return
	}
	rec.ShipmentID = sh.ID
	if rec.Courier == "" {
		rec.Courier = sh.Courier
	}
	o, err := sc.Data.GetOrder(ctx, sh.OrderID)
	if err != nil {
		return
	}
	if rec.OrderRef == "" {
		rec.OrderRef = o.Number
		if rec.OrderRef == "" {
			rec.OrderRef = o.ExternalID
		}
	}
	if rec.OrderValue == 0 {
		rec.OrderValue = o.Total
	}
	if rec.PaymentMethod == "" {
		rec.PaymentMethod = o.PaymentMethod
	}
	if rec.CustomerPhone == "" {
		rec.CustomerPhone = o.Customer.Phone
	}
}

func (s *Service) enqueueOutreach(ctx context.Context, sc *tenant.Scope, rec domain.NdrRecord) {
	if rec.CustomerPhone == "" {
		return
	}
	phone, err := util.NormalizePhone(rec.CustomerPhone)
	if err != nil {
		sc.Logger.Warn("skip ndr outreach", "ndr_id", rec.ID, "err", err)
		return
	}
	now := s.now()
	err = sc.Data.EnqueueNotification(ctx, domain.Notification{
		ID:         "ntf_" + rec.ID,
		Channel:    domain.ChannelSMS,
		Recipient:  phone,
		TemplateID: OutreachTemplate,
		Vars: map[string]string{
			"awb":       rec.AWB,
			"order_ref": rec.OrderRef,
			"reason":    string(rec.ReasonCode),
		},
		Status:    domain.NotificationPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicate) {
		sc.Logger.Error("enqueue ndr outreach", "ndr_id", rec.ID, "err", err)
	}
}

// AssignToUser assigns a record manually. Agents at capacity are refused and
// an Open record moves to InProgress.
func (s *Service) AssignToUser(ctx context.Context, sc *tenant.Scope, id, userID string) (domain.NdrRecord, error) {
	if userID == "" {
		return domain.NdrRecord{}, domain.ErrMissingFields
	}
	var out domain.NdrRecord
	err := s.withRecord(ctx, sc, id, func(rec domain.NdrRecord) error {
		if rec.AssignedUserID == userID {
			out = rec
			return nil
		}
		stats, err := sc.Data.AgentStats(ctx, []string{userID})
		if err != nil {
			return err
		}
		if stats[userID].Open >= s.Capacity {
			return fmt.Errorf("%w: %s has %d open", domain.ErrAgentOverCapacity, userID, stats[userID].Open)
		}
		out, err = s.assign(ctx, sc, rec, userID)
		return err
	})
	return out, err
}

func (s *Service) assign(ctx context.Context, sc *tenant.Scope, rec domain.NdrRecord, userID string) (domain.NdrRecord, error) {
	next := rec
	if rec.Status == domain.NdrOpen {
		if err := Transition(&next, domain.NdrInProgress); err != nil {
			return domain.NdrRecord{}, err
		}
	} else if !rec.Status.Assignable() {
		return domain.NdrRecord{}, &domain.TransitionError{From: rec.Status, To: domain.NdrInProgress}
	}
	now := s.now()
	next.AssignedUserID = userID
	next.AssignedAt = &now
	saved, err := s.save(ctx, sc, rec, next, nil)
	if err != nil {
		return domain.NdrRecord{}, err
	}
	s.emit(ctx, sc, domain.EventNdrAssigned, saved.ID+":"+userID+":"+strconv.Itoa(saved.Version), map[string]any{
		"ndrId":  saved.ID,
		"userId": userID,
	})
	return saved, nil
}

// AutoAssign hands unassigned Open records, most urgent first, to the least
// loaded agent under capacity. When nobody has room, including when no agents
// are configured, the pass stops and reports NoCapacity.
func (s *Service) AutoAssign(ctx context.Context, sc *tenant.Scope) (domain.AssignmentPass, error) {
	var pass domain.AssignmentPass
	pending, err := sc.Data.ListUnassignedOpen(ctx, assignBatch)
	if err != nil {
		return pass, fmt.Errorf("list unassigned: %w", err)
	}
	if len(pending) == 0 {
		return pass, nil
	}
	if len(s.Agents) == 0 {
		s.noCapacity(sc, &pass, len(pending), 0)
		return pass, nil
	}
	stats, err := sc.Data.AgentStats(ctx, s.Agents)
	if err != nil {
		return pass, fmt.Errorf("agent stats: %w", err)
	}
	loads := make([]domain.AgentLoad, len(s.Agents))
	for i, id := range s.Agents {
		st := stats[id]
		loads[i] = domain.AgentLoad{UserID: id, Open: st.Open, Capacity: s.Capacity, LastAssignedAt: st.LastAssignedAt}
	}

	for i, rec := range pending {
		if ctx.Err() != nil {
			return pass, ctx.Err()
		}
		idx, ok := PickAgent(loads)
		if !ok {
			s.noCapacity(sc, &pass, len(pending)-i, len(loads))
			return pass, nil
		}
		var saved domain.NdrRecord
		err := s.withRecord(ctx, sc, rec.ID, func(cur domain.NdrRecord) error {
			if cur.Status != domain.NdrOpen || cur.AssignedUserID != "" {
				return nil
			}
			var err error
			saved, err = s.assign(ctx, sc, cur, loads[idx].UserID)
			return err
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return pass, err
		}
		if saved.ID == "" {
			continue
		}
		loads[idx].Open++
		loads[idx].LastAssignedAt = *saved.AssignedAt
		pass.Assigned++
	}
	return pass, nil
}

func (s *Service) noCapacity(sc *tenant.Scope, pass *domain.AssignmentPass, remaining, agents int) {
	pass.NoCapacity = true
	pass.Remaining = remaining
	observability.NdrNoCapacity.Inc()
	sc.Logger.Warn("ndr auto-assignment has no capacity", "remaining", remaining, "agents", agents)
}

// AddAction appends an action. A reattempt date moves the record to
// ReattemptScheduled and refreshes its due date; a refusal is only reported.
func (s *Service) AddAction(ctx context.Context, sc *tenant.Scope, id string, req domain.AddActionRequest) (domain.ActionResult, error) {
	if err := req.Validate(); err != nil {
		return domain.ActionResult{}, err
	}
	var res domain.ActionResult
	err := s.withRecord(ctx, sc, id, func(rec domain.NdrRecord) error {
		var err error
		res, err = s.recordAction(ctx, sc, rec, req)
		return err
	})
	return res, err
}

func (s *Service) recordAction(ctx context.Context, sc *tenant.Scope, rec domain.NdrRecord, req domain.AddActionRequest) (domain.ActionResult, error) {
	if rec.Status.Terminal() {
		return domain.ActionResult{}, &domain.TransitionError{From: rec.Status, To: rec.Status}
	}
	now := s.now()
	next := rec
	if req.ReattemptDate != nil {
		// Rescheduling an already scheduled reattempt only refreshes the dates.
		if rec.Status != domain.NdrReattemptScheduled {
			if err := Transition(&next, domain.NdrReattemptScheduled); err != nil {
				return domain.ActionResult{}, err
			}
		}
		at := *req.ReattemptDate
		next.ReattemptAt = &at
		next.DueAt = DueAt(rec.ReasonCode, now)
	}
	action := domain.NdrAction{
		ID:            util.NewID("act"),
		NdrID:         rec.ID,
		Type:          req.Type,
		Outcome:       req.Outcome,
		Notes:         req.Notes,
		ReattemptDate: req.ReattemptDate,
		PerformedBy:   req.PerformedBy,
		PerformedAt:   now,
	}
	saved, err := s.save(ctx, sc, rec, next, &action)
	if err != nil {
		return domain.ActionResult{}, err
	}
	res := domain.ActionResult{Record: saved, Action: action, Refused: req.Outcome == domain.OutcomeCustomerRefused}
	s.emit(ctx, sc, domain.EventNdrActionRecorded, action.ID, action)
	if res.Refused {
		s.emit(ctx, sc, domain.EventNdrRefused, saved.ID+":"+action.ID, map[string]any{
			"ndr":    saved,
			"action": action,
		})
	}
	return res, nil
}

// ScheduleReattempt asks the courier for a reattempt when it supports that,
// then records the reattempt action. A courier failure leaves the record as is.
func (s *Service) ScheduleReattempt(ctx context.Context, sc *tenant.Scope, id string, req domain.ScheduleReattemptRequest) (domain.ActionResult, error) {
	if err := req.Validate(); err != nil {
		return domain.ActionResult{}, err
	}
	var res domain.ActionResult
	err := s.withRecord(ctx, sc, id, func(rec domain.NdrRecord) error {
		if rec.Status != domain.NdrReattemptScheduled && !CanTransition(rec.Status, domain.NdrReattemptScheduled) {
			return &domain.TransitionError{From: rec.Status, To: domain.NdrReattemptScheduled}
		}
		if err := s.requestCourierReattempt(ctx, sc, rec, req.Date); err != nil {
			return err
		}
		date := req.Date
		var err error
		res, err = s.recordAction(ctx, sc, rec, domain.AddActionRequest{
			Type:          domain.ActionReattempt,
			Outcome:       domain.OutcomeReattemptAgreed,
			ReattemptDate: &date,
			PerformedBy:   req.PerformedBy,
		})
		return err
	})
	return res, err
}

func (s *Service) requestCourierReattempt(ctx context.Context, sc *tenant.Scope, rec domain.NdrRecord, date time.Time) error {
	if rec.Courier == "" || sc.Adapters == nil {
		return nil
	}
	in, err := sc.Data.FindIntegrationByPlatform(ctx, rec.Courier)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	courier, err := sc.Adapters.Courier(in)
	if err != nil {
		return err
	}
	rr, ok := courier.(platform.ReattemptRequester)
	if !ok {
		sc.Logger.Info("courier has no reattempt api; recording only", "courier", rec.Courier, "ndr_id", rec.ID)
		return nil
	}
	return rr.RequestReattempt(ctx, rec.AWB, date, "")
}

func (s *Service) InitiateRTO(ctx context.Context, sc *tenant.Scope, id string, req domain.RTORequest) (domain.NdrRecord, error) {
	if err := req.Validate(); err != nil {
		return domain.NdrRecord{}, err
	}
	return s.move(ctx, sc, id, func(rec *domain.NdrRecord) error {
		return Transition(rec, domain.NdrRtoInitiated)
	})
}

func (s *Service) Resolve(ctx context.Context, sc *tenant.Scope, id string, req domain.ResolveRequest) (domain.NdrRecord, error) {
	if err := req.Validate(); err != nil {
		return domain.NdrRecord{}, err
	}
	return s.move(ctx, sc, id, func(rec *domain.NdrRecord) error {
		if err := Transition(rec, domain.NdrResolved); err != nil {
			return err
		}
		rec.Resolution = req.Resolution
		rec.ResolvedBy = req.PerformedBy
		return nil
	})
}

func (s *Service) move(ctx context.Context, sc *tenant.Scope, id string, change func(rec *domain.NdrRecord) error) (domain.NdrRecord, error) {
	var out domain.NdrRecord
	err := s.withRecord(ctx, sc, id, func(rec domain.NdrRecord) error {
		next := rec
		if err := change(&next); err != nil {
			return err
		}
		var err error
		out, err = s.save(ctx, sc, rec, next, nil)
		return err
	})
	return out, err
}

// ApplyShipmentStatus moves the active NDR for awb along when the courier
// reports the shipment delivered or returning. Intermediate states are walked
// so every step is a legal transition; the record is saved once.
func (s *Service) ApplyShipmentStatus(ctx context.Context, sc *tenant.Scope, awb string, status domain.ShipmentStatus) (bool, error) {
	var path []domain.NdrStatus
	var resolution domain.Resolution
	switch status {
	case domain.ShipmentDelivered:
		path, resolution = []domain.NdrStatus{domain.NdrInProgress, domain.NdrResolved}, domain.ResolutionDelivered
	case domain.ShipmentRTOInitiated:
		path = []domain.NdrStatus{domain.NdrInProgress, domain.NdrRtoInitiated}
	case domain.ShipmentRTODelivered:
		path, resolution = []domain.NdrStatus{domain.NdrInProgress, domain.NdrRtoInitiated, domain.NdrResolved}, domain.ResolutionRTO
	case domain.ShipmentCancelled:
		path, resolution = []domain.NdrStatus{domain.NdrInProgress, domain.NdrResolved}, domain.ResolutionCancelled
	default:
		return false, nil
	}

	active, err := sc.Data.FindActiveNdrByAWB(ctx, awb)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	changed := false
	err = s.withRecord(ctx, sc, active.ID, func(rec domain.NdrRecord) error {
		next := rec
		for _, to := range path {
			if next.Status == to || !CanTransition(next.Status, to) {
				continue
			}
			if err := Transition(&next, to); err != nil {
				return err
			}
		}
		if next.Status == rec.Status {
			return nil
		}
		if next.Status == domain.NdrResolved {
			next.Resolution = resolution
			next.ResolvedBy = "courier:" + rec.Courier
		}
		_, err := s.save(ctx, sc, rec, next, nil)
		changed = err == nil
		return err
	})
	return changed, err
}

// FollowUp is the periodic pass: auto-assignment, then one-time SLA breach
// escalation of overdue records.
func (s *Service) FollowUp(ctx context.Context, sc *tenant.Scope, limit int) (domain.UnitCounts, error) {
	var counts domain.UnitCounts
	pass, err := s.AutoAssign(ctx, sc)
	if err != nil {
		return counts, err
	}
	counts.Processed += pass.Assigned + pass.Remaining
	counts.Updated += pass.Assigned
	counts.Unassignable = pass.Remaining

	overdue, err := sc.Data.ListOverdueNdrs(ctx, s.now(), limit)
	if err != nil {
		return counts, fmt.Errorf("list overdue ndrs: %w", err)
	}
	for _, rec := range overdue {
		counts.Processed++
		escalated, err := s.escalate(ctx, sc, rec.ID)
		if err != nil {
			counts.Errored++
			sc.Logger.Error("escalate ndr", "ndr_id", rec.ID, "err", err)
			continue
		}
		if escalated {
			counts.Updated++
		}
	}
	return counts, nil
}

func (s *Service) escalate(ctx context.Context, sc *tenant.Scope, id string) (bool, error) {
	escalated := false
	err := s.withRecord(ctx, sc, id, func(rec domain.NdrRecord) error {
		now := s.now()
		if rec.EscalatedAt != nil || rec.Status.Terminal() || !rec.DueAt.Before(now) {
			return nil
		}
		next := rec
		next.EscalatedAt = &now
		saved, err := s.save(ctx, sc, rec, next, nil)
		if err != nil {
			return err
		}
		escalated = true
		sc.Logger.Warn("ndr sla breached", "ndr_id", saved.ID, "due_at", saved.DueAt, "assigned_user_id", saved.AssignedUserID)
		s.emit(ctx, sc, domain.EventNdrSLABreached, saved.ID, saved)
		return nil
	})
	return escalated, err
}

// Unassigned is the operator view of records waiting for an agent.
func (s *Service) Unassigned(ctx context.Context, sc *tenant.Scope, limit int) ([]domain.NdrRecord, error) {
	return sc.Data.ListUnassignedOpen(ctx, limit)
}

func (s *Service) Get(ctx context.Context, sc *tenant.Scope, id string) (domain.NdrRecord, []domain.NdrAction, error) {
	rec, err := sc.Data.GetNdr(ctx, id)
	if err != nil {
		return domain.NdrRecord{}, nil, err
	}
	actions, err := sc.Data.ListActions(ctx, id)
	return rec, actions, err
}
