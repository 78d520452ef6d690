package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"opsync/internal/dispatch"
	"opsync/internal/domain"
	"opsync/internal/jobs"
	"opsync/internal/ndr"
	sqsqueue "opsync/internal/queue/sqs"
	"opsync/internal/shipping"
	"opsync/internal/store"
	"opsync/internal/tenant"
	"opsync/internal/util"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type JobQueue interface {
	EnqueueJob(ctx context.Context, req sqsqueue.JobRequest) error
}

// Commands is the operator surface over NDRs, deliveries and on-demand jobs.
// Every request builds its own tenant scope.
type Commands struct {
	Directory  store.TenantDirectory
	Scopes     tenant.ScopeBuilder
	NDR        *ndr.Service
	Dispatcher *dispatch.Dispatcher
	Shipping   *shipping.Service
	// Jobs queues sync requests for the worker. Without it they run inline
	// on Executor, bounded by InlineTimeout.
	Jobs          JobQueue
	Executor      *tenant.Executor
	JobArgs       jobs.ArgDefaults
	InlineTimeout time.Duration
	Now           func() time.Time
}

func (c *Commands) Register(mux *mux.Router) {
	t := mux.PathPrefix("/v1/tenants/{tenantId}").Subrouter()
	t.HandleFunc("/ndrs/unassigned", c.handleUnassigned).Methods(http.MethodGet)
	t.HandleFunc("/ndrs/{id}", c.handleGetNdr).Methods(http.MethodGet)
	t.HandleFunc("/ndrs/{id}/assign", c.handleAssign).Methods(http.MethodPost)
	t.HandleFunc("/ndrs/{id}/actions", c.handleAddAction).Methods(http.MethodPost)
	t.HandleFunc("/ndrs/{id}/reattempt", c.handleReattempt).Methods(http.MethodPost)
	t.HandleFunc("/ndrs/{id}/rto", c.handleRTO).Methods(http.MethodPost)
	t.HandleFunc("/ndrs/{id}/resolve", c.handleResolve).Methods(http.MethodPost)
	t.HandleFunc("/orders/{id}/shipments", c.handleCreateShipment).Methods(http.MethodPost)
	t.HandleFunc("/integrations/{id}/test", c.handleTestIntegration).Methods(http.MethodPost)
	t.HandleFunc("/sync/{kind}", c.handleSync).Methods(http.MethodPost)
	t.HandleFunc("/webhook-deliveries/exhausted", c.handleExhausted).Methods(http.MethodGet)
	t.HandleFunc("/webhook-deliveries/{id}/requeue", c.handleRequeue).Methods(http.MethodPost)
}

func (c *Commands) scope(w http.ResponseWriter, r *http.Request) (*tenant.Scope, bool) {
	sc, err := tenant.Open(r.Context(), c.Directory, c.Scopes, mux.Vars(r)["tenantId"])
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return sc, true
}

func (c *Commands) handleUnassigned(w http.ResponseWriter, r *http.Request) {
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	recs, err := c.NDR.Unassigned(r.Context(), sc, limit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.NdrRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

func (c *Commands) handleGetNdr(w http.ResponseWriter, r *http.Request) {
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	rec, actions, err := c.NDR.Get(r.Context(), sc, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec, "actions": actions})
}

func (c *Commands) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req domain.AssignRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	rec, err := c.NDR.AssignToUser(r.Context(), sc, mux.Vars(r)["id"], req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (c *Commands) handleAddAction(w http.ResponseWriter, r *http.Request) {
	var req domain.AddActionRequest
	if !decode(w, r, &req) {
		return
	}
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	res, err := c.NDR.AddAction(r.Context(), sc, mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (c *Commands) handleReattempt(w http.ResponseWriter, r *http.Request) {
	var req domain.ScheduleReattemptRequest
	if !decode(w, r, &req) {
		return
	}
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	res, err := c.NDR.ScheduleReattempt(r.Context(), sc, mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (c *Commands) handleRTO(w http.ResponseWriter, r *http.Request) {
	var req domain.RTORequest
	if !decode(w, r, &req) {
		return
	}
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	rec, err := c.NDR.InitiateRTO(r.Context(), sc, mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (c *Commands) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req domain.ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	rec, err := c.NDR.Resolve(r.Context(), sc, mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCreateShipment books the order with a courier. Repeating the request
// returns the order's existing shipment with 200.
func (c *Commands) handleCreateShipment(w http.ResponseWriter, r *http.Request) {
	var req shipping.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	sh, created, err := c.Shipping.Create(r.Context(), sc, mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, sh)
}

// handleTestIntegration checks the integration's stored credentials against
// the platform. A platform rejection is a 502 carrying the failure.
func (c *Commands) handleTestIntegration(w http.ResponseWriter, r *http.Request) {
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	in, err := sc.Data.GetIntegration(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := sc.Adapters.For(in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if c.InlineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.InlineTimeout)
		defer cancel()
	}
	if err := a.TestConnection(ctx); err != nil {
		sc.Logger.Warn("integration connection test failed", "integration_id", in.ID, "platform", in.Platform, "err", err)
		writeError(w, r, err)
		return
	}
	sc.Logger.Info("integration connection ok", "integration_id", in.ID, "platform", in.Platform)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "integrationId": in.ID, "platform": in.Platform})
}

// handleSync queues kind for the tenant, or runs it inline when no queue is
// configured.
func (c *Commands) handleSync(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := domain.ParseJobKind(vars["kind"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	var override domain.JobArgs
	if r.ContentLength != 0 {
		err := jsonBody(w, r, &override)
		if err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: ErrInvalidJSON})
			return
		}
	}
	now := c.now()
	args := c.JobArgs.Args(kind, now, override)
	if err := args.Validate(kind); err != nil {
		writeError(w, r, err)
		return
	}
	tenantID := vars["tenantId"]
	t, err := c.Directory.GetTenant(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !t.Active() {
		writeError(w, r, domain.ErrTenantSuspended)
		return
	}

	if c.Jobs != nil {
		req := sqsqueue.JobRequest{Kind: kind, TenantID: tenantID, Args: args, RequestedAt: now}
		if err := c.Jobs.EnqueueJob(r.Context(), req); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "kind": kind})
		return
	}

	ctx := r.Context()
	if c.InlineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.InlineTimeout)
		defer cancel()
	}
	run, err := c.Executor.RunForTenant(ctx, kind, tenantID, args)
	if err != nil && run.ID == "" {
		writeError(w, r, err)
		return
	}
	// A failed run is still a completed request; the run carries the error.
	writeJSON(w, http.StatusOK, run)
}

func (c *Commands) handleExhausted(w http.ResponseWriter, r *http.Request) {
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	dels, err := c.Dispatcher.ListExhausted(r.Context(), sc.Data, limit(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dels == nil {
		dels = []domain.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": dels, "count": len(dels)})
}

func (c *Commands) handleRequeue(w http.ResponseWriter, r *http.Request) {
	sc, ok := c.scope(w, r)
	if !ok {
		return
	}
	del, err := c.Dispatcher.Requeue(r.Context(), sc.Data, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, del)
}

func (c *Commands) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return util.NowUTC()
}

func limit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}
