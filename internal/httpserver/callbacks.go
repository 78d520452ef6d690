package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"opsync/internal/domain"
	"opsync/internal/notify"
	"opsync/internal/store"
	"opsync/internal/tenant"
	"opsync/internal/util"
)

// ProviderCallbacks takes delivery reports for outbox notifications.
type ProviderCallbacks struct {
	Directory       store.TenantDirectory
	Scopes          tenant.ScopeBuilder
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	AuthToken       string
	// PublicURL is the externally visible base of the Twilio callback route.
	PublicURL string
	Now       func() time.Time
}

func (p *ProviderCallbacks) Register(mux *mux.Router) {
	mux.HandleFunc("/webhooks/notify/twilio/{tenantId}/{id}", p.handleTwilioStatus).Methods(http.MethodPost)
}

func (p *ProviderCallbacks) handleTwilioStatus(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, id := vars["tenantId"], vars["id"]
	if err := r.ParseForm(); err != nil {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return
	}
	fullURL := notify.CallbackURL(p.PublicURL, tenantID, id)
	if p.VerifySignature == nil || !p.VerifySignature(p.AuthToken, fullURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	msgSid := r.PostForm.Get("MessageSid")
	status := r.PostForm.Get("MessageStatus")
	errCode := r.PostForm.Get("ErrorCode")

	sc, err := tenant.Open(r.Context(), p.Directory, p.Scopes, tenantID)
	if err != nil {
		writeError(rw, r, err)
		return
	}
	changed, err := notify.ApplyProviderStatus(r.Context(), sc.Data, id, msgSid, status, errCode, p.now())
	if errors.Is(err, domain.ErrNotFound) {
		// Unknown ids are acknowledged so Twilio stops retrying.
		sc.Logger.Warn("status callback for unknown notification", "notification_id", id, "message_sid", msgSid)
		rw.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		slog.Error("apply provider status failed", "err", err, "tenant_id", tenantID, "notification_id", id, "status", status)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	if changed {
		sc.Logger.Info("notification undelivered", "notification_id", id, "message_sid", msgSid, "status", status, "error_code", errCode)
	}
	rw.WriteHeader(http.StatusOK)
}

func (p *ProviderCallbacks) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}
