package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"opsync/internal/notify"
)

const callbackAttempts = 5

type sendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

// twilioSim answers the Messages API and plays back status callbacks the way
// Twilio does: queued, sent, then the final status.
type twilioSim struct {
	s        *server
	outcomes []string
	idx      atomic.Uint64
	sids     atomic.Uint64
}

func newTwilioSim(s *server) *twilioSim {
	return &twilioSim{s: s, outcomes: parseCSV(s.cfg.TwilioOutcomes)}
}

func (t *twilioSim) handleSend(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != t.s.cfg.TwilioAccountSID || pass != t.s.cfg.TwilioAuthToken {
		writeError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.Form.Get("To") == "" || r.Form.Get("Body") == "" {
		writeError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.Form.Get("MessagingServiceSid") == "" && r.Form.Get("From") == "" {
		writeError(w, http.StatusBadRequest, 21606, "From or MessagingServiceSid is required")
		return
	}

	outcome := t.outcomes[int(t.idx.Add(1)-1)%len(t.outcomes)]
	finalStatus, errorCode, sendSent, httpStatus, callErr := classifyOutcome(outcome)
	if callErr != nil {
		if httpStatus == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", strconv.Itoa(t.s.cfg.RetryAfter))
		}
		writeError(w, httpStatus, errorCode, callErr.Error())
		return
	}

	sid := fmt.Sprintf("SM%06d", t.sids.Add(1)-1)
	writeJSON(w, http.StatusCreated, sendResponse{Sid: sid, Status: "queued"})

	if cb := r.Form.Get("StatusCallback"); cb != "" {
		go t.callbacks(cb, sid, finalStatus, errorCode, sendSent)
	}
}

func (t *twilioSim) callbacks(callbackURL, sid, finalStatus string, errorCode int, sendSent bool) {
	post := func(status string, code int) {
		form := url.Values{}
		form.Set("MessageSid", sid)
		form.Set("MessageStatus", status)
		form.Set("ErrorCode", "")
		if code != 0 {
			form.Set("ErrorCode", strconv.Itoa(code))
		}
		sig := notify.TwilioSignature(t.s.cfg.TwilioAuthToken, callbackURL, form)
		if err := t.postWithRetry(context.Background(), callbackURL, sig, form); err != nil {
			t.s.logger.Error("mock twilio callback failed", "url", callbackURL, "sid", sid, "err", err)
		}
	}

	delay := t.s.cfg.CallbackDelay
	if sendSent {
		time.Sleep(delay / 2)
		post("sent", 0)
	}
	time.Sleep(delay)
	post(finalStatus, errorCode)
}

func (t *twilioSim) postWithRetry(ctx context.Context, callbackURL, sig string, form url.Values) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)

		resp, err := t.s.client.Do(req)
		status := 0
		var wait time.Duration
		if resp != nil {
			status = resp.StatusCode
			wait = parseRetryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		if err == nil && !isRetryableStatus(status) {
			return fmt.Errorf("callback rejected: status=%d", status)
		}
		if attempt == callbackAttempts-1 {
			if err != nil {
				return err
			}
			return fmt.Errorf("callback failed: status=%d", status)
		}
		if wait <= 0 {
			wait = time.Duration(250<<attempt) * time.Millisecond
		}
		t.s.logger.Warn("mock twilio callback retrying", "url", callbackURL, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// parseRetryAfter reads the delay-seconds form; HTTP dates are ignored.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// classifyOutcome maps an outcome token such as "undelivered:30005" onto the
// final callback status or a synchronous API error.
func classifyOutcome(raw string) (finalStatus string, errorCode int, sendSent bool, httpStatus int, callErr error) {
	kind, code, _ := strings.Cut(strings.TrimSpace(raw), ":")
	if v, err := strconv.Atoi(code); err == nil {
		errorCode = v
	}
	orDefault := func(def int) int {
		if errorCode == 0 {
			return def
		}
		return errorCode
	}

	switch kind {
	case "", "ok", "success":
		return "delivered", 0, true, http.StatusCreated, nil
	case "undelivered":
		return "undelivered", orDefault(30003), true, http.StatusCreated, nil
	case "failed":
		return "failed", orDefault(30008), false, http.StatusCreated, nil
	case "rate_limit", "429":
		return "", orDefault(20429), false, http.StatusTooManyRequests, errors.New("rate limited")
	case "bad_request", "400":
		return "", orDefault(21211), false, http.StatusBadRequest, errors.New("invalid 'To' phone number")
	case "server_error", "500":
		return "", orDefault(20500), false, http.StatusInternalServerError, errors.New("server error")
	}
	return "", orDefault(30008), false, http.StatusInternalServerError, errors.New("mock error: " + kind)
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	resp := sendResponse{Status: "failed", Message: msg}
	if code != 0 {
		resp.ErrorCode = &code
	}
	writeJSON(w, status, resp)
}

func parseCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
