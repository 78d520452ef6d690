package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type FailureKind string

const (
	FailTransient   FailureKind = "transient"
	FailPermanent   FailureKind = "permanent"
	FailAuth        FailureKind = "auth"
	FailRateLimited FailureKind = "rate_limited"
	FailCircuitOpen FailureKind = "circuit_open"
	FailCanceled    FailureKind = "canceled"
	FailUnsupported FailureKind = "unsupported"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrUnknownPlatform  = errors.New("unknown platform")
)

// Failure is the only error shape adapters return for remote calls.
type Failure struct {
	Kind       FailureKind
	Platform   string
	Code       string
	Message    string
	HTTPStatus int
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Platform)
	b.WriteString(": ")
	b.WriteString(string(f.Kind))
	if f.HTTPStatus != 0 {
		b.WriteString(" status=")
		b.WriteString(strconv.Itoa(f.HTTPStatus))
	}
	if f.Code != "" {
		b.WriteString(" code=")
		b.WriteString(f.Code)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	} else if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether another attempt may succeed.
func (f *Failure) Retryable() bool {
	return f.Kind == FailTransient || f.Kind == FailRateLimited
}

// CountsAgainstBreaker is false for failures that say nothing about the remote's health.
func (f *Failure) CountsAgainstBreaker() bool {
	return f.Kind == FailTransient || f.Kind == FailRateLimited
}

func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsKind reports whether err is a Failure of kind k.
func IsKind(err error, k FailureKind) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == k
}

// FromStatus classifies a non-2xx response.
func FromStatus(platform string, status int, header http.Header, body []byte) *Failure {
	f := &Failure{Platform: platform, HTTPStatus: status, Message: truncate(string(body), 256)}
	switch {
	case status == http.StatusTooManyRequests:
		f.Kind = FailRateLimited
		f.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	case status == http.StatusRequestTimeout || status >= 500:
		f.Kind = FailTransient
		f.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		f.Kind = FailAuth
	default:
		f.Kind = FailPermanent
	}
	return f
}

// FromError classifies a transport-level error.
func FromError(platform string, err error) *Failure {
	if f, ok := AsFailure(err); ok {
		return f
	}
	// Timeouts, resets and DNS errors are all worth another attempt.
	f := &Failure{Platform: platform, Kind: FailTransient, Err: err}
	if errors.Is(err, context.Canceled) {
		f.Kind = FailCanceled
	}
	return f
}

func Permanent(platform, code, msg string) *Failure {
	return &Failure{Kind: FailPermanent, Platform: platform, Code: code, Message: msg}
}

func Unsupported(platform, op string) *Failure {
	return &Failure{Kind: FailUnsupported, Platform: platform, Code: op, Message: "operation not supported"}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func failuref(platform string, kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Platform: platform, Message: fmt.Sprintf(format, args...)}
}
