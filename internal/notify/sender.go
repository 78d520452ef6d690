// Package notify sends customer notifications over SMS, WhatsApp and email
// and drains the per-tenant notification outbox.
package notify

import (
	"context"
	"errors"
	"fmt"

	"opsync/internal/domain"
)

// Message is one rendered notification ready for a provider.
type Message struct {
	Channel domain.NotificationChannel
	To      string
	Subject string
	Body    string
	// CallbackURL asks the provider to report delivery status there, if supported.
	CallbackURL string
}

// Sender delivers a message and returns the provider's reference for it.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (string, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (string, error) { return f(ctx, msg) }

// SendError is a provider rejection.
type SendError struct {
	Provider  string
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: http %d: %s (code %s)", e.Provider, e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
}

// Retryable reports whether another attempt may succeed. Transport errors are
// retryable; provider rejections carry their own verdict.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return !errors.Is(err, errPermanent)
}

var errPermanent = errors.New("permanent notification failure")

// permanent marks err as not worth retrying.
func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errPermanent, fmt.Sprintf(format, args...))
}

func retryableStatus(status int) bool {
	return status == 408 || status == 429 || (status >= 500 && status <= 599)
}
