package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"opsync/internal/domain"
	"opsync/internal/ndr"
	"opsync/internal/observability"
	"opsync/internal/store"
	"opsync/internal/util"
)

// DefaultMaxAttempts is how often a notification is tried before it is marked failed.
const DefaultMaxAttempts = 5

type Template struct {
	Subject string
	Body    string
}

// Templates maps a template id to its text. Bodies use {var} placeholders.
type Templates map[string]Template

func DefaultTemplates() Templates {
	return Templates{
		ndr.OutreachTemplate: {
			Subject: "Delivery attempt failed for order {order_ref}",
			Body:    "We could not deliver your order {order_ref} (AWB {awb}). Reply to this message or call us to reschedule.",
		},
	}
}

// Outbox drains pending notification rows of one tenant.
type Outbox struct {
	Senders     map[domain.NotificationChannel]Sender
	Templates   Templates
	MaxAttempts int
	// CallbackBase is the public prefix of the provider status callback route.
	// Empty disables status callbacks.
	CallbackBase string
	Now          func() time.Time
}

func (o *Outbox) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return util.NowUTC()
}

func (o *Outbox) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Drain sends up to limit pending notifications. A failed send leaves the row
// pending until it has been tried MaxAttempts times; permanent failures are
// marked failed right away.
func (o *Outbox) Drain(ctx context.Context, tenantID string, data store.NotificationStore, logger *slog.Logger, limit int) (domain.UnitCounts, error) {
	var counts domain.UnitCounts
	pending, err := data.ListPendingNotifications(ctx, limit)
	if err != nil {
		return counts, fmt.Errorf("list pending notifications: %w", err)
	}
	for _, n := range pending {
		if ctx.Err() != nil {
			return counts, ctx.Err()
		}
		counts.Processed++
		upd, sendErr := o.sendOne(ctx, tenantID, n)
		if err := data.MarkNotification(ctx, upd); err != nil {
			logger.Error("mark notification", "notification_id", n.ID, "err", err)
			counts.Errored++
			continue
		}
		observability.Notifications.WithLabelValues(string(n.Channel), resultLabel(upd.Status)).Inc()
		switch upd.Status {
		case domain.NotificationSent:
			counts.Updated++
		case domain.NotificationFailed:
			counts.Errored++
			logger.Warn("notification failed", "notification_id", n.ID, "channel", n.Channel, "attempts", upd.Attempts, "err", sendErr)
		default:
			counts.Errored++
			logger.Info("notification send failed, will retry", "notification_id", n.ID, "channel", n.Channel, "attempts", upd.Attempts, "err", sendErr)
		}
	}
	return counts, nil
}

func (o *Outbox) sendOne(ctx context.Context, tenantID string, n domain.Notification) (store.NotificationUpdate, error) {
	ctx, span := observability.Tracer().Start(ctx, "notify.send")
	span.SetAttributes(
		attribute.String("notification_id", n.ID),
		attribute.String("channel", string(n.Channel)),
	)
	defer span.End()

	upd := store.NotificationUpdate{ID: n.ID, Attempts: n.Attempts + 1, Status: domain.NotificationPending}
	msg, err := o.render(tenantID, n)
	if err == nil {
		sender, ok := o.Senders[n.Channel]
		if !ok {
			err = permanent("no sender for channel %s", n.Channel)
		} else {
			upd.ProviderRef, err = sender.Send(ctx, msg)
		}
	}
	upd.Now = o.now()

	switch {
	case err == nil:
		upd.Status = domain.NotificationSent
	case !Retryable(err) || upd.Attempts >= o.maxAttempts():
		upd.Status = domain.NotificationFailed
		upd.LastError = err.Error()
		span.RecordError(err)
	default:
		upd.LastError = err.Error()
		span.RecordError(err)
	}
	return upd, err
}

func (o *Outbox) render(tenantID string, n domain.Notification) (Message, error) {
	tpl, ok := o.Templates[n.TemplateID]
	if !ok {
		return Message{}, permanent("unknown template %q", n.TemplateID)
	}
	to, err := recipient(n.Channel, n.Recipient)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		Channel: n.Channel,
		To:      to,
		Subject: util.RenderTemplate(tpl.Subject, n.Vars),
		Body:    util.RenderTemplate(tpl.Body, n.Vars),
	}
	if o.CallbackBase != "" && n.Channel != domain.ChannelEmail {
		msg.CallbackURL = CallbackURL(o.CallbackBase, tenantID, n.ID)
	}
	return msg, nil
}

func recipient(ch domain.NotificationChannel, to string) (string, error) {
	switch ch {
	case domain.ChannelSMS, domain.ChannelWhatsApp:
		p, err := util.NormalizePhone(to)
		if err != nil {
			return "", permanent("recipient %q: %v", to, err)
		}
		return p, nil
	case domain.ChannelEmail:
		addr, err := mail.ParseAddress(to)
		if err != nil {
			return "", permanent("recipient %q: %v", to, err)
		}
		return addr.Address, nil
	}
	return "", permanent("unknown channel %q", ch)
}

// CallbackURL is where a provider reports status for notification id of tenantID.
func CallbackURL(base, tenantID, id string) string {
	return strings.TrimRight(base, "/") + "/" + tenantID + "/" + id
}

// ApplyProviderStatus folds a provider delivery report into the outbox row.
// Only terminal failures change anything; a report for a different provider
// reference is ignored.
func ApplyProviderStatus(ctx context.Context, data store.NotificationStore, id, providerRef, status, errorCode string, now time.Time) (bool, error) {
	if status != "failed" && status != "undelivered" {
		return false, nil
	}
	n, err := data.GetNotification(ctx, id)
	if err != nil {
		return false, err
	}
	if n.ProviderRef != "" && providerRef != "" && n.ProviderRef != providerRef {
		return false, nil
	}
	if n.Status == domain.NotificationFailed {
		return false, nil
	}
	lastErr := "provider reported " + status
	if errorCode != "" {
		lastErr += " (code " + errorCode + ")"
	}
	err = data.MarkNotification(ctx, store.NotificationUpdate{
		ID:          n.ID,
		Status:      domain.NotificationFailed,
		Attempts:    n.Attempts,
		ProviderRef: n.ProviderRef,
		LastError:   lastErr,
		Now:         now,
	})
	if err != nil {
		return false, err
	}
	observability.Notifications.WithLabelValues(string(n.Channel), "undelivered").Inc()
	return true, nil
}

func resultLabel(s domain.NotificationStatus) string {
	if s == domain.NotificationPending {
		return "retry"
	}
	return string(s)
}

// IsPermanent reports whether err is a failure no retry can fix.
func IsPermanent(err error) bool {
	return errors.Is(err, errPermanent)
}
