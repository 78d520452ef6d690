package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"opsync/internal/domain"
)

const sendGridHost = "https://api.sendgrid.com"

// SendGrid sends email through the v3 mail API.
type SendGrid struct {
	APIKey    string
	FromEmail string
	FromName  string
	// Host overrides the API host, for tests and sandboxes.
	Host string
}

func NewSendGrid(apiKey, fromEmail, fromName string) *SendGrid {
	return &SendGrid{APIKey: apiKey, FromEmail: fromEmail, FromName: fromName, Host: sendGridHost}
}

func (s *SendGrid) Send(ctx context.Context, msg Message) (string, error) {
	if msg.Channel != domain.ChannelEmail {
		return "", permanent("sendgrid cannot send %s", msg.Channel)
	}
	from := mail.NewEmail(s.FromName, s.FromEmail)
	to := mail.NewEmail("", msg.To)
	m := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, "")

	host := s.Host
	if host == "" {
		host = sendGridHost
	}
	req := sendgrid.GetRequest(s.APIKey, "/v3/mail/send", host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(m)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := resp.Body
		if len(body) > 256 {
			body = body[:256]
		}
		return "", &SendError{
			Provider:  "sendgrid",
			Status:    resp.StatusCode,
			Message:   strings.TrimSpace(body),
			Retryable: retryableStatus(resp.StatusCode),
		}
	}
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "X-Message-Id") && len(v) > 0 {
			return v[0], nil
		}
	}
	return "", nil
}
