package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"opsync/internal/domain"
)

// Twilio sends SMS and WhatsApp messages through the Messages API.
type Twilio struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client

	MessagingServiceSID string
	FromNumber          string
	// WhatsAppFrom is the approved WhatsApp sender; FromNumber is used when empty.
	WhatsAppFrom string
	BaseURL      string
}

type twilioResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

func (c *Twilio) Send(ctx context.Context, msg Message) (string, error) {
	form := url.Values{}
	form.Set("Body", msg.Body)
	if msg.CallbackURL != "" {
		form.Set("StatusCallback", msg.CallbackURL)
	}
	switch msg.Channel {
	case domain.ChannelWhatsApp:
		from := c.WhatsAppFrom
		if from == "" {
			from = c.FromNumber
		}
		form.Set("To", "whatsapp:"+msg.To)
		form.Set("From", "whatsapp:"+from)
	case domain.ChannelSMS:
		form.Set("To", msg.To)
		if c.MessagingServiceSID != "" {
			form.Set("MessagingServiceSid", c.MessagingServiceSID)
		} else {
			form.Set("From", c.FromNumber)
		}
	default:
		return "", permanent("twilio cannot send %s", msg.Channel)
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + c.AccountSID + "/Messages.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.AccountSID, c.AuthToken)

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out twilioResponse
	_ = json.Unmarshal(b, &out)

	// Twilio returns 201 for created; treat 2xx as success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &SendError{
			Provider:  "twilio",
			Status:    resp.StatusCode,
			Message:   out.Message,
			Retryable: retryableStatus(resp.StatusCode),
		}
		switch {
		case out.Code != 0:
			se.Code = strconv.Itoa(out.Code)
		case out.ErrorCode != nil:
			se.Code = strconv.Itoa(*out.ErrorCode)
		}
		if se.Message == "" {
			se.Message = "twilio send failed"
		}
		return "", se
	}
	return out.Sid, nil
}

// TwilioSignature computes X-Twilio-Signature for a form-encoded callback
// delivered to fullURL.
func TwilioSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifyTwilioSignature(authToken, fullURL, provided string, form url.Values) bool {
	expected := TwilioSignature(authToken, fullURL, form)
	return hmac.Equal([]byte(expected), []byte(provided))
}
