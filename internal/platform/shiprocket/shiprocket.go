// Package shiprocket implements the Shiprocket aggregator courier adapter.
package shiprocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"opsync/internal/domain"
	"opsync/internal/platform"
)

const (
	Name           = "shiprocket"
	defaultBaseURL = "https://apiv2.shiprocket.in/v1/external"
	tokenTTL       = 9 * 24 * time.Hour
)

func Register(r *platform.Registry) {
	r.Register(Name, domain.KindCourier, func(cfg platform.Config) (platform.Adapter, error) {
		return New(cfg)
	})
}

var webhookSchema = platform.MustCompileSchema("shiprocket-webhook", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["awb", "current_status", "current_timestamp"],
	"properties": {
		"awb": {"type": ["string", "integer"]},
		"order_id": {"type": ["string", "integer"]},
		"current_status": {"type": "string", "minLength": 1},
		"current_timestamp": {"type": "string"},
		"ndr_reason": {"type": "string"},
		"attempts": {"type": "integer"}
	}
}`)

type Adapter struct {
	client        *platform.Client
	login         *platform.Client
	creds         platform.CredentialSource
	pickupChannel string

	// The session token from login is cached until tokenExp; the account
	// password is read only when logging in.
	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time
}

var (
	_ platform.CourierAdapter     = (*Adapter)(nil)
	_ platform.ReattemptRequester = (*Adapter)(nil)
)

// New expects email and password credentials; webhook_token guards inbound calls.
func New(cfg platform.Config) (*Adapter, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	a := &Adapter{
		creds:         cfg.Source(),
		pickupChannel: cfg.Settings["pickup_location"],
		now:           time.Now,
	}
	// Login runs outside the policy so a token refresh never nests breaker calls.
	a.login = &platform.Client{Platform: Name, BaseURL: base, HTTP: cfg.HTTP}
	a.client = &platform.Client{
		Platform: Name,
		BaseURL:  base,
		HTTP:     cfg.HTTP,
		Policy:   cfg.Policy,
		Auth: func(ctx context.Context, req *http.Request) error {
			tok, err := a.bearer(ctx)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+tok)
			return nil
		},
	}
	return a, nil
}

func (a *Adapter) bearer(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && a.now().Before(a.tokenExp) {
		return a.token, nil
	}
	c, err := a.creds(ctx)
	if err != nil {
		return "", err
	}
	var out struct {
		Token string `json:"token"`
	}
	_, err = a.login.Do(ctx, platform.Request{
		Op: "login", Method: http.MethodPost, Path: "/auth/login",
		Body: map[string]string{"email": c.Get("email"), "password": c.Get("password")}, Out: &out,
	})
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &platform.Failure{Kind: platform.FailAuth, Platform: Name, Message: "login returned no token"}
	}
	a.token, a.tokenExp = out.Token, a.now().Add(tokenTTL)
	return a.token, nil
}

func (a *Adapter) Platform() string             { return Name }
func (a *Adapter) Kind() domain.IntegrationKind { return domain.KindCourier }

func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.bearer(ctx)
	return err
}

func (a *Adapter) CreateShipment(ctx context.Context, o domain.Order) (platform.ShipmentRef, error) {
	items := make([]map[string]any, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, map[string]any{"name": l.Name, "sku": l.SKU, "units": l.Quantity, "selling_price": l.Price})
	}
	mode := "Prepaid"
	if o.PaymentMethod == domain.PaymentCOD {
		mode = "COD"
	}
	var created struct {
		OrderID    int64 `json:"order_id"`
		ShipmentID int64 `json:"shipment_id"`
	}
	_, err := a.client.Do(ctx, platform.Request{
		Op: "create_order", Method: http.MethodPost, Path: "/orders/create/adhoc", Out: &created,
		Body: map[string]any{
			"order_id":              o.Number,
			"order_date":            o.PlacedAt.In(platform.IST).Format("2006-01-02 15:04"),
			"pickup_location":       a.pickupChannel,
			"billing_customer_name": o.Customer.Name,
			"billing_address":       o.Customer.Address,
			"billing_city":          o.Customer.City,
			"billing_pincode":       o.Customer.Pincode,
			"billing_phone":         o.Customer.Phone,
			"shipping_is_billing":   true,
			"order_items":           items,
			"payment_method":        mode,
			"sub_total":             o.Total,
			"length":                10,
			"breadth":               10,
			"height":                10,
			"weight":                0.5,
			"billing_email":         o.Customer.Email,
			"billing_country":       "India",
		},
	})
	if err != nil {
		return platform.ShipmentRef{}, err
	}
	var assigned struct {
		AwbAssignStatus int `json:"awb_assign_status"`
		Response        struct {
			Data struct {
				AWBCode     string `json:"awb_code"`
				CourierName string `json:"courier_name"`
			} `json:"data"`
		} `json:"response"`
	}
	_, err = a.client.Do(ctx, platform.Request{
		Op: "assign_awb", Method: http.MethodPost, Path: "/courier/assign/awb", Out: &assigned,
		Body: map[string]any{"shipment_id": created.ShipmentID},
	})
	if err != nil {
		return platform.ShipmentRef{}, err
	}
	if assigned.AwbAssignStatus != 1 || assigned.Response.Data.AWBCode == "" {
		return platform.ShipmentRef{}, platform.Permanent(Name, "awb_not_assigned", fmt.Sprintf("shipment %d", created.ShipmentID))
	}
	return platform.ShipmentRef{AWB: assigned.Response.Data.AWBCode, Courier: Name}, nil
}

type activity struct {
	Date     string `json:"date"`
	Status   string `json:"status"`
	Activity string `json:"activity"`
	Location string `json:"location"`
	SRStatus any    `json:"sr-status"`
	Label    string `json:"sr-status-label"`
}

func (a *Adapter) FetchTracking(ctx context.Context, awb string) ([]domain.TrackingEvent, error) {
	var out struct {
		TrackingData struct {
			TrackStatus int        `json:"track_status"`
			Error       string     `json:"error"`
			Activities  []activity `json:"shipment_track_activities"`
		} `json:"tracking_data"`
	}
	_, err := a.client.Do(ctx, platform.Request{Op: "fetch_tracking", Method: http.MethodGet, Path: "/courier/track/awb/" + awb, Out: &out})
	if err != nil {
		return nil, err
	}
	if out.TrackingData.Error != "" && len(out.TrackingData.Activities) == 0 {
		return nil, platform.Permanent(Name, "tracking_unavailable", out.TrackingData.Error)
	}
	// Shiprocket lists newest first.
	acts := out.TrackingData.Activities
	events := make([]domain.TrackingEvent, 0, len(acts))
	attempts := 0
	for i := len(acts) - 1; i >= 0; i-- {
		act := acts[i]
		at, ok := platform.ParseLocalTime(act.Date)
		if !ok {
			continue
		}
		label := act.Label
		if label == "" {
			label = act.Status
		}
		ev := domain.TrackingEvent{
			AWB:        awb,
			Status:     mapStatus(label),
			RawStatus:  label,
			Location:   act.Location,
			Remarks:    act.Activity,
			OccurredAt: at,
		}
		if ev.Status == domain.ShipmentNDR {
			attempts++
			ev.NDR = &domain.NdrSignal{
				Courier:       Name,
				AWB:           awb,
				ReasonCode:    platform.ReasonFromText(act.Activity),
				ReasonText:    act.Activity,
				AttemptCount:  attempts,
				PaymentMethod: domain.PaymentPrepaid,
				OccurredAt:    at,
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// RequestReattempt posts the re-attempt NDR action.
func (a *Adapter) RequestReattempt(ctx context.Context, awb string, date time.Time, note string) error {
	body := map[string]any{
		"action":        "re-attempt",
		"comments":      note,
		"deferred_date": date.In(platform.IST).Format("2006-01-02"),
	}
	_, err := a.client.Do(ctx, platform.Request{Op: "request_reattempt", Method: http.MethodPost, Path: "/ndr/" + awb + "/action", Body: body})
	return err
}

func (a *Adapter) ValidateWebhookSignature(h http.Header, _ []byte) error {
	c, err := a.creds(context.Background())
	if err != nil {
		return fmt.Errorf("%s webhook token: %w", Name, err)
	}
	return platform.VerifyToken(c.Get("webhook_token"), h.Get("X-Api-Key"))
}

// flexString accepts both JSON strings and numbers; Shiprocket sends either.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type webhookBody struct {
	AWB           flexString `json:"awb"`
	OrderID       flexString `json:"order_id"`
	CurrentStatus string     `json:"current_status"`
	Timestamp     string     `json:"current_timestamp"`
	NDRReason     string     `json:"ndr_reason"`
	Attempts      int        `json:"attempts"`
	PaymentMethod string     `json:"payment_method"`
	CODAmount     float64    `json:"cod_amount"`
	Phone         string     `json:"customer_phone"`
}

func (a *Adapter) ParseWebhook(_ http.Header, body []byte) ([]domain.InboundEvent, error) {
	if err := webhookSchema.Validate(body); err != nil {
		return nil, err
	}
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("%w: %v", platform.ErrInvalidPayload, err)
	}
	at, ok := platform.ParseLocalTime(wb.Timestamp)
	if !ok {
		return nil, fmt.Errorf("%w: shiprocket timestamp %q", platform.ErrInvalidPayload, wb.Timestamp)
	}
	awb := string(wb.AWB)
	ev := domain.TrackingEvent{
		AWB:        awb,
		Status:     mapStatus(wb.CurrentStatus),
		RawStatus:  wb.CurrentStatus,
		Remarks:    wb.NDRReason,
		OccurredAt: at,
	}
	id := awb + ":" + wb.CurrentStatus + ":" + strconv.FormatInt(at.Unix(), 10)
	if ev.Status != domain.ShipmentNDR {
		return []domain.InboundEvent{{ID: id, Platform: Name, Kind: domain.InboundTracking, Tracking: &ev, Raw: body}}, nil
	}
	attempts := wb.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sig := &domain.NdrSignal{
		Courier:       Name,
		AWB:           awb,
		OrderRef:      string(wb.OrderID),
		ReasonCode:    platform.ReasonFromText(wb.NDRReason),
		ReasonText:    wb.NDRReason,
		AttemptCount:  attempts,
		OrderValue:    wb.CODAmount,
		PaymentMethod: domain.PaymentPrepaid,
		CustomerPhone: wb.Phone,
		OccurredAt:    at,
	}
	if strings.EqualFold(wb.PaymentMethod, "cod") {
		sig.PaymentMethod = domain.PaymentCOD
	}
	ev.NDR = sig
	return []domain.InboundEvent{{ID: id, Platform: Name, Kind: domain.InboundNDR, Tracking: &ev, NDR: sig, Raw: body}}, nil
}

func mapStatus(label string) domain.ShipmentStatus {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "DELIVERED":
		return domain.ShipmentDelivered
	case "RTO DELIVERED":
		return domain.ShipmentRTODelivered
	case "RTO INITIATED", "RTO IN TRANSIT", "RTO OFD":
		return domain.ShipmentRTOInitiated
	case "CANCELED", "CANCELLED":
		return domain.ShipmentCancelled
	case "OUT FOR DELIVERY":
		return domain.ShipmentOutForDelivery
	case "UNDELIVERED", "NDR":
		return domain.ShipmentNDR
	case "NEW", "AWB ASSIGNED", "PICKUP SCHEDULED", "PICKUP GENERATED", "LABEL GENERATED":
		return domain.ShipmentCreated
	}
	return domain.ShipmentInTransit
}
