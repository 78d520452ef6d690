// Package delhivery implements the Delhivery courier adapter.
package delhivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"opsync/internal/domain"
	"opsync/internal/platform"
)

const (
	Name           = "delhivery"
	defaultBaseURL = "https://track.delhivery.com"
)

func Register(r *platform.Registry) {
	r.Register(Name, domain.KindCourier, func(cfg platform.Config) (platform.Adapter, error) {
		return New(cfg)
	})
}

// Scan fields as flat maps; Delhivery nests them differently per endpoint.
const (
	scansExpr   = `ShipmentData[0].Shipment.Scans[].ScanDetail.{status: Scan, type: ScanType, at: ScanDateTime, location: ScannedLocation, remarks: Instructions, code: StatusCode}`
	summaryExpr = `ShipmentData[0].Shipment.{ref: ReferenceNo, cod: CODAmount, mode: PaymentMode, phone: ConsigneePhone}`
	pushExpr    = `Shipment.{awb: AWB, ref: ReferenceNo, status: Status.Status, type: Status.StatusType, at: Status.StatusDateTime, location: Status.StatusLocation, remarks: Status.Instructions, code: NSLCode, attempts: Attempts, cod: CODAmount, mode: PaymentMode, phone: ConsigneePhone}`
)

var pushSchema = platform.MustCompileSchema("delhivery-push", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["Shipment"],
	"properties": {
		"Shipment": {
			"type": "object",
			"required": ["AWB", "Status"],
			"properties": {
				"AWB": {"type": "string", "minLength": 1},
				"NSLCode": {"type": "string"},
				"Attempts": {"type": "integer", "minimum": 0},
				"CODAmount": {"type": "number"},
				"Status": {
					"type": "object",
					"required": ["Status", "StatusDateTime"],
					"properties": {
						"Status": {"type": "string"},
						"StatusType": {"type": "string"},
						"StatusDateTime": {"type": "string"}
					}
				}
			}
		}
	}
}`)

// NSL status codes that mark a failed delivery attempt.
var nslReasons = map[string]domain.ReasonCode{
	"EOD-6":   domain.ReasonRefused,
	"EOD-11":  domain.ReasonCustomerUnavailable,
	"EOD-69":  domain.ReasonCashNotReady,
	"EOD-3":   domain.ReasonRescheduleRequested,
	"EOD-43":  domain.ReasonAddressIncomplete,
	"EOD-74":  domain.ReasonWrongAddress,
	"EOD-104": domain.ReasonPhoneUnreachable,
	"EOD-86":  domain.ReasonOther,
}

type Adapter struct {
	client         *platform.Client
	creds          platform.CredentialSource
	pickupLocation string
}

var (
	_ platform.CourierAdapter     = (*Adapter)(nil)
	_ platform.ReattemptRequester = (*Adapter)(nil)
)

// New expects the api_token credential; webhook_secret is needed only for
// inbound verification, pickup_location only for shipment creation.
func New(cfg platform.Config) (*Adapter, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	creds := cfg.Source()
	return &Adapter{
		creds:          creds,
		pickupLocation: cfg.Settings["pickup_location"],
		client: &platform.Client{
			Platform: Name,
			BaseURL:  base,
			HTTP:     cfg.HTTP,
			Policy:   cfg.Policy,
			Auth: func(ctx context.Context, req *http.Request) error {
				c, err := creds(ctx)
				if err != nil {
					return err
				}
				req.Header.Set("Authorization", "Token "+c.Get("api_token"))
				return nil
			},
		},
	}, nil
}

func (a *Adapter) Platform() string             { return Name }
func (a *Adapter) Kind() domain.IntegrationKind { return domain.KindCourier }

func (a *Adapter) TestConnection(ctx context.Context) error {
	q := url.Values{"filter_codes": {"110001"}}
	_, err := a.client.Do(ctx, platform.Request{Op: "test_connection", Method: http.MethodGet, Path: "/c/api/pin-codes/json/", Query: q})
	return err
}

func (a *Adapter) CreateShipment(ctx context.Context, o domain.Order) (platform.ShipmentRef, error) {
	mode := "Prepaid"
	cod := 0.0
	if o.PaymentMethod == domain.PaymentCOD {
		mode, cod = "COD", o.Total
	}
	var desc []string
	for _, l := range o.Lines {
		desc = append(desc, fmt.Sprintf("%s x%d", l.Name, l.Quantity))
	}
	data, _ := json.Marshal(map[string]any{
		"shipments": []map[string]any{{
			"name":          o.Customer.Name,
			"add":           o.Customer.Address,
			"city":          o.Customer.City,
			"pin":           o.Customer.Pincode,
			"phone":         o.Customer.Phone,
			"order":         o.Number,
			"payment_mode":  mode,
			"cod_amount":    cod,
			"total_amount":  o.Total,
			"products_desc": strings.Join(desc, ", "),
		}},
		"pickup_location": map[string]string{"name": a.pickupLocation},
	})
	form := url.Values{"format": {"json"}, "data": {string(data)}}
	var out struct {
		Success  bool `json:"success"`
		Packages []struct {
			Waybill string   `json:"waybill"`
			Status  string   `json:"status"`
			Remarks []string `json:"remarks"`
		} `json:"packages"`
		RMK string `json:"rmk"`
	}
	if _, err := a.client.Do(ctx, platform.Request{Op: "create_shipment", Method: http.MethodPost, Path: "/api/cmu/create.json", Body: form, Out: &out}); err != nil {
		return platform.ShipmentRef{}, err
	}
	if !out.Success || len(out.Packages) == 0 || out.Packages[0].Waybill == "" {
		msg := out.RMK
		if len(out.Packages) > 0 {
			msg = strings.Join(out.Packages[0].Remarks, "; ")
		}
		return platform.ShipmentRef{}, platform.Permanent(Name, "manifest_rejected", msg)
	}
	return platform.ShipmentRef{AWB: out.Packages[0].Waybill, Courier: Name}, nil
}

func (a *Adapter) FetchTracking(ctx context.Context, awb string) ([]domain.TrackingEvent, error) {
	resp, err := a.client.Do(ctx, platform.Request{
		Op: "fetch_tracking", Method: http.MethodGet, Path: "/api/v1/packages/json/",
		Query: url.Values{"waybill": {awb}},
	})
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, platform.Permanent(Name, "decode_response", err.Error())
	}
	scans, err := jmespath.Search(scansExpr, doc)
	if err != nil {
		return nil, platform.Permanent(Name, "extract_scans", err.Error())
	}
	summary, _ := jmespath.Search(summaryExpr, doc)
	sum, _ := summary.(map[string]any)

	list, _ := scans.([]any)
	events := make([]domain.TrackingEvent, 0, len(list))
	attempts := 0
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ev, ok := toEvent(awb, m)
		if !ok {
			continue
		}
		if ev.Status == domain.ShipmentNDR {
			attempts++
			ev.NDR = ndrSignal(awb, m, sum, attempts, ev.OccurredAt)
		}
		events = append(events, ev)
	}
	return events, nil
}

// RequestReattempt files a re-attempt instruction through the NDR API.
func (a *Adapter) RequestReattempt(ctx context.Context, awb string, _ time.Time, _ string) error {
	body := map[string]any{"data": []map[string]string{{"waybill": awb, "act": "RE-ATTEMPT"}}}
	var out struct {
		Status bool   `json:"status"`
		Error  string `json:"error"`
	}
	if _, err := a.client.Do(ctx, platform.Request{Op: "request_reattempt", Method: http.MethodPost, Path: "/api/p/update", Body: body, Out: &out}); err != nil {
		return err
	}
	if !out.Status && out.Error != "" {
		return platform.Permanent(Name, "reattempt_rejected", out.Error)
	}
	return nil
}

func (a *Adapter) ValidateWebhookSignature(h http.Header, body []byte) error {
	c, err := a.creds(context.Background())
	if err != nil {
		return fmt.Errorf("%s webhook secret: %w", Name, err)
	}
	return platform.VerifyHexHMAC(c.Get("webhook_secret"), body, h.Get("X-Delhivery-Signature"))
}

func (a *Adapter) ParseWebhook(_ http.Header, body []byte) ([]domain.InboundEvent, error) {
	if err := pushSchema.Validate(body); err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", platform.ErrInvalidPayload, err)
	}
	res, err := jmespath.Search(pushExpr, doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", platform.ErrInvalidPayload, err)
	}
	m, _ := res.(map[string]any)
	awb := str(m["awb"])
	ev, ok := toEvent(awb, m)
	if !ok {
		return nil, fmt.Errorf("%w: delhivery status timestamp", platform.ErrInvalidPayload)
	}
	id := fmt.Sprintf("%s:%s:%d", awb, ev.RawStatus, ev.OccurredAt.Unix())
	if ev.Status != domain.ShipmentNDR {
		return []domain.InboundEvent{{ID: id, Platform: Name, Kind: domain.InboundTracking, Tracking: &ev, Raw: body}}, nil
	}
	attempts := int(num(m["attempts"]))
	if attempts < 1 {
		attempts = 1
	}
	sig := ndrSignal(awb, m, m, attempts, ev.OccurredAt)
	ev.NDR = sig
	return []domain.InboundEvent{{ID: id, Platform: Name, Kind: domain.InboundNDR, Tracking: &ev, NDR: sig, Raw: body}}, nil
}

func toEvent(awb string, m map[string]any) (domain.TrackingEvent, bool) {
	at, ok := platform.ParseLocalTime(str(m["at"]))
	if !ok {
		return domain.TrackingEvent{}, false
	}
	status := str(m["status"])
	return domain.TrackingEvent{
		AWB:        awb,
		Status:     mapStatus(str(m["type"]), status, str(m["code"])),
		RawStatus:  status,
		Location:   str(m["location"]),
		Remarks:    str(m["remarks"]),
		OccurredAt: at,
	}, true
}

func mapStatus(scanType, scan, code string) domain.ShipmentStatus {
	scanL := strings.ToLower(scan)
	switch strings.ToUpper(scanType) {
	case "DL":
		if strings.Contains(scanL, "rto") {
			return domain.ShipmentRTODelivered
		}
		return domain.ShipmentDelivered
	case "RT":
		return domain.ShipmentRTOInitiated
	case "CN":
		return domain.ShipmentCancelled
	case "PP", "PU":
		return domain.ShipmentCreated
	}
	if strings.HasPrefix(strings.ToUpper(code), "EOD-") {
		return domain.ShipmentNDR
	}
	switch {
	case strings.Contains(scanL, "dispatched"), strings.Contains(scanL, "out for delivery"):
		return domain.ShipmentOutForDelivery
	case strings.Contains(scanL, "manifested"):
		return domain.ShipmentCreated
	}
	return domain.ShipmentInTransit
}

func ndrSignal(awb string, scan, summary map[string]any, attempts int, at time.Time) *domain.NdrSignal {
	code := strings.ToUpper(str(scan["code"]))
	reason, ok := nslReasons[code]
	if !ok || reason == domain.ReasonOther {
		reason = platform.ReasonFromText(str(scan["remarks"]))
	}
	sig := &domain.NdrSignal{
		Courier:       Name,
		AWB:           awb,
		ReasonCode:    reason,
		ReasonText:    str(scan["remarks"]),
		AttemptCount:  attempts,
		PaymentMethod: domain.PaymentPrepaid,
		OccurredAt:    at,
	}
	if summary != nil {
		sig.OrderRef = str(summary["ref"])
		sig.OrderValue = num(summary["cod"])
		sig.CustomerPhone = str(summary["phone"])
		if strings.EqualFold(str(summary["mode"]), "cod") {
			sig.PaymentMethod = domain.PaymentCOD
		}
	}
	return sig
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	}
	return ""
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
