package domain

import (
	"encoding/json"
	"time"
)

type IntegrationKind string

const (
	KindChannel IntegrationKind = "channel"
	KindCourier IntegrationKind = "courier"
)

// Integration is one connected sales channel or courier account of a tenant.
// SecretCipher holds the encrypted credential bundle and is never decrypted here.
type Integration struct {
	ID           string            `json:"id"`
	Platform     string            `json:"platform"`
	Kind         IntegrationKind   `json:"kind"`
	Name         string            `json:"name"`
	Enabled      bool              `json:"enabled"`
	SecretCipher string            `json:"-"`
	Settings     map[string]string `json:"settings,omitempty"`
	SyncCursor   string            `json:"syncCursor,omitempty"`
	LastSyncedAt *time.Time        `json:"lastSyncedAt,omitempty"`
}

type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	Pincode string `json:"pincode,omitempty"`
}

type OrderLine struct {
	SKU      string  `json:"sku"`
	Name     string  `json:"name,omitempty"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Order is the channel-normalized order shape.
type Order struct {
	ID            string        `json:"id"`
	IntegrationID string        `json:"integrationId"`
	Channel       string        `json:"channel"`
	ExternalID    string        `json:"externalId"`
	Number        string        `json:"number,omitempty"`
	Status        string        `json:"status"`
	Total         float64       `json:"total"`
	Currency      string        `json:"currency,omitempty"`
	PaymentMethod PaymentMethod `json:"paymentMethod"`
	Customer      Customer      `json:"customer"`
	Lines         []OrderLine   `json:"lines,omitempty"`
	PlacedAt      time.Time     `json:"placedAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

type InventoryLevel struct {
	SKU       string     `json:"sku"`
	Quantity  int        `json:"quantity"`
	UpdatedAt time.Time  `json:"updatedAt"`
	PushedAt  *time.Time `json:"pushedAt,omitempty"`
}

type ShipmentStatus string

const (
	ShipmentCreated        ShipmentStatus = "created"
	ShipmentInTransit      ShipmentStatus = "in_transit"
	ShipmentOutForDelivery ShipmentStatus = "out_for_delivery"
	ShipmentNDR            ShipmentStatus = "ndr"
	ShipmentDelivered      ShipmentStatus = "delivered"
	ShipmentRTOInitiated   ShipmentStatus = "rto_initiated"
	ShipmentRTODelivered   ShipmentStatus = "rto_delivered"
	ShipmentCancelled      ShipmentStatus = "cancelled"
)

func (s ShipmentStatus) Terminal() bool {
	return s == ShipmentDelivered || s == ShipmentRTODelivered || s == ShipmentCancelled
}

type Shipment struct {
	ID            string         `json:"id"`
	OrderID       string         `json:"orderId"`
	IntegrationID string         `json:"integrationId"`
	Courier       string         `json:"courier"`
	AWB           string         `json:"awb"`
	Status        ShipmentStatus `json:"status"`
	LastTrackedAt *time.Time     `json:"lastTrackedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type TrackingEvent struct {
	AWB        string         `json:"awb"`
	Status     ShipmentStatus `json:"status"`
	RawStatus  string         `json:"rawStatus"`
	Location   string         `json:"location,omitempty"`
	Remarks    string         `json:"remarks,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	NDR        *NdrSignal     `json:"ndr,omitempty"`
}

type NotificationChannel string

const (
	ChannelSMS      NotificationChannel = "sms"
	ChannelWhatsApp NotificationChannel = "whatsapp"
	ChannelEmail    NotificationChannel = "email"
)

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is an outbox row drained by the notification_send job.
type Notification struct {
	ID          string              `json:"id"`
	Channel     NotificationChannel `json:"channel"`
	Recipient   string              `json:"recipient"`
	TemplateID  string              `json:"templateId"`
	Vars        map[string]string   `json:"vars,omitempty"`
	Status      NotificationStatus  `json:"status"`
	Attempts    int                 `json:"attempts"`
	ProviderRef string              `json:"providerRef,omitempty"`
	LastError   string              `json:"lastError,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// InboundEventKind classifies a normalized inbound webhook.
type InboundEventKind string

const (
	InboundOrder    InboundEventKind = "order"
	InboundTracking InboundEventKind = "tracking"
	InboundNDR      InboundEventKind = "ndr"
	InboundIgnored  InboundEventKind = "ignored"
)

// InboundEvent is what a platform adapter's ParseWebhook yields, enriched with
// tenant routing once resolved.
type InboundEvent struct {
	ID            string           `json:"id"`
	Platform      string           `json:"platform"`
	Kind          InboundEventKind `json:"kind"`
	TenantID      string           `json:"tenantId,omitempty"`
	IntegrationID string           `json:"integrationId,omitempty"`
	Order         *Order           `json:"order,omitempty"`
	Tracking      *TrackingEvent   `json:"tracking,omitempty"`
	NDR           *NdrSignal       `json:"ndr,omitempty"`
	ReceivedAt    time.Time        `json:"receivedAt"`
	Raw           json.RawMessage  `json:"raw,omitempty"`
}

// AWB returns the shipment reference carried by the event, if any.
func (e InboundEvent) AWB() string {
	switch {
	case e.NDR != nil:
		return e.NDR.AWB
	case e.Tracking != nil:
		return e.Tracking.AWB
	}
	return ""
}
