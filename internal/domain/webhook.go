package domain

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// Retryable reports whether the retry sweep may pick the delivery up.
func (s DeliveryStatus) Retryable() bool {
	return s == DeliveryPending || s == DeliveryFailed
}

// WebhookDelivery is mutated only by the dispatcher. AttemptCount never decreases.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	EventType      string          `json:"eventType"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	TargetURL      string          `json:"targetUrl"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attemptCount"`
	MaxAttempts    int             `json:"maxAttempts"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	LastError      string          `json:"lastError,omitempty"`
	LastHTTPStatus int             `json:"lastHttpStatus,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// WebhookEndpoint is the tenant-configured outbound target.
type WebhookEndpoint struct {
	URL     string `json:"url"`
	Secret  string `json:"-"`
	Enabled bool   `json:"enabled"`
}

// OutboundEnvelope is the JSON body receivers get. Receivers dedupe on DeliveryID.
type OutboundEnvelope struct {
	EventType  string          `json:"eventType"`
	TenantID   string          `json:"tenantId"`
	Data       json.RawMessage `json:"data"`
	DeliveryID string          `json:"deliveryId"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Outbound event types.
const (
	EventOrderCreated          = "order.created"
	EventOrderUpdated          = "order.updated"
	EventShipmentCreated       = "shipment.created"
	EventShipmentStatusChanged = "shipment.status_changed"
	EventNdrCreated            = "ndr.created"
	EventNdrAssigned           = "ndr.assigned"
	EventNdrActionRecorded     = "ndr.action_recorded"
	EventNdrStatusChanged      = "ndr.status_changed"
	EventNdrRefused            = "ndr.refused"
	EventNdrSLABreached        = "ndr.sla_breached"
)
