package store

import (
	"errors"
	"time"

	"opsync/internal/domain"
)

// ErrConflict is returned when an optimistic version check fails.
var ErrConflict = errors.New("concurrent modification")

// ChannelRoute maps a public webhook route id to the tenant integration behind it.
type ChannelRoute struct {
	RouteID       string
	TenantID      string
	IntegrationID string
	Platform      string
}

type DeliveryClaim struct {
	ID           string
	AttemptCount int
	Now          time.Time
	LeaseUntil   time.Time
}

// DeliveryAttempt records the outcome of one delivery attempt. The update only
// applies when the stored attempt count still equals PrevAttemptCount.
type DeliveryAttempt struct {
	ID               string
	PrevAttemptCount int
	AttemptCount     int
	Status           domain.DeliveryStatus
	NextAttemptAt    time.Time
	LastError        string
	LastHTTPStatus   int
	MaxAttempts      int
	Now              time.Time
}

type AgentStat struct {
	Open           int
	LastAssignedAt time.Time
}

type NotificationUpdate struct {
	ID          string
	Status      domain.NotificationStatus
	Attempts    int
	ProviderRef string
	LastError   string
	Now         time.Time
}

type TrackingUpdate struct {
	ShipmentID string
	Status     domain.ShipmentStatus
	TrackedAt  time.Time
}

type SyncCursorUpdate struct {
	IntegrationID string
	Cursor        string
	SyncedAt      time.Time
}
