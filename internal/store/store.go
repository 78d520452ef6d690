package store

import (
	"context"
	"time"

	"opsync/internal/domain"
)

// TenantDirectory is the control-plane view shared by all tenants.
type TenantDirectory interface {
	ListActiveTenants(ctx context.Context) ([]domain.Tenant, error)
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
	ResolveChannelRoute(ctx context.Context, routeID string) (ChannelRoute, error)
	ResolveAWB(ctx context.Context, courier, awb string) (string, error)
	RegisterAWB(ctx context.Context, courier, awb, tenantID string) error
}

type IntegrationStore interface {
	ListIntegrations(ctx context.Context, kind domain.IntegrationKind) ([]domain.Integration, error)
	GetIntegration(ctx context.Context, id string) (domain.Integration, error)
	FindIntegrationByPlatform(ctx context.Context, platform string) (domain.Integration, error)
	SaveSyncCursor(ctx context.Context, in SyncCursorUpdate) error
}

type OrderStore interface {
	// UpsertOrder reports whether the row was created and whether anything changed.
	UpsertOrder(ctx context.Context, o domain.Order) (created, changed bool, err error)
	GetOrderByExternalID(ctx context.Context, integrationID, externalID string) (domain.Order, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
}

type InventoryStore interface {
	ListUnpushedInventory(ctx context.Context, limit int) ([]domain.InventoryLevel, error)
	MarkInventoryPushed(ctx context.Context, sku string, at time.Time) error
}

type ShipmentStore interface {
	// InsertShipment returns ErrDuplicate when the AWB is already stored.
	InsertShipment(ctx context.Context, sh domain.Shipment) error
	// FindShipmentByOrder returns the newest shipment of the order that was not cancelled.
	FindShipmentByOrder(ctx context.Context, orderID string) (domain.Shipment, error)
	ListStaleShipments(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Shipment, error)
	GetShipmentByAWB(ctx context.Context, awb string) (domain.Shipment, error)
	UpdateShipmentTracking(ctx context.Context, in TrackingUpdate) error
	// InsertTrackingEvents skips events already stored for the shipment.
	InsertTrackingEvents(ctx context.Context, shipmentID string, events []domain.TrackingEvent) (int, error)
}

type NdrStore interface {
	// InsertNdr is idempotent on (awb, attempt count). When the record already
	// exists it is returned with created=false.
	InsertNdr(ctx context.Context, rec domain.NdrRecord) (domain.NdrRecord, bool, error)
	GetNdr(ctx context.Context, id string) (domain.NdrRecord, error)
	FindActiveNdrByAWB(ctx context.Context, awb string) (domain.NdrRecord, error)
	// ListUnassignedOpen orders by priority desc, due date asc.
	ListUnassignedOpen(ctx context.Context, limit int) ([]domain.NdrRecord, error)
	ListOverdueNdrs(ctx context.Context, now time.Time, limit int) ([]domain.NdrRecord, error)
	AgentStats(ctx context.Context, userIDs []string) (map[string]AgentStat, error)
	// SaveNdr writes rec if the stored version equals expectedVersion, appending
	// action in the same transaction when non-nil.
	SaveNdr(ctx context.Context, rec domain.NdrRecord, expectedVersion int, action *domain.NdrAction) (domain.NdrRecord, error)
	ListActions(ctx context.Context, ndrID string) ([]domain.NdrAction, error)
}

type DeliveryStore interface {
	GetWebhookEndpoint(ctx context.Context) (domain.WebhookEndpoint, error)
	// CreateDelivery is idempotent on (event type, idempotency key).
	CreateDelivery(ctx context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, bool, error)
	GetDelivery(ctx context.Context, id string) (domain.WebhookDelivery, error)
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error)
	ClaimDelivery(ctx context.Context, in DeliveryClaim) (bool, error)
	RecordAttempt(ctx context.Context, in DeliveryAttempt) error
	ListDeliveriesByStatus(ctx context.Context, status domain.DeliveryStatus, limit int) ([]domain.WebhookDelivery, error)
	DeleteDeliveredBefore(ctx context.Context, before time.Time) (int, error)
}

type NotificationStore interface {
	EnqueueNotification(ctx context.Context, n domain.Notification) error
	GetNotification(ctx context.Context, id string) (domain.Notification, error)
	ListPendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error)
	MarkNotification(ctx context.Context, in NotificationUpdate) error
}

type JobRunStore interface {
	InsertJobRun(ctx context.Context, run domain.JobRun) error
	DeleteJobRunsBefore(ctx context.Context, before time.Time) (int, error)
}

// TenantData is everything a unit of work may touch, bound to one tenant partition.
type TenantData interface {
	IntegrationStore
	OrderStore
	InventoryStore
	ShipmentStore
	NdrStore
	DeliveryStore
	NotificationStore
	JobRunStore
}
