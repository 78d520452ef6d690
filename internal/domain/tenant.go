package domain

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant is a read-only snapshot owned by the platform-admin domain.
type Tenant struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	PartitionKey string       `json:"partitionKey"`
	Status       TenantStatus `json:"status"`
}

func (t Tenant) Active() bool { return t.Status == TenantActive }
