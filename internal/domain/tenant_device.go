package domain

import "time"

// Tenant session states mirrored into the database so the UI can show
// pairing progress across restarts.
const (
	DeviceCreated   = "created"
	DeviceScanning  = "scanning"
	DeviceConnected = "connected"
	DeviceLoggedOut = "logged_out"
	DeviceSimulated = "simulated"
)

// TenantDevice links a tenant to its paired WhatsApp identity.
// Jid is populated after the credential scan completes.
type TenantDevice struct {
	ID       int64  `json:"id,string" gorm:"primaryKey"`
	TenantID string `json:"tenant_id" gorm:"uniqueIndex"`
	Phone    string `json:"phone"`
	Name     string `json:"name"`
	Jid      string `json:"jid"`
	Status   string `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (TenantDevice) TableName() string {
	return "blast_tenant_device"
}
