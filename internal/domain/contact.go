package domain

import "time"

// Contact is a per-tenant address book entry, upserted by phone number.
// Inbound messages are tagged with the contact name when one resolves.
type Contact struct {
	ID       int64  `json:"id,string" gorm:"primaryKey"`
	TenantID string `json:"tenant_id" gorm:"index"`
	Phone    string `json:"phone" gorm:"index"`
	Name     string `json:"name"`
	Tags     string `json:"tags"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Contact) TableName() string {
	return "blast_contact"
}
