package domain

import "time"

// Message directions for MessageLog rows.
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// MessageLog is the flat per-message record kept independently of campaigns
// for fast querying. Outbound campaign sends, direct sends and inbound chat
// messages all land here; campaign rows are linked to their recipient by
// CampaignID and by WaMsgID once the provider assigns one.
type MessageLog struct {
	ID       int64  `json:"id,string" gorm:"primaryKey"`
	TenantID string `json:"tenant_id" gorm:"index"`
	WaNumber string `json:"wa_number" gorm:"index"` // counterparty phone number
	Name     string `json:"name"`

	Direction string `json:"direction"`
	Message   string `json:"message"`
	MediaRef  string `json:"media_ref"`

	Status       string `json:"status" gorm:"index"`
	WaMsgID      string `json:"wa_msg_id" gorm:"index"`
	ErrorMessage string `json:"error_message"`

	CampaignID int64 `json:"campaign_id,string" gorm:"index"`
	Unread     bool  `json:"unread"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MessageLog) TableName() string {
	return "blast_message_log"
}
