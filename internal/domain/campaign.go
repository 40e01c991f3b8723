package domain

import "time"

// Campaign run states. A campaign is created active (or scheduled) and is
// moved between states by user commands; stopped and cancelled are terminal.
const (
	RunStateScheduled = "scheduled"
	RunStateActive    = "active"
	RunStatePaused    = "paused"
	RunStateStopped   = "stopped"
	RunStateCancelled = "cancelled"
)

// Recipient / message log delivery states.
const (
	StatusQueued    = "queued"
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusPlayed    = "played"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// statusRank orders the provider delivery ladder. Receipts may arrive out of
// order; a status is only applied when it outranks the stored one.
var statusRank = map[string]int{
	StatusQueued:    0,
	StatusPending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
	StatusPlayed:    5,
}

// StatusRank returns the delivery-ladder rank of a status, or -1 for states
// outside the ladder (failed, cancelled).
func StatusRank(status string) int {
	if r, ok := statusRank[status]; ok {
		return r
	}
	return -1
}

// StatusesBelow returns every ladder status strictly below the given one.
// Used as the guard set of idempotent receipt updates.
func StatusesBelow(status string) []string {
	rank := StatusRank(status)
	out := make([]string, 0, len(statusRank))
	for s, r := range statusRank {
		if r < rank {
			out = append(out, s)
		}
	}
	return out
}

// IsTerminalRunState reports whether a campaign state stops all further sends.
func IsTerminalRunState(state string) bool {
	return state == RunStateStopped || state == RunStateCancelled
}

// Campaign is one blast: a single content payload targeted at an ordered list
// of recipients. Counter columns are denormalized totals maintained with
// atomic increments alongside the per-recipient status writes.
type Campaign struct {
	ID       int64  `json:"id,string" gorm:"primaryKey"`
	TenantID string `json:"tenant_id" gorm:"index"`
	Name     string `json:"name"`
	Channel  string `json:"channel"` // whatsapp

	Text     string `json:"text"`
	MediaRef string `json:"media_ref"`
	Caption  string `json:"caption"`

	RunState    string     `json:"run_state" gorm:"index"`
	ScheduledAt *time.Time `json:"scheduled_at"`

	// Pacing
	DelayKind    string `json:"delay_kind"` // fixed, random or empty for default
	DelayFixed   int    `json:"delay_fixed"`
	DelayMin     int    `json:"delay_min"`
	DelayMax     int    `json:"delay_max"`
	PauseEvery   int    `json:"pause_every"`
	PauseSeconds int    `json:"pause_seconds"`

	TotalCount     int `json:"total_count"`
	SentCount      int `json:"sent_count"`
	DeliveredCount int `json:"delivered_count"`
	ReadCount      int `json:"read_count"`
	PlayedCount    int `json:"played_count"`
	FailedCount    int `json:"failed_count"`
	CancelledCount int `json:"cancelled_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Campaign) TableName() string {
	return "blast_campaign"
}

// BlastRecipient is one addressee within a campaign. Seq preserves enqueue
// order; LogID links the recipient to its flat MessageLog row.
type BlastRecipient struct {
	ID         int64  `json:"id,string" gorm:"primaryKey"`
	CampaignID int64  `json:"campaign_id,string" gorm:"index"`
	LogID      int64  `json:"log_id,string" gorm:"index"`
	Seq        int    `json:"seq"`
	Phone      string `json:"phone"`
	Name       string `json:"name"`

	Status       string `json:"status" gorm:"index"`
	WaMsgID      string `json:"wa_msg_id" gorm:"index"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`

	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
	PlayedAt    *time.Time `json:"played_at"`
	FailedAt    *time.Time `json:"failed_at"`
	CancelledAt *time.Time `json:"cancelled_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (BlastRecipient) TableName() string {
	return "blast_recipient"
}
