package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"wablast/internal/domain"
)

// ReceiptUpdate is the outcome of applying one provider delivery event. The
// phone/name pair is resolved from the campaign recipient at query time so
// live listeners get a displayable payload without redundant storage.
type ReceiptUpdate struct {
	Applied    bool
	LogID      int64
	CampaignID int64
	Phone      string
	Name       string
	Status     string
}

// statusTimestampColumn maps a ladder status to the recipient timestamp
// column written alongside it.
var statusTimestampColumn = map[string]string{
	domain.StatusSent:      "sent_at",
	domain.StatusDelivered: "delivered_at",
	domain.StatusRead:      "read_at",
	domain.StatusPlayed:    "played_at",
}

var statusCounterColumn = map[string]string{
	domain.StatusSent:      "sent_count",
	domain.StatusDelivered: "delivered_count",
	domain.StatusRead:      "read_count",
	domain.StatusPlayed:    "played_count",
}

// ApplyReceipt merges one provider delivery event (sent/delivered/read/played)
// onto the recipient and log rows matching the provider message id. The write
// is idempotent and monotonic: the update only fires when the new status
// outranks the stored one, and the campaign counter is bumped only when the
// recipient row actually changed.
func (s *BlastStore) ApplyReceipt(ctx context.Context, tenantID, waMsgID, status string, ts time.Time) (ReceiptUpdate, error) {
	out := ReceiptUpdate{Status: status}
	below := domain.StatusesBelow(status)
	if len(below) == 0 {
		return out, errors.Errorf("not a delivery status: %s", status)
	}

	// Log row first; direct sends have no recipient to join.
	err := s.db.WithContext(ctx).Model(&domain.MessageLog{}).
		Where("tenant_id = ? AND wa_msg_id = ? AND status IN ?", tenantID, waMsgID, below).
		Updates(map[string]interface{}{"status": status}).Error
	if err != nil {
		return out, errors.Wrap(err, "apply receipt to log")
	}

	var rcpt domain.BlastRecipient
	err = s.db.WithContext(ctx).
		Where("wa_msg_id = ?", waMsgID).
		Take(&rcpt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, nil
	}
	if err != nil {
		return out, errors.Wrap(err, "lookup recipient by wa_msg_id")
	}

	out.LogID = rcpt.LogID
	out.CampaignID = rcpt.CampaignID
	out.Phone = rcpt.Phone
	out.Name = rcpt.Name

	updates := map[string]interface{}{"status": status}
	if col, ok := statusTimestampColumn[status]; ok {
		updates[col] = ts
	}
	res := s.db.WithContext(ctx).Model(&domain.BlastRecipient{}).
		Where("id = ? AND status IN ?", rcpt.ID, below).
		Updates(updates)
	if res.Error != nil {
		return out, errors.Wrap(res.Error, "apply receipt to recipient")
	}
	if res.RowsAffected == 0 {
		// Same or newer status already recorded; counters stay untouched.
		return out, nil
	}
	out.Applied = true

	// Keep the per-status totals consistent with the recipient rows: the
	// superseded ladder status gives its count back before the new one takes it.
	if col, ok := statusCounterColumn[rcpt.Status]; ok {
		if err := s.decCounter(ctx, rcpt.CampaignID, col); err != nil {
			return out, err
		}
	}
	return out, s.incCounter(ctx, rcpt.CampaignID, statusCounterColumn[status])
}
