package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"wablast/internal/domain"
	"wablast/pkg/common"
)

// InsertLog appends one chat-history row. Used by the session for direct
// outbound sends and for inbound messages; campaign logs are created up
// front by CreateCampaign.
func (s *BlastStore) InsertLog(ctx context.Context, log *domain.MessageLog) error {
	if log.ID == 0 {
		log.ID = common.NextID()
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(log).Error, "insert message log")
}

// ListChat returns the recent chat history between a tenant and one number,
// oldest first.
func (s *BlastStore) ListChat(ctx context.Context, tenantID, waNumber string, limit int) ([]domain.MessageLog, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []domain.MessageLog
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND wa_number = ?", tenantID, waNumber).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkChatRead clears the unread flag for a conversation.
func (s *BlastStore) MarkChatRead(ctx context.Context, tenantID, waNumber string) error {
	return s.db.WithContext(ctx).Model(&domain.MessageLog{}).
		Where("tenant_id = ? AND wa_number = ? AND unread = ?", tenantID, waNumber, true).
		Updates(map[string]interface{}{"unread": false}).Error
}

// PruneLogs deletes message logs older than the retention window.
func (s *BlastStore) PruneLogs(ctx context.Context, olderThan time.Time) error {
	return s.db.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&domain.MessageLog{}).Error
}

// UpsertContact creates or refreshes an address book entry keyed by phone.
// The existing name is only overwritten when the new one is non-empty.
func (s *BlastStore) UpsertContact(ctx context.Context, tenantID, phone, name string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return errors.New("contact phone is required")
	}
	var existing domain.Contact
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND phone = ?", tenantID, phone).
		First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.WithContext(ctx).Create(&domain.Contact{
			ID:       common.NextID(),
			TenantID: tenantID,
			Phone:    phone,
			Name:     name,
		}).Error
	case err != nil:
		return err
	}
	if name != "" && existing.Name != name {
		return s.db.WithContext(ctx).Model(&domain.Contact{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"name": name}).Error
	}
	return nil
}

// ContactName resolves the display name for a phone number, empty when the
// number is not in the tenant's address book.
func (s *BlastStore) ContactName(ctx context.Context, tenantID, phone string) string {
	var c domain.Contact
	err := s.db.WithContext(ctx).
		Select("name").
		Where("tenant_id = ? AND phone = ?", tenantID, phone).
		Take(&c).Error
	if err != nil {
		return ""
	}
	return c.Name
}

// ListContacts returns the tenant address book.
func (s *BlastStore) ListContacts(ctx context.Context, tenantID string) ([]domain.Contact, error) {
	var out []domain.Contact
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("name asc").
		Find(&out).Error
	return out, err
}

// UpsertDevice records the pairing state of a tenant's device row.
func (s *BlastStore) UpsertDevice(ctx context.Context, tenantID string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&domain.TenantDevice{}).
		Where("tenant_id = ?", tenantID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	dev := &domain.TenantDevice{ID: common.NextID(), TenantID: tenantID}
	if v, ok := updates["jid"].(string); ok {
		dev.Jid = v
	}
	if v, ok := updates["status"].(string); ok {
		dev.Status = v
	}
	if v, ok := updates["name"].(string); ok {
		dev.Name = v
	}
	return s.db.WithContext(ctx).Create(dev).Error
}

// ListDevices returns all tenant device rows.
func (s *BlastStore) ListDevices(ctx context.Context) ([]domain.TenantDevice, error) {
	var out []domain.TenantDevice
	err := s.db.WithContext(ctx).Order("tenant_id asc").Find(&out).Error
	return out, err
}
