package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"wablast/internal/domain"
	"wablast/pkg/common"
)

// ErrCampaignGone is returned when a campaign referenced by a job no longer
// exists. The queue drops such jobs silently.
var ErrCampaignGone = errors.New("campaign not found")

// BlastStore issues the persistence updates the delivery core relies on.
// Every status write is a single atomic UPDATE guarded by the current state,
// so the queue path and the receipt path can both write without coordination.
type BlastStore struct {
	db *gorm.DB
}

func NewBlastStore(db *gorm.DB) *BlastStore {
	return &BlastStore{db: db}
}

func (s *BlastStore) DB() *gorm.DB {
	return s.db
}

// NewRecipient describes one addressee of a campaign being created.
type NewRecipient struct {
	Phone string
	Name  string
}

// CreateCampaign persists the campaign, one MessageLog per recipient and the
// recipient rows linking the two. Recipient order is preserved in Seq.
func (s *BlastStore) CreateCampaign(ctx context.Context, c *domain.Campaign, recipients []NewRecipient) ([]domain.BlastRecipient, error) {
	if c.ID == 0 {
		c.ID = common.NextID()
	}
	c.TotalCount = len(recipients)
	if c.RunState == "" {
		c.RunState = domain.RunStateActive
	}

	rows := make([]domain.BlastRecipient, 0, len(recipients))
	logs := make([]domain.MessageLog, 0, len(recipients))
	for i, r := range recipients {
		logID := common.NextID()
		logs = append(logs, domain.MessageLog{
			ID:         logID,
			TenantID:   c.TenantID,
			WaNumber:   r.Phone,
			Name:       r.Name,
			Direction:  domain.DirectionOut,
			Message:    c.Text,
			MediaRef:   c.MediaRef,
			Status:     domain.StatusQueued,
			CampaignID: c.ID,
		})
		rows = append(rows, domain.BlastRecipient{
			ID:         common.NextID(),
			CampaignID: c.ID,
			LogID:      logID,
			Seq:        i,
			Phone:      r.Phone,
			Name:       r.Name,
			Status:     domain.StatusQueued,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		if len(logs) > 0 {
			if err := tx.Create(&logs).Error; err != nil {
				return err
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "create campaign")
	}
	return rows, nil
}

// CampaignRunState reads the current run state of a campaign.
func (s *BlastStore) CampaignRunState(ctx context.Context, id int64) (string, error) {
	var c domain.Campaign
	err := s.db.WithContext(ctx).Model(&domain.Campaign{}).
		Select("run_state").
		Where("id = ?", id).
		Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrCampaignGone
	}
	if err != nil {
		return "", err
	}
	return c.RunState, nil
}

// SetRunState moves a campaign between run states. Terminal states win: a
// stopped or cancelled campaign cannot be reactivated.
func (s *BlastStore) SetRunState(ctx context.Context, id int64, state string) error {
	res := s.db.WithContext(ctx).Model(&domain.Campaign{}).
		Where("id = ? AND run_state NOT IN ?", id, []string{domain.RunStateStopped, domain.RunStateCancelled}).
		Updates(map[string]interface{}{"run_state": state})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCampaignGone
	}
	return nil
}

// GetCampaign loads a campaign with its recipients in enqueue order.
func (s *BlastStore) GetCampaign(ctx context.Context, id int64) (*domain.Campaign, []domain.BlastRecipient, error) {
	var c domain.Campaign
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrCampaignGone
		}
		return nil, nil, err
	}
	var recipients []domain.BlastRecipient
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ?", id).
		Order("seq asc").
		Find(&recipients).Error; err != nil {
		return nil, nil, err
	}
	return &c, recipients, nil
}

// ListCampaigns returns a tenant's campaigns, newest first.
func (s *BlastStore) ListCampaigns(ctx context.Context, tenantID string, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Campaign
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// DueScheduledCampaigns returns scheduled campaigns whose time has come.
func (s *BlastStore) DueScheduledCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	var out []domain.Campaign
	err := s.db.WithContext(ctx).
		Where("run_state = ? AND scheduled_at <= ?", domain.RunStateScheduled, now).
		Order("scheduled_at asc").
		Find(&out).Error
	return out, err
}

// nonTerminalStatuses guards queue-path writes: a recipient already in a
// terminal class is never reverted.
var nonTerminalStatuses = []string{domain.StatusQueued, domain.StatusPending}

// MarkSent records a successful channel send on the log and, when the send
// belongs to a campaign, on the recipient plus the campaign sent counter.
// Idempotent: re-marking an already sent recipient changes nothing.
func (s *BlastStore) MarkSent(ctx context.Context, campaignID, logID int64, waMsgID string) error {
	now := time.Now()
	// Rank-guarded: a receipt that lands before this write commits must not
	// be regressed from delivered back to sent.
	err := s.db.WithContext(ctx).Model(&domain.MessageLog{}).
		Where("id = ? AND status IN ?", logID, domain.StatusesBelow(domain.StatusDelivered)).
		Updates(map[string]interface{}{
			"status":        domain.StatusSent,
			"wa_msg_id":     waMsgID,
			"error_message": "",
		}).Error
	if err != nil {
		return errors.Wrap(err, "mark log sent")
	}
	if campaignID == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&domain.BlastRecipient{}).
		Where("campaign_id = ? AND log_id = ? AND status IN ?", campaignID, logID, nonTerminalStatuses).
		Updates(map[string]interface{}{
			"status":    domain.StatusSent,
			"wa_msg_id": waMsgID,
			"sent_at":   now,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "mark recipient sent")
	}
	if res.RowsAffected > 0 {
		return s.incCounter(ctx, campaignID, "sent_count")
	}
	return nil
}

// MarkFailed records a terminal send failure for the job. Not retried.
func (s *BlastStore) MarkFailed(ctx context.Context, campaignID, logID int64, code, message string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&domain.MessageLog{}).
		Where("id = ?", logID).
		Updates(map[string]interface{}{
			"status":        domain.StatusFailed,
			"error_message": message,
		}).Error
	if err != nil {
		return errors.Wrap(err, "mark log failed")
	}
	if campaignID == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&domain.BlastRecipient{}).
		Where("campaign_id = ? AND log_id = ? AND status IN ?", campaignID, logID, nonTerminalStatuses).
		Updates(map[string]interface{}{
			"status":        domain.StatusFailed,
			"error_code":    code,
			"error_message": message,
			"failed_at":     now,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "mark recipient failed")
	}
	if res.RowsAffected > 0 {
		return s.incCounter(ctx, campaignID, "failed_count")
	}
	return nil
}

// MarkCancelled records that a job was dropped because its campaign reached a
// terminal run state before the send happened.
func (s *BlastStore) MarkCancelled(ctx context.Context, campaignID, logID int64) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&domain.MessageLog{}).
		Where("id = ?", logID).
		Updates(map[string]interface{}{"status": domain.StatusCancelled}).Error
	if err != nil {
		return errors.Wrap(err, "mark log cancelled")
	}
	if campaignID == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&domain.BlastRecipient{}).
		Where("campaign_id = ? AND log_id = ? AND status IN ?", campaignID, logID, nonTerminalStatuses).
		Updates(map[string]interface{}{
			"status":       domain.StatusCancelled,
			"cancelled_at": now,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "mark recipient cancelled")
	}
	if res.RowsAffected > 0 {
		return s.incCounter(ctx, campaignID, "cancelled_count")
	}
	return nil
}

func (s *BlastStore) incCounter(ctx context.Context, campaignID int64, column string) error {
	return s.db.WithContext(ctx).Model(&domain.Campaign{}).
		Where("id = ?", campaignID).
		UpdateColumn(column, gorm.Expr(column+" + 1")).Error
}

func (s *BlastStore) decCounter(ctx context.Context, campaignID int64, column string) error {
	return s.db.WithContext(ctx).Model(&domain.Campaign{}).
		Where("id = ? AND "+column+" > 0", campaignID).
		UpdateColumn(column, gorm.Expr(column+" - 1")).Error
}
