package session

import (
	"context"

	"go.uber.org/zap"

	"wablast/internal/domain"
	"wablast/internal/metrics"
	"wablast/internal/notify"
)

// Status reconciliation: provider events arrive on the session loop and are
// merged into the campaign/log records through the store's idempotent rules,
// then fanned out to live listeners.

func (s *Session) handleReceipt(e evReceipt) {
	ctx := context.Background()
	for _, msgID := range e.msgIDs {
		upd, err := s.deps.Store.ApplyReceipt(ctx, s.tenantID, msgID, e.status, e.ts)
		if err != nil {
			zap.L().Warn("session: receipt apply failed",
				zap.Error(err),
				zap.String("tenant", s.tenantID),
				zap.String("wa_msg_id", msgID),
				zap.String("status", e.status))
			continue
		}
		if !upd.Applied {
			continue
		}
		metrics.ReceiptsApplied.WithLabelValues(e.status).Inc()
		s.deps.Bus.PublishStatus(notify.StatusEvent{
			TenantID:   s.tenantID,
			WaMsgID:    msgID,
			LogID:      upd.LogID,
			Status:     e.status,
			Phone:      upd.Phone,
			Name:       upd.Name,
			CampaignID: upd.CampaignID,
		})
	}
}

func (s *Session) handleInbound(e evInbound) {
	ctx := context.Background()
	name := s.deps.Store.ContactName(ctx, s.tenantID, e.waNumber)
	if name == "" && e.pushName != "" {
		name = e.pushName
		if err := s.deps.Store.UpsertContact(ctx, s.tenantID, e.waNumber, e.pushName); err != nil {
			zap.L().Warn("session: contact upsert failed",
				zap.Error(err), zap.String("tenant", s.tenantID))
		}
	}

	log := &domain.MessageLog{
		TenantID:  s.tenantID,
		WaNumber:  e.waNumber,
		Name:      name,
		Direction: domain.DirectionIn,
		Message:   e.text,
		WaMsgID:   e.waMsgID,
		Unread:    true,
	}
	if err := s.deps.Store.InsertLog(ctx, log); err != nil {
		zap.L().Warn("session: inbound log insert failed",
			zap.Error(err), zap.String("tenant", s.tenantID))
		return
	}

	s.deps.Bus.PublishChat(notify.ChatEvent{
		TenantID:  s.tenantID,
		WaNumber:  e.waNumber,
		Name:      name,
		Message:   e.text,
		Direction: domain.DirectionIn,
		WaMsgID:   e.waMsgID,
		CreatedAt: e.ts,
	})
}
