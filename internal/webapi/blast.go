package webapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"wablast/internal/blastq"
	"wablast/internal/domain"
	"wablast/internal/session"
	"wablast/internal/store"
)

type blastRecipient struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

type blastRequest struct {
	TenantID   string           `json:"tenant_id"`
	Name       string           `json:"name"`
	Text       string           `json:"text"`
	MediaRef   string           `json:"media_ref"`
	Caption    string           `json:"caption"`
	Recipients []blastRecipient `json:"recipients"`

	Delay        blastq.DelayPolicy `json:"delay"`
	PauseEvery   int                `json:"pause_every"`
	PauseSeconds int                `json:"pause_seconds"`

	// ScheduleAt defers the campaign; any common timestamp format is
	// accepted. Empty means start now.
	ScheduleAt string `json:"schedule_at"`
}

func (s *Server) createBlast(c echo.Context) error {
	var req blastRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", err.Error())
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "tenant_id is required", nil)
	}
	if req.Text == "" && req.MediaRef == "" {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "text or media_ref is required", nil)
	}
	if len(req.Recipients) == 0 {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "recipients must not be empty", nil)
	}

	var scheduledAt *time.Time
	runState := domain.RunStateActive
	if req.ScheduleAt != "" {
		ts, err := dateparse.ParseLocal(req.ScheduleAt)
		if err != nil {
			return fail(c, http.StatusBadRequest, "BAD_REQUEST", "unparseable schedule_at", err.Error())
		}
		if ts.After(time.Now()) {
			scheduledAt = &ts
			runState = domain.RunStateScheduled
		}
	}

	var media session.MediaPayload
	if req.MediaRef != "" {
		var err error
		media, err = blastq.LoadMediaRef(req.MediaRef, req.Caption)
		if err != nil {
			return fail(c, http.StatusBadRequest, "MEDIA_UNREADABLE", "media_ref could not be read", err.Error())
		}
	}

	campaign := &domain.Campaign{
		TenantID:     req.TenantID,
		Name:         req.Name,
		Channel:      "whatsapp",
		Text:         req.Text,
		MediaRef:     req.MediaRef,
		Caption:      req.Caption,
		RunState:     runState,
		ScheduledAt:  scheduledAt,
		DelayKind:    req.Delay.Kind,
		DelayFixed:   req.Delay.FixedSec,
		DelayMin:     req.Delay.MinSec,
		DelayMax:     req.Delay.MaxSec,
		PauseEvery:   req.PauseEvery,
		PauseSeconds: req.PauseSeconds,
	}

	recipients := make([]store.NewRecipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		phone := strings.TrimSpace(r.Phone)
		if phone == "" {
			continue
		}
		recipients = append(recipients, store.NewRecipient{Phone: phone, Name: r.Name})
	}
	if len(recipients) == 0 {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "recipients must not be empty", nil)
	}

	rows, err := s.store.CreateCampaign(c.Request().Context(), campaign, recipients)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "STORE_ERROR", "campaign create failed", err.Error())
	}

	if runState == domain.RunStateActive {
		jobs := blastq.JobsForCampaign(campaign, rows, media)
		s.queue.Enqueue(jobs...)
	}

	zap.L().Info("webapi: blast created",
		zap.Int64("campaign_id", campaign.ID),
		zap.String("tenant", campaign.TenantID),
		zap.String("run_state", campaign.RunState),
		zap.Int("recipients", len(rows)))

	return ok(c, campaign)
}

func (s *Server) listBlasts(c echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "tenant_id is required", nil)
	}
	limit := cast.ToInt(c.QueryParam("limit"))
	out, err := s.store.ListCampaigns(c.Request().Context(), tenantID, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "STORE_ERROR", "campaign list failed", err.Error())
	}
	return ok(c, out)
}

func (s *Server) getBlast(c echo.Context) error {
	id := cast.ToInt64(c.Param("id"))
	campaign, recipients, err := s.store.GetCampaign(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrCampaignGone) {
			return fail(c, http.StatusNotFound, "NOT_FOUND", "campaign not found", nil)
		}
		return fail(c, http.StatusInternalServerError, "STORE_ERROR", "campaign load failed", err.Error())
	}
	return ok(c, map[string]interface{}{
		"campaign":   campaign,
		"recipients": recipients,
	})
}

func (s *Server) pauseBlast(c echo.Context) error {
	return s.setRunState(c, domain.RunStatePaused)
}

func (s *Server) resumeBlast(c echo.Context) error {
	return s.setRunState(c, domain.RunStateActive)
}

func (s *Server) stopBlast(c echo.Context) error {
	return s.setRunState(c, domain.RunStateStopped)
}

func (s *Server) cancelBlast(c echo.Context) error {
	return s.setRunState(c, domain.RunStateCancelled)
}

func (s *Server) setRunState(c echo.Context, state string) error {
	id := cast.ToInt64(c.Param("id"))
	if err := s.store.SetRunState(c.Request().Context(), id, state); err != nil {
		if errors.Is(err, store.ErrCampaignGone) {
			return fail(c, http.StatusConflict, "NOT_CHANGEABLE", "campaign missing or already terminal", nil)
		}
		return fail(c, http.StatusInternalServerError, "STORE_ERROR", "run-state change failed", err.Error())
	}
	zap.L().Info("webapi: blast run-state changed",
		zap.Int64("campaign_id", id), zap.String("run_state", state))
	return ok(c, map[string]interface{}{"id": cast.ToString(id), "run_state": state})
}
