package webapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"wablast/internal/blastq"
	"wablast/internal/session"
)

func (s *Server) chatHistory(c echo.Context) error {
	tenantID := c.Param("tenant")
	number := c.Param("number")
	limit := cast.ToInt(c.QueryParam("limit"))
	logs, err := s.store.ListChat(c.Request().Context(), tenantID, number, limit)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "STORE_ERROR", "chat list failed", err.Error())
	}
	return ok(c, logs)
}

type chatReadRequest struct {
	WaNumber string `json:"wa_number"`
}

func (s *Server) chatMarkRead(c echo.Context) error {
	var req chatReadRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", err.Error())
	}
	if req.WaNumber == "" {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "wa_number is required", nil)
	}
	if err := s.store.MarkChatRead(c.Request().Context(), c.Param("tenant"), req.WaNumber); err != nil {
		return fail(c, http.StatusInternalServerError, "STORE_ERROR", "mark read failed", err.Error())
	}
	return ok(c, nil)
}

type chatSendRequest struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	MediaRef string `json:"media_ref"`
	Caption  string `json:"caption"`
}

// chatSend delivers one ad-hoc message immediately, bypassing the queue. The
// session records the outbound chat row itself.
func (s *Server) chatSend(c echo.Context) error {
	var req chatSendRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", err.Error())
	}
	if req.To == "" {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "to is required", nil)
	}
	if req.Text == "" && req.MediaRef == "" {
		return fail(c, http.StatusBadRequest, "BAD_REQUEST", "text or media_ref is required", nil)
	}
	tenantID := c.Param("tenant")
	ctx := c.Request().Context()

	var waMsgID string
	var err error
	if req.MediaRef != "" {
		var media session.MediaPayload
		media, err = blastq.LoadMediaRef(req.MediaRef, req.Caption)
		if err != nil {
			return fail(c, http.StatusBadRequest, "MEDIA_UNREADABLE", "media_ref could not be read", err.Error())
		}
		waMsgID, err = s.manager.SendMedia(ctx, tenantID, req.To, media, session.SendMeta{})
	} else {
		waMsgID, err = s.manager.SendText(ctx, tenantID, req.To, req.Text, session.SendMeta{})
	}
	if err != nil {
		return fail(c, http.StatusBadGateway, "SEND_FAILED", "message send failed", err.Error())
	}
	return ok(c, map[string]interface{}{"wa_msg_id": waMsgID})
}
