package webapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) sessionStatus(c echo.Context) error {
	tenantID := c.Param("tenant")
	state := s.manager.GetState(tenantID)

	registered := false
	if sess := s.manager.GetSession(tenantID); sess != nil {
		registered = sess.Registered()
	}
	return ok(c, map[string]interface{}{
		"tenant_id":  tenantID,
		"state":      state.String(),
		"connected":  s.manager.IsConnected(tenantID),
		"registered": registered,
		"has_qr":     s.manager.HasQR(tenantID),
	})
}

// sessionQR serves the outstanding pairing challenge as a PNG, or as the raw
// challenge string with ?format=raw. 404 when the tenant has no pending
// pairing (already registered or not yet scanning).
func (s *Server) sessionQR(c echo.Context) error {
	tenantID := c.Param("tenant")
	if c.QueryParam("format") == "raw" {
		code := s.manager.GetQRCode(tenantID)
		if code == "" {
			return fail(c, http.StatusNotFound, "NO_QR", "no pairing challenge outstanding", nil)
		}
		return ok(c, map[string]interface{}{"code": code})
	}
	png, issuedAt := s.manager.GetQRImage(tenantID)
	if len(png) == 0 {
		return fail(c, http.StatusNotFound, "NO_QR", "no pairing challenge outstanding", nil)
	}
	c.Response().Header().Set("X-QR-Issued-At", issuedAt.Format("2006-01-02T15:04:05Z07:00"))
	return c.Blob(http.StatusOK, "image/png", png)
}

// sessionStart creates (or returns) the tenant's session. The first call for
// an unregistered tenant kicks off pairing; poll sessionQR afterwards.
func (s *Server) sessionStart(c echo.Context) error {
	tenantID := c.Param("tenant")
	sess, err := s.manager.StartSession(c.Request().Context(), tenantID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "SESSION_ERROR", "session start failed", err.Error())
	}
	return ok(c, map[string]interface{}{
		"tenant_id": tenantID,
		"state":     sess.State().String(),
	})
}

// sessionReset logs the device out, purges its stored credentials and begins
// a fresh pairing.
func (s *Server) sessionReset(c echo.Context) error {
	tenantID := c.Param("tenant")
	if err := s.manager.Reset(c.Request().Context(), tenantID); err != nil {
		return fail(c, http.StatusInternalServerError, "SESSION_ERROR", "session reset failed", err.Error())
	}
	zap.L().Info("webapi: session reset", zap.String("tenant", tenantID))
	return ok(c, map[string]interface{}{"tenant_id": tenantID})
}

func (s *Server) listDevices(c echo.Context) error {
	devices, err := s.store.ListDevices(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "STORE_ERROR", "device list failed", err.Error())
	}
	return ok(c, devices)
}
