package webapi

import (
	"context"
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wablast/config"
	"wablast/internal/blastq"
	"wablast/internal/session"
	"wablast/internal/store"
)

// Server is the HTTP control plane: it produces delivery jobs, drives
// campaign run-state commands and exposes session pairing state. All
// delivery semantics live behind the store, queue and session manager.
type Server struct {
	cfg     *config.AppConfig
	echo    *echo.Echo
	store   *store.BlastStore
	queue   *blastq.Queue
	manager *session.Manager
}

func NewServer(cfg *config.AppConfig, bs *store.BlastStore, q *blastq.Queue, m *session.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.Use(middleware.Recover())

	s := &Server{cfg: cfg, echo: e, store: bs, queue: q, manager: m}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.echo.Group("/api")

	api.POST("/blast", s.createBlast)
	api.GET("/blast", s.listBlasts)
	api.GET("/blast/:id", s.getBlast)
	api.POST("/blast/:id/pause", s.pauseBlast)
	api.POST("/blast/:id/resume", s.resumeBlast)
	api.POST("/blast/:id/stop", s.stopBlast)
	api.POST("/blast/:id/cancel", s.cancelBlast)

	api.GET("/session/:tenant/status", s.sessionStatus)
	api.GET("/session/:tenant/qr", s.sessionQR)
	api.POST("/session/:tenant/start", s.sessionStart)
	api.POST("/session/:tenant/reset", s.sessionReset)
	api.GET("/session/devices", s.listDevices)

	api.GET("/chat/:tenant/:number", s.chatHistory)
	api.POST("/chat/:tenant/read", s.chatMarkRead)
	api.POST("/chat/:tenant/send", s.chatSend)

	api.GET("/contacts/:tenant", s.listContacts)
	api.POST("/contacts/:tenant/import", s.importContacts)

	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	zap.L().Info("webapi: listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": 0,
		"data": data,
	})
}

func fail(c echo.Context, status int, code, msg string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":    code,
		"message": msg,
		"detail":  detail,
	})
}

// jsonSerializer swaps echo's encoding/json for json-iterator.
type jsonSerializer struct{}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := jsonAPI.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	if err := jsonAPI.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}
