package session

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	waStore "go.mau.fi/whatsmeow/store"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"wablast/internal/domain"
	"wablast/internal/metrics"
	"wablast/internal/notify"
	"wablast/internal/store"
)

// ErrNotInitialized is returned by send operations before a connection
// exists. Programmer error on the caller's side, never retried.
var ErrNotInitialized = errors.New("session not initialized")

// State is the connection lifecycle position of one tenant session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSimulated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSimulated:
		return "simulated"
	}
	return "disconnected"
}

// Store is the slice of the persistence layer the session writes through.
type Store interface {
	MarkSent(ctx context.Context, campaignID, logID int64, waMsgID string) error
	InsertLog(ctx context.Context, log *domain.MessageLog) error
	ApplyReceipt(ctx context.Context, tenantID, waMsgID, status string, ts time.Time) (store.ReceiptUpdate, error)
	ContactName(ctx context.Context, tenantID, phone string) string
	UpsertContact(ctx context.Context, tenantID, phone, name string) error
	UpsertDevice(ctx context.Context, tenantID string, updates map[string]interface{}) error
}

// ChannelClient is the surface of the whatsmeow client the session drives.
type ChannelClient interface {
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	IsConnected() bool
	IsLoggedIn() bool
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	SendMessage(ctx context.Context, to waTypes.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// ClientFactory builds a channel client for a credential device.
type ClientFactory func(device *waStore.Device) ChannelClient

func defaultClientFactory(device *waStore.Device) ChannelClient {
	return whatsmeow.NewClient(device, nil)
}

const (
	reconnectBase   = 2 * time.Second
	reconnectJitter = 2 * time.Second
	qrImageSize     = 256
)

type genEvent struct {
	gen int
	ev  sessionEvent
}

// Session owns the connection lifecycle to the channel for one tenant.
// All lifecycle state lives behind mu and is mutated only by the run loop
// and the explicit Reset/close paths.
type Session struct {
	tenantID string
	deps     Deps

	mu             sync.RWMutex
	state          State
	registered     bool
	qrCode         string
	qrImage        []byte
	qrIssuedAt     time.Time
	reconnectTimer *time.Timer
	client         ChannelClient
	device         *waStore.Device
	gen            int
	closing        bool
	needsReinit    bool

	events chan genEvent
	done   chan struct{}
}

func newSession(tenantID string, deps Deps) *Session {
	s := &Session{
		tenantID: tenantID,
		deps:     deps,
		events:   make(chan genEvent, 128),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case ge := <-s.events:
			s.mu.RLock()
			stale := ge.gen != s.gen
			s.mu.RUnlock()
			if stale {
				continue
			}
			s.handle(ge.ev)
		case <-s.done:
			return
		}
	}
}

// init moves the session into Connecting: loads credentials, builds a fresh
// client and starts a background connect. In simulated deployments the
// session jumps straight to Simulated and never touches the channel.
func (s *Session) init(ctx context.Context) error {
	if s.deps.Simulate {
		s.mu.Lock()
		s.state = StateSimulated
		s.registered = true
		s.mu.Unlock()
		s.setStateMetric(StateSimulated)
		_ = s.deps.Store.UpsertDevice(ctx, s.tenantID, map[string]interface{}{
			"status": domain.DeviceSimulated,
		})
		s.deps.Bus.PublishReady(notify.ReadyEvent{TenantID: s.tenantID, Connected: true})
		return nil
	}

	device, err := s.deps.Creds.LoadOrCreate(ctx, s.tenantID)
	if err != nil {
		return errors.Wrap(err, "load credentials")
	}

	factory := s.deps.NewClient
	if factory == nil {
		factory = defaultClientFactory
	}
	client := factory(device)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.needsReinit = false
	s.device = device
	s.client = client
	s.mu.Unlock()
	s.setStateMetric(StateConnecting)

	client.AddEventHandler(func(raw interface{}) {
		ev, ok := translateEvent(raw)
		if !ok {
			return
		}
		select {
		case s.events <- genEvent{gen: gen, ev: ev}:
		case <-s.done:
		}
	})

	go func() {
		if err := client.Connect(); err != nil {
			zap.L().Warn("session: connect failed",
				zap.Error(err), zap.String("tenant", s.tenantID))
			s.enqueue(gen, evClosed{reason: "connect failed"})
		}
	}()

	zap.L().Info("session: connecting", zap.String("tenant", s.tenantID))
	return nil
}

func (s *Session) enqueue(gen int, ev sessionEvent) {
	select {
	case s.events <- genEvent{gen: gen, ev: ev}:
	case <-s.done:
	}
}

func (s *Session) handle(ev sessionEvent) {
	switch e := ev.(type) {
	case evQR:
		s.handleQR(e)
	case evOpened:
		s.handleOpened()
	case evClosed:
		s.handleClosed(e)
	case evInbound:
		s.handleInbound(e)
	case evReceipt:
		s.handleReceipt(e)
	}
}

// handleQR encodes the pairing challenge and holds it until registration
// completes or a newer challenge supersedes it.
func (s *Session) handleQR(e evQR) {
	s.mu.Lock()
	if s.registered {
		s.mu.Unlock()
		return
	}
	png, err := qrcode.Encode(e.code, qrcode.Medium, qrImageSize)
	if err != nil {
		s.mu.Unlock()
		zap.L().Error("session: qr encode failed",
			zap.Error(err), zap.String("tenant", s.tenantID))
		return
	}
	s.qrCode = e.code
	s.qrImage = png
	s.qrIssuedAt = time.Now()
	issuedAt := s.qrIssuedAt
	s.mu.Unlock()

	ctx := context.Background()
	_ = s.deps.Store.UpsertDevice(ctx, s.tenantID, map[string]interface{}{
		"status": domain.DeviceScanning,
	})
	s.deps.Bus.PublishQR(notify.QREvent{TenantID: s.tenantID, IssuedAt: issuedAt})
	zap.L().Info("session: qr issued", zap.String("tenant", s.tenantID))
}

func (s *Session) handleOpened() {
	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.state = StateConnected
	s.qrCode = ""
	s.qrImage = nil
	s.qrIssuedAt = time.Time{}
	jid := ""
	if s.device != nil && s.device.ID != nil {
		s.registered = true
		jid = s.device.ID.String()
	} else if s.client != nil && s.client.IsLoggedIn() {
		s.registered = true
	}
	s.mu.Unlock()
	s.setStateMetric(StateConnected)

	ctx := context.Background()
	updates := map[string]interface{}{"status": domain.DeviceConnected}
	if jid != "" {
		updates["jid"] = jid
	}
	_ = s.deps.Store.UpsertDevice(ctx, s.tenantID, updates)
	s.deps.Bus.PublishReady(notify.ReadyEvent{TenantID: s.tenantID, Connected: true})
	zap.L().Info("session: ready", zap.String("tenant", s.tenantID), zap.String("jid", jid))
}

func (s *Session) handleClosed(e evClosed) {
	s.mu.Lock()
	s.state = StateDisconnected
	closing := s.closing
	if e.credentialInvalid {
		s.registered = false
		s.needsReinit = true
	}
	s.mu.Unlock()
	s.setStateMetric(StateDisconnected)

	zap.L().Warn("session: closed",
		zap.String("tenant", s.tenantID), zap.String("reason", e.reason))

	ctx := context.Background()
	if e.credentialInvalid {
		if err := s.deps.Creds.Delete(ctx, s.tenantID); err != nil {
			zap.L().Warn("session: credential purge failed",
				zap.Error(err), zap.String("tenant", s.tenantID))
		}
		_ = s.deps.Store.UpsertDevice(ctx, s.tenantID, map[string]interface{}{
			"status": domain.DeviceLoggedOut,
			"jid":    "",
		})
	}
	s.deps.Bus.PublishDisconnected(notify.DisconnectedEvent{TenantID: s.tenantID, Reason: e.reason})

	if !closing {
		s.scheduleReconnect()
	}
}

// scheduleReconnect arms a one-shot randomized backoff (~2-4s). A reset in
// the interim cancels the timer.
func (s *Session) scheduleReconnect() {
	delay := reconnectBase + time.Duration(rand.Int63n(int64(reconnectJitter)))
	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, s.reconnect)
	s.mu.Unlock()
	zap.L().Info("session: reconnect scheduled",
		zap.String("tenant", s.tenantID), zap.Duration("delay", delay))
}

func (s *Session) reconnect() {
	s.mu.RLock()
	closing := s.closing
	state := s.state
	reinit := s.needsReinit
	client := s.client
	s.mu.RUnlock()
	if closing || state != StateDisconnected {
		return
	}
	if reinit || client == nil {
		// Credentials were purged; a fresh client starts a new pairing.
		if err := s.init(context.Background()); err != nil {
			zap.L().Warn("session: reinit failed",
				zap.Error(err), zap.String("tenant", s.tenantID))
			s.scheduleReconnect()
		}
		return
	}
	if err := client.Connect(); err != nil {
		zap.L().Warn("session: reconnect failed",
			zap.Error(err), zap.String("tenant", s.tenantID))
		s.scheduleReconnect()
	}
}

// Reset forcibly logs out, purges stored credentials and starts over from
// Connecting, whatever the prior state.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.gen++ // events from the old client are stale from here on
	client := s.client
	s.client = nil
	s.device = nil
	s.qrCode = ""
	s.qrImage = nil
	s.qrIssuedAt = time.Time{}
	s.registered = false
	s.state = StateDisconnected
	s.mu.Unlock()

	if client != nil {
		if err := client.Logout(ctx); err != nil {
			zap.L().Warn("session: logout failed",
				zap.Error(err), zap.String("tenant", s.tenantID))
		}
		client.Disconnect()
	}
	if err := s.deps.Creds.Delete(ctx, s.tenantID); err != nil {
		zap.L().Warn("session: credential purge failed",
			zap.Error(err), zap.String("tenant", s.tenantID))
	}
	_ = s.deps.Store.UpsertDevice(ctx, s.tenantID, map[string]interface{}{
		"status": domain.DeviceLoggedOut,
		"jid":    "",
	})
	zap.L().Info("session: reset", zap.String("tenant", s.tenantID))
	return s.init(ctx)
}

func (s *Session) close() {
	s.mu.Lock()
	s.closing = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	client := s.client
	s.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	close(s.done)
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

func (s *Session) HasQR() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.qrImage) > 0
}

// QRImage returns the current pairing challenge as PNG bytes with its
// issuance time, or nil when none is outstanding.
func (s *Session) QRImage() ([]byte, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qrImage, s.qrIssuedAt
}

// QRCode returns the raw pairing challenge string, empty when none is
// outstanding.
func (s *Session) QRCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qrCode
}

func (s *Session) setStateMetric(state State) {
	metrics.SessionState.WithLabelValues(s.tenantID).Set(float64(state))
}

// normalizeJID turns a bare phone number into a user JID; full JIDs pass
// through untouched.
func normalizeJID(to string) (waTypes.JID, error) {
	to = strings.TrimSpace(strings.TrimPrefix(to, "+"))
	if strings.ContainsRune(to, '@') {
		return waTypes.ParseJID(to)
	}
	if to == "" {
		return waTypes.JID{}, errors.New("empty destination")
	}
	return waTypes.NewJID(to, waTypes.DefaultUserServer), nil
}
