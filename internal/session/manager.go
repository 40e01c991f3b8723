package session

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"wablast/internal/notify"
)

// Deps is everything a session needs from the outside world. NewClient is
// swapped in tests; nil means the real whatsmeow client.
type Deps struct {
	Store     Store
	Bus       *notify.Bus
	Creds     Credentials
	Simulate  bool
	NewClient ClientFactory
}

// Manager is the single authoritative registry of live sessions, keyed by
// tenant id. Sessions are created lazily, exactly once per tenant.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	deps     Deps
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		deps:     deps,
	}
}

// StartSession returns the tenant's session, constructing and initializing
// it first if none exists. Concurrent first calls for the same tenant are
// serialized on the registry lock so only one session is ever built.
func (m *Manager) StartSession(ctx context.Context, tenantID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[tenantID]; ok {
		return s, nil
	}
	s := newSession(tenantID, m.deps)
	if err := s.init(ctx); err != nil {
		s.close()
		return nil, err
	}
	m.sessions[tenantID] = s
	return s, nil
}

// GetSession returns the live session or nil.
func (m *Manager) GetSession(tenantID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[tenantID]
}

// GetState reports the tenant's connection state, Disconnected when no
// session exists.
func (m *Manager) GetState(tenantID string) State {
	if s := m.GetSession(tenantID); s != nil {
		return s.State()
	}
	return StateDisconnected
}

func (m *Manager) IsConnected(tenantID string) bool {
	state := m.GetState(tenantID)
	return state == StateConnected || state == StateSimulated
}

func (m *Manager) HasQR(tenantID string) bool {
	if s := m.GetSession(tenantID); s != nil {
		return s.HasQR()
	}
	return false
}

// GetQRImage returns the tenant's outstanding pairing challenge as PNG
// bytes, or nil when there is none.
func (m *Manager) GetQRImage(tenantID string) ([]byte, time.Time) {
	if s := m.GetSession(tenantID); s != nil {
		return s.QRImage()
	}
	return nil, time.Time{}
}

// GetQRCode returns the raw pairing challenge string, empty when none is
// outstanding.
func (m *Manager) GetQRCode(tenantID string) string {
	if s := m.GetSession(tenantID); s != nil {
		return s.QRCode()
	}
	return ""
}

// Reset logs the tenant out and starts a fresh pairing, creating the session
// first when absent.
func (m *Manager) Reset(ctx context.Context, tenantID string) error {
	s, err := m.StartSession(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.Reset(ctx)
}

// SendText routes a queue job to the tenant's session, creating one when
// absent (blastq.Sender contract).
func (m *Manager) SendText(ctx context.Context, tenantID, to, text string, meta SendMeta) (string, error) {
	s, err := m.StartSession(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return s.SendText(ctx, to, text, meta)
}

// SendMedia routes a media job to the tenant's session.
func (m *Manager) SendMedia(ctx context.Context, tenantID, to string, media MediaPayload, meta SendMeta) (string, error) {
	s, err := m.StartSession(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return s.SendMedia(ctx, to, media, meta)
}

// RestoreAll reconnects every tenant with stored credentials, bounded by a
// small worker pool so a large fleet doesn't stampede the channel at boot.
func (m *Manager) RestoreAll(ctx context.Context) {
	tenants, err := m.deps.Creds.Tenants(ctx)
	if err != nil {
		zap.L().Warn("session: restore list failed", zap.Error(err))
		return
	}
	if len(tenants) == 0 {
		return
	}

	pool, err := ants.NewPool(4)
	if err != nil {
		zap.L().Warn("session: restore pool failed", zap.Error(err))
		return
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, tenant := range tenants {
		tenant := tenant
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if _, err := m.StartSession(ctx, tenant); err != nil {
				zap.L().Warn("session: restore failed",
					zap.Error(err), zap.String("tenant", tenant))
			}
		})
		if submitErr != nil {
			wg.Done()
		}
	}
	wg.Wait()
	zap.L().Info("session: restored stored tenants", zap.Int("count", len(tenants)))
}

// Shutdown disconnects every session and empties the registry.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tenant, s := range m.sessions {
		s.close()
		delete(m.sessions, tenant)
	}
	zap.L().Info("session: manager shut down")
}
