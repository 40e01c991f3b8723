package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	waStore "go.mau.fi/whatsmeow/store"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"wablast/internal/domain"
	"wablast/internal/notify"
	"wablast/internal/store"
)

type fakeStore struct {
	mu            sync.Mutex
	markSent      []string
	logs          []domain.MessageLog
	deviceStatus  []string
	contacts      map[string]string
	receiptResult store.ReceiptUpdate
	receipts      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{contacts: map[string]string{}}
}

func (f *fakeStore) MarkSent(ctx context.Context, campaignID, logID int64, waMsgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markSent = append(f.markSent, waMsgID)
	return nil
}

func (f *fakeStore) InsertLog(ctx context.Context, log *domain.MessageLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, *log)
	return nil
}

func (f *fakeStore) ApplyReceipt(ctx context.Context, tenantID, waMsgID, status string, ts time.Time) (store.ReceiptUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, waMsgID+":"+status)
	return f.receiptResult, nil
}

func (f *fakeStore) ContactName(ctx context.Context, tenantID, phone string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts[phone]
}

func (f *fakeStore) UpsertContact(ctx context.Context, tenantID, phone, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[phone] = name
	return nil
}

func (f *fakeStore) UpsertDevice(ctx context.Context, tenantID string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := updates["status"].(string); ok {
		f.deviceStatus = append(f.deviceStatus, status)
	}
	return nil
}

func (f *fakeStore) lastDeviceStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deviceStatus) == 0 {
		return ""
	}
	return f.deviceStatus[len(f.deviceStatus)-1]
}

func (f *fakeStore) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.markSent))
	copy(out, f.markSent)
	return out
}

func (f *fakeStore) insertedLogs() []domain.MessageLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.MessageLog, len(f.logs))
	copy(out, f.logs)
	return out
}

type fakeCreds struct {
	mu      sync.Mutex
	deleted []string
	tenants []string
}

func (f *fakeCreds) LoadOrCreate(ctx context.Context, tenantID string) (*waStore.Device, error) {
	return &waStore.Device{}, nil
}

func (f *fakeCreds) Delete(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, tenantID)
	return nil
}

func (f *fakeCreds) Tenants(ctx context.Context) ([]string, error) {
	return f.tenants, nil
}

func (f *fakeCreds) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

type fakeClient struct {
	mu        sync.Mutex
	handler   whatsmeow.EventHandler
	connected bool
	loggedIn  bool
	loggedOut bool
	sent      []string
}

func (f *fakeClient) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeClient) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeClient) AddEventHandler(handler whatsmeow.EventHandler) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return 1
}

func (f *fakeClient) SendMessage(ctx context.Context, to waTypes.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to.User)
	return whatsmeow.SendResponse{ID: "WAMSG-1"}, nil
}

func (f *fakeClient) Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return whatsmeow.UploadResponse{}, nil
}

func (f *fakeClient) emit(evt interface{}) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newTestManager(fs *fakeStore, fc *fakeCreds, simulate bool) (*Manager, *fakeClient) {
	client := &fakeClient{}
	m := NewManager(Deps{
		Store:    fs,
		Bus:      notify.NewBus(),
		Creds:    fc,
		Simulate: simulate,
		NewClient: func(device *waStore.Device) ChannelClient {
			return client
		},
	})
	return m, client
}

func TestStartSessionConstructsExactlyOnce(t *testing.T) {
	constructed := 0
	var cmu sync.Mutex
	m := NewManager(Deps{
		Store: newFakeStore(),
		Bus:   notify.NewBus(),
		Creds: &fakeCreds{},
		NewClient: func(device *waStore.Device) ChannelClient {
			cmu.Lock()
			constructed++
			cmu.Unlock()
			return &fakeClient{}
		},
	})
	defer m.Shutdown()

	const n = 20
	results := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.StartSession(context.Background(), "tenant-a")
			if err != nil {
				t.Errorf("start session: %v", err)
				return
			}
			results[i] = s
		}()
	}
	wg.Wait()

	cmu.Lock()
	defer cmu.Unlock()
	if constructed != 1 {
		t.Fatalf("expected exactly one client construction, got %d", constructed)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("concurrent starts returned different sessions")
		}
	}
}

func TestSimulatedSendMarksCampaignRecipient(t *testing.T) {
	fs := newFakeStore()
	m, _ := newTestManager(fs, &fakeCreds{}, true)
	defer m.Shutdown()

	id, err := m.SendText(context.Background(), "tenant-a", "628111", "hi", SendMeta{CampaignID: 7, LogID: 70})
	if err != nil {
		t.Fatalf("simulated send: %v", err)
	}
	if !strings.HasPrefix(id, "SIM-") {
		t.Fatalf("expected synthetic message id, got %q", id)
	}
	sent := fs.sentIDs()
	if len(sent) != 1 || sent[0] != id {
		t.Fatalf("expected MarkSent with %q, got %v", id, sent)
	}
	if len(fs.insertedLogs()) != 0 {
		t.Fatalf("campaign send must not create a chat log row")
	}
}

func TestSimulatedDirectSendInsertsChatLog(t *testing.T) {
	fs := newFakeStore()
	m, _ := newTestManager(fs, &fakeCreds{}, true)
	defer m.Shutdown()

	id, err := m.SendText(context.Background(), "tenant-a", "+628111", "hello there", SendMeta{})
	if err != nil {
		t.Fatalf("direct send: %v", err)
	}
	logs := fs.insertedLogs()
	if len(logs) != 1 {
		t.Fatalf("expected one chat log, got %d", len(logs))
	}
	log := logs[0]
	if log.Direction != domain.DirectionOut || log.Status != domain.StatusSent {
		t.Fatalf("unexpected log: %+v", log)
	}
	if log.WaNumber != "628111" {
		t.Fatalf("plus prefix not stripped: %q", log.WaNumber)
	}
	if log.WaMsgID != id {
		t.Fatalf("log id mismatch: %q vs %q", log.WaMsgID, id)
	}
}

func TestSendBeforeConnectedFails(t *testing.T) {
	fs := newFakeStore()
	m, _ := newTestManager(fs, &fakeCreds{}, false)
	defer m.Shutdown()

	s, err := m.StartSession(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if s.State() != StateConnecting {
		t.Fatalf("expected connecting, got %v", s.State())
	}
	if _, err := s.SendText(context.Background(), "628111", "hi", SendMeta{}); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestPairingLifecycle(t *testing.T) {
	fs := newFakeStore()
	m, client := newTestManager(fs, &fakeCreds{}, false)
	defer m.Shutdown()

	s, err := m.StartSession(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	client.emit(&events.QR{Codes: []string{"challenge-1"}})
	waitFor(t, 2*time.Second, s.HasQR)
	if fs.lastDeviceStatus() != domain.DeviceScanning {
		t.Fatalf("expected scanning device status, got %q", fs.lastDeviceStatus())
	}
	png, issuedAt := s.QRImage()
	if len(png) == 0 || issuedAt.IsZero() {
		t.Fatalf("expected rendered challenge image")
	}

	client.mu.Lock()
	client.loggedIn = true
	client.mu.Unlock()
	client.emit(&events.Connected{})
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateConnected })
	if !s.Registered() {
		t.Fatalf("expected registered after open")
	}
	if s.HasQR() {
		t.Fatalf("challenge must be cleared once the channel opens")
	}
	if fs.lastDeviceStatus() != domain.DeviceConnected {
		t.Fatalf("expected connected device status, got %q", fs.lastDeviceStatus())
	}
}

func TestLoggedOutPurgesCredentials(t *testing.T) {
	fs := newFakeStore()
	creds := &fakeCreds{}
	m, client := newTestManager(fs, creds, false)
	defer m.Shutdown()

	s, err := m.StartSession(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	client.emit(&events.Connected{})
	waitFor(t, 2*time.Second, func() bool { return s.State() == StateConnected })

	client.emit(&events.LoggedOut{Reason: events.ConnectFailureLoggedOut})
	waitFor(t, 2*time.Second, func() bool { return creds.deleteCount() == 1 })
	if s.State() != StateDisconnected {
		t.Fatalf("expected disconnected after logout, got %v", s.State())
	}
	if s.Registered() {
		t.Fatalf("registration must drop with the credentials")
	}
	if fs.lastDeviceStatus() != domain.DeviceLoggedOut {
		t.Fatalf("expected logged_out device status, got %q", fs.lastDeviceStatus())
	}
}

func TestResetDiscardsStaleClientEvents(t *testing.T) {
	fs := newFakeStore()
	creds := &fakeCreds{}
	clients := make([]*fakeClient, 0, 2)
	var cmu sync.Mutex
	m := NewManager(Deps{
		Store: fs,
		Bus:   notify.NewBus(),
		Creds: creds,
		NewClient: func(device *waStore.Device) ChannelClient {
			cmu.Lock()
			defer cmu.Unlock()
			c := &fakeClient{}
			clients = append(clients, c)
			return c
		},
	})
	defer m.Shutdown()

	s, err := m.StartSession(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	if err := m.Reset(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	cmu.Lock()
	if len(clients) != 2 {
		cmu.Unlock()
		t.Fatalf("expected a fresh client after reset, got %d", len(clients))
	}
	old := clients[0]
	cmu.Unlock()

	if !old.loggedOut {
		t.Fatalf("reset must log the old client out")
	}
	if creds.deleteCount() == 0 {
		t.Fatalf("reset must purge stored credentials")
	}

	// A late open event from the replaced client must not flip the fresh
	// session to connected.
	old.emit(&events.Connected{})
	time.Sleep(50 * time.Millisecond)
	if s.State() == StateConnected {
		t.Fatalf("stale client event was applied after reset")
	}
}

func TestReceiptPublishesStatusEvent(t *testing.T) {
	fs := newFakeStore()
	fs.receiptResult = store.ReceiptUpdate{
		Applied:    true,
		LogID:      70,
		CampaignID: 7,
		Phone:      "628111",
		Name:       "Budi",
		Status:     domain.StatusDelivered,
	}
	bus := notify.NewBus()
	client := &fakeClient{}
	m := NewManager(Deps{
		Store: fs,
		Bus:   bus,
		Creds: &fakeCreds{},
		NewClient: func(device *waStore.Device) ChannelClient {
			return client
		},
	})
	defer m.Shutdown()

	var emu sync.Mutex
	var got []notify.StatusEvent
	_ = bus.Subscribe(notify.TopicMessageStatus, func(evt notify.StatusEvent) {
		emu.Lock()
		got = append(got, evt)
		emu.Unlock()
	})

	if _, err := m.StartSession(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	client.emit(&events.Receipt{
		MessageIDs: []waTypes.MessageID{"WAMSG-1"},
		Type:       waTypes.ReceiptTypeDelivered,
		Timestamp:  time.Now(),
	})

	waitFor(t, 2*time.Second, func() bool {
		emu.Lock()
		defer emu.Unlock()
		return len(got) == 1
	})
	emu.Lock()
	defer emu.Unlock()
	evt := got[0]
	if evt.WaMsgID != "WAMSG-1" || evt.Status != domain.StatusDelivered || evt.CampaignID != 7 {
		t.Fatalf("unexpected status event: %+v", evt)
	}
}

func TestInboundMessageLoggedWithPushName(t *testing.T) {
	fs := newFakeStore()
	m, client := newTestManager(fs, &fakeCreds{}, false)
	defer m.Shutdown()

	if _, err := m.StartSession(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	msg := &events.Message{}
	msg.Info.ID = "IN-1"
	msg.Info.Sender = waTypes.NewJID("628999", waTypes.DefaultUserServer)
	msg.Info.PushName = "Siti"
	msg.Info.Timestamp = time.Now()
	msg.Message = &waE2E.Message{Conversation: strPtr("halo")}
	client.emit(msg)

	waitFor(t, 2*time.Second, func() bool { return len(fs.insertedLogs()) == 1 })
	log := fs.insertedLogs()[0]
	if log.Direction != domain.DirectionIn || !log.Unread {
		t.Fatalf("unexpected inbound log: %+v", log)
	}
	if log.Name != "Siti" {
		t.Fatalf("push name not used for unknown contact: %q", log.Name)
	}
	if fs.contacts["628999"] != "Siti" {
		t.Fatalf("inbound message must upsert the contact")
	}
}

func TestTranslateEvent(t *testing.T) {
	if _, ok := translateEvent(&events.QR{}); ok {
		t.Fatalf("empty challenge list must be ignored")
	}
	ev, ok := translateEvent(&events.QR{Codes: []string{"abc", "def"}})
	if !ok || ev.(evQR).code != "abc" {
		t.Fatalf("expected first challenge code, got %+v", ev)
	}

	ev, ok = translateEvent(&events.LoggedOut{Reason: events.ConnectFailureLoggedOut})
	if !ok || !ev.(evClosed).credentialInvalid {
		t.Fatalf("logout must invalidate credentials: %+v", ev)
	}

	ev, ok = translateEvent(&events.StreamReplaced{})
	if !ok || ev.(evClosed).credentialInvalid {
		t.Fatalf("stream replacement must not purge credentials: %+v", ev)
	}

	self := &events.Message{}
	self.Info.IsFromMe = true
	self.Message = &waE2E.Message{Conversation: strPtr("own")}
	if _, ok := translateEvent(self); ok {
		t.Fatalf("own messages must be ignored")
	}

	if _, ok := translateEvent(&events.Receipt{Type: waTypes.ReceiptTypeSender}); ok {
		t.Fatalf("non-ladder receipt types must be ignored")
	}
}

func TestNormalizeJID(t *testing.T) {
	jid, err := normalizeJID("628111")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if jid.User != "628111" || jid.Server != waTypes.DefaultUserServer {
		t.Fatalf("unexpected jid: %v", jid)
	}
	plus, err := normalizeJID("+628111")
	if err != nil || plus.User != "628111" {
		t.Fatalf("plus prefix not stripped: %v %v", plus, err)
	}
	full, err := normalizeJID("628111@s.whatsapp.net")
	if err != nil {
		t.Fatalf("full jid: %v", err)
	}
	if full.User != "628111" {
		t.Fatalf("unexpected parsed jid: %v", full)
	}
	if _, err := normalizeJID("  "); err == nil {
		t.Fatalf("blank destination must fail")
	}
}

func strPtr(s string) *string { return &s }
