package notify

import (
	"time"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

// Topics consumed by the live-client transport. Payloads are the structs
// below; subscribers receive them by value.
const (
	TopicQR            = "session:qr"
	TopicReady         = "session:ready"
	TopicDisconnected  = "session:disconnected"
	TopicChatNew       = "chat:new"
	TopicMessageStatus = "message:status"
)

type QREvent struct {
	TenantID string    `json:"tenant_id"`
	IssuedAt time.Time `json:"issued_at"`
}

type ReadyEvent struct {
	TenantID  string `json:"tenant_id"`
	Connected bool   `json:"connected"`
}

type DisconnectedEvent struct {
	TenantID string `json:"tenant_id"`
	Reason   string `json:"reason"`
}

type ChatEvent struct {
	TenantID  string    `json:"tenant_id"`
	WaNumber  string    `json:"wa_number"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	WaMsgID   string    `json:"wa_msg_id"`
	CreatedAt time.Time `json:"created_at"`
}

type StatusEvent struct {
	TenantID   string `json:"tenant_id"`
	WaMsgID    string `json:"wa_msg_id"`
	LogID      int64  `json:"log_id,string"`
	Status     string `json:"status"`
	Phone      string `json:"phone"`
	Name       string `json:"name"`
	CampaignID int64  `json:"campaign_id,string"`
}

// Bus fans session and delivery events out to live listeners (the websocket
// layer, tests, the metrics hooks). Publishing is fire-and-forget.
type Bus struct {
	bus EventBus.Bus
}

func NewBus() *Bus {
	return &Bus{bus: EventBus.New()}
}

func (b *Bus) Subscribe(topic string, fn interface{}) error {
	return b.bus.Subscribe(topic, fn)
}

func (b *Bus) SubscribeAsync(topic string, fn interface{}) error {
	return b.bus.SubscribeAsync(topic, fn, false)
}

func (b *Bus) Unsubscribe(topic string, fn interface{}) error {
	return b.bus.Unsubscribe(topic, fn)
}

func (b *Bus) PublishQR(evt QREvent) {
	b.bus.Publish(TopicQR, evt)
}

func (b *Bus) PublishReady(evt ReadyEvent) {
	b.bus.Publish(TopicReady, evt)
}

func (b *Bus) PublishDisconnected(evt DisconnectedEvent) {
	b.bus.Publish(TopicDisconnected, evt)
	zap.L().Debug("notify: disconnected published", zap.String("tenant", evt.TenantID))
}

func (b *Bus) PublishChat(evt ChatEvent) {
	b.bus.Publish(TopicChatNew, evt)
}

func (b *Bus) PublishStatus(evt StatusEvent) {
	b.bus.Publish(TopicMessageStatus, evt)
}
