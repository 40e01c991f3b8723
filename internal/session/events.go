package session

import (
	"time"

	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"wablast/internal/domain"
)

// The whatsmeow callback fires on its own goroutines with a large zoo of
// event types. Everything the session cares about is translated into one of
// the small typed events below and handled on the session's own loop, so all
// state mutation stays single-threaded.

type sessionEvent interface {
	isSessionEvent()
}

// evQR carries one credential challenge code emitted during pairing.
type evQR struct {
	code string
}

// evOpened is the channel "open" signal.
type evOpened struct{}

// evClosed is the channel "close" signal. credentialInvalid marks the
// unauthorized/logged-out class that requires purging stored credentials.
type evClosed struct {
	reason            string
	credentialInvalid bool
}

// evInbound is a non-self inbound chat message with non-empty content.
type evInbound struct {
	waNumber string
	pushName string
	text     string
	waMsgID  string
	ts       time.Time
}

// evReceipt is a provider delivery-status event for one or more message ids.
type evReceipt struct {
	msgIDs []string
	status string
	ts     time.Time
}

func (evQR) isSessionEvent()      {}
func (evOpened) isSessionEvent()  {}
func (evClosed) isSessionEvent()  {}
func (evInbound) isSessionEvent() {}
func (evReceipt) isSessionEvent() {}

// translateEvent maps a raw whatsmeow event to a session event. The second
// return is false for event types the session ignores.
func translateEvent(raw interface{}) (sessionEvent, bool) {
	switch evt := raw.(type) {
	case *events.QR:
		if len(evt.Codes) == 0 {
			return nil, false
		}
		return evQR{code: evt.Codes[0]}, true
	case *events.Connected:
		return evOpened{}, true
	case *events.PairSuccess:
		return evOpened{}, true
	case *events.Disconnected:
		return evClosed{reason: "disconnected"}, true
	case *events.StreamReplaced:
		return evClosed{reason: "stream replaced"}, true
	case *events.LoggedOut:
		return evClosed{reason: evt.Reason.String(), credentialInvalid: true}, true
	case *events.ConnectFailure:
		return evClosed{
			reason:            evt.Reason.String(),
			credentialInvalid: evt.Reason == events.ConnectFailureLoggedOut,
		}, true
	case *events.Message:
		if evt.Info.IsFromMe {
			return nil, false
		}
		text := extractText(evt)
		if text == "" {
			return nil, false
		}
		return evInbound{
			waNumber: evt.Info.Sender.User,
			pushName: evt.Info.PushName,
			text:     text,
			waMsgID:  evt.Info.ID,
			ts:       evt.Info.Timestamp,
		}, true
	case *events.Receipt:
		status, ok := receiptStatus(evt.Type)
		if !ok || len(evt.MessageIDs) == 0 {
			return nil, false
		}
		ids := make([]string, len(evt.MessageIDs))
		for i, id := range evt.MessageIDs {
			ids[i] = string(id)
		}
		return evReceipt{msgIDs: ids, status: status, ts: evt.Timestamp}, true
	}
	return nil, false
}

func extractText(evt *events.Message) string {
	msg := evt.Message
	if msg == nil {
		return ""
	}
	if conv := msg.GetConversation(); conv != "" {
		return conv
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	return ""
}

// receiptStatus maps provider receipt kinds onto the delivery ladder. An
// empty receipt type is WhatsApp's plain delivery ack.
func receiptStatus(t waTypes.ReceiptType) (string, bool) {
	switch t {
	case waTypes.ReceiptTypeDelivered:
		return domain.StatusDelivered, true
	case waTypes.ReceiptTypeRead:
		return domain.StatusRead, true
	case waTypes.ReceiptTypePlayed:
		return domain.StatusPlayed, true
	}
	return "", false
}
