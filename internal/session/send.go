package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"wablast/internal/domain"
	"wablast/internal/metrics"
	"wablast/internal/notify"
	"wablast/pkg/common"
)

// SendMeta links a send to its campaign recipient. A zero LogID means a
// direct chat send with no pre-created log row.
type SendMeta struct {
	CampaignID int64
	LogID      int64
}

// MediaPayload is one outbound attachment. The transport payload shape is
// chosen by MIME category.
type MediaPayload struct {
	Data     []byte
	Mime     string
	FileName string
	Caption  string
}

func simulatedMsgID() string {
	return fmt.Sprintf("SIM-%d", common.NextID())
}

// SendText delivers one text message and synchronously records the outcome
// on the log (and recipient, when the send belongs to a campaign).
func (s *Session) SendText(ctx context.Context, to, text string, meta SendMeta) (string, error) {
	s.mu.RLock()
	state := s.state
	client := s.client
	s.mu.RUnlock()

	if state == StateSimulated {
		return s.finishSend(ctx, to, text, "", simulatedMsgID(), meta)
	}
	if client == nil || state != StateConnected {
		return "", ErrNotInitialized
	}

	jid, err := normalizeJID(to)
	if err != nil {
		return "", err
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}

	start := time.Now()
	resp, err := client.SendMessage(ctx, jid, msg)
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", errors.Wrap(err, "send text")
	}
	return s.finishSend(ctx, to, text, "", string(resp.ID), meta)
}

// SendMedia uploads the payload and delivers it as an image, video, audio or
// document message depending on MIME category. Same recording contract as
// SendText.
func (s *Session) SendMedia(ctx context.Context, to string, media MediaPayload, meta SendMeta) (string, error) {
	s.mu.RLock()
	state := s.state
	client := s.client
	s.mu.RUnlock()

	if state == StateSimulated {
		return s.finishSend(ctx, to, media.Caption, media.FileName, simulatedMsgID(), meta)
	}
	if client == nil || state != StateConnected {
		return "", ErrNotInitialized
	}

	jid, err := normalizeJID(to)
	if err != nil {
		return "", err
	}

	kind := mediaKind(media.Mime)
	up, err := client.Upload(ctx, media.Data, kind)
	if err != nil {
		return "", errors.Wrap(err, "upload media")
	}
	msg := buildMediaMessage(kind, media, up)

	start := time.Now()
	resp, err := client.SendMessage(ctx, jid, msg)
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", errors.Wrap(err, "send media")
	}
	return s.finishSend(ctx, to, media.Caption, media.FileName, string(resp.ID), meta)
}

func mediaKind(mime string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return whatsmeow.MediaAudio
	}
	return whatsmeow.MediaDocument
}

func buildMediaMessage(kind whatsmeow.MediaType, media MediaPayload, up whatsmeow.UploadResponse) *waE2E.Message {
	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(media.Mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Title:         proto.String(media.FileName),
		FileName:      proto.String(media.FileName),
		Caption:       proto.String(media.Caption),
		Mimetype:      proto.String(media.Mime),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
}

// finishSend records the successful send and notifies live listeners.
// Persistence failures here are logged, not surfaced: the message already
// left the channel and must not be reported as a send failure.
func (s *Session) finishSend(ctx context.Context, to, preview, mediaRef, waMsgID string, meta SendMeta) (string, error) {
	if meta.LogID != 0 {
		if err := s.deps.Store.MarkSent(ctx, meta.CampaignID, meta.LogID, waMsgID); err != nil {
			zap.L().Error("session: sent-state write failed",
				zap.Error(err), zap.String("tenant", s.tenantID), zap.Int64("log_id", meta.LogID))
		}
	} else {
		log := &domain.MessageLog{
			TenantID:  s.tenantID,
			WaNumber:  strings.TrimPrefix(to, "+"),
			Direction: domain.DirectionOut,
			Message:   preview,
			MediaRef:  mediaRef,
			Status:    domain.StatusSent,
			WaMsgID:   waMsgID,
		}
		if err := s.deps.Store.InsertLog(ctx, log); err != nil {
			zap.L().Error("session: chat log insert failed",
				zap.Error(err), zap.String("tenant", s.tenantID))
		}
	}

	s.deps.Bus.PublishChat(notify.ChatEvent{
		TenantID:  s.tenantID,
		WaNumber:  strings.TrimPrefix(to, "+"),
		Message:   preview,
		Direction: domain.DirectionOut,
		Status:    domain.StatusSent,
		WaMsgID:   waMsgID,
		CreatedAt: time.Now(),
	})
	return waMsgID, nil
}
