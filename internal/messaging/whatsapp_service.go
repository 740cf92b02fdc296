package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// defaultImageMIME is assumed when WhatsApp omits the mimetype.
const defaultImageMIME = "image/jpeg"

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	channels
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		channels: newChannels(),
		client:   client,
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient accepts phone numbers and full JIDs.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Start registers the event handler on the live client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(ctx, v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		case *events.Disconnected:
			slog.Warn("WhatsAppService disconnected from WhatsApp")
		case *events.Connected:
			slog.Info("WhatsAppService connected to WhatsApp")
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the event channels and disconnects.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	s.stop()
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	return nil
}

// SendMessage renders msg and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, Render(msg)); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// incomingFromEvent converts a whatsmeow message event. It reports false for
// events the dialogue does not consume. The image payload, when present, must
// still be downloaded.
func incomingFromEvent(evt *events.Message) (models.IncomingMessage, *waE2E.ImageMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return models.IncomingMessage{}, nil, false
	}

	msg := models.IncomingMessage{
		ID:   evt.Info.ID,
		From: evt.Info.Sender.ToNonAD().User,
		Time: evt.Info.Timestamp.Unix(),
	}
	if evt.Info.IsGroup {
		msg.Chat = evt.Info.Chat.String()
	}

	switch {
	case evt.Message.GetImageMessage() != nil:
		img := evt.Message.GetImageMessage()
		msg.Body = strings.TrimSpace(img.GetCaption())
		return msg, img, true
	case evt.Message.GetConversation() != "":
		msg.Body = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		msg.Body = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return models.IncomingMessage{}, nil, false
	}
	return msg, nil, true
}

func (s *WhatsAppService) handleIncomingMessage(ctx context.Context, evt *events.Message) {
	msg, img, ok := incomingFromEvent(evt)
	if !ok {
		slog.Debug("WhatsAppService ignoring message", "from", evt.Info.Sender.String())
		return
	}
	if img != nil {
		data, err := s.waClient.DownloadImage(ctx, img)
		if err != nil {
			slog.Error("WhatsAppService image download failed", "error", err, "from", msg.From)
			return
		}
		mime := img.GetMimetype()
		if mime == "" {
			mime = defaultImageMIME
		}
		msg.Image = &models.Image{Data: data, MIMEType: mime}
	}
	if s.emitResponse(msg) {
		slog.Info("WhatsAppService incoming message forwarded", "from", msg.From, "image", msg.Image != nil)
	}
}

// handleMessageReceipt processes delivery and read receipts
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	to := evt.MessageSource.Chat.User
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{To: to, Status: status, Time: evt.Timestamp.Unix()})
}
