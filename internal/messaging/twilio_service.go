package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/twiliowhatsapp"
)

// twimlEmpty acknowledges a webhook without an inline reply.
const twimlEmpty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	channels
	client     twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	webhookURL string
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookURL sets the public URL Twilio signs webhook requests against.
// Without it the URL is rebuilt from the request.
func WithWebhookURL(u string) TwilioOption {
	return func(s *TwilioService) { s.webhookURL = u }
}

// NewTwilioService creates a new TwilioService
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		channels: newChannels(),
		client:   client,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op for Twilio; inbound traffic arrives through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// SendMessage renders msg, sends it via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, Render(msg)); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *TwilioService) requestURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// TwilioWebhookHandler handles inbound Twilio webhook requests. It verifies
// the request signature, downloads an attached photo and emits the message
// on the Responses channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if !s.client.ValidateWebhook(s.requestURL(r), params, r.Header.Get("X-Twilio-Signature")) {
		slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	msg, err := s.incomingFromForm(r.Context(), params)
	if err != nil {
		slog.Warn("Twilio webhook rejected", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	s.emitResponse(msg)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, twimlEmpty)
}

func (s *TwilioService) incomingFromForm(ctx context.Context, params map[string]string) (models.IncomingMessage, error) {
	from, err := s.ValidateAndCanonicalizeRecipient(params["From"])
	if err != nil {
		return models.IncomingMessage{}, err
	}
	msg := models.IncomingMessage{
		ID:   params["MessageSid"],
		From: from,
		Body: strings.TrimSpace(params["Body"]),
		Time: time.Now().Unix(),
	}

	numMedia, _ := strconv.Atoi(params["NumMedia"])
	if numMedia > 0 && strings.HasPrefix(params["MediaContentType0"], "image/") {
		data, err := s.client.FetchMedia(ctx, params["MediaUrl0"])
		if err != nil {
			slog.Error("TwilioService media download failed", "error", err, "from", from)
		} else {
			msg.Image = &models.Image{Data: data, MIMEType: params["MediaContentType0"]}
		}
	}
	if msg.Body == "" && msg.Image == nil {
		return models.IncomingMessage{}, fmt.Errorf("message from %s has neither text nor image", from)
	}
	return msg, nil
}
