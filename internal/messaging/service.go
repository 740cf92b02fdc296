// Package messaging adapts chat transports (WhatsApp via whatsmeow, WhatsApp
// via Twilio) to the dialogue runner: outbound replies go through Service and
// inbound messages come back on its Responses channel.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for channel sends
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and inbound events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage renders and sends a reply to a chat.
	SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound user messages.
	Responses() <-chan models.IncomingMessage
}

// Render flattens a reply into chat text: the body followed by one line per option.
func Render(msg models.OutgoingMessage) string {
	if len(msg.Options) == 0 {
		return msg.Text
	}
	var b strings.Builder
	b.WriteString(msg.Text)
	for _, opt := range msg.Options {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(opt)
	}
	return b.String()
}

// canonicalizeRecipient keeps full JIDs as-is and reduces phone numbers to digits.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(recipient, "@") {
		return recipient, nil
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// channels holds the event channels shared by every transport.
type channels struct {
	receipts  chan models.Receipt
	responses chan models.IncomingMessage
	mu        sync.RWMutex
	stopped   bool
}

func newChannels() channels {
	return channels{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.IncomingMessage, DefaultChannelBufferSize),
	}
}

func (c *channels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// stop closes both channels once. Senders hold the read lock while sending,
// so no send can race the close.
func (c *channels) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.receipts)
	close(c.responses)
}

func (c *channels) emitReceipt(r models.Receipt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: receipts channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

func (c *channels) emitResponse(msg models.IncomingMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		slog.Warn("messaging: dropping inbound message, service stopped", "from", msg.From)
		return false
	}
	select {
	case c.responses <- msg:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: responses channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// Receipts returns a channel of receipt events.
func (c *channels) Receipts() <-chan models.Receipt {
	return c.receipts
}

// Responses returns a channel of inbound messages.
func (c *channels) Responses() <-chan models.IncomingMessage {
	return c.responses
}
