// Package models defines the core data structures for NexusCoach.
//
// It includes transport-neutral message types, the conversation state variant,
// durable domain records and API response envelopes shared across modules.
package models

// MessageStatus is the delivery status of an outgoing message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Image is an opaque, already pre-processed photo payload.
type Image struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// IncomingMessage is a normalized inbound chat message from any transport.
type IncomingMessage struct {
	ID    string `json:"id,omitempty"`
	From  string `json:"from"`
	Chat  string `json:"chat"`
	Body  string `json:"body"`
	Image *Image `json:"image,omitempty"`
	Time  int64  `json:"time"`
}

// Key returns the conversation key of the message.
func (m IncomingMessage) Key() ConversationKey {
	chat := m.Chat
	if chat == "" {
		chat = m.From
	}
	return ConversationKey{UserID: m.From, ChatID: chat}
}

// OutgoingMessage is a text reply with optional menu options rendered by the transport.
type OutgoingMessage struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// Receipt represents a delivery event for an outgoing message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus is the status field of API responses.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
