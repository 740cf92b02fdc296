// Package ephemeral publishes short-lived session data for external consumers.
//
// Keys follow a fixed schema: session:{id} holds the descriptor read by the
// live viewer and device:{id} lets a physical device discover its active
// session. Entries expire on their own; consumers detect stale entries through
// the durable session record.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("ephemeral: key not found")

// Descriptor is published under session:{SessionID}.
type Descriptor struct {
	SessionID       string `json:"session_id"`
	StartTimestamp  int64  `json:"start_timestamp"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// DeviceBinding is published under device:{DeviceID}.
type DeviceBinding struct {
	DeviceID              string `json:"device_id"`
	SessionID             string `json:"session_id"`
	OwnerIdentity         string `json:"owner_identity"`
	AlertThresholdSeconds int    `json:"alert_threshold_seconds,omitempty"`
}

// Store is the ephemeral key-value cache.
type Store interface {
	// PublishSession writes both keys with ttl, or neither.
	PublishSession(ctx context.Context, d Descriptor, b DeviceBinding, ttl time.Duration) error
	GetDescriptor(ctx context.Context, sessionID string) (*Descriptor, error)
	GetDeviceBinding(ctx context.Context, deviceID string) (*DeviceBinding, error)

	// PutImage stores an inbound photo until the analysis resolves.
	PutImage(ctx context.Context, ref string, data []byte, ttl time.Duration) error
	GetImage(ctx context.Context, ref string) ([]byte, error)
	DeleteImage(ctx context.Context, ref string) error

	Ping(ctx context.Context) error
	Close() error
}

// SessionKey returns the descriptor key for sessionID.
func SessionKey(sessionID string) string { return "session:" + sessionID }

// DeviceKey returns the binding key for deviceID.
func DeviceKey(deviceID string) string { return "device:" + deviceID }

// ImageRef returns the blob key for a photo sent in a conversation.
func ImageRef(userID, chatID string) string { return "image:" + userID + ":" + chatID }
