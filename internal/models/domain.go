// Package models defines the durable domain records of NexusCoach.
package models

import (
	"fmt"
	"time"
)

// Tier is the subject class used to pick quota policies.
type Tier string

const (
	// TierFree is the default class for unregistered and self-registered users.
	TierFree Tier = "free"
	// TierAlumni is the privileged class for enrolled students.
	TierAlumni Tier = "alumni"
)

// Side is the declared anatomical right side in a photo.
type Side string

const (
	SideUnspecified Side = ""
	SideLeft        Side = "izquierdo"
	SideRight       Side = "derecho"
)

// Subject is a registered person, keyed by platform user id.
type Subject struct {
	IdentityKey string    `json:"identity_key"`
	Name        string    `json:"name"`
	Age         int       `json:"age"`
	Tier        Tier      `json:"tier"`
	DeviceID    string    `json:"device_id"`
	Calibrated  bool      `json:"calibrated"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionMode tags what kind of monitoring a session performs.
type SessionMode string

const (
	// SessionModeDevice correlates with a physical posture device.
	SessionModeDevice SessionMode = "device"
	// SessionModeGuided only sends reminders.
	SessionModeGuided SessionMode = "guided"
)

// SessionStatus is the lifecycle status of a SessionRecord.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusFinalized SessionStatus = "finalized"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// SessionRecord is the durable record of one monitoring session.
type SessionRecord struct {
	ID              string        `json:"id"`
	SubjectID       string        `json:"subject_id"`
	ChatID          string        `json:"chat_id"`
	DeviceID        string        `json:"device_id,omitempty"`
	IntervalSeconds int           `json:"interval_seconds"`
	Mode            SessionMode   `json:"mode"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	EndsAt          time.Time     `json:"ends_at"`
	FinalizedAt     *time.Time    `json:"finalized_at,omitempty"`
}

// Finalized reports whether the session no longer accepts events.
func (s SessionRecord) Finalized() bool {
	return s.Status != SessionStatusActive
}

// ConversationKey returns the dialogue that owns this session.
func (s SessionRecord) ConversationKey() ConversationKey {
	return ConversationKey{UserID: s.SubjectID, ChatID: s.ChatID}
}

// Reading is one posture report from a monitoring device.
type Reading struct {
	CorrectSeconds   int `json:"correct_seconds"`
	IncorrectSeconds int `json:"incorrect_seconds"`
	SeatedSeconds    int `json:"seated_seconds"`
	StandingSeconds  int `json:"standing_seconds"`
	Alerts           int `json:"alerts"`
}

// Validate rejects negative counters.
func (t Reading) Validate() error {
	if t.CorrectSeconds < 0 || t.IncorrectSeconds < 0 || t.SeatedSeconds < 0 || t.StandingSeconds < 0 || t.Alerts < 0 {
		return fmt.Errorf("reading counters must not be negative: %w", ErrInvalidInput)
	}
	return nil
}

// Add accumulates r into the receiver.
func (t *Reading) Add(r Reading) {
	t.CorrectSeconds += r.CorrectSeconds
	t.IncorrectSeconds += r.IncorrectSeconds
	t.SeatedSeconds += r.SeatedSeconds
	t.StandingSeconds += r.StandingSeconds
	t.Alerts += r.Alerts
}

// AnalysisMetrics is the summary written when a session is finalized.
type AnalysisMetrics struct {
	SessionID    string  `json:"session_id"`
	CorrectPct   float64 `json:"correct_pct"`
	IncorrectPct float64 `json:"incorrect_pct"`
	SeatedTime   int     `json:"seated_time"`
	StandingTime int     `json:"standing_time"`
	AlertsSent   int     `json:"alerts_sent"`
}

// MetricsFromTally derives the summary percentages from accumulated readings.
func MetricsFromTally(sessionID string, t Reading) AnalysisMetrics {
	m := AnalysisMetrics{
		SessionID:    sessionID,
		SeatedTime:   t.SeatedSeconds,
		StandingTime: t.StandingSeconds,
		AlertsSent:   t.Alerts,
	}
	total := t.CorrectSeconds + t.IncorrectSeconds
	if total > 0 {
		m.CorrectPct = float64(t.CorrectSeconds) * 100 / float64(total)
		m.IncorrectPct = 100 - m.CorrectPct
	}
	return m
}

// AlertThreshold is the per-device bad-posture alert threshold.
// Locked is set after a user override and cleared when the next session opens.
type AlertThreshold struct {
	DeviceID  string    `json:"device_id"`
	Seconds   int       `json:"seconds"`
	Locked    bool      `json:"locked"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is one quota counter for a (user, action) pair.
// One-shot actions use Used; daily actions use Count and ResetDate (YYYY-MM-DD).
type LedgerEntry struct {
	UserID    string    `json:"user_id"`
	ActionKey string    `json:"action_key"`
	Used      bool      `json:"used"`
	Count     int       `json:"count"`
	ResetDate string    `json:"reset_date"`
	UpdatedAt time.Time `json:"updated_at"`
}
