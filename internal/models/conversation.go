// Package models defines conversation state structures for NexusCoach dialogues.
package models

import (
	"fmt"
	"time"
)

// ConversationKey identifies one independent dialogue: a user inside a chat.
type ConversationKey struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

// String returns the "user:chat" form used for locking and logging.
func (k ConversationKey) String() string {
	return k.UserID + ":" + k.ChatID
}

// StateKind tags the active variant of a ConversationState.
type StateKind string

// Conversation state kinds.
const (
	StateIdle                       StateKind = "IDLE"
	StateAwaitingMenuChoice         StateKind = "AWAITING_MENU_CHOICE"
	StateAwaitingSubMenuChoice      StateKind = "AWAITING_SUB_MENU_CHOICE"
	StateAwaitingFormField          StateKind = "AWAITING_FORM_FIELD"
	StateAwaitingPhoto              StateKind = "AWAITING_PHOTO"
	StateAwaitingSideDisambiguation StateKind = "AWAITING_SIDE_DISAMBIGUATION"
	StateAwaitingSessionDuration    StateKind = "AWAITING_SESSION_DURATION"
	StateAwaitingConfirmation       StateKind = "AWAITING_CONFIRMATION"
	StateAwaitingCustomNumericInput StateKind = "AWAITING_CUSTOM_NUMERIC_INPUT"
)

// SubMenuKind names the sub-menu a user is choosing from.
type SubMenuKind string

const (
	SubMenuProprioception SubMenuKind = "proprioception"
	SubMenuExercise       SubMenuKind = "exercise"
	SubMenuMonitoring     SubMenuKind = "monitoring"
)

// Purpose qualifies confirmation and numeric-input states.
type Purpose string

const (
	PurposeOpenSession     Purpose = "open_session"
	PurposeCalibrate       Purpose = "calibrate"
	PurposeEndSession      Purpose = "end_session"
	PurposeSessionDuration Purpose = "session_duration"
	PurposeAlertThreshold  Purpose = "alert_threshold"
)

// ConversationState is a tagged variant. Only the fields that belong to Kind
// are meaningful; constructors below zero the others.
type ConversationState struct {
	Kind       StateKind   `json:"kind"`
	SubMenu    SubMenuKind `json:"sub_menu,omitempty"`
	FieldIndex int         `json:"field_index,omitempty"`
	Exercise   string      `json:"exercise,omitempty"`
	Purpose    Purpose     `json:"purpose,omitempty"`
}

func Idle() ConversationState { return ConversationState{Kind: StateIdle} }

func AwaitingMenuChoice() ConversationState {
	return ConversationState{Kind: StateAwaitingMenuChoice}
}

func AwaitingSubMenuChoice(kind SubMenuKind) ConversationState {
	return ConversationState{Kind: StateAwaitingSubMenuChoice, SubMenu: kind}
}

func AwaitingFormField(index int) ConversationState {
	return ConversationState{Kind: StateAwaitingFormField, FieldIndex: index}
}

func AwaitingPhoto(exercise string) ConversationState {
	return ConversationState{Kind: StateAwaitingPhoto, Exercise: exercise}
}

func AwaitingSideDisambiguation() ConversationState {
	return ConversationState{Kind: StateAwaitingSideDisambiguation}
}

func AwaitingSessionDuration() ConversationState {
	return ConversationState{Kind: StateAwaitingSessionDuration}
}

func AwaitingConfirmation(p Purpose) ConversationState {
	return ConversationState{Kind: StateAwaitingConfirmation, Purpose: p}
}

func AwaitingCustomNumericInput(p Purpose) ConversationState {
	return ConversationState{Kind: StateAwaitingCustomNumericInput, Purpose: p}
}

// IsZero reports whether the state was never set (treated as Idle).
func (s ConversationState) IsZero() bool {
	return s.Kind == ""
}

// String renders the state with its parameter, e.g. AWAITING_FORM_FIELD(2).
func (s ConversationState) String() string {
	switch s.Kind {
	case StateAwaitingSubMenuChoice:
		return fmt.Sprintf("%s(%s)", s.Kind, s.SubMenu)
	case StateAwaitingFormField:
		return fmt.Sprintf("%s(%d)", s.Kind, s.FieldIndex)
	case StateAwaitingPhoto:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Exercise)
	case StateAwaitingConfirmation, StateAwaitingCustomNumericInput:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Purpose)
	case "":
		return string(StateIdle)
	default:
		return string(s.Kind)
	}
}

// RegistrationForm holds the wizard fields collected so far.
type RegistrationForm struct {
	Name     string `json:"name,omitempty"`
	Age      int    `json:"age,omitempty"`
	Tier     Tier   `json:"tier,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// Scratch is the transient, per-dialogue data. It is cleared on every return
// to Idle; quota counters and subject records live in other partitions.
type Scratch struct {
	Form           RegistrationForm `json:"form,omitempty"`
	MenuChoice     string           `json:"menu_choice,omitempty"`
	Exercise       string           `json:"exercise,omitempty"`
	ImageRef       string           `json:"image_ref,omitempty"`
	ImageMIME      string           `json:"image_mime,omitempty"`
	Side           Side             `json:"side,omitempty"`
	SessionMinutes int              `json:"session_minutes,omitempty"`
	SessionMode    SessionMode      `json:"session_mode,omitempty"`
	Threshold      int              `json:"threshold,omitempty"`
}

// Conversation is the value stored per ConversationKey.
type Conversation struct {
	Key       ConversationKey   `json:"key"`
	State     ConversationState `json:"state"`
	Scratch   Scratch           `json:"scratch"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewConversation returns an Idle conversation for key.
func NewConversation(key ConversationKey) Conversation {
	return Conversation{Key: key, State: Idle()}
}

// Reset returns to Idle and drops all scratch data.
func (c *Conversation) Reset() {
	c.State = Idle()
	c.Scratch = Scratch{}
}
