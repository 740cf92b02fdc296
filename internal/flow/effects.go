package flow

import (
	"github.com/BTreeMap/NexusCoach/internal/models"
)

// Effect is a declarative side effect requested by the engine. The Runner
// type-switches on the concrete types below.
type Effect interface {
	effect()
}

// SendMessage delivers a reply to the conversation's chat.
type SendMessage struct {
	Msg models.OutgoingMessage
}

// StoreImage parks an inbound photo in the ephemeral store under Ref.
// Outcome: EventImageStored.
type StoreImage struct {
	Ref   string
	Image models.Image
}

// DiscardImage deletes a parked photo.
type DiscardImage struct {
	Ref string
}

// InvokeQuotaCheck checks, and when Reserve is set reserves, a quota plan.
// Outcome: EventQuotaResult.
type InvokeQuotaCheck struct {
	Purpose   QuotaPurpose
	ActionKey string
	Reserve   bool
}

// ReleaseQuota refunds a reservation after a failed downstream call.
type ReleaseQuota struct {
	Purpose QuotaPurpose
}

// InvokeAnalysisGateway scores the parked photo. Outcome: EventAnalysisResult.
type InvokeAnalysisGateway struct {
	ImageRef string
	MIMEType string
	Exercise string
	Side     models.Side
}

// PersistSubject upserts the registration form. Outcome: EventPersistResult.
type PersistSubject struct {
	Subject models.Subject
}

// PersistCalibration marks the user's device calibrated. Outcome: EventPersistResult.
type PersistCalibration struct{}

// PersistThreshold overrides the user's device alert threshold. Outcome: EventPersistResult.
type PersistThreshold struct {
	Seconds int
}

// CreateSessionRecord opens a monitoring session.
// Outcome: EventSessionOpened or EventSessionFailed.
type CreateSessionRecord struct {
	Minutes int
	Mode    models.SessionMode
}

// ScheduleSession arms the reminder and end timers of an opened session.
type ScheduleSession struct {
	Record models.SessionRecord
}

// AbandonSession closes the user's active session and cancels its timers.
type AbandonSession struct{}

// SendReminder delivers Msg only if SessionID is still active.
type SendReminder struct {
	SessionID string
	Msg       models.OutgoingMessage
}

// FinalizeSession closes SessionID, or the user's active session when empty.
// Outcome: EventSessionFinalized.
type FinalizeSession struct {
	SessionID string
	FromTimer bool
}

func (SendMessage) effect()           {}
func (StoreImage) effect()            {}
func (DiscardImage) effect()          {}
func (InvokeQuotaCheck) effect()      {}
func (ReleaseQuota) effect()          {}
func (InvokeAnalysisGateway) effect() {}
func (PersistSubject) effect()        {}
func (PersistCalibration) effect()    {}
func (PersistThreshold) effect()      {}
func (CreateSessionRecord) effect()   {}
func (ScheduleSession) effect()       {}
func (AbandonSession) effect()        {}
func (SendReminder) effect()          {}
func (FinalizeSession) effect()       {}
