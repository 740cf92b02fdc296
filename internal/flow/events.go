// Package flow implements the NexusCoach dialogue.
//
// Engine.Transition is a pure function from (conversation, event) to the next
// conversation plus a list of declarative effects. The Runner performs those
// effects against the store, quota tracker, analysis gateway and session
// manager, feeds their outcomes back as callback events, and persists the
// final conversation. All events for one conversation key, including timer
// firings, pass through the Runner under the same per-key lock.
package flow

import (
	"github.com/BTreeMap/NexusCoach/internal/analysis"
	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/quota"
	"github.com/BTreeMap/NexusCoach/internal/session"
)

// EventKind classifies an Event.
type EventKind string

// User input events produced by Normalize.
const (
	EventText     EventKind = "text"
	EventYes      EventKind = "yes"
	EventNo       EventKind = "no"
	EventGreeting EventKind = "greeting"
	EventRestart  EventKind = "restart"
	EventPhoto    EventKind = "photo"
)

// Callback events produced by the Runner from effect outcomes.
const (
	EventQuotaResult      EventKind = "quota_result"
	EventImageStored      EventKind = "image_stored"
	EventAnalysisResult   EventKind = "analysis_result"
	EventPersistResult    EventKind = "persist_result"
	EventSessionOpened    EventKind = "session_opened"
	EventSessionFailed    EventKind = "session_failed"
	EventSessionFinalized EventKind = "session_finalized"
)

// Timer events delivered through the session manager's notifier.
const (
	EventReminderTick EventKind = "reminder_tick"
	EventSessionEnded EventKind = "session_ended"
)

// QuotaPurpose says which question a quota check answers.
type QuotaPurpose string

const (
	// QuotaMenuAction reserves the one-shot flag of a main-menu reply.
	QuotaMenuAction QuotaPurpose = "menu_action"
	// QuotaTrial checks, without reserving, that an analysis would be allowed.
	QuotaTrial QuotaPurpose = "trial"
	// QuotaAnalysis reserves the analysis plan before calling the gateway.
	QuotaAnalysis QuotaPurpose = "analysis"
)

// PersistTarget names what a PersistResult refers to.
type PersistTarget string

const (
	PersistTargetSubject     PersistTarget = "subject"
	PersistTargetCalibration PersistTarget = "calibration"
	PersistTargetThreshold   PersistTarget = "threshold"
)

// Event is a normalized input to the engine. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind

	// Token is the canonical menu choice; Text is the trimmed raw input.
	Token string
	Text  string
	Image *models.Image
	Side  models.Side

	Purpose  QuotaPurpose
	Decision quota.Decision
	Result   analysis.Result
	Target   PersistTarget
	Created  bool
	Handoff  *session.Handoff

	SessionID string
	Metrics   *models.AnalysisMetrics
	Closed    bool
	FromTimer bool

	Err error
}

// IsCallback reports whether the event is the outcome of an effect.
func (e Event) IsCallback() bool {
	switch e.Kind {
	case EventQuotaResult, EventImageStored, EventAnalysisResult, EventPersistResult,
		EventSessionOpened, EventSessionFailed, EventSessionFinalized:
		return true
	}
	return false
}
