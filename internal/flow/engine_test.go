package flow

import (
	"fmt"
	"strings"
	"testing"

	"github.com/BTreeMap/NexusCoach/internal/analysis"
	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/quota"
	"github.com/BTreeMap/NexusCoach/internal/session"
)

const testEnrollmentCode = "NEXUS2024"

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cat, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog failed: %v", err)
	}
	return NewEngine(cat, WithEnrollmentCode(testEnrollmentCode))
}

func testConv(state models.ConversationState) models.Conversation {
	c := models.NewConversation(models.ConversationKey{UserID: "u1", ChatID: "u1"})
	c.State = state
	return c
}

func text(body string) Event {
	return Normalize(models.IncomingMessage{From: "u1", Body: body})
}

func effectsOf[T Effect](effects []Effect) []T {
	var out []T
	for _, e := range effects {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func sentTexts(effects []Effect) []string {
	var out []string
	for _, m := range effectsOf[SendMessage](effects) {
		out = append(out, m.Msg.Text)
	}
	return out
}

func containsText(effects []Effect, want string) bool {
	for _, s := range sentTexts(effects) {
		if strings.Contains(s, want) {
			return true
		}
	}
	return false
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		body      string
		wantKind  EventKind
		wantToken string
	}{
		{"2. Propiocepción", EventText, "2"},
		{"  3.  ", EventText, "3"},
		{"7", EventText, "7"},
		{"Hola", EventGreeting, ""},
		{"hola!", EventGreeting, ""},
		{"MENÚ", EventGreeting, ""},
		{"/start", EventRestart, ""},
		{"Reiniciar", EventRestart, ""},
		{"Sí", EventYes, "Sí"},
		{"s", EventYes, "s"},
		{"yes.", EventYes, "yes"},
		{"No", EventNo, "No"},
		{"n", EventNo, "n"},
		{"nada", EventText, "nada"},
	}
	for _, tt := range tests {
		ev := text(tt.body)
		if ev.Kind != tt.wantKind {
			t.Errorf("Normalize(%q).Kind = %s, want %s", tt.body, ev.Kind, tt.wantKind)
		}
		if tt.wantToken != "" && ev.Token != tt.wantToken {
			t.Errorf("Normalize(%q).Token = %q, want %q", tt.body, ev.Token, tt.wantToken)
		}
	}
}

func TestNormalizePhotoCarriesSide(t *testing.T) {
	ev := Normalize(models.IncomingMessage{From: "u1", Body: "mi derecho", Image: &models.Image{Data: []byte{1}, MIMEType: "image/jpeg"}})
	if ev.Kind != EventPhoto || ev.Side != models.SideRight {
		t.Errorf("unexpected photo event: %+v", ev)
	}
	if got := ParseSide("izquierdo y derecho"); got != models.SideUnspecified {
		t.Errorf("ambiguous caption should be unspecified, got %q", got)
	}
}

func TestUnrecognizedInputSelfLoops(t *testing.T) {
	e := newTestEngine(t)
	withExercise := func(state models.ConversationState, ex string) models.Conversation {
		c := testConv(state)
		c.Scratch.Exercise = ex
		c.Scratch.ImageRef = "image:u1:u1"
		return c
	}
	convs := []models.Conversation{
		testConv(models.Idle()),
		testConv(models.AwaitingMenuChoice()),
		testConv(models.AwaitingSubMenuChoice(models.SubMenuProprioception)),
		testConv(models.AwaitingSubMenuChoice(models.SubMenuExercise)),
		testConv(models.AwaitingSubMenuChoice(models.SubMenuMonitoring)),
		testConv(models.AwaitingFormField(FieldAge)),
		testConv(models.AwaitingFormField(FieldCategory)),
		testConv(models.AwaitingFormField(FieldCode)),
		testConv(models.AwaitingFormField(FieldDevice)),
		withExercise(models.AwaitingPhoto("Handstand"), "Handstand"),
		withExercise(models.AwaitingSideDisambiguation(), "Handstand"),
		testConv(models.AwaitingSessionDuration()),
		testConv(models.AwaitingConfirmation(models.PurposeOpenSession)),
		testConv(models.AwaitingConfirmation(models.PurposeCalibrate)),
		testConv(models.AwaitingConfirmation(models.PurposeEndSession)),
		testConv(models.AwaitingCustomNumericInput(models.PurposeSessionDuration)),
		testConv(models.AwaitingCustomNumericInput(models.PurposeAlertThreshold)),
	}
	for _, conv := range convs {
		t.Run(conv.State.String(), func(t *testing.T) {
			next, effects := e.Transition(conv, text("¿?"))
			if next.State != conv.State {
				t.Errorf("state changed from %s to %s", conv.State, next.State)
			}
			if next.Scratch != conv.Scratch {
				t.Errorf("scratch changed: %+v -> %+v", conv.Scratch, next.Scratch)
			}
			if len(effects) == 0 || len(effectsOf[SendMessage](effects)) != len(effects) {
				t.Errorf("expected only re-prompt messages, got %#v", effects)
			}
		})
	}
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.Idle())
	callbacks := []Event{
		{Kind: EventAnalysisResult, Result: analysis.Result{Text: "x"}},
		{Kind: EventImageStored},
		{Kind: EventPersistResult, Target: PersistTargetSubject},
		{Kind: EventSessionOpened, Handoff: &session.Handoff{}},
		{Kind: EventQuotaResult, Purpose: QuotaAnalysis, Decision: quota.Decision{Allowed: true}},
	}
	for _, ev := range callbacks {
		next, effects := e.Transition(conv, ev)
		if next.State != conv.State || len(effects) != 0 {
			t.Errorf("%s: expected no-op, got state %s effects %#v", ev.Kind, next.State, effects)
		}
	}
}

func TestMainMenuNavigation(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		input     string
		wantState models.ConversationState
	}{
		{"2. Propiocepción", models.AwaitingSubMenuChoice(models.SubMenuProprioception)},
		{"6", models.AwaitingMenuChoice()},
		{"7", models.AwaitingFormField(FieldName)},
		{"8", models.AwaitingSubMenuChoice(models.SubMenuMonitoring)},
	}
	for _, tt := range tests {
		next, effects := e.Transition(testConv(models.Idle()), text(tt.input))
		if next.State != tt.wantState {
			t.Errorf("%q: state = %s, want %s", tt.input, next.State, tt.wantState)
		}
		if len(effectsOf[SendMessage](effects)) == 0 {
			t.Errorf("%q: expected a prompt", tt.input)
		}
	}
}

func TestMenuReplyIsOneShot(t *testing.T) {
	e := newTestEngine(t)
	next, effects := e.Transition(testConv(models.Idle()), text("1"))
	checks := effectsOf[InvokeQuotaCheck](effects)
	if len(checks) != 1 || !checks[0].Reserve || checks[0].ActionKey != quota.MenuActionKey("1") {
		t.Fatalf("expected one-shot reservation, got %#v", effects)
	}

	allowed, effects := e.Transition(next, Event{Kind: EventQuotaResult, Purpose: QuotaMenuAction, Decision: quota.Decision{Allowed: true}})
	if allowed.State.Kind != models.StateIdle || !containsText(effects, "Servicio personalizado Nexus") {
		t.Errorf("expected reply and Idle, got %s %v", allowed.State, sentTexts(effects))
	}

	denied, effects := e.Transition(next, Event{Kind: EventQuotaResult, Purpose: QuotaMenuAction, Decision: quota.Decision{Reason: quota.ReasonAlreadyUsed}})
	if denied.State.Kind != models.StateIdle || !containsText(effects, e.cat.Messages.OneAttempt) {
		t.Errorf("expected one-attempt message and Idle, got %s %v", denied.State, sentTexts(effects))
	}
	if denied.Scratch != (models.Scratch{}) {
		t.Errorf("expected scratch cleared on Idle, got %+v", denied.Scratch)
	}
}

func TestTrialDeniedRoutesToIdleWithoutTechniquePrompt(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingSubMenuChoice(models.SubMenuProprioception))

	conv, effects := e.Transition(conv, text("1"))
	checks := effectsOf[InvokeQuotaCheck](effects)
	if len(checks) != 1 || checks[0].Purpose != QuotaTrial || checks[0].Reserve {
		t.Fatalf("expected trial peek, got %#v", effects)
	}

	next, effects := e.Transition(conv, Event{Kind: EventQuotaResult, Purpose: QuotaTrial, Decision: quota.Decision{Reason: quota.ReasonAlreadyUsed}})
	if next.State.Kind != models.StateIdle {
		t.Errorf("expected Idle, got %s", next.State)
	}
	if !containsText(effects, e.cat.Messages.TrialUsed) || containsText(effects, e.cat.ExercisePrompt) {
		t.Errorf("expected only the already-used message, got %v", sentTexts(effects))
	}
}

func TestPhotoFlowAsksSideWhenRequired(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingSubMenuChoice(models.SubMenuExercise))

	conv, effects := e.Transition(conv, text("1. Handstand"))
	if conv.State != models.AwaitingPhoto("Handstand") || !containsText(effects, "Envía una foto practicando Handstand") {
		t.Fatalf("expected photo prompt, got %s %v", conv.State, sentTexts(effects))
	}

	conv, effects = e.Transition(conv, Normalize(models.IncomingMessage{From: "u1", Image: &models.Image{Data: []byte("jpg"), MIMEType: "image/jpeg"}}))
	stores := effectsOf[StoreImage](effects)
	if len(stores) != 1 || stores[0].Ref != "image:u1:u1" {
		t.Fatalf("expected StoreImage, got %#v", effects)
	}

	conv, effects = e.Transition(conv, Event{Kind: EventImageStored})
	if conv.State.Kind != models.StateAwaitingSideDisambiguation || !containsText(effects, e.cat.Messages.AskSide) {
		t.Fatalf("expected side question, got %s %v", conv.State, sentTexts(effects))
	}

	conv, effects = e.Transition(conv, text("Derecho"))
	checks := effectsOf[InvokeQuotaCheck](effects)
	if len(checks) != 1 || checks[0].Purpose != QuotaAnalysis || !checks[0].Reserve || conv.Scratch.Side != models.SideRight {
		t.Fatalf("expected analysis reservation with side, got %#v scratch %+v", effects, conv.Scratch)
	}

	_, effects = e.Transition(conv, Event{Kind: EventQuotaResult, Purpose: QuotaAnalysis, Decision: quota.Decision{Allowed: true}})
	calls := effectsOf[InvokeAnalysisGateway](effects)
	if len(calls) != 1 || calls[0].Exercise != "Handstand" || calls[0].Side != models.SideRight || calls[0].ImageRef != "image:u1:u1" {
		t.Errorf("unexpected gateway call: %#v", effects)
	}
}

func TestPhotoCaptionSkipsSideQuestion(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingPhoto("Handstand"))
	conv.Scratch.Exercise = "Handstand"

	conv, _ = e.Transition(conv, Normalize(models.IncomingMessage{From: "u1", Body: "izquierdo", Image: &models.Image{Data: []byte("jpg")}}))
	conv, effects := e.Transition(conv, Event{Kind: EventImageStored})
	if conv.State.Kind != models.StateAwaitingPhoto || len(effectsOf[InvokeQuotaCheck](effects)) != 1 {
		t.Errorf("expected direct reservation, got %s %#v", conv.State, effects)
	}
}

func TestAnalysisOutcomes(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		name        string
		ev          Event
		wantState   models.StateKind
		wantRelease bool
		wantText    string
	}{
		{
			name:      "success",
			ev:        Event{Kind: EventAnalysisResult, Result: analysis.Result{Score: 80, Text: "Propiocepción general: 80%"}},
			wantState: models.StateIdle,
			wantText:  "80%",
		},
		{
			name:      "technique mismatch",
			ev:        Event{Kind: EventAnalysisResult, Result: analysis.Result{Mismatch: true, Text: "Imagen incorrecta para el ejercicio Front Lever."}},
			wantState: models.StateIdle,
			wantText:  "Imagen incorrecta",
		},
		{
			name:        "unavailable",
			ev:          Event{Kind: EventAnalysisResult, Err: fmt.Errorf("call: %w", analysis.ErrServiceUnavailable)},
			wantState:   models.StateAwaitingPhoto,
			wantRelease: true,
			wantText:    e.cat.Messages.GatewayUnavailable,
		},
		{
			name:        "malformed",
			ev:          Event{Kind: EventAnalysisResult, Err: analysis.ErrMalformedResponse},
			wantState:   models.StateIdle,
			wantRelease: true,
			wantText:    e.cat.Messages.Apology,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := testConv(models.AwaitingPhoto("Front Lever"))
			conv.Scratch.Exercise = "Front Lever"
			conv.Scratch.ImageRef = "image:u1:u1"

			next, effects := e.Transition(conv, tt.ev)
			if next.State.Kind != tt.wantState {
				t.Errorf("state = %s, want %s", next.State, tt.wantState)
			}
			if got := len(effectsOf[ReleaseQuota](effects)) > 0; got != tt.wantRelease {
				t.Errorf("release = %v, want %v", got, tt.wantRelease)
			}
			if len(effectsOf[DiscardImage](effects)) != 1 {
				t.Errorf("expected the photo to be discarded, got %#v", effects)
			}
			if !containsText(effects, tt.wantText) {
				t.Errorf("expected %q in %v", tt.wantText, sentTexts(effects))
			}
			if next.Scratch.ImageRef != "" {
				t.Errorf("expected image reference cleared")
			}
			if tt.wantState == models.StateAwaitingPhoto && next.State.Exercise != "Front Lever" {
				t.Errorf("expected to keep the technique, got %s", next.State)
			}
		})
	}
}

func TestQuotaDeniedBeforeAnalysisGoesIdle(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingPhoto("Front Lever"))
	conv.Scratch.Exercise = "Front Lever"
	conv.Scratch.ImageRef = "image:u1:u1"

	next, effects := e.Transition(conv, Event{Kind: EventQuotaResult, Purpose: QuotaAnalysis, Decision: quota.Decision{Reason: quota.ReasonDailyLimit}})
	if next.State.Kind != models.StateIdle || !containsText(effects, e.cat.Messages.DailyLimit) {
		t.Errorf("expected daily limit message and Idle, got %s %v", next.State, sentTexts(effects))
	}
	if len(effectsOf[InvokeAnalysisGateway](effects)) != 0 {
		t.Errorf("gateway must not be called after a denial")
	}
}

func TestWizardValidation(t *testing.T) {
	e := newTestEngine(t)
	conv, _ := e.Transition(testConv(models.Idle()), text("7"))

	steps := []struct {
		input     string
		wantField int
	}{
		{"Ana López", FieldAge},
		{"0", FieldAge},
		{"121", FieldAge},
		{"veinte", FieldAge},
		{"29", FieldCategory},
		{"3", FieldCategory},
		{"1. Alumno Nexus", FieldCode},
		{"wrong", FieldCode},
		{testEnrollmentCode, FieldDevice},
		{"a b", FieldDevice},
	}
	for _, st := range steps {
		var effects []Effect
		conv, effects = e.Transition(conv, text(st.input))
		if conv.State != models.AwaitingFormField(st.wantField) {
			t.Fatalf("after %q: state = %s, want field %d", st.input, conv.State, st.wantField)
		}
		if len(effectsOf[PersistSubject](effects)) != 0 {
			t.Fatalf("after %q: persisted too early", st.input)
		}
	}

	conv, effects := e.Transition(conv, text("dev-42"))
	persists := effectsOf[PersistSubject](effects)
	if len(persists) != 1 {
		t.Fatalf("expected PersistSubject, got %#v", effects)
	}
	want := models.Subject{IdentityKey: "u1", Name: "Ana López", Age: 29, Tier: models.TierAlumni, DeviceID: "dev-42"}
	if persists[0].Subject != want {
		t.Errorf("subject = %+v, want %+v", persists[0].Subject, want)
	}

	failed, effects := e.Transition(conv, Event{Kind: EventPersistResult, Target: PersistTargetSubject, Err: models.ErrPersistenceFailure})
	if failed.State != models.AwaitingFormField(FieldDevice) || failed.Scratch.Form.Name != "Ana López" {
		t.Errorf("persistence failure must keep the wizard, got %s %+v", failed.State, failed.Scratch.Form)
	}
	if !containsText(effects, e.cat.Messages.Apology) {
		t.Errorf("expected apology, got %v", sentTexts(effects))
	}

	done, effects := e.Transition(conv, Event{Kind: EventPersistResult, Target: PersistTargetSubject, Created: true})
	if done.State.Kind != models.StateIdle || done.Scratch != (models.Scratch{}) {
		t.Errorf("expected Idle with empty scratch, got %s %+v", done.State, done.Scratch)
	}
	if !containsText(effects, "Ana López") {
		t.Errorf("expected greeting by name, got %v", sentTexts(effects))
	}
}

func TestWizardFreeTierSkipsCode(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingFormField(FieldCategory))
	next, _ := e.Transition(conv, text("2"))
	if next.State != models.AwaitingFormField(FieldDevice) || next.Scratch.Form.Tier != models.TierFree {
		t.Errorf("expected device field for free tier, got %s %+v", next.State, next.Scratch.Form)
	}
}

func TestWizardRejectsCodeWhenEnrollmentDisabled(t *testing.T) {
	cat, _ := DefaultCatalog()
	e := NewEngine(cat)
	next, _ := e.Transition(testConv(models.AwaitingFormField(FieldCode)), text(""))
	if next.State != models.AwaitingFormField(FieldCode) {
		t.Errorf("expected code field to stay, got %s", next.State)
	}
}

func TestRestartAbandonsSessionAndClearsScratch(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingSideDisambiguation())
	conv.Scratch.Exercise = "Handstand"
	conv.Scratch.ImageRef = "image:u1:u1"

	next, effects := e.Transition(conv, text("/start"))
	if next.State.Kind != models.StateAwaitingMenuChoice || next.Scratch != (models.Scratch{}) {
		t.Errorf("expected fresh menu, got %s %+v", next.State, next.Scratch)
	}
	if len(effectsOf[AbandonSession](effects)) != 1 || len(effectsOf[DiscardImage](effects)) != 1 {
		t.Errorf("expected abandon and discard, got %#v", effects)
	}

	_, effects = e.Transition(conv, text("hola"))
	if len(effectsOf[AbandonSession](effects)) != 0 {
		t.Errorf("greeting must not abandon the session")
	}
}

func TestTimerEventsKeepDialogueState(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingFormField(FieldAge))
	conv.Scratch.Form.Name = "Ana"

	next, effects := e.Transition(conv, Event{Kind: EventReminderTick, SessionID: "s1"})
	reminders := effectsOf[SendReminder](effects)
	if next.State != conv.State || len(reminders) != 1 || reminders[0].SessionID != "s1" {
		t.Errorf("unexpected reminder handling: %s %#v", next.State, effects)
	}

	next, effects = e.Transition(conv, Event{Kind: EventSessionEnded, SessionID: "s1"})
	finals := effectsOf[FinalizeSession](effects)
	if next.State != conv.State || len(finals) != 1 || !finals[0].FromTimer {
		t.Errorf("unexpected end handling: %s %#v", next.State, effects)
	}

	metrics := &models.AnalysisMetrics{SessionID: "s1", CorrectPct: 75, IncorrectPct: 25, SeatedTime: 90, AlertsSent: 2}
	next, effects = e.Transition(conv, Event{Kind: EventSessionFinalized, SessionID: "s1", Metrics: metrics, Closed: true, FromTimer: true})
	if next.State != conv.State || next.Scratch != conv.Scratch || !containsText(effects, "75%") || !containsText(effects, "1m30s") {
		t.Errorf("unexpected summary handling: %s %v", next.State, sentTexts(effects))
	}

	_, effects = e.Transition(conv, Event{Kind: EventSessionFinalized, SessionID: "s1", FromTimer: true})
	if len(effects) != 0 {
		t.Errorf("already-closed session must not send a summary, got %#v", effects)
	}
}

func TestSessionOpenFlow(t *testing.T) {
	e := newTestEngine(t)
	conv, _ := e.Transition(testConv(models.AwaitingSubMenuChoice(models.SubMenuMonitoring)), text("1"))
	if conv.State.Kind != models.StateAwaitingSessionDuration || conv.Scratch.SessionMode != models.SessionModeDevice {
		t.Fatalf("expected duration menu, got %s %+v", conv.State, conv.Scratch)
	}

	conv, effects := e.Transition(conv, text("2. 30 min"))
	creates := effectsOf[CreateSessionRecord](effects)
	if len(creates) != 1 || creates[0].Minutes != 30 || creates[0].Mode != models.SessionModeDevice {
		t.Fatalf("expected 30 minute session, got %#v", effects)
	}

	h := &session.Handoff{Record: models.SessionRecord{ID: "s1"}, Reference: "https://viewer/live?session_id=s1&device_id=d1"}
	next, effects := e.Transition(conv, Event{Kind: EventSessionOpened, Handoff: h})
	if next.State.Kind != models.StateIdle || !containsText(effects, h.Reference) {
		t.Errorf("expected hand-off message and Idle, got %s %v", next.State, sentTexts(effects))
	}
	if sch := effectsOf[ScheduleSession](effects); len(sch) != 1 || sch[0].Record.ID != "s1" {
		t.Errorf("expected ScheduleSession, got %#v", effects)
	}
}

func TestCustomDurationNeedsConfirmation(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingSessionDuration())
	conv.Scratch.SessionMode = models.SessionModeGuided

	conv, _ = e.Transition(conv, text("4. Otro"))
	if conv.State != models.AwaitingCustomNumericInput(models.PurposeSessionDuration) {
		t.Fatalf("expected custom input, got %s", conv.State)
	}
	same, _ := e.Transition(conv, text("500"))
	if same.State != conv.State {
		t.Errorf("out-of-range minutes must re-prompt")
	}
	conv, _ = e.Transition(conv, text("45"))
	if conv.State != models.AwaitingConfirmation(models.PurposeOpenSession) || conv.Scratch.SessionMinutes != 45 {
		t.Fatalf("expected confirmation, got %s %+v", conv.State, conv.Scratch)
	}
	cancelled, _ := e.Transition(conv, text("no"))
	if cancelled.State.Kind != models.StateIdle {
		t.Errorf("expected Idle after no, got %s", cancelled.State)
	}
	_, effects := e.Transition(conv, text("sí"))
	creates := effectsOf[CreateSessionRecord](effects)
	if len(creates) != 1 || creates[0].Minutes != 45 || creates[0].Mode != models.SessionModeGuided {
		t.Errorf("expected 45 minute guided session, got %#v", effects)
	}
}

func TestSessionPreconditionRouting(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		missing   string
		wantState models.ConversationState
		wantText  string
	}{
		{models.PreconditionRegistration, models.AwaitingFormField(FieldName), e.cat.Messages.NeedRegistration},
		{models.PreconditionDevice, models.AwaitingFormField(FieldName), e.cat.Messages.NeedRegistration},
		{models.PreconditionCalibration, models.AwaitingConfirmation(models.PurposeCalibrate), e.cat.Messages.NeedCalibration},
	}
	for _, tt := range tests {
		conv := testConv(models.AwaitingSessionDuration())
		conv.Scratch.SessionMode = models.SessionModeDevice
		err := fmt.Errorf("open: %w", &models.PreconditionError{Missing: tt.missing})
		next, effects := e.Transition(conv, Event{Kind: EventSessionFailed, Err: err})
		if next.State != tt.wantState || !containsText(effects, tt.wantText) {
			t.Errorf("%s: got %s %v", tt.missing, next.State, sentTexts(effects))
		}
	}

	conv := testConv(models.AwaitingSessionDuration())
	next, effects := e.Transition(conv, Event{Kind: EventSessionFailed, Err: models.ErrPersistenceFailure})
	if next.State != conv.State || !containsText(effects, e.cat.Messages.Apology) {
		t.Errorf("persistence failure must keep the state, got %s", next.State)
	}
}

func TestThresholdOverride(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingCustomNumericInput(models.PurposeAlertThreshold))

	conv, effects := e.Transition(conv, text("45"))
	if p := effectsOf[PersistThreshold](effects); len(p) != 1 || p[0].Seconds != 45 {
		t.Fatalf("expected PersistThreshold, got %#v", effects)
	}

	ok, effects := e.Transition(conv, Event{Kind: EventPersistResult, Target: PersistTargetThreshold})
	if ok.State.Kind != models.StateIdle || !containsText(effects, "45") {
		t.Errorf("expected saved message, got %s %v", ok.State, sentTexts(effects))
	}

	locked, effects := e.Transition(conv, Event{Kind: EventPersistResult, Target: PersistTargetThreshold, Err: models.ErrThresholdAlreadyOverriden})
	if locked.State.Kind != models.StateIdle || !containsText(effects, e.cat.Messages.ThresholdLocked) {
		t.Errorf("expected locked message and Idle, got %s %v", locked.State, sentTexts(effects))
	}
}

func TestEndSessionConfirmation(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingConfirmation(models.PurposeEndSession))

	_, effects := e.Transition(conv, text("si"))
	if f := effectsOf[FinalizeSession](effects); len(f) != 1 || f[0].SessionID != "" || f[0].FromTimer {
		t.Fatalf("expected FinalizeSession of the active session, got %#v", effects)
	}

	none, effects := e.Transition(conv, Event{Kind: EventSessionFinalized, Err: models.ErrSessionNotFound})
	if none.State.Kind != models.StateIdle || !containsText(effects, e.cat.Messages.NoActiveSession) {
		t.Errorf("expected no-active-session message, got %s %v", none.State, sentTexts(effects))
	}

	m := &models.AnalysisMetrics{CorrectPct: 60, IncorrectPct: 40}
	done, effects := e.Transition(conv, Event{Kind: EventSessionFinalized, Metrics: m, Closed: true})
	if done.State.Kind != models.StateIdle || !containsText(effects, "60%") {
		t.Errorf("expected summary, got %s %v", done.State, sentTexts(effects))
	}
}

func TestCalibrationConfirmation(t *testing.T) {
	e := newTestEngine(t)
	conv := testConv(models.AwaitingConfirmation(models.PurposeCalibrate))

	_, effects := e.Transition(conv, text("sí"))
	if len(effectsOf[PersistCalibration](effects)) != 1 {
		t.Fatalf("expected PersistCalibration, got %#v", effects)
	}
	next, effects := e.Transition(conv, Event{Kind: EventPersistResult, Target: PersistTargetCalibration})
	if next.State.Kind != models.StateIdle || !containsText(effects, e.cat.Messages.Calibrated) {
		t.Errorf("expected calibrated message, got %s %v", next.State, sentTexts(effects))
	}
	err := &models.PreconditionError{Missing: models.PreconditionRegistration}
	next, _ = e.Transition(conv, Event{Kind: EventPersistResult, Target: PersistTargetCalibration, Err: err})
	if next.State != models.AwaitingFormField(FieldName) {
		t.Errorf("expected wizard, got %s", next.State)
	}
}
