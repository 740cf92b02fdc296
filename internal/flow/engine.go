package flow

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/NexusCoach/internal/ephemeral"
	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/quota"
)

// Registration wizard fields, in order.
const (
	FieldName = iota
	FieldAge
	FieldCategory
	FieldCode
	FieldDevice
)

const (
	minAge        = 1
	maxAge        = 120
	maxNameLength = 80
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// EngineOpts configures an Engine.
type EngineOpts struct {
	EnrollmentCode string
}

// EngineOption defines a configuration option for the Engine.
type EngineOption func(*EngineOpts)

// WithEnrollmentCode sets the shared secret alumni enter during registration.
// An empty code disables alumni enrollment.
func WithEnrollmentCode(code string) EngineOption {
	return func(o *EngineOpts) { o.EnrollmentCode = code }
}

// Engine holds the content and configuration the transition table reads.
type Engine struct {
	cat  *Catalog
	opts EngineOpts
}

// NewEngine creates an Engine over cat.
func NewEngine(cat *Catalog, opts ...EngineOption) *Engine {
	var cfg EngineOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{cat: cat, opts: cfg}
}

// Catalog returns the engine's content catalog.
func (e *Engine) Catalog() *Catalog {
	return e.cat
}

// step accumulates the outcome of one transition.
type step struct {
	conv    models.Conversation
	effects []Effect
}

func (s *step) do(eff Effect) {
	s.effects = append(s.effects, eff)
}

func (s *step) send(msg models.OutgoingMessage) {
	s.do(SendMessage{Msg: msg})
}

func (s *step) say(text string) {
	s.send(models.OutgoingMessage{Text: text})
}

func (s *step) to(state models.ConversationState) {
	s.conv.State = state
}

func (s *step) discardImage() {
	if s.conv.Scratch.ImageRef != "" {
		s.do(DiscardImage{Ref: s.conv.Scratch.ImageRef})
		s.conv.Scratch.ImageRef = ""
		s.conv.Scratch.ImageMIME = ""
	}
}

// idle returns to Idle, dropping scratch and any parked photo.
func (s *step) idle() {
	s.discardImage()
	s.conv.Reset()
}

// withError prefixes a menu with an error line so both arrive in one message.
func withError(errText string, menu models.OutgoingMessage) models.OutgoingMessage {
	return models.OutgoingMessage{Text: errText + "\n\n" + menu.Text, Options: menu.Options}
}

func isUserInput(ev Event) bool {
	switch ev.Kind {
	case EventText, EventYes, EventNo:
		return true
	}
	return false
}

// Transition computes the next conversation and the effects to perform.
// It never performs I/O. Every (state, event) pair has a defined outcome:
// unrecognized input re-prompts and keeps the state, and callbacks that do
// not belong to the current state are ignored.
func (e *Engine) Transition(conv models.Conversation, ev Event) (models.Conversation, []Effect) {
	if conv.State.IsZero() {
		conv.State = models.Idle()
	}
	s := &step{conv: conv}

	switch ev.Kind {
	case EventRestart:
		s.do(AbandonSession{})
		s.idle()
		e.showMenu(s)
		return s.conv, s.effects
	case EventGreeting:
		s.idle()
		e.showMenu(s)
		return s.conv, s.effects
	case EventReminderTick:
		s.do(SendReminder{SessionID: ev.SessionID, Msg: models.OutgoingMessage{Text: e.cat.Messages.Reminder}})
		return s.conv, s.effects
	case EventSessionEnded:
		s.do(FinalizeSession{SessionID: ev.SessionID, FromTimer: true})
		return s.conv, s.effects
	case EventSessionFinalized:
		if ev.FromTimer {
			if ev.Err == nil && ev.Closed && ev.Metrics != nil {
				s.say(e.summary(*ev.Metrics))
			}
			return s.conv, s.effects
		}
	}

	switch conv.State.Kind {
	case models.StateIdle, models.StateAwaitingMenuChoice:
		e.onMenu(s, ev)
	case models.StateAwaitingSubMenuChoice:
		switch conv.State.SubMenu {
		case models.SubMenuProprioception:
			e.onProprioception(s, ev)
		case models.SubMenuExercise:
			e.onExercise(s, ev)
		case models.SubMenuMonitoring:
			e.onMonitoring(s, ev)
		default:
			s.idle()
			e.showMenu(s)
		}
	case models.StateAwaitingFormField:
		e.onFormField(s, ev)
	case models.StateAwaitingPhoto:
		e.onPhoto(s, ev)
	case models.StateAwaitingSideDisambiguation:
		e.onSide(s, ev)
	case models.StateAwaitingSessionDuration:
		e.onDuration(s, ev)
	case models.StateAwaitingConfirmation:
		e.onConfirmation(s, ev)
	case models.StateAwaitingCustomNumericInput:
		e.onNumeric(s, ev)
	default:
		s.idle()
		e.showMenu(s)
	}
	return s.conv, s.effects
}

func (e *Engine) showMenu(s *step) {
	s.to(models.AwaitingMenuChoice())
	s.send(e.cat.MainMenu())
}

func (e *Engine) startWizard(s *step) {
	s.discardImage()
	s.conv.Scratch = models.Scratch{}
	s.to(models.AwaitingFormField(FieldName))
	s.say(e.cat.Messages.AskName)
}

func (e *Engine) denial(d quota.Decision) string {
	if d.Reason == quota.ReasonDailyLimit {
		return e.cat.Messages.DailyLimit
	}
	return e.cat.Messages.TrialUsed
}

// handlePrecondition routes a precondition error to its remediation prompt.
func (e *Engine) handlePrecondition(s *step, err error) bool {
	var pe *models.PreconditionError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Missing {
	case models.PreconditionCalibration:
		s.conv.Scratch = models.Scratch{}
		s.to(models.AwaitingConfirmation(models.PurposeCalibrate))
		s.say(e.cat.Messages.NeedCalibration)
		s.say(e.cat.Messages.ConfirmCalibrate)
	default:
		s.say(e.cat.Messages.NeedRegistration)
		e.startWizard(s)
	}
	return true
}

func (e *Engine) onMenu(s *step, ev Event) {
	msgs := e.cat.Messages
	switch {
	case ev.Kind == EventQuotaResult:
		choice := s.conv.Scratch.MenuChoice
		if ev.Purpose != QuotaMenuAction || choice == "" {
			return
		}
		opt, _ := e.cat.MenuOption(choice)
		switch {
		case ev.Err != nil:
			s.conv.Scratch.MenuChoice = ""
			s.say(msgs.Apology)
		case !ev.Decision.Allowed:
			s.idle()
			s.say(msgs.OneAttempt)
		default:
			s.idle()
			s.say(opt.Reply)
		}
	case ev.IsCallback():
	case ev.Kind == EventPhoto:
		s.send(withError(msgs.PhotoFirst, e.cat.MainMenu()))
	default:
		opt, ok := e.cat.MenuOption(ev.Token)
		if !ok {
			s.send(withError(msgs.InvalidOption, e.cat.MainMenu()))
			return
		}
		switch opt.Action {
		case ActionReply:
			s.to(models.AwaitingMenuChoice())
			s.conv.Scratch.MenuChoice = opt.Key
			s.do(InvokeQuotaCheck{Purpose: QuotaMenuAction, ActionKey: quota.MenuActionKey(opt.Key), Reserve: true})
		case ActionProprioception:
			s.conv.Scratch = models.Scratch{}
			s.to(models.AwaitingSubMenuChoice(models.SubMenuProprioception))
			s.send(e.cat.ProprioceptionMenu())
		case ActionRegister:
			e.startWizard(s)
		case ActionMonitoring:
			s.conv.Scratch = models.Scratch{}
			s.to(models.AwaitingSubMenuChoice(models.SubMenuMonitoring))
			s.send(e.cat.MonitoringMenu())
		default:
			e.showMenu(s)
		}
	}
}

func (e *Engine) onProprioception(s *step, ev Event) {
	msgs := e.cat.Messages
	switch {
	case ev.Kind == EventQuotaResult && ev.Purpose == QuotaTrial:
		switch {
		case ev.Err != nil:
			s.say(msgs.Apology)
		case !ev.Decision.Allowed:
			s.idle()
			s.say(e.denial(ev.Decision))
		default:
			s.to(models.AwaitingSubMenuChoice(models.SubMenuExercise))
			s.send(e.cat.ExerciseMenu())
		}
	case ev.IsCallback():
	case isUserInput(ev) && ev.Token == "1":
		s.do(InvokeQuotaCheck{Purpose: QuotaTrial})
	case isUserInput(ev) && ev.Token == "2":
		s.idle()
		s.say(e.cat.Prices)
	default:
		s.send(withError(msgs.ChooseOneOrTwo, e.cat.ProprioceptionMenu()))
	}
}

func (e *Engine) onExercise(s *step, ev Event) {
	if ev.IsCallback() {
		return
	}
	if isUserInput(ev) {
		if ex, ok := e.cat.ExerciseAt(ev.Token); ok {
			s.conv.Scratch.Exercise = ex.Name
			s.to(models.AwaitingPhoto(ex.Name))
			s.say(fmt.Sprintf(e.cat.Messages.SendPhoto, ex.Name))
			return
		}
	}
	s.send(withError(fmt.Sprintf(e.cat.Messages.InvalidExercise, len(e.cat.Exercises)), e.cat.ExerciseMenu()))
}

func (e *Engine) onPhoto(s *step, ev Event) {
	exercise := s.conv.Scratch.Exercise
	if exercise == "" {
		exercise = s.conv.State.Exercise
		s.conv.Scratch.Exercise = exercise
	}
	switch ev.Kind {
	case EventPhoto:
		s.discardImage()
		ref := ephemeral.ImageRef(s.conv.Key.UserID, s.conv.Key.ChatID)
		s.conv.Scratch.ImageRef = ref
		s.conv.Scratch.ImageMIME = ev.Image.MIMEType
		s.conv.Scratch.Side = ev.Side
		s.do(StoreImage{Ref: ref, Image: *ev.Image})
	case EventImageStored:
		if s.conv.Scratch.ImageRef == "" {
			return
		}
		if ev.Err != nil {
			s.conv.Scratch.ImageRef = ""
			s.conv.Scratch.ImageMIME = ""
			s.say(e.cat.Messages.Apology)
			return
		}
		ex, _ := e.cat.Exercise(exercise)
		if ex.SideRequired && s.conv.Scratch.Side == models.SideUnspecified {
			s.to(models.AwaitingSideDisambiguation())
			s.say(e.cat.Messages.AskSide)
			return
		}
		s.do(InvokeQuotaCheck{Purpose: QuotaAnalysis, Reserve: true})
	case EventQuotaResult, EventAnalysisResult:
		e.onAnalysisCallback(s, ev)
	default:
		if ev.IsCallback() {
			return
		}
		s.say(fmt.Sprintf(e.cat.Messages.SendPhoto, exercise))
	}
}

func (e *Engine) onSide(s *step, ev Event) {
	switch {
	case ev.Kind == EventQuotaResult || ev.Kind == EventAnalysisResult:
		e.onAnalysisCallback(s, ev)
	case ev.IsCallback():
	case isUserInput(ev):
		side := ParseSide(ev.Text)
		if side == models.SideUnspecified || s.conv.Scratch.ImageRef == "" {
			s.say(e.cat.Messages.InvalidSide)
			return
		}
		s.conv.Scratch.Side = side
		s.do(InvokeQuotaCheck{Purpose: QuotaAnalysis, Reserve: true})
	default:
		s.say(e.cat.Messages.InvalidSide)
	}
}

// retryPhoto returns to AwaitingPhoto for the same technique.
func (e *Engine) retryPhoto(s *step) {
	exercise := s.conv.Scratch.Exercise
	s.discardImage()
	s.conv.Scratch = models.Scratch{Exercise: exercise}
	s.to(models.AwaitingPhoto(exercise))
}

func (e *Engine) onAnalysisCallback(s *step, ev Event) {
	msgs := e.cat.Messages
	switch ev.Kind {
	case EventQuotaResult:
		if ev.Purpose != QuotaAnalysis {
			return
		}
		switch {
		case ev.Err != nil:
			s.say(msgs.Apology)
		case !ev.Decision.Allowed:
			s.idle()
			s.say(e.denial(ev.Decision))
		default:
			sc := s.conv.Scratch
			s.do(InvokeAnalysisGateway{ImageRef: sc.ImageRef, MIMEType: sc.ImageMIME, Exercise: sc.Exercise, Side: sc.Side})
		}
	case EventAnalysisResult:
		switch {
		case ev.Err == nil:
			// A technique mismatch is a rendered result and keeps its charge.
			s.say(ev.Result.Text)
			s.idle()
		case errors.Is(ev.Err, models.ErrGatewayUnavailable):
			s.say(msgs.GatewayUnavailable)
			s.do(ReleaseQuota{Purpose: QuotaAnalysis})
			e.retryPhoto(s)
		default:
			s.say(msgs.Apology)
			s.do(ReleaseQuota{Purpose: QuotaAnalysis})
			s.idle()
		}
	}
}

func (e *Engine) onFormField(s *step, ev Event) {
	msgs := e.cat.Messages
	form := &s.conv.Scratch.Form
	field := s.conv.State.FieldIndex

	if ev.Kind == EventPersistResult && ev.Target == PersistTargetSubject && field == FieldDevice {
		if errors.Is(ev.Err, models.ErrDeviceTaken) {
			form.DeviceID = ""
			s.say(msgs.DeviceTaken)
			return
		}
		if ev.Err != nil {
			s.say(msgs.Apology)
			return
		}
		name := form.Name
		s.idle()
		if ev.Created {
			s.say(fmt.Sprintf(msgs.Registered, name))
		} else {
			s.say(fmt.Sprintf(msgs.RegistrationUpdated, name))
		}
		return
	}
	if ev.IsCallback() {
		return
	}
	if !isUserInput(ev) {
		e.promptField(s, field)
		return
	}

	value := strings.TrimSpace(ev.Text)
	switch field {
	case FieldName:
		n := utf8.RuneCountInString(value)
		if n == 0 || n > maxNameLength {
			s.say(msgs.InvalidName)
			return
		}
		form.Name = value
		e.advance(s, FieldAge)
	case FieldAge:
		age, err := strconv.Atoi(value)
		if err != nil || age < minAge || age > maxAge {
			s.say(msgs.InvalidAge)
			return
		}
		form.Age = age
		e.advance(s, FieldCategory)
	case FieldCategory:
		switch ev.Token {
		case "1":
			form.Tier = models.TierAlumni
			e.advance(s, FieldCode)
		case "2":
			form.Tier = models.TierFree
			e.advance(s, FieldDevice)
		default:
			s.send(withError(msgs.InvalidCategory, e.cat.CategoryMenu()))
		}
	case FieldCode:
		code := e.opts.EnrollmentCode
		if code == "" || subtle.ConstantTimeCompare([]byte(value), []byte(code)) != 1 {
			s.say(msgs.InvalidCode)
			return
		}
		e.advance(s, FieldDevice)
	case FieldDevice:
		if !deviceIDPattern.MatchString(value) {
			s.say(msgs.InvalidDevice)
			return
		}
		form.DeviceID = value
		s.do(PersistSubject{Subject: models.Subject{
			IdentityKey: s.conv.Key.UserID,
			Name:        form.Name,
			Age:         form.Age,
			Tier:        form.Tier,
			DeviceID:    form.DeviceID,
		}})
	default:
		e.startWizard(s)
	}
}

func (e *Engine) advance(s *step, field int) {
	s.to(models.AwaitingFormField(field))
	e.promptField(s, field)
}

func (e *Engine) promptField(s *step, field int) {
	msgs := e.cat.Messages
	switch field {
	case FieldName:
		s.say(msgs.AskName)
	case FieldAge:
		s.say(msgs.AskAge)
	case FieldCategory:
		s.send(e.cat.CategoryMenu())
	case FieldCode:
		s.say(msgs.AskCode)
	case FieldDevice:
		s.say(msgs.AskDevice)
	}
}

func (e *Engine) onMonitoring(s *step, ev Event) {
	msgs := e.cat.Messages
	if ev.IsCallback() {
		return
	}
	token := ""
	if isUserInput(ev) {
		token = ev.Token
	}
	switch token {
	case "1", "2":
		s.conv.Scratch.SessionMode = models.SessionModeDevice
		if token == "2" {
			s.conv.Scratch.SessionMode = models.SessionModeGuided
		}
		s.to(models.AwaitingSessionDuration())
		s.send(e.cat.DurationMenu())
	case "3":
		s.to(models.AwaitingCustomNumericInput(models.PurposeAlertThreshold))
		s.say(fmt.Sprintf(msgs.ThresholdPrompt, e.cat.Threshold.MinSeconds, e.cat.Threshold.MaxSeconds))
	case "4":
		s.to(models.AwaitingConfirmation(models.PurposeCalibrate))
		s.say(msgs.ConfirmCalibrate)
	case "5":
		s.to(models.AwaitingConfirmation(models.PurposeEndSession))
		s.say(msgs.ConfirmEnd)
	default:
		s.send(withError(msgs.InvalidOption, e.cat.MonitoringMenu()))
	}
}

func (e *Engine) onDuration(s *step, ev Event) {
	switch {
	case ev.Kind == EventSessionOpened || ev.Kind == EventSessionFailed:
		e.onSessionCallback(s, ev)
		return
	case ev.IsCallback():
		return
	}
	presets := e.cat.Durations.Minutes
	n, err := strconv.Atoi(ev.Token)
	switch {
	case !isUserInput(ev) || err != nil || n < 1 || n > len(presets)+1:
		s.send(withError(e.cat.Messages.InvalidOption, e.cat.DurationMenu()))
	case n == len(presets)+1:
		s.to(models.AwaitingCustomNumericInput(models.PurposeSessionDuration))
		s.say(fmt.Sprintf(e.cat.Messages.CustomDuration, e.cat.Durations.MaxMinutes))
	default:
		s.conv.Scratch.SessionMinutes = presets[n-1]
		s.do(CreateSessionRecord{Minutes: presets[n-1], Mode: s.conv.Scratch.SessionMode})
	}
}

func (e *Engine) onNumeric(s *step, ev Event) {
	msgs := e.cat.Messages
	purpose := s.conv.State.Purpose

	if ev.Kind == EventPersistResult && ev.Target == PersistTargetThreshold && purpose == models.PurposeAlertThreshold {
		switch {
		case ev.Err == nil:
			seconds := s.conv.Scratch.Threshold
			s.idle()
			s.say(fmt.Sprintf(msgs.ThresholdSaved, seconds))
		case errors.Is(ev.Err, models.ErrThresholdAlreadyOverriden):
			s.idle()
			s.say(msgs.ThresholdLocked)
		case e.handlePrecondition(s, ev.Err):
		default:
			s.say(msgs.Apology)
		}
		return
	}
	if ev.IsCallback() {
		return
	}

	lo, hi := 1, e.cat.Durations.MaxMinutes
	if purpose == models.PurposeAlertThreshold {
		lo, hi = e.cat.Threshold.MinSeconds, e.cat.Threshold.MaxSeconds
	}
	n, err := strconv.Atoi(strings.TrimSpace(ev.Text))
	if !isUserInput(ev) || err != nil || n < lo || n > hi {
		s.say(fmt.Sprintf(msgs.InvalidNumber, lo, hi))
		return
	}

	switch purpose {
	case models.PurposeSessionDuration:
		s.conv.Scratch.SessionMinutes = n
		s.to(models.AwaitingConfirmation(models.PurposeOpenSession))
		s.say(fmt.Sprintf(msgs.ConfirmSession, n))
	case models.PurposeAlertThreshold:
		s.conv.Scratch.Threshold = n
		s.do(PersistThreshold{Seconds: n})
	default:
		s.idle()
		e.showMenu(s)
	}
}

func (e *Engine) onConfirmation(s *step, ev Event) {
	msgs := e.cat.Messages
	purpose := s.conv.State.Purpose

	switch ev.Kind {
	case EventSessionOpened, EventSessionFailed:
		if purpose == models.PurposeOpenSession {
			e.onSessionCallback(s, ev)
		}
		return
	case EventPersistResult:
		if purpose != models.PurposeCalibrate || ev.Target != PersistTargetCalibration {
			return
		}
		switch {
		case ev.Err == nil:
			s.idle()
			s.say(msgs.Calibrated)
		case e.handlePrecondition(s, ev.Err):
		default:
			s.say(msgs.Apology)
		}
		return
	case EventSessionFinalized:
		if purpose != models.PurposeEndSession {
			return
		}
		switch {
		case errors.Is(ev.Err, models.ErrSessionNotFound):
			s.idle()
			s.say(msgs.NoActiveSession)
		case ev.Err != nil:
			s.say(msgs.Apology)
		case ev.Closed && ev.Metrics != nil:
			s.idle()
			s.say(e.summary(*ev.Metrics))
		default:
			s.idle()
			s.say(msgs.NoActiveSession)
		}
		return
	case EventNo:
		s.idle()
		s.say(msgs.Cancelled)
		return
	case EventYes:
	default:
		if !ev.IsCallback() {
			s.say(msgs.YesOrNo)
		}
		return
	}

	switch purpose {
	case models.PurposeOpenSession:
		s.do(CreateSessionRecord{Minutes: s.conv.Scratch.SessionMinutes, Mode: s.conv.Scratch.SessionMode})
	case models.PurposeCalibrate:
		s.do(PersistCalibration{})
	case models.PurposeEndSession:
		s.do(FinalizeSession{})
	default:
		s.idle()
		e.showMenu(s)
	}
}

func (e *Engine) onSessionCallback(s *step, ev Event) {
	if ev.Kind == EventSessionOpened && ev.Handoff != nil {
		minutes := s.conv.Scratch.SessionMinutes
		s.idle()
		s.say(fmt.Sprintf(e.cat.Messages.SessionOpened, minutes, ev.Handoff.Reference))
		s.do(ScheduleSession{Record: ev.Handoff.Record})
		return
	}
	if e.handlePrecondition(s, ev.Err) {
		return
	}
	s.say(e.cat.Messages.Apology)
}

func formatSeconds(sec int) string {
	return (time.Duration(sec) * time.Second).String()
}

func (e *Engine) summary(m models.AnalysisMetrics) string {
	return fmt.Sprintf(e.cat.Messages.SessionSummary,
		m.CorrectPct, m.IncorrectPct, formatSeconds(m.SeatedTime), formatSeconds(m.StandingTime), m.AlertsSent)
}
