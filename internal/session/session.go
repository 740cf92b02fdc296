// Package session opens, arms and finalizes timed posture-monitoring sessions.
//
// A session is persisted durably first, then its descriptor and device binding
// are published to the ephemeral store in one step. Reminder and end timers
// run on the in-process scheduler; a durable session_end job backs up the end
// timer so that a restart still finalizes the session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/ephemeral"
	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/scheduler"
	"github.com/BTreeMap/NexusCoach/internal/store"
	"github.com/google/uuid"
)

// Defaults applied when options are not provided.
const (
	DefaultReminderInterval      = 10 * time.Minute
	DefaultGrace                 = 5 * time.Minute
	DefaultAlertThresholdSeconds = 30
	DefaultViewerBaseURL         = "https://viewer.nexuscalistenia.com/live"
)

// Backend is the durable storage the manager needs.
type Backend interface {
	store.SubjectStore
	store.SessionStore
	store.ThresholdStore
	store.JobRepo
}

// Notifier receives timer firings. The dialogue runner implements it so that
// reminders and session ends are serialized with the owner's conversation.
type Notifier interface {
	SessionReminder(ctx context.Context, rec models.SessionRecord)
	SessionEnded(ctx context.Context, rec models.SessionRecord)
}

// Handoff is the result of a successful OpenSession.
type Handoff struct {
	Record     models.SessionRecord
	Descriptor ephemeral.Descriptor
	// Reference is the viewer locator sent to the user.
	Reference string
}

// Opts holds configuration options for the Manager.
type Opts struct {
	ViewerBaseURL         string
	ReminderInterval      time.Duration
	Grace                 time.Duration
	DefaultAlertThreshold int
	Clock                 func() time.Time
}

// Option defines a configuration option for the Manager.
type Option func(*Opts)

// WithViewerBaseURL sets the base URL of the external live viewer.
func WithViewerBaseURL(u string) Option {
	return func(o *Opts) { o.ViewerBaseURL = u }
}

// WithReminderInterval sets the period of session reminders.
func WithReminderInterval(d time.Duration) Option {
	return func(o *Opts) { o.ReminderInterval = d }
}

// WithGrace sets how long ephemeral entries outlive the session.
func WithGrace(d time.Duration) Option {
	return func(o *Opts) { o.Grace = d }
}

// WithDefaultAlertThreshold sets the threshold used when a device has none stored.
func WithDefaultAlertThreshold(seconds int) Option {
	return func(o *Opts) { o.DefaultAlertThreshold = seconds }
}

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Manager owns session records, their ephemeral publication and their timers.
type Manager struct {
	backend  Backend
	cache    ephemeral.Store
	sched    *scheduler.Scheduler
	notifier Notifier
	opts     Opts
}

// NewManager creates a Manager. SetNotifier must be called before sessions
// are armed if timer firings should reach the dialogue runner.
func NewManager(backend Backend, cache ephemeral.Store, sched *scheduler.Scheduler, opts ...Option) *Manager {
	cfg := Opts{
		ViewerBaseURL:         DefaultViewerBaseURL,
		ReminderInterval:      DefaultReminderInterval,
		Grace:                 DefaultGrace,
		DefaultAlertThreshold: DefaultAlertThresholdSeconds,
		Clock:                 time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{backend: backend, cache: cache, sched: sched, opts: cfg}
}

// SetNotifier wires the receiver of reminder and end firings.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// ReminderInterval returns the configured reminder period.
func (m *Manager) ReminderInterval() time.Duration {
	return m.opts.ReminderInterval
}

func endJobDedupeKey(sessionID string) string {
	return "session_end:" + sessionID
}

// EndJobPayload is the JSON payload of session_end jobs.
type EndJobPayload struct {
	SessionID string `json:"session_id"`
}

// OpenSession validates preconditions, persists a record and publishes its
// descriptor. On a precondition error nothing is written. A failed
// publication restores the threshold round and leaves any running session
// untouched. The previous session is abandoned only after the new one is
// published. The caller arms the session's timers with Arm once the hand-off
// has been delivered.
func (m *Manager) OpenSession(ctx context.Context, subjectID, chatID string, duration time.Duration, mode models.SessionMode) (*Handoff, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("session duration must be positive: %w", models.ErrInvalidInput)
	}
	subj, err := m.checkPreconditions(ctx, subjectID, mode)
	if err != nil {
		return nil, err
	}

	previous, err := m.backend.GetActiveSessionForSubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load active session: %w: %v", models.ErrPersistenceFailure, err)
	}

	now := m.opts.Clock().UTC()
	rec := models.SessionRecord{
		ID:              uuid.NewString(),
		SubjectID:       subjectID,
		ChatID:          chatID,
		DeviceID:        subj.DeviceID,
		IntervalSeconds: int(m.opts.ReminderInterval / time.Second),
		Mode:            mode,
		Status:          models.SessionStatusActive,
		CreatedAt:       now,
		EndsAt:          now.Add(duration),
	}
	if err := m.backend.CreateSession(ctx, rec); err != nil {
		slog.Error("Manager.OpenSession: create record failed", "subjectID", subjectID, "error", err)
		return nil, fmt.Errorf("create session record: %w: %v", models.ErrPersistenceFailure, err)
	}

	threshold, restore, err := m.unlockThreshold(ctx, subj.DeviceID)
	if err != nil {
		m.rollback(ctx, rec.ID, nil)
		return nil, err
	}

	desc := ephemeral.Descriptor{
		SessionID:       rec.ID,
		StartTimestamp:  now.Unix(),
		IntervalSeconds: rec.IntervalSeconds,
	}
	binding := ephemeral.DeviceBinding{
		DeviceID:              subj.DeviceID,
		SessionID:             rec.ID,
		OwnerIdentity:         subjectID,
		AlertThresholdSeconds: threshold,
	}
	if err := m.cache.PublishSession(ctx, desc, binding, duration+m.opts.Grace); err != nil {
		slog.Error("Manager.OpenSession: publish failed, rolling back", "sessionID", rec.ID, "error", err)
		m.rollback(ctx, rec.ID, restore)
		return nil, fmt.Errorf("publish session: %w: %v", models.ErrPersistenceFailure, err)
	}

	if previous != nil {
		// The new record is live; a failure here leaves the previous session
		// to be closed by its own end timer.
		if err := m.abandon(ctx, *previous); err != nil {
			slog.Error("Manager.OpenSession: abandon previous failed", "sessionID", previous.ID, "error", err)
		}
	}

	slog.Info("Manager.OpenSession: session opened", "sessionID", rec.ID, "subjectID", subjectID, "mode", mode, "endsAt", rec.EndsAt)
	return &Handoff{Record: rec, Descriptor: desc, Reference: m.Reference(rec.ID, subj.DeviceID)}, nil
}

func (m *Manager) checkPreconditions(ctx context.Context, subjectID string, mode models.SessionMode) (*models.Subject, error) {
	subj, err := m.backend.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w: %v", models.ErrPersistenceFailure, err)
	}
	if subj == nil {
		return nil, &models.PreconditionError{Missing: models.PreconditionRegistration}
	}
	if subj.DeviceID == "" {
		return nil, &models.PreconditionError{Missing: models.PreconditionDevice}
	}
	if mode == models.SessionModeDevice && !subj.Calibrated {
		return nil, &models.PreconditionError{Missing: models.PreconditionCalibration}
	}
	return subj, nil
}

// rollback deletes a session record that never got published and puts back
// the threshold round it reopened.
func (m *Manager) rollback(ctx context.Context, sessionID string, restore *models.AlertThreshold) {
	if err := m.backend.DeleteSession(ctx, sessionID); err != nil {
		slog.Error("Manager.rollback: delete record failed", "sessionID", sessionID, "error", err)
	}
	if restore == nil {
		return
	}
	if err := m.backend.SaveAlertThreshold(ctx, *restore); err != nil {
		slog.Error("Manager.rollback: restore alert threshold failed", "deviceID", restore.DeviceID, "error", err)
	}
}

// unlockThreshold starts a new configuration round for the device and returns
// the threshold in effect. restore is the prior row when it had to be
// unlocked, nil otherwise.
func (m *Manager) unlockThreshold(ctx context.Context, deviceID string) (seconds int, restore *models.AlertThreshold, err error) {
	t, err := m.backend.GetAlertThreshold(ctx, deviceID)
	if err != nil {
		return 0, nil, fmt.Errorf("load alert threshold: %w: %v", models.ErrPersistenceFailure, err)
	}
	if t == nil {
		return m.opts.DefaultAlertThreshold, nil, nil
	}
	if !t.Locked {
		return t.Seconds, nil, nil
	}
	prior := *t
	t.Locked = false
	t.UpdatedAt = m.opts.Clock().UTC()
	if err := m.backend.SaveAlertThreshold(ctx, *t); err != nil {
		return 0, nil, fmt.Errorf("unlock alert threshold: %w: %v", models.ErrPersistenceFailure, err)
	}
	return t.Seconds, &prior, nil
}

// Reference builds the viewer locator for a session.
func (m *Manager) Reference(sessionID, deviceID string) string {
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("device_id", deviceID)
	return m.opts.ViewerBaseURL + "?" + q.Encode()
}

// Arm schedules the reminder and end timers of rec and enqueues the durable
// end job. Arming an already-past session schedules its end immediately.
func (m *Manager) Arm(ctx context.Context, rec models.SessionRecord) error {
	remaining := rec.EndsAt.Sub(m.opts.Clock())
	if remaining < 0 {
		remaining = 0
	}
	interval := time.Duration(rec.IntervalSeconds) * time.Second
	if interval > 0 && remaining > interval {
		if err := m.sched.ScheduleRepeating(rec.ID, interval, func() { m.fireReminder(rec) }); err != nil {
			return fmt.Errorf("schedule reminders: %w", err)
		}
	}
	if err := m.sched.ScheduleOnce(rec.ID, remaining, func() { m.fireEnd(rec) }); err != nil {
		m.sched.CancelAll(rec.ID)
		return fmt.Errorf("schedule end: %w", err)
	}

	payload, err := json.Marshal(EndJobPayload{SessionID: rec.ID})
	if err != nil {
		return fmt.Errorf("marshal end job payload: %w", err)
	}
	// The durable job runs after the in-process timer; finalization is idempotent.
	runAt := rec.EndsAt.Add(m.opts.Grace)
	if _, err := m.backend.EnqueueJob(ctx, store.JobKindSessionEnd, runAt, string(payload), endJobDedupeKey(rec.ID)); err != nil {
		return fmt.Errorf("enqueue end job: %w", err)
	}
	slog.Debug("Manager.Arm: session armed", "sessionID", rec.ID, "remaining", remaining, "interval", interval)
	return nil
}

func (m *Manager) fireReminder(rec models.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if m.notifier == nil {
		slog.Debug("Manager.fireReminder: no notifier", "sessionID", rec.ID)
		return
	}
	m.notifier.SessionReminder(ctx, rec)
}

func (m *Manager) fireEnd(rec models.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if m.notifier == nil {
		if _, _, err := m.Finalize(ctx, rec.ID); err != nil {
			slog.Error("Manager.fireEnd: finalize failed", "sessionID", rec.ID, "error", err)
		}
		return
	}
	m.notifier.SessionEnded(ctx, rec)
}

// disarm drops in-memory timers and the durable end job of sessionID.
func (m *Manager) disarm(ctx context.Context, sessionID string) {
	n := m.sched.CancelAll(sessionID)
	if _, err := m.backend.CancelJobsByDedupeKey(ctx, endJobDedupeKey(sessionID)); err != nil {
		slog.Error("Manager.disarm: cancel end job failed", "sessionID", sessionID, "error", err)
	}
	slog.Debug("Manager.disarm: timers canceled", "sessionID", sessionID, "timers", n)
}

// AbandonActive closes the subject's active session, if any, and cancels its
// timers. It returns the abandoned record or nil.
func (m *Manager) AbandonActive(ctx context.Context, subjectID string) (*models.SessionRecord, error) {
	rec, err := m.backend.GetActiveSessionForSubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load active session: %w: %v", models.ErrPersistenceFailure, err)
	}
	if rec == nil {
		return nil, nil
	}
	if err := m.abandon(ctx, *rec); err != nil {
		return nil, err
	}
	rec.Status = models.SessionStatusAbandoned
	return rec, nil
}

func (m *Manager) abandon(ctx context.Context, rec models.SessionRecord) error {
	closed, err := m.backend.CloseSession(ctx, rec.ID, models.SessionStatusAbandoned, m.opts.Clock().UTC())
	if err != nil {
		return fmt.Errorf("abandon session: %w: %v", models.ErrPersistenceFailure, err)
	}
	m.disarm(ctx, rec.ID)
	if closed {
		slog.Info("Manager.abandon: session abandoned", "sessionID", rec.ID, "subjectID", rec.SubjectID)
	}
	return nil
}

func (m *Manager) ActiveSession(ctx context.Context, subjectID string) (*models.SessionRecord, error) {
	return m.backend.GetActiveSessionForSubject(ctx, subjectID)
}

// IsActive reports whether the durable record of sessionID is still active.
// Unknown sessions are not active.
func (m *Manager) IsActive(ctx context.Context, sessionID string) (bool, error) {
	rec, err := m.backend.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return rec != nil && !rec.Finalized(), nil
}

// Finalize closes sessionID and writes its summary metrics. It is idempotent:
// the second call returns the stored metrics and false.
func (m *Manager) Finalize(ctx context.Context, sessionID string) (*models.AnalysisMetrics, bool, error) {
	rec, err := m.backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, fmt.Errorf("load session: %w: %v", models.ErrPersistenceFailure, err)
	}
	if rec == nil {
		return nil, false, models.ErrSessionNotFound
	}

	closed, err := m.backend.CloseSession(ctx, sessionID, models.SessionStatusFinalized, m.opts.Clock().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("finalize session: %w: %v", models.ErrPersistenceFailure, err)
	}
	m.disarm(ctx, sessionID)
	if !closed {
		metrics, err := m.backend.GetMetrics(ctx, sessionID)
		if err != nil {
			return nil, false, fmt.Errorf("load metrics: %w: %v", models.ErrPersistenceFailure, err)
		}
		return metrics, false, nil
	}

	tally, err := m.backend.GetReadingTally(ctx, sessionID)
	if err != nil {
		return nil, true, fmt.Errorf("load readings: %w: %v", models.ErrPersistenceFailure, err)
	}
	metrics := models.MetricsFromTally(sessionID, tally)
	if err := m.backend.SaveMetrics(ctx, metrics); err != nil {
		return nil, true, fmt.Errorf("save metrics: %w: %v", models.ErrPersistenceFailure, err)
	}
	slog.Info("Manager.Finalize: session finalized", "sessionID", sessionID, "correctPct", metrics.CorrectPct, "alerts", metrics.AlertsSent)
	return &metrics, true, nil
}

// RecordReading stores a device report against the device's active session.
func (m *Manager) RecordReading(ctx context.Context, deviceID string, r models.Reading) (string, error) {
	sessionID := ""
	b, err := m.cache.GetDeviceBinding(ctx, deviceID)
	switch {
	case err == nil:
		sessionID = b.SessionID
	case errors.Is(err, ephemeral.ErrNotFound):
		subj, serr := m.backend.GetSubjectByDevice(ctx, deviceID)
		if serr != nil {
			return "", fmt.Errorf("load subject by device: %w", serr)
		}
		if subj == nil {
			return "", models.ErrSessionNotFound
		}
		rec, serr := m.backend.GetActiveSessionForSubject(ctx, subj.IdentityKey)
		if serr != nil {
			return "", fmt.Errorf("load active session: %w", serr)
		}
		if rec == nil {
			return "", models.ErrSessionNotFound
		}
		sessionID = rec.ID
	default:
		return "", fmt.Errorf("load device binding: %w", err)
	}

	// The binding may outlive its session; the durable record decides.
	active, err := m.IsActive(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("check session: %w", err)
	}
	if !active {
		return "", models.ErrSessionNotFound
	}
	if err := m.backend.AddReading(ctx, sessionID, r); err != nil {
		return "", fmt.Errorf("add reading: %w: %v", models.ErrPersistenceFailure, err)
	}
	slog.Debug("Manager.RecordReading: reading stored", "sessionID", sessionID, "deviceID", deviceID)
	return sessionID, nil
}

// SetAlertThreshold overrides the subject's device threshold once per round.
func (m *Manager) SetAlertThreshold(ctx context.Context, subjectID string, seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("threshold must be positive: %w", models.ErrInvalidInput)
	}
	subj, err := m.backend.GetSubject(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("load subject: %w: %v", models.ErrPersistenceFailure, err)
	}
	if subj == nil {
		return &models.PreconditionError{Missing: models.PreconditionRegistration}
	}
	if subj.DeviceID == "" {
		return &models.PreconditionError{Missing: models.PreconditionDevice}
	}
	current, err := m.backend.GetAlertThreshold(ctx, subj.DeviceID)
	if err != nil {
		return fmt.Errorf("load alert threshold: %w: %v", models.ErrPersistenceFailure, err)
	}
	if current != nil && current.Locked {
		return models.ErrThresholdAlreadyOverriden
	}
	t := models.AlertThreshold{DeviceID: subj.DeviceID, Seconds: seconds, Locked: true, UpdatedAt: m.opts.Clock().UTC()}
	if err := m.backend.SaveAlertThreshold(ctx, t); err != nil {
		return fmt.Errorf("save alert threshold: %w: %v", models.ErrPersistenceFailure, err)
	}
	slog.Info("Manager.SetAlertThreshold: threshold overridden", "deviceID", subj.DeviceID, "seconds", seconds)
	return nil
}

// AlertThreshold returns the threshold in effect for deviceID.
func (m *Manager) AlertThreshold(ctx context.Context, deviceID string) (int, error) {
	t, err := m.backend.GetAlertThreshold(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	if t == nil {
		return m.opts.DefaultAlertThreshold, nil
	}
	return t.Seconds, nil
}

// Calibrate marks the subject's device as calibrated.
func (m *Manager) Calibrate(ctx context.Context, subjectID string) error {
	subj, err := m.backend.GetSubject(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("load subject: %w: %v", models.ErrPersistenceFailure, err)
	}
	if subj == nil {
		return &models.PreconditionError{Missing: models.PreconditionRegistration}
	}
	if subj.DeviceID == "" {
		return &models.PreconditionError{Missing: models.PreconditionDevice}
	}
	if err := m.backend.SetCalibrated(ctx, subjectID, true); err != nil {
		return fmt.Errorf("set calibrated: %w: %v", models.ErrPersistenceFailure, err)
	}
	slog.Info("Manager.Calibrate: device calibrated", "subjectID", subjectID, "deviceID", subj.DeviceID)
	return nil
}

// CalibrateDevice marks the owner of deviceID as calibrated. Devices report
// calibration through the HTTP API.
func (m *Manager) CalibrateDevice(ctx context.Context, deviceID string) (string, error) {
	subj, err := m.backend.GetSubjectByDevice(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("load subject by device: %w", err)
	}
	if subj == nil {
		return "", models.ErrSubjectNotFound
	}
	return subj.IdentityKey, m.Calibrate(ctx, subj.IdentityKey)
}
