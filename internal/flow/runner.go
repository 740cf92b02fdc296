package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/analysis"
	"github.com/BTreeMap/NexusCoach/internal/ephemeral"
	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/quota"
	"github.com/BTreeMap/NexusCoach/internal/session"
	"github.com/BTreeMap/NexusCoach/internal/store"
	"github.com/BTreeMap/NexusCoach/internal/util"
)

// maxStepsPerInput bounds the callback chain of a single input.
const maxStepsPerInput = 16

// DefaultImageTTL bounds how long a photo may wait for its analysis.
const DefaultImageTTL = 15 * time.Minute

// Sender delivers replies. messaging.Service satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error
}

// SessionManager is the part of session.Manager the runner drives.
type SessionManager interface {
	OpenSession(ctx context.Context, subjectID, chatID string, duration time.Duration, mode models.SessionMode) (*session.Handoff, error)
	Arm(ctx context.Context, rec models.SessionRecord) error
	AbandonActive(ctx context.Context, subjectID string) (*models.SessionRecord, error)
	ActiveSession(ctx context.Context, subjectID string) (*models.SessionRecord, error)
	IsActive(ctx context.Context, sessionID string) (bool, error)
	Finalize(ctx context.Context, sessionID string) (*models.AnalysisMetrics, bool, error)
	SetAlertThreshold(ctx context.Context, subjectID string, seconds int) error
	Calibrate(ctx context.Context, subjectID string) error
}

// Deps are the collaborators a Runner performs effects against.
type Deps struct {
	Conversations store.ConversationStore
	Subjects      store.SubjectStore
	Quota         *quota.Tracker
	Limits        quota.Limits
	Images        ephemeral.Store
	Gateway       analysis.Gateway
	Sessions      SessionManager
	Sender        Sender
	ImageTTL      time.Duration
}

// Runner serializes events per conversation and executes engine effects.
type Runner struct {
	engine *Engine
	deps   Deps
	locks  *util.KeyedMutex
}

var _ session.Notifier = (*Runner)(nil)

// NewRunner creates a Runner.
func NewRunner(engine *Engine, deps Deps) *Runner {
	if deps.ImageTTL <= 0 {
		deps.ImageTTL = DefaultImageTTL
	}
	return &Runner{engine: engine, deps: deps, locks: util.NewKeyedMutex()}
}

// HandleMessage processes one inbound message for its conversation.
func (r *Runner) HandleMessage(ctx context.Context, msg models.IncomingMessage) error {
	ev := Normalize(msg)
	slog.Debug("Runner.HandleMessage: normalized", "from", msg.From, "kind", ev.Kind, "token", ev.Token)
	return r.Dispatch(ctx, msg.Key(), ev)
}

// SessionReminder delivers a reminder firing to the session owner's conversation.
func (r *Runner) SessionReminder(ctx context.Context, rec models.SessionRecord) {
	if err := r.Dispatch(ctx, rec.ConversationKey(), Event{Kind: EventReminderTick, SessionID: rec.ID}); err != nil {
		slog.Error("Runner.SessionReminder: dispatch failed", "sessionID", rec.ID, "error", err)
	}
}

// SessionEnded delivers an end firing to the session owner's conversation.
func (r *Runner) SessionEnded(ctx context.Context, rec models.SessionRecord) {
	if err := r.Dispatch(ctx, rec.ConversationKey(), Event{Kind: EventSessionEnded, SessionID: rec.ID}); err != nil {
		slog.Error("Runner.SessionEnded: dispatch failed", "sessionID", rec.ID, "error", err)
	}
}

// Dispatch runs ev and every callback it causes under the key's lock, then
// saves the conversation once.
func (r *Runner) Dispatch(ctx context.Context, key models.ConversationKey, ev Event) error {
	unlock := r.locks.Lock(key.String())
	defer unlock()

	stored, err := r.deps.Conversations.GetConversation(ctx, key)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", key, err)
	}
	conv := models.NewConversation(key)
	if stored != nil {
		conv = *stored
	}
	before := conv.State

	queue := []Event{ev}
	for steps := 0; len(queue) > 0; steps++ {
		if steps >= maxStepsPerInput {
			slog.Error("Runner.Dispatch: callback chain too long, dropping", "key", key.String(), "pending", len(queue))
			break
		}
		cur := queue[0]
		queue = queue[1:]

		var effects []Effect
		conv, effects = r.engine.Transition(conv, cur)
		for _, eff := range effects {
			if follow := r.apply(ctx, conv, eff); follow != nil {
				queue = append(queue, *follow)
			}
		}
	}

	conv.UpdatedAt = time.Now().UTC()
	if err := r.deps.Conversations.SaveConversation(ctx, conv); err != nil {
		slog.Error("Runner.Dispatch: save failed", "key", key.String(), "error", err)
		return fmt.Errorf("save conversation %s: %w: %v", key, models.ErrPersistenceFailure, err)
	}
	if before != conv.State {
		slog.Info("Runner.Dispatch: state changed", "key", key.String(), "from", before.String(), "to", conv.State.String())
	}
	return nil
}

// apply performs one effect and returns the callback event it produces, if any.
func (r *Runner) apply(ctx context.Context, conv models.Conversation, eff Effect) *Event {
	userID, chatID := conv.Key.UserID, conv.Key.ChatID

	switch e := eff.(type) {
	case SendMessage:
		r.send(ctx, chatID, e.Msg)
		return nil

	case StoreImage:
		err := r.deps.Images.PutImage(ctx, e.Ref, e.Image.Data, r.deps.ImageTTL)
		if err != nil {
			slog.Error("Runner.apply: store image failed", "ref", e.Ref, "error", err)
			err = fmt.Errorf("store image: %w: %v", models.ErrPersistenceFailure, err)
		}
		return &Event{Kind: EventImageStored, Err: err}

	case DiscardImage:
		if err := r.deps.Images.DeleteImage(ctx, e.Ref); err != nil {
			slog.Warn("Runner.apply: discard image failed", "ref", e.Ref, "error", err)
		}
		return nil

	case InvokeQuotaCheck:
		plan, err := r.plan(ctx, userID, e.Purpose, e.ActionKey)
		if err != nil {
			return &Event{Kind: EventQuotaResult, Purpose: e.Purpose, Err: err}
		}
		var d quota.Decision
		if e.Reserve {
			d, err = r.deps.Quota.ReservePlan(ctx, userID, plan)
		} else {
			d, err = r.deps.Quota.PeekPlan(ctx, userID, plan)
		}
		if err != nil {
			slog.Error("Runner.apply: quota check failed", "userID", userID, "purpose", e.Purpose, "error", err)
		} else if !d.Allowed {
			slog.Info("Runner.apply: quota denied", "userID", userID, "purpose", e.Purpose, "key", d.Key, "reason", d.Reason)
		}
		return &Event{Kind: EventQuotaResult, Purpose: e.Purpose, Decision: d, Err: err}

	case ReleaseQuota:
		plan, err := r.plan(ctx, userID, e.Purpose, "")
		if err == nil {
			err = r.deps.Quota.ReleasePlan(ctx, userID, plan)
		}
		if err != nil {
			slog.Error("Runner.apply: quota release failed", "userID", userID, "purpose", e.Purpose, "error", err)
		}
		return nil

	case InvokeAnalysisGateway:
		data, err := r.deps.Images.GetImage(ctx, e.ImageRef)
		if err != nil {
			slog.Error("Runner.apply: load image failed", "ref", e.ImageRef, "error", err)
			return &Event{Kind: EventAnalysisResult, Err: fmt.Errorf("load image: %w: %v", models.ErrPersistenceFailure, err)}
		}
		res, err := r.deps.Gateway.Analyze(ctx, analysis.Request{
			Image:    data,
			MIMEType: e.MIMEType,
			Exercise: e.Exercise,
			Side:     e.Side,
			UserID:   userID,
		})
		if err != nil {
			slog.Error("Runner.apply: analysis failed", "userID", userID, "exercise", e.Exercise, "error", err)
		} else {
			slog.Info("Runner.apply: analysis done", "userID", userID, "exercise", e.Exercise, "score", res.Score, "mismatch", res.Mismatch)
		}
		return &Event{Kind: EventAnalysisResult, Result: res, Err: err}

	case PersistSubject:
		created, err := r.deps.Subjects.UpsertSubject(ctx, e.Subject)
		if errors.Is(err, models.ErrDeviceTaken) {
			slog.Warn("Runner.apply: device already registered", "userID", userID, "deviceID", e.Subject.DeviceID)
		} else if err != nil {
			slog.Error("Runner.apply: upsert subject failed", "userID", userID, "error", err)
			err = fmt.Errorf("upsert subject: %w: %v", models.ErrPersistenceFailure, err)
		}
		return &Event{Kind: EventPersistResult, Target: PersistTargetSubject, Created: created, Err: err}

	case PersistCalibration:
		err := r.deps.Sessions.Calibrate(ctx, userID)
		return &Event{Kind: EventPersistResult, Target: PersistTargetCalibration, Err: err}

	case PersistThreshold:
		err := r.deps.Sessions.SetAlertThreshold(ctx, userID, e.Seconds)
		return &Event{Kind: EventPersistResult, Target: PersistTargetThreshold, Err: err}

	case CreateSessionRecord:
		h, err := r.deps.Sessions.OpenSession(ctx, userID, chatID, time.Duration(e.Minutes)*time.Minute, e.Mode)
		if err != nil {
			slog.Warn("Runner.apply: open session failed", "userID", userID, "error", err)
			return &Event{Kind: EventSessionFailed, Err: err}
		}
		return &Event{Kind: EventSessionOpened, Handoff: h}

	case ScheduleSession:
		if err := r.deps.Sessions.Arm(ctx, e.Record); err != nil {
			slog.Error("Runner.apply: arm session failed", "sessionID", e.Record.ID, "error", err)
		}
		return nil

	case AbandonSession:
		if _, err := r.deps.Sessions.AbandonActive(ctx, userID); err != nil {
			slog.Error("Runner.apply: abandon session failed", "userID", userID, "error", err)
		}
		return nil

	case SendReminder:
		active, err := r.deps.Sessions.IsActive(ctx, e.SessionID)
		if err != nil {
			slog.Error("Runner.apply: session status check failed", "sessionID", e.SessionID, "error", err)
			return nil
		}
		if !active {
			slog.Debug("Runner.apply: reminder for closed session ignored", "sessionID", e.SessionID)
			return nil
		}
		r.send(ctx, chatID, e.Msg)
		return nil

	case FinalizeSession:
		id := e.SessionID
		if id == "" {
			rec, err := r.deps.Sessions.ActiveSession(ctx, userID)
			if err != nil {
				return &Event{Kind: EventSessionFinalized, FromTimer: e.FromTimer, Err: fmt.Errorf("%w: %v", models.ErrPersistenceFailure, err)}
			}
			if rec == nil {
				return &Event{Kind: EventSessionFinalized, FromTimer: e.FromTimer, Err: models.ErrSessionNotFound}
			}
			id = rec.ID
		}
		metrics, closed, err := r.deps.Sessions.Finalize(ctx, id)
		if err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			slog.Error("Runner.apply: finalize failed", "sessionID", id, "error", err)
		}
		return &Event{Kind: EventSessionFinalized, SessionID: id, Metrics: metrics, Closed: closed, FromTimer: e.FromTimer, Err: err}

	default:
		slog.Error("Runner.apply: unknown effect", "type", fmt.Sprintf("%T", eff))
		return nil
	}
}

func (r *Runner) send(ctx context.Context, to string, msg models.OutgoingMessage) {
	if err := r.deps.Sender.SendMessage(ctx, to, msg); err != nil {
		slog.Error("Runner.send: delivery failed", "to", to, "error", err)
	}
}

// plan resolves the quota rules behind a purpose for userID's tier.
func (r *Runner) plan(ctx context.Context, userID string, purpose QuotaPurpose, actionKey string) (quota.Plan, error) {
	if purpose == QuotaMenuAction {
		return quota.Plan{{Key: actionKey, Policy: quota.OneShot()}}, nil
	}
	tier := models.TierFree
	subj, err := r.deps.Subjects.GetSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w: %v", models.ErrPersistenceFailure, err)
	}
	if subj != nil && subj.Tier != "" {
		tier = subj.Tier
	}
	return r.deps.Limits.AnalysisPlan(tier), nil
}
