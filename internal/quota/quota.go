// Package quota enforces per-user attempt limits.
//
// A Tracker owns every mutation of the attempt ledger. Policies are passed in
// by the caller so the same tracker serves one-shot flags and daily-bounded
// counters for any subject class.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
	"github.com/BTreeMap/NexusCoach/internal/store"
	"github.com/BTreeMap/NexusCoach/internal/util"
)

// Action keys recorded in the ledger.
const (
	ActionFreeTrial       = "free_trial"
	ActionProprioAnalysis = "proprio_analysis"
)

// MenuActionKey returns the one-shot ledger key of a main-menu option.
func MenuActionKey(choice string) string {
	return "menu_" + choice
}

// PolicyKind selects how a ledger entry is evaluated.
type PolicyKind int

const (
	KindOneShot PolicyKind = iota
	KindDaily
)

// Policy is a limit applied to one action key.
type Policy struct {
	Kind PolicyKind
	Max  int
}

// OneShot allows an action once for the lifetime of the ledger.
func OneShot() Policy { return Policy{Kind: KindOneShot} }

// Daily allows an action up to max times per calendar day.
func Daily(max int) Policy { return Policy{Kind: KindDaily, Max: max} }

// Rule binds a policy to a ledger key.
type Rule struct {
	Key    string
	Policy Policy
}

// Plan is an ordered list of rules reserved all-or-nothing.
type Plan []Rule

// Denial reasons.
const (
	ReasonAlreadyUsed = "already_used"
	ReasonDailyLimit  = "daily_limit"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	// Key and Reason identify the first rule that denied the request.
	Key    string
	Reason string
}

// Limits holds the configured daily maximums per subject class.
// Free analyses also spend the one-shot trial, so FreeDailyMax only acts as a
// switch (0 disables free analyses); the daily counter is shared with the
// privileged tier, so an analysis made before enrolling counts toward that day.
type Limits struct {
	FreeDailyMax       int
	PrivilegedDailyMax int
}

// DefaultLimits returns free-tier 1 and privileged-tier 5.
func DefaultLimits() Limits {
	return Limits{FreeDailyMax: 1, PrivilegedDailyMax: 5}
}

// AnalysisPlan returns the rules a photo analysis must satisfy for tier.
// Free subjects also spend their one-shot trial.
func (l Limits) AnalysisPlan(tier models.Tier) Plan {
	if tier == models.TierAlumni {
		return Plan{{Key: ActionProprioAnalysis, Policy: Daily(l.PrivilegedDailyMax)}}
	}
	return Plan{
		{Key: ActionFreeTrial, Policy: OneShot()},
		{Key: ActionProprioAnalysis, Policy: Daily(l.FreeDailyMax)},
	}
}

// Opts configures a Tracker.
type Opts struct {
	Location *time.Location
	Clock    func() time.Time
}

// Option configures a Tracker.
type Option func(*Opts)

// WithLocation sets the time zone used to compute the current date.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Tracker evaluates and reserves attempts. Check and reserve for one user run
// under that user's lock, so concurrent messages never both see an unset flag.
type Tracker struct {
	ledger store.LedgerStore
	locks  *util.KeyedMutex
	loc    *time.Location
	clock  func() time.Time
}

// NewTracker creates a Tracker over ledger.
func NewTracker(ledger store.LedgerStore, opts ...Option) *Tracker {
	cfg := Opts{Location: time.Local, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Tracker{ledger: ledger, locks: util.NewKeyedMutex(), loc: cfg.Location, clock: cfg.Clock}
}

func (t *Tracker) today() string {
	return t.clock().In(t.loc).Format(time.DateOnly)
}

// CheckAndReserve checks a single action and reserves it when allowed.
func (t *Tracker) CheckAndReserve(ctx context.Context, userID, actionKey string, p Policy) (Decision, error) {
	return t.ReservePlan(ctx, userID, Plan{{Key: actionKey, Policy: p}})
}

// PeekPlan evaluates plan without mutating the ledger.
func (t *Tracker) PeekPlan(ctx context.Context, userID string, plan Plan) (Decision, error) {
	unlock := t.locks.Lock(userID)
	defer unlock()
	_, d, err := t.evaluate(ctx, userID, plan)
	return d, err
}

// ReservePlan evaluates every rule and, only if all allow, reserves them all.
func (t *Tracker) ReservePlan(ctx context.Context, userID string, plan Plan) (Decision, error) {
	unlock := t.locks.Lock(userID)
	defer unlock()

	entries, d, err := t.evaluate(ctx, userID, plan)
	if err != nil || !d.Allowed {
		if err == nil {
			slog.Info("Tracker.ReservePlan: denied", "user", userID, "key", d.Key, "reason", d.Reason)
		}
		return d, err
	}

	today := t.today()
	now := t.clock()
	written := make([]models.LedgerEntry, 0, len(plan))
	for i, rule := range plan {
		prev := entries[i]
		next := prev
		next.UpdatedAt = now
		switch rule.Policy.Kind {
		case KindOneShot:
			next.Used = true
		case KindDaily:
			if next.ResetDate != today {
				next.ResetDate = today
				next.Count = 0
			}
			next.Count++
		}
		if err := t.ledger.SaveLedgerEntry(ctx, next); err != nil {
			t.restore(ctx, written)
			return Decision{}, fmt.Errorf("reserve %s: %w: %v", rule.Key, models.ErrPersistenceFailure, err)
		}
		written = append(written, prev)
	}
	slog.Debug("Tracker.ReservePlan: reserved", "user", userID, "rules", len(plan))
	return Decision{Allowed: true}, nil
}

// restore rewrites the previous values of entries already saved by a failed reservation.
func (t *Tracker) restore(ctx context.Context, written []models.LedgerEntry) {
	for _, prev := range written {
		if err := t.ledger.SaveLedgerEntry(ctx, prev); err != nil {
			slog.Error("Tracker.restore: failed to roll back ledger entry", "user", prev.UserID, "key", prev.ActionKey, "error", err)
		}
	}
}

// ReleasePlan refunds a reservation whose downstream call did not produce a result.
func (t *Tracker) ReleasePlan(ctx context.Context, userID string, plan Plan) error {
	unlock := t.locks.Lock(userID)
	defer unlock()

	today := t.today()
	for _, rule := range plan {
		e, err := t.ledger.GetLedgerEntry(ctx, userID, rule.Key)
		if err != nil {
			return fmt.Errorf("release %s: %w: %v", rule.Key, models.ErrPersistenceFailure, err)
		}
		if e == nil {
			continue
		}
		switch rule.Policy.Kind {
		case KindOneShot:
			e.Used = false
		case KindDaily:
			// A reservation from a previous day already expired.
			if e.ResetDate != today || e.Count == 0 {
				continue
			}
			e.Count--
		}
		e.UpdatedAt = t.clock()
		if err := t.ledger.SaveLedgerEntry(ctx, *e); err != nil {
			return fmt.Errorf("release %s: %w: %v", rule.Key, models.ErrPersistenceFailure, err)
		}
	}
	slog.Debug("Tracker.ReleasePlan: released", "user", userID, "rules", len(plan))
	return nil
}

// evaluate loads the entries for plan and returns the first denial, if any.
// Missing entries are returned zero-valued with their keys filled in.
func (t *Tracker) evaluate(ctx context.Context, userID string, plan Plan) ([]models.LedgerEntry, Decision, error) {
	today := t.today()
	entries := make([]models.LedgerEntry, len(plan))
	for i, rule := range plan {
		e, err := t.ledger.GetLedgerEntry(ctx, userID, rule.Key)
		if err != nil {
			return nil, Decision{}, fmt.Errorf("load ledger %s: %w: %v", rule.Key, models.ErrPersistenceFailure, err)
		}
		if e == nil {
			e = &models.LedgerEntry{UserID: userID, ActionKey: rule.Key}
		}
		entries[i] = *e

		switch rule.Policy.Kind {
		case KindOneShot:
			if e.Used {
				return entries, Decision{Key: rule.Key, Reason: ReasonAlreadyUsed}, nil
			}
		case KindDaily:
			count := e.Count
			if e.ResetDate != today {
				count = 0
			}
			if count >= rule.Policy.Max {
				return entries, Decision{Key: rule.Key, Reason: ReasonDailyLimit}, nil
			}
		}
	}
	return entries, Decision{Allowed: true}, nil
}
