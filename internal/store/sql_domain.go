package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/models"
)

// sqlDomain implements the domain tables on top of database/sql. SQLite and
// Postgres share the statements; only placeholder syntax differs.
type sqlDomain struct {
	db       *sql.DB
	name     string
	postgres bool
}

// q rewrites ? placeholders to $n for Postgres.
func (d *sqlDomain) q(query string) string {
	if !d.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *sqlDomain) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *sqlDomain) GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	var stateJSON, scratchJSON string
	conv := models.Conversation{Key: key}
	err := d.db.QueryRowContext(ctx,
		d.q(`SELECT state_json, scratch_json, updated_at FROM conversations WHERE user_id = ? AND chat_id = ?`),
		key.UserID, key.ChatID,
	).Scan(&stateJSON, &scratchJSON, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(d.name+".GetConversation failed", "error", err, "key", key.String())
		return nil, fmt.Errorf("get conversation %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &conv.State); err != nil {
		return nil, fmt.Errorf("decode conversation state %s: %w", key, err)
	}
	if scratchJSON != "" {
		if err := json.Unmarshal([]byte(scratchJSON), &conv.Scratch); err != nil {
			return nil, fmt.Errorf("decode conversation scratch %s: %w", key, err)
		}
	}
	return &conv, nil
}

func (d *sqlDomain) SaveConversation(ctx context.Context, conv models.Conversation) error {
	stateJSON, err := json.Marshal(conv.State)
	if err != nil {
		return fmt.Errorf("encode conversation state: %w", err)
	}
	scratchJSON, err := json.Marshal(conv.Scratch)
	if err != nil {
		return fmt.Errorf("encode conversation scratch: %w", err)
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = time.Now()
	}
	_, err = d.db.ExecContext(ctx, d.q(`
		INSERT INTO conversations (user_id, chat_id, state_json, scratch_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, chat_id) DO UPDATE SET
		  state_json = excluded.state_json,
		  scratch_json = excluded.scratch_json,
		  updated_at = excluded.updated_at`),
		conv.Key.UserID, conv.Key.ChatID, string(stateJSON), string(scratchJSON), conv.UpdatedAt,
	)
	if err != nil {
		slog.Error(d.name+".SaveConversation failed", "error", err, "key", conv.Key.String())
		return fmt.Errorf("save conversation %s: %w", conv.Key, err)
	}
	slog.Debug(d.name+".SaveConversation succeeded", "key", conv.Key.String(), "state", conv.State.String())
	return nil
}

func (d *sqlDomain) DeleteConversation(ctx context.Context, key models.ConversationKey) error {
	_, err := d.db.ExecContext(ctx, d.q(`DELETE FROM conversations WHERE user_id = ? AND chat_id = ?`), key.UserID, key.ChatID)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", key, err)
	}
	return nil
}

const subjectColumns = `identity_key, name, age, tier, device_id, calibrated, created_at, updated_at`

func scanSubject(row rowScanner) (*models.Subject, error) {
	var s models.Subject
	var tier string
	if err := row.Scan(&s.IdentityKey, &s.Name, &s.Age, &tier, &s.DeviceID, &s.Calibrated, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Tier = models.Tier(tier)
	return &s, nil
}

func (d *sqlDomain) GetSubject(ctx context.Context, identityKey string) (*models.Subject, error) {
	s, err := scanSubject(d.db.QueryRowContext(ctx,
		d.q(`SELECT `+subjectColumns+` FROM subjects WHERE identity_key = ?`), identityKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subject %s: %w", identityKey, err)
	}
	return s, nil
}

func (d *sqlDomain) GetSubjectByDevice(ctx context.Context, deviceID string) (*models.Subject, error) {
	s, err := scanSubject(d.db.QueryRowContext(ctx,
		d.q(`SELECT `+subjectColumns+` FROM subjects WHERE device_id = ? ORDER BY updated_at DESC LIMIT 1`), deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subject by device %s: %w", deviceID, err)
	}
	return s, nil
}

func (d *sqlDomain) UpsertSubject(ctx context.Context, s models.Subject) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("upsert subject begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, d.q(`SELECT created_at FROM subjects WHERE identity_key = ?`), s.IdentityKey).Scan(&createdAt)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, fmt.Errorf("upsert subject lookup: %w", err)
	}
	if s.DeviceID != "" {
		var owner string
		err = tx.QueryRowContext(ctx, d.q(`SELECT identity_key FROM subjects WHERE device_id = ? AND identity_key <> ?`),
			s.DeviceID, s.IdentityKey).Scan(&owner)
		if err == nil {
			return false, models.ErrDeviceTaken
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("upsert subject device lookup: %w", err)
		}
	}

	if created {
		_, err = tx.ExecContext(ctx, d.q(`
			INSERT INTO subjects (`+subjectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			s.IdentityKey, s.Name, s.Age, string(s.Tier), s.DeviceID, s.Calibrated, now, now)
	} else {
		// Re-registration keeps the calibration flag unless the device changed.
		_, err = tx.ExecContext(ctx, d.q(`
			UPDATE subjects SET name = ?, age = ?, tier = ?,
			  calibrated = CASE WHEN device_id = ? THEN calibrated ELSE ? END,
			  device_id = ?, updated_at = ?
			WHERE identity_key = ?`),
			s.Name, s.Age, string(s.Tier), s.DeviceID, s.Calibrated, s.DeviceID, now, s.IdentityKey)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return false, models.ErrDeviceTaken
		}
		slog.Error(d.name+".UpsertSubject failed", "error", err, "identity", s.IdentityKey)
		return false, fmt.Errorf("upsert subject %s: %w", s.IdentityKey, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("upsert subject commit: %w", err)
	}
	slog.Debug(d.name+".UpsertSubject succeeded", "identity", s.IdentityKey, "created", created)
	return created, nil
}

func (d *sqlDomain) SetCalibrated(ctx context.Context, identityKey string, calibrated bool) error {
	res, err := d.db.ExecContext(ctx, d.q(`UPDATE subjects SET calibrated = ?, updated_at = ? WHERE identity_key = ?`),
		calibrated, time.Now(), identityKey)
	if err != nil {
		return fmt.Errorf("set calibrated %s: %w", identityKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSubjectNotFound
	}
	return nil
}

func (d *sqlDomain) GetLedgerEntry(ctx context.Context, userID, actionKey string) (*models.LedgerEntry, error) {
	e := models.LedgerEntry{UserID: userID, ActionKey: actionKey}
	err := d.db.QueryRowContext(ctx,
		d.q(`SELECT used, count, reset_date, updated_at FROM quota_ledger WHERE user_id = ? AND action_key = ?`),
		userID, actionKey,
	).Scan(&e.Used, &e.Count, &e.ResetDate, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %s/%s: %w", userID, actionKey, err)
	}
	return &e, nil
}

func (d *sqlDomain) SaveLedgerEntry(ctx context.Context, e models.LedgerEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO quota_ledger (user_id, action_key, used, count, reset_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, action_key) DO UPDATE SET
		  used = excluded.used,
		  count = excluded.count,
		  reset_date = excluded.reset_date,
		  updated_at = excluded.updated_at`),
		e.UserID, e.ActionKey, e.Used, e.Count, e.ResetDate, e.UpdatedAt,
	)
	if err != nil {
		slog.Error(d.name+".SaveLedgerEntry failed", "error", err, "user", e.UserID, "action", e.ActionKey)
		return fmt.Errorf("save ledger entry %s/%s: %w", e.UserID, e.ActionKey, err)
	}
	return nil
}

const sessionColumns = `id, subject_id, chat_id, device_id, interval_seconds, mode, status, created_at, ends_at, finalized_at`

func scanSession(row rowScanner) (models.SessionRecord, error) {
	var rec models.SessionRecord
	var mode, status string
	var finalizedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.ChatID, &rec.DeviceID, &rec.IntervalSeconds,
		&mode, &status, &rec.CreatedAt, &rec.EndsAt, &finalizedAt)
	if err != nil {
		return rec, err
	}
	rec.Mode = models.SessionMode(mode)
	rec.Status = models.SessionStatus(status)
	if finalizedAt.Valid {
		rec.FinalizedAt = &finalizedAt.Time
	}
	return rec, nil
}

func (d *sqlDomain) CreateSession(ctx context.Context, rec models.SessionRecord) error {
	if rec.Status == "" {
		rec.Status = models.SessionStatusActive
	}
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO sessions (id, subject_id, chat_id, device_id, interval_seconds, mode, status, created_at, ends_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.SubjectID, rec.ChatID, rec.DeviceID, rec.IntervalSeconds, string(rec.Mode), string(rec.Status),
		rec.CreatedAt, rec.EndsAt,
	)
	if err != nil {
		slog.Error(d.name+".CreateSession failed", "error", err, "sessionID", rec.ID)
		return fmt.Errorf("create session %s: %w", rec.ID, err)
	}
	slog.Debug(d.name+".CreateSession succeeded", "sessionID", rec.ID, "subject", rec.SubjectID)
	return nil
}

func (d *sqlDomain) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	rec, err := scanSession(d.db.QueryRowContext(ctx, d.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &rec, nil
}

func (d *sqlDomain) DeleteSession(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, d.q(`DELETE FROM sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (d *sqlDomain) CloseSession(ctx context.Context, id string, status models.SessionStatus, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		d.q(`UPDATE sessions SET status = ?, finalized_at = ? WHERE id = ? AND status = 'active'`),
		string(status), at, id)
	if err != nil {
		return false, fmt.Errorf("close session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (d *sqlDomain) GetActiveSessionForSubject(ctx context.Context, subjectID string) (*models.SessionRecord, error) {
	rec, err := scanSession(d.db.QueryRowContext(ctx,
		d.q(`SELECT `+sessionColumns+` FROM sessions WHERE subject_id = ? AND status = 'active' ORDER BY created_at DESC LIMIT 1`),
		subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session for %s: %w", subjectID, err)
	}
	return &rec, nil
}

func (d *sqlDomain) ListActiveSessions(ctx context.Context) ([]models.SessionRecord, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (d *sqlDomain) AddReading(ctx context.Context, sessionID string, r models.Reading) error {
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO session_readings (session_id, correct_seconds, incorrect_seconds, seated_seconds, standing_seconds, alerts, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sessionID, r.CorrectSeconds, r.IncorrectSeconds, r.SeatedSeconds, r.StandingSeconds, r.Alerts, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("add reading for %s: %w", sessionID, err)
	}
	return nil
}

func (d *sqlDomain) GetReadingTally(ctx context.Context, sessionID string) (models.Reading, error) {
	var t models.Reading
	err := d.db.QueryRowContext(ctx, d.q(`
		SELECT COALESCE(SUM(correct_seconds), 0), COALESCE(SUM(incorrect_seconds), 0),
		       COALESCE(SUM(seated_seconds), 0), COALESCE(SUM(standing_seconds), 0),
		       COALESCE(SUM(alerts), 0)
		FROM session_readings WHERE session_id = ?`), sessionID,
	).Scan(&t.CorrectSeconds, &t.IncorrectSeconds, &t.SeatedSeconds, &t.StandingSeconds, &t.Alerts)
	if err != nil {
		return t, fmt.Errorf("tally readings for %s: %w", sessionID, err)
	}
	return t, nil
}

func (d *sqlDomain) SaveMetrics(ctx context.Context, m models.AnalysisMetrics) error {
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO session_metrics (session_id, correct_pct, incorrect_pct, seated_time, standing_time, alerts_sent)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
		  correct_pct = excluded.correct_pct,
		  incorrect_pct = excluded.incorrect_pct,
		  seated_time = excluded.seated_time,
		  standing_time = excluded.standing_time,
		  alerts_sent = excluded.alerts_sent`),
		m.SessionID, m.CorrectPct, m.IncorrectPct, m.SeatedTime, m.StandingTime, m.AlertsSent,
	)
	if err != nil {
		return fmt.Errorf("save metrics for %s: %w", m.SessionID, err)
	}
	return nil
}

func (d *sqlDomain) GetMetrics(ctx context.Context, sessionID string) (*models.AnalysisMetrics, error) {
	m := models.AnalysisMetrics{SessionID: sessionID}
	err := d.db.QueryRowContext(ctx, d.q(`
		SELECT correct_pct, incorrect_pct, seated_time, standing_time, alerts_sent
		FROM session_metrics WHERE session_id = ?`), sessionID,
	).Scan(&m.CorrectPct, &m.IncorrectPct, &m.SeatedTime, &m.StandingTime, &m.AlertsSent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get metrics for %s: %w", sessionID, err)
	}
	return &m, nil
}

func (d *sqlDomain) GetAlertThreshold(ctx context.Context, deviceID string) (*models.AlertThreshold, error) {
	t := models.AlertThreshold{DeviceID: deviceID}
	err := d.db.QueryRowContext(ctx,
		d.q(`SELECT seconds, locked, updated_at FROM alert_thresholds WHERE device_id = ?`), deviceID,
	).Scan(&t.Seconds, &t.Locked, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert threshold %s: %w", deviceID, err)
	}
	return &t, nil
}

func (d *sqlDomain) SaveAlertThreshold(ctx context.Context, t models.AlertThreshold) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx, d.q(`
		INSERT INTO alert_thresholds (device_id, seconds, locked, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
		  seconds = excluded.seconds,
		  locked = excluded.locked,
		  updated_at = excluded.updated_at`),
		t.DeviceID, t.Seconds, t.Locked, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save alert threshold %s: %w", t.DeviceID, err)
	}
	return nil
}
