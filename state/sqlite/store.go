// Package sqlite provides a SQLite-backed core.StateStore and
// core.IdempotencyStore. The database runs in WAL mode so several worker
// processes can share one file; compare-and-swap updates are single
// statements guarded by the version column.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/skillmesh/core"
	"github.com/hupe1980/skillmesh/state"
	"github.com/hupe1980/skillmesh/state/sqlite/migrations"
)

var (
	_ core.StateStore       = (*Store)(nil)
	_ core.IdempotencyStore = (*Store)(nil)
)

// Store provides SQLite-backed state, event, fact, step and idempotency persistence.
type Store struct {
	sqlDB *sql.DB
	opts  state.Options
}

// Open opens a SQLite store at path and applies migrations.
func Open(path string, optFns ...func(o *state.Options)) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer per process; other processes wait on the busy timeout
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, opts: state.Apply(optFns...)}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetContextState implements core.StateStore.
func (s *Store) GetContextState(ctx context.Context, correlationID string) (*core.ContextState, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT correlation_id, skill, turn, task_state, version, pending_input, resume_token, created_at, updated_at
FROM context_states
WHERE correlation_id = ?
`, correlationID)

	var (
		cs        core.ContextState
		taskState string
		pending   sql.NullString
		created   int64
		updated   int64
	)
	if err := row.Scan(&cs.CorrelationID, &cs.Skill, &cs.Turn, &taskState, &cs.Version, &pending, &cs.ResumeToken, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("context state %s: %w", correlationID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("get context state: %w", err)
	}
	cs.TaskState = core.TaskState(taskState)
	p, err := decodeMap(pending)
	if err != nil {
		return nil, fmt.Errorf("decode pending input: %w", err)
	}
	cs.PendingInput = p
	cs.CreatedAt = fromMillis(created)
	cs.UpdatedAt = fromMillis(updated)
	return &cs, nil
}

// CreateContextState implements core.StateStore.
func (s *Store) CreateContextState(ctx context.Context, cs core.ContextState) (*core.ContextState, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	pending, err := encodeJSON(cs.PendingInput)
	if err != nil {
		return nil, fmt.Errorf("encode pending input: %w", err)
	}
	now := s.opts.Now().UTC()
	out := cs.Clone()
	out.Version = 1
	out.ResumeToken = s.opts.IssueToken(cs.TaskState)
	out.CreatedAt = time.UnixMilli(millis(now)).UTC()
	out.UpdatedAt = out.CreatedAt

	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO context_states (correlation_id, skill, turn, task_state, version, pending_input, resume_token, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (correlation_id) DO NOTHING
`, out.CorrelationID, out.Skill, out.Turn, string(out.TaskState), out.Version, pending, out.ResumeToken, millis(now), millis(now))
	if err != nil {
		return nil, fmt.Errorf("create context state: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("create context state: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("context state %s: %w", cs.CorrelationID, core.ErrAlreadyExists)
	}
	return out, nil
}

// CompareAndSwapContextState implements core.StateStore with a single
// UPDATE guarded by the version column.
func (s *Store) CompareAndSwapContextState(ctx context.Context, cs core.ContextState, expectedVersion int64) (*core.ContextState, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	pending, err := encodeJSON(cs.PendingInput)
	if err != nil {
		return nil, fmt.Errorf("encode pending input: %w", err)
	}
	now := s.opts.Now()
	token := s.opts.IssueToken(cs.TaskState)

	var (
		version int64
		created int64
	)
	err = s.sqlDB.QueryRowContext(ctx, `
UPDATE context_states
SET skill = ?, turn = ?, task_state = ?, pending_input = ?, resume_token = ?, updated_at = ?, version = version + 1
WHERE correlation_id = ? AND version = ?
RETURNING version, created_at
`, cs.Skill, cs.Turn, string(cs.TaskState), pending, token, millis(now), cs.CorrelationID, expectedVersion).Scan(&version, &created)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetContextState(ctx, cs.CorrelationID); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("context state %s expected version %d: %w", cs.CorrelationID, expectedVersion, core.ErrVersionConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("update context state: %w", err)
	}

	out := cs.Clone()
	out.Version = version
	out.ResumeToken = token
	out.CreatedAt = fromMillis(created)
	out.UpdatedAt = fromMillis(millis(now))
	return out, nil
}

// ValidateResumeToken implements core.StateStore.
func (s *Store) ValidateResumeToken(ctx context.Context, correlationID, token string) error {
	cs, err := s.GetContextState(ctx, correlationID)
	if err != nil {
		return err
	}
	return state.CheckToken(cs, token)
}

// AppendEvent implements core.StateStore. Message ids are remembered even
// after their event has been trimmed.
func (s *Store) AppendEvent(ctx context.Context, ev core.ConversationEvent) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if ev.MessageID == "" {
		return false, fmt.Errorf("append event: empty message id")
	}
	payload, err := encodeJSON(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("encode event payload: %w", err)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.opts.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin append event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO seen_messages (correlation_id, message_id) VALUES (?, ?)`, ev.CorrelationID, ev.MessageID)
	if err != nil {
		return false, fmt.Errorf("record message id: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("record message id: %w", err)
	} else if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversation_events (correlation_id, message_id, skill, turn, state, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, ev.CorrelationID, ev.MessageID, ev.Skill, ev.Turn, string(ev.State), payload, millis(ev.CreatedAt)); err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM conversation_events
WHERE correlation_id = ? AND seq NOT IN (
	SELECT seq FROM conversation_events WHERE correlation_id = ? ORDER BY seq DESC LIMIT ?
)
`, ev.CorrelationID, ev.CorrelationID, s.opts.EventCap); err != nil {
		return false, fmt.Errorf("trim events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit append event: %w", err)
	}
	return true, nil
}

// ListEvents implements core.StateStore.
func (s *Store) ListEvents(ctx context.Context, correlationID string) ([]core.ConversationEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT correlation_id, message_id, skill, turn, state, payload, created_at
FROM conversation_events
WHERE correlation_id = ?
ORDER BY seq ASC
`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []core.ConversationEvent{}
	for rows.Next() {
		var (
			ev      core.ConversationEvent
			st      string
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&ev.CorrelationID, &ev.MessageID, &ev.Skill, &ev.Turn, &st, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.State = core.TaskState(st)
		if ev.Payload, err = decodeMap(payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		ev.CreatedAt = fromMillis(created)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// UpsertFact implements core.StateStore.
func (s *Store) UpsertFact(ctx context.Context, correlationID string, fact core.PocketFact) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if fact.Bucket == "" || fact.Key == "" {
		return fmt.Errorf("upsert fact: bucket and key are required")
	}
	value, err := json.Marshal(fact.Value)
	if err != nil {
		return fmt.Errorf("encode fact value: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert fact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO pocket_facts (correlation_id, bucket, fact_key, value, seq, updated_at)
VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM pocket_facts), ?)
ON CONFLICT (correlation_id, bucket, fact_key) DO UPDATE SET
	value = excluded.value,
	seq = excluded.seq,
	updated_at = excluded.updated_at
`, correlationID, fact.Bucket, fact.Key, string(value), millis(s.opts.Now())); err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM pocket_facts
WHERE correlation_id = ? AND bucket = ? AND seq NOT IN (
	SELECT seq FROM pocket_facts WHERE correlation_id = ? AND bucket = ? ORDER BY seq DESC LIMIT ?
)
`, correlationID, fact.Bucket, correlationID, fact.Bucket, s.opts.FactBucketCap); err != nil {
		return fmt.Errorf("trim facts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert fact: %w", err)
	}
	return nil
}

// ListFacts implements core.StateStore.
func (s *Store) ListFacts(ctx context.Context, correlationID, bucket string) ([]core.PocketFact, error) {
	return s.queryFacts(ctx, `
SELECT bucket, fact_key, value, updated_at FROM pocket_facts
WHERE correlation_id = ? AND bucket = ?
ORDER BY seq ASC
`, correlationID, bucket)
}

// AllFacts implements core.StateStore.
func (s *Store) AllFacts(ctx context.Context, correlationID string) ([]core.PocketFact, error) {
	return s.queryFacts(ctx, `
SELECT bucket, fact_key, value, updated_at FROM pocket_facts
WHERE correlation_id = ?
ORDER BY bucket ASC, seq ASC
`, correlationID)
}

func (s *Store) queryFacts(ctx context.Context, query string, args ...any) ([]core.PocketFact, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	facts := []core.PocketFact{}
	for rows.Next() {
		var (
			f       core.PocketFact
			raw     string
			updated int64
		)
		if err := rows.Scan(&f.Bucket, &f.Key, &raw, &updated); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &f.Value); err != nil {
			return nil, fmt.Errorf("decode fact %s/%s: %w", f.Bucket, f.Key, err)
		}
		f.UpdatedAt = fromMillis(updated)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}

// IncrementSteps implements core.StateStore with a single upsert.
func (s *Store) IncrementSteps(ctx context.Context, correlationID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var steps int
	err := s.sqlDB.QueryRowContext(ctx, `
INSERT INTO step_counters (correlation_id, steps) VALUES (?, 1)
ON CONFLICT (correlation_id) DO UPDATE SET steps = steps + 1
RETURNING steps
`, correlationID).Scan(&steps)
	if err != nil {
		return 0, fmt.Errorf("increment steps: %w", err)
	}
	return steps, nil
}

// Steps implements core.StateStore.
func (s *Store) Steps(ctx context.Context, correlationID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var steps int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT steps FROM step_counters WHERE correlation_id = ?`, correlationID).Scan(&steps)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read steps: %w", err)
	}
	return steps, nil
}

// CheckOnly implements core.IdempotencyStore. It never writes.
func (s *Store) CheckOnly(ctx context.Context, key string) (*core.IdempotencyRecord, bool, error) {
	if err := s.ready(ctx); err != nil {
		return nil, false, err
	}
	var (
		rec       core.IdempotencyRecord
		status    string
		completed int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT idem_key, correlation_id, skill, status, completed_at FROM idempotency_records WHERE idem_key = ?
`, key).Scan(&rec.Key, &rec.CorrelationID, &rec.Skill, &status, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency key: %w", err)
	}
	rec.Status = core.Status(status)
	rec.CompletedAt = fromMillis(completed)
	return &rec, true, nil
}

// MarkCompleted implements core.IdempotencyStore. The first completion wins.
func (s *Store) MarkCompleted(ctx context.Context, rec core.IdempotencyRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if rec.Key == "" {
		return fmt.Errorf("mark completed: empty key")
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = s.opts.Now()
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO idempotency_records (idem_key, correlation_id, skill, status, completed_at)
VALUES (?, ?, ?, ?, ?)
`, rec.Key, rec.CorrelationID, rec.Skill, string(rec.Status), millis(rec.CompletedAt)); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}
