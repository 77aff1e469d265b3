package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/convoflow/convoflow/internal/state"
)

var (
	// ErrNotFound is returned when a session or conversation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion is returned by CompareAndSwap when the stored version
	// no longer matches; the engine surfaces it as a concurrent-advance conflict.
	ErrStaleVersion = errors.New("stale session version")
	// ErrNoActiveSession is returned when a conversation has no non-terminal session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrActiveSessionExists is returned when creating a second non-terminal
	// session for the same conversation.
	ErrActiveSessionExists = errors.New("conversation already has an active session")
)

// Fixed-width UTC layout so stored timestamps compare correctly in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }
func parseTime(s string) time.Time  { t, _ := time.Parse(timeLayout, s); return t }

// Store is the SQLite-backed session and conversation store. Every session
// mutation goes through CompareAndSwap; conversations are append-only.
type Store struct {
	db *DB
}

// New returns a store that uses the given DB.
func New(db *DB) *Store {
	return &Store{db: db}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

// EnsureConversation returns the conversation, creating it if absent.
// Messages are not loaded; use Messages for the transcript.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, userID string) (*state.Conversation, error) {
	now := time.Now()
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		conversationID, userID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	var uid, createdAt string
	err = s.db.db.QueryRowContext(ctx,
		`SELECT user_id, created_at FROM conversations WHERE id = ?`, conversationID).
		Scan(&uid, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	return &state.Conversation{
		ID:        conversationID,
		UserID:    uid,
		CreatedAt: parseTime(createdAt),
	}, nil
}

// AppendMessage appends one message to a conversation transcript. The store
// serializes concurrent appends; insertion order is conversation order.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg state.Message) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append message: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("append message: seq: %w", err)
	}
	next := int64(1)
	if seq.Valid {
		next = seq.Int64 + 1
	}

	var step any
	if msg.Step != nil {
		step = float64(*msg.Step)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, step, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), msg.Content, step, formatTime(ts), next)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return tx.Commit()
}

// Messages returns the conversation transcript in append order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]state.Message, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT id, role, content, step, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []state.Message
	for rows.Next() {
		var m state.Message
		var role, createdAt string
		var step sql.NullFloat64
		if err := rows.Scan(&m.ID, &role, &m.Content, &step, &createdAt); err != nil {
			return nil, fmt.Errorf("messages: scan: %w", err)
		}
		m.Role = state.Role(role)
		if step.Valid {
			st := state.Step(step.Float64)
			m.Step = &st
		}
		m.Timestamp = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreateSession inserts a new session with version 1. Fails with
// ErrActiveSessionExists if the conversation already has a non-terminal
// session (enforced by a partial unique index).
func (s *Store) CreateSession(ctx context.Context, sess *state.WorkflowSession) error {
	now := time.Now()
	sess.Version = 1
	sess.CreatedAt = now
	sess.UpdatedAt = now

	steps, params, pending, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO workflow_sessions
		 (id, conversation_id, user_id, query, current_step, status, steps, params, pending, fail_reason, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ConversationID, sess.UserID, sess.Query,
		float64(sess.CurrentStep), string(sess.Status),
		steps, params, pending, sess.FailReason, sess.Version,
		formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*state.WorkflowSession, error) {
	return s.querySession(ctx, `WHERE id = ?`, id)
}

// ActiveSessionForConversation returns the single non-terminal session for
// a conversation, or ErrNoActiveSession.
func (s *Store) ActiveSessionForConversation(ctx context.Context, conversationID string) (*state.WorkflowSession, error) {
	sess, err := s.querySession(ctx,
		`WHERE conversation_id = ? AND status NOT IN ('completed', 'failed')`, conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	return sess, err
}

// CompareAndSwap persists the session if its stored version still equals
// sess.Version, then bumps sess.Version. Fails with ErrStaleVersion when a
// concurrent swap won.
func (s *Store) CompareAndSwap(ctx context.Context, sess *state.WorkflowSession) error {
	steps, params, pending, err := encodeSession(sess)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE workflow_sessions
		 SET query = ?, current_step = ?, status = ?, steps = ?, params = ?, pending = ?, fail_reason = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		sess.Query, float64(sess.CurrentStep), string(sess.Status),
		steps, params, pending, sess.FailReason, formatTime(now),
		sess.ID, sess.Version)
	if err != nil {
		return fmt.Errorf("compare-and-swap: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("compare-and-swap: %w", err)
	}
	if n == 0 {
		return ErrStaleVersion
	}
	sess.Version++
	sess.UpdatedAt = now
	return nil
}

// SuspendedSince returns sessions that have been suspended since before the
// cutoff. Used by the expiry sweeper.
func (s *Store) SuspendedSince(ctx context.Context, cutoff time.Time) ([]*state.WorkflowSession, error) {
	rows, err := s.db.db.QueryContext(ctx,
		sessionSelect+` WHERE status IN ('suspended_auth', 'suspended_clarification') AND updated_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("suspended sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*state.WorkflowSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

const sessionSelect = `SELECT id, conversation_id, user_id, query, current_step, status, steps, params, pending, fail_reason, version, created_at, updated_at FROM workflow_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) querySession(ctx context.Context, where string, args ...any) (*state.WorkflowSession, error) {
	row := s.db.db.QueryRowContext(ctx, sessionSelect+" "+where, args...)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func scanSession(row rowScanner) (*state.WorkflowSession, error) {
	var sess state.WorkflowSession
	var currentStep float64
	var status, stepsJSON, paramsJSON, createdAt, updatedAt string
	var pendingJSON sql.NullString
	err := row.Scan(&sess.ID, &sess.ConversationID, &sess.UserID, &sess.Query,
		&currentStep, &status, &stepsJSON, &paramsJSON, &pendingJSON,
		&sess.FailReason, &sess.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.CurrentStep = state.Step(currentStep)
	sess.Status = state.Status(status)
	if err := json.Unmarshal([]byte(stepsJSON), &sess.Steps); err != nil {
		return nil, fmt.Errorf("session %s: steps: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &sess.Params); err != nil {
		return nil, fmt.Errorf("session %s: params: %w", sess.ID, err)
	}
	if pendingJSON.Valid && pendingJSON.String != "" {
		var p state.Interaction
		if err := json.Unmarshal([]byte(pendingJSON.String), &p); err != nil {
			return nil, fmt.Errorf("session %s: pending: %w", sess.ID, err)
		}
		sess.Pending = &p
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func encodeSession(sess *state.WorkflowSession) (steps, params string, pending any, err error) {
	stepsData, err := json.Marshal(sess.Steps)
	if err != nil {
		return "", "", nil, fmt.Errorf("session %s: marshal steps: %w", sess.ID, err)
	}
	if sess.Steps == nil {
		stepsData = []byte("[]")
	}
	paramsData, err := json.Marshal(sess.Params)
	if err != nil {
		return "", "", nil, fmt.Errorf("session %s: marshal params: %w", sess.ID, err)
	}
	if sess.Params == nil {
		paramsData = []byte("{}")
	}
	if sess.Pending != nil {
		pendingData, err := json.Marshal(sess.Pending)
		if err != nil {
			return "", "", nil, fmt.Errorf("session %s: marshal pending: %w", sess.ID, err)
		}
		pending = string(pendingData)
	}
	return string(stepsData), string(paramsData), pending, nil
}
