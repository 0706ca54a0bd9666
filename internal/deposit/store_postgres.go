package deposit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"depositflow/internal/common/database"
	"depositflow/internal/common/events"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const sessionColumns = `
	id, user_id, state, version, request, quote, bonus_tier, bonus_amount,
	idempotency_key, observed_amount, failure_code, failure_reason,
	supersedes, superseded_by, submitted_at, resolved_at, created_at, updated_at`

// Create inserts a new session.
func (s *PostgresStore) Create(ctx context.Context, sess *Session, evts []*events.Event) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertSession(ctx, tx, sess); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, evts)
	})
	if err != nil {
		return err
	}
	sess.Version = 1
	return nil
}

func insertSession(ctx context.Context, q database.Querier, sess *Session) error {
	row, err := toRow(sess)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deposit_sessions (
			id, user_id, method_id, state, version, request, quote, bonus_tier, bonus_amount,
			destination_memo, expires_at, submitted_at, resolved_at, idempotency_key,
			observed_amount, failure_code, failure_reason, supersedes, superseded_by,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, 1, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20
		)
	`
	_, err = q.Exec(ctx, query,
		sess.ID, sess.UserID, sess.Request.MethodID, sess.State, row.request, row.quote, row.bonusTier, row.bonusAmount,
		nullStr(sess.Memo()), nullTime(sess.ExpiresAt()), sess.SubmittedAt, sess.ResolvedAt, nullStr(sess.IdempotencyKey),
		row.observedAmount, nullStr(sess.FailureCode), nullStr(sess.FailureReason), nullStr(sess.Supersedes), nullStr(sess.SupersededBy),
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Get returns a session by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM deposit_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, err
	}
	return sess, nil
}

// GetByMemo returns the session a destination memo was issued to.
func (s *PostgresStore) GetByMemo(ctx context.Context, memo string) (*Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM deposit_sessions WHERE destination_memo = $1`, memo)
	sess, err := scanSession(row)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: memo %s", ErrSessionNotFound, memo)
		}
		return nil, err
	}
	return sess, nil
}

// Update writes the session with an optimistic version check.
func (s *PostgresStore) Update(ctx context.Context, sess *Session, evts []*events.Event) error {
	version := sess.Version
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := updateSession(ctx, tx, sess); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, evts)
	})
	if err != nil {
		sess.Version = version
	}
	return err
}

func updateSession(ctx context.Context, q database.Querier, sess *Session) error {
	row, err := toRow(sess)
	if err != nil {
		return err
	}

	query := `
		UPDATE deposit_sessions SET
			state = $3, version = version + 1, quote = $4, bonus_tier = $5, bonus_amount = $6,
			destination_memo = $7, expires_at = $8, submitted_at = $9, resolved_at = $10,
			idempotency_key = $11, observed_amount = $12, failure_code = $13, failure_reason = $14,
			superseded_by = $15, updated_at = $16
		WHERE id = $1 AND version = $2
	`
	tag, err := q.Exec(ctx, query,
		sess.ID, sess.Version, sess.State, row.quote, row.bonusTier, row.bonusAmount,
		nullStr(sess.Memo()), nullTime(sess.ExpiresAt()), sess.SubmittedAt, sess.ResolvedAt,
		nullStr(sess.IdempotencyKey), row.observedAmount, nullStr(sess.FailureCode), nullStr(sess.FailureReason),
		nullStr(sess.SupersededBy), sess.UpdatedAt,
	)
	if err != nil {
		if isIdempotencyViolation(err) {
			return ErrDuplicateConfirmation
		}
		return fmt.Errorf("updating session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleSession
	}
	sess.Version++
	return nil
}

func isIdempotencyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return database.IsUniqueViolation(err) &&
		errors.As(err, &pgErr) &&
		pgErr.ConstraintName == "deposit_sessions_idempotency_key_uq"
}

// Supersede retires old and inserts its replacement in one transaction.
func (s *PostgresStore) Supersede(ctx context.Context, old, replacement *Session, evts []*events.Event) error {
	version := old.Version
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := updateSession(ctx, tx, old); err != nil {
			return err
		}
		if err := insertSession(ctx, tx, replacement); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, evts)
	})
	if err != nil {
		old.Version = version
		return err
	}
	replacement.Version = 1
	return nil
}

// Record writes events with no accompanying state change.
func (s *PostgresStore) Record(ctx context.Context, evts []*events.Event) error {
	return insertOutbox(ctx, s.db, evts)
}

// ListByUser returns a user's sessions, newest first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Session, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM deposit_sessions WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting sessions: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM deposit_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, nullLimit(limit), offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing sessions: %w", err)
	}
	sessions, err := collectSessions(rows)
	return sessions, total, err
}

// ListActive returns sessions holding a live quote, soonest expiry first.
func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM deposit_sessions
		WHERE state IN ('quote_issued', 'awaiting_confirmation')
		ORDER BY expires_at
		LIMIT $1`, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListExpirable returns active sessions whose quote expired at or before now.
func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM deposit_sessions
		WHERE state IN ('quote_issued', 'awaiting_confirmation') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing expirable sessions: %w", err)
	}
	return collectSessions(rows)
}

// PendingOutbox returns unpublished events that are not dead-lettered, oldest first.
func (s *PostgresStore) PendingOutbox(ctx context.Context, limit int) ([]events.OutboxEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_id, event_type, payload, created_at, published_at, attempts, last_error, dead_at
		FROM deposit_outbox
		WHERE published_at IS NULL AND dead_at IS NULL
		ORDER BY id
		LIMIT $1`, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	defer rows.Close()

	var out []events.OutboxEntry
	for rows.Next() {
		var e events.OutboxEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.CreatedAt, &e.PublishedAt, &e.Attempts, &e.LastError, &e.DeadAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkPublished flags an outbox entry as delivered.
func (s *PostgresStore) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE deposit_outbox SET published_at = $2 WHERE id = $1`, id, at)
	return err
}

// MarkFailed records a failed delivery attempt.
func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.Exec(ctx, `UPDATE deposit_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, errMsg)
	return err
}

// MarkDead parks an outbox entry out of the pending queue.
func (s *PostgresStore) MarkDead(ctx context.Context, id int64, at time.Time, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE deposit_outbox SET attempts = attempts + 1, last_error = $2, dead_at = $3
		WHERE id = $1`, id, errMsg, at)
	return err
}

// ReplayDead requeues every dead-lettered entry.
func (s *PostgresStore) ReplayDead(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE deposit_outbox SET dead_at = NULL, attempts = 0
		WHERE dead_at IS NOT NULL AND published_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("replaying dead-lettered outbox: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func insertOutbox(ctx context.Context, q database.Querier, evts []*events.Event) error {
	for _, e := range evts {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling event: %w", err)
		}
		_, err = q.Exec(ctx, `
			INSERT INTO deposit_outbox (event_id, event_type, aggregate_id, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.Type, e.AggregateID, payload, e.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("inserting outbox entry: %w", err)
		}
	}
	return nil
}

type sessionRow struct {
	request        []byte
	quote          []byte
	bonusTier      []byte
	bonusAmount    []byte
	observedAmount []byte
}

func toRow(sess *Session) (sessionRow, error) {
	var (
		r   sessionRow
		err error
	)
	if r.request, err = json.Marshal(sess.Request); err != nil {
		return r, fmt.Errorf("marshaling request: %w", err)
	}
	if r.bonusAmount, err = json.Marshal(sess.BonusAmount); err != nil {
		return r, fmt.Errorf("marshaling bonus amount: %w", err)
	}
	if sess.Quote != nil {
		if r.quote, err = json.Marshal(sess.Quote); err != nil {
			return r, fmt.Errorf("marshaling quote: %w", err)
		}
	}
	if sess.BonusTier != nil {
		if r.bonusTier, err = json.Marshal(sess.BonusTier); err != nil {
			return r, fmt.Errorf("marshaling bonus tier: %w", err)
		}
	}
	if sess.ObservedAmount != nil {
		if r.observedAmount, err = json.Marshal(sess.ObservedAmount); err != nil {
			return r, fmt.Errorf("marshaling observed amount: %w", err)
		}
	}
	return r, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess                                       Session
		r                                          sessionRow
		idempotencyKey, failureCode, failureReason *string
		supersedes, supersededBy                   *string
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.State, &sess.Version, &r.request, &r.quote, &r.bonusTier, &r.bonusAmount,
		&idempotencyKey, &r.observedAmount, &failureCode, &failureReason,
		&supersedes, &supersededBy, &sess.SubmittedAt, &sess.ResolvedAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(r.request, &sess.Request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if err := json.Unmarshal(r.bonusAmount, &sess.BonusAmount); err != nil {
		return nil, fmt.Errorf("decoding bonus amount: %w", err)
	}
	if len(r.quote) > 0 {
		sess.Quote = &Quote{}
		if err := json.Unmarshal(r.quote, sess.Quote); err != nil {
			return nil, fmt.Errorf("decoding quote: %w", err)
		}
	}
	if len(r.bonusTier) > 0 {
		if err := json.Unmarshal(r.bonusTier, &sess.BonusTier); err != nil {
			return nil, fmt.Errorf("decoding bonus tier: %w", err)
		}
	}
	if len(r.observedAmount) > 0 {
		if err := json.Unmarshal(r.observedAmount, &sess.ObservedAmount); err != nil {
			return nil, fmt.Errorf("decoding observed amount: %w", err)
		}
	}

	sess.IdempotencyKey = deref(idempotencyKey)
	sess.FailureCode = deref(failureCode)
	sess.FailureReason = deref(failureReason)
	sess.Supersedes = deref(supersedes)
	sess.SupersededBy = deref(supersededBy)
	return &sess, nil
}

func collectSessions(rows pgx.Rows) ([]*Session, error) {
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// nullLimit maps a non-positive limit to NULL, which Postgres reads as LIMIT ALL.
func nullLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
