package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/xid"

	"github.com/slotbook/bookd/internal/lockkey"
	"github.com/slotbook/bookd/internal/store"
)

const sessionColumns = `id, tenant_id, customer_id, kind, version, user_agent,
	created_at, updated_at, last_activity_at, deleted_at`

func scanSession(row pgx.Row) (*store.Session, error) {
	var sess store.Session
	err := row.Scan(
		&sess.ID, &sess.TenantID, &sess.CustomerID, &sess.Kind, &sess.Version,
		&sess.UserAgent, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivityAt,
		&sess.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession persists a fresh session at version 0.
func (s *Store) CreateSession(ctx context.Context, params store.CreateSessionParams) (*store.Session, error) {
	if err := store.ValidateCreateSession(params); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := s.clock.Now()
	sess := &store.Session{
		ID:             uuid.NewString(),
		TenantID:       params.TenantID,
		CustomerID:     params.CustomerID,
		Kind:           params.Kind,
		UserAgent:      store.TruncateUserAgent(params.UserAgent),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, tenant_id, customer_id, kind, version, user_agent,
			created_at, updated_at, last_activity_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6, $6)`,
		sess.ID, sess.TenantID, sess.CustomerID, string(sess.Kind), sess.UserAgent, now,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert session: %w", err)
	}
	return sess, nil
}

// GetSession returns the tenant's session, excluding soft-deleted rows. An id
// owned by another tenant is indistinguishable from a missing one.
func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		sessionID, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound("session")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get session: %w", err)
	}
	return sess, nil
}

// AppendMessage executes the append as one atomic unit: advisory lock first,
// then re-read, version check, cap check, insert, version bump, commit. The
// advisory lock serializes concurrent appends to the session; the version
// check catches writes that landed since the caller last fetched.
func (s *Store) AppendMessage(ctx context.Context, tenantID, sessionID string, msg store.NewMessage, expectedVersion int64) (*store.AppendResult, error) {
	if err := store.ValidateNewMessage(msg); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var result *store.AppendResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.txLocks(tx).AcquireForTransaction(ctx, store.LockClassSessions, lockkey.SessionAppend(sessionID)); err != nil {
			return err
		}
		var current int64
		err := tx.QueryRow(ctx, `
			SELECT version FROM sessions
			WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
			FOR UPDATE`,
			sessionID, tenantID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.NotFound("session")
		}
		if err != nil {
			return fmt.Errorf("postgres: read session version: %w", err)
		}
		if current != expectedVersion {
			return store.VersionConflict(current)
		}
		var count int
		err = tx.QueryRow(ctx, `
			SELECT count(*) FROM messages WHERE session_id = $1 AND tenant_id = $2`,
			sessionID, tenantID,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("postgres: count messages: %w", err)
		}
		if count >= s.messageCap {
			return store.Failure{Code: store.CodeMessageLimit, Detail: "session message limit reached"}
		}

		now := s.clock.Now()
		row := store.Message{
			ID:             xid.New().String(),
			SessionID:      sessionID,
			TenantID:       tenantID,
			Role:           msg.Role,
			Content:        msg.Content,
			ToolCalls:      msg.ToolCalls,
			IdempotencyKey: msg.IdempotencyKey,
			CreatedAt:      now,
		}
		var idemKey *string
		if msg.IdempotencyKey != "" {
			idemKey = &msg.IdempotencyKey
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, session_id, tenant_id, role, content, tool_calls,
				idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			row.ID, row.SessionID, row.TenantID, string(row.Role), row.Content,
			row.ToolCalls, idemKey, row.CreatedAt,
		)
		if err != nil {
			return err // unique violation handled by the caller below
		}
		var newVersion int64
		err = tx.QueryRow(ctx, `
			UPDATE sessions SET version = version + 1, updated_at = $2, last_activity_at = $2
			WHERE id = $1
			RETURNING version`,
			sessionID, now,
		).Scan(&newVersion)
		if err != nil {
			return fmt.Errorf("postgres: bump session version: %w", err)
		}
		result = &store.AppendResult{Message: row, NewVersion: newVersion}
		return nil
	})
	if err == nil {
		return result, nil
	}
	if isUniqueViolation(err, "messages_idempotency_uq") {
		// Benign duplicate submission: the transaction rolled back, surface
		// the previously stored row instead of an error.
		return s.duplicateAppend(ctx, tenantID, sessionID, msg.IdempotencyKey)
	}
	return nil, err
}

// duplicateAppend re-reads the message an earlier submission with the same
// idempotency key already persisted.
func (s *Store) duplicateAppend(ctx context.Context, tenantID, sessionID, idempotencyKey string) (*store.AppendResult, error) {
	var row store.Message
	var idemKey *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, tenant_id, role, content, tool_calls, idempotency_key, created_at
		FROM messages
		WHERE session_id = $1 AND tenant_id = $2 AND idempotency_key = $3`,
		sessionID, tenantID, idempotencyKey,
	).Scan(&row.ID, &row.SessionID, &row.TenantID, &row.Role, &row.Content,
		&row.ToolCalls, &idemKey, &row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: read duplicate message: %w", err)
	}
	if idemKey != nil {
		row.IdempotencyKey = *idemKey
	}
	var version int64
	err = s.pool.QueryRow(ctx, `
		SELECT version FROM sessions WHERE id = $1 AND tenant_id = $2`,
		sessionID, tenantID,
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("postgres: read session version: %w", err)
	}
	return &store.AppendResult{Message: row, NewVersion: version, Duplicate: true}, nil
}

// GetHistory pages through the session's messages in append order. The query
// runs against the denormalized tenant column, no join.
func (s *Store) GetHistory(ctx context.Context, tenantID, sessionID string, limit, offset int) (*store.HistoryPage, error) {
	if limit <= 0 {
		limit = s.messageCap
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, tenant_id, role, content, tool_calls, idempotency_key, created_at
		FROM messages
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY created_at, id
		LIMIT $3 OFFSET $4`,
		tenantID, sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: query history: %w", err)
	}
	defer rows.Close()

	page := &store.HistoryPage{}
	for rows.Next() {
		var m store.Message
		var idemKey *string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TenantID, &m.Role, &m.Content,
			&m.ToolCalls, &idemKey, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if idemKey != nil {
			m.IdempotencyKey = *idemKey
		}
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate history: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		SELECT count(*) FROM messages WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID,
	).Scan(&page.Total)
	if err != nil {
		return nil, fmt.Errorf("postgres: count history: %w", err)
	}
	page.HasMore = offset+len(page.Messages) < page.Total
	return page, nil
}

// SoftDeleteSession stamps the session deleted.
func (s *Store) SoftDeleteSession(ctx context.Context, tenantID, sessionID string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := s.clock.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET deleted_at = $3, updated_at = $3
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		sessionID, tenantID, now,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: soft delete session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RestoreSession clears a soft-delete stamp.
func (s *Store) RestoreSession(ctx context.Context, tenantID, sessionID string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET deleted_at = NULL, updated_at = $3
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NOT NULL`,
		sessionID, tenantID, s.clock.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("postgres: restore session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchSession refreshes the session's last-activity timestamp.
func (s *Store) TouchSession(ctx context.Context, tenantID, sessionID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET last_activity_at = $3
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		sessionID, tenantID, s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("postgres: touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.NotFound("session")
	}
	return nil
}

// CleanupExpired runs the two retention phases. It only touches rows already
// past their thresholds, so running it alongside live traffic is safe; message
// rows follow their session via ON DELETE CASCADE.
func (s *Store) CleanupExpired(ctx context.Context, maxIdle, retention time.Duration) (store.CleanupResult, error) {
	if maxIdle <= 0 {
		maxIdle = store.DefaultMaxIdle
	}
	if retention <= 0 {
		retention = store.DefaultRetention
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := s.clock.Now()

	var result store.CleanupResult
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET deleted_at = $2, updated_at = $2
		WHERE deleted_at IS NULL AND last_activity_at < $1`,
		now.Add(-maxIdle), now,
	)
	if err != nil {
		return result, fmt.Errorf("postgres: soft-delete sweep: %w", err)
	}
	result.SoftDeleted = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE deleted_at IS NOT NULL AND deleted_at < $1`,
		now.Add(-retention),
	)
	if err != nil {
		return result, fmt.Errorf("postgres: hard-delete sweep: %w", err)
	}
	result.HardDeleted = int(tag.RowsAffected())

	s.logger.Debug("cleanup.sweep.done",
		"soft_deleted", result.SoftDeleted,
		"hard_deleted", result.HardDeleted,
	)
	return result, nil
}
