package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyExists is returned by Create when the given id is already taken.
var ErrAlreadyExists = errors.New("command already exists")

// maxClaimAttempts bounds the select-then-conditional-update retry loop in
// Claim. SQLite serializes writers, so each attempt either succeeds or
// observes that another writer won the race; a handful of retries is enough
// to ride out realistic contention without looping forever.
const maxClaimAttempts = 8

// Queries is the Command Store: a thin, transactional wrapper around the
// command table exposing exactly the primitives the Control Server needs.
type Queries struct {
	db *sql.DB
}

// New constructs a Queries backed by an already-migrated *sql.DB (see Open).
func New(db *sql.DB) *Queries {
	return &Queries{db: db}
}

const commandColumns = `id, type, payload, status, result, error, agent_id, lease_id, lease_expires_at, created_at, started_at, attempt, scheduled_end_at`

func scanCommand(row *sql.Row) (*Command, error) {
	var c Command
	if err := row.Scan(
		&c.ID, &c.Type, &c.Payload, &c.Status, &c.Result, &c.Error,
		&c.AgentID, &c.LeaseID, &c.LeaseExpiresAt, &c.CreatedAt, &c.StartedAt,
		&c.Attempt, &c.ScheduledEndAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new PENDING command. Returns ErrAlreadyExists if id is
// already taken.
func (q *Queries) Create(ctx context.Context, id string, typ Type, payload string, createdAt int64) (*Command, error) {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO commands (id, type, payload, status, created_at, attempt)
		VALUES (?, ?, ?, 'PENDING', ?, 0)
	`, id, typ, payload, createdAt)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert command: %w", err)
	}
	return q.Get(ctx, id)
}

// Get fetches a command by id. Returns (nil, nil) if not found.
func (q *Queries) Get(ctx context.Context, id string) (*Command, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// Claim atomically transitions the oldest PENDING command to RUNNING under
// a fresh lease. Returns (nil, nil) if no command is PENDING.
func (q *Queries) Claim(ctx context.Context, agentID, leaseID string, maxLeaseMs, now int64) (*Command, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		var id string
		var typ Type
		var payload string
		err := q.db.QueryRowContext(ctx, `
			SELECT id, type, payload FROM commands
			WHERE status = 'PENDING'
			ORDER BY created_at ASC
			LIMIT 1
		`).Scan(&id, &typ, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select pending command: %w", err)
		}

		var scheduledEndAt sql.NullInt64
		if typ == TypeDelay {
			if ms, perr := delayMs(payload); perr == nil {
				scheduledEndAt = sql.NullInt64{Int64: now + ms, Valid: true}
			}
		}
		leaseExpiresAt := now + maxLeaseMs

		row := q.db.QueryRowContext(ctx, `
			UPDATE commands
			SET status = 'RUNNING',
			    agent_id = ?,
			    lease_id = ?,
			    lease_expires_at = ?,
			    started_at = ?,
			    attempt = attempt + 1,
			    scheduled_end_at = ?
			WHERE id = ? AND status = 'PENDING'
			RETURNING `+commandColumns, agentID, leaseID, leaseExpiresAt, now, scheduledEndAt, id)
		cmd, serr := scanCommand(row)
		if errors.Is(serr, sql.ErrNoRows) {
			// Another claimer won the race for this row; retry against
			// whatever is now the oldest PENDING command.
			continue
		}
		if serr != nil {
			return nil, fmt.Errorf("claim command: %w", serr)
		}
		return cmd, nil
	}
	return nil, fmt.Errorf("claim command: exhausted %d attempts under contention", maxClaimAttempts)
}

// Heartbeat extends the lease on a RUNNING command if agentID/leaseID match.
// Returns whether a row changed.
func (q *Queries) Heartbeat(ctx context.Context, commandID, agentID, leaseID string, extendMs, now int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE commands
		SET lease_expires_at = ?
		WHERE id = ? AND status = 'RUNNING' AND agent_id = ? AND lease_id = ?
	`, now+extendMs, commandID, agentID, leaseID)
	if err != nil {
		return false, fmt.Errorf("heartbeat command: %w", err)
	}
	return rowsChanged(res)
}

// Complete transitions a RUNNING command to COMPLETED if agentID/leaseID
// match. Returns whether a row changed.
func (q *Queries) Complete(ctx context.Context, commandID, agentID, leaseID, result string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE commands
		SET status = 'COMPLETED',
		    result = ?,
		    lease_expires_at = NULL
		WHERE id = ? AND status = 'RUNNING' AND agent_id = ? AND lease_id = ?
	`, result, commandID, agentID, leaseID)
	if err != nil {
		return false, fmt.Errorf("complete command: %w", err)
	}
	return rowsChanged(res)
}

// Fail transitions a RUNNING command to FAILED if agentID/leaseID match.
// result may be the zero value (sql.NullString{}) when no result accompanies
// the failure. Returns whether a row changed.
func (q *Queries) Fail(ctx context.Context, commandID, agentID, leaseID, errMsg string, result sql.NullString) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE commands
		SET status = 'FAILED',
		    error = ?,
		    result = ?,
		    lease_expires_at = NULL
		WHERE id = ? AND status = 'RUNNING' AND agent_id = ? AND lease_id = ?
	`, errMsg, result, commandID, agentID, leaseID)
	if err != nil {
		return false, fmt.Errorf("fail command: %w", err)
	}
	return rowsChanged(res)
}

// ResetExpiredLeases resets every RUNNING command whose lease has expired
// back to PENDING, clearing lease identity but preserving attempt. Returns
// the number of rows reset.
func (q *Queries) ResetExpiredLeases(ctx context.Context, now int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE commands
		SET status = 'PENDING',
		    agent_id = NULL,
		    lease_id = NULL,
		    lease_expires_at = NULL,
		    started_at = NULL,
		    scheduled_end_at = NULL
		WHERE status = 'RUNNING' AND lease_expires_at <= ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("reset expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset expired leases: %w", err)
	}
	return n, nil
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed"))
}

// delayMs extracts the non-negative "ms" field from a DELAY payload.
func delayMs(payload string) (int64, error) {
	var body struct {
		Ms int64 `json:"ms"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return 0, fmt.Errorf("parse delay payload: %w", err)
	}
	return body.Ms, nil
}
