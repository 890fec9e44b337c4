// Package taskqueue persists the human-solve CAPTCHA queue in Postgres:
// pending tasks an operator claims, works, and resolves through the
// same state machine the reference manual-resolver schema defines.
package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/titan-scrape/titan/internal/titan"
)

// Schema is the DDL the queue expects to exist. It is not applied
// automatically — operators run it once via their migration tooling of
// choice, matching the upstream service's Alembic-driven schema
// management rather than baking migrations into the binary.
const Schema = `
DO $$ BEGIN
	CREATE TYPE captchastatus AS ENUM
		('pending', 'assigned', 'in_progress', 'solved', 'failed', 'expired', 'unsolvable');
EXCEPTION
	WHEN duplicate_object THEN null;
END $$;

CREATE TABLE IF NOT EXISTS captcha_task (
	id SERIAL PRIMARY KEY,
	uuid UUID NOT NULL UNIQUE,
	url VARCHAR(2048) NOT NULL,
	domain VARCHAR(255) NOT NULL,
	status captchastatus NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 5,
	assigned_to VARCHAR(100),
	challenge_type VARCHAR(50),
	preview_path VARCHAR(500),
	solver_result JSONB,
	proxy_url VARCHAR(500),
	last_error TEXT,
	solver_notes TEXT,
	request_id VARCHAR(100),
	attempts INTEGER NOT NULL DEFAULT 0,
	metadata JSONB DEFAULT '{}',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL,
	assigned_at TIMESTAMP WITH TIME ZONE,
	solved_at TIMESTAMP WITH TIME ZONE,
	expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
	solver_expires_at TIMESTAMP WITH TIME ZONE
);

CREATE INDEX IF NOT EXISTS ix_captcha_task_status_priority
	ON captcha_task (status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS ix_captcha_task_domain ON captcha_task (domain);
CREATE INDEX IF NOT EXISTS ix_captcha_task_assigned_to ON captcha_task (assigned_to);

-- At most one active (pending/assigned/in_progress) task per domain, so
-- concurrent orchestrations parking the same domain join one task
-- instead of racing to create two.
CREATE UNIQUE INDEX IF NOT EXISTS ux_captcha_task_domain_active
	ON captcha_task (domain) WHERE status IN ('pending', 'assigned', 'in_progress');
`

// Queue wraps a *sql.DB with the task state machine's operations.
type Queue struct {
	db  *sql.DB
	log zerolog.Logger
}

func Open(dsn string, log zerolog.Logger) (*Queue, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, titan.NewTaskQueueError("open", "", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Queue{db: db, log: log.With().Str("component", "taskqueue").Logger()}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue inserts a new pending task, returning its UUID. If domain
// already has a pending/assigned/in_progress task, the caller joins that
// task instead of creating a duplicate: a concurrent orchestration
// parking the same domain waits on the same CAPTCHA rather than causing
// two operators to solve it independently. The join is enforced by
// ux_captcha_task_domain_active, so a race between two INSERTs resolves
// to one winner and one lookup rather than two rows.
func (q *Queue) Enqueue(ctx context.Context, url, domain string, challenge titan.ChallengeTag, priority int, proxyURL, requestID string, ttl time.Duration) (string, error) {
	if existing, err := q.activeTaskForDomain(ctx, domain); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO captcha_task (uuid, url, domain, status, priority, challenge_type, proxy_url, request_id, created_at, expires_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9)
	`, id, url, domain, priority, string(challenge), nullableString(proxyURL), nullableString(requestID), now, now.Add(ttl))
	if err != nil {
		if isUniqueViolation(err) {
			if existing, lookupErr := q.activeTaskForDomain(ctx, domain); lookupErr == nil && existing != "" {
				return existing, nil
			}
		}
		return "", titan.NewTaskQueueError("enqueue", id, err)
	}
	return id, nil
}

// activeTaskForDomain returns the UUID of domain's existing
// pending/assigned/in_progress task, or "" if there isn't one.
func (q *Queue) activeTaskForDomain(ctx context.Context, domain string) (string, error) {
	var id string
	err := q.db.QueryRowContext(ctx, `
		SELECT uuid FROM captcha_task
		WHERE domain = $1 AND status IN ('pending', 'assigned', 'in_progress')
		ORDER BY created_at ASC LIMIT 1
	`, domain).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", titan.NewTaskQueueError("enqueue-lookup", "", err)
	}
	return id, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the case ux_captcha_task_domain_active
// raises when two Enqueue calls for the same domain race.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Claim atomically assigns the highest-priority, oldest pending task to
// operator, using SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// operators never race on the same row.
func (q *Queue) Claim(ctx context.Context, operator string) (*titan.CaptchaTask, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, titan.NewTaskQueueError("claim-begin", "", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, uuid, url, domain, challenge_type, priority, proxy_url, request_id, attempts, created_at, expires_at
		FROM captcha_task
		WHERE status = 'pending' AND expires_at > now()
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`)

	var t titan.CaptchaTask
	var challengeType, proxyURL, requestID sql.NullString
	if err := row.Scan(&t.ID, &t.UUID, &t.URL, &t.Domain, &challengeType, &t.Priority, &proxyURL, &requestID, &t.Attempts, &t.CreatedAt, &t.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, titan.ErrTaskQueueEmpty
		}
		return nil, titan.NewTaskQueueError("claim-select", "", err)
	}
	t.ChallengeType = titan.ChallengeTag(challengeType.String)
	t.ProxyURL = proxyURL.String
	t.OriginatingReqID = requestID.String
	t.Status = titan.CaptchaAssigned
	t.AssignedTo = operator
	t.AssignedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'assigned', assigned_to = $1, assigned_at = $2, attempts = attempts + 1
		WHERE id = $3
	`, operator, t.AssignedAt, t.ID); err != nil {
		return nil, titan.NewTaskQueueError("claim-update", t.UUID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, titan.NewTaskQueueError("claim-commit", t.UUID, err)
	}
	return &t, nil
}

// Submit records an operator's solution and marks the task solved.
func (q *Queue) Submit(ctx context.Context, taskUUID string, result titan.SolverResult, solverTTL time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return titan.NewTaskQueueError("submit-marshal", taskUUID, err)
	}
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE captcha_task
		SET status = 'solved', solver_result = $1, solved_at = $2, solver_expires_at = $3
		WHERE uuid = $4 AND status IN ('assigned', 'in_progress')
	`, payload, now, now.Add(solverTTL), taskUUID)
	if err != nil {
		return titan.NewTaskQueueError("submit", taskUUID, err)
	}
	return requireRowsAffected(res)
}

// MarkInProgress transitions an assigned task to in_progress, recording
// that the operator is actively working the challenge in their browser.
func (q *Queue) MarkInProgress(ctx context.Context, taskUUID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'in_progress' WHERE uuid = $1 AND status = 'assigned'
	`, taskUUID)
	if err != nil {
		return titan.NewTaskQueueError("mark-in-progress", taskUUID, err)
	}
	return requireRowsAffected(res)
}

// MarkFailed records a transient failure and returns the task to pending
// so another operator can retry it, unless attempts have been exhausted.
func (q *Queue) MarkFailed(ctx context.Context, taskUUID, reason string, maxAttempts int) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE captcha_task
		SET status = CASE WHEN attempts >= $1 THEN 'failed' ELSE 'pending' END,
		    last_error = $2, assigned_to = NULL, assigned_at = NULL
		WHERE uuid = $3
	`, maxAttempts, reason, taskUUID)
	if err != nil {
		return titan.NewTaskQueueError("mark-failed", taskUUID, err)
	}
	return requireRowsAffected(res)
}

// MarkUnsolvable records an operator's judgment that a task cannot be
// solved at all (e.g. the target has since removed the page).
func (q *Queue) MarkUnsolvable(ctx context.Context, taskUUID, notes string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'unsolvable', solver_notes = $1 WHERE uuid = $2
	`, notes, taskUUID)
	if err != nil {
		return titan.NewTaskQueueError("mark-unsolvable", taskUUID, err)
	}
	return requireRowsAffected(res)
}

// ExpireSweep transitions any task whose expires_at has passed while
// still pending, assigned or in progress into the expired state. It runs
// only when a caller invokes it; no ticker in this module calls it.
func (q *Queue) ExpireSweep(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'expired'
		WHERE status IN ('pending', 'assigned', 'in_progress') AND expires_at <= now()
	`)
	if err != nil {
		return 0, titan.NewTaskQueueError("expire-sweep", "", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AssignByID assigns one specific pending task to operator, for the
// resolver API's explicit "I want this one" flow rather than Claim's
// take-the-next-highest-priority behavior.
func (q *Queue) AssignByID(ctx context.Context, taskUUID, operator string) (*titan.CaptchaTask, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, titan.NewTaskQueueError("assign-begin", taskUUID, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, url, domain, challenge_type, priority, proxy_url, request_id, attempts, created_at, expires_at
		FROM captcha_task
		WHERE uuid = $1 AND status = 'pending'
		FOR UPDATE SKIP LOCKED
	`, taskUUID)

	var t titan.CaptchaTask
	var challengeType, proxyURL, requestID sql.NullString
	if err := row.Scan(&t.ID, &t.URL, &t.Domain, &challengeType, &t.Priority, &proxyURL, &requestID, &t.Attempts, &t.CreatedAt, &t.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, titan.ErrTaskNotFound
		}
		return nil, titan.NewTaskQueueError("assign-select", taskUUID, err)
	}
	t.UUID = taskUUID
	t.ChallengeType = titan.ChallengeTag(challengeType.String)
	t.ProxyURL = proxyURL.String
	t.OriginatingReqID = requestID.String
	t.Status = titan.CaptchaAssigned
	t.AssignedTo = operator
	t.AssignedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE captcha_task SET status = 'assigned', assigned_to = $1, assigned_at = $2, attempts = attempts + 1
		WHERE id = $3
	`, operator, t.AssignedAt, t.ID); err != nil {
		return nil, titan.NewTaskQueueError("assign-update", taskUUID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, titan.NewTaskQueueError("assign-commit", taskUUID, err)
	}
	return &t, nil
}

// List returns up to limit tasks in the given status, highest priority
// first and oldest first within a priority. An
// empty status lists every non-terminal task. Used by the resolver API's
// listing endpoint and the operator CLI/TUI.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]*titan.CaptchaTask, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = q.db.QueryContext(ctx, `
			SELECT uuid, url, domain, status, priority, assigned_to, challenge_type, attempts, created_at, expires_at
			FROM captcha_task
			WHERE status IN ('pending', 'assigned', 'in_progress')
			ORDER BY priority DESC, created_at ASC LIMIT $1
		`, limit)
	} else {
		rows, err = q.db.QueryContext(ctx, `
			SELECT uuid, url, domain, status, priority, assigned_to, challenge_type, attempts, created_at, expires_at
			FROM captcha_task
			WHERE status = $1
			ORDER BY priority DESC, created_at ASC LIMIT $2
		`, status, limit)
	}
	if err != nil {
		return nil, titan.NewTaskQueueError("list", "", err)
	}
	defer rows.Close()

	var out []*titan.CaptchaTask
	for rows.Next() {
		var t titan.CaptchaTask
		var assignedTo, challengeType sql.NullString
		if err := rows.Scan(&t.UUID, &t.URL, &t.Domain, &t.Status, &t.Priority, &assignedTo, &challengeType, &t.Attempts, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, titan.NewTaskQueueError("list-scan", "", err)
		}
		t.AssignedTo = assignedTo.String
		t.ChallengeType = titan.ChallengeTag(challengeType.String)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Get fetches a task by UUID, used for polling status from the
// scrape-job API.
func (q *Queue) Get(ctx context.Context, taskUUID string) (*titan.CaptchaTask, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, uuid, url, domain, status, priority, assigned_to, challenge_type,
		       solver_result, proxy_url, last_error, request_id, attempts, created_at, expires_at
		FROM captcha_task WHERE uuid = $1
	`, taskUUID)

	var t titan.CaptchaTask
	var assignedTo, challengeType, proxyURL, lastError, requestID sql.NullString
	var solverResult []byte
	if err := row.Scan(&t.ID, &t.UUID, &t.URL, &t.Domain, &t.Status, &t.Priority, &assignedTo, &challengeType,
		&solverResult, &proxyURL, &lastError, &requestID, &t.Attempts, &t.CreatedAt, &t.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, titan.ErrTaskNotFound
		}
		return nil, titan.NewTaskQueueError("get", taskUUID, err)
	}
	t.AssignedTo = assignedTo.String
	t.ChallengeType = titan.ChallengeTag(challengeType.String)
	t.ProxyURL = proxyURL.String
	t.LastError = lastError.String
	t.OriginatingReqID = requestID.String
	if len(solverResult) > 0 {
		var sr titan.SolverResult
		if err := json.Unmarshal(solverResult, &sr); err == nil {
			t.SolverResult = &sr
		}
	}
	return &t, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return titan.NewTaskQueueError("rows-affected", "", err)
	}
	if n == 0 {
		return titan.ErrTaskNotFound
	}
	return nil
}
