package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DefaultClaimTimeout is how long a claim stays valid before another worker
// may take the job over.
const DefaultClaimTimeout = 5 * time.Minute

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures
const uniqueViolation = "23505"

const jobColumns = `
	id, registration_id, event_id, recipient_user_id, kind,
	scheduled_at, status, attempt_count, last_error,
	claimed_at, claimed_by, sent_at, snapshot,
	created_at, updated_at`

// Repository is the Postgres-backed job store
type Repository struct {
	db           *DB
	claimTimeout time.Duration
	logger       *zap.Logger
}

// NewRepository creates a new job repository. A zero claimTimeout uses
// DefaultClaimTimeout.
func NewRepository(db *DB, claimTimeout time.Duration, logger *zap.Logger) *Repository {
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	return &Repository{
		db:           db,
		claimTimeout: claimTimeout,
		logger:       logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job      Job
		kind     string
		snapshot []byte
	)
	err := row.Scan(
		&job.ID,
		&job.RegistrationID,
		&job.EventID,
		&job.RecipientUserID,
		&kind,
		&job.ScheduledAt,
		&job.Status,
		&job.AttemptCount,
		&job.LastError,
		&job.ClaimedAt,
		&job.ClaimedBy,
		&job.SentAt,
		&snapshot,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = Kind(kind)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &job.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot for job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return jobs, nil
}

// Enqueue inserts a new job. It returns ErrDuplicateJob when the partial
// unique index on (registration_id, kind) rejects the row.
func (r *Repository) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}

	snapshot, err := json.Marshal(job.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	query := `
		INSERT INTO notification_jobs (
			id, registration_id, event_id, recipient_user_id, kind,
			scheduled_at, status, attempt_count, snapshot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.RegistrationID,
		job.EventID,
		job.RecipientUserID,
		string(job.Kind),
		job.ScheduledAt,
		job.Status,
		job.AttemptCount,
		snapshot,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateJob
	}
	if err != nil {
		r.logger.Error("failed to enqueue job",
			zap.Error(err),
			zap.String("registration_id", job.RegistrationID),
			zap.String("kind", string(job.Kind)),
		)
		return fmt.Errorf("insert job: %w", err)
	}

	r.logger.Debug("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("registration_id", job.RegistrationID),
		zap.String("kind", string(job.Kind)),
		zap.Time("scheduled_at", job.ScheduledAt),
	)

	return nil
}

// FindActive returns the non-cancelled job for (registrationID, kind), or
// nil when there is none.
func (r *Repository) FindActive(ctx context.Context, registrationID string, kind Kind) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE registration_id = $1 AND kind = $2 AND status <> 'cancelled'
	`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, registrationID, string(kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active job: %w", err)
	}
	return job, nil
}

// ClaimDue atomically claims up to limit due jobs for workerID. Selection and
// update happen in one statement; FOR UPDATE SKIP LOCKED keeps concurrent
// dispatchers from ever claiming the same row. Claims older than the claim
// timeout are treated as abandoned and claimed again; the abandoned claim
// counts as one attempt.
func (r *Repository) ClaimDue(ctx context.Context, limit int, workerID string, now time.Time) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE notification_jobs
		SET status = 'claimed', claimed_at = $2, claimed_by = $3, updated_at = $2,
			attempt_count = CASE WHEN status = 'claimed' THEN attempt_count + 1 ELSE attempt_count END,
			last_error = CASE WHEN status = 'claimed' THEN $5 ELSE last_error END
		WHERE id IN (
			SELECT id FROM notification_jobs
			WHERE (status = 'pending' AND scheduled_at <= $2)
			   OR (status = 'claimed' AND claimed_at <= $4)
			ORDER BY scheduled_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := r.db.Pool().Query(ctx, query, limit, now, workerID, now.Add(-r.claimTimeout), ClaimExpiredError)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	return jobs, nil
}

// Complete records the outcome of a claimed job. It fails with
// ErrClaimConflict when the job is no longer claimed by workerID.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, workerID string, outcome Outcome, now time.Time) (*Job, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE id = $1 AND status = 'claimed' AND claimed_by = $2
		FOR UPDATE
	`

	job, err := scanJob(tx.QueryRow(ctx, query, id, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClaimConflict
	}
	if err != nil {
		return nil, fmt.Errorf("lock claimed job: %w", err)
	}

	applyOutcome(job, outcome, now)

	updateQuery := `
		UPDATE notification_jobs
		SET status = $2, attempt_count = $3, last_error = $4, scheduled_at = $5,
			claimed_at = NULL, claimed_by = NULL, sent_at = $6, updated_at = $7
		WHERE id = $1
	`
	_, err = tx.Exec(ctx, updateQuery,
		job.ID,
		job.Status,
		job.AttemptCount,
		job.LastError,
		job.ScheduledAt,
		job.SentAt,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return job, nil
}

// CancelByRegistration cancels every pending job of a registration, along
// with claimed jobs whose claim has already expired. Live claims are left to
// finish.
func (r *Repository) CancelByRegistration(ctx context.Context, registrationID string, now time.Time) (int, error) {
	query := `
		UPDATE notification_jobs
		SET status = 'cancelled', claimed_at = NULL, claimed_by = NULL, updated_at = $2
		WHERE registration_id = $1
		  AND (status = 'pending' OR (status = 'claimed' AND claimed_at <= $3))
	`

	result, err := r.db.Pool().Exec(ctx, query, registrationID, now, now.Add(-r.claimTimeout))
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}

	cancelled := int(result.RowsAffected())
	r.logger.Info("registration jobs cancelled",
		zap.String("registration_id", registrationID),
		zap.Int("cancelled", cancelled),
	)
	return cancelled, nil
}

// Withdrawn reports whether the registration has cancelled jobs and nothing
// left pending or claimed
func (r *Repository) Withdrawn(ctx context.Context, registrationID string) (bool, error) {
	query := `
		SELECT
			EXISTS (SELECT 1 FROM notification_jobs WHERE registration_id = $1 AND status = 'cancelled')
			AND NOT EXISTS (SELECT 1 FROM notification_jobs WHERE registration_id = $1 AND status IN ('pending', 'claimed'))
	`

	var withdrawn bool
	if err := r.db.Pool().QueryRow(ctx, query, registrationID).Scan(&withdrawn); err != nil {
		return false, fmt.Errorf("check withdrawn registration: %w", err)
	}
	return withdrawn, nil
}

// GetJob retrieves a job by ID
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ListByEvent returns the jobs of an event, earliest first
func (r *Repository) ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE event_id = $1
		ORDER BY scheduled_at ASC, kind ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, eventID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query jobs by event: %w", err)
	}
	return collectJobs(rows)
}

// ListByRegistration returns the jobs of a registration, earliest first
func (r *Repository) ListByRegistration(ctx context.Context, registrationID string, limit, offset int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM notification_jobs
		WHERE registration_id = $1
		ORDER BY scheduled_at ASC, kind ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, registrationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query jobs by registration: %w", err)
	}
	return collectJobs(rows)
}

// ActiveMailSettings returns the single active delivery configuration
func (r *Repository) ActiveMailSettings(ctx context.Context) (*MailSettings, error) {
	query := `
		SELECT id, host, port, username, password, from_address, from_name,
			test_mode, test_address, updated_at
		FROM mail_settings
		WHERE active
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var s MailSettings
	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&s.ID,
		&s.Host,
		&s.Port,
		&s.Username,
		&s.Password,
		&s.FromAddress,
		&s.FromName,
		&s.TestMode,
		&s.TestAddress,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoMailSettings
	}
	if err != nil {
		return nil, fmt.Errorf("query mail settings: %w", err)
	}
	return &s, nil
}
