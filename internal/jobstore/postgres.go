package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/phamdk/lingocore/internal/job"
)

// Postgres is the production job.Store backed by a jobs table.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ job.Store = (*Postgres)(nil)

// NewPostgres creates a Postgres-backed store.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// Get retrieves a job row by id.
func (s *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	query := `
		SELECT job_id, job_type, priority, status, owner_id, org_id, payload,
		       progress, current_step, total_steps, result, error, attempts,
		       created_at, started_at, completed_at
		FROM jobs
		WHERE job_id = $1
	`

	var (
		j        job.Job
		priority string
		orgID    sql.NullString
		payload  []byte
		result   []byte
		errMsg   sql.NullString
		started  sql.NullTime
		done     sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID, &j.Type, &priority, &j.Status, &j.OwnerID, &orgID, &payload,
		&j.Progress, &j.CurrentStep, &j.TotalSteps, &result, &errMsg, &j.Attempts,
		&j.CreatedAt, &started, &done,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	j.Priority = job.ParsePriority(priority)
	j.Payload = payload
	j.Result = result
	if orgID.Valid {
		j.OrgID = orgID.String
	}
	if errMsg.Valid {
		j.Error = errMsg.String
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if done.Valid {
		t := done.Time
		j.CompletedAt = &t
	}

	return &j, nil
}

// Create inserts a new job row.
func (s *Postgres) Create(ctx context.Context, j *job.Job) error {
	query := `
		INSERT INTO jobs (job_id, job_type, priority, status, owner_id, org_id,
		                  payload, progress, current_step, total_steps, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.Type, j.Priority.String(), j.Status, j.OwnerID, j.OrgID,
		[]byte(j.Payload), j.Progress, j.CurrentStep, j.TotalSteps, j.Attempts, j.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return job.ErrAlreadyExists
		}
		return fmt.Errorf("create job: %w", err)
	}

	s.logger.Debug("job row created",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
	)
	return nil
}

// Update applies a patch as a dynamic SET clause. Only the restricted
// patch fields are ever written; payload and ownership stay untouched.
func (s *Postgres) Update(ctx context.Context, id string, p job.Patch) error {
	sets := make([]string, 0, 9)
	args := make([]any, 0, 10)

	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.Progress != nil {
		add("progress", *p.Progress)
	}
	if p.CurrentStep != nil {
		add("current_step", *p.CurrentStep)
	}
	if p.TotalSteps != nil {
		add("total_steps", *p.TotalSteps)
	}
	if p.Result != nil {
		add("result", []byte(p.Result))
	}
	if p.Error != nil {
		add("error", *p.Error)
	}
	if p.Attempts != nil {
		add("attempts", *p.Attempts)
	}
	if p.StartedAt != nil {
		add("started_at", *p.StartedAt)
	} else if p.ClearStartedAt {
		sets = append(sets, "started_at = NULL")
	}
	if p.CompletedAt != nil {
		add("completed_at", *p.CompletedAt)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE job_id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.ErrNotFound
	}
	return nil
}
