package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
)

type dialect struct {
	name     string
	jsonType string
	timeType string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
}

var (
	postgresDialect = dialect{name: "postgres", jsonType: "JSONB", timeType: "TIMESTAMPTZ", numbered: true}
	sqliteDialect   = dialect{name: "sqlite", jsonType: "TEXT", timeType: "TIMESTAMP"}
)

func (d dialect) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	provider TEXT NOT NULL,
	task TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	params %[1]s NOT NULL,
	inputs %[1]s NOT NULL,
	outputs %[1]s NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	meta %[1]s NOT NULL,
	content_sensitive BOOLEAN NOT NULL DEFAULT FALSE,
	consent BOOLEAN NOT NULL DEFAULT FALSE,
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL,
	started_at %[2]s NULL,
	finished_at %[2]s NULL
)`, d.jsonType, d.timeType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_transitions (
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	to_status TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	at %s NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, to_status)
)`, d.timeType),
		`CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status)`,
	}
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

const jobColumns = `id, status, provider, task, prompt, params, inputs, outputs, error, meta,
	content_sensitive, consent, webhook_url, created_at, updated_at, started_at, finished_at`

// SQLJobStore keeps jobs in a relational database. Every state change is a
// single conditional UPDATE so concurrent claimers cannot both win.
type SQLJobStore struct {
	db      *sql.DB
	dialect dialect
}

func newSQLJobStore(ctx context.Context, db *sql.DB, d dialect) (*SQLJobStore, error) {
	store := &SQLJobStore{db: db, dialect: d}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLJobStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s jobs schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *SQLJobStore) Close() error {
	return s.db.Close()
}

func (s *SQLJobStore) Create(ctx context.Context, job domain.Job) error {
	params, err := encodeJSON(job.Params, "{}")
	if err != nil {
		return fmt.Errorf("marshal job params: %w", err)
	}
	inputs, err := encodeJSON(job.Inputs, "[]")
	if err != nil {
		return fmt.Errorf("marshal job inputs: %w", err)
	}
	outputs, err := encodeJSON(job.Outputs, "{}")
	if err != nil {
		return fmt.Errorf("marshal job outputs: %w", err)
	}
	meta, err := encodeJSON(job.Meta, "{}")
	if err != nil {
		return fmt.Errorf("marshal job meta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID,
		job.Status,
		job.Provider,
		job.Task,
		job.Prompt,
		params,
		inputs,
		outputs,
		job.Error,
		meta,
		job.ContentSensitive,
		job.Consent,
		job.WebhookURL,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for _, t := range job.History {
		if err := s.insertTransition(ctx, tx, job.ID, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (s *SQLJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	if job.History, err = s.history(ctx, id); err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (s *SQLJobStore) List(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.ListByStatus(ctx, "", limit)
}

func (s *SQLJobStore) ListByStatus(ctx context.Context, status string, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, 2)
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	_ = rows.Close()

	for i := range jobs {
		if jobs[i].History, err = s.history(ctx, jobs[i].ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *SQLJobStore) Claim(ctx context.Context, id string, now time.Time) (domain.Job, error) {
	now = now.UTC()
	return s.transition(ctx, id, domain.JobStatusQueued, domain.JobStatusRunning, "", now,
		`, started_at = ?`, now)
}

func (s *SQLJobStore) Succeed(ctx context.Context, id string, outputs map[string]string, meta map[string]any, now time.Time) (domain.Job, error) {
	if len(outputs) == 0 {
		return domain.Job{}, fmt.Errorf("%w: success requires at least one output", domain.ErrInvalidTransition)
	}
	encodedOutputs, err := encodeJSON(outputs, "{}")
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job outputs: %w", err)
	}
	encodedMeta, err := encodeJSON(meta, "{}")
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job meta: %w", err)
	}
	now = now.UTC()
	return s.transition(ctx, id, domain.JobStatusRunning, domain.JobStatusSucceeded, "", now,
		`, outputs = ?, meta = ?, error = '', finished_at = ?`, encodedOutputs, encodedMeta, now)
}

func (s *SQLJobStore) Fail(ctx context.Context, id, message string, now time.Time) (domain.Job, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "job failed"
	}
	now = now.UTC()
	return s.transition(ctx, id, domain.JobStatusRunning, domain.JobStatusFailed, message, now,
		`, outputs = '{}', error = ?, finished_at = ?`, message, now)
}

func (s *SQLJobStore) transition(ctx context.Context, id, from, to, reason string, now time.Time, set string, setArgs ...any) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin job transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, 0, len(setArgs)+4)
	args = append(args, to, now)
	args = append(args, setArgs...)
	args = append(args, id, from)
	res, err := tx.ExecContext(ctx,
		s.dialect.rebind(`UPDATE jobs SET status = ?, updated_at = ?`+set+` WHERE id = ? AND status = ?`),
		args...,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job %s to %s: %w", id, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job %s to %s: %w", id, to, err)
	}
	if affected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT status FROM jobs WHERE id = ?`), id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		if err != nil {
			return domain.Job{}, fmt.Errorf("query job status: %w", err)
		}
		return domain.Job{}, &domain.TransitionError{JobID: id, From: current, To: to}
	}

	if err := s.insertTransition(ctx, tx, id, domain.Transition{From: from, To: to, At: now, Reason: reason}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit job transition: %w", err)
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job, nil
}

func (s *SQLJobStore) insertTransition(ctx context.Context, tx *sql.Tx, id string, t domain.Transition) error {
	_, err := tx.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO job_transitions (job_id, to_status, from_status, at, reason) VALUES (?, ?, ?, ?, ?)`),
		id, t.To, t.From, t.At.UTC(), t.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert job transition: %w", err)
	}
	return nil
}

func (s *SQLJobStore) history(ctx context.Context, id string) ([]domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT from_status, to_status, at, reason FROM job_transitions WHERE job_id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("query job history: %w", err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.From, &t.To, &t.At, &t.Reason); err != nil {
			return nil, fmt.Errorf("scan job history: %w", err)
		}
		t.At = t.At.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query job history: %w", err)
	}
	// Each status is entered at most once, so lifecycle order is total.
	sort.SliceStable(out, func(i, j int) bool { return statusRank(out[i].To) < statusRank(out[j].To) })
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		job                           domain.Job
		params, inputs, outputs, meta []byte
		startedAt, finishedAt         sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Provider,
		&job.Task,
		&job.Prompt,
		&params,
		&inputs,
		&outputs,
		&job.Error,
		&meta,
		&job.ContentSensitive,
		&job.Consent,
		&job.WebhookURL,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return domain.Job{}, err
	}

	if err := decodeJSON(params, &job.Params); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job params: %w", err)
	}
	if err := decodeJSON(inputs, &job.Inputs); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job inputs: %w", err)
	}
	if err := decodeJSON(outputs, &job.Outputs); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job outputs: %w", err)
	}
	if err := decodeJSON(meta, &job.Meta); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job meta: %w", err)
	}
	if len(job.Params) == 0 {
		job.Params = nil
	}
	if len(job.Outputs) == 0 {
		job.Outputs = nil
	}
	if len(job.Meta) == 0 {
		job.Meta = nil
	}
	job.Progress = domain.ProgressFor(job.Status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		job.FinishedAt = &t
	}
	return job, nil
}

// encodeJSON returns text so lib/pq does not send the value as bytea.
func encodeJSON(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func statusRank(status string) int {
	switch status {
	case domain.JobStatusQueued:
		return 0
	case domain.JobStatusRunning:
		return 1
	default:
		return 2
	}
}
