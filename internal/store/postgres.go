package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/calflow/pkg/schema"
)

// PostgresStore implements the Store interface on a pgx connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to dsn and returns a Store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Migrate applies pending migrations, one transaction each.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := migrate(ctx, pgxTarget{pool: s.db})
	return err
}

// --- Workflows ---

func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflows (id, name, status, version, definition, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, status = EXCLUDED.status,
		   version = EXCLUDED.version, definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.Name, string(wf.Status), wf.Version, string(def), timeOrNow(wf.CreatedAt), time.Now().UTC(),
	)
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRow(ctx,
		`SELECT definition, created_at, updated_at FROM workflows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT definition, created_at, updated_at FROM workflows`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("workflow", id)
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *schema.Run) error {
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			run.ID, run.WorkflowID, run.WorkflowVersion, nullBytes(enc.workflow), string(run.Status),
			string(enc.trigger), nullBytes(enc.errJSON), timeOrNow(run.StartedAt), nullTime(run.FinishedAt),
			timeOrNow(run.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		for _, st := range run.Steps {
			st.RunID = run.ID
			if err := pgUpsertStep(ctx, tx, st); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	if run.Steps, err = s.ListSteps(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	b := newPgArgs(time.Now().UTC())
	sets := []string{"updated_at = $1"}

	if update.Status != nil {
		sets = append(sets, "status = "+b.add(string(*update.Status)))
	}
	if update.Error != nil {
		raw, err := marshalFlowError(update.Error)
		if err != nil {
			return err
		}
		sets = append(sets, "error = "+b.add(string(raw)))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = "+b.add(*update.FinishedAt))
	}
	where := b.add(id)

	tag, err := s.db.Exec(ctx, `UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = `+where, b.args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("run", id)
	}
	return nil
}

func (s *PostgresStore) TransitionRun(ctx context.Context, id string, from, to schema.RunStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var actual string
	err = s.db.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return storeNotFound("run", id)
	}
	if err != nil {
		return err
	}
	return transitionConflict(id, from, schema.RunStatus(actual))
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	b := newPgArgs()
	var where []string

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = "+b.add(filter.WorkflowID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+b.add(statuses)+")")
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < "+b.add(*filter.UpdatedBefore))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.Query(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	var runs []*schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, run := range runs {
		if run.Steps, err = s.ListSteps(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// --- Steps ---

func (s *PostgresStore) UpsertStep(ctx context.Context, step *schema.StepRecord) error {
	return pgUpsertStep(ctx, s.db, step)
}

// pgExecer is satisfied by *pgxpool.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgUpsertStep(ctx context.Context, db pgExecer, step *schema.StepRecord) error {
	errJSON, err := marshalFlowError(step.Error)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx,
		`INSERT INTO steps (`+stepColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (run_id, node_id) DO UPDATE SET
		   label = EXCLUDED.label, type = EXCLUDED.type, status = EXCLUDED.status, sequence = EXCLUDED.sequence,
		   branch = EXCLUDED.branch, suspend = EXCLUDED.suspend, output = EXCLUDED.output, error = EXCLUDED.error,
		   started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at, resume_at = EXCLUDED.resume_at`,
		step.RunID, step.NodeID, nullStr(step.Label), string(step.Type), string(step.Status), step.Sequence,
		nullStr(step.Branch), nullStr(string(step.Suspend)), nullBytes(step.Output), nullBytes(errJSON),
		nullTime(step.StartedAt), nullTime(step.FinishedAt), nullTime(step.ResumeAt),
	)
	if err != nil {
		return fmt.Errorf("upsert step %s/%s: %w", step.RunID, step.NodeID, err)
	}
	return nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, runID string) ([]*schema.StepRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY sequence`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []*schema.StepRecord{}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) ListRecentSteps(ctx context.Context, filter StepFilter) ([]*schema.StepRecord, error) {
	b := newPgArgs()
	var where []string

	if filter.WorkflowID != "" {
		where = append(where, "run_id IN (SELECT id FROM runs WHERE workflow_id = "+b.add(filter.WorkflowID)+")")
	}
	if filter.Type != "" {
		where = append(where, "type = "+b.add(string(filter.Type)))
	}
	if filter.Status != "" {
		where = append(where, "status = "+b.add(string(filter.Status)))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= "+b.add(*filter.Since))
	}

	query := `SELECT ` + stepColumns + ` FROM steps`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC NULLS LAST"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*schema.StepRecord
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	event.Timestamp = timeOrNow(event.Timestamp)
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		// Serialize sequence allocation per run.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.RunID); err != nil {
			return fmt.Errorf("lock run events: %w", err)
		}
		return tx.QueryRow(ctx,
			`INSERT INTO events (run_id, node_id, event_type, payload, occurred_at, sequence)
			 VALUES ($1, $2, $3, $4, $5, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = $1))
			 RETURNING id, sequence`,
			event.RunID, nullStr(event.NodeID), event.Type, nullBytes(event.Payload), event.Timestamp,
		).Scan(&event.ID, &event.Sequence)
	})
}

func (s *PostgresStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, run_id, node_id, event_type, payload, occurred_at, sequence
		 FROM events WHERE run_id = $1 AND sequence > $2 ORDER BY sequence`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

func (s *PostgresStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sched.ID, sched.WorkflowID, nullStr(sched.NodeID), sched.CronExpression, nullBytes(sched.Payload),
		sched.Enabled, nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), nullStr(sched.LastRunID), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sc, err
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	b := newPgArgs()
	var sets []string

	if update.Enabled != nil {
		sets = append(sets, "enabled = "+b.add(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = "+b.add(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = "+b.add(*update.NextRunAt))
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = "+b.add(update.LastRunStatus))
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = "+b.add(update.LastRunID))
	}
	if len(sets) == 0 {
		return nil
	}
	where := b.add(id)

	tag, err := s.db.Exec(ctx, `UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = `+where, b.args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("schedule", id)
	}
	return nil
}

func (s *PostgresStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	b := newPgArgs()
	var where []string

	if filter.Enabled != nil {
		where = append(where, "enabled = "+b.add(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = "+b.add(filter.WorkflowID))
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("schedule", id)
	}
	return nil
}

// pgArgs numbers positional parameters as they are added.
type pgArgs struct {
	args []any
}

func newPgArgs(initial ...any) *pgArgs {
	return &pgArgs{args: initial}
}

func (b *pgArgs) add(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

var _ Store = (*PostgresStore)(nil)
