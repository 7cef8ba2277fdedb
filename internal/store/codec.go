package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/calflow/pkg/schema"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, workflow_id, workflow_version, workflow, status, trigger_event, error, started_at, finished_at, updated_at`

const stepColumns = `run_id, node_id, label, type, status, sequence, branch, suspend, output, error, started_at, finished_at, resume_at`

const scheduleColumns = `id, workflow_id, node_id, cron_expression, payload, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at`

// runRow is the column encoding of a run shared by the SQL stores.
type runRow struct {
	workflow []byte
	trigger  []byte
	errJSON  []byte
}

func encodeRun(run *schema.Run) (runRow, error) {
	var r runRow
	var err error
	if run.Workflow != nil {
		if r.workflow, err = json.Marshal(run.Workflow); err != nil {
			return r, fmt.Errorf("marshal workflow snapshot: %w", err)
		}
	}
	if r.trigger, err = json.Marshal(run.Trigger); err != nil {
		return r, fmt.Errorf("marshal trigger: %w", err)
	}
	if r.errJSON, err = marshalFlowError(run.Error); err != nil {
		return r, err
	}
	return r, nil
}

func scanRun(row rowScanner) (*schema.Run, error) {
	run := &schema.Run{}
	var (
		status                 string
		workflow, trig, errRaw []byte
		finishedAt             sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersion, &workflow, &status,
		&trig, &errRaw, &run.StartedAt, &finishedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if len(workflow) > 0 {
		run.Workflow = &schema.Workflow{}
		if err := json.Unmarshal(workflow, run.Workflow); err != nil {
			return nil, fmt.Errorf("unmarshal workflow snapshot: %w", err)
		}
	}
	if len(trig) > 0 {
		if err := json.Unmarshal(trig, &run.Trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger: %w", err)
		}
	}
	fe, err := unmarshalFlowError(errRaw)
	if err != nil {
		return nil, err
	}
	run.Error = fe
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	run.Steps = []*schema.StepRecord{}
	return run, nil
}

func scanStep(row rowScanner) (*schema.StepRecord, error) {
	st := &schema.StepRecord{}
	var (
		label, branch, suspend          sql.NullString
		nodeType, status                string
		output, errRaw                  []byte
		startedAt, finishedAt, resumeAt sql.NullTime
	)
	if err := row.Scan(&st.RunID, &st.NodeID, &label, &nodeType, &status, &st.Sequence,
		&branch, &suspend, &output, &errRaw, &startedAt, &finishedAt, &resumeAt); err != nil {
		return nil, err
	}
	st.Label = label.String
	st.Type = schema.NodeType(nodeType)
	st.Status = schema.StepStatus(status)
	st.Branch = branch.String
	st.Suspend = schema.SuspendKind(suspend.String)
	if len(output) > 0 {
		st.Output = json.RawMessage(output)
	}
	fe, err := unmarshalFlowError(errRaw)
	if err != nil {
		return nil, err
	}
	st.Error = fe
	st.StartedAt = timePtr(startedAt)
	st.FinishedAt = timePtr(finishedAt)
	st.ResumeAt = timePtr(resumeAt)
	return st, nil
}

func scanEvent(row rowScanner) (*schema.Event, error) {
	e := &schema.Event{}
	var nodeID sql.NullString
	var payload []byte
	if err := row.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
		return nil, err
	}
	e.NodeID = nodeID.String
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return e, nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sc := &Schedule{}
	var (
		nodeID, lastStatus, lastRunID sql.NullString
		payload                       []byte
		lastRunAt, nextRunAt          sql.NullTime
	)
	if err := row.Scan(&sc.ID, &sc.WorkflowID, &nodeID, &sc.CronExpression, &payload, &sc.Enabled,
		&lastRunAt, &nextRunAt, &lastStatus, &lastRunID, &sc.CreatedAt); err != nil {
		return nil, err
	}
	sc.NodeID = nodeID.String
	if len(payload) > 0 {
		sc.Payload = json.RawMessage(payload)
	}
	sc.LastRunAt = timePtr(lastRunAt)
	sc.NextRunAt = timePtr(nextRunAt)
	sc.LastRunStatus = lastStatus.String
	sc.LastRunID = lastRunID.String
	return sc, nil
}

func marshalFlowError(fe *schema.FlowError) ([]byte, error) {
	if fe == nil {
		return nil, nil
	}
	b, err := json.Marshal(fe)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}
	return b, nil
}

func unmarshalFlowError(raw []byte) (*schema.FlowError, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	fe := &schema.FlowError{}
	if err := json.Unmarshal(raw, fe); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	return fe, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
