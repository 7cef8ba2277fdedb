package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/calflow/internal/expressions"
	"github.com/rendis/calflow/internal/handlers"
	"github.com/rendis/calflow/internal/logging"
	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/pkg/schema"
)

// outcome is what one dispatched step produced.
type outcome struct {
	step     *schema.StepRecord
	result   *handlers.Result
	err      error
	attempts []Attempt
}

// advance runs waves until the run finishes, parks, or fails. The caller
// holds the run lock and ctx is detached from the request.
func (s *schedulerImpl) advance(ctx context.Context, runID string) (*schema.Run, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.trackInflight(runID, cancel)
	defer s.untrackInflight(runID)

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	graph, err := ParseGraph(run.Workflow)
	if err != nil {
		return nil, err
	}
	planner := NewPlanner(graph)

	for {
		if run.Status != schema.RunRunning {
			return run, nil
		}
		if reason, ok := s.cancelRequested(runID); ok {
			return run, s.finishCancelled(ctx, run, graph, reason)
		}
		if err := s.settleDue(ctx, run); err != nil {
			return nil, err
		}
		if failed := firstFailed(run); failed != nil {
			return run, s.failRun(ctx, run, graph, failed.Error)
		}
		if deadline, ok := s.deadline(run); ok && !time.Now().Before(deadline) {
			return run, s.timeoutRun(ctx, run, graph)
		}

		steps := run.StepMap()
		for _, id := range planner.Unreachable(steps) {
			if err := s.skipNode(ctx, run, graph.Node(id), "no satisfied inbound edge"); err != nil {
				return nil, err
			}
		}

		ready := dispatchable(run, planner)
		if len(ready) == 0 {
			break
		}
		if err := s.dispatchWave(ctx, execCtx, run, graph, ready); err != nil {
			return nil, err
		}
		if len(run.Suspended(schema.SuspendApproval)) > 0 && firstFailed(run) == nil {
			if _, ok := s.cancelRequested(runID); !ok {
				return run, s.transitionRun(ctx, run, schema.RunPendingApproval, nil, approvalPayload(run))
			}
		}
	}

	switch {
	case len(run.Suspended(schema.SuspendApproval)) > 0:
		return run, s.transitionRun(ctx, run, schema.RunPendingApproval, nil, approvalPayload(run))
	case len(run.Suspended(schema.SuspendDelay)) > 0 || len(run.Suspended(schema.SuspendForm)) > 0:
		if err := s.transitionRun(ctx, run, schema.RunWaiting, nil, nil); err != nil {
			return nil, err
		}
		if at, ok := s.wakeAt(run); ok {
			s.armTimer(run.ID, at)
		}
		return run, nil
	}

	if err := s.skipRemaining(ctx, run, graph, "not reached"); err != nil {
		return nil, err
	}
	if err := s.transitionRun(ctx, run, schema.RunCompleted, nil, map[string]any{"steps": len(run.Steps)}); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "run completed", "steps", len(run.Steps), "elapsed_ms", time.Since(run.StartedAt).Milliseconds())
	return run, nil
}

// dispatchable returns planner-ready nodes plus steps left running by a
// crash. Those are dispatched again without a new record.
func dispatchable(run *schema.Run, planner *Planner) []string {
	var ids []string
	for _, st := range run.Steps {
		if st.Status == schema.StepRunning {
			ids = append(ids, st.NodeID)
		}
	}
	return append(ids, planner.Ready(run.StepMap())...)
}

// dispatchWave runs every ready node concurrently against one frozen scope,
// then applies the outcomes in order.
func (s *schedulerImpl) dispatchWave(ctx, execCtx context.Context, run *schema.Run, graph *Graph, ready []string) error {
	waveCtx, span := s.tracer.Start(execCtx, "calflow.wave", trace.WithAttributes(
		attribute.String("calflow.run_id", run.ID),
		attribute.Int("calflow.wave_size", len(ready)),
	))
	defer span.End()

	outcomes := make([]*outcome, len(ready))
	for i, id := range ready {
		step := run.Step(id)
		if step == nil {
			var err error
			if step, err = s.startStep(ctx, run, graph.Node(id)); err != nil {
				return err
			}
		}
		outcomes[i] = &outcome{step: step}
	}

	scope := expressions.NewScope(run)
	tasks := make([]func(context.Context) error, len(outcomes))
	for i, o := range outcomes {
		node := graph.Node(o.step.NodeID)
		tasks[i] = func(taskCtx context.Context) error {
			o.result, o.err = s.execute(taskCtx, run, node, scope, &o.attempts)
			return o.err
		}
	}

	s.metrics.WaveDispatched(len(tasks))
	s.logger.DebugContext(ctx, "dispatching wave", "nodes", ready)
	errs := s.pool.Wave(waveCtx, tasks)
	for i, o := range outcomes {
		if o.err == nil && errs[i] != nil {
			o.err = schema.NewErrorf(schema.ErrCodeExecution, "dispatch %s: %s", o.step.NodeID, errs[i].Error()).WithCause(errs[i])
		}
	}

	for _, o := range outcomes {
		if err := s.applyOutcome(ctx, run, o); err != nil {
			return err
		}
	}
	return nil
}

// execute resolves a node's config and runs its handler. Outbound handlers go
// through the retry envelope.
func (s *schedulerImpl) execute(ctx context.Context, run *schema.Run, node schema.Node, scope *expressions.Scope, attempts *[]Attempt) (*handlers.Result, error) {
	ctx, span := s.tracer.Start(ctx, "calflow.step", trace.WithAttributes(
		attribute.String("calflow.node_id", node.ID),
		attribute.String("calflow.node_type", string(node.Type)),
	))
	defer span.End()
	ctx = logging.WithNodeID(ctx, node.ID)

	res, err := s.invoke(ctx, run, node, scope, attempts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, schema.ErrorCode(err))
	}
	return res, err
}

func (s *schedulerImpl) invoke(ctx context.Context, run *schema.Run, node schema.Node, scope *expressions.Scope, attempts *[]Attempt) (*handlers.Result, error) {
	config, err := s.resolver.Resolve(node.Config, scope)
	if err != nil {
		return nil, nodeError(err, node.ID, schema.ErrCodeUnresolvedReference)
	}
	h, err := s.registry.Get(node.Type)
	if err != nil {
		return nil, nodeError(err, node.ID, schema.ErrCodeUnknownNodeType)
	}

	in := handlers.Input{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		NodeID:     node.ID,
		Config:     config,
		Scope:      scope,
		Trigger:    run.Trigger,
	}
	if ob, ok := h.(handlers.Outbound); ok {
		return s.envelope.Do(ctx, ob, in, func(a Attempt) { *attempts = append(*attempts, a) })
	}
	return h.Execute(ctx, in)
}

// applyOutcome records the result of one step. Only the scheduler goroutine
// calls it, so event sequences stay ordered.
func (s *schedulerImpl) applyOutcome(ctx context.Context, run *schema.Run, o *outcome) error {
	step := o.step
	nctx := logging.WithNodeID(ctx, step.NodeID)

	for _, a := range o.attempts {
		s.metrics.StepAttempt(step.Type, a.Code)
		if a.Attempt > 1 {
			if _, err := s.recorder.Record(nctx, run.ID, step.NodeID, schema.EventStepRetryAttempt, a); err != nil {
				return err
			}
		}
	}

	var output json.RawMessage
	if o.result != nil {
		output = o.result.Output
	}

	switch {
	case o.err != nil:
		fe := nodeError(o.err, step.NodeID, schema.ErrCodeExecution)
		s.logger.WarnContext(nctx, "step failed", "code", fe.Code, "error", fe.Message)
		return s.settleStep(nctx, run, step, schema.StepFailed, output, fe)

	case o.result.Suspend != nil:
		sus := o.result.Suspend
		step.Suspend = sus.Kind
		step.ResumeAt = sus.ResumeAt
		step.Output = output
		payload := map[string]any{"suspend": sus.Kind}
		if sus.ResumeAt != nil {
			payload["resumeAt"] = sus.ResumeAt.UTC().Format(time.RFC3339)
		}
		if err := s.stepFSM.Transition(nctx, run.ID, step.NodeID, step.Status, schema.StepPending, payload); err != nil {
			return err
		}
		step.Status = schema.StepPending
		if err := s.store.UpsertStep(nctx, step); err != nil {
			return err
		}
		if sus.Kind == schema.SuspendApproval {
			if _, err := s.recorder.Record(nctx, run.ID, step.NodeID, schema.EventApprovalRequested, output); err != nil {
				return err
			}
		}
		s.logger.InfoContext(nctx, "step suspended", "suspend", sus.Kind)
		return nil

	default:
		step.Branch = o.result.Branch
		s.logger.DebugContext(nctx, "step completed", "branch", step.Branch)
		return s.settleStep(nctx, run, step, schema.StepCompleted, output, nil)
	}
}

// settleDue completes delays whose time has come and fails forms whose
// deadline passed.
func (s *schedulerImpl) settleDue(ctx context.Context, run *schema.Run) error {
	now := time.Now()
	for _, st := range run.Steps {
		if st.Status != schema.StepPending || st.ResumeAt == nil || st.ResumeAt.After(now) {
			continue
		}
		nctx := logging.WithNodeID(ctx, st.NodeID)
		switch st.Suspend {
		case schema.SuspendDelay:
			if err := s.settleStep(nctx, run, st, schema.StepCompleted, nil, nil); err != nil {
				return err
			}
		case schema.SuspendForm:
			fe := schema.NewErrorf(schema.ErrCodeTimeout, "form was not submitted before %s", st.ResumeAt.UTC().Format(time.RFC3339)).
				WithNode(st.NodeID)
			if err := s.settleStep(nctx, run, st, schema.StepFailed, nil, fe); err != nil {
				return err
			}
		}
	}
	return nil
}

// startStep creates the running record for a node.
func (s *schedulerImpl) startStep(ctx context.Context, run *schema.Run, node schema.Node) (*schema.StepRecord, error) {
	now := time.Now().UTC()
	step := s.newStep(run, node)
	step.StartedAt = &now
	if err := s.stepFSM.Transition(logging.WithNodeID(ctx, node.ID), run.ID, node.ID, stepNone, schema.StepRunning,
		map[string]any{"type": node.Type}); err != nil {
		return nil, err
	}
	step.Status = schema.StepRunning
	if err := s.store.UpsertStep(ctx, step); err != nil {
		return nil, err
	}
	run.Steps = append(run.Steps, step)
	return step, nil
}

// skipNode records a node that will never run.
func (s *schedulerImpl) skipNode(ctx context.Context, run *schema.Run, node schema.Node, reason string) error {
	step := s.newStep(run, node)
	if err := s.stepFSM.Transition(logging.WithNodeID(ctx, node.ID), run.ID, node.ID, stepNone, schema.StepSkipped,
		map[string]any{"reason": reason}); err != nil {
		return err
	}
	step.Status = schema.StepSkipped
	if err := s.store.UpsertStep(ctx, step); err != nil {
		return err
	}
	run.Steps = append(run.Steps, step)
	return nil
}

func (s *schedulerImpl) newStep(run *schema.Run, node schema.Node) *schema.StepRecord {
	return &schema.StepRecord{
		RunID:    run.ID,
		NodeID:   node.ID,
		Label:    node.Label,
		Type:     node.Type,
		Sequence: len(run.Steps) + 1,
	}
}

// settleStep moves a running or pending step to a final status. A nil output
// keeps what the step already holds.
func (s *schedulerImpl) settleStep(ctx context.Context, run *schema.Run, step *schema.StepRecord, to schema.StepStatus, output json.RawMessage, fe *schema.FlowError) error {
	if output != nil {
		step.Output = output
	}
	var payload any = step.Output
	if fe != nil {
		payload = fe
	}
	if err := s.stepFSM.Transition(ctx, run.ID, step.NodeID, step.Status, to, payload); err != nil {
		return err
	}

	now := time.Now().UTC()
	step.Status = to
	step.Error = fe
	step.FinishedAt = &now
	if to == schema.StepSkipped {
		step.ResumeAt = nil
	}
	if err := s.store.UpsertStep(ctx, step); err != nil {
		return err
	}
	if step.StartedAt != nil {
		s.metrics.StepFinished(step.Type, to, now.Sub(*step.StartedAt))
	}
	return nil
}

// skipRemaining skips every node that has not finished: unstarted, parked and
// interrupted alike.
func (s *schedulerImpl) skipRemaining(ctx context.Context, run *schema.Run, graph *Graph, reason string) error {
	for _, id := range graph.Order {
		step := run.Step(id)
		if step == nil {
			if err := s.skipNode(ctx, run, graph.Node(id), reason); err != nil {
				return err
			}
			continue
		}
		if step.Status == schema.StepPending || step.Status == schema.StepRunning {
			if err := s.settleStep(logging.WithNodeID(ctx, id), run, step, schema.StepSkipped, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// claimRun performs the store compare-and-set for run.Status → to. The loser
// of a race gets CONFLICT and must not write anything else.
func (s *schedulerImpl) claimRun(ctx context.Context, run *schema.Run, to schema.RunStatus) error {
	if err := s.runFSM.Validate(run.ID, run.Status, to); err != nil {
		return err
	}
	return s.store.TransitionRun(ctx, run.ID, run.Status, to)
}

// commitRun records a claimed transition and persists its error and finish time.
func (s *schedulerImpl) commitRun(ctx context.Context, run *schema.Run, from, to schema.RunStatus, fe *schema.FlowError, payload any) error {
	if err := s.runFSM.Transition(ctx, run.ID, from, to, payload); err != nil {
		return err
	}
	run.Status = to
	if !to.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	run.Error = fe
	run.FinishedAt = &now
	s.timers.stop(run.ID)
	s.metrics.RunFinished(run.WorkflowID, to, now.Sub(run.StartedAt))
	return s.store.UpdateRun(ctx, run.ID, store.RunUpdate{Error: fe, FinishedAt: &now})
}

func (s *schedulerImpl) transitionRun(ctx context.Context, run *schema.Run, to schema.RunStatus, fe *schema.FlowError, payload any) error {
	from := run.Status
	if err := s.claimRun(ctx, run, to); err != nil {
		return err
	}
	return s.commitRun(ctx, run, from, to, fe, payload)
}

// failRun fails fast: nothing else is dispatched once a step has failed.
func (s *schedulerImpl) failRun(ctx context.Context, run *schema.Run, graph *Graph, cause *schema.FlowError) error {
	if cause == nil {
		cause = schema.NewError(schema.ErrCodeExecution, "step failed")
	}
	if err := s.skipRemaining(ctx, run, graph, "run failed"); err != nil {
		return err
	}
	s.logger.WarnContext(ctx, "run failed", "code", cause.Code, "node_id", cause.NodeID)
	return s.transitionRun(ctx, run, schema.RunFailed, cause, cause)
}

func (s *schedulerImpl) timeoutRun(ctx context.Context, run *schema.Run, graph *Graph) error {
	budget := s.budget(run)
	fe := schema.NewErrorf(schema.ErrCodeTimeout, "run exceeded its %s budget", budget).
		WithDetails(map[string]any{"budgetMs": budget.Milliseconds()})
	if _, err := s.recorder.Record(ctx, run.ID, "", schema.EventRunTimedOut, fe); err != nil {
		return err
	}
	return s.failRun(ctx, run, graph, fe)
}

func (s *schedulerImpl) finishCancelled(ctx context.Context, run *schema.Run, graph *Graph, reason string) error {
	if err := s.skipRemaining(ctx, run, graph, "run cancelled"); err != nil {
		return err
	}
	fe := schema.NewErrorf(schema.ErrCodeCancelled, "run cancelled: %s", reason)
	if err := s.transitionRun(ctx, run, schema.RunCancelled, fe, map[string]any{"reason": reason}); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "run cancelled", "reason", reason)
	return nil
}

// budget is the run's wall-clock limit. Workflow metadata wins over config.
func (s *schedulerImpl) budget(run *schema.Run) time.Duration {
	if run.Workflow != nil {
		if d := run.Workflow.MaxDuration(); d > 0 {
			return d
		}
	}
	return s.config.MaxRunDuration
}

func (s *schedulerImpl) deadline(run *schema.Run) (time.Time, bool) {
	b := s.budget(run)
	if b <= 0 {
		return time.Time{}, false
	}
	return run.StartedAt.Add(b), true
}

// wakeAt is when a waiting run next has something to do: the earliest parked
// deadline or the run budget, whichever comes first.
func (s *schedulerImpl) wakeAt(run *schema.Run) (time.Time, bool) {
	at, ok := nextWakeUp(run)
	if d, has := s.deadline(run); has && (!ok || d.Before(at)) {
		return d, true
	}
	return at, ok
}

func nextWakeUp(run *schema.Run) (time.Time, bool) {
	var at time.Time
	found := false
	for _, st := range run.Steps {
		if st.Status != schema.StepPending || st.ResumeAt == nil || st.Suspend == schema.SuspendApproval {
			continue
		}
		if !found || st.ResumeAt.Before(at) {
			at, found = *st.ResumeAt, true
		}
	}
	return at, found
}

func firstFailed(run *schema.Run) *schema.StepRecord {
	for _, st := range run.Steps {
		if st.Status == schema.StepFailed {
			return st
		}
	}
	return nil
}

func approvalPayload(run *schema.Run) map[string]any {
	var ids []string
	for _, st := range run.Suspended(schema.SuspendApproval) {
		ids = append(ids, st.NodeID)
	}
	return map[string]any{"suspend": schema.SuspendApproval, "nodes": ids}
}

// nodeError converts a handler error to a FlowError attributed to nodeID.
func nodeError(err error, nodeID, fallback string) *schema.FlowError {
	fe, ok := schema.AsFlowError(err)
	if !ok {
		fe = schema.NewError(fallback, err.Error()).WithCause(err)
	}
	if fe.NodeID == "" {
		fe.NodeID = nodeID
	}
	return fe
}

func stringField(raw json.RawMessage, key string) string {
	var m map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
