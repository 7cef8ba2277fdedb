package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/calflow/internal/expressions"
	"github.com/rendis/calflow/internal/handlers"
	"github.com/rendis/calflow/internal/logging"
	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/internal/streaming"
	"github.com/rendis/calflow/pkg/schema"
)

// Scheduler drives runs through their workflow graph. Every operation that
// changes a run holds that run's lock, so each run has a single writer while
// unrelated runs proceed in parallel.
type Scheduler interface {
	// StartRun creates a run of a published workflow and advances it until it
	// completes, fails, or parks.
	StartRun(ctx context.Context, workflowID string, trigger schema.TriggerEvent) (*schema.Run, error)

	// Resume re-enters the loop of a running or waiting run from its stored steps.
	Resume(ctx context.Context, runID string) (*schema.Run, error)

	// ResolveApproval applies exactly one decision to an open approval.
	ResolveApproval(ctx context.Context, runID string, decision schema.Decision) (*schema.Run, error)

	// SubmitForm completes a parked form step with the submitted data.
	SubmitForm(ctx context.Context, runID, nodeID string, data map[string]any) (*schema.Run, error)

	// Cancel stops dispatch, best-effort cancels in-flight handlers and makes
	// the run terminal.
	Cancel(ctx context.Context, runID, reason string) (*schema.Run, error)

	GetRun(ctx context.Context, runID string) (*schema.Run, error)

	// ListPendingApprovals returns runs parked on an approval. olderThan > 0
	// keeps only runs that have been waiting at least that long.
	ListPendingApprovals(ctx context.Context, workflowID string, olderThan time.Duration) ([]*schema.Run, error)

	// Recover re-arms timers and resumes interrupted runs after a restart.
	Recover(ctx context.Context) error

	// Breakers reports the per-host circuit breakers.
	Breakers() []BreakerStats

	// Pool reports worker pool occupancy.
	Pool() PoolStats

	// Shutdown stops timers and waits for in-flight handlers.
	Shutdown()
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// Config holds scheduler settings and optional collaborators.
type Config struct {
	PoolSize       int                   // max concurrent handlers across runs
	MaxRunDuration time.Duration         // run wall-clock budget; workflow metadata overrides
	MaxBackoff     time.Duration         // cap for envelope backoff
	CircuitBreaker *CircuitBreakerConfig // nil = defaults

	Hub     streaming.EventHub
	Metrics Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type schedulerImpl struct {
	store    store.Store
	registry *handlers.Registry
	resolver *expressions.Resolver
	recorder EventRecorder
	runFSM   *RunFSM
	stepFSM  *StepFSM
	envelope *Envelope
	breakers *CircuitBreakerRegistry
	pool     *WorkerPool
	locks    *runLocks
	timers   *timerSet
	metrics  Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	config   Config

	// baseCtx outlives requests; timer wake-ups run under it.
	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*inflightRun
}

// inflightRun lets Cancel reach a run whose wave is executing.
type inflightRun struct {
	cancel    context.CancelFunc
	cancelled bool
	reason    string
}

// NewScheduler creates a Scheduler over a store and a handler registry.
func NewScheduler(s store.Store, registry *handlers.Registry, cfg Config) Scheduler {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/rendis/calflow/internal/engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	recorder := &publishingRecorder{log: store.NewEventLog(s), hub: cfg.Hub}
	breakers := NewCircuitBreakerRegistry(cbConfig)
	baseCtx, stop := context.WithCancel(context.Background())

	sc := &schedulerImpl{
		store:    s,
		registry: registry,
		resolver: expressions.NewResolver(),
		recorder: recorder,
		runFSM:   NewRunFSM(recorder),
		stepFSM:  NewStepFSM(recorder),
		envelope: NewEnvelope(breakers, cfg.MaxBackoff),
		breakers: breakers,
		pool:     NewWorkerPool(cfg.PoolSize),
		locks:    newRunLocks(),
		timers:   newTimerSet(),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		config:   cfg,
		baseCtx:  baseCtx,
		stop:     stop,
		inflight: make(map[string]*inflightRun),
	}

	breakers.OnStateChange(func(host string, from, to CircuitState) {
		sc.metrics.CircuitStateChanged(host, to.String())
		sc.logger.Warn("circuit breaker state change", "host", host, "from", from.String(), "to", to.String())
	})
	sc.runFSM.OnEnter(schema.RunRunning, func(ctx context.Context, t Transition) error {
		if t.From == string(schema.RunCreated) {
			sc.metrics.RunStarted(logging.WorkflowID(ctx))
		}
		return nil
	})
	return sc
}

func (s *schedulerImpl) StartRun(ctx context.Context, workflowID string, trigger schema.TriggerEvent) (*schema.Run, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowPublished {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "workflow %q is %s, only published workflows can run", wf.ID, wf.Status)
	}
	if _, err := ParseGraph(wf); err != nil {
		return nil, err
	}
	if trigger.Kind == "" {
		trigger.Kind = schema.TriggerManual
	}

	now := time.Now().UTC()
	run := &schema.Run{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Workflow:        wf,
		Status:          schema.RunCreated,
		Trigger:         trigger,
		Steps:           []*schema.StepRecord{},
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	ctx = logging.WithRun(context.WithoutCancel(ctx), run.WorkflowID, run.ID)
	unlock := s.locks.lock(run.ID)
	defer unlock()

	if err := s.transitionRun(ctx, run, schema.RunRunning, nil, map[string]any{"trigger": trigger.Kind}); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "run started", "trigger", trigger.Kind)
	return s.advance(ctx, run.ID)
}

func (s *schedulerImpl) Resume(ctx context.Context, runID string) (*schema.Run, error) {
	unlock := s.locks.lock(runID)
	defer unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(context.WithoutCancel(ctx), run.WorkflowID, run.ID)

	switch run.Status {
	case schema.RunCreated:
		if err := s.transitionRun(ctx, run, schema.RunRunning, nil, nil); err != nil {
			return nil, err
		}
	case schema.RunWaiting:
		at, ok := s.wakeAt(run)
		if !ok {
			return run, nil
		}
		if at.After(time.Now()) {
			s.armTimer(run.ID, at)
			return run, nil
		}
		if err := s.transitionRun(ctx, run, schema.RunRunning, nil, nil); err != nil {
			return nil, err
		}
	case schema.RunRunning:
	default:
		return run, nil
	}
	return s.advance(ctx, run.ID)
}

func (s *schedulerImpl) ResolveApproval(ctx context.Context, runID string, d schema.Decision) (*schema.Run, error) {
	unlock := s.locks.lock(runID)
	defer unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(context.WithoutCancel(ctx), run.WorkflowID, run.ID)

	if run.Status != schema.RunPendingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "run %s is %s, not pending-approval", run.ID, run.Status).
			WithDetails(map[string]any{"run_id": run.ID, "status": string(run.Status)})
	}
	step, err := openApproval(run, d.NodeID)
	if err != nil {
		return nil, err
	}

	approver := stringField(step.Output, "approver")
	now := time.Now().UTC()
	output := map[string]any{
		"decision":   d.Verb(),
		"approver":   approver,
		"actor":      d.Actor,
		"comment":    d.Comment,
		"resolvedAt": now.Format(time.RFC3339),
	}

	if !d.Approve {
		// Claim the run first so a concurrent decision loses before any write.
		if err := s.claimRun(ctx, run, schema.RunFailed); err != nil {
			return nil, err
		}
		fe := schema.NewErrorf(schema.ErrCodeApprovalRejected, "approval rejected by %s", actorOr(d.Actor)).
			WithNode(step.NodeID).
			WithDetails(map[string]any{"approver": approver, "actor": d.Actor, "comment": d.Comment})
		if _, err := s.recorder.Record(ctx, run.ID, step.NodeID, schema.EventApprovalResolved, output); err != nil {
			return nil, err
		}
		if err := s.settleStep(ctx, run, step, schema.StepFailed, mustJSON(output), fe); err != nil {
			return nil, err
		}
		graph, err := ParseGraph(run.Workflow)
		if err != nil {
			return nil, err
		}
		if err := s.skipRemaining(ctx, run, graph, "approval rejected"); err != nil {
			return nil, err
		}
		if err := s.commitRun(ctx, run, schema.RunPendingApproval, schema.RunFailed, fe, fe); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "approval rejected", "node_id", step.NodeID, "actor", d.Actor)
		return run, nil
	}

	if err := s.transitionRun(ctx, run, schema.RunRunning, nil, map[string]any{"approval": step.NodeID}); err != nil {
		return nil, err
	}
	if _, err := s.recorder.Record(ctx, run.ID, step.NodeID, schema.EventApprovalResolved, output); err != nil {
		return nil, err
	}
	if err := s.settleStep(ctx, run, step, schema.StepCompleted, mustJSON(output), nil); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "approval granted", "node_id", step.NodeID, "actor", d.Actor)
	return s.advance(ctx, run.ID)
}

func (s *schedulerImpl) SubmitForm(ctx context.Context, runID, nodeID string, data map[string]any) (*schema.Run, error) {
	unlock := s.locks.lock(runID)
	defer unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(context.WithoutCancel(ctx), run.WorkflowID, run.ID)

	if run.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "run %s is %s", run.ID, run.Status)
	}
	step := run.Step(nodeID)
	if step == nil || step.Type != schema.NodeForm || step.Status != schema.StepPending || step.Suspend != schema.SuspendForm {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "node %s of run %s is not awaiting a form submission", nodeID, run.ID).
			WithNode(nodeID)
	}

	if data == nil {
		data = map[string]any{}
	}
	output := map[string]any{
		"formId":      stringField(step.Output, "formId"),
		"submitted":   data,
		"submittedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.recorder.Record(ctx, run.ID, nodeID, schema.EventFormSubmitted, map[string]any{"fields": len(data)}); err != nil {
		return nil, err
	}
	if err := s.settleStep(ctx, run, step, schema.StepCompleted, mustJSON(output), nil); err != nil {
		return nil, err
	}

	if run.Status != schema.RunWaiting {
		return run, nil
	}
	if err := s.transitionRun(ctx, run, schema.RunRunning, nil, map[string]any{"form": nodeID}); err != nil {
		return nil, err
	}
	return s.advance(ctx, run.ID)
}

func (s *schedulerImpl) Cancel(ctx context.Context, runID, reason string) (*schema.Run, error) {
	if reason == "" {
		reason = "cancelled"
	}
	s.mu.Lock()
	if ir, ok := s.inflight[runID]; ok {
		ir.cancelled = true
		ir.reason = reason
		ir.cancel()
	}
	s.mu.Unlock()

	unlock := s.locks.lock(runID)
	defer unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(context.WithoutCancel(ctx), run.WorkflowID, run.ID)

	switch {
	case run.Status == schema.RunCancelled:
		return run, nil
	case run.Status.Terminal():
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "run %s is already %s", run.ID, run.Status)
	}

	graph, err := ParseGraph(run.Workflow)
	if err != nil {
		return nil, err
	}
	if err := s.finishCancelled(ctx, run, graph, reason); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *schedulerImpl) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	return s.store.GetRun(ctx, runID)
}

func (s *schedulerImpl) ListPendingApprovals(ctx context.Context, workflowID string, olderThan time.Duration) ([]*schema.Run, error) {
	filter := store.RunFilter{
		WorkflowID: workflowID,
		Statuses:   []schema.RunStatus{schema.RunPendingApproval},
	}
	if olderThan > 0 {
		before := time.Now().UTC().Add(-olderThan)
		filter.UpdatedBefore = &before
	}
	return s.store.ListRuns(ctx, filter)
}

func (s *schedulerImpl) Recover(ctx context.Context) error {
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		Statuses: []schema.RunStatus{schema.RunCreated, schema.RunRunning, schema.RunWaiting},
	})
	if err != nil {
		return err
	}

	var resumed, armed int
	for _, run := range runs {
		if run.Status == schema.RunWaiting {
			at, ok := s.wakeAt(run)
			if !ok {
				// Parked on a form with no deadline: nothing to arm.
				continue
			}
			if at.After(time.Now()) {
				s.armTimer(run.ID, at)
				armed++
				continue
			}
		}
		if _, err := s.Resume(ctx, run.ID); err != nil {
			s.logger.ErrorContext(logging.WithRun(ctx, run.WorkflowID, run.ID), "recover run", "error", err)
			continue
		}
		resumed++
	}
	s.logger.InfoContext(ctx, "recovery complete", "resumed", resumed, "timers_armed", armed)
	return nil
}

func (s *schedulerImpl) Breakers() []BreakerStats {
	return s.breakers.Stats()
}

func (s *schedulerImpl) Pool() PoolStats {
	return s.pool.Stats()
}

func (s *schedulerImpl) Shutdown() {
	s.stop()
	s.timers.stopAll()
	s.pool.Shutdown()
}

func (s *schedulerImpl) armTimer(runID string, at time.Time) {
	s.timers.arm(runID, at, func() {
		if s.baseCtx.Err() != nil {
			return
		}
		if _, err := s.Resume(s.baseCtx, runID); err != nil {
			s.logger.Error("resume after timer", "run_id", runID, "error", err)
		}
	})
}

func (s *schedulerImpl) trackInflight(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[runID] = &inflightRun{cancel: cancel}
}

func (s *schedulerImpl) untrackInflight(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, runID)
}

// cancelRequested returns the pending cancellation reason, if any.
func (s *schedulerImpl) cancelRequested(runID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ir, ok := s.inflight[runID]
	if !ok || !ir.cancelled {
		return "", false
	}
	return ir.reason, true
}

// openApproval picks the approval a decision applies to.
func openApproval(run *schema.Run, nodeID string) (*schema.StepRecord, error) {
	open := run.Suspended(schema.SuspendApproval)
	if nodeID != "" {
		i := slices.IndexFunc(open, func(st *schema.StepRecord) bool { return st.NodeID == nodeID })
		if i < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "node %s of run %s is not an open approval", nodeID, run.ID).WithNode(nodeID)
		}
		return open[i], nil
	}
	switch len(open) {
	case 0:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "run %s has no open approval", run.ID)
	case 1:
		return open[0], nil
	}
	ids := make([]string, len(open))
	for i, st := range open {
		ids[i] = st.NodeID
	}
	return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "run %s has %d open approvals, nodeId is required", run.ID, len(open)).
		WithDetails(map[string]any{"open": ids})
}

func actorOr(actor string) string {
	if actor == "" {
		return "an approver"
	}
	return actor
}
