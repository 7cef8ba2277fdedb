package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/pkg/schema"
)

// DefaultTickInterval is how often the store is polled for due schedules.
const DefaultTickInterval = 30 * time.Second

// CronTrigger polls the store for due schedules and starts their runs.
type CronTrigger struct {
	store    store.Store
	starter  Starter
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule ids currently starting a run
}

// NewCronTrigger creates a CronTrigger. interval <= 0 uses DefaultTickInterval.
func NewCronTrigger(s store.Store, starter Starter, interval time.Duration, logger *slog.Logger) *CronTrigger {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CronTrigger{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Start launches the polling loop. It ticks once immediately.
func (c *CronTrigger) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("cron trigger already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(loopCtx)
	c.logger.Info("cron trigger started", slog.Duration("interval", c.interval))
	return nil
}

func (c *CronTrigger) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Stop ends the polling loop and waits for the current tick.
func (c *CronTrigger) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	c.logger.Info("cron trigger stopped")
}

// Tick starts a run for every enabled schedule whose next run is due.
// A schedule without a next run time is due immediately.
func (c *CronTrigger) Tick(ctx context.Context) int {
	enabled := true
	schedules, err := c.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		c.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return 0
	}

	now := c.now()
	fired := 0
	for _, sc := range schedules {
		if sc.NextRunAt != nil && sc.NextRunAt.After(now) {
			continue
		}
		if !c.tryAcquire(sc.ID) {
			continue
		}
		if err := c.fire(ctx, sc, now); err != nil {
			c.logger.Error("failed to fire schedule",
				slog.String("schedule_id", sc.ID),
				slog.String("workflow_id", sc.WorkflowID),
				slog.String("error", err.Error()),
			)
		} else {
			fired++
		}
		c.release(sc.ID)
	}
	return fired
}

// fire starts one run and moves the schedule to its next slot. A failed start
// still advances the schedule so a broken workflow does not fire every tick.
func (c *CronTrigger) fire(ctx context.Context, sc *store.Schedule, now time.Time) error {
	payload := map[string]any{}
	if len(sc.Payload) > 0 {
		if err := json.Unmarshal(sc.Payload, &payload); err != nil {
			return c.advance(ctx, sc, now, "error", "")
		}
	}
	payload["scheduleId"] = sc.ID
	payload["firedAt"] = now.Format(time.RFC3339)
	if sc.NodeID != "" {
		payload["nodeId"] = sc.NodeID
	}

	run, err := c.starter.StartRun(ctx, sc.WorkflowID, schema.TriggerEvent{
		Kind:    schema.TriggerSchedule,
		Payload: payload,
	})
	if err != nil {
		c.logger.Error("scheduled run failed to start",
			slog.String("schedule_id", sc.ID),
			slog.String("error", err.Error()),
		)
		if aerr := c.advance(ctx, sc, now, "error", ""); aerr != nil {
			return aerr
		}
		return err
	}
	c.logger.Info("scheduled run started",
		slog.String("schedule_id", sc.ID),
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
	)
	return c.advance(ctx, sc, now, string(run.Status), run.ID)
}

func (c *CronTrigger) advance(ctx context.Context, sc *store.Schedule, now time.Time, status, runID string) error {
	next, err := c.NextRun(sc.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sc.ID, err)
	}
	return c.store.UpdateSchedule(ctx, sc.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
		LastRunID:     runID,
	})
}

// NextRun computes the next fire time after from. A CRON_TZ= prefix selects
// the time zone.
func (c *CronTrigger) NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := c.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(from).UTC(), nil
}

// SyncWorkflow replaces the stored schedules of a workflow with one per
// schedule node. Draft workflows end up with none.
func (c *CronTrigger) SyncWorkflow(ctx context.Context, wf *schema.Workflow) ([]*store.Schedule, error) {
	existing, err := c.store.ListSchedules(ctx, store.ScheduleFilter{WorkflowID: wf.ID})
	if err != nil {
		return nil, fmt.Errorf("list schedules of %s: %w", wf.ID, err)
	}
	for _, sc := range existing {
		if err := c.store.DeleteSchedule(ctx, sc.ID); err != nil {
			return nil, fmt.Errorf("delete schedule %s: %w", sc.ID, err)
		}
	}
	if wf.Status != schema.WorkflowPublished {
		return nil, nil
	}

	now := c.now()
	var created []*store.Schedule
	for _, n := range wf.Nodes {
		if n.Type != schema.NodeSchedule {
			continue
		}
		var cfg schema.ScheduleConfig
		if err := n.Decode(&cfg); err != nil {
			return nil, err
		}
		expr := cfg.Cron
		if cfg.Timezone != "" {
			expr = "CRON_TZ=" + cfg.Timezone + " " + expr
		}
		next, err := c.NextRun(expr, now)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeConfiguration, err.Error()).WithNode(n.ID)
		}
		sc := &store.Schedule{
			ID:             wf.ID + ":" + n.ID,
			WorkflowID:     wf.ID,
			NodeID:         n.ID,
			CronExpression: expr,
			Enabled:        true,
			NextRunAt:      &next,
			CreatedAt:      now,
		}
		if err := c.store.CreateSchedule(ctx, sc); err != nil {
			return nil, fmt.Errorf("create schedule %s: %w", sc.ID, err)
		}
		created = append(created, sc)
	}
	if len(created) > 0 {
		c.logger.Info("workflow schedules synced",
			slog.String("workflow_id", wf.ID),
			slog.Int("count", len(created)),
		)
	}
	return created, nil
}

// RecoverMissed fires, once, every schedule whose slot passed while the
// process was down.
func (c *CronTrigger) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	schedules, err := c.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list missed schedules: %w", err)
	}
	now := c.now()
	recovered := 0
	for _, sc := range schedules {
		if sc.NextRunAt == nil || !sc.NextRunAt.Before(now) {
			continue
		}
		if !c.tryAcquire(sc.ID) {
			continue
		}
		if err := c.fire(ctx, sc, now); err != nil {
			c.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", sc.ID),
				slog.String("error", err.Error()),
			)
		} else {
			recovered++
		}
		c.release(sc.ID)
	}
	if recovered > 0 {
		c.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return recovered, nil
}

func (c *CronTrigger) tryAcquire(id string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *CronTrigger) release(id string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, id)
}
