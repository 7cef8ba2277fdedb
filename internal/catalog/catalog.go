// Package catalog owns the authoring lifecycle of workflows: drafts are saved
// freely, publishing validates and versions them, and every trigger source
// goes through StartRun so payload schemas are enforced in one place.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/calflow/internal/store"
	"github.com/rendis/calflow/pkg/schema"
)

// Validator checks workflows and trigger payloads.
// validation.WorkflowValidator satisfies it.
type Validator interface {
	Validate(wf *schema.Workflow) *schema.ValidationResult
	ValidatePayload(payload map[string]any, payloadSchema []byte) error
}

// Starter starts runs. engine.Scheduler satisfies it.
type Starter interface {
	StartRun(ctx context.Context, workflowID string, trigger schema.TriggerEvent) (*schema.Run, error)
}

// ScheduleSyncer keeps cron schedules in line with a workflow's schedule
// nodes. trigger.CronTrigger satisfies it.
type ScheduleSyncer interface {
	SyncWorkflow(ctx context.Context, wf *schema.Workflow) ([]*store.Schedule, error)
}

// Catalog is the workflow authoring service.
type Catalog struct {
	store     store.Store
	validator Validator
	starter   Starter
	schedules ScheduleSyncer
	logger    *slog.Logger
}

// New creates a Catalog. schedules may be nil when cron triggers are disabled.
func New(s store.Store, v Validator, starter Starter, schedules ScheduleSyncer, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: s, validator: v, starter: starter, schedules: schedules, logger: logger}
}

// SetSchedules attaches the schedule syncer once it exists. The cron trigger
// needs the catalog as its starter, so it is built after the catalog.
func (c *Catalog) SetSchedules(s ScheduleSyncer) { c.schedules = s }

// Validate runs every publish-time check without saving anything.
func (c *Catalog) Validate(wf *schema.Workflow) *schema.ValidationResult {
	return c.validator.Validate(wf)
}

// SaveDraft stores wf as a draft. Drafts may be incomplete; the returned
// result tells the author what publishing would reject. Saving a published
// workflow moves it back to draft and removes its schedules.
func (c *Catalog) SaveDraft(ctx context.Context, wf *schema.Workflow) (*schema.ValidationResult, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if prev, err := c.store.GetWorkflow(ctx, wf.ID); err == nil {
		wf.Version = prev.Version
	} else if schema.ErrorCode(err) != schema.ErrCodeNotFound {
		return nil, err
	}
	wf.Status = schema.WorkflowDraft

	if err := c.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	if err := c.syncSchedules(ctx, wf); err != nil {
		return nil, err
	}
	return c.validator.Validate(wf), nil
}

// Publish validates the stored draft, bumps its version and makes it
// runnable. Validation errors come back as one VALIDATION_ERROR carrying
// every issue.
func (c *Catalog) Publish(ctx context.Context, id string) (*schema.Workflow, *schema.ValidationResult, error) {
	wf, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	result := c.validator.Validate(wf)
	if !result.Valid() {
		return nil, result, result.ToError()
	}

	wf.Version++
	wf.Status = schema.WorkflowPublished
	if err := c.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, result, fmt.Errorf("publish workflow %s: %w", id, err)
	}
	if err := c.syncSchedules(ctx, wf); err != nil {
		return nil, result, err
	}
	c.logger.InfoContext(ctx, "workflow published",
		slog.String("workflow_id", wf.ID),
		slog.Int("version", wf.Version),
		slog.Int("warnings", len(result.Warnings)),
	)
	return wf, result, nil
}

// Import saves and, when valid, publishes wf in one step. Used when loading
// workflow files at startup.
func (c *Catalog) Import(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, *schema.ValidationResult, error) {
	if _, err := c.SaveDraft(ctx, wf); err != nil {
		return nil, nil, err
	}
	return c.Publish(ctx, wf.ID)
}

// Delete removes a workflow and its schedules. Runs keep their snapshots.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	wf, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	wf.Status = schema.WorkflowDraft
	if err := c.syncSchedules(ctx, wf); err != nil {
		return err
	}
	return c.store.DeleteWorkflow(ctx, id)
}

// StartRun checks the trigger payload against the workflow's trigger schema
// and hands the run to the scheduler.
func (c *Catalog) StartRun(ctx context.Context, workflowID string, trigger schema.TriggerEvent) (*schema.Run, error) {
	wf, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if ps := wf.TriggerSchema(); len(ps) > 0 {
		if err := c.validator.ValidatePayload(trigger.Payload, ps); err != nil {
			return nil, err
		}
	}
	return c.starter.StartRun(ctx, workflowID, trigger)
}

func (c *Catalog) syncSchedules(ctx context.Context, wf *schema.Workflow) error {
	if c.schedules == nil {
		return nil
	}
	if _, err := c.schedules.SyncWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("sync schedules of %s: %w", wf.ID, err)
	}
	return nil
}
