package handlers

import (
	"context"

	"github.com/rendis/calflow/internal/expressions"
	"github.com/rendis/calflow/pkg/schema"
)

// LogicHandler evaluates a branching expression against the run scope.
type LogicHandler struct {
	engines *expressions.Engines
}

// NewLogicHandler creates a logic handler.
func NewLogicHandler(engines *expressions.Engines) *LogicHandler {
	return &LogicHandler{engines: engines}
}

func (h *LogicHandler) Type() schema.NodeType { return schema.NodeLogic }

func (h *LogicHandler) Execute(ctx context.Context, in Input) (*Result, error) {
	cfg, err := decode[schema.LogicConfig](schema.NodeLogic, in)
	if err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, configError(in.NodeID, "logic node requires an expression")
	}

	eng, err := h.engines.ForLanguage(cfg.Language)
	if err != nil {
		return nil, err
	}

	data := map[string]any{}
	if in.Scope != nil {
		data = in.Scope.Data()
	}
	val, err := eng.Evaluate(ctx, cfg.Expression, data)
	if err != nil {
		return nil, err
	}

	branch := expressions.BranchValue(val)
	res, err := output(map[string]any{"branch": branch, "value": val})
	if err != nil {
		return nil, err
	}
	res.Branch = branch
	return res, nil
}
