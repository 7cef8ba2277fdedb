package handlers

import (
	"context"
	"encoding/json"

	"github.com/rendis/calflow/internal/expressions"
	"github.com/rendis/calflow/pkg/schema"
)

// WebhookHandler posts to an external endpoint. One attempt per Execute.
type WebhookHandler struct {
	http *HTTPCaller
}

// NewWebhookHandler creates a webhook-outbound handler.
func NewWebhookHandler(caller *HTTPCaller) *WebhookHandler {
	return &WebhookHandler{http: caller}
}

func (h *WebhookHandler) Type() schema.NodeType { return schema.NodeWebhook }

func (h *WebhookHandler) Request(config json.RawMessage) (schema.RequestConfig, error) {
	cfg, err := decode[schema.WebhookConfig](schema.NodeWebhook, Input{Config: config})
	if err != nil {
		return schema.RequestConfig{}, err
	}
	return cfg.RequestConfig, nil
}

func (h *WebhookHandler) Execute(ctx context.Context, in Input) (*Result, error) {
	req, err := h.Request(in.Config)
	if err != nil {
		return nil, err
	}
	resp, err := h.http.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := output(resp)
	if err != nil {
		return nil, err
	}
	res.StatusCode = resp.StatusCode
	return res, nil
}

// APIHandler calls an API and shapes the response with jq response mappings.
type APIHandler struct {
	http *HTTPCaller
	jq   *expressions.GoJQEngine
}

// NewAPIHandler creates an api handler.
func NewAPIHandler(caller *HTTPCaller, jq *expressions.GoJQEngine) *APIHandler {
	return &APIHandler{http: caller, jq: jq}
}

func (h *APIHandler) Type() schema.NodeType { return schema.NodeAPI }

func (h *APIHandler) Request(config json.RawMessage) (schema.RequestConfig, error) {
	cfg, err := decode[schema.APIConfig](schema.NodeAPI, Input{Config: config})
	if err != nil {
		return schema.RequestConfig{}, err
	}
	return cfg.RequestConfig, nil
}

// Execute returns {statusCode, data}. data is the mapped object when
// responseMapping is set, the raw body otherwise.
func (h *APIHandler) Execute(ctx context.Context, in Input) (*Result, error) {
	cfg, err := decode[schema.APIConfig](schema.NodeAPI, in)
	if err != nil {
		return nil, err
	}
	resp, err := h.http.Call(ctx, cfg.RequestConfig)
	if err != nil {
		return nil, err
	}

	var data any = resp.Body
	if len(cfg.ResponseMapping) > 0 {
		mapped, err := h.jq.Project(ctx, cfg.ResponseMapping, resp.Body)
		if err != nil {
			if fe, ok := schema.AsFlowError(err); ok {
				fe.WithNode(in.NodeID)
			}
			return nil, err
		}
		data = mapped
	}

	res, err := output(map[string]any{"statusCode": resp.StatusCode, "data": data})
	if err != nil {
		return nil, err
	}
	res.StatusCode = resp.StatusCode
	return res, nil
}

var (
	_ Outbound = (*WebhookHandler)(nil)
	_ Outbound = (*APIHandler)(nil)
)
