package handlers

import (
	"slices"
	"sync"

	"github.com/rendis/calflow/internal/expressions"
	"github.com/rendis/calflow/internal/notify"
	"github.com/rendis/calflow/pkg/schema"
)

// Registry maps node types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.NodeType]Handler)}
}

// Register adds a handler. Returns a CONFLICT error on a duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	t := h.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Get returns the handler for a node type, or UNKNOWN_NODE_TYPE.
func (r *Registry) Get(t schema.NodeType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "no handler registered for node type %q", t)
	}
	return h, nil
}

// Has reports whether a type is registered.
func (r *Registry) Has(t schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Deps are the collaborators of the built-in handlers. Nil notifiers leave the
// matching channel unconfigured; dispatching to it fails with CONFIGURATION_ERROR.
type Deps struct {
	HTTP    *HTTPCaller
	Engines *expressions.Engines
	Email   notify.Notifier
	SMS     notify.Notifier
	InApp   notify.Notifier
}

// NewDefaultRegistry registers every built-in handler.
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	if deps.HTTP == nil {
		deps.HTTP = NewHTTPCaller(HTTPConfig{})
	}
	if deps.Engines == nil {
		engines, err := expressions.NewEngines()
		if err != nil {
			return nil, err
		}
		deps.Engines = engines
	}

	r := NewRegistry()
	for _, h := range []Handler{
		&TriggerHandler{},
		&ScheduleHandler{},
		NewActionHandler(deps.HTTP, deps.Email),
		NewLogicHandler(deps.Engines),
		&DelayHandler{},
		NewWebhookHandler(deps.HTTP),
		NewAPIHandler(deps.HTTP, deps.Engines.JQ),
		&ApprovalHandler{},
		&FormHandler{},
		NewNotificationHandler(map[string]notify.Notifier{
			schema.ChannelEmail: deps.Email,
			schema.ChannelSMS:   deps.SMS,
			schema.ChannelInApp: deps.InApp,
		}),
	} {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}
