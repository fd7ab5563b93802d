// Package nodes dispatches graph nodes to type-specific handlers.
package nodes

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/internal/secrets"
	"github.com/rendis/conex/pkg/schema"
)

// Handler executes one node type. Handlers read the run through Input and
// never mutate it; the orchestrator merges Result back into the run.
type Handler interface {
	Type() schema.NodeType
	Execute(ctx context.Context, in *Input) (*Result, error)
}

// Input is what a handler sees of the run.
type Input struct {
	Node        *schema.Node
	Scope       *expressions.Scope
	Credentials map[string]secrets.Credentials
}

// Config returns the node config, never nil.
func (in *Input) Config() map[string]any {
	if in.Node == nil || in.Node.Config == nil {
		return map[string]any{}
	}
	return in.Node.Config
}

// Result is a handler's output. Vars are merged into the run variables.
// Retry asks the orchestrator to dispatch the node again after a backoff.
type Result struct {
	Output any
	Vars   map[string]any
	Retry  bool
}

// Registry maps node types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.NodeType]Handler)}
}

// Register adds h. A second handler for the same type is a CONFLICT.
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
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for node type %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Get returns the handler for t or an UNKNOWN_NODE_TYPE error.
func (r *Registry) Get(t schema.NodeType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "unknown node type: %s", t)
	}
	return h, nil
}

func (r *Registry) Has(t schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Types lists registered node types, sorted.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check fails on the first node whose type has no handler, so a graph is
// rejected before anything runs.
func (r *Registry) Check(g *schema.Graph) error {
	for i := range g.Nodes {
		if _, err := r.Get(g.Nodes[i].Type); err != nil {
			return err.(*schema.ConexError).WithNode(g.Nodes[i].ID)
		}
	}
	return nil
}

// Dispatch runs the handler for in.Node. Handler errors that are not
// already ConexErrors become NODE_EXECUTION_ERROR; all carry the node id.
func (r *Registry) Dispatch(ctx context.Context, in *Input) (*Result, error) {
	h, err := r.Get(in.Node.Type)
	if err != nil {
		return nil, err.(*schema.ConexError).WithNode(in.Node.ID)
	}
	res, err := h.Execute(ctx, in)
	if err != nil {
		var ce *schema.ConexError
		if !errors.As(err, &ce) {
			ce = schema.NewError(schema.ErrCodeNodeExecution, err.Error()).WithCause(err)
		}
		if ce.NodeID == "" {
			ce = ce.WithNode(in.Node.ID)
		}
		return nil, ce
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}
