package nodes

import (
	"log/slog"
	"time"

	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/internal/streaming"
	"github.com/rendis/conex/internal/voice"
	"github.com/rendis/conex/pkg/schema"
)

// Deps are the collaborators of the built-in handlers. Zero values get
// working defaults, except Voice: without it conversationalAICall nodes fail.
type Deps struct {
	HTTP     HTTPConfig
	Voice    voice.Caller
	Hub      streaming.EventHub
	Logger   *slog.Logger
	Renderer *expressions.Renderer
	JQ       *expressions.GoJQEngine
	Expr     *expressions.ExprEngine
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Hub == nil {
		d.Hub = streaming.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Renderer == nil {
		d.Renderer = expressions.NewRenderer()
	}
	if d.JQ == nil {
		d.JQ = expressions.NewGoJQEngine()
	}
	if d.Expr == nil {
		d.Expr = expressions.NewExprEngine()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// RegisterBuiltins registers a handler for every built-in node type.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	deps = deps.withDefaults()
	logger := deps.Logger.With(slog.String("component", "nodes"))

	all := []Handler{
		triggerHandler{},
		newHTTPCallHandler(deps.HTTP, deps.Renderer, logger),
		&dataTransformHandler{jq: deps.JQ, logger: logger, now: deps.Now},
		&monitorHandler{hub: deps.Hub, logger: logger, now: deps.Now},
		&aiCallHandler{caller: deps.Voice, renderer: deps.Renderer, logger: logger, now: deps.Now},
		&logicGateHandler{expr: deps.Expr},
		&leadValidatorHandler{renderer: deps.Renderer, logger: logger},
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// asNodeError returns err as a ConexError, wrapping foreign errors as
// NODE_EXECUTION_ERROR.
func asNodeError(err error) *schema.ConexError {
	if ce, ok := err.(*schema.ConexError); ok {
		return ce
	}
	return schema.NewError(schema.ErrCodeNodeExecution, err.Error()).WithCause(err)
}
