package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/internal/logging"
	"github.com/rendis/conex/internal/nodes"
	"github.com/rendis/conex/internal/retry"
	"github.com/rendis/conex/internal/secrets"
	"github.com/rendis/conex/internal/store"
	"github.com/rendis/conex/internal/streaming"
	"github.com/rendis/conex/pkg/schema"
)

// Engine runs flow graphs.
type Engine interface {
	// Run executes a graph to completion. Graph, registry and decryption
	// problems are returned as errors before any node runs; node failures
	// and timeouts are reported in the result.
	Run(ctx context.Context, req RunRequest) (*ExecutionResult, error)

	// Start performs the same pre-run checks as Run, then executes the run
	// on the worker pool and returns its execution id.
	Start(ctx context.Context, req RunRequest) (string, error)

	// Resume continues a non-terminal run from its last persisted node.
	// Connections are decrypted again from req; the graph stored with the
	// record takes precedence over req.Graph.
	Resume(ctx context.Context, executionID string, req RunRequest) (*ExecutionResult, error)

	// Cancel aborts a run in flight in this process. The run ends failed.
	Cancel(ctx context.Context, executionID, reason string) error

	// Status returns the persisted record of a run.
	Status(ctx context.Context, executionID string) (*schema.ExecutionRecord, error)

	// Shutdown stops accepting async runs and waits for in-flight ones.
	Shutdown()
}

// RunRequest is everything one invocation needs.
type RunRequest struct {
	Graph            *schema.Graph              `json:"graph"`
	Input            map[string]any             `json:"input,omitempty"`
	Connections      []secrets.ConnectionRecord `json:"connections,omitempty"`
	FlowID           string                     `json:"flowId,omitempty"`
	OrganizationID   string                     `json:"organizationId,omitempty"`
	OrganizationName string                     `json:"organizationName,omitempty"`
	UserID           string                     `json:"userId,omitempty"`
	Timeout          time.Duration              `json:"timeout,omitempty"`
}

// ExecutionResult is the caller-facing outcome of a run.
type ExecutionResult struct {
	ExecutionID string                 `json:"executionId"`
	Success     bool                   `json:"success"`
	Status      schema.ExecutionStatus `json:"status"`
	Results     map[string]any         `json:"results,omitempty"`
	Context     *ExecutionContext      `json:"context,omitempty"`
	Error       string                 `json:"error,omitempty"`
	FailedNode  string                 `json:"failedNode,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
	FinishedAt  time.Time              `json:"finishedAt"`

	// Err carries the code of a failure. Its message is already redacted.
	Err *schema.ConexError `json:"-"`
}

// Validator is an optional pre-run check of a graph and its trigger input.
type Validator interface {
	ValidateRun(g *schema.Graph, input map[string]any) error
}

const (
	// DefaultPoolSize bounds concurrent async runs.
	DefaultPoolSize = 10

	// DefaultRunTimeout is the whole-run budget when neither the request nor
	// the graph sets one.
	DefaultRunTimeout = 5 * time.Minute

	// maxNodeAttempts caps Retry results of a single node.
	maxNodeAttempts = 10
)

// Config holds the engine's collaborators. Registry is required.
type Config struct {
	Registry  *nodes.Registry
	Vault     secrets.Vault          // required only when runs carry connections
	Store     store.ExecutionStore   // nil = in-memory
	Events    store.EventStore       // nil = no durable event log
	Hub       streaming.EventHub     // nil = no fan-out
	CEL       *expressions.CELEngine // nil = created
	Validator Validator
	Logger    *slog.Logger
	Metrics   *Metrics
	Tracer    trace.Tracer

	DefaultTimeout time.Duration
	RetryPolicy    *retry.Policy // backoff between Retry results; nil = 1s exponential
	PoolSize       int

	Now   func() time.Time
	NewID func() string
}

type engineImpl struct {
	registry  *nodes.Registry
	vault     secrets.Vault
	store     store.ExecutionStore
	emitter   *runEmitter
	runFSM    *RunFSM
	stepFSM   *StepFSM
	cel       *expressions.CELEngine
	validator Validator
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	pool      *WorkerPool

	defaultTimeout time.Duration
	retryPolicy    retry.Policy
	now            func() time.Time
	newID          func() string

	// mu guards running.
	mu      sync.Mutex
	running map[string]*flowRun
}

// New creates an Engine.
func New(cfg Config) (Engine, error) {
	if cfg.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "engine requires a node registry")
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.Hub == nil {
		cfg.Hub = streaming.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/rendis/conex/internal/engine")
	}
	if cfg.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "create CEL engine: %s", err.Error()).WithCause(err)
		}
		cfg.CEL = cel
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRunTimeout
	}
	policy := retry.Policy{Backoff: retry.BackoffExponential, Delay: time.Second, MaxDelay: 30 * time.Second}
	if cfg.RetryPolicy != nil {
		policy = *cfg.RetryPolicy
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	logger := cfg.Logger.With(slog.String("component", "engine"))
	emitter := &runEmitter{hub: cfg.Hub, now: cfg.Now}
	if cfg.Events != nil {
		emitter.events = store.NewEventLog(cfg.Events)
	}

	return &engineImpl{
		registry:       cfg.Registry,
		vault:          cfg.Vault,
		store:          cfg.Store,
		emitter:        emitter,
		runFSM:         NewRunFSM(emitter),
		stepFSM:        NewStepFSM(emitter),
		cel:            cfg.CEL,
		validator:      cfg.Validator,
		logger:         logger,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		pool:           NewWorkerPool(cfg.PoolSize, logger),
		defaultTimeout: cfg.DefaultTimeout,
		retryPolicy:    policy,
		now:            cfg.Now,
		newID:          cfg.NewID,
		running:        make(map[string]*flowRun),
	}, nil
}

// flowRun is the in-process state of one run. Only its orchestrator
// goroutine touches ec, rec and steps.
type flowRun struct {
	id        string
	req       RunRequest
	plan      *Plan
	ec        *ExecutionContext
	rec       *schema.ExecutionRecord
	conns     map[string]secrets.Credentials
	redact    *redactor
	timeout   time.Duration
	startedAt time.Time
	start     int

	stepState map[string]schema.StepStatus
	cancel    context.CancelCauseFunc
}

// cancelCause is the cancellation cause set by Cancel.
type cancelCause struct {
	reason string
}

func (c *cancelCause) Error() string {
	if c.reason == "" {
		return "execution cancelled"
	}
	return "execution cancelled: " + c.reason
}

var errRunTimeout = schema.NewError(schema.ErrCodeTimeout, "execution timeout")

// --- public API ---

func (e *engineImpl) Run(ctx context.Context, req RunRequest) (*ExecutionResult, error) {
	run, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.begin(ctx, run); err != nil {
		return nil, err
	}
	return e.execute(ctx, run), nil
}

func (e *engineImpl) Start(ctx context.Context, req RunRequest) (string, error) {
	run, err := e.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	if err := e.begin(ctx, run); err != nil {
		return "", err
	}
	err = e.pool.Submit(ctx, run.id, func(poolCtx context.Context) error {
		res := e.execute(poolCtx, run)
		if res.Err != nil {
			return res.Err
		}
		return nil
	})
	if err != nil {
		// The record exists as pending; close it so it does not linger.
		cerr := schema.NewErrorf(schema.ErrCodeNodeExecution, "execution not scheduled: %s", err.Error())
		e.finish(ctx, run, schema.ExecutionStatusFailed, cerr, "")
		return "", cerr
	}
	return run.id, nil
}

func (e *engineImpl) Resume(ctx context.Context, executionID string, req RunRequest) (*ExecutionResult, error) {
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q is already %s", executionID, rec.Status)
	}
	if e.tracked(executionID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is in flight", executionID)
	}

	if len(rec.Graph) > 0 {
		var g schema.Graph
		if err := json.Unmarshal(rec.Graph, &g); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode stored graph: %s", err.Error()).WithCause(err)
		}
		req.Graph = &g
	}
	ec, err := restoreContext(rec.Context)
	if err != nil {
		return nil, err
	}
	if req.Input == nil {
		req.Input, _ = expressions.ResolvePath("trigger.input", ec.Variables).V.(map[string]any)
	}
	if req.FlowID == "" {
		req.FlowID = rec.FlowID
	}
	if req.OrganizationID == "" {
		req.OrganizationID = rec.OrganizationID
	}

	run, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if rec.CurrentNodeIndex < 0 || rec.CurrentNodeIndex > len(run.plan.Order) {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"execution %q has node index %d outside its graph", executionID, rec.CurrentNodeIndex)
	}

	run.id = executionID
	run.rec = rec
	run.ec = ec
	run.ec.Connections = run.conns
	run.start = rec.CurrentNodeIndex
	for _, st := range rec.Steps {
		// A node caught in flight is dispatched again from scratch.
		if st.Status == schema.StepStatusSuccess || st.Status == schema.StepStatusSkipped {
			run.stepState[st.NodeID] = st.Status
		}
	}
	if err := e.track(run); err != nil {
		return nil, err
	}
	e.metrics.runStarted()

	logging.LogWith(logging.WithRun(ctx, run.id, req.FlowID), e.logger).Info("resuming execution",
		slog.Int("from_index", run.start),
		slog.Int("total_nodes", len(run.plan.Order)),
	)
	return e.execute(ctx, run), nil
}

func (e *engineImpl) Cancel(_ context.Context, executionID, reason string) error {
	e.mu.Lock()
	run, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok || run.cancel == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q is not running", executionID)
	}
	run.cancel(&cancelCause{reason: reason})
	return nil
}

func (e *engineImpl) Status(ctx context.Context, executionID string) (*schema.ExecutionRecord, error) {
	return e.store.GetExecution(ctx, executionID)
}

func (e *engineImpl) Shutdown() {
	e.pool.Shutdown()
}

// --- run lifecycle ---

// prepare runs every check that must pass before a run may start.
func (e *engineImpl) prepare(ctx context.Context, req RunRequest) (*flowRun, error) {
	g := req.Graph
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidGraph, "graph is required")
	}
	if len(g.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidGraph, "graph has no nodes")
	}
	hasTrigger := false
	for _, n := range g.Nodes {
		if n.Type == schema.NodeTypeTrigger {
			hasTrigger = true
			break
		}
	}
	if !hasTrigger {
		return nil, schema.NewError(schema.ErrCodeInvalidGraph, "graph has no trigger node")
	}

	if err := e.registry.Check(g); err != nil {
		return nil, err
	}
	plan, err := NewPlan(g)
	if err != nil {
		return nil, err
	}
	if e.validator != nil {
		if err := e.validator.ValidateRun(g, req.Input); err != nil {
			return nil, err
		}
	}

	timeout, err := e.resolveTimeout(req, g)
	if err != nil {
		return nil, err
	}

	var conns map[string]secrets.Credentials
	if len(req.Connections) > 0 {
		if e.vault == nil {
			return nil, schema.NewError(schema.ErrCodeConfig, "connections supplied but no vault is configured")
		}
		conns, err = secrets.DecryptConnections(e.vault, req.Connections)
		if err != nil {
			return nil, err
		}
	} else {
		conns = map[string]secrets.Credentials{}
	}

	return &flowRun{
		req:       req,
		plan:      plan,
		conns:     conns,
		redact:    newRedactor(conns),
		timeout:   timeout,
		startedAt: e.now(),
		stepState: make(map[string]schema.StepStatus, len(plan.Order)),
	}, nil
}

// resolveTimeout picks the request budget, then the graph's, then the default.
func (e *engineImpl) resolveTimeout(req RunRequest, g *schema.Graph) (time.Duration, error) {
	if req.Timeout > 0 {
		return req.Timeout, nil
	}
	if g.Timeout != "" {
		d, err := time.ParseDuration(g.Timeout)
		if err != nil || d <= 0 {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid graph timeout %q", g.Timeout)
		}
		return d, nil
	}
	return e.defaultTimeout, nil
}

// begin creates the pending record of a new run.
func (e *engineImpl) begin(ctx context.Context, run *flowRun) error {
	run.id = e.newID()
	run.ec = newExecutionContext(run.id, &run.req, len(run.plan.Order), run.startedAt)
	run.ec.Connections = run.conns

	graphRaw, err := json.Marshal(run.req.Graph)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidGraph, "encode graph: %s", err.Error())
	}
	ctxRaw, err := run.ec.marshal()
	if err != nil {
		return err
	}
	run.rec = &schema.ExecutionRecord{
		ExecutionID:    run.id,
		FlowID:         run.req.FlowID,
		OrganizationID: run.req.OrganizationID,
		Status:         schema.ExecutionStatusPending,
		Context:        ctxRaw,
		Graph:          graphRaw,
		StartedAt:      run.startedAt,
		UpdatedAt:      run.startedAt,
	}
	if err := e.store.UpsertExecution(ctx, run.rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create execution record: %s", err.Error()).WithCause(err)
	}
	if err := e.track(run); err != nil {
		return err
	}
	e.metrics.runStarted()
	return nil
}

// execute drives a prepared run to a terminal status.
func (e *engineImpl) execute(parent context.Context, run *flowRun) *ExecutionResult {
	ctx, cancel := context.WithCancelCause(logging.WithRun(parent, run.id, run.req.FlowID))
	defer cancel(nil)
	ctx, stop := context.WithTimeoutCause(ctx, run.timeout, errRunTimeout)
	defer stop()

	e.mu.Lock()
	run.cancel = cancel
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "flow.run", trace.WithAttributes(
		attribute.String("execution.id", run.id),
		attribute.String("flow.id", run.req.FlowID),
		attribute.Int("flow.nodes", len(run.plan.Order)),
	))
	defer span.End()

	log := logging.LogWith(ctx, e.logger)

	if run.rec.Status == schema.ExecutionStatusPending {
		if err := e.runFSM.Transition(ctx, run.id, schema.ExecutionStatusPending, schema.ExecutionStatusRunning,
			map[string]any{"flowId": run.req.FlowID, "totalNodes": len(run.plan.Order)}); err != nil {
			log.Warn("execution start event failed", slog.String("error", err.Error()))
		}
		run.rec.Status = schema.ExecutionStatusRunning
		e.persist(ctx, run, run.start)
	}
	log.Info("execution started", slog.Int("total_nodes", len(run.plan.Order)))

	for i := run.start; i < len(run.plan.Order); i++ {
		if ctx.Err() != nil {
			return e.abort(ctx, run, i, nil)
		}

		node := run.plan.Node(run.plan.Order[i])
		run.ec.Metadata.CurrentNode = node.ID

		skip, reason, err := e.shouldSkip(ctx, run, node)
		if err != nil {
			return e.failNode(ctx, run, i, node, err)
		}
		if skip {
			e.skipNode(ctx, run, node, reason)
			e.persist(ctx, run, i+1)
			continue
		}

		res, err := e.runNode(ctx, run, node)
		if err != nil {
			if ctx.Err() != nil {
				return e.abort(ctx, run, i, node)
			}
			return e.failNode(ctx, run, i, node, err)
		}

		run.ec.apply(node.ID, res)
		run.ec.markExecuted(node.ID)
		e.persist(ctx, run, i+1)
	}

	run.ec.Metadata.CurrentNode = ""
	return e.finish(ctx, run, schema.ExecutionStatusSuccess, nil, "")
}

// failNode ends the run on the first node failure.
func (e *engineImpl) failNode(ctx context.Context, run *flowRun, index int, node *schema.Node, err error) *ExecutionResult {
	ce := asConexError(err)
	msg := run.redact.redact(fmt.Sprintf("Error in node %s: %s", node.Name(), ce.Message))
	failure := schema.NewError(ce.Code, msg).WithNode(node.ID)
	if ce.Details != nil {
		failure = failure.WithDetails(ce.Details)
	}

	if run.stepState[node.ID] == stepStatusNone {
		// Failed before dispatch (condition evaluation).
		st := run.step(node, e.now())
		st.Status = schema.StepStatusFailed
		st.Error = msg
		now := e.now()
		st.FinishedAt = &now
	}
	e.persist(ctx, run, index)

	logging.LogWith(ctx, e.logger).Error("execution failed",
		slog.String("node_id", node.ID),
		slog.String("code", failure.Code),
		slog.String("error", msg),
	)
	return e.finish(ctx, run, schema.ExecutionStatusFailed, failure, node.ID)
}

// abort ends a run whose context is done: the whole-run budget expired,
// Cancel was called, or the caller went away.
func (e *engineImpl) abort(ctx context.Context, run *flowRun, index int, node *schema.Node) *ExecutionResult {
	cause := context.Cause(ctx)
	fctx := context.WithoutCancel(ctx)

	status := schema.ExecutionStatusFailed
	var failure *schema.ConexError
	switch c := cause.(type) {
	case *cancelCause:
		failure = schema.NewError(schema.ErrCodeNodeExecution, c.Error())
	default:
		if cause == errRunTimeout || cause == context.DeadlineExceeded {
			status = schema.ExecutionStatusTimedOut
			failure = schema.NewErrorf(schema.ErrCodeTimeout, "Execution timeout after %s", run.timeout)
		} else {
			failure = schema.NewError(schema.ErrCodeNodeExecution, "execution cancelled")
		}
	}

	nodeID := ""
	if node != nil {
		nodeID = node.ID
		failure = failure.WithNode(node.ID)
		if failure.Code == schema.ErrCodeTimeout {
			failure.Message = fmt.Sprintf("%s while running node %s", failure.Message, node.Name())
		}
		if from := run.stepState[node.ID]; from == schema.StepStatusRunning || from == schema.StepStatusRetrying {
			now := e.now()
			st := run.step(node, now)
			st.Status = schema.StepStatusFailed
			st.Error = failure.Message
			st.FinishedAt = &now
			e.transitionStep(fctx, run, node, from, schema.StepStatusFailed, nil, failure.Message)
		}
	}
	e.persist(fctx, run, index)

	logging.LogWith(ctx, e.logger).Warn("execution aborted",
		slog.String("status", string(status)),
		slog.String("node_id", nodeID),
		slog.String("error", failure.Message),
	)
	return e.finish(fctx, run, status, failure, nodeID)
}

// finish moves the run to a terminal status and persists the final record.
func (e *engineImpl) finish(ctx context.Context, run *flowRun, status schema.ExecutionStatus, failure *schema.ConexError, failedNode string) *ExecutionResult {
	fctx := context.WithoutCancel(ctx)
	log := logging.LogWith(fctx, e.logger)

	msg := ""
	if failure != nil {
		msg = failure.Message
	}
	if err := e.runFSM.Transition(fctx, run.id, run.rec.Status, status,
		map[string]any{"flowId": run.req.FlowID, "error": msg}); err != nil {
		log.Warn("execution end event failed", slog.String("error", err.Error()))
	}

	now := e.now()
	run.rec.Status = status
	run.rec.Error = msg
	run.rec.FinishedAt = &now
	e.persist(fctx, run, run.rec.CurrentNodeIndex)

	e.untrack(run.id)
	e.metrics.runFinished(status, now.Sub(run.startedAt))

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("execution.status", string(status)))
	if failure != nil {
		recordSpanError(span, msg)
	}

	if status == schema.ExecutionStatusSuccess {
		log.Info("execution completed", slog.Duration("duration", now.Sub(run.startedAt)))
	}

	snap := run.ec.Snapshot()
	return &ExecutionResult{
		ExecutionID: run.id,
		Success:     status == schema.ExecutionStatusSuccess,
		Status:      status,
		Results:     snap.NodeOutputs,
		Context:     snap,
		Error:       msg,
		FailedNode:  failedNode,
		StartedAt:   run.rec.StartedAt,
		FinishedAt:  now,
		Err:         failure,
	}
}

// persist writes the record with the context snapshot. Failures are logged;
// the run itself carries on.
func (e *engineImpl) persist(ctx context.Context, run *flowRun, index int) {
	raw, err := run.ec.marshal()
	if err != nil {
		logging.LogWith(ctx, e.logger).Error("snapshot execution context", slog.String("error", err.Error()))
		return
	}
	run.rec.Context = raw
	run.rec.CurrentNodeIndex = index
	run.rec.UpdatedAt = e.now()
	if err := e.store.UpsertExecution(context.WithoutCancel(ctx), run.rec); err != nil {
		logging.LogWith(ctx, e.logger).Error("persist execution record",
			slog.Int("node_index", index),
			slog.String("error", err.Error()),
		)
	}
}

func (e *engineImpl) track(run *flowRun) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.running[run.id]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is in flight", run.id)
	}
	e.running[run.id] = run
	return nil
}

func (e *engineImpl) untrack(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *engineImpl) tracked(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

func asConexError(err error) *schema.ConexError {
	if ce, ok := err.(*schema.ConexError); ok {
		return ce
	}
	return schema.NewError(schema.ErrCodeNodeExecution, err.Error()).WithCause(err)
}
