package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/conex/internal/logging"
	"github.com/rendis/conex/internal/nodes"
	"github.com/rendis/conex/internal/retry"
	"github.com/rendis/conex/internal/store"
	"github.com/rendis/conex/internal/streaming"
	"github.com/rendis/conex/pkg/schema"
)

// errAbandoned means the run context ended while a node was in flight.
// The handler goroutine may still be running; its result is discarded.
var errAbandoned = errors.New("node abandoned")

// shouldSkip reports whether node must not run. A node with incoming edges
// runs only if at least one of them is active, and a node with a CEL
// condition runs only if it holds.
func (e *engineImpl) shouldSkip(ctx context.Context, run *flowRun, node *schema.Node) (bool, string, error) {
	if incoming := run.plan.Incoming[node.ID]; len(incoming) > 0 {
		active := false
		for _, edge := range incoming {
			if e.edgeActive(run, edge) {
				active = true
				break
			}
		}
		if !active {
			return true, "no active incoming edge", nil
		}
	}

	if node.Condition != "" {
		ok, err := e.cel.EvaluateBool(ctx, node.Condition, run.ec.Scope().ConditionData())
		if err != nil {
			return false, "", err
		}
		if !ok {
			return true, "condition is false", nil
		}
	}
	return false, "", nil
}

// edgeActive: the source ran, and for a conditional edge its branch matches
// the gate's output.
func (e *engineImpl) edgeActive(run *flowRun, edge schema.Edge) bool {
	if !run.ec.executed(edge.Source) {
		return false
	}
	if !edge.IsConditional() {
		return true
	}
	return branchOf(run.ec.NodeOutputs[edge.Source]) == edge.Branch
}

// branchOf extracts the branch a gate output selected.
func branchOf(out any) string {
	m, ok := out.(map[string]any)
	if !ok {
		return ""
	}
	if b, ok := m["branch"].(string); ok {
		return b
	}
	if r, ok := m["result"].(bool); ok {
		if r {
			return schema.BranchTrue
		}
		return schema.BranchFalse
	}
	return ""
}

func (e *engineImpl) skipNode(ctx context.Context, run *flowRun, node *schema.Node, reason string) {
	now := e.now()
	st := run.step(node, now)
	st.Status = schema.StepStatusSkipped
	st.FinishedAt = &now

	e.transitionStep(ctx, run, node, run.stepState[node.ID], schema.StepStatusSkipped, encodeOutput(map[string]any{"reason": reason}), "")
	logging.LogWith(logging.WithNodeID(ctx, node.ID), e.logger).Debug("node skipped", slog.String("reason", reason))
}

// runNode dispatches node until it succeeds, fails, or the run ends.
// Retry results re-dispatch after a backoff, with the result's Vars applied
// first so the handler sees its own counter.
func (e *engineImpl) runNode(ctx context.Context, run *flowRun, node *schema.Node) (*nodes.Result, error) {
	ctx = logging.WithNodeID(ctx, node.ID)
	ctx, span := e.tracer.Start(ctx, "flow.node", trace.WithAttributes(
		attribute.String("execution.id", run.id),
		attribute.String("node.id", node.ID),
		attribute.String("node.type", string(node.Type)),
	))
	defer span.End()

	log := logging.LogWith(ctx, e.logger)
	st := run.step(node, e.now())
	st.Status = schema.StepStatusRunning
	st.Error = ""
	e.transitionStep(ctx, run, node, run.stepState[node.ID], schema.StepStatusRunning, nil, "")

	for attempt := 0; ; attempt++ {
		started := e.now()
		res, err := e.dispatch(ctx, run, node)
		elapsed := e.now().Sub(started)

		if errors.Is(err, errAbandoned) {
			e.metrics.nodeFinished(node.Type, schema.StepStatusFailed, elapsed)
			recordSpanError(span, "abandoned: "+context.Cause(ctx).Error())
			return nil, err
		}
		if err == nil && res.Retry && attempt+1 >= maxNodeAttempts {
			err = schema.NewErrorf(schema.ErrCodeNodeExecution,
				"node requested more than %d attempts", maxNodeAttempts).WithNode(node.ID)
		}
		if err != nil {
			msg := run.redact.redact(asConexError(err).Message)
			now := e.now()
			st.Status = schema.StepStatusFailed
			st.Error = msg
			st.FinishedAt = &now
			e.transitionStep(ctx, run, node, schema.StepStatusRunning, schema.StepStatusFailed, nil, msg)
			e.metrics.nodeFinished(node.Type, schema.StepStatusFailed, elapsed)
			recordSpanError(span, msg)
			log.Warn("node failed", slog.String("node_type", string(node.Type)), slog.String("error", msg))
			return nil, err
		}

		if !res.Retry {
			now := e.now()
			st.Status = schema.StepStatusSuccess
			st.Output = encodeOutput(res.Output)
			st.FinishedAt = &now
			e.transitionStep(ctx, run, node, schema.StepStatusRunning, schema.StepStatusSuccess, st.Output, "")
			e.metrics.nodeFinished(node.Type, schema.StepStatusSuccess, elapsed)
			log.Debug("node completed", slog.String("node_type", string(node.Type)), slog.Duration("duration", elapsed))
			return res, nil
		}

		e.metrics.nodeFinished(node.Type, schema.StepStatusRetrying, elapsed)
		run.ec.applyVars(res)
		st.Status = schema.StepStatusRetrying
		st.Output = encodeOutput(res.Output)
		e.transitionStep(ctx, run, node, schema.StepStatusRunning, schema.StepStatusRetrying, st.Output, "")

		delay := retry.ComputeBackoff(e.retryPolicy, attempt)
		log.Info("node retrying", slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
		if err := retry.Wait(ctx, delay); err != nil {
			return nil, errAbandoned
		}

		st.Status = schema.StepStatusRunning
		e.transitionStep(ctx, run, node, schema.StepStatusRetrying, schema.StepStatusRunning, nil, "")
	}
}

type dispatchOutcome struct {
	res *nodes.Result
	err error
}

// dispatch runs the handler on its own goroutine so the orchestrator can
// stop waiting when the run context ends.
func (e *engineImpl) dispatch(ctx context.Context, run *flowRun, node *schema.Node) (*nodes.Result, error) {
	in := &nodes.Input{
		Node:        node,
		Scope:       run.ec.Scope(),
		Credentials: run.conns,
	}

	done := make(chan dispatchOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- dispatchOutcome{err: schema.NewErrorf(schema.ErrCodeNodeExecution,
					"handler panicked: %v", r).WithNode(node.ID)}
			}
		}()
		res, err := e.registry.Dispatch(ctx, in)
		done <- dispatchOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() != nil {
			return nil, errAbandoned
		}
		return out.res, out.err
	case <-ctx.Done():
		return nil, errAbandoned
	}
}

// transitionStep moves node through the step FSM. An invalid transition is
// an engine bug and is logged; event-sink failures are logged as well.
func (e *engineImpl) transitionStep(ctx context.Context, run *flowRun, node *schema.Node, from, to schema.StepStatus, output json.RawMessage, errMsg string) {
	payload := store.NodeEventPayload{Name: node.Name(), Type: node.Type, Output: output, Error: errMsg}
	if err := e.stepFSM.Transition(ctx, run.id, node.ID, from, to, payload); err != nil {
		l := logging.LogWith(ctx, e.logger)
		if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			l.Error("node transition rejected", slog.String("node_id", node.ID), slog.String("error", err.Error()))
			return
		}
		l.Warn("node event failed", slog.String("node_id", node.ID), slog.String("error", err.Error()))
	}
	run.stepState[node.ID] = to
}

// step returns the log entry of node, creating it on first use.
func (r *flowRun) step(node *schema.Node, now time.Time) *schema.StepLog {
	for i := range r.rec.Steps {
		if r.rec.Steps[i].NodeID == node.ID {
			return &r.rec.Steps[i]
		}
	}
	r.rec.Steps = append(r.rec.Steps, schema.StepLog{
		NodeID:    node.ID,
		NodeName:  node.Name(),
		NodeType:  node.Type,
		StartedAt: now,
	})
	return &r.rec.Steps[len(r.rec.Steps)-1]
}

func encodeOutput(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"unencodable": fmt.Sprintf("%T", v)})
	}
	return raw
}

func recordSpanError(span trace.Span, msg string) {
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)
}

// runEmitter fans lifecycle events out to the durable event log and the hub.
type runEmitter struct {
	events *store.EventLog
	hub    streaming.EventHub
	now    func() time.Time
}

func (r *runEmitter) Emit(ctx context.Context, executionID, nodeID, eventType string, payload any) error {
	if r.events != nil {
		if err := r.events.Append(ctx, executionID, nodeID, eventType, payload); err != nil {
			return err
		}
	}
	return r.hub.Publish(ctx, streaming.Event{
		ExecutionID: executionID,
		FlowID:      logging.FlowID(ctx),
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   r.now(),
	})
}
