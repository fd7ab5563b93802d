package engine

import (
	"context"
	"sync"

	"github.com/rendis/conex/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventEmitter receives the event of every accepted transition.
type EventEmitter interface {
	Emit(ctx context.Context, executionID, nodeID, eventType string, payload any) error
}

// stepStatusNone is the state of a node that has not been reached yet.
const stepStatusNone schema.StepStatus = ""

// --- Run FSM ---

type runHookKey struct {
	from, to schema.ExecutionStatus
}

// RunFSM guards run lifecycle transitions. Only the orchestrator drives it.
type RunFSM struct {
	mu      sync.Mutex
	emitter EventEmitter
	before  map[runHookKey][]TransitionHook
	after   map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via emitter (nil = none).
func NewRunFSM(emitter EventEmitter) *RunFSM {
	return &RunFSM{
		emitter: emitter,
		before:  make(map[runHookKey][]TransitionHook),
		after:   make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition. A hook error
// rejects the transition.
func (f *RunFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and emits the matching execution.* event.
// The caller persists the new status.
func (f *RunFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := runEventType(to); eventType != "" && f.emitter != nil {
		if err := f.emitter.Emit(ctx, executionID, "", eventType, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidRunTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusSuccess:
		return schema.EventExecutionSuccess
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusTimedOut:
		return schema.EventExecutionTimedOut
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM guards per-node transitions within a run.
type StepFSM struct {
	mu      sync.Mutex
	emitter EventEmitter
	before  map[stepHookKey][]TransitionHook
	after   map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM that emits events via emitter (nil = none).
func NewStepFSM(emitter EventEmitter) *StepFSM {
	return &StepFSM{
		emitter: emitter,
		before:  make(map[stepHookKey][]TransitionHook),
		after:   make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to for nodeID and emits the matching node.* event.
func (f *StepFSM) Transition(ctx context.Context, executionID, nodeID string, from, to schema.StepStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %q -> %q", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stepEventType(to); eventType != "" && f.emitter != nil {
		if err := f.emitter.Emit(ctx, executionID, nodeID, eventType, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventNodeStarted
	case schema.StepStatusSuccess:
		return schema.EventNodeCompleted
	case schema.StepStatusFailed:
		return schema.EventNodeFailed
	case schema.StepStatusSkipped:
		return schema.EventNodeSkipped
	case schema.StepStatusRetrying:
		return schema.EventNodeRetrying
	default:
		return ""
	}
}

// ValidRunTransitions defines the allowed run state transitions.
var ValidRunTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:  {schema.ExecutionStatusRunning, schema.ExecutionStatusFailed}, // failed: never scheduled
	schema.ExecutionStatusRunning:  {schema.ExecutionStatusSuccess, schema.ExecutionStatusFailed, schema.ExecutionStatusTimedOut},
	schema.ExecutionStatusSuccess:  {},
	schema.ExecutionStatusFailed:   {},
	schema.ExecutionStatusTimedOut: {},
}

// ValidStepTransitions defines the allowed node state transitions.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	stepStatusNone:            {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:  {schema.StepStatusSuccess, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusRetrying: {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusSuccess:  {},
	schema.StepStatusFailed:   {},
	schema.StepStatusSkipped:  {},
}
