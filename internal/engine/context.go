package engine

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rendis/conex/internal/auth"
	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/internal/nodes"
	"github.com/rendis/conex/internal/secrets"
	"github.com/rendis/conex/pkg/schema"
)

// Metadata is run bookkeeping kept alongside the variables.
type Metadata struct {
	StartTime   time.Time `json:"startTime"`
	CurrentNode string    `json:"currentNode,omitempty"`
	TotalNodes  int       `json:"totalNodes"`
}

// ExecutionContext is the state of one run. It is owned by the run's
// orchestrator goroutine; handlers only ever see a Scope copy of it.
type ExecutionContext struct {
	ExecutionID      string         `json:"executionId"`
	FlowID           string         `json:"flowId,omitempty"`
	FlowName         string         `json:"flowName,omitempty"`
	OrganizationID   string         `json:"organizationId,omitempty"`
	OrganizationName string         `json:"organizationName,omitempty"`
	UserID           string         `json:"userId,omitempty"`
	Variables        map[string]any `json:"variables"`
	NodeOutputs      map[string]any `json:"nodeOutputs"`
	Executed         []string       `json:"executed,omitempty"`
	Metadata         Metadata       `json:"metadata"`

	// Connections are decrypted per run and never serialized.
	Connections map[string]secrets.Credentials `json:"-"`
}

func newExecutionContext(execID string, req *RunRequest, totalNodes int, now time.Time) *ExecutionContext {
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	flowName := ""
	if req.Graph != nil {
		flowName = req.Graph.Name
	}
	return &ExecutionContext{
		ExecutionID:      execID,
		FlowID:           req.FlowID,
		FlowName:         flowName,
		OrganizationID:   req.OrganizationID,
		OrganizationName: req.OrganizationName,
		UserID:           req.UserID,
		Variables: map[string]any{
			"trigger": map[string]any{"input": expressions.DeepCopyMap(input)},
		},
		NodeOutputs: map[string]any{},
		Metadata: Metadata{
			StartTime:  now,
			TotalNodes: totalNodes,
		},
	}
}

// Scope returns a deep copy of the run state for one handler dispatch.
func (c *ExecutionContext) Scope() *expressions.Scope {
	s := &expressions.Scope{
		ExecutionID:      c.ExecutionID,
		FlowID:           c.FlowID,
		FlowName:         c.FlowName,
		OrganizationID:   c.OrganizationID,
		OrganizationName: c.OrganizationName,
		UserID:           c.UserID,
		Variables:        c.Variables,
		NodeOutputs:      c.NodeOutputs,
		Executed:         c.Executed,
	}
	return s.Clone()
}

// apply merges a handler result into the run. Only the orchestrator calls it.
func (c *ExecutionContext) apply(nodeID string, res *nodes.Result) {
	out := expressions.DeepCopy(res.Output)
	c.NodeOutputs[nodeID] = out
	c.Variables["step_"+nodeID] = expressions.DeepCopy(out)
	for k, v := range res.Vars {
		c.Variables[k] = expressions.DeepCopy(v)
	}
}

// applyVars merges only the variables of a retry result; the node has not
// produced an output yet.
func (c *ExecutionContext) applyVars(res *nodes.Result) {
	for k, v := range res.Vars {
		c.Variables[k] = expressions.DeepCopy(v)
	}
}

func (c *ExecutionContext) markExecuted(nodeID string) {
	c.Executed = append(c.Executed, nodeID)
}

func (c *ExecutionContext) executed(nodeID string) bool {
	for _, id := range c.Executed {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Snapshot returns a credential-free deep copy. It is the only form of the
// context that leaves the orchestrator.
func (c *ExecutionContext) Snapshot() *ExecutionContext {
	cp := *c
	cp.Variables = expressions.DeepCopyMap(c.Variables)
	cp.NodeOutputs = expressions.DeepCopyMap(c.NodeOutputs)
	cp.Executed = append([]string(nil), c.Executed...)
	cp.Connections = nil
	return &cp
}

func (c *ExecutionContext) marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(c.Snapshot())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "encode execution context: %s", err.Error()).WithCause(err)
	}
	return raw, nil
}

func restoreContext(raw json.RawMessage) (*ExecutionContext, error) {
	if len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeStore, "execution record has no context")
	}
	var c ExecutionContext
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode execution context: %s", err.Error()).WithCause(err)
	}
	if c.Variables == nil {
		c.Variables = map[string]any{}
	}
	if c.NodeOutputs == nil {
		c.NodeOutputs = map[string]any{}
	}
	return &c, nil
}

// redactor masks credential values, and the header values derived from
// them, in user-visible strings.
type redactor struct {
	secrets []string
}

func newRedactor(conns map[string]secrets.Credentials) *redactor {
	var all []string
	for _, creds := range conns {
		all = append(all, creds.Secrets()...)
		all = append(all, auth.SecretValues(creds)...)
	}
	// Longest first so a secret containing another is masked whole.
	sort.Slice(all, func(i, j int) bool { return len(all[i]) > len(all[j]) })
	return &redactor{secrets: all}
}

func (r *redactor) redact(s string) string {
	for _, secret := range r.secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "[REDACTED]")
	}
	return s
}
