package nodes

import (
	"context"

	"github.com/rendis/conex/pkg/schema"
)

// triggerHandler passes the trigger input through.
type triggerHandler struct{}

func (triggerHandler) Type() schema.NodeType { return schema.NodeTypeTrigger }

func (triggerHandler) Execute(_ context.Context, in *Input) (*Result, error) {
	return &Result{Output: in.Scope.TriggerInput()}, nil
}
