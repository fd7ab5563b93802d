package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/pkg/schema"
)

// Lead validator modes.
const (
	LeadModeValidator = "validator"
	LeadModeEditor    = "editor"
	LeadModeRouter    = "router"
)

// Condition operators.
const (
	OpEq         = "=="
	OpNe         = "!="
	OpGt         = ">"
	OpLt         = "<"
	OpGte        = ">="
	OpLte        = "<="
	OpContains   = "contains"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
	OpIsEmpty    = "isEmpty"
	OpIsNotEmpty = "isNotEmpty"
	OpLengthGt   = "length>"
	OpLengthLt   = "length<"
	OpLengthEq   = "length=="
)

// LogicOr joins a condition to the next one with OR; anything else is AND.
const LogicOr = "OR"

// Update value types.
const (
	updateStatic   = "static"
	updateDynamic  = "dynamic"
	updateComputed = "computed"
)

// LeadCondition tests one lead field. LogicOperator joins it to the next
// condition and defaults to AND.
type LeadCondition struct {
	Field         string `json:"field"`
	Operator      string `json:"operator"`
	Value         any    `json:"value"`
	LogicOperator string `json:"logicOperator,omitempty"`
}

// LeadUpdate sets Field on the lead. Static values are used as is, dynamic
// values are a dotted path into the lead, computed values are templates.
type LeadUpdate struct {
	Field     string `json:"field"`
	Value     any    `json:"value"`
	ValueType string `json:"valueType,omitempty"`
}

type leadActionBranch struct {
	Updates []LeadUpdate `json:"updates"`
}

type leadAction struct {
	Name         string            `json:"name"`
	Conditions   []LeadCondition   `json:"conditions"`
	TrueActions  *leadActionBranch `json:"trueActions"`
	FalseActions *leadActionBranch `json:"falseActions"`
}

type leadRoute struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Conditions []LeadCondition `json:"conditions"`
	Output     string          `json:"output"`
	Updates    []LeadUpdate    `json:"updates"`
}

type leadValidatorConfig struct {
	Mode      string `json:"mode"`
	Source    string `json:"source"`
	Validator *struct {
		Conditions   []LeadCondition `json:"conditions"`
		OutputField  string          `json:"outputField"`
		TrueMessage  string          `json:"trueMessage"`
		FalseMessage string          `json:"falseMessage"`
	} `json:"validatorConfig"`
	Editor *struct {
		Actions []leadAction `json:"actions"`
	} `json:"editorConfig"`
	Router *struct {
		Routes       []leadRoute `json:"routes"`
		DefaultRoute string      `json:"defaultRoute"`
	} `json:"routerConfig"`
}

type leadValidatorHandler struct {
	renderer *expressions.Renderer
	logger   *slog.Logger
}

func (h *leadValidatorHandler) Type() schema.NodeType { return schema.NodeTypeLeadValidator }

// Execute checks, edits or routes the lead. Validator and router outputs
// carry "branch" so conditional out-edges can follow them.
func (h *leadValidatorHandler) Execute(ctx context.Context, in *Input) (*Result, error) {
	var cfg leadValidatorConfig
	if err := decodeConfig(in.Config(), &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "leadValidator: invalid config: %v", err).WithCause(err)
	}
	data := in.Scope.TemplateData()
	lead := leadData(in.Scope, cfg.Source, data)

	mode := cfg.Mode
	if mode == "" {
		mode = LeadModeValidator
	}
	var (
		out map[string]any
		err error
	)
	switch mode {
	case LeadModeValidator:
		out, err = h.validate(&cfg, lead)
	case LeadModeEditor:
		out, err = h.edit(&cfg, lead, data)
	case LeadModeRouter:
		out, err = h.route(&cfg, lead, data)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "leadValidator: unknown mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	out["mode"] = mode
	h.logger.DebugContext(ctx, "lead validator done", slog.String("mode", mode), slog.Any("branch", out["branch"]))
	return &Result{Output: out}, nil
}

func (h *leadValidatorHandler) validate(cfg *leadValidatorConfig, lead map[string]any) (map[string]any, error) {
	v := cfg.Validator
	if v == nil || len(v.Conditions) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "leadValidator: validator mode requires validatorConfig.conditions")
	}
	ok, details, err := evaluateConditions(lead, v.Conditions)
	if err != nil {
		return nil, err
	}
	field := orDefault(v.OutputField, "isValid")
	msg := orDefault(v.FalseMessage, "Validation failed")
	if ok {
		msg = orDefault(v.TrueMessage, "Validation passed")
	}
	after := copyLead(lead)
	after[field] = ok
	return map[string]any{
		"valid":   ok,
		"result":  ok,
		"branch":  branchFor(ok),
		"message": msg,
		"results": details,
		"lead":    after,
	}, nil
}

func (h *leadValidatorHandler) edit(cfg *leadValidatorConfig, lead, data map[string]any) (map[string]any, error) {
	e := cfg.Editor
	if e == nil || len(e.Actions) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "leadValidator: editor mode requires editorConfig.actions")
	}
	after := copyLead(lead)
	changes := make(map[string]any)
	var fields []string
	executed, applied := 0, 0
	for _, a := range e.Actions {
		ok, _, err := evaluateConditions(lead, a.Conditions)
		if err != nil {
			return nil, err
		}
		branch := a.FalseActions
		if ok {
			branch = a.TrueActions
		}
		if branch == nil {
			continue
		}
		if err := h.apply(branch.Updates, after, data, changes, &fields); err != nil {
			return nil, err
		}
		executed++
		applied += len(branch.Updates)
	}
	return map[string]any{
		"actionsExecuted": executed,
		"updatesApplied":  applied,
		"updatedFields":   fields,
		"changes":         changes,
		"branch":          branchFor(executed > 0),
		"lead":            after,
	}, nil
}

func (h *leadValidatorHandler) route(cfg *leadValidatorConfig, lead, data map[string]any) (map[string]any, error) {
	r := cfg.Router
	if r == nil || len(r.Routes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "leadValidator: router mode requires routerConfig.routes")
	}
	after := copyLead(lead)
	changes := make(map[string]any)
	var fields []string
	out := map[string]any{"isDefaultRoute": false, "appliedUpdates": 0}

	matched := false
	for _, route := range r.Routes {
		ok, _, err := evaluateConditions(lead, route.Conditions)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := h.apply(route.Updates, after, data, changes, &fields); err != nil {
			return nil, err
		}
		matched = true
		out["selectedRoute"] = route.Output
		out["routeName"] = route.Name
		out["appliedUpdates"] = len(route.Updates)
		break
	}
	if !matched && r.DefaultRoute != "" {
		out["selectedRoute"] = r.DefaultRoute
		out["routeName"] = "default"
		out["isDefaultRoute"] = true
	}
	out["branch"] = branchFor(matched)
	out["updatedFields"] = fields
	out["changes"] = changes
	out["lead"] = after
	return out, nil
}

func (h *leadValidatorHandler) apply(updates []LeadUpdate, lead, data map[string]any, changes map[string]any, fields *[]string) error {
	for _, u := range updates {
		if strings.TrimSpace(u.Field) == "" {
			return schema.NewError(schema.ErrCodeValidation, "leadValidator: update has no field")
		}
		value := u.Value
		switch orDefault(u.ValueType, updateStatic) {
		case updateStatic:
		case updateDynamic:
			value = expressions.Plain(expressions.ResolvePath(fmt.Sprint(u.Value), lead))
		case updateComputed:
			s, err := h.renderer.Render(fmt.Sprint(u.Value), data)
			if err != nil {
				return err
			}
			value = s
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "leadValidator: unknown valueType %q", u.ValueType)
		}
		setPath(lead, u.Field, value)
		if _, seen := changes[u.Field]; !seen {
			*fields = append(*fields, u.Field)
		}
		changes[u.Field] = value
	}
	return nil
}

// evaluateConditions folds the conditions left to right, each joined to the
// previous one by that condition's LogicOperator. No conditions is true.
func evaluateConditions(lead map[string]any, conds []LeadCondition) (bool, []map[string]any, error) {
	details := make([]map[string]any, 0, len(conds))
	result := true
	for i, c := range conds {
		actual := expressions.ResolvePath(c.Field, lead)
		ok, err := testCondition(actual, c)
		if err != nil {
			return false, nil, err
		}
		details = append(details, map[string]any{
			"field":       c.Field,
			"operator":    c.Operator,
			"value":       c.Value,
			"actualValue": expressions.Plain(actual),
			"result":      ok,
		})
		switch {
		case i == 0:
			result = ok
		case strings.EqualFold(conds[i-1].LogicOperator, LogicOr):
			result = result || ok
		default:
			result = result && ok
		}
	}
	return result, details, nil
}

func testCondition(actual expressions.Value, c LeadCondition) (bool, error) {
	want := c.Value
	switch c.Operator {
	case OpEq:
		return looseEqual(actual, want), nil
	case OpNe:
		return !looseEqual(actual, want), nil
	case OpGt, OpLt, OpGte, OpLte:
		a, okA := toNumber(actual.V)
		b, okB := toNumber(want)
		if !actual.Defined || !okA || !okB {
			return false, nil
		}
		switch c.Operator {
		case OpGt:
			return a > b, nil
		case OpLt:
			return a < b, nil
		case OpGte:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case OpContains:
		return strings.Contains(actual.String(), scalarString(want)), nil
	case OpStartsWith:
		return strings.HasPrefix(actual.String(), scalarString(want)), nil
	case OpEndsWith:
		return strings.HasSuffix(actual.String(), scalarString(want)), nil
	case OpIsEmpty:
		return !actual.Truthy(), nil
	case OpIsNotEmpty:
		return actual.Truthy(), nil
	case OpLengthGt, OpLengthLt, OpLengthEq:
		n, ok := toNumber(want)
		if !ok {
			return false, nil
		}
		l := float64(length(actual))
		switch c.Operator {
		case OpLengthGt:
			return l > n, nil
		case OpLengthLt:
			return l < n, nil
		default:
			return l == n, nil
		}
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "leadValidator: unknown operator %q", c.Operator)
	}
}

// looseEqual compares numerically when both sides are numbers or numeric
// strings, and by printed form otherwise. A missing field equals only nil.
func looseEqual(actual expressions.Value, want any) bool {
	if !actual.Defined || actual.V == nil {
		return want == nil
	}
	if a, ok := toNumber(actual.V); ok {
		if b, ok := toNumber(want); ok {
			return a == b
		}
	}
	return actual.String() == scalarString(want)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// length counts runes for strings and elements for lists and objects.
func length(v expressions.Value) int {
	if !v.Defined || v.V == nil {
		return 0
	}
	if s, ok := v.V.(string); ok {
		return utf8.RuneCountInString(s)
	}
	rv := reflect.ValueOf(v.V)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	}
	return utf8.RuneCountInString(v.String())
}

func scalarString(v any) string {
	if v == nil {
		return ""
	}
	return expressions.Defined(v).String()
}

// leadData picks the lead the node works on: an explicit source path, then
// a "leadData" variable, then the trigger input.
func leadData(scope *expressions.Scope, source string, data map[string]any) map[string]any {
	if source != "" {
		if m, ok := expressions.Plain(expressions.ResolvePath(source, data)).(map[string]any); ok {
			return m
		}
		return map[string]any{}
	}
	if m, ok := expressions.Plain(scope.Variables["leadData"]).(map[string]any); ok {
		return m
	}
	return scope.TriggerInput()
}

func copyLead(lead map[string]any) map[string]any {
	if m, ok := expressions.Plain(lead).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// setPath writes value at a dotted path, creating intermediate objects.
func setPath(m map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	cur := m
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[k] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value
}

func branchFor(ok bool) string {
	if ok {
		return schema.BranchTrue
	}
	return schema.BranchFalse
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func decodeConfig(cfg map[string]any, out any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
