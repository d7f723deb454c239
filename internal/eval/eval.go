// Package eval implements the Expression Evaluator (C6): a JSON-shaped
// predicate/arithmetic language used by derived StateVariables and formula
// fields. A formula is a primitive or a single-key object {op: args}.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	domainerrors "campaignstate.io/core/internal/pkg/errors"
)

// varPathPattern matches a dotted identifier path, e.g. "settlement.population".
var varPathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// MaxDepth is the maximum object-nesting depth a formula may reach. List
// walking (array args) does not increment depth (§4.6).
const MaxDepth = 10

// Handler evaluates a custom operator against its resolved arguments and
// the current evaluation Context. Handlers may be asynchronous (fetch
// additional entity data).
type Handler func(ctx context.Context, args any, evalCtx Context) (any, error)

// Registry maps operator names to Handlers, used for domain-specific
// operators like "settlement.level" or "settlement.hasStructureType".
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry constructs an empty operator Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Lookup returns the handler for name, if registered.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Context carries the variable namespace a formula resolves {var: "..."}
// references against. Built by internal/evalctx (C7).
type Context map[string]any

// ValidationResult is the outcome of validateFormula.
type ValidationResult struct {
	IsValid bool
	Errors  []string
}

// Result is the outcome of evaluate.
type Result struct {
	Success bool
	Value   any
	Error   string
}

// Step is one entry in evaluateWithTrace's ordered trace.
type Step struct {
	Step        int
	Description string
	Input       any
	Output      any
	Passed      bool
}

var builtinOps = map[string]bool{
	"and": true, "or": true, "not": true, "if": true,
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"+": true, "-": true, "*": true, "/": true,
	"in": true, "var": true,
}

// ValidateFormula enforces the structural rules without executing:
// non-empty object root, nesting depth <= MaxDepth (object nesting only),
// every operator name a builtin, and every {var: ...} argument a
// syntactically valid dotted path. Callers with an Evaluator should
// prefer its ValidateFormula method instead, so registry-registered
// custom operators also validate as known.
func ValidateFormula(formula any) ValidationResult {
	return validateFormula(formula, nil)
}

// ValidateFormula is like the package-level ValidateFormula, but also
// accepts any operator registered in e's Registry as known — so a
// formula using a custom operator validates the same way it evaluates.
func (e *Evaluator) ValidateFormula(formula any) ValidationResult {
	return validateFormula(formula, e.registry)
}

func validateFormula(formula any, registry *Registry) ValidationResult {
	var errs []string
	root, ok := formula.(map[string]any)
	if !ok || len(root) == 0 {
		return ValidationResult{IsValid: false, Errors: []string{"root must be a non-empty object"}}
	}
	walkDepth(formula, 1, registry, &errs)
	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

func isKnownOperator(op string, registry *Registry) bool {
	if builtinOps[op] {
		return true
	}
	if registry == nil {
		return false
	}
	_, ok := registry.Lookup(op)
	return ok
}

func walkDepth(node any, depth int, registry *Registry, errs *[]string) {
	if depth > MaxDepth {
		*errs = append(*errs, fmt.Sprintf("formula exceeds maximum nesting depth %d", MaxDepth))
		return
	}
	switch v := node.(type) {
	case map[string]any:
		if len(v) != 1 {
			*errs = append(*errs, "operator node must have exactly one key")
			return
		}
		for op, args := range v {
			if !isKnownOperator(op, registry) {
				*errs = append(*errs, fmt.Sprintf("unknown operator %q", op))
				continue
			}
			if op == "var" {
				path, ok := args.(string)
				if !ok || !varPathPattern.MatchString(path) {
					*errs = append(*errs, fmt.Sprintf("var argument %v is not a valid dotted path", args))
				}
				continue
			}
			walkArgs(args, depth+1, registry, errs)
		}
	case []any:
		for _, item := range v {
			walkDepth(item, depth, registry, errs)
		}
	}
}

func walkArgs(args any, depth int, registry *Registry, errs *[]string) {
	switch v := args.(type) {
	case []any:
		// list walking does not increment depth
		for _, item := range v {
			walkDepth(item, depth, registry, errs)
		}
	default:
		walkDepth(args, depth, registry, errs)
	}
}

// Evaluator executes formulas against a Registry of custom operators.
type Evaluator struct {
	registry *Registry
}

// New constructs an Evaluator backed by registry. A nil registry means no
// custom operators are available; builtins still work.
func New(registry *Registry) *Evaluator {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Evaluator{registry: registry}
}

// Evaluate executes formula against evalCtx and returns its value.
func (e *Evaluator) Evaluate(ctx context.Context, formula any, evalCtx Context) Result {
	vr := e.ValidateFormula(formula)
	if !vr.IsValid {
		return Result{Success: false, Error: strings.Join(vr.Errors, "; ")}
	}
	contextJSON, err := json.Marshal(map[string]any(evalCtx))
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("marshal context: %v", err)}
	}
	value, err := e.eval(ctx, formula, gjson.ParseBytes(contextJSON), nil)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Value: value}
}

// traceFunc records one evaluated operator node. eval invokes it for
// every map-shaped (operator) node it visits, nested or not, in the
// order each node's own evaluation completes. and/or evaluate every
// operand before combining the results, so each operand contributes its
// steps even when an earlier operand already decides the outcome.
type traceFunc func(node, out any, err error)

// EvaluateWithTrace executes formula and records an ordered trace of
// every operator application — nested operators included, not just the
// top-level node — for debugging derived-variable evaluation.
func (e *Evaluator) EvaluateWithTrace(ctx context.Context, formula any, evalCtx Context) (Result, []Step) {
	vr := e.ValidateFormula(formula)
	if !vr.IsValid {
		return Result{Success: false, Error: strings.Join(vr.Errors, "; ")}, nil
	}
	contextJSON, err := json.Marshal(map[string]any(evalCtx))
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("marshal context: %v", err)}, nil
	}
	root := gjson.ParseBytes(contextJSON)

	var trace []Step
	stepNum := 0
	rec := traceFunc(func(node, out any, err error) {
		stepNum++
		trace = append(trace, Step{
			Step: stepNum, Description: describeNode(node), Input: node,
			Output: out, Passed: err == nil,
		})
	})

	value, err := e.eval(ctx, formula, root, rec)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, trace
	}
	return Result{Success: true, Value: value}, trace
}

func describeNode(node any) string {
	m, ok := node.(map[string]any)
	if !ok {
		return "literal"
	}
	for op := range m {
		return "operator:" + op
	}
	return "empty"
}

// eval is the recursive evaluation core, shared by Evaluate and
// EvaluateWithTrace. rec is nil for a plain Evaluate; when non-nil, eval
// calls it once for every map-shaped (operator) node, after that node's
// own evaluation (including any nested operators its args contain) has
// completed, so nested steps precede the step of the operator that
// contains them.
func (e *Evaluator) eval(ctx context.Context, formula any, root gjson.Result, rec traceFunc) (any, error) {
	switch v := formula.(type) {
	case nil, string, float64, int, int64, bool:
		return v, nil
	case map[string]any:
		if len(v) != 1 {
			return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, "operator node must have exactly one key")
		}
		for op, args := range v {
			out, err := e.applyOp(ctx, op, args, root, rec)
			if rec != nil {
				rec(formula, out, err)
			}
			return out, err
		}
		return nil, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := e.eval(ctx, item, root, rec)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (e *Evaluator) applyOp(ctx context.Context, op string, args any, root gjson.Result, rec traceFunc) (any, error) {
	switch op {
	case "var":
		path, ok := args.(string)
		if !ok {
			return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, "var argument must be a dotted path string")
		}
		return resolveVar(root, path), nil
	case "and":
		items, err := e.evalList(ctx, args, root, rec)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if !truthy(item) {
				return false, nil
			}
		}
		return true, nil
	case "or":
		items, err := e.evalList(ctx, args, root, rec)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if truthy(item) {
				return true, nil
			}
		}
		return false, nil
	case "not":
		v, err := e.eval(ctx, args, root, rec)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case "if":
		items, err := e.evalList(ctx, args, root, rec)
		if err != nil {
			return nil, err
		}
		if len(items) < 2 {
			return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, "if requires at least [cond, then]")
		}
		for i := 0; i+1 < len(items); i += 2 {
			if truthy(items[i]) {
				return items[i+1], nil
			}
		}
		if len(items)%2 == 1 {
			return items[len(items)-1], nil
		}
		return nil, nil
	case "==", "!=", "<", "<=", ">", ">=":
		items, err := e.evalList(ctx, args, root, rec)
		if err != nil {
			return nil, err
		}
		if len(items) != 2 {
			return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, op+" requires exactly two arguments")
		}
		return compare(op, items[0], items[1])
	case "+", "-", "*", "/":
		items, err := e.evalList(ctx, args, root, rec)
		if err != nil {
			return nil, err
		}
		return arithmetic(op, items)
	case "in":
		items, err := e.evalList(ctx, args, root, rec)
		if err != nil {
			return nil, err
		}
		if len(items) != 2 {
			return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, "in requires exactly two arguments")
		}
		list, ok := items[1].([]any)
		if !ok {
			return false, nil
		}
		for _, item := range list {
			if equalValues(items[0], item) {
				return true, nil
			}
		}
		return false, nil
	default:
		handler, ok := e.registry.Lookup(op)
		if !ok {
			return nil, domainerrors.BadRequest(domainerrors.CodeUnknownOperator, fmt.Sprintf("unknown operator %q", op))
		}
		resolvedArgs, err := e.eval(ctx, args, root, rec)
		if err != nil {
			return nil, err
		}
		return handler(ctx, resolvedArgs, jsonContext(root))
	}
}

func (e *Evaluator) evalList(ctx context.Context, args any, root gjson.Result, rec traceFunc) ([]any, error) {
	list, ok := args.([]any)
	if !ok {
		v, err := e.eval(ctx, args, root, rec)
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	}
	out := make([]any, len(list))
	for i, item := range list {
		v, err := e.eval(ctx, item, root, rec)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// resolveVar resolves a dotted path through the JSON-encoded context.
// Missing keys yield nil (§4.6).
func resolveVar(root gjson.Result, path string) any {
	res := root.Get(path)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

func jsonContext(root gjson.Result) Context {
	m, ok := root.Value().(map[string]any)
	if !ok {
		return Context{}
	}
	return Context(m)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func compare(op string, a, b any) (any, error) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch op {
			case "==":
				return af == bf, nil
			case "!=":
				return af != bf, nil
			case "<":
				return af < bf, nil
			case "<=":
				return af <= bf, nil
			case ">":
				return af > bf, nil
			case ">=":
				return af >= bf, nil
			}
		}
	}
	switch op {
	case "==":
		return equalValues(a, b), nil
	case "!=":
		return !equalValues(a, b), nil
	default:
		as, aok := a.(string)
		bs, bok := b.(string)
		if !aok || !bok {
			return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, fmt.Sprintf("%s requires comparable operands", op))
		}
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, "unsupported comparison")
}

func arithmetic(op string, items []any) (any, error) {
	if len(items) == 0 {
		return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, op+" requires at least one argument")
	}
	first, ok := toFloat(items[0])
	if !ok {
		return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, op+" operands must be numeric")
	}
	result := first
	for _, item := range items[1:] {
		v, ok := toFloat(item)
		if !ok {
			return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, op+" operands must be numeric")
		}
		switch op {
		case "+":
			result += v
		case "-":
			result -= v
		case "*":
			result *= v
		case "/":
			if v == 0 {
				return nil, domainerrors.BadRequest(domainerrors.CodeFormulaInvalid, "division by zero")
			}
			result /= v
		}
	}
	if op == "-" && len(items) == 1 {
		return -first, nil
	}
	return result, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}
