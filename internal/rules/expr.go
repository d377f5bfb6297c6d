package rules

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// Expr is a predicate written as a JavaScript expression.
//
// The expression sees four functions bound to the rule's accessor:
//
//	value(path)   first extracted text, "" when empty
//	values(path)  array of extracted texts
//	empty(path)   true when the field has no non-blank value
//	number(path)  numeric value or null
//
// It returns a boolean (true is compliant), null or undefined (ignore), or an
// object {verdict, reason, suggestion} where verdict is a verdict name, a
// boolean or null.
type Expr struct {
	src  string
	prog *goja.Program
}

// CompileExpr compiles src once; every evaluation runs in a fresh runtime.
func CompileExpr(src string) (*Expr, error) {
	prog, err := goja.Compile("rule", "("+src+"\n)", true)
	if err != nil {
		return nil, fmt.Errorf("%w: compile expression: %v", ErrInvalidRule, err)
	}
	return &Expr{src: src, prog: prog}, nil
}

// String returns the expression source.
func (e *Expr) String() string { return e.src }

// Evaluate runs the expression. It is interrupted when ctx is done.
func (e *Expr) Evaluate(ctx context.Context, acc *Accessor) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	vm := goja.New()
	if err := bind(vm, acc); err != nil {
		return Outcome{}, err
	}

	done := make(chan struct{})
	defer close(done)
	defer vm.ClearInterrupt()

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := vm.RunProgram(e.prog)
	if err != nil {
		if interrupted, ok := err.(*goja.InterruptedError); ok {
			if cause := interrupted.Unwrap(); cause != nil {
				return Outcome{}, cause
			}
			return Outcome{}, context.Canceled
		}
		return Outcome{}, err
	}
	return toOutcome(val)
}

func bind(vm *goja.Runtime, acc *Accessor) error {
	arg := func(call goja.FunctionCall) string {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("path argument required"))
		}
		return call.Arguments[0].String()
	}
	check := func(err error) {
		if err != nil {
			panic(vm.NewGoError(err))
		}
	}

	fns := map[string]func(goja.FunctionCall) goja.Value{
		"value": func(call goja.FunctionCall) goja.Value {
			v, err := acc.Value(arg(call))
			check(err)
			return vm.ToValue(v)
		},
		"values": func(call goja.FunctionCall) goja.Value {
			vs, err := acc.Values(arg(call))
			check(err)
			items := make([]any, len(vs))
			for i, v := range vs {
				items[i] = v
			}
			return vm.NewArray(items...)
		},
		"empty": func(call goja.FunctionCall) goja.Value {
			empty, err := acc.Empty(arg(call))
			check(err)
			return vm.ToValue(empty)
		},
		"number": func(call goja.FunctionCall) goja.Value {
			n, ok, err := acc.Number(arg(call))
			check(err)
			if !ok {
				return goja.Null()
			}
			return vm.ToValue(n)
		},
	}
	for name, fn := range fns {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func toOutcome(val goja.Value) (Outcome, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return Outcome{Verdict: Ignore}, nil
	}
	switch v := val.Export().(type) {
	case bool:
		return Outcome{Verdict: boolVerdict(v)}, nil
	case map[string]any:
		var out Outcome
		switch vv := v["verdict"].(type) {
		case nil:
			out.Verdict = Ignore
		case bool:
			out.Verdict = boolVerdict(vv)
		case string:
			verdict, err := ParseVerdict(vv)
			if err != nil {
				return Outcome{}, err
			}
			out.Verdict = verdict
		default:
			return Outcome{}, fmt.Errorf("verdict of type %T", vv)
		}
		if s, ok := v["reason"].(string); ok {
			out.Reason = s
		}
		if s, ok := v["suggestion"].(string); ok {
			out.Suggestion = s
		}
		return out, nil
	}
	return Outcome{}, fmt.Errorf("expression returned %s", val.ExportType())
}

func boolVerdict(ok bool) Verdict {
	if ok {
		return Compliant
	}
	return NonCompliant
}
