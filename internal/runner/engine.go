// Package runner is the worker-side flow engine. It executes JavaScript
// flows in embedded goja VMs and serves them over the HTTP contract the
// pool dispatches against.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// ErrTimedOut is returned when a flow exceeds its execution budget. Its
// message is part of the wire contract: callers surface it verbatim.
var ErrTimedOut = errors.New("Execution timed out")

const defaultRunTimeout = 30 * time.Second

// Engine executes flows. Every Run gets a fresh VM, so flows cannot observe
// each other's globals and the engine is safe for concurrent use.
type Engine struct {
	defaultTimeout time.Duration
	log            *zap.Logger
}

// NewEngine creates an engine. defaultTimeout bounds runs whose request does
// not carry its own budget; zero or negative falls back to 30s.
func NewEngine(defaultTimeout time.Duration, log *zap.Logger) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultRunTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{defaultTimeout: defaultTimeout, log: log}
}

// Result is the outcome of a single flow run.
type Result struct {
	Value json.RawMessage // JSON-encoded completion value, nil for undefined/null
	Logs  []string        // captured console output, in call order
}

// Run executes code with the decoded input bound as the `input` global. The
// code runs inside a function body, so a top-level `return` yields the flow
// result. A watchdog interrupts the VM when the timeout elapses.
//
// The returned Result is always non-nil: console output captured before a
// failure survives alongside the error.
func (e *Engine) Run(ctx context.Context, code string, input json.RawMessage, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	res := &Result{Logs: []string{}}

	vm := goja.New()
	installConsole(vm, &res.Logs)
	if err := bindInput(vm, input); err != nil {
		return res, fmt.Errorf("decode input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ErrTimedOut.Error())
		case <-done:
		}
	}()

	start := time.Now()
	val, err := vm.RunString(wrapFlow(code))
	close(done)
	e.log.Debug("flow run finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("ok", err == nil))

	if err != nil {
		var intr *goja.InterruptedError
		if errors.As(err, &intr) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, ErrTimedOut
		}
		var ex *goja.Exception
		if errors.As(err, &ex) {
			// Value().String() is the thrown message ("Error: ...") without
			// the goja stack trace Error() appends.
			return res, errors.New(ex.Value().String())
		}
		return res, err
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return res, nil
	}
	out, err := json.Marshal(val.Export())
	if err != nil {
		return res, fmt.Errorf("encode result: %w", err)
	}
	res.Value = out
	return res, nil
}

// wrapFlow turns flow code into an IIFE receiving input, so `return` works
// at the top level of the flow.
func wrapFlow(code string) string {
	return "(function (input) {\n" + code + "\n})(input);"
}

func bindInput(vm *goja.Runtime, input json.RawMessage) error {
	if len(input) == 0 {
		return vm.Set("input", goja.Undefined())
	}
	var v interface{}
	if err := json.Unmarshal(input, &v); err != nil {
		return err
	}
	return vm.Set("input", v)
}

// installConsole exposes console.log/info/warn/error, appending formatted
// lines to logs. Callbacks run on the VM goroutine, so no locking is needed.
func installConsole(vm *goja.Runtime, logs *[]string) {
	appendLine := func(tag string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = formatValue(arg)
			}
			*logs = append(*logs, fmt.Sprintf("[%s] %s", tag, strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}

	console := vm.NewObject()
	console.Set("log", appendLine("LOG"))
	console.Set("info", appendLine("INFO"))
	console.Set("warn", appendLine("WARN"))
	console.Set("error", appendLine("ERROR"))
	vm.Set("console", console)
}

func formatValue(val goja.Value) string {
	if val == nil || goja.IsUndefined(val) {
		return "undefined"
	}
	if goja.IsNull(val) {
		return "null"
	}
	switch v := val.Export().(type) {
	case string:
		return v
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}
