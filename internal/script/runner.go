// Package script runs user-authored Starlark in a sandbox: no filesystem,
// network or process access, a hard wall-clock cutoff, optional step budget,
// captured print output and a structured result instead of raised errors.
//
// A script that parses as a single expression yields that expression's value.
// Any other program yields its global named "result" (None when unset).
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	kerrors "github.com/harunnryd/karakuri/internal/errors"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

const (
	ResultGlobal    = "result"
	DefaultFilename = "script.star"
)

type ErrorKind string

const (
	KindSyntax    ErrorKind = "syntax"
	KindResolve   ErrorKind = "resolve"
	KindRuntime   ErrorKind = "runtime"
	KindTimeout   ErrorKind = "timeout"
	KindLimit     ErrorKind = "limit"
	KindCancelled ErrorKind = "cancelled"
	KindInput     ErrorKind = "input"
)

type Request struct {
	Code     string
	Globals  map[string]any
	Timeout  time.Duration
	MaxSteps uint64
	Filename string
}

type Result struct {
	Success  bool          `json:"success"`
	Value    any           `json:"result,omitempty"`
	Output   []string      `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     ErrorKind     `json:"error_kind,omitempty"`
	Line     int           `json:"line,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Err converts a failed result into the error taxonomy. Timeouts stay
// distinguishable from other failures.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	msg := r.Error
	if r.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", r.Line, msg)
	}
	if r.Kind == KindTimeout {
		return kerrors.Timeout(msg)
	}
	return kerrors.Execution(fmt.Sprintf("%s error: %s", r.Kind, msg))
}

type Validation struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

type Options struct {
	DefaultTimeout time.Duration
	MaxSteps       uint64
	MaxOutputLines int
}

type Runner struct {
	defaultTimeout time.Duration
	maxSteps       uint64
	maxOutputLines int
	fileOpts       *syntax.FileOptions
	modules        starlark.StringDict
}

func NewRunner(opts Options) *Runner {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 600 * time.Second
	}
	if opts.MaxOutputLines <= 0 {
		opts.MaxOutputLines = 1000
	}
	return &Runner{
		defaultTimeout: opts.DefaultTimeout,
		maxSteps:       opts.MaxSteps,
		maxOutputLines: opts.MaxOutputLines,
		fileOpts: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
			Recursion:       false,
		},
		modules: starlark.StringDict{
			"json":   json.Module,
			"math":   math.Module,
			"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		},
	}
}

// Validate parses code without executing it.
func (r *Runner) Validate(code string) Validation {
	if strings.TrimSpace(code) == "" {
		return Validation{Success: false, Error: "script is empty"}
	}
	if _, err := r.fileOpts.ParseExpr(DefaultFilename, code, 0); err == nil {
		return Validation{Success: true, Mode: "expression"}
	}
	if _, err := r.fileOpts.Parse(DefaultFilename, code, 0); err != nil {
		v := Validation{Success: false, Error: err.Error()}
		var se syntax.Error
		if errors.As(err, &se) {
			v.Error = se.Msg
			v.Line = int(se.Pos.Line)
			v.Column = int(se.Pos.Col)
		}
		return v
	}
	return Validation{Success: true, Mode: "program"}
}

// Run executes req and never returns an error: every failure, including a
// timeout or cancelled ctx, is reported in the Result.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	start := time.Now()
	filename := req.Filename
	if filename == "" {
		filename = DefaultFilename
	}

	predeclared, err := r.predeclared(req.Globals)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Kind: KindInput, Duration: time.Since(start)}
	}

	out := &output{max: r.maxOutputLines}
	thread := &starlark.Thread{
		Name:  filename,
		Print: func(_ *starlark.Thread, msg string) { out.add(msg) },
	}
	steps := req.MaxSteps
	if steps == 0 {
		steps = r.maxSteps
	}
	if steps > 0 {
		thread.SetMaxExecutionSteps(steps)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-runCtx.Done():
			thread.Cancel(runCtx.Err().Error())
		case <-finished:
		}
	}()

	value, execErr := r.exec(thread, filename, req.Code, predeclared)
	res := Result{Output: out.lines(), Duration: time.Since(start)}
	if execErr == nil {
		res.Success = true
		res.Value = ToGo(value)
		return res
	}

	res.Kind, res.Line, res.Error = classify(execErr, filename)
	if res.Kind == KindRuntime || res.Kind == KindLimit {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			res.Kind = KindTimeout
			res.Error = fmt.Sprintf("timeout: script exceeded %s", timeout)
		case errors.Is(runCtx.Err(), context.Canceled):
			res.Kind = KindCancelled
			res.Error = "cancelled: " + res.Error
		}
	}
	slog.Debug("Script failed", "kind", res.Kind, "line", res.Line, "error", res.Error, "duration", res.Duration)
	return res
}

func (r *Runner) exec(thread *starlark.Thread, filename, code string, predeclared starlark.StringDict) (starlark.Value, error) {
	if _, err := r.fileOpts.ParseExpr(filename, code, 0); err == nil {
		return starlark.EvalOptions(r.fileOpts, thread, filename, code, predeclared)
	}
	globals, err := starlark.ExecFileOptions(r.fileOpts, thread, filename, code, predeclared)
	if err != nil {
		return nil, err
	}
	if v, ok := globals[ResultGlobal]; ok {
		return v, nil
	}
	return starlark.None, nil
}

func (r *Runner) predeclared(globals map[string]any) (starlark.StringDict, error) {
	env := make(starlark.StringDict, len(r.modules)+len(globals))
	for name, mod := range r.modules {
		env[name] = mod
	}
	for name, v := range globals {
		if !isIdentifier(name) {
			return nil, fmt.Errorf("global %q is not a valid identifier", name)
		}
		sv, err := ToStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", name, err)
		}
		sv.Freeze()
		env[name] = sv
	}
	return env, nil
}

func classify(err error, filename string) (ErrorKind, int, string) {
	var se syntax.Error
	if errors.As(err, &se) {
		return KindSyntax, int(se.Pos.Line), se.Msg
	}
	var rl resolve.ErrorList
	if errors.As(err, &rl) && len(rl) > 0 {
		return KindResolve, int(rl[0].Pos.Line), rl[0].Msg
	}
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		kind := KindRuntime
		if strings.Contains(ee.Msg, "too many steps") {
			kind = KindLimit
		}
		for i := 0; i < len(ee.CallStack); i++ {
			frame := ee.CallStack.At(i)
			if frame.Pos.Line > 0 && frame.Pos.Filename() == filename {
				return kind, int(frame.Pos.Line), ee.Msg
			}
		}
		return kind, 0, ee.Msg
	}
	return KindRuntime, 0, err.Error()
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

type output struct {
	mu        sync.Mutex
	max       int
	buf       []string
	truncated bool
}

func (o *output) add(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.buf) >= o.max {
		o.truncated = true
		return
	}
	o.buf = append(o.buf, line)
}

func (o *output) lines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncated {
		return append(append([]string(nil), o.buf...), "... output truncated")
	}
	return append([]string(nil), o.buf...)
}
