package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/observability"
)

// ExecutorOptions configures the parallel tool executor.
type ExecutorOptions struct {
	// MaxConcurrent limits parallel tool executions. Default 5.
	MaxConcurrent int
	// Timeout is the per-tool execution budget. Default 2m.
	Timeout time.Duration
	// TerminateGrace is passed to process-spawning tools as the
	// SIGTERM-to-SIGKILL window. Default 5s.
	TerminateGrace time.Duration
	// MaxAttempts caps retries on infrastructure errors (tool results
	// with IsError never retry). Default 1: no retry.
	MaxAttempts int

	Policy  *Policy
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

func (o *ExecutorOptions) applyDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.TerminateGrace <= 0 {
		o.TerminateGrace = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.Policy == nil {
		o.Policy = OpenPolicy()
	}
	if o.Logger == nil {
		o.Logger = observability.NewNopLogger()
	}
}

// OptionsFromConfig maps the tools section of the config onto executor
// options.
func OptionsFromConfig(cfg config.ToolsConfig) ExecutorOptions {
	return ExecutorOptions{
		MaxConcurrent:  cfg.MaxConcurrent,
		Timeout:        cfg.Timeout,
		TerminateGrace: cfg.TerminateGrace,
		Policy:         NewPolicy(cfg.Policy),
	}
}

// ExecutionResult is the outcome of one tool call. Exactly one of
// Result or Err is set; Err means the executor itself failed, which
// callers fold into an error tool result anyway.
type ExecutionResult struct {
	ToolUseID string
	ToolName  string
	Result    *Result
	Err       error
	Duration  time.Duration
	Attempts  int
}

// Executor runs tool calls in parallel under a concurrency cap.
type Executor struct {
	registry *Registry
	opts     ExecutorOptions
	sem      chan struct{}
}

// NewExecutor builds an executor over a registry.
func NewExecutor(registry *Registry, opts ExecutorOptions) *Executor {
	opts.applyDefaults()
	return &Executor{
		registry: registry,
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry { return e.registry }

// ExecuteAll runs the calls in parallel and returns results in call
// order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []Call, opts Options) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c Call) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, c, opts)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs one call: policy gate, schema validation, then the tool
// itself under the per-tool timeout. Everything that can go wrong on
// the tool's behalf becomes an IsError result the model can see.
func (e *Executor) Execute(ctx context.Context, call Call, opts Options) *ExecutionResult {
	start := time.Now()
	res := &ExecutionResult{ToolUseID: call.ID, ToolName: call.Name}
	finish := func(r *Result) *ExecutionResult {
		res.Result = r
		res.Duration = time.Since(start)
		e.record(call.Name, res)
		return res
	}

	switch e.opts.Policy.Check(call.Name) {
	case DecisionDeny:
		return finish(Denied(call.Name))
	case DecisionAsk:
		// No interactive approval channel on this path; ask degrades to
		// deny rather than silently allowing.
		return finish(Denied(call.Name))
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return finish(Errorf("Unknown tool: %s", call.Name))
	}
	if err := e.registry.ValidateArgs(call.Name, call.Args); err != nil {
		return finish(Errorf("Invalid arguments for %s: %v", call.Name, err))
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return finish(Interrupted(""))
	}

	if opts.ToolCallID == "" {
		opts.ToolCallID = call.ID
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = e.opts.TerminateGrace
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		res.Attempts = attempt
		result, err := e.executeOnce(ctx, tool, call, opts)
		if err == nil {
			return finish(result)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	res.Err = lastErr
	res.Duration = time.Since(start)
	e.record(call.Name, res)
	return res
}

// executeOnce runs the tool under the timeout in its own goroutine so a
// stuck tool cannot wedge the executor. A timed-out tool's goroutine is
// abandoned; its context is cancelled so well-behaved tools unwind.
func (e *Executor) executeOnce(ctx context.Context, tool Tool, call Call, opts Options) (*Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.opts.Logger.Error(ctx, "tool panicked",
					"tool", call.Name, "panic", r, "stack", string(debug.Stack()))
				ch <- outcome{result: Errorf("Tool %s panicked: %v", call.Name, r)}
			}
		}()
		result, err := tool.Execute(execCtx, call.Args, opts)
		if err != nil {
			ch <- outcome{err: fmt.Errorf("tool %s: %w", call.Name, err)}
			return
		}
		if result == nil {
			result = Errorf("Tool %s returned no result.", call.Name)
		}
		ch <- outcome{result: result}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return Interrupted(""), nil
		}
		return TimedOut(e.opts.Timeout, ""), nil
	}
}

func (e *Executor) record(tool string, res *ExecutionResult) {
	if e.opts.Metrics == nil {
		return
	}
	status := "ok"
	switch {
	case res.Err != nil:
		status = "error"
	case res.Result != nil && res.Result.IsError:
		status = "tool_error"
	}
	e.opts.Metrics.RecordToolExecution(tool, status, res.Duration.Seconds())
}

// Cancelled builds the synthetic results an aborted turn records for
// tool calls that never ran.
func Cancelled(calls []Call) []*ExecutionResult {
	results := make([]*ExecutionResult, len(calls))
	for i, c := range calls {
		r := Interrupted("")
		r.Details["cancelled"] = true
		results[i] = &ExecutionResult{ToolUseID: c.ID, ToolName: c.Name, Result: r}
	}
	return results
}
