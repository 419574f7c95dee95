// Package runtime executes paid tasks within a bounded time.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds task execution when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// TaskInput is the unit of work handed to a Runtime.
type TaskInput struct {
	Task      string `json:"task"`
	RequestID string `json:"requestId"`
	TaskID    string `json:"taskId"`
}

// Output is the JSON object a task produces.
type Output map[string]any

// Runtime performs a task. Implementations should honour ctx cancellation
// but are not required to.
type Runtime interface {
	Run(ctx context.Context, in TaskInput) (Output, error)
}

// RuntimeFunc adapts a function to the Runtime interface.
type RuntimeFunc func(ctx context.Context, in TaskInput) (Output, error)

func (f RuntimeFunc) Run(ctx context.Context, in TaskInput) (Output, error) {
	return f(ctx, in)
}

// Result is the outcome of a bounded execution: Completed, TimedOut or Failed.
type Result interface {
	Elapsed() time.Duration
	result()
}

// Completed carries the task's own output.
type Completed struct {
	Output   Output
	Duration time.Duration
}

// TimedOut means the task did not finish within Timeout.
type TimedOut struct {
	Duration time.Duration
	Timeout  time.Duration
}

// Failed carries the error the task returned.
type Failed struct {
	Err      error
	Duration time.Duration
}

func (r Completed) Elapsed() time.Duration { return r.Duration }
func (r TimedOut) Elapsed() time.Duration  { return r.Duration }
func (r Failed) Elapsed() time.Duration    { return r.Duration }

func (Completed) result() {}
func (TimedOut) result()  {}
func (Failed) result()    {}

// ErrPanic wraps a panic recovered from a task.
var ErrPanic = errors.New("task panicked")

// Executor runs a Runtime with a fixed upper bound on execution time.
type Executor struct {
	runtime Runtime
	timeout time.Duration
	now     func() time.Time
}

// WithTimeout bounds r by timeout. A non-positive timeout uses DefaultTimeout.
func WithTimeout(r Runtime, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{runtime: r, timeout: timeout, now: time.Now}
}

// Timeout returns the configured bound.
func (e *Executor) Timeout() time.Duration { return e.timeout }

type outcome struct {
	out Output
	err error
}

// Execute runs the task and always returns within the timeout. When the timer
// fires first the task's context is cancelled and TimedOut is returned
// immediately; anything the task returns afterwards is discarded. Cancelling
// ctx cancels the task and yields Failed.
func (e *Executor) Execute(ctx context.Context, in TaskInput) Result {
	start := e.now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		out, err := e.runtime.Run(runCtx, in)
		done <- outcome{out: out, err: err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		elapsed := e.now().Sub(start)
		if o.err != nil {
			return Failed{Err: o.err, Duration: elapsed}
		}
		return Completed{Output: o.out, Duration: elapsed}
	case <-timer.C:
		cancel()
		return TimedOut{Duration: e.now().Sub(start), Timeout: e.timeout}
	case <-ctx.Done():
		return Failed{Err: ctx.Err(), Duration: e.now().Sub(start)}
	}
}

// StubRuntime acknowledges every task without doing any work.
type StubRuntime struct{}

func (StubRuntime) Run(_ context.Context, in TaskInput) (Output, error) {
	return Output{"summary": "Processed task: " + in.Task}, nil
}
