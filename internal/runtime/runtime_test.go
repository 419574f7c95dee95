package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteNeverCompletes(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	e := WithTimeout(RuntimeFunc(func(ctx context.Context, _ TaskInput) (Output, error) {
		<-block // ignores ctx
		return Output{}, nil
	}), 50*time.Millisecond)

	start := time.Now()
	res := e.Execute(context.Background(), TaskInput{Task: "hang"})
	elapsed := time.Since(start)

	to, ok := res.(TimedOut)
	if !ok {
		t.Fatalf("result = %T, want TimedOut", res)
	}
	if to.Timeout != 50*time.Millisecond {
		t.Errorf("timeout = %v, want 50ms", to.Timeout)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("took %v, want close to 50ms", elapsed)
	}
}

func TestExecuteCancelsInnerOnTimeout(t *testing.T) {
	cancelled := make(chan struct{})
	e := WithTimeout(RuntimeFunc(func(ctx context.Context, _ TaskInput) (Output, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}), 20*time.Millisecond)

	if _, ok := e.Execute(context.Background(), TaskInput{}).(TimedOut); !ok {
		t.Fatal("expected TimedOut")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("inner task was not cancelled")
	}
}

func TestExecuteImmediateFailure(t *testing.T) {
	e := WithTimeout(RuntimeFunc(func(context.Context, TaskInput) (Output, error) {
		return nil, errors.New("model unavailable")
	}), time.Second)

	res := e.Execute(context.Background(), TaskInput{})
	f, ok := res.(Failed)
	if !ok {
		t.Fatalf("result = %T, want Failed", res)
	}
	if f.Err.Error() != "model unavailable" {
		t.Errorf("error = %q, want %q", f.Err, "model unavailable")
	}
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	e := WithTimeout(RuntimeFunc(func(context.Context, TaskInput) (Output, error) {
		panic("boom")
	}), time.Second)

	res := e.Execute(context.Background(), TaskInput{})
	f, ok := res.(Failed)
	if !ok {
		t.Fatalf("result = %T, want Failed", res)
	}
	if !errors.Is(f.Err, ErrPanic) {
		t.Errorf("error = %v, want ErrPanic", f.Err)
	}
}

func TestExecuteFastCompletion(t *testing.T) {
	e := WithTimeout(StubRuntime{}, time.Second)

	res := e.Execute(context.Background(), TaskInput{Task: "summarize", TaskID: "task_1"})
	c, ok := res.(Completed)
	if !ok {
		t.Fatalf("result = %T, want Completed", res)
	}
	if c.Output["summary"] != "Processed task: summarize" {
		t.Errorf("output = %v", c.Output)
	}
	if c.Duration >= time.Second {
		t.Errorf("duration = %v", c.Duration)
	}
}

func TestExecuteLateFailureDiscarded(t *testing.T) {
	var returned atomic.Bool
	e := WithTimeout(RuntimeFunc(func(ctx context.Context, _ TaskInput) (Output, error) {
		time.Sleep(80 * time.Millisecond)
		returned.Store(true)
		return nil, errors.New("late failure")
	}), 20*time.Millisecond)

	res := e.Execute(context.Background(), TaskInput{})
	if _, ok := res.(TimedOut); !ok {
		t.Fatalf("result = %T, want TimedOut", res)
	}
	if returned.Load() {
		t.Fatal("Execute waited for the task to return")
	}
}

func TestExecuteExternalCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	innerCancelled := make(chan struct{})

	e := WithTimeout(RuntimeFunc(func(ctx context.Context, _ TaskInput) (Output, error) {
		<-ctx.Done()
		close(innerCancelled)
		return nil, ctx.Err()
	}), 5*time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := e.Execute(ctx, TaskInput{})
	f, ok := res.(Failed)
	if !ok {
		t.Fatalf("result = %T, want Failed", res)
	}
	if !errors.Is(f.Err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", f.Err)
	}
	select {
	case <-innerCancelled:
	case <-time.After(time.Second):
		t.Fatal("external cancel did not reach the task")
	}
}

func TestWithTimeoutDefault(t *testing.T) {
	if got := WithTimeout(StubRuntime{}, 0).Timeout(); got != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", got, DefaultTimeout)
	}
}
