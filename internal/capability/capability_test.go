package capability

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProvider struct {
	delay time.Duration
	res   Result
	err   error
}

func (f fakeProvider) Invoke(ctx context.Context, req Request) (Result, error) {
	select {
	case <-time.After(f.delay):
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func TestInvokeDispatches(t *testing.T) {
	r := NewRegistry()
	r.Register(Clipboard, fakeProvider{res: Result{Output: map[string]any{"text": "hi"}}})
	res, err := r.Invoke(context.Background(), Clipboard, Request{Action: "read"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output["text"] != "hi" {
		t.Fatalf("output = %v", res.Output)
	}
}

func TestInvokeUnknownCapability(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Invoke(context.Background(), "teleport", Request{}, time.Second); !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("err = %v", err)
	}
}

func TestInvokeTimesOut(t *testing.T) {
	r := NewRegistry()
	r.Register(Power, fakeProvider{delay: time.Minute})
	start := time.Now()
	_, err := r.Invoke(context.Background(), Power, Request{Action: "shutdown"}, 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("invoke did not honor the timeout")
	}
}
