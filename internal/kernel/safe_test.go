package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"ex-relay/pkg/relay"
)

func TestRunSafely(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("handler failed")
	tests := []struct {
		name      string
		fn        func() error
		wantErr   error
		wantPanic bool
	}{
		{name: "success", fn: func() error { return nil }},
		{name: "error is scoped", fn: func() error { return sentinel }, wantErr: sentinel},
		{name: "panic is recovered", fn: func() error { panic("boom") }, wantPanic: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := runSafely("module memo OnStart", testCase.fn)
			switch {
			case testCase.wantPanic:
				if err == nil || !strings.Contains(err.Error(), "module memo OnStart: panic recovered: boom") {
					t.Fatalf("error = %v, want recovered panic", err)
				}
				if len(panicStack(err)) == 0 {
					t.Fatal("panic stack is empty")
				}
			case testCase.wantErr != nil:
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("error = %v, want %v", err, testCase.wantErr)
				}
				if panicStack(err) != nil {
					t.Fatal("plain error carries a panic stack")
				}
			default:
				if err != nil {
					t.Fatalf("error = %v, want nil", err)
				}
			}
		})
	}
}

func TestLogAsyncError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	report := logAsyncError(slog.New(slog.NewTextHandler(&buf, nil)))

	report(context.Background(), "chatlog-messages", fmt.Errorf("enqueue: %w", relay.ErrEventDropped))
	panicked := runSafely("subscription memo-messages worker 0", func() error { panic("boom") })
	report(context.Background(), "memo-messages", panicked)

	output := buf.String()
	if !strings.Contains(output, "level=WARN msg=\"relay event dropped\"") {
		t.Fatalf("drop not logged as warning: %s", output)
	}
	if !strings.Contains(output, "level=ERROR msg=\"relay async error\"") || !strings.Contains(output, "stack=") {
		t.Fatalf("panic not logged with stack: %s", output)
	}
}
