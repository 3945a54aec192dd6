package kernel

import (
	"context"
	"errors"
	"testing"

	"ex-relay/pkg/relay"
)

func TestDriverEventSinkStampsMissingSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sourceID string
		wantID   string
	}{
		{name: "missing id uses driver name", sourceID: "", wantID: "vumi-irc"},
		{name: "explicit id is kept", sourceID: "irc-freenode", wantID: "irc-freenode"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			capture := &captureSink{}
			sink := newDriverEventSink("vumi-irc", capture)
			event := newTestEvent("e1", relay.CommandKindMessage)
			event.Source.ID = testCase.sourceID

			if err := sink.Publish(context.Background(), event); err != nil {
				t.Fatalf("publish failed: %v", err)
			}
			if capture.last == nil {
				t.Fatal("event was not forwarded")
			}
			if capture.last.Source.ID != testCase.wantID {
				t.Fatalf("source id = %q, want %q", capture.last.Source.ID, testCase.wantID)
			}
		})
	}
}

func TestDriverEventSinkRejectsNilEvent(t *testing.T) {
	t.Parallel()

	sink := newDriverEventSink("vumi-irc", &captureSink{})
	if err := sink.Publish(context.Background(), nil); !errors.Is(err, relay.ErrInvalidEvent) {
		t.Fatalf("publish error = %v, want ErrInvalidEvent", err)
	}
}

func TestModuleRuntimeTracksSubscriptions(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(relay.SubscriptionSpec{Buffer: 4, Workers: 1}, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	record := &moduleRecord{
		name:         "memo",
		capabilities: []relay.Capability{{Name: "any"}},
	}
	runtime := &moduleRuntime{moduleName: "memo", services: NewServiceRegistry(), bus: bus, record: record}

	subscription, err := runtime.Subscribe(context.Background(), relay.InterestSet{}, relay.SubscriptionSpec{},
		func(context.Context, *relay.Event) error { return nil },
	)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if subscription.Name() != "memo-subscription" {
		t.Fatalf("subscription name = %q, want memo-subscription", subscription.Name())
	}
	if err := record.closeSubscriptions(context.Background()); err != nil {
		t.Fatalf("close subscriptions failed: %v", err)
	}
	if err := record.closeSubscriptions(context.Background()); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

type captureSink struct {
	last *relay.Event
}

func (s *captureSink) Publish(_ context.Context, event *relay.Event) error {
	s.last = event
	return nil
}
