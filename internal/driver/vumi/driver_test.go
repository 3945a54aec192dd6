package vumi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"ex-relay/pkg/relay"
)

func TestDriverPublishesDecodedMessages(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	deliveries := make(chan Delivery, 4)
	driver, err := NewDriver(DriverConfig{
		Name:   "irc",
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	}, ChannelSource(deliveries), NewDefaultDecoder())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	deliveries <- Delivery{Body: []byte("not json"), MessageID: "garbage"}
	deliveries <- Delivery{Body: []byte(`{"message_type": "event", "from_addr": "alice"}`)}
	deliveries <- Delivery{Body: []byte(ircUserMessage)}
	close(deliveries)

	sink := &captureSink{}
	if err := driver.Start(context.Background(), sink); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("published = %d, want 1", len(events))
	}
	if events[0].Source != (relay.EventSource{Platform: relay.PlatformAMQP, ID: "irc"}) {
		t.Fatalf("source = %+v", events[0].Source)
	}
	if got := strings.Count(logs.String(), "vumi delivery rejected"); got != 1 {
		t.Fatalf("rejections logged = %d, want 1: %s", got, logs.String())
	}
	if !strings.Contains(logs.String(), "message_id=garbage") {
		t.Fatalf("rejection does not name the delivery: %s", logs.String())
	}
}

func TestDriverStopsOnTransientPublishFailure(t *testing.T) {
	t.Parallel()

	deliveries := make(chan Delivery, 1)
	deliveries <- Delivery{Body: []byte(ircUserMessage)}
	driver, err := NewDriver(DriverConfig{}, ChannelSource(deliveries), NewDefaultDecoder())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	busClosed := errors.New("bus closed")
	err = driver.Start(context.Background(), &captureSink{err: busClosed})
	if !errors.Is(err, busClosed) {
		t.Fatalf("start error = %v, want %v", err, busClosed)
	}
}

func TestDriverProcessSettlement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		decoder Decoder
		body    string
		sinkErr error
		wantErr error
	}{
		{name: "published", decoder: NewDefaultDecoder(), body: ircUserMessage},
		{name: "invalid event is poison", decoder: NewDefaultDecoder(), body: ircUserMessage, sinkErr: relay.ErrInvalidEvent, wantErr: ErrPoison},
		{name: "decoder panic is poison", decoder: panicDecoder{}, body: ircUserMessage, wantErr: ErrPoison},
		{name: "nil event is skipped", decoder: nilDecoder{}, body: ircUserMessage, wantErr: ErrSkip},
		{name: "non-json is poison", decoder: NewDefaultDecoder(), body: "[]", wantErr: ErrPoison},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			driver, err := NewDriver(DriverConfig{}, ChannelSource(nil), testCase.decoder)
			if err != nil {
				t.Fatalf("new driver failed: %v", err)
			}
			err = driver.process(context.Background(), &captureSink{err: testCase.sinkErr}, Delivery{Body: []byte(testCase.body)})
			if testCase.wantErr == nil {
				if err != nil {
					t.Fatalf("process error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("process error = %v, want %v", err, testCase.wantErr)
			}
		})
	}
}

func TestDriverStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	driver, err := NewDriver(DriverConfig{}, ChannelSource(make(chan Delivery)), NewDefaultDecoder())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- driver.Start(ctx, &captureSink{})
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}
	if err := driver.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestDriverShutdownClosesSource(t *testing.T) {
	t.Parallel()

	source := &closingSource{}
	driver, err := NewDriver(DriverConfig{}, source, NewDefaultDecoder())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}
	if err := driver.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if !source.closed {
		t.Fatal("source was not closed")
	}
}

func TestNewDriverValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDriver(DriverConfig{}, nil, NewDefaultDecoder()); err == nil {
		t.Fatal("expected nil source error")
	}
	if _, err := NewDriver(DriverConfig{}, ChannelSource(nil), nil); err == nil {
		t.Fatal("expected nil decoder error")
	}
	driver, err := NewDriver(DriverConfig{}, ChannelSource(nil), NewDefaultDecoder())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}
	if driver.Name() != DriverType {
		t.Fatalf("name = %s, want %s", driver.Name(), DriverType)
	}
	if err := driver.Start(context.Background(), nil); err == nil {
		t.Fatal("expected nil sink error")
	}
}

type captureSink struct {
	mu     sync.Mutex
	err    error
	events []*relay.Event
}

func (s *captureSink) Publish(_ context.Context, event *relay.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)

	return nil
}

func (s *captureSink) snapshot() []*relay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*relay.Event(nil), s.events...)
}

type panicDecoder struct{}

func (panicDecoder) Decode(context.Context, Message) (*relay.Event, error) {
	panic("decoder exploded")
}

type nilDecoder struct{}

func (nilDecoder) Decode(context.Context, Message) (*relay.Event, error) {
	return nil, nil
}

type closingSource struct {
	closed bool
}

func (s *closingSource) Consume(ctx context.Context, _ DeliveryHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *closingSource) Close() error {
	s.closed = true
	return nil
}
