package telegram

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

func TestDriverPublishesDecodedUpdates(t *testing.T) {
	t.Parallel()

	updates := make(chan Update, 2)
	updates <- groupUpdate("hello")
	updates <- groupUpdate("/me waves")
	close(updates)

	driver, err := NewDriver(DriverConfig{Name: "tg-main"}, ChannelSource(updates), NewDefaultDecoder())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}
	sink := &captureSink{}
	if err := driver.Start(context.Background(), sink); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("published = %d, want 2", len(events))
	}
	for _, event := range events {
		if event.Source != (relay.EventSource{Platform: relay.PlatformTelegram, ID: "tg-main"}) {
			t.Fatalf("source = %+v", event.Source)
		}
	}
	if events[1].Transport.Command != relay.CommandKindAction {
		t.Fatalf("second command = %q", events[1].Transport.Command)
	}
}

func TestDriverSkipsUndecodableUpdates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		decoder Decoder
	}{
		{name: "decoder panic", decoder: panicDecoder{}},
		{name: "unsupported update", decoder: NewDefaultDecoder()},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			var logs bytes.Buffer
			update := groupUpdate("x")
			update.Type = "edited_message"
			updates := make(chan Update, 1)
			updates <- update
			close(updates)

			driver, err := NewDriver(DriverConfig{
				Logger: slog.New(slog.NewTextHandler(&logs, nil)),
			}, ChannelSource(updates), testCase.decoder)
			if err != nil {
				t.Fatalf("new driver failed: %v", err)
			}
			sink := &captureSink{}
			if err := driver.Start(context.Background(), sink); err != nil {
				t.Fatalf("start error = %v, want nil", err)
			}
			if published := sink.snapshot(); len(published) != 0 {
				t.Fatalf("published = %d, want 0", len(published))
			}
			if !strings.Contains(logs.String(), "telegram update skipped") {
				t.Fatalf("skip not logged: %s", logs.String())
			}
		})
	}
}

func TestDriverSurfacesPublishFailure(t *testing.T) {
	t.Parallel()

	updates := make(chan Update, 1)
	updates <- groupUpdate("hello")
	driver, err := NewDriver(DriverConfig{}, ChannelSource(updates), NewDefaultDecoder())
	if err != nil {
		t.Fatalf("new driver failed: %v", err)
	}

	busClosed := errors.New("bus closed")
	if err := driver.Start(context.Background(), &captureSink{err: busClosed}); !errors.Is(err, busClosed) {
		t.Fatalf("start error = %v, want %v", err, busClosed)
	}
}

func TestDriverStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	driver, err := NewDriver(DriverConfig{}, ChannelSource(make(chan Update)), NewDefaultDecoder())
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

func (panicDecoder) Decode(context.Context, Update) (*relay.Event, error) {
	panic("decoder exploded")
}
