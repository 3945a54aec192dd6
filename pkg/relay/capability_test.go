package relay

import "testing"

func TestInterestSetMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		interest InterestSet
		mutate   func(event *Event)
		want     bool
	}{
		{
			name:     "empty interest matches everything",
			interest: InterestSet{},
			mutate:   func(*Event) {},
			want:     true,
		},
		{
			name:     "kind mismatch",
			interest: InterestSet{Kinds: []EventKind{"other"}},
			mutate:   func(*Event) {},
			want:     false,
		},
		{
			name:     "empty command defaults to message",
			interest: InterestSet{Commands: []CommandKind{CommandKindMessage}},
			mutate:   func(event *Event) { event.Transport.Command = "" },
			want:     true,
		},
		{
			name:     "command filter rejects other commands",
			interest: InterestSet{Commands: []CommandKind{CommandKindMessage, CommandKindAction}},
			mutate:   func(event *Event) { event.Transport.Command = "notice" },
			want:     false,
		},
		{
			name:     "require channel rejects missing server",
			interest: InterestSet{RequireChannel: true},
			mutate:   func(event *Event) { event.Transport.Server = "" },
			want:     false,
		},
		{
			name:     "require channel rejects missing channel",
			interest: InterestSet{RequireChannel: true},
			mutate:   func(event *Event) { event.Transport.Channel = "" },
			want:     false,
		},
		{
			name:     "source wildcard platform",
			interest: InterestSet{Sources: []EventSource{{ID: "irc"}}},
			mutate:   func(*Event) {},
			want:     true,
		},
		{
			name:     "source mismatch",
			interest: InterestSet{Sources: []EventSource{{Platform: PlatformTelegram}}},
			mutate:   func(*Event) {},
			want:     false,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			event := newTestEvent()
			testCase.mutate(event)
			if got := testCase.interest.Matches(event); got != testCase.want {
				t.Fatalf("matches = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestInterestSetMatchesNil(t *testing.T) {
	t.Parallel()

	if (InterestSet{}).Matches(nil) {
		t.Fatal("nil event must not match")
	}
}

func TestInterestSetAllows(t *testing.T) {
	t.Parallel()

	capability := InterestSet{
		Kinds:          []EventKind{EventKindUserMessage},
		Commands:       []CommandKind{CommandKindMessage, CommandKindAction},
		RequireChannel: true,
	}

	tests := []struct {
		name   string
		filter InterestSet
		want   bool
	}{
		{
			name:   "identical filter",
			filter: capability,
			want:   true,
		},
		{
			name: "narrower command filter",
			filter: InterestSet{
				Kinds:          []EventKind{EventKindUserMessage},
				Commands:       []CommandKind{CommandKindAction},
				RequireChannel: true,
			},
			want: true,
		},
		{
			name: "wider kind filter",
			filter: InterestSet{
				Commands:       []CommandKind{CommandKindAction},
				RequireChannel: true,
			},
			want: false,
		},
		{
			name: "drops channel requirement",
			filter: InterestSet{
				Kinds:    []EventKind{EventKindUserMessage},
				Commands: []CommandKind{CommandKindMessage},
			},
			want: false,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := capability.Allows(testCase.filter); got != testCase.want {
				t.Fatalf("allows = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestNewSubscriptionSpecs(t *testing.T) {
	t.Parallel()

	spec := NewDefaultSubscriptionSpec("worker")
	if spec.Name != "worker" || spec.Workers != 0 || spec.Buffer != 0 || spec.Backpressure != "" {
		t.Fatalf("default spec = %#v, want only name set", spec)
	}

	serial := NewSerialSubscriptionSpec("serial")
	if serial.Workers != 1 {
		t.Fatalf("serial workers = %d, want 1", serial.Workers)
	}
	if serial.Backpressure != BackpressureBlock {
		t.Fatalf("serial backpressure = %q, want %q", serial.Backpressure, BackpressureBlock)
	}
}
