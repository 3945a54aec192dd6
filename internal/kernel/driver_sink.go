package kernel

import (
	"context"
	"fmt"

	"ex-relay/pkg/relay"
)

// driverEventSink publishes driver events on the bus on behalf of one driver.
//
// Events without a source ID are attributed to the driver instance name so
// modules can route replies back to the driver that produced them.
type driverEventSink struct {
	driverName string
	next       relay.EventSink
}

func newDriverEventSink(driverName string, next relay.EventSink) relay.EventSink {
	return &driverEventSink{driverName: driverName, next: next}
}

// Publish stamps the source identity and forwards event to the bus.
func (s *driverEventSink) Publish(ctx context.Context, event *relay.Event) error {
	if event == nil {
		return fmt.Errorf("driver %s publish: %w: nil event", s.driverName, relay.ErrInvalidEvent)
	}
	if event.Source.ID == "" {
		stamped := *event
		stamped.Source.ID = s.driverName
		event = &stamped
	}
	if err := s.next.Publish(ctx, event); err != nil {
		return fmt.Errorf("driver %s publish: %w", s.driverName, err)
	}

	return nil
}
