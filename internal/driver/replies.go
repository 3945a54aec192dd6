package driver

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"ex-relay/pkg/relay"
)

type replyRoute struct {
	sink       relay.EventSource
	dispatcher relay.ReplyDispatcher
}

// CompositeReplyDispatcher sends each reply through the driver named by the
// request's sink.
//
// A sink with an ID selects that driver. A sink with only a platform selects
// the single driver of that platform. A request without a sink is accepted
// only when exactly one driver can reply.
type CompositeReplyDispatcher struct {
	// routes are sorted by sink ID.
	routes []replyRoute
}

// NewCompositeReplyDispatcher collects the outbound side of runtimes.
// Inbound-only runtimes are skipped.
func NewCompositeReplyDispatcher(runtimes []Runtime) (*CompositeReplyDispatcher, error) {
	var routes []replyRoute
	for _, runtime := range runtimes {
		if runtime.Replies == nil {
			continue
		}
		if runtime.Source.ID == "" {
			return nil, fmt.Errorf("new composite reply dispatcher: runtime without sink id")
		}
		routes = append(routes, replyRoute{sink: runtime.Source, dispatcher: runtime.Replies})
	}
	slices.SortFunc(routes, func(a, b replyRoute) int {
		return strings.Compare(a.sink.ID, b.sink.ID)
	})
	for index := 1; index < len(routes); index++ {
		if routes[index].sink.ID == routes[index-1].sink.ID {
			return nil, fmt.Errorf("new composite reply dispatcher: duplicate sink id %s", routes[index].sink.ID)
		}
	}

	return &CompositeReplyDispatcher{routes: routes}, nil
}

// SendMessage forwards request to the dispatcher of its sink.
func (d *CompositeReplyDispatcher) SendMessage(
	ctx context.Context,
	request relay.SendMessageRequest,
) (*relay.OutboundMessage, error) {
	route, err := d.route(request.Target.Sink)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	sent, err := route.dispatcher.SendMessage(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("send message via %s: %w", route.sink.ID, err)
	}

	return sent, nil
}

// Sinks returns the sinks that can deliver replies, sorted by ID.
func (d *CompositeReplyDispatcher) Sinks() []relay.EventSource {
	sinks := make([]relay.EventSource, 0, len(d.routes))
	for _, route := range d.routes {
		sinks = append(sinks, route.sink)
	}

	return sinks
}

func (d *CompositeReplyDispatcher) route(sink *relay.EventSource) (replyRoute, error) {
	if len(d.routes) == 0 {
		return replyRoute{}, fmt.Errorf("%w: no reply-capable drivers", relay.ErrOutboundUnsupported)
	}
	if sink == nil {
		if len(d.routes) == 1 {
			return d.routes[0], nil
		}
		return replyRoute{}, fmt.Errorf("%w: missing target sink", relay.ErrOutboundUnsupported)
	}

	if sink.ID != "" {
		index, found := slices.BinarySearchFunc(d.routes, sink.ID, func(route replyRoute, id string) int {
			return strings.Compare(route.sink.ID, id)
		})
		if !found {
			return replyRoute{}, fmt.Errorf("%w: sink %s not found", relay.ErrOutboundUnsupported, sink.ID)
		}
		route := d.routes[index]
		if sink.Platform != "" && sink.Platform != route.sink.Platform {
			return replyRoute{}, fmt.Errorf("%w: sink %s is %s, not %s",
				relay.ErrOutboundUnsupported, sink.ID, route.sink.Platform, sink.Platform)
		}
		return route, nil
	}

	var matched []replyRoute
	for _, route := range d.routes {
		if route.sink.Platform == sink.Platform {
			matched = append(matched, route)
		}
	}
	switch len(matched) {
	case 1:
		return matched[0], nil
	case 0:
		return replyRoute{}, fmt.Errorf("%w: no sink for platform %s", relay.ErrOutboundUnsupported, sink.Platform)
	default:
		return replyRoute{}, fmt.Errorf("%w: %d sinks for platform %s", relay.ErrOutboundUnsupported, len(matched), sink.Platform)
	}
}
