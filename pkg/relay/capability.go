package relay

import "slices"

// Capability describes what a module can process and what resources it requires.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
	Metadata         map[string]string
}

// InterestSet describes event selection criteria for capability negotiation.
type InterestSet struct {
	Kinds    []EventKind
	Commands []CommandKind
	// RequireChannel selects only events carrying both a channel and a server.
	RequireChannel bool
	// Sources restricts delivery to events produced by matching drivers.
	Sources []EventSource
}

// Matches reports whether an event satisfies the declared interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(i.Kinds) > 0 && !slices.Contains(i.Kinds, event.Kind) {
		return false
	}
	if len(i.Commands) > 0 && !slices.Contains(i.Commands, event.Transport.CommandOrDefault()) {
		return false
	}
	if i.RequireChannel && (event.Transport.Channel == "" || event.Transport.Server == "") {
		return false
	}
	if len(i.Sources) > 0 && !sourceMatchesAny(i.Sources, event.Source) {
		return false
	}

	return true
}

// Allows reports whether this interest set can safely satisfy another filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) > 0 && !allKindsIncluded(filter.Kinds, i.Kinds) {
		return false
	}
	if len(i.Commands) > 0 && !allCommandsIncluded(filter.Commands, i.Commands) {
		return false
	}
	if i.RequireChannel && !filter.RequireChannel {
		return false
	}

	return true
}

// allKindsIncluded reports whether subset is fully contained in allowed.
// An empty subset means "any kind" and is only covered by an empty allowed set.
func allKindsIncluded(subset, allowed []EventKind) bool {
	if len(subset) == 0 {
		return false
	}

	return !slices.ContainsFunc(subset, func(kind EventKind) bool {
		return !slices.Contains(allowed, kind)
	})
}

// allCommandsIncluded reports whether subset is fully contained in allowed.
func allCommandsIncluded(subset, allowed []CommandKind) bool {
	if len(subset) == 0 {
		return false
	}

	return !slices.ContainsFunc(subset, func(command CommandKind) bool {
		return !slices.Contains(allowed, command)
	})
}

// sourceMatchesAny reports whether source satisfies at least one reference.
// Empty reference fields act as wildcards.
func sourceMatchesAny(references []EventSource, source EventSource) bool {
	for _, reference := range references {
		if reference.Platform != "" && reference.Platform != source.Platform {
			continue
		}
		if reference.ID != "" && reference.ID != source.ID {
			continue
		}

		return true
	}

	return false
}
