package memo

import "regexp"

// tellPattern accepts an optional leading token (usually the bot's nick),
// the literal "tell", a recipient token and the remaining text. One trailing
// newline is tolerated and not part of the text.
var tellPattern = regexp.MustCompile(`^(?:\S+ )?tell (\S+) (.*)\n?$`)

// Request is a parsed memo command.
type Request struct {
	Recipient string
	Text      string
}

// ParseTell parses text as a memo command. The recipient is returned as typed.
func ParseTell(text string) (Request, bool) {
	match := tellPattern.FindStringSubmatch(text)
	if match == nil {
		return Request{}, false
	}

	return Request{Recipient: match[1], Text: match[2]}, true
}
