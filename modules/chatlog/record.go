package chatlog

import (
	"strings"

	"ex-relay/pkg/relay"
)

const (
	// MessageTypeMessage labels an ordinary chat line.
	MessageTypeMessage = "message"
	// MessageTypeAction labels an emote line.
	MessageTypeAction = "action"
)

// Record is the JSON document posted to the log server for one chat line.
type Record struct {
	MessageType string `json:"message_type"`
	Nickname    string `json:"nickname,omitempty"`
	Server      string `json:"server"`
	Channel     string `json:"channel"`
	Msg         string `json:"msg"`
}

// Classify derives the log record for event.
//
// It reports false for events without a channel or server, and for commands
// other than message and action.
func Classify(event *relay.Event) (Record, bool) {
	if event == nil {
		return Record{}, false
	}
	transport := event.Transport
	if transport.Channel == "" || transport.Server == "" {
		return Record{}, false
	}

	record := Record{
		Server:  networkOf(transport.Server),
		Channel: transport.Channel,
	}
	switch transport.CommandOrDefault() {
	case relay.CommandKindMessage:
		record.MessageType = MessageTypeMessage
		record.Nickname = event.Sender()
		record.Msg = event.Text()
	case relay.CommandKindAction:
		record.MessageType = MessageTypeAction
		record.Msg = "* " + event.Sender() + " " + event.Text()
	default:
		return Record{}, false
	}

	return record, true
}

// networkOf strips an optional ":port" suffix from server.
func networkOf(server string) string {
	network, _, _ := strings.Cut(server, ":")
	return network
}
