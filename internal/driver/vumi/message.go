package vumi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MessageVersion is the envelope version stamped on outbound messages.
	MessageVersion = "20110921"
	// MessageTypeUserMessage identifies chat lines in either direction.
	MessageTypeUserMessage = "user_message"

	timestampLayout = "2006-01-02 15:04:05.999999"
)

var (
	// ErrPoison marks a delivery that can never be processed, such as a
	// body that is not valid JSON. Poison deliveries are acked and dropped.
	ErrPoison = errors.New("vumi: poison message")
	// ErrSkip marks a well-formed delivery that carries nothing to publish,
	// such as delivery reports. Skipped deliveries are acked silently.
	ErrSkip = errors.New("vumi: message skipped")
)

// Message is the JSON envelope exchanged with transports over the broker.
type Message struct {
	MessageVersion    string         `json:"message_version"`
	MessageType       string         `json:"message_type"`
	MessageID         string         `json:"message_id"`
	Timestamp         Timestamp      `json:"timestamp"`
	FromAddr          string         `json:"from_addr"`
	ToAddr            string         `json:"to_addr"`
	Content           string         `json:"content"`
	InReplyTo         string         `json:"in_reply_to,omitempty"`
	SessionEvent      string         `json:"session_event,omitempty"`
	TransportName     string         `json:"transport_name"`
	TransportType     string         `json:"transport_type"`
	TransportMetadata map[string]any `json:"transport_metadata"`
	HelperMetadata    map[string]any `json:"helper_metadata"`
}

// DecodeMessage parses one broker body into a Message.
//
// Bodies that are not JSON objects wrap ErrPoison.
func DecodeMessage(body []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(body, &message); err != nil {
		return Message{}, fmt.Errorf("%w: unmarshal: %v", ErrPoison, err)
	}

	return message, nil
}

// Encode serializes the message for publishing.
func (m Message) Encode() ([]byte, error) {
	if m.TransportMetadata == nil {
		m.TransportMetadata = map[string]any{}
	}
	if m.HelperMetadata == nil {
		m.HelperMetadata = map[string]any{}
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode vumi message %s: %w", m.MessageID, err)
	}

	return body, nil
}

// Timestamp is a UTC instant encoded in the broker's space-separated layout.
type Timestamp struct {
	time.Time
}

// MarshalJSON encodes the timestamp, or null when unset.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(t.UTC().Format(timestampLayout))
}

// UnmarshalJSON accepts the broker layout and RFC 3339, and treats null or
// empty strings as unset.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}

	for _, layout := range []string{timestampLayout, time.RFC3339Nano} {
		parsed, err := time.ParseInLocation(layout, raw, time.UTC)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}

	return fmt.Errorf("timestamp: unsupported layout %q", raw)
}

func stringField(fields map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		value, ok := fields[key].(string)
		if ok && value != "" {
			return value, true
		}
	}

	return "", false
}

func boolField(fields map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		if value, ok := fields[key].(bool); ok {
			return value, true
		}
	}

	return false, false
}
