package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/eleven-am/voice-recorder/internal/shared"
)

var ErrMissingType = errors.New("message has no type")

// Message is an inbound frame with its type normalised to the dashed form
// and its keys converted to camelCase.
type Message struct {
	Type   MessageType
	Fields map[string]any
}

// WireType renders an API message type the way the server expects it.
func WireType(t MessageType) string {
	return strings.ReplaceAll(string(t), "-", "_")
}

// APIType maps a wire type back to the dashed API form.
func APIType(wire string) MessageType {
	return MessageType(strings.ReplaceAll(wire, "_", "-"))
}

// Encode flattens payload into a single JSON object, stamps the client id
// under metadata and converts every key to snake_case.
func Encode(t MessageType, payload any, clientID string) ([]byte, error) {
	fields, err := toFields(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}

	fields["type"] = WireType(t)

	meta := make(map[string]any)
	if existing, ok := fields["metadata"].(map[string]any); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}
	if clientID != "" {
		meta["clientId"] = clientID
	}
	fields["metadata"] = meta

	return json.Marshal(shared.SnakeKeys(fields))
}

// EncodeServer renders a server-originated frame: dashed type, snake_case
// keys, no client metadata.
func EncodeServer(t MessageType, payload any) ([]byte, error) {
	fields, err := toFields(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	fields["type"] = string(t)
	return json.Marshal(shared.SnakeKeys(fields))
}

func Decode(data []byte) (*Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	wire, _ := raw["type"].(string)
	if wire == "" {
		return nil, ErrMissingType
	}

	fields, _ := shared.CamelKeys(raw).(map[string]any)
	delete(fields, "type")

	return &Message{Type: APIType(wire), Fields: fields}, nil
}

// Bind decodes the message fields into a typed payload.
func (m *Message) Bind(v any) error {
	data, err := json.Marshal(m.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (m *Message) SessionID() string {
	id, _ := m.Fields["sessionId"].(string)
	return id
}

// NewMessage builds an inbound-shaped message from a typed payload. Used by
// tests and by the relay to reason about frames in API form.
func NewMessage(t MessageType, payload any) (*Message, error) {
	fields, err := toFields(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Fields: fields}, nil
}

func toFields(payload any) (map[string]any, error) {
	if payload == nil {
		return make(map[string]any), nil
	}
	if m, ok := payload.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("payload must be an object: %w", err)
	}
	return fields, nil
}
