// Package session is the client-facing wire layer: length-prefixed
// frames carrying JSON (or legacy msgpack) messages, one session
// goroutine pair per connection, the login gate and the outbound
// changeset builder that batches per-request state diffs for the
// client.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec translates between wire payloads and in-memory messages.
type Codec interface {
	Name() string
	Marshal(msg map[string]any) ([]byte, error)
	Unmarshal(data []byte) (map[string]any, error)
}

// NewCodec returns the codec for a config name. Empty selects JSON.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "json", "":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg map[string]any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte) (map[string]any, error) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// msgpackCodec speaks the legacy binary protocol of older clients.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(msg map[string]any) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

func (msgpackCodec) Unmarshal(data []byte) (map[string]any, error) {
	var msg map[string]any
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}
