// Package rpc implements the shard router and the shard-to-shard
// transport: length-prefixed JSON request/response messages, a client
// with reconnect buffering and timeout sweeping, a server dispatching
// into the request engine, and the proxy standing in for entities
// owned by another shard.
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Error codes reuse the well-known JSON-RPC numeric set.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeParse          = -32700
)

// headerSize is the frame header: 4-byte big-endian payload length.
const headerSize = 4

// Request is one shard-to-shard call. Method is "obj" or "api".
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// ErrorObj is the wire shape of a failed call.
type ErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Response answers a Request by id. Result and Error are both present
// on the wire; undefined results are normalized to null.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorObj       `json:"error"`
}

// WriteMsg frames and writes one message: 4-byte big-endian payload
// length followed by UTF-8 JSON.
func WriteMsg(w io.Writer, v any, maxSize int) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding rpc message: %w", err)
	}
	if maxSize > 0 && len(payload) > maxSize {
		return fmt.Errorf("rpc message too large: %d bytes (max %d)", len(payload), maxSize)
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing rpc message: %w", err)
	}
	return nil
}

// ReadMsg reads one framed payload from r.
func ReadMsg(r io.Reader, maxSize int) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(header[:]))
	if maxSize > 0 && n > maxSize {
		return nil, fmt.Errorf("rpc message too large: %d bytes (max %d)", n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading rpc payload: %w", err)
	}
	return payload, nil
}

// normalizeResult encodes a call result for the wire, mapping a nil /
// undefined result to JSON null.
func normalizeResult(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding rpc result: %w", err)
	}
	return raw, nil
}
