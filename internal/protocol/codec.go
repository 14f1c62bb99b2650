package protocol

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: sorted map keys, smallest
// integer encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields so older
// authorities can read frames from newer edges.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// additionalInfo values decode into map[string]any rather than
		// map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes a message frame.
func Marshal(m *Message) ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.Kind, err)
	}
	return data, nil
}

// Unmarshal decodes and validates a message frame. Any failure wraps
// ErrMalformed.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// MarshalConnect encodes a connect request.
func MarshalConnect(req ConnectRequest) ([]byte, error) {
	return encMode.Marshal(req)
}

// UnmarshalConnect decodes a connect request.
func UnmarshalConnect(data []byte) (ConnectRequest, error) {
	var req ConnectRequest
	if err := decMode.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if req.RoutingKey == "" {
		return req, fmt.Errorf("%w: connect request without routing key", ErrMalformed)
	}
	return req, nil
}

// DecodeMap decodes a frame into a generic map. Used by tests and the
// admin API to inspect the exact fields present on the wire.
func DecodeMap(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := decMode.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return out, nil
}
