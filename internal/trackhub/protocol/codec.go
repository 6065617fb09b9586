package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrMalformed is returned when a frame cannot be decoded.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownType is returned when the frame type is not accepted on the channel.
	ErrUnknownType = errors.New("unknown message type")
)

// Set lists the message types accepted in one channel direction.
type Set map[Type]func() Message

var (
	// DeviceInbound is what a device may send to the hub.
	DeviceInbound = Set{
		TypeAuth:        func() Message { return &Auth{} },
		TypeSample:      func() Message { return &Sample{} },
		TypePing:        func() Message { return &Ping{} },
		TypeRotationAck: func() Message { return &RotationAck{} },
	}

	// DeviceOutbound is what the hub sends to a device.
	DeviceOutbound = Set{
		TypeAuthOK:     func() Message { return &AuthOK{} },
		TypeAuthFailed: func() Message { return &AuthFailed{} },
		TypeSampleAck:  func() Message { return &SampleAck{} },
		TypeRotation:   func() Message { return &Rotation{} },
		TypePong:       func() Message { return &Pong{} },
		TypeError:      func() Message { return &Error{} },
	}

	// ObserverInbound is what an observer may send to the hub.
	ObserverInbound = Set{
		TypeSubscribe:   func() Message { return &Subscribe{} },
		TypeUnsubscribe: func() Message { return &Unsubscribe{} },
		TypePing:        func() Message { return &Ping{} },
	}

	// ObserverOutbound is what the hub sends to an observer.
	ObserverOutbound = Set{
		TypePositionUpdate:  func() Message { return &PositionUpdate{} },
		TypeEventAlert:      func() Message { return &EventAlert{} },
		TypeConnectionState: func() Message { return &ConnectionState{} },
		TypeSubscribed:      func() Message { return &Subscribed{} },
		TypeUnsubscribed:    func() Message { return &Unsubscribed{} },
		TypePong:            func() Message { return &Pong{} },
		TypeError:           func() Message { return &Error{} },
	}
)

// Codec turns messages into frames and back.
type Codec interface {
	// Name is the value of the encoding query parameter selecting this codec.
	Name() string

	// Binary reports whether frames must be sent as binary websocket messages.
	Binary() bool

	Encode(m Message) ([]byte, error)

	// Decode reads the frame type, checks it against set and decodes the concrete message.
	Decode(data []byte, set Set) (Message, error)
}

const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// ForName returns the codec registered under name. An empty name selects JSON.
func ForName(name string) (Codec, error) {
	switch name {
	case "", EncodingJSON:
		return JSON, nil
	case EncodingCBOR:
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

type envelope struct {
	Type Type `json:"type"`
}

type unmarshalFunc func(data []byte, v any) error

func decode(data []byte, set Set, unmarshal unmarshalFunc) (Message, error) {
	var env envelope
	if err := unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	factory, ok := set[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}

	m := factory()
	if err := unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, env.Type, err)
	}
	return m, nil
}

// JSON encodes messages as JSON text frames.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string { return EncodingJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(m Message) ([]byte, error) {
	m.stamp()
	return json.Marshal(m)
}

func (jsonCodec) Decode(data []byte, set Set) (Message, error) {
	return decode(data, set, json.Unmarshal)
}

// CBOR encodes messages as CBOR binary frames, reusing the json field names.
var CBOR Codec = newCBORCodec()

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder options: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder options: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return EncodingCBOR }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Encode(m Message) ([]byte, error) {
	m.stamp()
	return c.enc.Marshal(m)
}

func (c cborCodec) Decode(data []byte, set Set) (Message, error) {
	return decode(data, set, c.dec.Unmarshal)
}
