// Package protocol defines the tagged messages exchanged with devices and observers
// and the codecs that put them on the wire.
package protocol

import "time"

// Type is the discriminator carried in every frame.
type Type string

// Device -> hub.
const (
	TypeAuth        Type = "AUTH"
	TypeSample      Type = "SAMPLE"
	TypePing        Type = "PING"
	TypeRotationAck Type = "ROTATION_ACK"
)

// Hub -> device.
const (
	TypeAuthOK     Type = "AUTH_OK"
	TypeAuthFailed Type = "AUTH_FAILED"
	TypeSampleAck  Type = "SAMPLE_ACK"
	TypeRotation   Type = "ROTATION"
	TypePong       Type = "PONG"
	TypeError      Type = "ERROR"
)

// Observer -> hub. PING is shared with devices.
const (
	TypeSubscribe   Type = "SUBSCRIBE"
	TypeUnsubscribe Type = "UNSUBSCRIBE"
)

// Hub -> observer. PONG and ERROR are shared with devices.
const (
	TypePositionUpdate  Type = "POSITION_UPDATE"
	TypeEventAlert      Type = "EVENT_ALERT"
	TypeConnectionState Type = "CONNECTION_STATE"
	TypeSubscribed      Type = "SUBSCRIBED"
	TypeUnsubscribed    Type = "UNSUBSCRIBED"
)

// Error codes carried by ERROR messages.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidSample      = "INVALID_SAMPLE"
	CodeSampleNotPersisted = "SAMPLE_NOT_PERSISTED"
	CodeInvalidRequest     = "INVALID_REQUEST"
)

// Message is implemented by every frame payload in this package and nowhere else.
type Message interface {
	MessageType() Type
	stamp()
}

// Auth is the first frame a device sends.
type Auth struct {
	Type     Type   `json:"type"`
	Secret   string `json:"secret"`
	DeviceID string `json:"deviceId"`
}

// Sample carries one location report. Lat and Lon are pointers so a missing coordinate can be told apart from zero.
type Sample struct {
	Type      Type       `json:"type"`
	Lat       *float64   `json:"lat"`
	Lon       *float64   `json:"lon"`
	Speed     *float64   `json:"speed,omitempty"`
	Heading   *float64   `json:"heading,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Seq       *int64     `json:"seq,omitempty"`
}

type Ping struct {
	Type Type `json:"type"`
}

// RotationAck confirms the device stored a rotated secret.
type RotationAck struct {
	Type     Type   `json:"type"`
	Accepted bool   `json:"accepted"`
	DeviceID string `json:"deviceId,omitempty"`
	Message  string `json:"message,omitempty"`
}

type AuthOK struct {
	Type    Type   `json:"type"`
	UnitID  string `json:"unitId"`
	Message string `json:"message,omitempty"`
}

// AuthFailed never reveals whether the claimed unit exists.
type AuthFailed struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

type SampleAck struct {
	Type      Type      `json:"type"`
	SampleID  int64     `json:"sampleId"`
	EventID   *int64    `json:"eventId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Rotation hands a freshly issued secret to the device. The previous secret stays valid until it expires.
type Rotation struct {
	Type            Type       `json:"type"`
	NewSecret       string     `json:"newSecret"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	GracePeriodDays int        `json:"gracePeriodDays"`
	Message         string     `json:"message,omitempty"`
}

type Pong struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type Subscribe struct {
	Type    Type     `json:"type"`
	UnitIDs []string `json:"unitIds"`
}

type Unsubscribe struct {
	Type    Type     `json:"type"`
	UnitIDs []string `json:"unitIds"`
}

type PositionUpdate struct {
	Type      Type      `json:"type"`
	UnitID    string    `json:"unitId"`
	SampleID  int64     `json:"sampleId"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type EventAlert struct {
	Type      Type      `json:"type"`
	UnitID    string    `json:"unitId"`
	EventID   int64     `json:"eventId"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
	SampleID  int64     `json:"sampleId"`
}

type ConnectionState struct {
	Type        Type       `json:"type"`
	UnitID      string     `json:"unitId"`
	IsConnected bool       `json:"isConnected"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

type Subscribed struct {
	Type    Type     `json:"type"`
	Ack     bool     `json:"ack"`
	UnitIDs []string `json:"unitIds"`
}

type Unsubscribed struct {
	Type    Type     `json:"type"`
	Ack     bool     `json:"ack"`
	UnitIDs []string `json:"unitIds"`
}

func (*Auth) MessageType() Type            { return TypeAuth }
func (*Sample) MessageType() Type          { return TypeSample }
func (*Ping) MessageType() Type            { return TypePing }
func (*RotationAck) MessageType() Type     { return TypeRotationAck }
func (*AuthOK) MessageType() Type          { return TypeAuthOK }
func (*AuthFailed) MessageType() Type      { return TypeAuthFailed }
func (*SampleAck) MessageType() Type       { return TypeSampleAck }
func (*Rotation) MessageType() Type        { return TypeRotation }
func (*Pong) MessageType() Type            { return TypePong }
func (*Error) MessageType() Type           { return TypeError }
func (*Subscribe) MessageType() Type       { return TypeSubscribe }
func (*Unsubscribe) MessageType() Type     { return TypeUnsubscribe }
func (*PositionUpdate) MessageType() Type  { return TypePositionUpdate }
func (*EventAlert) MessageType() Type      { return TypeEventAlert }
func (*ConnectionState) MessageType() Type { return TypeConnectionState }
func (*Subscribed) MessageType() Type      { return TypeSubscribed }
func (*Unsubscribed) MessageType() Type    { return TypeUnsubscribed }

func (m *Auth) stamp()            { setType(&m.Type, TypeAuth) }
func (m *Sample) stamp()          { setType(&m.Type, TypeSample) }
func (m *Ping) stamp()            { setType(&m.Type, TypePing) }
func (m *RotationAck) stamp()     { setType(&m.Type, TypeRotationAck) }
func (m *AuthOK) stamp()          { setType(&m.Type, TypeAuthOK) }
func (m *AuthFailed) stamp()      { setType(&m.Type, TypeAuthFailed) }
func (m *SampleAck) stamp()       { setType(&m.Type, TypeSampleAck) }
func (m *Rotation) stamp()        { setType(&m.Type, TypeRotation) }
func (m *Pong) stamp()            { setType(&m.Type, TypePong) }
func (m *Error) stamp()           { setType(&m.Type, TypeError) }
func (m *Subscribe) stamp()       { setType(&m.Type, TypeSubscribe) }
func (m *Unsubscribe) stamp()     { setType(&m.Type, TypeUnsubscribe) }
func (m *PositionUpdate) stamp()  { setType(&m.Type, TypePositionUpdate) }
func (m *EventAlert) stamp()      { setType(&m.Type, TypeEventAlert) }
func (m *ConnectionState) stamp() { setType(&m.Type, TypeConnectionState) }
func (m *Subscribed) stamp()      { setType(&m.Type, TypeSubscribed) }
func (m *Unsubscribed) stamp()    { setType(&m.Type, TypeUnsubscribed) }

// setType only writes when the discriminator differs, so a message stamped
// once can then be encoded by several writers at the same time.
func setType(field *Type, t Type) {
	if *field != t {
		*field = t
	}
}

// Stamp sets the discriminator of m ahead of a fan-out and returns m.
func Stamp(m Message) Message {
	m.stamp()
	return m
}
