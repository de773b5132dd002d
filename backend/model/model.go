package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types sent by clients.
const (
	TypeJoinRoom     = "join-room"
	TypeJoin         = "join"
	TypeLeaveRoom    = "leave-room"
	TypeLeave        = "leave"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeCandidate    = "candidate"
	TypePing         = "ping"
	TypeGetRoomInfo  = "get-room-info"

	// Classroom content sync, broadcast with a server timestamp.
	TypeDocumentNavigation = "document-navigation"
	TypeDocumentSync       = "document-sync"
	TypeWhiteboardDraw     = "whiteboard-draw"
	TypeWhiteboardClear    = "whiteboard-clear"
)

// Message types originated by the relay.
const (
	TypeConnectionEstablished = "connection-established"
	TypeRoomInfo              = "room-info"
	TypeUserJoined            = "user-joined"
	TypeUserLeft              = "user-left"
	TypePong                  = "pong"
)

const (
	keyType     = "type"
	keyRoomID   = "roomId"
	keyTargetID = "targetId"
	keyUserID   = "userId"
)

var (
	ErrMalformed = errors.New("malformed message")
)

// Room is a point-in-time view of a room's membership.
type Room struct {
	ID           string   `json:"roomId"`
	Participants []string `json:"participants"`
}

// Message is a signaling message. Only the routing envelope is interpreted,
// every other top-level field is kept as raw JSON and written back unchanged.
type Message struct {
	Type     string
	RoomID   string
	TargetID string
	UserID   string // for inbound broadcasts the relay overwrites this with the sender's session id

	Fields map[string]json.RawMessage
}

func NewMessage(typ string) *Message {
	return &Message{
		Type:   typ,
		Fields: make(map[string]json.RawMessage),
	}
}

// Decode parses a single text frame.
func Decode(b []byte) (*Message, error) {
	var msg Message
	if err := msg.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IsHandshake reports whether the type is one of the peer negotiation kinds.
func IsHandshake(typ string) bool {
	switch typ {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeCandidate:
		return true
	}
	return false
}

// IsContentSync reports whether the type carries shared document or
// whiteboard state.
func IsContentSync(typ string) bool {
	switch typ {
	case TypeDocumentNavigation, TypeDocumentSync, TypeWhiteboardDraw, TypeWhiteboardClear:
		return true
	}
	return false
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: not an object", ErrMalformed)
	}

	var err error
	out := Message{Fields: raw}
	if out.Type, err = takeString(raw, keyType); err != nil {
		return err
	}
	if out.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if out.RoomID, err = takeString(raw, keyRoomID); err != nil {
		return err
	}
	if out.TargetID, err = takeString(raw, keyTargetID); err != nil {
		return err
	}
	if out.UserID, err = takeString(raw, keyUserID); err != nil {
		return err
	}
	*m = out
	return nil
}

func (m *Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Fields)+4)
	for k, v := range m.Fields {
		out[k] = v
	}
	if err := putString(out, keyType, m.Type); err != nil {
		return nil, err
	}
	if err := putString(out, keyRoomID, m.RoomID); err != nil {
		return nil, err
	}
	if err := putString(out, keyTargetID, m.TargetID); err != nil {
		return nil, err
	}
	if err := putString(out, keyUserID, m.UserID); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Encode returns the text frame for the message.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Clone returns a copy that can be modified without affecting m.
// Field values are shared, they are never mutated in place.
func (m *Message) Clone() *Message {
	c := *m
	c.Fields = make(map[string]json.RawMessage, len(m.Fields))
	for k, v := range m.Fields {
		c.Fields[k] = v
	}
	return &c
}

// Get returns a pass-through field.
func (m *Message) Get(key string) (json.RawMessage, bool) {
	v, ok := m.Fields[key]
	return v, ok
}

func (m *Message) SetRaw(key string, v json.RawMessage) *Message {
	if m.Fields == nil {
		m.Fields = make(map[string]json.RawMessage)
	}
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	m.Fields[key] = v
	return m
}

func (m *Message) SetString(key, v string) *Message {
	b, _ := json.Marshal(v) // strings always encode
	return m.SetRaw(key, b)
}

func (m *Message) SetBool(key string, v bool) *Message {
	b, _ := json.Marshal(v)
	return m.SetRaw(key, b)
}

func (m *Message) SetInt(key string, v int64) *Message {
	b, _ := json.Marshal(v)
	return m.SetRaw(key, b)
}

// takeString pops an envelope key from raw. Absent and null are both empty.
func takeString(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", nil
	}
	delete(raw, key)
	if string(v) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%w: %s is not a string", ErrMalformed, key)
	}
	return s, nil
}

func putString(out map[string]json.RawMessage, key, v string) error {
	if v == "" {
		delete(out, key)
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out[key] = b
	return nil
}

// Relay-originated messages.

func NewConnectionEstablished(sessionID string) *Message {
	return NewMessage(TypeConnectionEstablished).SetString("sessionId", sessionID)
}

func NewRoomInfo(roomID, sessionID string, participants int) *Message {
	m := NewMessage(TypeRoomInfo).
		SetInt("participants", int64(participants)).
		SetString("yourSessionId", sessionID)
	m.RoomID = roomID
	return m
}

func NewUserJoined(roomID, userID string, user json.RawMessage) *Message {
	m := NewMessage(TypeUserJoined)
	if len(user) > 0 {
		m.SetRaw("user", user)
	}
	m.RoomID = roomID
	m.UserID = userID
	return m
}

func NewUserLeft(roomID, userID string) *Message {
	m := NewMessage(TypeUserLeft)
	m.RoomID = roomID
	m.UserID = userID
	return m
}

func NewPong(unixMilli int64) *Message {
	return NewMessage(TypePong).SetInt("timestamp", unixMilli)
}
