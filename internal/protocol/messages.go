// Package protocol defines the relay wire protocol shared by the presence
// relay client and the relay service. All messages are JSON text frames that
// carry a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeHello  = "hello"
	TypeUpdate = "update"
)

// Server -> Client message types.
const (
	TypeBroadcast = "broadcast"
)

// ---------------------------------------------------------------------------
// User state
// ---------------------------------------------------------------------------

// StateKey names one of the string-valued flags carried in UserState.State.
type StateKey string

const (
	StateAway      StateKey = "away"
	StateHeartbeat StateKey = "heartbeat"
	StateVideo     StateKey = "video"
	StateBike      StateKey = "bike"
)

// VideoLocked is the StateVideo value of a participant who does not accept
// video chat requests.
const VideoLocked = "locked"

// UserState is the live position and flags of one participant.
type UserState struct {
	X     float64             `json:"x"`
	Y     float64             `json:"y"`
	State map[StateKey]string `json:"state,omitempty"`
}

// Get returns the raw value stored under key, or "" when absent.
func (s UserState) Get(key StateKey) string {
	if s.State == nil {
		return ""
	}
	return s.State[key]
}

// Boolean interprets the value stored under key as a boolean. The second
// return value is false when the key is absent or not "true"/"false".
func (s UserState) Boolean(key StateKey) (bool, bool) {
	switch s.Get(key) {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// Heartbeat returns the heartbeat timestamp in unix milliseconds, or 0 when
// the state carries no usable heartbeat.
func (s UserState) Heartbeat() int64 {
	v, err := strconv.ParseInt(s.Get(StateHeartbeat), 10, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return v
}

// Clone returns a deep copy of the state.
func (s UserState) Clone() UserState {
	out := UserState{X: s.X, Y: s.Y}
	if s.State != nil {
		out.State = make(map[StateKey]string, len(s.State))
		for k, v := range s.State {
			out.State[k] = v
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// HelloMsg announces the connecting user to the relay.
type HelloMsg struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

// UpdateMsg carries the sender's new state.
type UpdateMsg struct {
	Type   string    `json:"type"`
	UID    string    `json:"uid"`
	Update UserState `json:"update"`
}

// BroadcastMsg is the relay's snapshot of changed participants keyed by uid.
type BroadcastMsg struct {
	Type    string               `json:"type"`
	Updates map[string]UserState `json:"updates"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses a frame sent by a relay client. It returns the
// message type and either a HelloMsg or an UpdateMsg.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeHello:
		var m HelloMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.UID == "" {
			err = fmt.Errorf("missing uid")
		}
		msg = m
	case TypeUpdate:
		var m UpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.UID == "" {
			err = fmt.Errorf("missing uid")
		}
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage parses a frame sent by the relay. Only broadcasts are
// defined in this direction.
func ParseServerMessage(data []byte) (*BroadcastMsg, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if env.Type != TypeBroadcast {
		return nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	var m BroadcastMsg
	if err := json.Unmarshal(env.Raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if m.Updates == nil {
		return nil, fmt.Errorf("protocol: broadcast without updates")
	}
	return &m, nil
}

// NewHello encodes a hello frame for uid.
func NewHello(uid string) ([]byte, error) {
	return NewMessage(TypeHello, HelloMsg{UID: uid})
}

// NewUpdate encodes an update frame for uid.
func NewUpdate(uid string, state UserState) ([]byte, error) {
	return NewMessage(TypeUpdate, UpdateMsg{UID: uid, Update: state})
}

// NewBroadcast encodes a broadcast frame.
func NewBroadcast(updates map[string]UserState) ([]byte, error) {
	if updates == nil {
		updates = map[string]UserState{}
	}
	return NewMessage(TypeBroadcast, BroadcastMsg{Updates: updates})
}

// NewMessage creates a JSON-encoded frame. The msgType is injected into the
// payload under the "type" key, overriding whatever the payload carried.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
