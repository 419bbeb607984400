package signaling

import (
	"bytes"
	"encoding/json"
)

type MessageType string

// Client -> relay.
const (
	TypeJoin         MessageType = "join"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeLeave        MessageType = "leave"
)

// Relay -> client.
const (
	TypeJoined     MessageType = "joined"
	TypePeerJoined MessageType = "peer-joined"
	TypeReady      MessageType = "ready"
	TypePeerLeft   MessageType = "peer-left"
	TypeLeft       MessageType = "left"
	TypeError      MessageType = "error"
)

const readyMessage = "Both peers connected, ready to start call"

// Message is the single outbound wire shape. Payload fields are carried as raw
// JSON so forwarded offers, answers and candidates are never re-encoded.
type Message struct {
	Type     MessageType `json:"type"`
	RoomID   string      `json:"roomId,omitempty"`
	PeerID   string      `json:"peerId,omitempty"`
	RoomSize int         `json:"roomSize,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	FromPeerID   string          `json:"fromPeerId,omitempty"`
	TargetPeerID json.RawMessage `json:"targetPeerId,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Request is one parsed inbound message: JoinRequest, RelayRequest or
// LeaveRequest.
type Request interface {
	Type() MessageType
}

type JoinRequest struct {
	RoomID string
	PeerID string
}

func (JoinRequest) Type() MessageType { return TypeJoin }

// RelayRequest is an offer, answer or ice-candidate destined for the other
// occupant of RoomID.
type RelayRequest struct {
	Kind         MessageType
	RoomID       string
	Payload      json.RawMessage
	TargetPeerID json.RawMessage
}

func (r RelayRequest) Type() MessageType { return r.Kind }

// LeaveRequest leaves RoomID, or the connection's current room when empty.
type LeaveRequest struct {
	RoomID string
}

func (LeaveRequest) Type() MessageType { return TypeLeave }

type envelope struct {
	Type         json.RawMessage `json:"type"`
	RoomID       json.RawMessage `json:"roomId"`
	PeerID       json.RawMessage `json:"peerId"`
	Offer        json.RawMessage `json:"offer"`
	Answer       json.RawMessage `json:"answer"`
	Candidate    json.RawMessage `json:"candidate"`
	TargetPeerID json.RawMessage `json:"targetPeerId"`
}

// ParseRequest decodes one inbound text frame. Unlisted fields are ignored.
//
// The returned error is always a *ProtocolError suitable for replying to the
// sender.
func ParseRequest(data []byte) (Request, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errInvalidJSON
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errInvalidJSON
	}

	typ, _ := stringField(env.Type)
	switch MessageType(typ) {
	case TypeJoin:
		roomID, _ := stringField(env.RoomID)
		peerID, _ := stringField(env.PeerID)
		if roomID == "" || peerID == "" {
			return nil, protocolError(ErrValidation, CodeValidation, "Room ID and Peer ID are required")
		}
		return JoinRequest{RoomID: roomID, PeerID: peerID}, nil

	case TypeOffer:
		return parseRelay(TypeOffer, "offer", env.RoomID, env.Offer, env.TargetPeerID)
	case TypeAnswer:
		return parseRelay(TypeAnswer, "answer", env.RoomID, env.Answer, env.TargetPeerID)
	case TypeICECandidate:
		return parseRelay(TypeICECandidate, "candidate", env.RoomID, env.Candidate, env.TargetPeerID)

	case TypeLeave:
		roomID, _ := stringField(env.RoomID)
		return LeaveRequest{RoomID: roomID}, nil

	default:
		return nil, protocolError(ErrUnknownType, CodeUnknownType, "Unknown message type: %s", typeName(env.Type))
	}
}

func parseRelay(kind MessageType, field string, rawRoomID, payload, target json.RawMessage) (Request, error) {
	roomID, _ := stringField(rawRoomID)
	if roomID == "" || !present(payload) {
		return nil, protocolError(ErrValidation, CodeValidation, "Room ID and %s are required", field)
	}
	req := RelayRequest{Kind: kind, RoomID: roomID, Payload: payload}
	if present(target) {
		req.TargetPeerID = target
	}
	return req, nil
}

// present reports whether a payload field carries a truthy value. Absent, null,
// false, empty-string and numeric zero payloads count as missing.
func present(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", "false", `""`:
		return false
	}
	if c := raw[0]; c == '-' || (c >= '0' && c <= '9') {
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil && n == 0 {
			return false
		}
	}
	return true
}

// stringField decodes a JSON string. ok is false for absent, null or
// non-string values.
func stringField(raw json.RawMessage) (s string, ok bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func typeName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "undefined"
	}
	if s, ok := stringField(raw); ok {
		return s
	}
	return string(raw)
}
