package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SignalType is the wire tag of a signaling message
type SignalType string

const (
	SignalTypeJoin       SignalType = "join"
	SignalTypeRoomUsers  SignalType = "room-users"
	SignalTypeUserJoined SignalType = "user-joined"
	SignalTypeOffer      SignalType = "offer"
	SignalTypeAnswer     SignalType = "answer"
	SignalTypeCandidate  SignalType = "candidate"
	SignalTypeUserLeft   SignalType = "user-left"
)

// PeerID identifies one transport connection on the relay.
type PeerID string

var ErrMissingType = errors.New("missing message type")

// Message is implemented by every signaling variant. The set is closed: Join,
// RoomUsers, UserJoined, Offer, Answer, Candidate, UserLeft and Unknown.
type Message interface {
	SignalType() SignalType
	isMessage()
}

// Targeted is implemented by the variants the relay delivers to a single peer.
type Targeted interface {
	Message
	Target() PeerID
	// WithSender returns a copy with fromId set to id.
	WithSender(id PeerID) Message
}

// SessionDescription is the SDP-bearing description carried by offers and answers.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type Join struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username,omitempty"`
}

type RoomUsers struct {
	Peers []PeerInfo `json:"peers"`
}

type UserJoined struct {
	PeerID   PeerID `json:"peerId"`
	Username string `json:"username"`
}

type Offer struct {
	Offer    SessionDescription `json:"offer"`
	TargetID PeerID             `json:"targetId,omitempty"`
	FromID   PeerID             `json:"fromId,omitempty"`
}

type Answer struct {
	Answer   SessionDescription `json:"answer"`
	TargetID PeerID             `json:"targetId,omitempty"`
	FromID   PeerID             `json:"fromId,omitempty"`
}

type Candidate struct {
	Candidate ICECandidate `json:"candidate"`
	TargetID  PeerID       `json:"targetId,omitempty"`
	FromID    PeerID       `json:"fromId,omitempty"`
}

type UserLeft struct {
	PeerID PeerID `json:"peerId"`
}

// Unknown is a well-formed frame whose type is not one of the known variants.
// Raw holds the frame exactly as received.
type Unknown struct {
	Type     SignalType
	TargetID PeerID
	Raw      json.RawMessage
}

func (Join) SignalType() SignalType       { return SignalTypeJoin }
func (RoomUsers) SignalType() SignalType  { return SignalTypeRoomUsers }
func (UserJoined) SignalType() SignalType { return SignalTypeUserJoined }
func (Offer) SignalType() SignalType      { return SignalTypeOffer }
func (Answer) SignalType() SignalType     { return SignalTypeAnswer }
func (Candidate) SignalType() SignalType  { return SignalTypeCandidate }
func (UserLeft) SignalType() SignalType   { return SignalTypeUserLeft }
func (m Unknown) SignalType() SignalType  { return m.Type }

func (Join) isMessage()       {}
func (RoomUsers) isMessage()  {}
func (UserJoined) isMessage() {}
func (Offer) isMessage()      {}
func (Answer) isMessage()     {}
func (Candidate) isMessage()  {}
func (UserLeft) isMessage()   {}
func (Unknown) isMessage()    {}

func (m Offer) Target() PeerID     { return m.TargetID }
func (m Answer) Target() PeerID    { return m.TargetID }
func (m Candidate) Target() PeerID { return m.TargetID }

func (m Offer) WithSender(id PeerID) Message     { m.FromID = id; return m }
func (m Answer) WithSender(id PeerID) Message    { m.FromID = id; return m }
func (m Candidate) WithSender(id PeerID) Message { m.FromID = id; return m }

func (m Join) MarshalJSON() ([]byte, error) {
	type alias Join
	return json.Marshal(struct {
		Type SignalType `json:"type"`
		alias
	}{SignalTypeJoin, alias(m)})
}

func (m RoomUsers) MarshalJSON() ([]byte, error) {
	type alias RoomUsers
	if m.Peers == nil {
		m.Peers = []PeerInfo{}
	}
	return json.Marshal(struct {
		Type SignalType `json:"type"`
		alias
	}{SignalTypeRoomUsers, alias(m)})
}

func (m UserJoined) MarshalJSON() ([]byte, error) {
	type alias UserJoined
	return json.Marshal(struct {
		Type SignalType `json:"type"`
		alias
	}{SignalTypeUserJoined, alias(m)})
}

func (m Offer) MarshalJSON() ([]byte, error) {
	type alias Offer
	return json.Marshal(struct {
		Type SignalType `json:"type"`
		alias
	}{SignalTypeOffer, alias(m)})
}

func (m Answer) MarshalJSON() ([]byte, error) {
	type alias Answer
	return json.Marshal(struct {
		Type SignalType `json:"type"`
		alias
	}{SignalTypeAnswer, alias(m)})
}

func (m Candidate) MarshalJSON() ([]byte, error) {
	type alias Candidate
	return json.Marshal(struct {
		Type SignalType `json:"type"`
		alias
	}{SignalTypeCandidate, alias(m)})
}

func (m UserLeft) MarshalJSON() ([]byte, error) {
	type alias UserLeft
	return json.Marshal(struct {
		Type SignalType `json:"type"`
		alias
	}{SignalTypeUserLeft, alias(m)})
}

func (m Unknown) MarshalJSON() ([]byte, error) {
	return m.Raw, nil
}

// envelope is the part of every frame needed to pick a variant
type envelope struct {
	Type     SignalType `json:"type"`
	TargetID PeerID     `json:"targetId,omitempty"`
}

// Decode parses one frame into its variant. Any error means the frame is malformed.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	switch env.Type {
	case SignalTypeJoin:
		return decodeAs[Join](data)
	case SignalTypeRoomUsers:
		return decodeAs[RoomUsers](data)
	case SignalTypeUserJoined:
		return decodeAs[UserJoined](data)
	case SignalTypeOffer:
		return decodeAs[Offer](data)
	case SignalTypeAnswer:
		return decodeAs[Answer](data)
	case SignalTypeCandidate:
		return decodeAs[Candidate](data)
	case SignalTypeUserLeft:
		return decodeAs[UserLeft](data)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: env.Type, TargetID: env.TargetID, Raw: raw}, nil
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.SignalType(), err)
	}
	return m, nil
}

// Encode serializes a message with its type tag.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// StampSender sets fromId on an arbitrary frame, leaving the other fields as sent.
func StampSender(raw json.RawMessage, id PeerID) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	from, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["fromId"] = from
	return json.Marshal(fields)
}
