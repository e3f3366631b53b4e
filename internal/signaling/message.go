// Package signaling carries offer/answer session descriptions between the
// viewer and a robot backend over plain HTTP.
package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of session description.
type MessageType string

const (
	MsgTypeOffer  MessageType = "offer"
	MsgTypeAnswer MessageType = "answer"
)

// Message is the JSON body exchanged verbatim on POST /{backend}/offer.
type Message struct {
	SDP  string      `json:"sdp"`
	Type MessageType `json:"type"`
}

// FromSessionDescription converts a pion description into a Message.
func FromSessionDescription(sd webrtc.SessionDescription) Message {
	return Message{SDP: sd.SDP, Type: MessageType(sd.Type.String())}
}

// SessionDescription converts m into a pion description.
func (m Message) SessionDescription() (webrtc.SessionDescription, error) {
	var typ webrtc.SDPType
	switch m.Type {
	case MsgTypeOffer:
		typ = webrtc.SDPTypeOffer
	case MsgTypeAnswer:
		typ = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", m.Type)
	}
	return webrtc.SessionDescription{Type: typ, SDP: m.SDP}, nil
}

// Validate reports whether m is a complete description of type want.
func (m Message) Validate(want MessageType) error {
	if m.Type != want {
		return fmt.Errorf("type %q, want %q", m.Type, want)
	}
	if m.SDP == "" {
		return errors.New("missing sdp")
	}
	return nil
}
