package domain

import "fmt"

// SDPType is the role tag of a session description.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an offer or answer together with its SDP text.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// IceCandidate is a connectivity candidate for one media line.
type IceCandidate struct {
	MLineIndex int    `json:"sdpMLineIndex"`
	Candidate  string `json:"candidate"`
}

func (c IceCandidate) String() string {
	return fmt.Sprintf("%d %s", c.MLineIndex, c.Candidate)
}

// Role is the negotiation direction this process takes in a session.
type Role int

const (
	// RoleAnswerer waits for the remote offer and answers it.
	RoleAnswerer Role = iota
	// RoleOfferer creates the offer when the transport asks for negotiation.
	RoleOfferer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}
