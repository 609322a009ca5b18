package domain

import (
	"context"

	"rtcsession/native/internal/promise"
)

// Signaler is the outbound side of the signalling channel.
type Signaler interface {
	Connect(ctx context.Context) error
	SetupCall() error
	SendSDP(desc SessionDescription) error
	SendICE(candidate IceCandidate) error
	Close()
}

// Handler receives signalling events.
type Handler interface {
	OnSessionEstablished()
	OnSDP(desc SessionDescription)
	OnICE(candidate IceCandidate)
	OnDisconnect()
	OnError(err error)
}

// Engine creates the objects a session pipeline is built from.
type Engine interface {
	// Missing returns the required capabilities the engine does not provide.
	Missing(required ...string) []string
	NewPipeline(name string) (Pipeline, error)
	NewTransport(name string) (Transport, error)
	// NewElement creates a plain element such as "queue" or "fakesink".
	NewElement(factory, name string) (Element, error)
}

// Element is a pipeline building block with its own state.
type Element interface {
	Name() string
	SetState(target State) StateChangeReturn
	State() State
	// Link connects this element's output to dst.
	Link(dst Element) error
	// Unparent detaches the element from its pipeline.
	Unparent()
}

// Bus carries messages posted by a pipeline and its elements.
type Bus interface {
	// Pop returns the next pending message without blocking.
	Pop() (Message, bool)
}

// Pipeline groups elements and drives their states together.
type Pipeline interface {
	Element
	Add(elems ...Element) error
	Bus() Bus
	RecalculateLatency() error
}

// Pad is a media output produced by the transport for inbound media.
type Pad interface {
	Name() string
	Caps() string
	Link(dst Element) error
}

// Transceiver is a declared media line.
type Transceiver interface {
	Mid() string
	// SetNack toggles NACK based retransmission requests.
	SetNack(enabled bool)
}

// Transport is the WebRTC element: negotiation, candidates and connection state.
type Transport interface {
	Element

	SetBundlePolicy(policy BundlePolicy) error
	SetStunServer(uri string) error
	AddTurnServer(uri string) error
	AddTransceiver(dir Direction, caps CodecCaps) (Transceiver, error)

	SetRemoteDescription(desc SessionDescription) *promise.Promise[struct{}]
	SetLocalDescription(desc SessionDescription) *promise.Promise[struct{}]
	CreateAnswer() *promise.Promise[SessionDescription]
	CreateOffer() *promise.Promise[SessionDescription]
	AddIceCandidate(candidate IceCandidate)

	// One handler per event; a later registration replaces the earlier one.
	OnIceCandidate(fn func(candidate IceCandidate))
	OnPadAdded(fn func(pad Pad))
	OnNegotiationNeeded(fn func())

	IceConnectionState() string
	ConnectionState() string
}
