package testutil

import (
	"errors"

	"rtcsession/native/internal/domain"
	"rtcsession/native/internal/promise"
)

// FakeTransport answers and offers with canned descriptions and records every
// call in Calls, in order.
type FakeTransport struct {
	*FakeElement

	Bundle       domain.BundlePolicy
	Stun         string
	Turns        []string
	Transceivers []*FakeTransceiver

	// Answer and Offer are returned by CreateAnswer and CreateOffer.
	Answer domain.SessionDescription
	Offer  domain.SessionDescription
	// CreateErr rejects CreateAnswer and CreateOffer.
	CreateErr error
	// RemoteErr rejects SetRemoteDescription.
	RemoteErr error
	// KeepLocal refuses a second local description of the same type, as
	// engines that only accept their generated text do.
	KeepLocal bool
	// Deferred leaves CreateAnswer and CreateOffer pending in Pending.
	Deferred bool
	Pending  []*promise.Promise[domain.SessionDescription]

	RemoteDescs []domain.SessionDescription
	LocalDescs  []domain.SessionDescription
	Candidates  []domain.IceCandidate
	Calls       []string

	IceState  string
	ConnState string

	onCandidate   func(domain.IceCandidate)
	onPad         func(domain.Pad)
	onNegotiation func()
}

func (t *FakeTransport) record(call string) {
	t.Calls = append(t.Calls, call)
}

func (t *FakeTransport) SetBundlePolicy(policy domain.BundlePolicy) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("set-bundle-policy")
	t.Bundle = policy
	return nil
}

func (t *FakeTransport) SetStunServer(uri string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("set-stun-server")
	t.Stun = uri
	return nil
}

func (t *FakeTransport) AddTurnServer(uri string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("add-turn-server")
	t.Turns = append(t.Turns, uri)
	return nil
}

func (t *FakeTransport) AddTransceiver(dir domain.Direction, caps domain.CodecCaps) (domain.Transceiver, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("add-transceiver")
	tr := &FakeTransceiver{Dir: dir, Caps: caps}
	t.Transceivers = append(t.Transceivers, tr)
	return tr, nil
}

func (t *FakeTransport) SetRemoteDescription(desc domain.SessionDescription) *promise.Promise[struct{}] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("set-remote-description")
	t.RemoteDescs = append(t.RemoteDescs, desc)
	if t.RemoteErr != nil {
		return promise.Rejected[struct{}](t.RemoteErr)
	}
	return promise.Resolved(struct{}{})
}

func (t *FakeTransport) SetLocalDescription(desc domain.SessionDescription) *promise.Promise[struct{}] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("set-local-description")
	if t.KeepLocal {
		for _, d := range t.LocalDescs {
			if d.Type == desc.Type {
				return promise.Rejected[struct{}](domain.ErrDescriptionKept)
			}
		}
	}
	t.LocalDescs = append(t.LocalDescs, desc)
	return promise.Resolved(struct{}{})
}

func (t *FakeTransport) create(call string, desc domain.SessionDescription) *promise.Promise[domain.SessionDescription] {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(call)
	if t.Deferred {
		p := promise.New[domain.SessionDescription]()
		t.Pending = append(t.Pending, p)
		return p
	}
	if t.CreateErr != nil {
		return promise.Rejected[domain.SessionDescription](t.CreateErr)
	}
	if desc.SDP == "" {
		return promise.Rejected[domain.SessionDescription](errors.New("no canned " + call + " description"))
	}
	return promise.Resolved(desc)
}

func (t *FakeTransport) CreateAnswer() *promise.Promise[domain.SessionDescription] {
	return t.create("create-answer", t.Answer)
}

func (t *FakeTransport) CreateOffer() *promise.Promise[domain.SessionDescription] {
	return t.create("create-offer", t.Offer)
}

func (t *FakeTransport) AddIceCandidate(candidate domain.IceCandidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("add-ice-candidate")
	t.Candidates = append(t.Candidates, candidate)
}

func (t *FakeTransport) OnIceCandidate(fn func(domain.IceCandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *FakeTransport) OnPadAdded(fn func(domain.Pad)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPad = fn
}

func (t *FakeTransport) OnNegotiationNeeded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onNegotiation = fn
}

func (t *FakeTransport) IceConnectionState() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.IceState
}

func (t *FakeTransport) ConnectionState() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ConnState
}

// SetStates changes what the state properties report.
func (t *FakeTransport) SetStates(ice, conn string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.IceState, t.ConnState = ice, conn
}

// EmitCandidate fires the local candidate handler.
func (t *FakeTransport) EmitCandidate(c domain.IceCandidate) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitPad fires the pad-added handler.
func (t *FakeTransport) EmitPad(p domain.Pad) {
	t.mu.Lock()
	fn := t.onPad
	t.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// EmitNegotiationNeeded fires the negotiation-needed handler.
func (t *FakeTransport) EmitNegotiationNeeded() {
	t.mu.Lock()
	fn := t.onNegotiation
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Snapshot returns copies of the recorded calls and descriptions.
func (t *FakeTransport) Snapshot() (calls []string, local, remote []domain.SessionDescription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.Calls...),
		append([]domain.SessionDescription(nil), t.LocalDescs...),
		append([]domain.SessionDescription(nil), t.RemoteDescs...)
}
