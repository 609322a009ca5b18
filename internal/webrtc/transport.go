package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"

	"rtcsession/native/internal/domain"
	"rtcsession/native/internal/promise"
	"rtcsession/native/internal/scheduler"
)

var (
	errTransportClosed   = errors.New("webrtc: transport closed")
	errTransportRealized = errors.New("webrtc: transport configuration is fixed once realized")
)

var nackFeedback = []pion.RTCPFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// codecs registered with every peer connection. H264 is declared without
// RTX so pion does not claim payload 107 itself.
var codecs = []struct {
	kind   pion.RTPCodecType
	params pion.RTPCodecParameters
}{
	{pion.RTPCodecTypeVideo, pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: nackFeedback,
		},
		PayloadType: 106,
	}},
	{pion.RTPCodecTypeVideo, pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: nackFeedback,
		},
		PayloadType: 96,
	}},
	{pion.RTPCodecTypeVideo, pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeVP9,
			ClockRate:    90000,
			SDPFmtpLine:  "profile-id=0",
			RTCPFeedback: nackFeedback,
		},
		PayloadType: 98,
	}},
	{pion.RTPCodecTypeAudio, pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}},
}

// transport wraps a pion PeerConnection as a pipeline element. The peer
// connection is realized when the element reaches READY and closed at NULL.
// Description operations run one at a time, in call order, on ops.
type transport struct {
	element

	lf  logging.LoggerFactory
	log logging.LeveledLogger
	ops *scheduler.Loop

	mu      sync.Mutex
	bundle  pion.BundlePolicy
	stun    *pion.ICEServer
	turns   []pion.ICEServer
	pc      *pion.PeerConnection
	gate    *nackGate
	closed  bool
	pads    int
	onCand  func(domain.IceCandidate)
	onPad   func(domain.Pad)
	onNeg   func()
	iceConn string
	conn    string

	// touched on ops only
	remoteSet bool
	pending   []pion.ICECandidateInit
}

func newTransport(name string, lf logging.LoggerFactory) *transport {
	t := &transport{
		element: element{name: name},
		lf:      lf,
		log:     lf.NewLogger("webrtc"),
		ops:     scheduler.New(32),
		bundle:  pion.BundlePolicyBalanced,
		iceConn: pion.ICEConnectionStateNew.String(),
		conn:    pion.PeerConnectionStateNew.String(),
	}
	t.hook = t.changeState
	return t
}

func (t *transport) changeState(from, to domain.State) error {
	switch {
	case from == domain.StateNull && to == domain.StateReady:
		_, err := t.peerConnection()
		return err
	case to == domain.StateNull:
		t.close()
	}
	return nil
}

func (t *transport) SetBundlePolicy(policy domain.BundlePolicy) error {
	var p pion.BundlePolicy
	switch policy {
	case domain.BundlePolicyBalanced:
		p = pion.BundlePolicyBalanced
	case domain.BundlePolicyMaxCompat:
		p = pion.BundlePolicyMaxCompat
	case domain.BundlePolicyMaxBundle:
		p = pion.BundlePolicyMaxBundle
	default:
		return fmt.Errorf("unknown bundle policy %q", policy)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pc != nil {
		return errTransportRealized
	}
	t.bundle = p
	return nil
}

// SetStunServer replaces the STUN server.
func (t *transport) SetStunServer(uri string) error {
	s, err := stunServer(uri)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pc != nil {
		return errTransportRealized
	}
	t.stun = &s
	return nil
}

func (t *transport) AddTurnServer(uri string) error {
	s, err := turnServer(uri)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pc != nil {
		return errTransportRealized
	}
	t.turns = append(t.turns, s)
	return nil
}

func (t *transport) configuration() pion.Configuration {
	var servers []pion.ICEServer
	if t.stun != nil {
		servers = append(servers, *t.stun)
	}
	servers = append(servers, t.turns...)
	return pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: t.bundle,
	}
}

func (t *transport) peerConnection() (*pion.PeerConnection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errTransportClosed
	}
	if t.pc != nil {
		return t.pc, nil
	}

	m := &pion.MediaEngine{}
	for _, c := range codecs {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.params.MimeType, err)
		}
	}

	gate := &nackGate{}
	i := &interceptor.Registry{}
	i.Add(gate)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responder)
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	s := pion.SettingEngine{LoggerFactory: t.lf}
	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	)

	pc, err := api.NewPeerConnection(t.configuration())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(t.handleCandidate)
	pc.OnTrack(t.handleTrack)
	pc.OnNegotiationNeeded(func() {
		t.mu.Lock()
		fn := t.onNeg
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		t.log.Infof("ICE connection state: %s", state)
		t.mu.Lock()
		t.iceConn = state.String()
		t.mu.Unlock()
		switch state {
		case pion.ICEConnectionStateFailed:
			t.post(domain.Message{Type: domain.MessageError, Source: t.name, Err: errors.New("ICE connection failed")})
		case pion.ICEConnectionStateDisconnected:
			t.post(domain.Message{Type: domain.MessageWarning, Source: t.name, Err: errors.New("ICE connection disconnected")})
		}
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		t.log.Infof("peer connection state: %s", state)
		t.mu.Lock()
		t.conn = state.String()
		t.mu.Unlock()
		if state == pion.PeerConnectionStateFailed {
			t.post(domain.Message{Type: domain.MessageError, Source: t.name, Err: errors.New("peer connection failed")})
		}
	})

	t.pc, t.gate = pc, gate
	t.log.Debug("peer connection realized")
	return pc, nil
}

func (t *transport) close() {
	t.mu.Lock()
	pc := t.pc
	t.pc = nil
	t.closed = true
	t.mu.Unlock()

	t.ops.Close()
	if pc != nil {
		if err := pc.Close(); err != nil {
			t.log.Warnf("close peer connection: %v", err)
		}
	}
}

func (t *transport) handleCandidate(c *pion.ICECandidate) {
	if c == nil {
		t.log.Info("ICE gathering complete")
		return
	}
	init := c.ToJSON()
	if isLoopback(init.Candidate) {
		t.log.Debug("filtering loopback ICE candidate")
		return
	}
	candidate := domain.IceCandidate{Candidate: init.Candidate}
	if init.SDPMLineIndex != nil {
		candidate.MLineIndex = int(*init.SDPMLineIndex)
	}

	t.mu.Lock()
	fn := t.onCand
	t.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

func (t *transport) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	codec := track.Codec()
	t.mu.Lock()
	pad := &trackPad{
		name:  fmt.Sprintf("src_%d", t.pads),
		track: track,
		caps: fmt.Sprintf("application/x-rtp, media=%s, encoding-name=%s, payload=%d, clock-rate=%d",
			track.Kind(), strings.ToUpper(strings.TrimPrefix(codec.MimeType, track.Kind().String()+"/")),
			codec.PayloadType, codec.ClockRate),
	}
	t.pads++
	fn := t.onPad
	t.mu.Unlock()

	t.log.Infof("got track: kind=%s codec=%s pt=%d", track.Kind(), codec.MimeType, codec.PayloadType)
	t.post(domain.Message{Type: domain.MessageLatency, Source: t.name})
	if fn != nil {
		fn(pad)
	}
}

func (t *transport) AddTransceiver(dir domain.Direction, caps domain.CodecCaps) (domain.Transceiver, error) {
	pc, err := t.peerConnection()
	if err != nil {
		return nil, err
	}
	kind := pion.NewRTPCodecType(caps.Media)
	if kind == 0 {
		return nil, fmt.Errorf("unknown media kind %q", caps.Media)
	}
	var codec *pion.RTPCodecParameters
	for _, c := range codecs {
		if c.kind == kind && c.params.PayloadType == pion.PayloadType(caps.PayloadType) &&
			strings.EqualFold(c.params.MimeType, caps.Media+"/"+caps.EncodingName) &&
			c.params.ClockRate == caps.ClockRate {
			params := c.params
			codec = &params
		}
	}
	if codec == nil {
		return nil, fmt.Errorf("no %s/%s codec with payload %d", caps.Media, caps.EncodingName, caps.PayloadType)
	}

	tr, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
		Direction: pion.NewRTPTransceiverDirection(string(dir)),
	})
	if err != nil {
		return nil, fmt.Errorf("add %s transceiver: %w", caps.Media, err)
	}
	if err := tr.SetCodecPreferences([]pion.RTPCodecParameters{*codec}); err != nil {
		return nil, fmt.Errorf("set codec preferences: %w", err)
	}

	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()
	return &transceiver{tr: tr, gate: gate}, nil
}

// run queues op on the ops loop and returns its deferred result.
func run[T any](t *transport, op func(pc *pion.PeerConnection) (T, error)) *promise.Promise[T] {
	p := promise.New[T]()
	if !t.ops.Post(func() {
		pc, err := t.peerConnection()
		if err != nil {
			p.Reject(err)
			return
		}
		v, err := op(pc)
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}) {
		p.Reject(errTransportClosed)
	}
	return p
}

func (t *transport) SetRemoteDescription(desc domain.SessionDescription) *promise.Promise[struct{}] {
	return run(t, func(pc *pion.PeerConnection) (struct{}, error) {
		err := pc.SetRemoteDescription(pion.SessionDescription{
			Type: pion.NewSDPType(string(desc.Type)),
			SDP:  desc.SDP,
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("set remote description: %w", err)
		}
		t.log.Infof("remote SDP %s set", desc.Type)

		t.remoteSet = true
		pending := t.pending
		t.pending = nil
		for _, c := range pending {
			t.addCandidate(pc, c)
		}
		return struct{}{}, nil
	})
}

// SetLocalDescription applies desc. pion only accepts the text it generated,
// so re-setting a local description of the same type with other text fails
// with domain.ErrDescriptionKept and the earlier one stays in place.
func (t *transport) SetLocalDescription(desc domain.SessionDescription) *promise.Promise[struct{}] {
	return run(t, func(pc *pion.PeerConnection) (struct{}, error) {
		typ := pion.NewSDPType(string(desc.Type))
		err := pc.SetLocalDescription(pion.SessionDescription{Type: typ, SDP: desc.SDP})
		if err != nil {
			if cur := pc.LocalDescription(); cur != nil && cur.Type == typ {
				return struct{}{}, fmt.Errorf("%w: %w", domain.ErrDescriptionKept, err)
			}
			return struct{}{}, fmt.Errorf("set local description: %w", err)
		}
		t.log.Infof("local SDP %s set", desc.Type)
		return struct{}{}, nil
	})
}

func (t *transport) CreateAnswer() *promise.Promise[domain.SessionDescription] {
	return run(t, func(pc *pion.PeerConnection) (domain.SessionDescription, error) {
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
		}
		return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: answer.SDP}, nil
	})
}

func (t *transport) CreateOffer() *promise.Promise[domain.SessionDescription] {
	return run(t, func(pc *pion.PeerConnection) (domain.SessionDescription, error) {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
		}
		return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: offer.SDP}, nil
	})
}

// AddIceCandidate holds candidates until the remote description is set.
func (t *transport) AddIceCandidate(candidate domain.IceCandidate) {
	idx := uint16(candidate.MLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMLineIndex: &idx,
	}
	posted := t.ops.Post(func() {
		pc, err := t.peerConnection()
		if err != nil {
			t.log.Warnf("dropping remote candidate: %v", err)
			return
		}
		if !t.remoteSet {
			t.pending = append(t.pending, init)
			return
		}
		t.addCandidate(pc, init)
	})
	if !posted {
		t.log.Debug("transport closed, dropping remote candidate")
	}
}

func (t *transport) addCandidate(pc *pion.PeerConnection, init pion.ICECandidateInit) {
	if err := pc.AddICECandidate(init); err != nil {
		t.log.Warnf("add ice candidate: %v", err)
		return
	}
	t.log.Trace("added remote ICE candidate")
}

func (t *transport) OnIceCandidate(fn func(domain.IceCandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCand = fn
}

func (t *transport) OnPadAdded(fn func(domain.Pad)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPad = fn
}

func (t *transport) OnNegotiationNeeded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onNeg = fn
}

func (t *transport) IceConnectionState() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iceConn
}

func (t *transport) ConnectionState() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// transceiver toggles NACK generation through the connection's gate.
type transceiver struct {
	tr   *pion.RTPTransceiver
	gate *nackGate
}

func (t *transceiver) Mid() string { return t.tr.Mid() }

func (t *transceiver) SetNack(enabled bool) {
	if t.gate != nil {
		t.gate.SetEnabled(enabled)
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
