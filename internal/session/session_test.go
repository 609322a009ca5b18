package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rtcsession/native/internal/domain"
	"rtcsession/native/internal/pipeline"
	"rtcsession/native/internal/testutil"
)

// mockSignaler records calls for verification.
type mockSignaler struct {
	mu         sync.Mutex
	sdpSent    []domain.SessionDescription
	iceSent    []domain.IceCandidate
	closeCalls int
}

func (m *mockSignaler) Connect(ctx context.Context) error { return nil }
func (m *mockSignaler) SetupCall() error                  { return nil }

func (m *mockSignaler) SendSDP(desc domain.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sdpSent = append(m.sdpSent, desc)
	return nil
}

func (m *mockSignaler) SendICE(candidate domain.IceCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iceSent = append(m.iceSent, candidate)
	return nil
}

func (m *mockSignaler) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
}

func (m *mockSignaler) sent() ([]domain.SessionDescription, []domain.IceCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SessionDescription(nil), m.sdpSent...), append([]domain.IceCandidate(nil), m.iceSent...)
}

const offerSDP = "v=0\r\n" +
	"o=- 1 0 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 106\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:video0\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:106 H264/90000\r\n" +
	"a=fmtp:106 packetization-mode=1\r\n"

const answerSDP = "v=0\r\n" +
	"o=- 2 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 106\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:video0\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:106 H264/90000\r\n" +
	"a=fmtp:106 packetization-mode=1\r\n"

func newSession(t *testing.T, eng *testutil.FakeEngine) (*Session, *mockSignaler) {
	t.Helper()
	s, err := New(context.Background(), eng, Config{
		LocalPeerID:  0,
		RemotePeerID: 1,
		Role:         domain.RoleAnswerer,
		Pipeline:     pipeline.Config{Encoder: "x264enc", StunServers: []string{"stun://stun.l.google.com:19302"}},
		PollInterval: 5 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sig := &mockSignaler{}
	s.SetSignaler(sig)
	t.Cleanup(s.Close)
	return s, sig
}

// flush waits until everything posted so far, including worker
// continuations, has run on the loop.
func (s *Session) flush(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := s.loop.Do(ctx, func() {}); err != nil {
		t.Fatalf("flush loop: %v", err)
	}
	if err := s.worker.Do(ctx, func() {}); err != nil {
		t.Fatalf("flush worker: %v", err)
	}
	if err := s.loop.Do(ctx, func() {}); err != nil {
		t.Fatalf("flush loop: %v", err)
	}
}

func TestNew_MissingCapability(t *testing.T) {
	eng := testutil.NewFakeEngine()
	eng.Unsupported = map[string]bool{"h264": true}

	_, err := New(context.Background(), eng, Config{Pipeline: pipeline.Config{Encoder: "x264enc"}}, nil)

	if !errors.Is(err, domain.ErrMissingCapability) {
		t.Fatalf("expected ErrMissingCapability, got %v", err)
	}
}

func TestOnSessionEstablished_StartsPipeline(t *testing.T) {
	eng := testutil.NewFakeEngine()
	s, _ := newSession(t, eng)

	s.OnSessionEstablished()
	s.flush(t)

	tr := eng.LastTransport()
	if tr == nil {
		t.Fatal("expected a transport to be built")
	}
	if tr.Stun != "stun://stun.l.google.com:19302" {
		t.Errorf("expected STUN server to be set, got %q", tr.Stun)
	}
	if len(tr.Transceivers) != 1 || !tr.Transceivers[0].Nack() {
		t.Error("expected one transceiver with NACK enabled")
	}
	if got := s.Status().PipelineState; got != "playing" {
		t.Errorf("expected pipeline state playing, got %q", got)
	}
}

func TestOnSDP_OfferBeforeEstablished(t *testing.T) {
	eng := testutil.NewFakeEngine()
	s, sig := newSession(t, eng)

	s.OnSDP(domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: offerSDP})
	s.flush(t)

	if sdps, _ := sig.sent(); len(sdps) != 0 {
		t.Errorf("expected no description sent, got %d", len(sdps))
	}
	select {
	case <-s.Done():
		t.Error("a premature offer must not end the session")
	default:
	}
}

func TestOnSDP_AnswersOffer(t *testing.T) {
	eng := testutil.NewFakeEngine()
	s, sig := newSession(t, eng)

	s.OnSessionEstablished()
	s.flush(t)
	eng.LastTransport().Answer = domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: answerSDP}

	s.OnSDP(domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: offerSDP})
	s.flush(t)

	sdps, _ := sig.sent()
	if len(sdps) != 1 {
		t.Fatalf("expected one description sent, got %d", len(sdps))
	}
	if sdps[0].Type != domain.SDPTypeAnswer {
		t.Errorf("expected answer, got %s", sdps[0].Type)
	}
	if !strings.Contains(sdps[0].SDP, "m=video 9 UDP/TLS/RTP/SAVPF 106 107\r\n") {
		t.Errorf("expected RTX payload in media line, got:\n%s", sdps[0].SDP)
	}
	if !s.Status().Negotiated {
		t.Error("expected status to report negotiated")
	}
}

func TestOnICE_RemoteCandidate(t *testing.T) {
	eng := testutil.NewFakeEngine()
	s, _ := newSession(t, eng)
	c := domain.IceCandidate{MLineIndex: 0, Candidate: "candidate:123 1 udp 1 10.0.0.2 4000 typ host"}

	// dropped before the transport exists
	s.OnICE(c)
	s.OnSessionEstablished()
	s.OnICE(c)
	s.flush(t)

	if got := eng.LastTransport().Candidates; len(got) != 1 || got[0] != c {
		t.Errorf("expected one candidate added, got %v", got)
	}
}

func TestLocalCandidate_Sent(t *testing.T) {
	eng := testutil.NewFakeEngine()
	s, sig := newSession(t, eng)
	s.OnSessionEstablished()
	s.flush(t)

	c := domain.IceCandidate{MLineIndex: 0, Candidate: "candidate:1 1 udp 2122260223 192.168.1.4 51000 typ host"}
	eng.LastTransport().EmitCandidate(c)
	s.flush(t)

	if _, ice := sig.sent(); len(ice) != 1 || ice[0] != c {
		t.Errorf("expected candidate to be sent, got %v", ice)
	}
}

func TestPadAdded_AttachesDiscardSink(t *testing.T) {
	eng := testutil.NewFakeEngine()
	s, _ := newSession(t, eng)
	s.OnSessionEstablished()
	s.flush(t)

	eng.LastTransport().EmitPad(&testutil.FakePad{PadName: "src_0"})
	s.flush(t)

	deadline := time.After(2 * time.Second)
	for s.Status().SinkState != "playing" {
		select {
		case <-deadline:
			t.Fatalf("expected sink state playing, got %q", s.Status().SinkState)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOnDisconnect_EndsSession(t *testing.T) {
	eng := testutil.NewFakeEngine()
	s, _ := newSession(t, eng)
	s.OnSessionEstablished()
	s.OnDisconnect()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected session to end")
	}
	if !errors.Is(s.Err(), ErrDisconnected) {
		t.Errorf("expected ErrDisconnected, got %v", s.Err())
	}
	p := eng.Pipelines[0]
	if p.State() != domain.StateNull || !p.Unparented {
		t.Error("expected pipeline to be stopped and released")
	}
	st := s.Status()
	if !st.Ended || st.PipelineState != "null" {
		t.Errorf("unexpected status after disconnect: %+v", st)
	}

	// teardown is idempotent
	calls := len(p.StateCalls)
	s.OnError(errors.New("late error"))
	s.Close()
	if len(p.StateCalls) != calls {
		t.Error("expected no further state changes after teardown")
	}
	if !errors.Is(s.Err(), ErrDisconnected) {
		t.Errorf("expected first error to be kept, got %v", s.Err())
	}
}

func TestOnSessionEstablished_StartFailureEndsSession(t *testing.T) {
	eng := testutil.NewFakeEngine()
	eng.PlayResult = domain.StateChangeFailure
	s, _ := newSession(t, eng)

	s.OnSessionEstablished()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected session to end")
	}
	if !errors.Is(s.Err(), domain.ErrStateTransition) {
		t.Errorf("expected ErrStateTransition, got %v", s.Err())
	}
}

func TestBusError_EndsSession(t *testing.T) {
	eng := testutil.NewFakeEngine()
	s, _ := newSession(t, eng)
	s.OnSessionEstablished()
	s.flush(t)

	eng.Pipelines[0].FakeBus().Post(domain.Message{
		Type:   domain.MessageError,
		Source: "app",
		Err:    errors.New("dtls: handshake failed"),
	})

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to end on bus error")
	}
	if s.Err() == nil || !strings.Contains(s.Err().Error(), "handshake failed") {
		t.Errorf("unexpected error: %v", s.Err())
	}
}

func TestClose_WithoutEstablish(t *testing.T) {
	eng := testutil.NewFakeEngine()
	s, _ := newSession(t, eng)

	s.Close()

	select {
	case <-s.Done():
	default:
		t.Error("expected Done to be closed")
	}
	if s.Err() != nil {
		t.Errorf("expected nil error, got %v", s.Err())
	}
}
