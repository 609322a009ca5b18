package negotiation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/matryer/is"

	"rtcsession/native/internal/domain"
	"rtcsession/native/internal/pipeline"
	"rtcsession/native/internal/scheduler"
	"rtcsession/native/internal/sdpmunge"
	"rtcsession/native/internal/testutil"
)

func sdpText(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

var remoteOffer = domain.SessionDescription{
	Type: domain.SDPTypeOffer,
	SDP: sdpText(
		"v=0",
		"o=- 1 0 IN IP4 0.0.0.0",
		"s=-",
		"t=0 0",
		"m=video 9 UDP/TLS/RTP/SAVPF 106 107",
		"c=IN IP4 0.0.0.0",
		"a=mid:video0",
		"a=sendonly",
		"a=rtpmap:106 H264/90000",
		"a=fmtp:106 packetization-mode=1",
		"a=rtpmap:107 rtx/90000",
		"a=fmtp:107 apt=106",
	),
}

var engineAnswer = domain.SessionDescription{
	Type: domain.SDPTypeAnswer,
	SDP: sdpText(
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=video 9 UDP/TLS/RTP/SAVPF 106",
		"c=IN IP4 0.0.0.0",
		"a=mid:video0",
		"a=recvonly",
		"a=rtpmap:106 H264/90000",
		"a=rtcp-fb:106 nack",
		"a=fmtp:106 packetization-mode=1",
	),
}

var engineOffer = domain.SessionDescription{
	Type: domain.SDPTypeOffer,
	SDP: sdpText(
		"v=0",
		"o=- 2 0 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=video 9 UDP/TLS/RTP/SAVPF 106",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=recvonly",
		"a=rtpmap:106 H264/90000",
		"a=fmtp:106 packetization-mode=1",
	),
}

type harness struct {
	eng  *testutil.FakeEngine
	ctrl *pipeline.Controller
	neg  *Engine
	sent []domain.SessionDescription
}

func newHarness(t *testing.T, role domain.Role, loop, worker scheduler.Executor) *harness {
	t.Helper()
	h := &harness{eng: testutil.NewFakeEngine()}
	ctrl, err := pipeline.New(h.eng, pipeline.Config{Encoder: "x264enc"}, pipeline.Hooks{}, nil)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	h.ctrl = ctrl
	h.neg = New(context.Background(), ctrl, Config{
		Role:          role,
		Loop:          loop,
		Worker:        worker,
		OnDescription: func(d domain.SessionDescription) { h.sent = append(h.sent, d) },
	}, nil)
	return h
}

func (h *harness) build(t *testing.T) *testutil.FakeTransport {
	t.Helper()
	if err := h.ctrl.BuildTransport(); err != nil {
		t.Fatalf("BuildTransport: %v", err)
	}
	if err := h.ctrl.DeclareReceiveTransceiver(); err != nil {
		t.Fatalf("DeclareReceiveTransceiver: %v", err)
	}
	tr := h.eng.LastTransport()
	tr.Answer = engineAnswer
	tr.Offer = engineOffer
	return tr
}

func TestOnRemoteOffer_BeforeTransport(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleAnswerer, testutil.Inline{}, testutil.Inline{})

	err := h.neg.OnRemoteOffer(remoteOffer)

	is.True(errors.Is(err, domain.ErrPrematureNegotiation))
	is.Equal(len(h.sent), 0)
}

func TestOnRemoteOffer_AnswersWithRTX(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleAnswerer, testutil.Inline{}, testutil.Inline{})
	tr := h.build(t)

	is.NoErr(h.neg.OnRemoteOffer(remoteOffer))

	is.Equal(len(h.sent), 1)
	got := h.sent[0]
	is.Equal(got.Type, domain.SDPTypeAnswer)
	is.True(strings.Contains(got.SDP, "m=video 9 UDP/TLS/RTP/SAVPF 106 107\r\n"))
	is.True(strings.Contains(got.SDP, "a=rtpmap:107 rtx/90000\r\n"))
	is.True(strings.Contains(got.SDP, "a=fmtp:107 apt=106;rtx-time=125\r\n"))
	is.True(strings.Contains(got.SDP, "a=fmtp:106 profile-level-id=42e01f;level-asymmetry-allowed=1;packetization-mode=1\r\n"))
	is.True(h.neg.Completed())

	calls, local, remote := tr.Snapshot()
	is.Equal(remote, []domain.SessionDescription{remoteOffer})
	// generated answer first, then the patched text
	is.Equal(local, []domain.SessionDescription{engineAnswer, got})

	setRemote, createAnswer := -1, -1
	for i, c := range calls {
		switch c {
		case "set-remote-description":
			setRemote = i
		case "create-answer":
			createAnswer = i
		}
	}
	is.True(setRemote >= 0)
	is.True(setRemote < createAnswer)
}

func TestOnRemoteOffer_WrongRole(t *testing.T) {
	t.Run("answer received as answerer", func(t *testing.T) {
		is := is.New(t)
		h := newHarness(t, domain.RoleAnswerer, testutil.Inline{}, testutil.Inline{})
		h.build(t)

		err := h.neg.OnRemoteOffer(domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: engineAnswer.SDP})

		is.True(errors.Is(err, domain.ErrUnexpectedDescriptionRole))
		is.Equal(len(h.sent), 0)
	})

	t.Run("offer received as offerer", func(t *testing.T) {
		is := is.New(t)
		h := newHarness(t, domain.RoleOfferer, testutil.Inline{}, testutil.Inline{})
		h.build(t)

		err := h.neg.OnRemoteOffer(remoteOffer)

		is.True(errors.Is(err, domain.ErrUnexpectedDescriptionRole))
	})
}

func TestOnRemoteOffer_SecondOffer(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleAnswerer, testutil.Inline{}, testutil.Inline{})
	h.build(t)

	is.NoErr(h.neg.OnRemoteOffer(remoteOffer))
	err := h.neg.OnRemoteOffer(remoteOffer)

	is.True(errors.Is(err, domain.ErrAlreadyNegotiated))
	is.Equal(len(h.sent), 1)
}

func TestOnRemoteOffer_Malformed(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleAnswerer, testutil.Inline{}, testutil.Inline{})
	tr := h.build(t)

	err := h.neg.OnRemoteOffer(domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "not sdp"})

	is.True(errors.Is(err, domain.ErrMalformedDescription))
	calls, _, _ := tr.Snapshot()
	for _, c := range calls {
		is.True(c != "set-remote-description")
	}

	// a valid offer is still accepted afterwards
	is.NoErr(h.neg.OnRemoteOffer(remoteOffer))
	is.Equal(len(h.sent), 1)
}

func TestOnRemoteOffer_CreateAnswerFails(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleAnswerer, testutil.Inline{}, testutil.Inline{})
	tr := h.build(t)
	tr.CreateErr = errors.New("no codecs in common")

	is.NoErr(h.neg.OnRemoteOffer(remoteOffer))

	is.Equal(len(h.sent), 0)
	_, local, _ := tr.Snapshot()
	is.Equal(len(local), 0)
	is.True(!h.neg.Completed())
}

func TestOnRemoteOffer_DropsStaleRound(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	loop, worker := scheduler.New(8), scheduler.New(8)
	defer loop.Close()
	defer worker.Close()

	h := newHarness(t, domain.RoleAnswerer, loop, worker)
	var tr *testutil.FakeTransport
	is.NoErr(loop.Do(ctx, func() {
		tr = h.build(t)
		tr.Deferred = true
	}))

	var offerErr error
	is.NoErr(loop.Do(ctx, func() { offerErr = h.neg.OnRemoteOffer(remoteOffer) }))
	is.NoErr(offerErr)

	// teardown happens before the engine produces the answer
	is.NoErr(loop.Do(ctx, func() { _ = h.ctrl.Stop() }))
	is.NoErr(loop.Do(ctx, func() {
		is.Equal(len(tr.Pending), 1)
		tr.Pending[0].Resolve(engineAnswer)
	}))

	is.NoErr(worker.Do(ctx, func() {}))
	is.NoErr(loop.Do(ctx, func() {}))

	var sent int
	var local []domain.SessionDescription
	is.NoErr(loop.Do(ctx, func() {
		sent = len(h.sent)
		_, local, _ = tr.Snapshot()
	}))
	is.Equal(sent, 0)
	is.Equal(len(local), 0)
}

func TestOnRemoteOffer_WorkerContinuesOnLoop(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	loop, worker := scheduler.New(8), scheduler.New(8)
	defer loop.Close()
	defer worker.Close()

	h := newHarness(t, domain.RoleAnswerer, loop, worker)
	var tr *testutil.FakeTransport
	is.NoErr(loop.Do(ctx, func() {
		tr = h.build(t)
		tr.Deferred = true
	}))
	is.NoErr(loop.Do(ctx, func() { is.NoErr(h.neg.OnRemoteOffer(remoteOffer)) }))
	is.NoErr(loop.Do(ctx, func() { tr.Pending[0].Resolve(engineAnswer) }))

	is.NoErr(worker.Do(ctx, func() {}))
	var sent []domain.SessionDescription
	is.NoErr(loop.Do(ctx, func() { sent = append(sent, h.sent...) }))

	is.Equal(len(sent), 1)
	is.Equal(sent[0].Type, domain.SDPTypeAnswer)
}

func TestOnNegotiationNeeded_Offerer(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleOfferer, testutil.Inline{}, testutil.Inline{})
	tr := h.build(t)

	is.NoErr(h.neg.OnNegotiationNeeded())
	is.NoErr(h.neg.OnNegotiationNeeded())

	is.Equal(len(h.sent), 1)
	got := h.sent[0]
	is.Equal(got.Type, domain.SDPTypeOffer)
	// offers get no RTX payload
	is.True(strings.Contains(got.SDP, "m=video 9 UDP/TLS/RTP/SAVPF 106\r\n"))
	is.True(!strings.Contains(got.SDP, "rtpmap:107"))
	is.True(strings.Contains(got.SDP, "profile-level-id=42e01f;level-asymmetry-allowed=1;packetization-mode=1"))

	_, local, _ := tr.Snapshot()
	is.Equal(local, []domain.SessionDescription{engineOffer, got})

	answer := domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: engineAnswer.SDP}
	is.NoErr(h.neg.OnRemoteAnswer(answer))
	_, _, remote := tr.Snapshot()
	is.Equal(remote, []domain.SessionDescription{answer})
}

func TestOnNegotiationNeeded_Answerer(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleAnswerer, testutil.Inline{}, testutil.Inline{})
	tr := h.build(t)

	is.NoErr(h.neg.OnNegotiationNeeded())

	calls, _, _ := tr.Snapshot()
	for _, c := range calls {
		is.True(c != "create-offer")
	}
	is.Equal(len(h.sent), 0)
}

func TestOnNegotiationNeeded_BeforeTransport(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleOfferer, testutil.Inline{}, testutil.Inline{})

	is.True(errors.Is(h.neg.OnNegotiationNeeded(), domain.ErrPrematureNegotiation))
}

func TestOnRemoteAnswer_WithoutOffer(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleOfferer, testutil.Inline{}, testutil.Inline{})
	h.build(t)

	err := h.neg.OnRemoteAnswer(domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: engineAnswer.SDP})

	is.True(errors.Is(err, domain.ErrUnexpectedDescriptionRole))
}

func TestOnRemoteOffer_EngineKeepsGeneratedAnswer(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleAnswerer, testutil.Inline{}, testutil.Inline{})
	tr := h.build(t)
	tr.KeepLocal = true

	is.NoErr(h.neg.OnRemoteOffer(remoteOffer))

	// the peer still gets the patched answer
	is.Equal(len(h.sent), 1)
	is.True(strings.Contains(h.sent[0].SDP, "a=rtpmap:107 rtx/90000\r\n"))
	is.True(h.neg.Completed())

	calls, local, _ := tr.Snapshot()
	is.Equal(local, []domain.SessionDescription{engineAnswer})
	setLocal := 0
	for _, c := range calls {
		if c == "set-local-description" {
			setLocal++
		}
	}
	is.Equal(setLocal, 2)
}

func TestOnRemoteOffer_UnchangedAnswerSetOnce(t *testing.T) {
	is := is.New(t)
	h := newHarness(t, domain.RoleAnswerer, testutil.Inline{}, testutil.Inline{})
	tr := h.build(t)
	patched := domain.SessionDescription{
		Type: domain.SDPTypeAnswer,
		SDP:  sdpmunge.Patch(engineAnswer.SDP, domain.SDPTypeAnswer, "x264enc"),
	}
	tr.Answer = patched

	is.NoErr(h.neg.OnRemoteOffer(remoteOffer))

	is.Equal(h.sent, []domain.SessionDescription{patched})
	_, local, _ := tr.Snapshot()
	is.Equal(local, []domain.SessionDescription{patched})
}
