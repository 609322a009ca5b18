// Package session ties the pipeline, negotiation, ICE relay and reconciler
// of one peer session together. It implements domain.Handler.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"rtcsession/native/internal/domain"
	"rtcsession/native/internal/icerelay"
	"rtcsession/native/internal/negotiation"
	"rtcsession/native/internal/pipeline"
	"rtcsession/native/internal/reconcile"
	"rtcsession/native/internal/scheduler"
)

// ErrDisconnected ends a session whose signalling channel went away.
var ErrDisconnected = errors.New("session: signalling disconnected")

// Config describes one session.
type Config struct {
	LocalPeerID  int
	RemotePeerID int
	Role         domain.Role
	Pipeline     pipeline.Config
	PollInterval time.Duration
}

// Session coordinates one peer session. Every event is handled on the
// session loop.
type Session struct {
	id     string
	cfg    Config
	signal domain.Signaler
	log    logging.LeveledLogger

	ctx    context.Context
	cancel context.CancelFunc
	loop   *scheduler.Loop
	worker *scheduler.Loop

	ctrl  *pipeline.Controller
	neg   *negotiation.Engine
	relay *icerelay.Relay
	rec   *reconcile.Reconciler

	status *statusBox

	// set on the loop
	ended bool
	err   error
	done  chan struct{}
}

// New creates a Session on engine. It fails when the engine lacks a
// capability the configuration needs. Call SetSignaler before use.
func New(ctx context.Context, engine domain.Engine, cfg Config, lf logging.LoggerFactory) (*Session, error) {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		log:    lf.NewLogger("session"),
		ctx:    ctx,
		cancel: cancel,
		loop:   scheduler.New(64),
		worker: scheduler.New(16),
		done:   make(chan struct{}),
	}
	s.status = newStatusBox(Status{
		TraceID:      s.id,
		LocalPeerID:  cfg.LocalPeerID,
		RemotePeerID: cfg.RemotePeerID,
		Role:         cfg.Role.String(),
		Encoder:      cfg.Pipeline.Encoder,
		StartedAt:    time.Now(),
	})

	ctrl, err := pipeline.New(engine, cfg.Pipeline, pipeline.Hooks{
		OnLocalCandidate:    s.onLocalCandidate,
		OnPadAdded:          s.onPadAdded,
		OnNegotiationNeeded: s.onNegotiationNeeded,
	}, lf)
	if err != nil {
		s.shutdown()
		return nil, err
	}
	s.ctrl = ctrl
	s.neg = negotiation.New(ctx, ctrl, negotiation.Config{
		Role:          cfg.Role,
		Loop:          s.loop,
		Worker:        s.worker,
		OnDescription: s.sendDescription,
	}, lf)
	s.relay = icerelay.New(ctrl, s.sendCandidate, lf)
	s.rec = reconcile.New(ctrl, reconcile.Hooks{
		OnTerminate: s.terminate,
		Report:      s.status.observe,
	}, cfg.PollInterval, lf)

	go s.rec.Run(ctx, s.loop)
	s.log.Infof("session %s created: peer %d -> %d as %s", s.id, cfg.LocalPeerID, cfg.RemotePeerID, cfg.Role)
	return s, nil
}

// SetSignaler injects the signaler after construction to resolve the
// circular dependency (Session needs Signaler, Signal needs Handler).
func (s *Session) SetSignaler(sig domain.Signaler) {
	s.signal = sig
}

// ID returns the trace id of the session.
func (s *Session) ID() string { return s.id }

// Status returns a snapshot of the session state.
func (s *Session) Status() Status { return s.status.get() }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended. It is nil while the session runs and
// for a session closed by its owner.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) OnSessionEstablished() {
	s.post(func() {
		s.log.Infof("session %s established, starting pipeline", s.id)
		if err := s.ctrl.BuildTransport(); err != nil {
			s.terminate(err)
			return
		}
		if err := s.ctrl.DeclareReceiveTransceiver(); err != nil {
			s.terminate(err)
			return
		}
		if err := s.ctrl.Start(); err != nil {
			s.terminate(err)
			return
		}
		s.syncPipelineState()
	})
}

func (s *Session) OnSDP(desc domain.SessionDescription) {
	s.post(func() {
		var err error
		switch desc.Type {
		case domain.SDPTypeOffer:
			err = s.neg.OnRemoteOffer(desc)
		case domain.SDPTypeAnswer:
			err = s.neg.OnRemoteAnswer(desc)
		default:
			err = domain.ErrUnexpectedDescriptionRole
		}
		if err != nil {
			s.log.Warnf("dropping remote %s: %v", desc.Type, err)
		}
	})
}

func (s *Session) OnICE(candidate domain.IceCandidate) {
	s.post(func() {
		if err := s.relay.OnRemoteCandidate(candidate); err != nil {
			s.log.Warnf("dropping remote candidate: %v", err)
		}
	})
}

func (s *Session) OnDisconnect() {
	s.post(func() {
		s.log.Info("signalling disconnected, ending session")
		s.terminate(ErrDisconnected)
	})
}

func (s *Session) OnError(err error) {
	s.post(func() {
		s.log.Errorf("signalling error: %v", err)
		s.terminate(err)
	})
}

// Close ends the session, stops the pipeline and releases the loops.
func (s *Session) Close() {
	_ = s.loop.Do(context.Background(), func() { s.terminate(nil) })
	s.shutdown()
}

func (s *Session) shutdown() {
	s.cancel()
	s.loop.Close()
	s.worker.Close()
}

func (s *Session) post(fn func()) {
	if !s.loop.Post(fn) {
		s.log.Debug("session loop closed, dropping event")
	}
}

// terminate runs on the loop. It stops the pipeline once and ends the
// session.
func (s *Session) terminate(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	if err != nil {
		s.log.Errorf("session %s terminating: %v", s.id, err)
	}

	_ = s.ctrl.Stop()
	s.status.update(func(st *Status) {
		st.PipelineState = domain.StateNull.String()
		st.Ended = true
		if err != nil {
			st.Error = err.Error()
		}
	})
	s.cancel()
	close(s.done)
}

func (s *Session) syncPipelineState() {
	state := domain.StateNull
	if p := s.ctrl.Pipeline(); p != nil {
		state = p.State()
	}
	s.status.update(func(st *Status) { st.PipelineState = state.String() })
}

// Transport callbacks arrive on engine goroutines; hop onto the loop.

func (s *Session) onLocalCandidate(c domain.IceCandidate) {
	s.post(func() { s.relay.OnLocalCandidate(c) })
}

func (s *Session) onPadAdded(pad domain.Pad) {
	s.post(func() {
		if err := s.ctrl.AttachDiscardSink(pad); err != nil {
			s.log.Errorf("pad %s: %v", pad.Name(), err)
		}
	})
}

func (s *Session) onNegotiationNeeded() {
	s.post(func() {
		if err := s.neg.OnNegotiationNeeded(); err != nil {
			s.log.Warnf("negotiation needed: %v", err)
		}
	})
}

func (s *Session) sendDescription(desc domain.SessionDescription) {
	s.status.update(func(st *Status) { st.Negotiated = true })
	if s.signal == nil {
		return
	}
	if err := s.signal.SendSDP(desc); err != nil {
		s.log.Errorf("send %s: %v", desc.Type, err)
	}
}

func (s *Session) sendCandidate(c domain.IceCandidate) {
	if s.signal == nil {
		return
	}
	if err := s.signal.SendICE(c); err != nil {
		s.log.Errorf("send candidate: %v", err)
	}
}

// Status is a snapshot of a session.
type Status struct {
	TraceID            string    `json:"trace_id"`
	LocalPeerID        int       `json:"local_peer_id"`
	RemotePeerID       int       `json:"remote_peer_id"`
	Role               string    `json:"role"`
	Encoder            string    `json:"encoder"`
	PipelineState      string    `json:"pipeline_state"`
	IceConnectionState string    `json:"ice_connection_state,omitempty"`
	ConnectionState    string    `json:"connection_state,omitempty"`
	SinkState          string    `json:"sink_state,omitempty"`
	Negotiated         bool      `json:"negotiated"`
	StartedAt          time.Time `json:"started_at"`
	Ended              bool      `json:"ended"`
	Error              string    `json:"error,omitempty"`
}

type statusBox struct {
	mu sync.RWMutex
	s  Status
}

func newStatusBox(s Status) *statusBox {
	s.PipelineState = domain.StateNull.String()
	return &statusBox{s: s}
}

func (b *statusBox) get() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.s
}

func (b *statusBox) update(fn func(*Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.s)
}

func (b *statusBox) observe(property, value string) {
	b.update(func(st *Status) {
		switch property {
		case reconcile.PropertyIceConnectionState:
			st.IceConnectionState = value
		case reconcile.PropertyConnectionState:
			st.ConnectionState = value
		case reconcile.PropertySinkState:
			st.SinkState = value
		}
	})
}
