// Package negotiation runs the offer/answer exchange for a session.
//
// All methods must be called from the session loop. Deferred engine results
// are awaited on the worker executor and their continuations are posted back
// onto the loop.
package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/sdp/v3"

	"rtcsession/native/internal/domain"
	"rtcsession/native/internal/promise"
	"rtcsession/native/internal/scheduler"
	"rtcsession/native/internal/sdpmunge"
)

// Source gives access to the current transport. pipeline.Controller
// implements it.
type Source interface {
	Transport() domain.Transport
	Encoder() string
}

// Config wires an Engine into a session.
type Config struct {
	Role domain.Role
	// Loop runs continuations. It must be the loop the Engine is called from.
	Loop scheduler.Executor
	// Worker blocks on deferred results.
	Worker scheduler.Executor
	// OnDescription receives the patched local description, once per round.
	OnDescription func(desc domain.SessionDescription)
}

// round is what a continuation needs from the moment its round started.
type round struct {
	transport domain.Transport
	role      domain.Role
	encoder   string
}

// Engine negotiates descriptions with the remote peer.
type Engine struct {
	ctx context.Context
	src Source
	cfg Config
	log logging.LeveledLogger

	started   bool
	completed bool
	offered   bool
}

// New returns an Engine whose pending waits end with ctx.
func New(ctx context.Context, src Source, cfg Config, lf logging.LoggerFactory) *Engine {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Engine{
		ctx: ctx,
		src: src,
		cfg: cfg,
		log: lf.NewLogger("negotiation"),
	}
}

// Completed reports whether a local description has been produced.
func (e *Engine) Completed() bool { return e.completed }

// OnRemoteOffer applies a remote offer and answers it.
func (e *Engine) OnRemoteOffer(desc domain.SessionDescription) error {
	t := e.src.Transport()
	if t == nil {
		return domain.ErrPrematureNegotiation
	}
	if desc.Type != domain.SDPTypeOffer || e.cfg.Role != domain.RoleAnswerer {
		return fmt.Errorf("%w: got %s as %s", domain.ErrUnexpectedDescriptionRole, desc.Type, e.cfg.Role)
	}
	if e.started {
		return domain.ErrAlreadyNegotiated
	}
	if err := validate(desc.SDP); err != nil {
		return err
	}
	e.started = true

	e.log.Debugf("received offer:\n%s", desc.SDP)
	t.SetRemoteDescription(desc).Release(func(err error) {
		e.log.Errorf("set remote offer: %v", err)
	})

	e.await(round{transport: t, role: e.cfg.Role, encoder: e.src.Encoder()}, t.CreateAnswer())
	return nil
}

// OnNegotiationNeeded starts the offer path when this side initiates.
func (e *Engine) OnNegotiationNeeded() error {
	if e.cfg.Role != domain.RoleOfferer {
		e.log.Debug("negotiation needed ignored, remote peer offers")
		return nil
	}
	t := e.src.Transport()
	if t == nil {
		return domain.ErrPrematureNegotiation
	}
	if e.started {
		e.log.Debug("negotiation needed ignored, offer already created")
		return nil
	}
	e.started = true

	e.log.Info("creating offer")
	e.await(round{transport: t, role: e.cfg.Role, encoder: e.src.Encoder()}, t.CreateOffer())
	return nil
}

// OnRemoteAnswer completes the offer path.
func (e *Engine) OnRemoteAnswer(desc domain.SessionDescription) error {
	t := e.src.Transport()
	if t == nil {
		return domain.ErrPrematureNegotiation
	}
	if desc.Type != domain.SDPTypeAnswer || e.cfg.Role != domain.RoleOfferer || !e.offered {
		return fmt.Errorf("%w: got %s as %s", domain.ErrUnexpectedDescriptionRole, desc.Type, e.cfg.Role)
	}
	if err := validate(desc.SDP); err != nil {
		return err
	}

	e.log.Debugf("received answer:\n%s", desc.SDP)
	t.SetRemoteDescription(desc).Release(func(err error) {
		e.log.Errorf("set remote answer: %v", err)
	})
	return nil
}

func (e *Engine) await(r round, p *promise.Promise[domain.SessionDescription]) {
	posted := e.cfg.Worker.Post(func() {
		desc, err := p.Wait(e.ctx)
		if !e.cfg.Loop.Post(func() { e.onLocalDescription(r, desc, err) }) {
			p.Interrupt()
		}
	})
	if !posted {
		p.Interrupt()
	}
}

func (e *Engine) onLocalDescription(r round, desc domain.SessionDescription, err error) {
	if e.src.Transport() != r.transport {
		e.log.Debug("dropping description for a torn down transport")
		return
	}
	if err != nil {
		e.log.Errorf("create %s: %v", expected(r.role), err)
		return
	}
	if desc.Type != expected(r.role) {
		e.log.Errorf("engine produced %s, expected %s", desc.Type, expected(r.role))
		return
	}

	// The generated text goes in first; engines may refuse anything else.
	r.transport.SetLocalDescription(desc).Release(func(err error) {
		e.log.Errorf("set local %s: %v", desc.Type, err)
	})
	local := domain.SessionDescription{
		Type: desc.Type,
		SDP:  sdpmunge.Patch(desc.SDP, desc.Type, r.encoder),
	}
	if local.SDP != desc.SDP {
		r.transport.SetLocalDescription(local).Release(func(err error) {
			if errors.Is(err, domain.ErrDescriptionKept) {
				e.log.Debugf("patched %s not applied locally, sent to the peer only: %v", local.Type, err)
				return
			}
			e.log.Errorf("set patched local %s: %v", local.Type, err)
		})
	}

	e.completed = true
	e.offered = local.Type == domain.SDPTypeOffer
	e.log.Infof("sending %s", local.Type)
	e.log.Debugf("%s:\n%s", local.Type, local.SDP)
	if e.cfg.OnDescription != nil {
		e.cfg.OnDescription(local)
	}
}

func expected(role domain.Role) domain.SDPType {
	if role == domain.RoleOfferer {
		return domain.SDPTypeOffer
	}
	return domain.SDPTypeAnswer
}

func validate(text string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(text)); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMalformedDescription, err)
	}
	return nil
}
