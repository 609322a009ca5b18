// Package icerelay moves ICE candidates between the transport and the
// signalling channel.
package icerelay

import (
	"github.com/pion/logging"

	"rtcsession/native/internal/domain"
)

// Source gives access to the current transport.
type Source interface {
	Transport() domain.Transport
}

// Relay forwards local candidates out and applies remote ones.
type Relay struct {
	src  Source
	send func(domain.IceCandidate)
	log  logging.LeveledLogger
}

// New returns a Relay that hands local candidates to send.
func New(src Source, send func(domain.IceCandidate), lf logging.LoggerFactory) *Relay {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Relay{src: src, send: send, log: lf.NewLogger("icerelay")}
}

// OnLocalCandidate forwards a locally gathered candidate unbuffered.
func (r *Relay) OnLocalCandidate(c domain.IceCandidate) {
	r.log.Tracef("local candidate: %s", c)
	if r.send != nil {
		r.send(c)
	}
}

// OnRemoteCandidate hands a remote candidate to the transport.
func (r *Relay) OnRemoteCandidate(c domain.IceCandidate) error {
	t := r.src.Transport()
	if t == nil {
		return domain.ErrPrematureIce
	}
	r.log.Tracef("remote candidate: %s", c)
	t.AddIceCandidate(c)
	return nil
}
