package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingCapability is returned when the engine lacks something the
	// session needs. The process must not serve sessions.
	ErrMissingCapability = errors.New("rtcsession: missing capability")

	// ErrPrematureNegotiation is returned when a description arrives before
	// the transport exists.
	ErrPrematureNegotiation = errors.New("rtcsession: description received before session started")

	// ErrPrematureIce is returned when a remote candidate arrives before the
	// transport exists.
	ErrPrematureIce = errors.New("rtcsession: ice candidate received before session started")

	// ErrUnexpectedDescriptionRole is returned when a description does not
	// have the role the negotiation direction expects.
	ErrUnexpectedDescriptionRole = errors.New("rtcsession: unexpected description role")

	// ErrAlreadyNegotiated is returned for an offer arriving after a round
	// has completed in the same session.
	ErrAlreadyNegotiated = errors.New("rtcsession: session already negotiated")

	// ErrMalformedDescription is returned when SDP text cannot be parsed.
	ErrMalformedDescription = errors.New("rtcsession: malformed session description")

	// ErrLinkFailure is returned when an inbound pad cannot be linked to the
	// discard chain. Only that pad is lost.
	ErrLinkFailure = errors.New("rtcsession: link failure")

	// ErrStateTransition is returned when the pipeline fails to reach PLAYING.
	ErrStateTransition = errors.New("rtcsession: state transition failed")

	// ErrPipelineActive is returned when a transport is built while the
	// previous pipeline has not been stopped.
	ErrPipelineActive = errors.New("rtcsession: pipeline still active")

	// ErrNoTransport is returned when an operation needs a built transport.
	ErrNoTransport = errors.New("rtcsession: transport not built")

	// ErrPrematureTransceiver is returned when a transceiver is declared
	// before the transport is built.
	ErrPrematureTransceiver = errors.New("rtcsession: transceiver declared before transport")

	// ErrDescriptionKept is returned when the engine refuses to replace a
	// local description it generated with modified text. The generated one
	// stays applied.
	ErrDescriptionKept = errors.New("rtcsession: engine kept its generated local description")
)

// MissingCapabilityError names the capabilities the engine lacks.
type MissingCapabilityError struct {
	Missing []string
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMissingCapability, strings.Join(e.Missing, ", "))
}

func (e *MissingCapabilityError) Unwrap() error { return ErrMissingCapability }

// StateTransitionError reports the state change result that was not a success.
type StateTransitionError struct {
	Target State
	Result StateChangeReturn
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%v: to %s: %s", ErrStateTransition, e.Target, e.Result)
}

func (e *StateTransitionError) Unwrap() error { return ErrStateTransition }
