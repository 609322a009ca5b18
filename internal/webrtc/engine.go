// Package webrtc implements the session media engine on pion. A transport
// element wraps a PeerConnection; inbound tracks surface as pads that feed a
// queue and a discarding sink; pipelines report through a polled bus.
package webrtc

import (
	"fmt"

	"github.com/pion/logging"

	"rtcsession/native/internal/domain"
)

// capabilities lists what this engine provides.
var capabilities = map[string]bool{
	"webrtc":     true,
	"ice":        true,
	"dtls":       true,
	"srtp":       true,
	"sctp":       true,
	"rtp":        true,
	"rtpmanager": true,
	"nack":       true,
	"h264":       true,
	"vp8":        true,
	"vp9":        true,
	"opus":       true,
}

// Engine creates pion backed pipelines and elements.
type Engine struct {
	lf logging.LoggerFactory
}

// NewEngine returns an Engine whose elements and peer connections log
// through lf.
func NewEngine(lf logging.LoggerFactory) *Engine {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Engine{lf: lf}
}

func (e *Engine) Missing(required ...string) []string {
	var missing []string
	for _, r := range required {
		if !capabilities[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

func (e *Engine) NewPipeline(name string) (domain.Pipeline, error) {
	return newPipeline(name), nil
}

func (e *Engine) NewTransport(name string) (domain.Transport, error) {
	return newTransport(name, e.lf), nil
}

func (e *Engine) NewElement(factory, name string) (domain.Element, error) {
	switch factory {
	case "queue":
		return newQueue(name, e.lf), nil
	case "fakesink":
		return newFakeSink(name, e.lf), nil
	default:
		return nil, fmt.Errorf("webrtc: no element factory %q", factory)
	}
}

var (
	_ domain.Engine      = (*Engine)(nil)
	_ domain.Pipeline    = (*pipeline)(nil)
	_ domain.Transport   = (*transport)(nil)
	_ domain.Transceiver = (*transceiver)(nil)
	_ domain.Pad         = (*trackPad)(nil)
	_ domain.Element     = (*queue)(nil)
	_ domain.Element     = (*fakeSink)(nil)
)
