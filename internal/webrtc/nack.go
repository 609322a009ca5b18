package webrtc

import (
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
)

// nackGate drops generated NACKs until the transport is playing. It must be
// registered before the NACK generator so the generator writes through it.
type nackGate struct {
	interceptor.NoOp
	enabled atomic.Bool
}

// NewInterceptor hands out the gate itself: one gate serves one peer
// connection.
func (g *nackGate) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return g, nil
}

func (g *nackGate) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
}

func (g *nackGate) Enabled() bool {
	return g.enabled.Load()
}

func (g *nackGate) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	return interceptor.RTCPWriterFunc(func(pkts []rtcp.Packet, attributes interceptor.Attributes) (int, error) {
		if g.enabled.Load() {
			return writer.Write(pkts, attributes)
		}
		kept := pkts[:0:0]
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.TransportLayerNack); ok {
				continue
			}
			kept = append(kept, pkt)
		}
		if len(kept) == 0 {
			return 0, nil
		}
		return writer.Write(kept, attributes)
	})
}
