package webrtc

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"rtcsession/native/internal/domain"
)

const queueSize = 256

// trackPad is the source pad of one inbound track.
type trackPad struct {
	name  string
	caps  string
	track *pion.TrackRemote
}

func (p *trackPad) Name() string { return p.name }
func (p *trackPad) Caps() string { return p.caps }

func (p *trackPad) Link(dst domain.Element) error {
	q, ok := dst.(*queue)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", errNotLinkable, p.name, dst.Name())
	}
	return q.setSource(func() (*rtp.Packet, error) {
		pkt, _, err := p.track.ReadRTP()
		return pkt, err
	}, p.track.Codec().MimeType)
}

// queue decouples the track reader from the sink. It drops packets when the
// sink falls behind.
type queue struct {
	element

	log     logging.LeveledLogger
	out     chan *rtp.Packet
	dropped atomic.Uint64

	mu      sync.Mutex
	read    func() (*rtp.Packet, error)
	mime    string
	started bool
}

func newQueue(name string, lf logging.LoggerFactory) *queue {
	q := &queue{
		element: element{name: name},
		log:     lf.NewLogger("webrtc"),
		out:     make(chan *rtp.Packet, queueSize),
	}
	q.hook = q.changeState
	return q
}

func (q *queue) setSource(read func() (*rtp.Packet, error), mime string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.read != nil {
		return fmt.Errorf("%w: %s already has a source", errNotLinkable, q.name)
	}
	q.read, q.mime = read, mime
	return nil
}

func (q *queue) Link(dst domain.Element) error {
	s, ok := dst.(*fakeSink)
	if !ok {
		return fmt.Errorf("%w: %s -> %s", errNotLinkable, q.name, dst.Name())
	}
	q.mu.Lock()
	mime := q.mime
	q.mu.Unlock()
	return s.setSource(q.out, strings.EqualFold(mime, pion.MimeTypeH264))
}

func (q *queue) changeState(from, to domain.State) error {
	if from == domain.StatePaused && to == domain.StateReady {
		if n := q.dropped.Load(); n > 0 {
			q.log.Warnf("%s dropped %d packets", q.name, n)
		}
		return nil
	}
	if from != domain.StateReady || to != domain.StatePaused {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.read == nil {
		return nil
	}
	q.started = true
	go q.pump(q.read)
	return nil
}

// pump runs until the track ends, which happens when the transport closes.
func (q *queue) pump(read func() (*rtp.Packet, error)) {
	defer close(q.out)
	for {
		pkt, err := read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				q.log.Debugf("%s: track read: %v", q.name, err)
			}
			return
		}
		select {
		case q.out <- pkt:
		default:
			q.dropped.Add(1)
		}
	}
}

// sinkStats summarizes what a fakeSink discarded.
type sinkStats struct {
	Packets   uint64
	Bytes     uint64
	Lost      uint64
	NALUs     uint64
	Keyframes uint64
}

// fakeSink consumes and discards packets, keeping statistics. It posts EOS
// when its source ends while it is running.
type fakeSink struct {
	element

	log logging.LeveledLogger

	mu     sync.Mutex
	in     <-chan *rtp.Packet
	h264   bool
	stop   chan struct{}
	wg     sync.WaitGroup
	stats  sinkStats
	depack *H264Depacketizer
}

func newFakeSink(name string, lf logging.LoggerFactory) *fakeSink {
	s := &fakeSink{
		element: element{name: name},
		log:     lf.NewLogger("webrtc"),
		depack:  NewH264Depacketizer(),
	}
	s.hook = s.changeState
	return s
}

func (s *fakeSink) setSource(in <-chan *rtp.Packet, h264 bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.in != nil {
		return fmt.Errorf("%w: %s already has a source", errNotLinkable, s.name)
	}
	s.in, s.h264 = in, h264
	return nil
}

func (s *fakeSink) changeState(from, to domain.State) error {
	switch {
	case from == domain.StateReady && to == domain.StatePaused:
		s.mu.Lock()
		in := s.in
		s.stop = make(chan struct{})
		stop := s.stop
		s.mu.Unlock()
		s.wg.Add(1)
		go s.consume(in, stop)
	case from == domain.StatePaused && to == domain.StateReady:
		s.mu.Lock()
		stop := s.stop
		s.stop = nil
		s.mu.Unlock()
		if stop != nil {
			close(stop)
		}
		s.wg.Wait()
		st := s.Stats()
		s.log.Infof("%s discarded %d packets (%d bytes, %d lost), %d NAL units, %d keyframes",
			s.name, st.Packets, st.Bytes, st.Lost, st.NALUs, st.Keyframes)
	}
	return nil
}

func (s *fakeSink) consume(in <-chan *rtp.Packet, stop <-chan struct{}) {
	defer s.wg.Done()
	var (
		last uint16
		seen bool
	)
	for {
		select {
		case <-stop:
			return
		case pkt, ok := <-in:
			if !ok {
				s.post(domain.Message{Type: domain.MessageEOS, Source: s.name})
				return
			}
			s.mu.Lock()
			s.stats.Packets++
			s.stats.Bytes += uint64(len(pkt.Payload))
			// gaps of half the sequence space or more are reordering
			if gap := pkt.SequenceNumber - last - 1; seen && gap != 0 && gap < 0x8000 {
				s.stats.Lost += uint64(gap)
			}
			last, seen = pkt.SequenceNumber, true
			if s.h264 {
				for _, nalu := range s.depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
					s.stats.NALUs++
					if nalType(nalu) == naluTypeIDR {
						s.stats.Keyframes++
					}
				}
			}
			s.mu.Unlock()
		}
	}
}

// Stats returns the statistics collected so far.
func (s *fakeSink) Stats() sinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
