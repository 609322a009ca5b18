// Package testutil holds in-memory doubles of the media engine for tests.
package testutil

import (
	"errors"
	"sync"

	"rtcsession/native/internal/domain"
)

// Inline runs posted functions immediately on the caller's goroutine.
type Inline struct{}

func (Inline) Post(fn func()) bool {
	fn()
	return true
}

// FakeEngine records everything it creates.
type FakeEngine struct {
	mu sync.Mutex

	// Unsupported capabilities are reported by Missing.
	Unsupported map[string]bool
	// PlayResult is what new pipelines return when asked for PLAYING.
	PlayResult domain.StateChangeReturn
	// FailFactories makes NewElement fail for these factory names.
	FailFactories map[string]bool
	// LinkErr makes links from elements of these factories fail.
	LinkErr map[string]error

	Pipelines  []*FakePipeline
	Transports []*FakeTransport
	Elements   []*FakeElement
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{PlayResult: domain.StateChangeSuccess}
}

func (e *FakeEngine) Missing(required ...string) []string {
	var missing []string
	for _, r := range required {
		if e.Unsupported[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

func (e *FakeEngine) NewPipeline(name string) (domain.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &FakePipeline{
		FakeElement: &FakeElement{name: name, Factory: "pipeline"},
		bus:         &FakeBus{},
		PlayResult:  e.PlayResult,
	}
	e.Pipelines = append(e.Pipelines, p)
	return p, nil
}

func (e *FakeEngine) NewTransport(name string) (domain.Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := &FakeTransport{
		FakeElement: &FakeElement{name: name, Factory: "webrtc"},
		IceState:    "new",
		ConnState:   "new",
	}
	e.Transports = append(e.Transports, t)
	return t, nil
}

func (e *FakeEngine) NewElement(factory, name string) (domain.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailFactories[factory] {
		return nil, errors.New("no such element factory: " + factory)
	}
	el := &FakeElement{name: name, Factory: factory, LinkErr: e.LinkErr[factory]}
	e.Elements = append(e.Elements, el)
	return el, nil
}

// LastTransport returns the most recently created transport.
func (e *FakeEngine) LastTransport() *FakeTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Transports) == 0 {
		return nil
	}
	return e.Transports[len(e.Transports)-1]
}

// FakeElement is a generic element with a settable state.
type FakeElement struct {
	mu sync.Mutex

	name    string
	Factory string
	state   domain.State
	parent  *FakePipeline

	LinkErr    error
	Links      []domain.Element
	Unparented bool
	StateCalls []domain.State
}

func NewFakeElement(factory, name string) *FakeElement {
	return &FakeElement{name: name, Factory: factory}
}

func (e *FakeElement) Name() string { return e.name }

func (e *FakeElement) SetState(target domain.State) domain.StateChangeReturn {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = target
	e.StateCalls = append(e.StateCalls, target)
	return domain.StateChangeSuccess
}

func (e *FakeElement) State() domain.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *FakeElement) Link(dst domain.Element) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LinkErr != nil {
		return e.LinkErr
	}
	e.Links = append(e.Links, dst)
	return nil
}

func (e *FakeElement) Unparent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.parent = nil
	e.Unparented = true
}

// Parent returns the pipeline the element was added to.
func (e *FakeElement) Parent() *FakePipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parent
}

// FakeBus is a FIFO of posted messages.
type FakeBus struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (b *FakeBus) Post(msgs ...domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msgs...)
}

func (b *FakeBus) Pop() (domain.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return domain.Message{}, false
	}
	m := b.msgs[0]
	b.msgs = b.msgs[1:]
	return m, true
}

func (b *FakeBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// FakePipeline holds children and a bus.
type FakePipeline struct {
	*FakeElement

	bus        *FakeBus
	children   []domain.Element
	PlayResult domain.StateChangeReturn

	LatencyErr   error
	LatencyCalls int
}

func (p *FakePipeline) Add(elems ...domain.Element) error {
	p.mu.Lock()
	p.children = append(p.children, elems...)
	p.mu.Unlock()
	for _, el := range elems {
		if fe := asFakeElement(el); fe != nil {
			fe.mu.Lock()
			fe.parent = p
			fe.mu.Unlock()
		}
	}
	return nil
}

func asFakeElement(el domain.Element) *FakeElement {
	switch v := el.(type) {
	case *FakeElement:
		return v
	case *FakeTransport:
		return v.FakeElement
	case *FakePipeline:
		return v.FakeElement
	}
	return nil
}

// Children returns the elements added to the pipeline.
func (p *FakePipeline) Children() []domain.Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Element(nil), p.children...)
}

func (p *FakePipeline) SetState(target domain.State) domain.StateChangeReturn {
	if target == domain.StatePlaying && p.PlayResult != domain.StateChangeSuccess {
		return p.PlayResult
	}
	old := p.State()
	p.FakeElement.SetState(target)
	for _, c := range p.Children() {
		c.SetState(target)
	}
	p.bus.Post(domain.Message{
		Type:         domain.MessageStateChanged,
		Source:       p.Name(),
		FromPipeline: true,
		Old:          old,
		New:          target,
	})
	return domain.StateChangeSuccess
}

func (p *FakePipeline) Bus() domain.Bus { return p.bus }

// FakeBus exposes the bus for posting messages in tests.
func (p *FakePipeline) FakeBus() *FakeBus { return p.bus }

func (p *FakePipeline) RecalculateLatency() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LatencyCalls++
	return p.LatencyErr
}

// FakeTransceiver records the NACK setting.
type FakeTransceiver struct {
	mu   sync.Mutex
	Dir  domain.Direction
	Caps domain.CodecCaps
	nack bool
}

func (t *FakeTransceiver) Mid() string { return "video0" }

func (t *FakeTransceiver) SetNack(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nack = enabled
}

func (t *FakeTransceiver) Nack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nack
}

// FakePad is an inbound media pad.
type FakePad struct {
	PadName string
	LinkErr error
	Linked  domain.Element
}

func (p *FakePad) Name() string { return p.PadName }
func (p *FakePad) Caps() string { return "application/x-rtp, media=video, encoding-name=H264" }

func (p *FakePad) Link(dst domain.Element) error {
	if p.LinkErr != nil {
		return p.LinkErr
	}
	p.Linked = dst
	return nil
}
