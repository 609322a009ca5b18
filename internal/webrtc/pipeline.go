package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"rtcsession/native/internal/domain"
)

var errNotLinkable = errors.New("webrtc: elements cannot be linked")

// bus collects messages posted by a pipeline and its elements.
type bus struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (b *bus) post(m domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
}

func (b *bus) Pop() (domain.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return domain.Message{}, false
	}
	m := b.msgs[0]
	b.msgs = b.msgs[1:]
	return m, true
}

// stateHook runs one step of a state change. An error fails the change.
type stateHook func(from, to domain.State) error

// element is the state machine shared by every element. State changes walk
// through each intermediate state and post a message per step.
type element struct {
	emu    sync.Mutex
	name   string
	state  domain.State
	bus    *bus
	hook   stateHook
	parent bool
}

func (e *element) Name() string { return e.name }

func (e *element) State() domain.State {
	e.emu.Lock()
	defer e.emu.Unlock()
	return e.state
}

func (e *element) SetState(target domain.State) domain.StateChangeReturn {
	for {
		cur := e.State()
		if cur == target {
			return domain.StateChangeSuccess
		}
		next := nextState(cur, target)
		if e.hook != nil {
			if err := e.hook(cur, next); err != nil {
				e.post(domain.Message{
					Type:   domain.MessageError,
					Source: e.name,
					Err:    err,
					Debug:  fmt.Sprintf("%s -> %s", cur, next),
				})
				return domain.StateChangeFailure
			}
		}
		e.emu.Lock()
		e.state = next
		e.emu.Unlock()
		e.post(domain.Message{Type: domain.MessageStateChanged, Source: e.name, Old: cur, New: next})
	}
}

func (e *element) Link(dst domain.Element) error {
	return fmt.Errorf("%w: %s -> %s", errNotLinkable, e.name, dst.Name())
}

func (e *element) Unparent() {
	e.emu.Lock()
	defer e.emu.Unlock()
	e.parent = false
	e.bus = nil
}

func (e *element) attach(b *bus) {
	e.emu.Lock()
	defer e.emu.Unlock()
	e.parent = true
	e.bus = b
}

func (e *element) post(m domain.Message) {
	e.emu.Lock()
	b := e.bus
	e.emu.Unlock()
	if b != nil {
		b.post(m)
	}
}

func nextState(cur, target domain.State) domain.State {
	if target > cur {
		return cur + 1
	}
	return cur - 1
}

type attacher interface {
	attach(b *bus)
}

// pipeline is a bin of elements sharing one bus.
type pipeline struct {
	element

	mu       sync.Mutex
	children []domain.Element
}

func newPipeline(name string) *pipeline {
	p := &pipeline{element: element{name: name, bus: &bus{}}}
	return p
}

func (p *pipeline) Add(elems ...domain.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range elems {
		a, ok := el.(attacher)
		if !ok {
			return fmt.Errorf("webrtc: %s is not an engine element", el.Name())
		}
		a.attach(p.bus)
		p.children = append(p.children, el)
	}
	return nil
}

func (p *pipeline) Bus() domain.Bus { return p.bus }

// RecalculateLatency has nothing to redistribute: every element is live and
// the discard chain has no latency budget.
func (p *pipeline) RecalculateLatency() error {
	if p.State() == domain.StateNull {
		return errors.New("webrtc: pipeline not running")
	}
	return nil
}

// SetState moves every child one step, then the pipeline itself. Children
// change in the order they were added going up and in reverse going down.
func (p *pipeline) SetState(target domain.State) domain.StateChangeReturn {
	for {
		cur := p.State()
		if cur == target {
			return domain.StateChangeSuccess
		}
		next := nextState(cur, target)

		p.mu.Lock()
		children := append([]domain.Element(nil), p.children...)
		p.mu.Unlock()
		if next < cur {
			for i, j := 0, len(children)-1; i < j; i, j = i+1, j-1 {
				children[i], children[j] = children[j], children[i]
			}
		}

		for _, c := range children {
			if res := c.SetState(next); res == domain.StateChangeFailure && next > cur {
				return res
			}
		}

		p.emu.Lock()
		p.state = next
		p.emu.Unlock()
		p.bus.post(domain.Message{
			Type:         domain.MessageStateChanged,
			Source:       p.name,
			FromPipeline: true,
			Old:          cur,
			New:          next,
		})
	}
}

// Unparent releases the children of a stopped pipeline.
func (p *pipeline) Unparent() {
	p.mu.Lock()
	children := p.children
	p.children = nil
	p.mu.Unlock()
	for _, c := range children {
		c.Unparent()
	}
}
