// Package reconcile polls the pipeline bus and the transport state
// properties and turns what it sees into session decisions.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"rtcsession/native/internal/domain"
)

// DefaultInterval is how often both loops run.
const DefaultInterval = 100 * time.Millisecond

// Verdict is the outcome of one bus drain.
type Verdict int

const (
	// Continue keeps the bus loop running.
	Continue Verdict = iota
	// Stop ends the bus loop because the pipeline went back to READY.
	Stop
	// Terminate ends the session.
	Terminate
)

func (v Verdict) String() string {
	switch v {
	case Stop:
		return "stop"
	case Terminate:
		return "terminate"
	default:
		return "continue"
	}
}

// Observed properties.
const (
	PropertyIceConnectionState = "ice-connection-state"
	PropertyConnectionState    = "connection-state"
	PropertySinkState          = "sink-state"
)

// Source exposes what the reconciler watches. pipeline.Controller
// implements it.
type Source interface {
	Pipeline() domain.Pipeline
	Transport() domain.Transport
	Sink() domain.Element
}

// Executor runs a step on the session loop and waits for it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// Hooks receive the reconciler's decisions.
type Hooks struct {
	// OnTerminate is called on the session loop when the bus reports EOS or
	// an error.
	OnTerminate func(err error)
	// Report is called on the session loop for every observed change.
	Report func(property, value string)
}

// Reconciler is driven from the session loop.
type Reconciler struct {
	src      Source
	hooks    Hooks
	interval time.Duration
	log      logging.LeveledLogger

	last map[string]string
}

// New returns a Reconciler polling every interval. A zero interval means
// DefaultInterval.
func New(src Source, hooks Hooks, interval time.Duration, lf logging.LoggerFactory) *Reconciler {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		src:      src,
		hooks:    hooks,
		interval: interval,
		log:      lf.NewLogger("reconcile"),
		last:     map[string]string{},
	}
}

// DrainBus handles every pending bus message. On Terminate the error says why.
func (r *Reconciler) DrainBus() (Verdict, error) {
	p := r.src.Pipeline()
	if p == nil {
		return Continue, nil
	}
	bus := p.Bus()
	for {
		msg, ok := bus.Pop()
		if !ok {
			return Continue, nil
		}
		switch msg.Type {
		case domain.MessageEOS:
			r.log.Infof("end of stream from %s", msg.Source)
			return Terminate, fmt.Errorf("end of stream from %s", msg.Source)
		case domain.MessageError:
			r.log.Errorf("error from %s: %v (%s)", msg.Source, msg.Err, msg.Debug)
			return Terminate, fmt.Errorf("pipeline error from %s: %w", msg.Source, msg.Err)
		case domain.MessageWarning:
			r.log.Warnf("warning from %s: %v (%s)", msg.Source, msg.Err, msg.Debug)
		case domain.MessageLatency:
			if err := p.RecalculateLatency(); err != nil {
				r.log.Warnf("failed to recalculate latency: %v", err)
			}
		case domain.MessageStateChanged:
			if !msg.FromPipeline {
				continue
			}
			r.log.Debugf("pipeline state changed: %s -> %s", msg.Old, msg.New)
			if msg.Old == domain.StatePaused && msg.New == domain.StateReady {
				return Stop, nil
			}
		}
	}
}

// Sample reads the watched properties and reports those that changed since
// the previous sample.
func (r *Reconciler) Sample() {
	if t := r.src.Transport(); t != nil {
		r.observe(PropertyIceConnectionState, t.IceConnectionState())
		r.observe(PropertyConnectionState, t.ConnectionState())
	}
	if s := r.src.Sink(); s != nil {
		r.observe(PropertySinkState, s.State().String())
	}
}

func (r *Reconciler) observe(property, value string) {
	if r.last[property] == value {
		return
	}
	r.last[property] = value
	r.log.Infof("%s changed to %s", property, value)
	if r.hooks.Report != nil {
		r.hooks.Report(property, value)
	}
}

// Run polls the bus until it stops or terminates and samples properties
// until ctx ends. Every step runs through exec.
func (r *Reconciler) Run(ctx context.Context, exec Executor) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.busLoop(ctx, exec)
	}()
	go func() {
		defer wg.Done()
		r.every(ctx, exec, func() bool {
			r.Sample()
			return true
		})
	}()
	wg.Wait()
}

func (r *Reconciler) busLoop(ctx context.Context, exec Executor) {
	r.every(ctx, exec, func() bool {
		verdict, err := r.DrainBus()
		switch verdict {
		case Stop:
			r.log.Info("pipeline returned to READY, bus watch stopped")
			return false
		case Terminate:
			if r.hooks.OnTerminate != nil {
				r.hooks.OnTerminate(err)
			}
			return false
		}
		return true
	})
}

// every runs step on exec each interval until step returns false, ctx ends
// or exec refuses work.
func (r *Reconciler) every(ctx context.Context, exec Executor, step func() bool) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		keep := true
		if err := exec.Do(ctx, func() { keep = step() }); err != nil {
			return
		}
		if !keep {
			return
		}
	}
}
