// -------------------------------------------------------------------------------
// Actor - Single-Owner Accumulator with Bounded Intake
//
// Author: Alex Freidah
//
// One goroutine owns a private delta map fed by a bounded channel, so bursts
// on a hot key merge with no locking. On every fast-flush tick the private map
// is merged into a shared Buffer and cleared. Intake closes before the final
// drain so a delta is either accepted and eventually merged, or rejected with
// an error the caller can count.
//
// States: running -> draining (intake closed) -> stopped (final merge done).
// -------------------------------------------------------------------------------

package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afreidah/shortlinkd/internal/telemetry"
)

var (
	// ErrBackpressureRejected is returned when the intake channel stayed full
	// for the whole send timeout. The delta was not recorded.
	ErrBackpressureRejected = errors.New("pipeline saturated, delta rejected")

	// ErrShuttingDown is returned once intake has closed.
	ErrShuttingDown = errors.New("pipeline shutting down")
)

// State is the actor lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type message[K comparable] struct {
	key   K
	delta uint64
}

// maxBatchReceive bounds how many queued messages one loop iteration takes
// before checking timers again.
const maxBatchReceive = 1024

// ActorConfig configures an Actor.
type ActorConfig struct {
	Name              string        // Pipeline label for metrics and logs
	BufferSize        int           // Intake channel capacity
	FastFlushInterval time.Duration // Private map to shared buffer
	SendTimeout       time.Duration // Max wait on a full channel
}

// Actor accumulates deltas for keys of type K.
type Actor[K comparable] struct {
	cfg  ActorConfig
	sink *Buffer[K]
	in   chan message[K]

	// intakeMu is read-held by senders and write-held by CloseIntake so no
	// send can race the closed flag.
	intakeMu sync.RWMutex
	closed   bool

	state    atomic.Int32
	started  atomic.Bool
	flushReq chan chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	pending map[K]uint64 // owned by the run goroutine
}

// NewActor creates an actor that merges into sink. Call Start to begin
// consuming.
func NewActor[K comparable](cfg ActorConfig, sink *Buffer[K]) *Actor[K] {
	return &Actor[K]{
		cfg:      cfg,
		sink:     sink,
		in:       make(chan message[K], cfg.BufferSize),
		flushReq: make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[K]uint64),
	}
}

// Start launches the owner goroutine. Subsequent calls are no-ops.
func (a *Actor[K]) Start() {
	if a.started.CompareAndSwap(false, true) {
		go a.run()
	}
}

// State returns the current lifecycle state.
func (a *Actor[K]) State() State {
	return State(a.state.Load())
}

// Send submits delta for key. It waits up to the send timeout when the
// channel is full and never drops silently: a nil return means the delta will
// reach the buffer.
func (a *Actor[K]) Send(key K, delta uint64) error {
	if delta == 0 {
		return nil
	}

	a.intakeMu.RLock()
	defer a.intakeMu.RUnlock()
	if a.closed {
		return ErrShuttingDown
	}

	msg := message[K]{key: key, delta: delta}
	select {
	case a.in <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(a.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case a.in <- msg:
		return nil
	case <-timer.C:
		telemetry.BackpressureTotal.WithLabelValues(a.cfg.Name).Inc()
		return ErrBackpressureRejected
	}
}

// Flush forces an out-of-schedule merge of everything received so far and
// waits for it. Returns immediately once the actor has stopped.
func (a *Actor[K]) Flush() {
	if !a.started.Load() {
		return
	}
	ack := make(chan struct{})
	select {
	case a.flushReq <- ack:
		<-ack
	case <-a.done:
	}
}

// CloseIntake rejects all further sends. Sends already past the closed check
// complete first.
func (a *Actor[K]) CloseIntake() {
	a.intakeMu.Lock()
	defer a.intakeMu.Unlock()
	if !a.closed {
		a.closed = true
		a.state.CompareAndSwap(int32(StateRunning), int32(StateDraining))
	}
}

// Drain closes intake, consumes every queued message, performs the final
// merge, and waits for the owner goroutine to exit. Safe to call more than
// once.
func (a *Actor[K]) Drain() {
	a.CloseIntake()
	a.stopOnce.Do(func() { close(a.stop) })
	if a.started.CompareAndSwap(false, true) {
		// Never started: run the final drain inline.
		a.finish()
		return
	}
	<-a.done
}

// -------------------------------------------------------------------------
// OWNER LOOP
// -------------------------------------------------------------------------

func (a *Actor[K]) run() {
	ticker := time.NewTicker(a.cfg.FastFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case m := <-a.in:
			a.pending[m.key] += m.delta
			a.receiveQueued(maxBatchReceive)
		case <-ticker.C:
			a.merge()
		case ack := <-a.flushReq:
			a.receiveQueued(len(a.in))
			a.merge()
			close(ack)
		case <-a.stop:
			a.finish()
			return
		}
	}
}

// receiveQueued takes up to n already-queued messages without blocking.
func (a *Actor[K]) receiveQueued(n int) {
	for range n {
		select {
		case m := <-a.in:
			a.pending[m.key] += m.delta
		default:
			return
		}
	}
}

// finish drains the channel after intake closed and merges the remainder.
func (a *Actor[K]) finish() {
	for {
		select {
		case m := <-a.in:
			a.pending[m.key] += m.delta
		default:
			a.merge()
			a.state.Store(int32(StateStopped))
			close(a.done)
			return
		}
	}
}

// merge moves the private map into the shared buffer.
func (a *Actor[K]) merge() {
	if len(a.pending) == 0 {
		return
	}
	start := time.Now()
	a.sink.Merge(a.pending)
	clear(a.pending)

	telemetry.FlushTotal.WithLabelValues(a.cfg.Name, "fast", "success").Inc()
	telemetry.FlushDuration.WithLabelValues(a.cfg.Name, "fast").Observe(time.Since(start).Seconds())
	telemetry.BufferedKeys.WithLabelValues(a.cfg.Name).Set(float64(a.sink.Len()))
}
