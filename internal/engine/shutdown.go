// -------------------------------------------------------------------------------
// ShutdownCoordinator - Ordered Drain of the Buffering Pipelines
//
// Author: Alex Freidah
//
// Drives every pipeline through three phases on termination: close intake,
// drain each actor into its shared buffer, then durably flush each buffer
// with bounded retries. The fast drain always completes before the durable
// flush begins so no delta can be persisted twice. Deltas still buffered once
// retries are exhausted are reported as a data-loss audit event instead of
// blocking process exit.
// -------------------------------------------------------------------------------

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/afreidah/shortlinkd/internal/audit"
	"github.com/afreidah/shortlinkd/internal/storage"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// defaultRetryBackoff is the pause between shutdown flush attempts.
const defaultRetryBackoff = 500 * time.Millisecond

// Pipeline is a two-tier buffering pipeline the coordinator can drain.
type Pipeline interface {
	Name() string
	Start()
	CloseIntake()
	Drain()
	Flush(ctx context.Context) (int, error)
	FlushInterval() time.Duration
	Pending() (keys int, deltas uint64)
}

// Phase is the coordinator's progress through shutdown.
type Phase int32

const (
	PhaseArmed Phase = iota
	PhaseStopIntake
	PhaseFastFlush
	PhaseSlowFlush
	PhaseDone
)

// String returns the human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseArmed:
		return "armed"
	case PhaseStopIntake:
		return "stop_intake"
	case PhaseFastFlush:
		return "fast_flush"
	case PhaseSlowFlush:
		return "slow_flush"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// dataLossEvents maps pipeline names to their audit events.
var dataLossEvents = map[string]string{
	counterPipeline:   audit.EventCounterDataLoss,
	AnalyticsPipeline: audit.EventAnalyticsDataLoss,
}

// errQuarantined explains residual deltas left behind by a flush that
// succeeded for every key it was allowed to persist.
var errQuarantined = errors.New("deltas held back by quarantined keys")

// AnalyticsPipeline is the name the analytics aggregator registers under.
const AnalyticsPipeline = "analytics"

// ShutdownCoordinator sequences pipeline startup and drain.
type ShutdownCoordinator struct {
	pipelines []Pipeline
	retries   int
	backoff   time.Duration

	phase     atomic.Int32
	startOnce sync.Once
	once      sync.Once
	done      chan struct{}
	err       error

	hurry     chan struct{}
	hurryOnce sync.Once
}

// NewShutdownCoordinator creates a coordinator over pipelines. Each durable
// flush is attempted up to retries times during shutdown.
func NewShutdownCoordinator(retries int, pipelines ...Pipeline) *ShutdownCoordinator {
	return &ShutdownCoordinator{
		pipelines: pipelines,
		retries:   max(retries, 1),
		backoff:   defaultRetryBackoff,
		done:      make(chan struct{}),
		hurry:     make(chan struct{}),
	}
}

// SetRetryBackoff overrides the pause between shutdown flush attempts.
func (c *ShutdownCoordinator) SetRetryBackoff(d time.Duration) {
	c.backoff = d
}

// Phase returns the current shutdown phase.
func (c *ShutdownCoordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

// Start launches every pipeline's actor.
func (c *ShutdownCoordinator) Start() {
	c.startOnce.Do(func() {
		for _, p := range c.pipelines {
			p.Start()
		}
	})
}

// Hurry skips the remaining retry backoff. Called on a second termination
// signal; never skips the fast drain.
func (c *ShutdownCoordinator) Hurry() {
	c.hurryOnce.Do(func() { close(c.hurry) })
}

// Shutdown runs the three phases once. Concurrent and repeated calls wait for
// the first run and return its result.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		defer close(c.done)
		c.err = c.run(ctx)
	})
	<-c.done
	return c.err
}

func (c *ShutdownCoordinator) run(ctx context.Context) error {
	start := time.Now()

	// --- Phase 1: stop intake ---
	c.phase.Store(int32(PhaseStopIntake))
	for _, p := range c.pipelines {
		p.CloseIntake()
	}

	// --- Phase 2: fast flush, always waited for ---
	c.phase.Store(int32(PhaseFastFlush))
	var fast errgroup.Group
	for _, p := range c.pipelines {
		fast.Go(func() error {
			p.Drain()
			return nil
		})
	}
	_ = fast.Wait()

	// --- Phase 3: durable flush with bounded retries ---
	c.phase.Store(int32(PhaseSlowFlush))
	var slow errgroup.Group
	for _, p := range c.pipelines {
		slow.Go(func() error {
			return c.flushWithRetries(ctx, p)
		})
	}
	err := slow.Wait()

	c.phase.Store(int32(PhaseDone))
	slog.Info("Pipelines drained",
		"pipelines", len(c.pipelines),
		"duration", time.Since(start).Round(time.Millisecond).String(),
		"error", err)
	return err
}

// flushWithRetries flushes p until its buffer is empty or attempts run out,
// then reports whatever is left as data loss.
func (c *ShutdownCoordinator) flushWithRetries(ctx context.Context, p Pipeline) error {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 && !c.wait(ctx) {
			lastErr = errors.Join(lastErr, ctx.Err())
			break
		}
		if _, err := p.Flush(ctx); err != nil {
			lastErr = err
			level := slog.LevelError
			if errors.Is(err, storage.ErrStorageUnavailable) {
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, "Shutdown flush attempt failed",
				"pipeline", p.Name(),
				"attempt", attempt,
				"attempts", c.retries,
				"error", err)
			continue
		}
		lastErr = nil
		break
	}

	keys, deltas := p.Pending()
	if deltas == 0 {
		return nil
	}
	if lastErr == nil {
		lastErr = errQuarantined
	}
	telemetry.ShutdownDataLossTotal.WithLabelValues(p.Name()).Add(float64(deltas))
	event, ok := dataLossEvents[p.Name()]
	if !ok {
		event = p.Name() + ".data_loss"
	}
	audit.Warn(ctx, event,
		slog.String("pipeline", p.Name()),
		slog.Int("keys", keys),
		slog.Uint64("deltas", deltas),
		slog.Int("attempts", c.retries),
		slog.String("error", fmt.Sprint(lastErr)),
	)
	return fmt.Errorf("%s: %d buffered deltas not persisted: %w", p.Name(), deltas, lastErr)
}

// wait pauses for the retry backoff. Returns false when ctx ends first.
func (c *ShutdownCoordinator) wait(ctx context.Context) bool {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.hurry:
		return true
	case <-ctx.Done():
		return false
	}
}
