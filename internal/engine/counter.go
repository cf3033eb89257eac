// -------------------------------------------------------------------------------
// ClickCounter - Buffered Click Count Pipeline
//
// Author: Alex Freidah
//
// Wires the click counter actor, its shared view, and the durability flusher
// around the store's atomic increment operation. Redirect handlers only ever
// touch the actor's channel; API reads combine the persisted count with the
// shared view.
// -------------------------------------------------------------------------------

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/pipeline"
	"github.com/afreidah/shortlinkd/internal/storage"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// counterPipeline is the metrics and log label for click counting.
const counterPipeline = "counter"

// viewShards is the shard count of the shared counter view.
const viewShards = 64

// IncrementApplier durably applies click deltas.
type IncrementApplier interface {
	ApplyIncrements(ctx context.Context, batch map[string]uint64) error
}

// ClickCounter accumulates clicks per short code and flushes them to storage.
type ClickCounter struct {
	actor    *pipeline.Actor[string]
	view     *pipeline.Buffer[string]
	flusher  *pipeline.Flusher[string]
	interval time.Duration
}

// Compile-time check.
var _ Pipeline = (*ClickCounter)(nil)

// NewClickCounter creates a click counter backed by store.
func NewClickCounter(cfg config.CounterConfig, store IncrementApplier) *ClickCounter {
	view := pipeline.NewStringBuffer(viewShards)
	c := &ClickCounter{
		actor: pipeline.NewActor(pipeline.ActorConfig{
			Name:              counterPipeline,
			BufferSize:        cfg.BufferSize,
			FastFlushInterval: cfg.FastFlushInterval,
			SendTimeout:       cfg.SendTimeout,
		}, view),
		view:     view,
		flusher:  pipeline.NewFlusher(counterPipeline, view, cfg.FlushTimeout, store.ApplyIncrements),
		interval: cfg.FlushInterval,
	}
	c.flusher.SetPoisonCheck(IsPoisonError)
	return c
}

// IsPoisonError reports store errors that fail identically on every retry.
func IsPoisonError(err error) bool {
	return errors.Is(err, storage.ErrInconsistent)
}

// Record submits one click for code.
func (c *ClickCounter) Record(code string) error {
	if err := c.actor.Send(code, 1); err != nil {
		return err
	}
	telemetry.CounterIncrementsTotal.Inc()
	return nil
}

// Buffered returns clicks for code merged into the view but not yet persisted.
func (c *ClickCounter) Buffered(code string) uint64 {
	return c.view.Get(code)
}

// ReadConsistent runs read, which combines persisted counts with Buffered,
// so that it never sees a flushed batch both in storage and in the view.
func (c *ClickCounter) ReadConsistent(ctx context.Context, read func() error) error {
	return c.flusher.Consistent(ctx, read)
}

// Quarantined returns the number of codes excluded from durable flushes.
func (c *ClickCounter) Quarantined() int { return c.flusher.Quarantined() }

// SyncView forces the actor to merge everything received so far into the
// view.
func (c *ClickCounter) SyncView() {
	c.actor.Flush()
}

// Name implements Pipeline.
func (c *ClickCounter) Name() string { return counterPipeline }

// Start implements Pipeline.
func (c *ClickCounter) Start() { c.actor.Start() }

// State returns the actor lifecycle state.
func (c *ClickCounter) State() pipeline.State { return c.actor.State() }

// CloseIntake implements Pipeline.
func (c *ClickCounter) CloseIntake() { c.actor.CloseIntake() }

// Drain implements Pipeline.
func (c *ClickCounter) Drain() { c.actor.Drain() }

// Flush implements Pipeline.
func (c *ClickCounter) Flush(ctx context.Context) (int, error) {
	return c.flusher.Flush(ctx)
}

// FlushInterval implements Pipeline.
func (c *ClickCounter) FlushInterval() time.Duration { return c.interval }

// Pending implements Pipeline.
func (c *ClickCounter) Pending() (int, uint64) {
	return c.view.Len(), c.view.Total()
}
