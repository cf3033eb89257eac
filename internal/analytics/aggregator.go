// -------------------------------------------------------------------------------
// Aggregator - Buffered Visit Analytics Pipeline
//
// Author: Alex Freidah
//
// Same two-tier shape as the click counter: an actor accumulates visit counts
// keyed by (code, hour bucket, client address), a fast flush merges them into
// a sharded buffer, and the durability flush enriches each distinct address
// once, folds the counts into hourly aggregate rows, and upserts them. A
// failed GeoIP lookup degrades that address to unknown dimensions; it never
// fails the batch.
// -------------------------------------------------------------------------------

package analytics

import (
	"cmp"
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/afreidah/shortlinkd/internal/config"
	"github.com/afreidah/shortlinkd/internal/engine"
	"github.com/afreidah/shortlinkd/internal/pipeline"
	"github.com/afreidah/shortlinkd/internal/storage"
	"github.com/afreidah/shortlinkd/internal/telemetry"
)

// bufferShards is the shard count of the shared visit buffer.
const bufferShards = 64

// Analytics pipeline bounds.
const (
	flushTimeout = 30 * time.Second
	sendTimeout  = 50 * time.Millisecond
)

// visitKey identifies one accumulation slot.
type visitKey struct {
	Code string
	Hour int64
	IP   netip.Addr
}

func hashVisit(k visitKey) uint32 {
	return pipeline.HashString(k.Code) ^ uint32(k.Hour/3600)*16777619
}

// AnalyticsWriter persists aggregate rows.
type AnalyticsWriter interface {
	UpsertAnalytics(ctx context.Context, rows []storage.AnalyticsRow) error
}

// Aggregator records visits and flushes hourly aggregates.
type Aggregator struct {
	actor    *pipeline.Actor[visitKey]
	buf      *pipeline.Buffer[visitKey]
	flusher  *pipeline.Flusher[visitKey]
	writer   AnalyticsWriter
	geo      GeoLookup
	interval time.Duration
	now      func() time.Time
}

// Compile-time check.
var _ engine.VisitRecorder = (*Aggregator)(nil)

// NewAggregator creates an aggregator writing to w. geo may be nil, in which
// case every row carries unknown dimensions.
func NewAggregator(cfg config.AnalyticsConfig, w AnalyticsWriter, geo GeoLookup) *Aggregator {
	buf := pipeline.NewBuffer[visitKey](bufferShards, hashVisit)
	a := &Aggregator{
		actor: pipeline.NewActor(pipeline.ActorConfig{
			Name:              engine.AnalyticsPipeline,
			BufferSize:        cfg.BufferSize,
			FastFlushInterval: cfg.FastFlushInterval,
			SendTimeout:       sendTimeout,
		}, buf),
		buf:      buf,
		writer:   w,
		geo:      geo,
		interval: cfg.FlushInterval,
		now:      time.Now,
	}
	a.flusher = pipeline.NewFlusher(engine.AnalyticsPipeline, buf, flushTimeout, a.persist)
	a.flusher.SetPoisonCheck(engine.IsPoisonError)
	return a
}

// Record submits one visit to code from clientIP.
func (a *Aggregator) Record(code string, clientIP netip.Addr) error {
	ts := a.now().Unix()
	if err := a.actor.Send(visitKey{Code: code, Hour: ts / 3600 * 3600, IP: clientIP}, 1); err != nil {
		return err
	}
	telemetry.AnalyticsEventsTotal.Inc()
	return nil
}

// SyncBuffer forces the actor to merge everything received so far.
func (a *Aggregator) SyncBuffer() { a.actor.Flush() }

// Name implements engine.Pipeline.
func (a *Aggregator) Name() string { return engine.AnalyticsPipeline }

// Start implements engine.Pipeline.
func (a *Aggregator) Start() { a.actor.Start() }

// CloseIntake implements engine.Pipeline.
func (a *Aggregator) CloseIntake() { a.actor.CloseIntake() }

// Drain implements engine.Pipeline.
func (a *Aggregator) Drain() { a.actor.Drain() }

// Flush implements engine.Pipeline.
func (a *Aggregator) Flush(ctx context.Context) (int, error) { return a.flusher.Flush(ctx) }

// FlushInterval implements engine.Pipeline.
func (a *Aggregator) FlushInterval() time.Duration { return a.interval }

// Pending implements engine.Pipeline.
func (a *Aggregator) Pending() (int, uint64) { return a.buf.Len(), a.buf.Total() }

// -------------------------------------------------------------------------
// DURABLE FLUSH
// -------------------------------------------------------------------------

// persist enriches and folds a snapshot into aggregate rows and upserts them.
func (a *Aggregator) persist(ctx context.Context, batch map[visitKey]uint64) error {
	rows := a.fold(batch)
	return a.writer.UpsertAnalytics(ctx, rows)
}

// fold resolves each distinct address once and sums counts per aggregation
// key. Rows are ordered for deterministic upserts.
func (a *Aggregator) fold(batch map[visitKey]uint64) []storage.AnalyticsRow {
	geo := make(map[netip.Addr]GeoInfo)
	failures := 0
	for k := range batch {
		if _, ok := geo[k.IP]; ok {
			continue
		}
		info, err := a.lookup(k.IP)
		if err != nil {
			failures++
		}
		geo[k.IP] = info
	}
	if failures > 0 {
		telemetry.GeoIPFailuresTotal.Add(float64(failures))
		slog.Debug("GeoIP lookups degraded to unknown", "addresses", failures)
	}

	sums := make(map[storage.AnalyticsRow]uint64)
	for k, n := range batch {
		info := geo[k.IP]
		row := storage.AnalyticsRow{
			Code:        k.Code,
			TimeBucket:  k.Hour,
			CountryCode: info.CountryCode,
			Region:      info.Region,
			City:        info.City,
			ASN:         info.ASN,
			IPVersion:   ipVersion(k.IP),
		}
		sums[row] += n
	}

	rows := make([]storage.AnalyticsRow, 0, len(sums))
	for row, n := range sums {
		row.VisitCount = n
		rows = append(rows, row)
	}
	slices.SortFunc(rows, compareRows)
	return rows
}

func (a *Aggregator) lookup(ip netip.Addr) (GeoInfo, error) {
	if a.geo == nil || !ip.IsValid() {
		return GeoInfo{}, nil
	}
	return a.geo.Lookup(ip)
}

func ipVersion(ip netip.Addr) uint8 {
	switch {
	case !ip.IsValid():
		return 0
	case ip.Unmap().Is4():
		return 4
	default:
		return 6
	}
}

func compareRows(x, y storage.AnalyticsRow) int {
	return cmp.Or(
		cmp.Compare(x.Code, y.Code),
		cmp.Compare(x.TimeBucket, y.TimeBucket),
		cmp.Compare(x.CountryCode, y.CountryCode),
		cmp.Compare(x.Region, y.Region),
		cmp.Compare(x.City, y.City),
		cmp.Compare(x.ASN, y.ASN),
		cmp.Compare(x.IPVersion, y.IPVersion),
	)
}
