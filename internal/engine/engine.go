// Package engine owns the life of every metric subscription: it gates on
// sensor access, opens incremental queries, folds deliveries into
// published state, and keeps daily windows honest across midnight.
//
// All state mutation happens on one apply loop. Pumps, statistics
// requeries, and rollover checks only ever hand messages to that loop,
// so no reduction can interleave with another.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vitals-lab/vitals/internal/core/metric"
	"github.com/vitals-lab/vitals/internal/core/sensor"
	"github.com/vitals-lab/vitals/internal/state"
)

const (
	defaultDeliveryBuffer   = 64
	defaultRolloverInterval = 30 * time.Second
)

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	// Types lists the metrics to subscribe to. Empty means all supported.
	Types []metric.Type

	// DeliveryBuffer bounds the apply queue shared by all pumps.
	DeliveryBuffer int

	// RolloverInterval is how often the loop checks for a day boundary
	// when no delivery arrives to reveal one. Closed subscriptions are
	// retried on the same cadence.
	RolloverInterval time.Duration
}

func (o Options) normalized() Options {
	if len(o.Types) == 0 {
		o.Types = metric.AllTypes()
	}
	if o.DeliveryBuffer <= 0 {
		o.DeliveryBuffer = defaultDeliveryBuffer
	}
	if o.RolloverInterval <= 0 {
		o.RolloverInterval = defaultRolloverInterval
	}
	return o
}

// Engine drives one source into one state store.
type Engine struct {
	source sensor.Source
	store  *state.Store
	opts   Options
	nowFn  func() time.Time

	applyCh chan applyMsg

	// refreshGroup collapses statistics requeries that race for the same
	// metric, whether they come from the loop or from Refresh callers.
	refreshGroup singleflight.Group

	// Loop-owned. Only Run's goroutine touches these after startup.
	windows  map[metric.Type]metric.DayWindow
	anchors  map[metric.Type]sensor.Anchor
	queries  map[metric.Type]sensor.IncrementalQuery
	closed   map[metric.Type]bool
	pending  map[metric.Type]bool
	dirty    map[metric.Type]bool
	draining bool
}

// applyMsg is one unit of work for the apply loop. Exactly one of
// delivery, stats, or ended is set.
type applyMsg struct {
	typ      metric.Type
	delivery *sensor.Delivery
	stats    *statsResult
	ended    bool
	endErr   error
}

type statsResult struct {
	stats sensor.Statistics
	win   metric.DayWindow
	err   error
}

// New builds an engine. The store should be seeded with the same types
// the options track.
func New(source sensor.Source, store *state.Store, opts Options) *Engine {
	opts = opts.normalized()
	return &Engine{
		source:  source,
		store:   store,
		opts:    opts,
		nowFn:   time.Now,
		applyCh: make(chan applyMsg, opts.DeliveryBuffer),
		windows: make(map[metric.Type]metric.DayWindow),
		anchors: make(map[metric.Type]sensor.Anchor),
		queries: make(map[metric.Type]sensor.IncrementalQuery),
		closed:  make(map[metric.Type]bool),
		pending: make(map[metric.Type]bool),
		dirty:   make(map[metric.Type]bool),
	}
}

// Run requests access, opens every subscription, and applies deliveries
// until the context ends. Access denial is the one fatal outcome; any
// single metric failing to open or dying mid-run is logged and isolated
// while its siblings keep flowing.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.source.RequestAccess(ctx, e.opts.Types); err != nil {
		if errors.Is(err, sensor.ErrAccessDenied) {
			return fmt.Errorf("sensor access: %w", err)
		}
		return fmt.Errorf("requesting sensor access: %w", err)
	}
	slog.Info("[Engine] Sensor access granted", "types", len(e.opts.Types))

	opened := e.openAll(ctx)
	if opened == 0 {
		slog.Warn("[Engine] No subscriptions opened; all tracked metrics stay unavailable")
	}

	pumps, pumpCtx := errgroup.WithContext(ctx)
	for typ, q := range e.queries {
		typ, q := typ, q
		pumps.Go(func() error {
			e.pump(pumpCtx, typ, q)
			return nil
		})
	}

	slog.Info("[Engine] Apply loop running",
		"subscriptions", opened,
		"rollover_interval", e.opts.RolloverInterval,
	)

	ticker := time.NewTicker(e.opts.RolloverInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-e.applyCh:
			e.apply(ctx, msg)
		case <-ticker.C:
			e.checkRollover(ctx)
			e.reopenClosed(ctx, pumps, pumpCtx)
		case <-ctx.Done():
			e.teardown()
			_ = pumps.Wait()
			e.finalDrain()
			slog.Info("[Engine] Stopped", "published_version", e.store.Version())
			return nil
		}
	}
}

// Refresh recomputes every windowed total on demand. Safe to call from
// any goroutine while the engine runs: the queries happen on the
// caller, collapse with any in-flight loop requery for the same metric
// and window, and the results land through the apply loop like every
// other state change.
func (e *Engine) Refresh(ctx context.Context) error {
	win := metric.DayWindowAt(e.nowFn())
	for _, typ := range e.opts.Types {
		def, err := metric.Lookup(typ)
		if err != nil || !def.Windowed {
			continue
		}
		res := e.requery(ctx, typ, win)
		select {
		case e.applyCh <- applyMsg{typ: typ, stats: res}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// openAll opens one incremental query per tracked type, concurrently.
// Open failures are isolated: the type is logged and left unavailable.
func (e *Engine) openAll(ctx context.Context) int {
	now := e.nowFn()
	results := make([]sensor.IncrementalQuery, len(e.opts.Types))

	g, gctx := errgroup.WithContext(ctx)
	for i, typ := range e.opts.Types {
		i, typ := i, typ
		g.Go(func() error {
			q, err := e.source.Open(gctx, typ, sensor.ZeroAnchor)
			if err != nil {
				if errors.Is(err, sensor.ErrMetricUnavailable) {
					slog.Warn("[Engine] Metric unavailable on this source", "type", typ)
				} else {
					slog.Error("[Engine] Opening subscription failed", "type", typ, "error", err)
				}
				return nil
			}
			results[i] = q
			return nil
		})
	}
	_ = g.Wait()

	opened := 0
	for i, q := range results {
		if q == nil {
			continue
		}
		typ := e.opts.Types[i]
		e.queries[typ] = q
		e.windows[typ] = metric.DayWindowAt(now)
		e.anchors[typ] = sensor.ZeroAnchor
		opened++
	}
	return opened
}

// pump forwards one query's deliveries into the apply queue, then
// reports the query's end.
func (e *Engine) pump(ctx context.Context, typ metric.Type, q sensor.IncrementalQuery) {
	for d := range q.Deliveries() {
		d := d
		select {
		case e.applyCh <- applyMsg{typ: typ, delivery: &d}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case e.applyCh <- applyMsg{typ: typ, ended: true, endErr: q.Err()}:
	case <-ctx.Done():
	}
}

func (e *Engine) apply(ctx context.Context, msg applyMsg) {
	switch {
	case msg.delivery != nil:
		e.applyDelivery(ctx, msg.typ, *msg.delivery)
	case msg.stats != nil:
		e.applyStats(ctx, msg.typ, msg.stats)
	case msg.ended:
		e.applyEnded(msg.typ, msg.endErr)
	}
}

// applyDelivery folds one batch into the published state. The anchor
// advances even when the batch is rejected; a poisoned batch is not
// worth replaying.
func (e *Engine) applyDelivery(ctx context.Context, typ metric.Type, d sensor.Delivery) {
	now := e.nowFn()
	e.anchors[typ] = d.Anchor
	e.rolloverType(ctx, typ, now)

	def, err := metric.Lookup(typ)
	if err != nil {
		slog.Error("[Engine] Delivery for unknown type dropped", "type", typ)
		return
	}

	prior, _ := e.store.Get(typ)
	next, err := metric.Reduce(def, prior, d.Samples, e.windows[typ], now)
	if err != nil {
		slog.Error("[Engine] Batch rejected, state unchanged",
			"type", typ,
			"samples", len(d.Samples),
			"error", err,
		)
		return
	}
	if !sameState(next, prior) {
		e.store.Set(typ, next, now)
		slog.Debug("[Engine] Applied delivery",
			"type", typ,
			"samples", len(d.Samples),
			"value", next.Value,
		)
	}

	if def.Windowed && len(d.Samples) > 0 {
		e.scheduleRefresh(ctx, typ)
	}
}

// applyStats lands an authoritative windowed total. Results computed
// against a window that has since rolled over are dropped; the rollover
// already scheduled a fresh one.
func (e *Engine) applyStats(ctx context.Context, typ metric.Type, res *statsResult) {
	e.pending[typ] = false
	defer func() {
		if e.dirty[typ] {
			e.dirty[typ] = false
			e.scheduleRefresh(ctx, typ)
		}
	}()

	if res.err != nil {
		slog.Warn("[Engine] Statistics requery failed, keeping incremental total",
			"type", typ,
			"error", res.err,
		)
		return
	}
	if !res.win.Equal(e.windows[typ]) {
		slog.Debug("[Engine] Dropping statistics for a rolled-over window", "type", typ)
		return
	}

	def, err := metric.Lookup(typ)
	if err != nil {
		return
	}
	now := e.nowFn()
	prior, _ := e.store.Get(typ)
	next, err := metric.ReduceStatistics(def, prior, res.stats.SumQty, res.stats.Unit, res.stats.Count, now)
	if err != nil {
		slog.Warn("[Engine] Statistics rejected", "type", typ, "error", err)
		return
	}
	if !sameState(next, prior) {
		e.store.Set(typ, next, now)
	}
}

// sameState compares states modulo the update stamp, so refreshes that
// recompute an identical value do not churn the published version.
func sameState(a, b metric.State) bool {
	a.UpdatedAt = b.UpdatedAt
	return a == b
}

// applyEnded handles a subscription dying mid-run. Published state
// freezes at its last value; the rollover tick will retry the open from
// the last good anchor.
func (e *Engine) applyEnded(typ metric.Type, err error) {
	delete(e.queries, typ)
	e.closed[typ] = true
	slog.Warn("[Engine] Subscription ended, will retry",
		"type", typ,
		"error", err,
		"retry_interval", e.opts.RolloverInterval,
	)
}

// rolloverType rotates one metric's window if now fell off its edge.
func (e *Engine) rolloverType(ctx context.Context, typ metric.Type, now time.Time) {
	win, tracked := e.windows[typ]
	if !tracked || win.Contains(now) {
		return
	}
	fresh := metric.DayWindowAt(now)
	e.windows[typ] = fresh

	def, err := metric.Lookup(typ)
	if err != nil || !def.Windowed {
		return
	}
	prior, _ := e.store.Get(typ)
	if reset := metric.ResetWindow(def, prior, now); !sameState(reset, prior) {
		e.store.Set(typ, reset, now)
	}
	slog.Info("[Engine] Daily window rolled over",
		"type", typ,
		"window_start", fresh.Start,
	)
	e.scheduleRefresh(ctx, typ)
}

// checkRollover rotates windows that expired with no delivery to show
// for it, so totals reset at midnight even on a silent stream.
func (e *Engine) checkRollover(ctx context.Context) {
	now := e.nowFn()
	for typ := range e.windows {
		e.rolloverType(ctx, typ, now)
	}
}

// reopenClosed retries subscriptions that died, resuming from the last
// delivered anchor. A failed resume falls back to a fresh stream on the
// next tick.
func (e *Engine) reopenClosed(ctx context.Context, pumps *errgroup.Group, pumpCtx context.Context) {
	for typ := range e.closed {
		q, err := e.source.Open(ctx, typ, e.anchors[typ])
		if err != nil {
			slog.Warn("[Engine] Reopen failed", "type", typ, "error", err)
			e.anchors[typ] = sensor.ZeroAnchor
			continue
		}
		delete(e.closed, typ)
		e.queries[typ] = q
		typ, q := typ, q
		pumps.Go(func() error {
			e.pump(pumpCtx, typ, q)
			return nil
		})
		slog.Info("[Engine] Subscription reopened", "type", typ)
	}
}

// scheduleRefresh starts an asynchronous statistics requery for typ's
// current window, coalescing repeat requests while one is in flight.
func (e *Engine) scheduleRefresh(ctx context.Context, typ metric.Type) {
	if e.draining {
		return
	}
	if e.pending[typ] {
		e.dirty[typ] = true
		return
	}
	e.pending[typ] = true
	win := e.windows[typ]
	go func() {
		res := e.requery(ctx, typ, win)
		select {
		case e.applyCh <- applyMsg{typ: typ, stats: res}:
		case <-ctx.Done():
		}
	}()
}

// requery runs the deduplicated source statistics call. The key carries
// the window start so calls racing across a midnight rollover never
// share a result computed for the other day.
func (e *Engine) requery(ctx context.Context, typ metric.Type, win metric.DayWindow) *statsResult {
	key := fmt.Sprintf("%s@%d", typ, win.Start.Unix())
	v, err, _ := e.refreshGroup.Do(key, func() (interface{}, error) {
		return e.source.Statistics(ctx, typ, win)
	})
	if err != nil {
		return &statsResult{win: win, err: err}
	}
	return &statsResult{stats: v.(sensor.Statistics), win: win}
}

// teardown closes every live query; producers finish before Close
// returns, so the pumps drain deterministically.
func (e *Engine) teardown() {
	e.draining = true
	for typ, q := range e.queries {
		if err := q.Close(); err != nil {
			slog.Warn("[Engine] Closing subscription", "type", typ, "error", err)
		}
	}
}

// finalDrain applies whatever the pumps managed to queue before the
// shutdown, so no delivered sample is dropped on the floor.
func (e *Engine) finalDrain() {
	for {
		select {
		case msg := <-e.applyCh:
			if msg.delivery != nil {
				e.applyDelivery(context.Background(), msg.typ, *msg.delivery)
			}
		default:
			return
		}
	}
}
