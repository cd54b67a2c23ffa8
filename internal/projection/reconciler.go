package projection

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/notify"
	"LendLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config tunes the reconciler.
type Config struct {
	Shards        int
	ShardBuffer   int
	GapTimeout    time.Duration // Buffered gap age that triggers a catch-up scan
	CatchUpWindow int
	DedupCapacity int
	FlushInterval time.Duration // Watermark persistence interval
	NotifyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Shards:        8,
		ShardBuffer:   1024,
		GapTimeout:    5 * time.Second,
		CatchUpWindow: 500,
		DedupCapacity: 100_000,
		FlushInterval: time.Second,
		NotifyTimeout: 5 * time.Second,
	}
}

// LogSource reads the authority's confirmed log range.
type LogSource interface {
	GetLogs(ctx context.Context, from int64, limit int) ([]event.LogEntry, error)
	LogHead(ctx context.Context) (int64, error)
}

// Notifier delivers owner notifications.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) error
}

// Reconciler folds confirmed logs into the mirror store. Logs may arrive
// duplicated, out of order or not at all; the reconciler dedups by
// (TxHash, LogIndex), buffers per position until the predecessor is applied,
// and reads missing ranges back from the authority.
//
// Positions are sharded by ID so one position is always applied by the same
// goroutine, in PositionSeq order.
type Reconciler struct {
	cfg      Config
	store    Store
	source   LogSource
	notifier Notifier
	metrics  *observability.Metrics
	logger   zerolog.Logger

	shards  []chan event.LogEntry
	catchUp chan struct{}

	dedupMu sync.Mutex
	dedup   *core.SubmissionLRU

	wm       *watermark
	buffered atomic.Int64
}

func NewReconciler(cfg Config, store Store, source LogSource, notifier Notifier, metrics *observability.Metrics) *Reconciler {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.CatchUpWindow <= 0 {
		cfg.CatchUpWindow = DefaultConfig().CatchUpWindow
	}
	r := &Reconciler{
		cfg:      cfg,
		store:    store,
		source:   source,
		notifier: notifier,
		metrics:  metrics,
		logger:   observability.NewLogger("reconciler"),
		shards:   make([]chan event.LogEntry, cfg.Shards),
		catchUp:  make(chan struct{}, 1),
		dedup:    core.NewSubmissionLRU(cfg.DedupCapacity),
		wm:       newWatermark(),
	}
	for i := range r.shards {
		r.shards[i] = make(chan event.LogEntry, cfg.ShardBuffer)
	}
	return r
}

// Run loads the durable watermark, triggers the startup catch-up and blocks
// until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	wm, err := r.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	r.wm.reset(wm)
	r.logger.Info().Int64("watermark", wm).Int("shards", len(r.shards)).Msg("reconciler starting")

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.shards {
		g.Go(func() error { return r.runShard(gctx, r.shards[i]) })
	}
	g.Go(func() error { return r.runCatchUp(gctx) })
	g.Go(func() error { return r.runFlusher(gctx) })
	r.TriggerCatchUp()

	return g.Wait()
}

// Handle routes one log to its position's shard. It is the subscriber's
// handler; returning nil acks the message. An acked log that is lost before
// it is applied is recovered by catch-up, since the watermark never passes it.
func (r *Reconciler) Handle(ctx context.Context, entry event.LogEntry) error {
	if entry.Sequence <= r.wm.load() {
		r.recordDuplicate("watermark")
		return nil
	}
	if r.seen(entry) {
		r.recordDuplicate("lru")
		return nil
	}
	shard := r.shards[entry.PositionID%uint64(len(r.shards))]
	select {
	case shard <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerCatchUp requests a catch-up scan. Requests coalesce.
func (r *Reconciler) TriggerCatchUp() {
	select {
	case r.catchUp <- struct{}{}:
	default:
	}
}

// Watermark returns the highest log sequence below which every log is applied.
func (r *Reconciler) Watermark() int64 {
	return r.wm.load()
}

// CatchUp reads confirmed logs from watermark+1 up to the authority's head in
// bounded windows and routes them like live logs. Returns the number read.
func (r *Reconciler) CatchUp(ctx context.Context) (int, error) {
	head, err := r.source.LogHead(ctx)
	if err != nil {
		return 0, fmt.Errorf("log head: %w", err)
	}

	from := r.wm.load() + 1
	total := 0
	for from <= head {
		logs, err := r.source.GetLogs(ctx, from, r.cfg.CatchUpWindow)
		if err != nil {
			return total, fmt.Errorf("get logs from %d: %w", from, err)
		}
		if len(logs) == 0 {
			break
		}
		for _, entry := range logs {
			if err := r.Handle(ctx, entry); err != nil {
				return total, err
			}
		}
		total += len(logs)
		from = logs[len(logs)-1].Sequence + 1
	}

	if total > 0 {
		r.logger.Info().Int("logs", total).Int64("head", head).Msg("catch-up complete")
	}
	return total, nil
}

func (r *Reconciler) runCatchUp(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.catchUp:
			if _, err := r.CatchUp(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn().Err(err).Dur("retry_in", r.cfg.GapTimeout).Msg("catch-up failed")
				time.AfterFunc(r.cfg.GapTimeout, r.TriggerCatchUp)
			}
		}
	}
}

func (r *Reconciler) runFlusher(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var flushed int64
	flush := func(ctx context.Context) {
		wm := r.wm.load()
		if wm <= flushed {
			return
		}
		if err := r.store.SetWatermark(ctx, wm); err != nil {
			r.logger.Warn().Err(err).Int64("watermark", wm).Msg("watermark flush failed")
			return
		}
		flushed = wm
	}

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			flush(final)
			cancel()
			return nil
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// ============================================================================
// Shard
// ============================================================================

// positionBuffer holds logs of one position waiting for a predecessor.
// Entries are sorted by PositionSeq and unique.
type positionBuffer struct {
	entries []event.LogEntry
	since   time.Time // Last time the buffer made progress
}

func (b *positionBuffer) insert(entry event.LogEntry) bool {
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].PositionSeq >= entry.PositionSeq
	})
	if i < len(b.entries) && b.entries[i].PositionSeq == entry.PositionSeq {
		return false
	}
	b.entries = append(b.entries, event.LogEntry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = entry
	return true
}

func (r *Reconciler) runShard(ctx context.Context, in <-chan event.LogEntry) error {
	buffers := make(map[uint64]*positionBuffer)

	tick := max(r.cfg.GapTimeout/2, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case entry := <-in:
			r.accept(ctx, buffers, entry)

		case <-ticker.C:
			stale := false
			for id, buf := range buffers {
				r.drain(ctx, buffers, id)
				if _, ok := buffers[id]; ok && time.Since(buf.since) > r.cfg.GapTimeout {
					stale = true
					buf.since = time.Now()
				}
			}
			if stale {
				if r.metrics != nil {
					r.metrics.MirrorGapCatchUps.Inc()
				}
				r.TriggerCatchUp()
			}
		}
	}
}

func (r *Reconciler) accept(ctx context.Context, buffers map[uint64]*positionBuffer, entry event.LogEntry) {
	applied, err := r.store.IsApplied(ctx, entry)
	if err != nil {
		// Save detects the duplicate if the lookup was wrong
		r.logger.Warn().Err(err).Str("log", entry.IdempotencyKey()).Msg("applied lookup failed")
	} else if applied {
		r.markApplied(entry)
		r.recordDuplicate("store")
		return
	}

	buf, ok := buffers[entry.PositionID]
	if !ok {
		buf = &positionBuffer{since: time.Now()}
		buffers[entry.PositionID] = buf
	}
	if buf.insert(entry) {
		r.adjustBuffered(1)
	}
	r.drain(ctx, buffers, entry.PositionID)
}

// drain applies the contiguous prefix of a position's buffer. A store
// failure leaves the remaining entries buffered for the next tick.
func (r *Reconciler) drain(ctx context.Context, buffers map[uint64]*positionBuffer, positionID uint64) {
	buf := buffers[positionID]
	rec, err := r.store.Get(ctx, positionID)
	if err != nil {
		r.logger.Warn().Err(err).Uint64("position_id", positionID).Msg("load record failed")
		return
	}

	progressed := false
	for len(buf.entries) > 0 {
		entry := buf.entries[0]
		var version int64
		if rec != nil {
			version = rec.Version
		}
		if entry.PositionSeq > version+1 {
			break
		}

		pop := func() {
			buf.entries = buf.entries[1:]
			r.adjustBuffered(-1)
			progressed = true
		}

		if entry.PositionSeq <= version {
			pop()
			r.markApplied(entry)
			r.recordDuplicate("version")
			continue
		}

		next, err := Apply(rec, entry)
		dropped := err != nil
		if dropped {
			// The ledger produced a log the fold rejects. Step the version
			// over it so the position's later logs still apply.
			r.logger.Error().Err(err).Str("log", entry.IdempotencyKey()).
				Msg("dropping unappliable log, mirror needs a rebuild")
			next = Skip(rec, entry)
		}

		start := time.Now()
		err = r.store.Save(ctx, next, entry)
		if errors.Is(err, ErrAlreadyApplied) {
			pop()
			r.markApplied(entry)
			r.recordDuplicate("store")
			if rec, err = r.store.Get(ctx, positionID); err != nil {
				r.logger.Warn().Err(err).Uint64("position_id", positionID).Msg("reload record failed")
				return
			}
			continue
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("log", entry.IdempotencyKey()).Msg("save failed, will retry")
			return
		}

		pop()
		rec = next
		r.markApplied(entry)
		if dropped {
			if r.metrics != nil {
				r.metrics.MirrorDropped.Inc()
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.MirrorApplied.WithLabelValues(entry.EventType().String()).Inc()
			r.metrics.MirrorApplyDur.Observe(time.Since(start).Seconds())
			r.metrics.MirrorFreshnessLag.Observe(time.Since(entry.Timestamp).Seconds())
		}
		r.notifyApplied(ctx, next, entry)
	}

	if len(buf.entries) == 0 {
		delete(buffers, positionID)
		return
	}
	if progressed {
		buf.since = time.Now()
	}
}

func (r *Reconciler) notifyApplied(ctx context.Context, rec *Record, entry event.LogEntry) {
	if r.notifier == nil {
		return
	}

	var n notify.Notification
	switch e := entry.Event.(type) {
	case *event.Liquidated:
		n = notify.Notification{
			Kind: notify.KindLiquidated,
			Message: fmt.Sprintf("position %d entered liquidation (%s, health factor %d bps, debt %s)",
				rec.PositionID, e.Trigger, e.HealthFactor, fpmath.FormatUSD(e.Debt)),
			At: e.LiquidatedAt,
		}
	case *event.LiquidationSettled:
		n = notify.Notification{
			Kind: notify.KindLiquidationSettled,
			Message: fmt.Sprintf("position %d liquidation settled: debt repaid %s, refund %s, shortfall %s",
				rec.PositionID, fpmath.FormatUSD(e.DebtRepaid), fpmath.FormatUSD(e.Refund), fpmath.FormatUSD(e.Shortfall)),
			At: e.SettledAt,
		}
	default:
		return
	}
	n.PositionID = rec.PositionID
	n.Owner = rec.Owner

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.NotifyTimeout)
	defer cancel()
	if err := r.notifier.Send(sendCtx, n); err != nil {
		r.logger.Warn().Err(err).Uint64("position_id", rec.PositionID).Str("kind", string(n.Kind)).Msg("notification not delivered")
	}
}

func (r *Reconciler) seen(entry event.LogEntry) bool {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	_, ok := r.dedup.Get(entry.IdempotencyKey())
	return ok
}

func (r *Reconciler) markApplied(entry event.LogEntry) {
	r.dedupMu.Lock()
	r.dedup.Add(entry.IdempotencyKey(), entry.TxHash)
	r.dedupMu.Unlock()

	wm := r.wm.mark(entry.Sequence)
	if r.metrics != nil {
		r.metrics.MirrorWatermark.Set(float64(wm))
	}
}

func (r *Reconciler) recordDuplicate(tier string) {
	if r.metrics != nil {
		r.metrics.MirrorDuplicates.WithLabelValues(tier).Inc()
	}
}

func (r *Reconciler) adjustBuffered(delta int64) {
	n := r.buffered.Add(delta)
	if r.metrics != nil {
		r.metrics.MirrorBuffered.Set(float64(n))
	}
}

// ============================================================================
// Watermark
// ============================================================================

// watermark tracks the highest global log sequence below which every log has
// been applied. Sequences applied ahead of a gap wait in pending.
type watermark struct {
	mu      sync.Mutex
	value   int64
	pending map[int64]struct{}
}

func newWatermark() *watermark {
	return &watermark{pending: make(map[int64]struct{})}
}

func (w *watermark) reset(v int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.value = v
	for seq := range w.pending {
		if seq <= v {
			delete(w.pending, seq)
		}
	}
	for {
		if _, ok := w.pending[w.value+1]; !ok {
			break
		}
		delete(w.pending, w.value+1)
		w.value++
	}
}

func (w *watermark) load() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

func (w *watermark) mark(seq int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.value {
		return w.value
	}
	w.pending[seq] = struct{}{}
	for {
		if _, ok := w.pending[w.value+1]; !ok {
			break
		}
		delete(w.pending, w.value+1)
		w.value++
	}
	return w.value
}
