package intake

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/metrics"
	"call-intake/internal/telephony"
	"call-intake/internal/tenant"
	"call-intake/pkg/logger"
)

const (
	// DefaultLookback bounds the first poll of an account without a cursor.
	DefaultLookback = 24 * time.Hour
	// cursorOverlap re-reads the tail of the previous window; BulkSeen drops repeats.
	cursorOverlap = 30 * time.Minute
)

// PollWorker polls one provider for every active account on a fixed interval.
// Accounts are polled sequentially and calls in ascending start order.
type PollWorker struct {
	provider calls.Provider
	intake   *Intake
	cursors  CursorStore
	locker   Locker
	interval time.Duration
	lookback time.Duration
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

type PollOption func(*PollWorker)

func WithLocker(l Locker) PollOption {
	return func(w *PollWorker) {
		if l != nil {
			w.locker = l
		}
	}
}

func WithLookback(d time.Duration) PollOption {
	return func(w *PollWorker) {
		if d > 0 {
			w.lookback = d
		}
	}
}

func WithPollClock(clock func() time.Time) PollOption {
	return func(w *PollWorker) { w.clock = clock }
}

func NewPollWorker(provider calls.Provider, in *Intake, cursors CursorStore, interval time.Duration, opts ...PollOption) *PollWorker {
	w := &PollWorker{
		provider: provider,
		intake:   in,
		cursors:  cursors,
		locker:   newLocalLocker(),
		interval: interval,
		lookback: DefaultLookback,
		clock:    time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *PollWorker) lockKey() string { return "poll:lock:" + string(w.provider) }

// Run polls immediately and then on every tick until ctx is done.
func (w *PollWorker) Run(ctx context.Context) {
	ctx, log := logger.WithAttrs(ctx, "worker", "poll", "provider", w.provider)
	log.Info("poll worker started", "interval", w.interval)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		if err := w.RunOnce(ctx); err != nil {
			log.Error("poll run failed", "err", err)
		}
		select {
		case <-ctx.Done():
			log.Info("poll worker stopped")
			return
		case <-t.C:
		}
	}
}

// RunOnce polls every active account of the provider once.
func (w *PollWorker) RunOnce(ctx context.Context) error {
	start := time.Now()
	unlock, ok, err := w.locker.TryLock(ctx, w.lockKey(), w.interval)
	if err != nil {
		metrics.PollRuns.WithLabelValues(string(w.provider), "error").Inc()
		return fmt.Errorf("poll lock: %w", err)
	}
	if !ok {
		metrics.PollRuns.WithLabelValues(string(w.provider), "locked").Inc()
		logger.From(ctx).Debug("poll run skipped, lock held elsewhere")
		return nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.From(ctx).Warn("poll lock release failed", "err", err)
		}
	}()

	integs, err := w.intake.dir.Integrations(ctx, w.provider)
	if err != nil {
		metrics.PollRuns.WithLabelValues(string(w.provider), "error").Inc()
		return fmt.Errorf("list integrations: %w", err)
	}
	for _, integ := range integs {
		if ctx.Err() != nil {
			break
		}
		if err := w.pollAccount(ctx, integ); err != nil {
			logger.From(ctx).Error("account poll failed", "account_id", integ.AccountID, "err", err)
		}
	}
	metrics.PollRuns.WithLabelValues(string(w.provider), "ok").Inc()
	metrics.PollDuration.WithLabelValues(string(w.provider)).Observe(time.Since(start).Seconds())
	return ctx.Err()
}

type polled struct {
	raw  calls.RawCall
	call calls.NormalizedCall
}

func (w *PollWorker) pollAccount(ctx context.Context, integ tenant.Integration) error {
	ctx, log := logger.WithAttrs(ctx, "account_id", integ.AccountID)

	adapter, err := w.intake.registry.New(integ, w.intake.deps)
	if err != nil {
		return err
	}
	poller, ok := adapter.(telephony.Poller)
	if !ok {
		return fmt.Errorf("%w: %s does not poll", telephony.ErrConfig, w.provider)
	}

	now := w.clock().UTC()
	since, found, err := w.cursors.Get(ctx, w.provider, integ.AccountID)
	if err != nil {
		return err
	}
	if !found {
		since = now.Add(-w.lookback)
	}

	raws, err := poller.FetchCalls(ctx, since)
	if err != nil {
		// Provider outages must not stop the loop; the cursor stays put.
		log.Warn("fetch calls failed", "since", since, "err", err)
		return nil
	}

	batch := make([]polled, 0, len(raws))
	for _, raw := range raws {
		raw.Route = calls.RoutePoll
		raw.AccountID = integ.AccountID
		c, err := adapter.Normalize(raw)
		if errors.Is(err, telephony.ErrSkip) {
			continue
		}
		if err != nil {
			log.Warn("poll record not normalized", "err", err)
			continue
		}
		batch = append(batch, polled{raw: raw, call: c})
	}
	slices.SortStableFunc(batch, func(a, b polled) int {
		return cmp.Compare(a.call.StartedAt.UnixNano(), b.call.StartedAt.UnixNano())
	})

	ids := make([]string, 0, len(batch))
	for _, p := range batch {
		ids = append(ids, p.call.ProviderCallID)
	}
	seen, err := w.intake.attempts.BulkSeen(ctx, w.provider, ids)
	if err != nil {
		return err
	}

	fresh := 0
	for _, p := range batch {
		if _, dup := seen[p.call.ProviderCallID]; dup {
			continue
		}
		// A single fetch may list the same call twice.
		seen[p.call.ProviderCallID] = struct{}{}
		fresh++
		metrics.CallsReceived.WithLabelValues(string(w.provider), string(calls.RoutePoll)).Inc()
		if _, err := w.intake.Process(ctx, Item{Raw: p.raw, adapter: adapter}); err != nil {
			log.Warn("polled call failed", "call_id", p.call.ProviderCallID, "err", err)
		}
	}

	next := now.Add(-cursorOverlap)
	if next.Before(since) {
		next = since
	}
	if err := w.cursors.Set(ctx, w.provider, integ.AccountID, next); err != nil {
		return err
	}
	log.Info("account polled", "fetched", len(raws), "fresh", fresh, "since", since)
	return nil
}
