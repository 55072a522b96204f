package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"call-intake/internal/audit"
	"call-intake/internal/ingest"
	"call-intake/internal/metrics"
	"call-intake/pkg/logger"
)

// RetryStats summarizes one retry pass.
type RetryStats struct {
	Expired   int
	Replayed  int
	Completed int
	NotReady  int
	Failed    int
}

// Retrier replays pending attempts through their original route until they
// complete or outlive the TTL.
type Retrier struct {
	intake   *Intake
	audit    *audit.Service
	locker   Locker
	interval time.Duration
}

func NewRetrier(in *Intake, auditSvc *audit.Service, interval time.Duration, locker Locker) *Retrier {
	if locker == nil {
		locker = newLocalLocker()
	}
	return &Retrier{intake: in, audit: auditSvc, locker: locker, interval: interval}
}

func (r *Retrier) Run(ctx context.Context) {
	ctx, log := logger.WithAttrs(ctx, "worker", "retry")
	log.Info("retry worker started", "interval", r.interval)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("retry worker stopped")
			return
		case <-t.C:
		}
		stats, err := r.RunOnce(ctx)
		if err != nil {
			log.Error("retry pass failed", "err", err)
			continue
		}
		log.Info("retry pass done",
			"expired", stats.Expired,
			"replayed", stats.Replayed,
			"completed", stats.Completed,
			"not_ready", stats.NotReady,
			"failed", stats.Failed,
		)
	}
}

// RunOnce expires stale attempts and replays the rest once each.
func (r *Retrier) RunOnce(ctx context.Context) (RetryStats, error) {
	var stats RetryStats
	unlock, ok, err := r.locker.TryLock(ctx, "retry:lock", r.interval)
	if err != nil {
		return stats, fmt.Errorf("retry lock: %w", err)
	}
	if !ok {
		return stats, nil
	}
	defer func() { _ = unlock(context.WithoutCancel(ctx)) }()

	live, expired, err := r.intake.attempts.ExpirePending(ctx)
	if err != nil {
		return stats, err
	}
	for _, a := range expired {
		stats.Expired++
		metrics.RetryAttempts.WithLabelValues("expired").Inc()
		r.logExpired(ctx, a)
		if _, err := r.intake.Expire(ctx, a); err != nil {
			logger.From(ctx).Error("expired attempt not closed", "provider", a.Provider, "call_id", a.ProviderCallID, "err", err)
		}
	}

	for _, a := range live {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Replayed++
		res, err := r.intake.Process(ctx, Item{Raw: a.Raw(), Replay: true, TaskID: a.TaskID, SeenAt: a.FirstSeenAt})
		switch {
		case res.Outcome == OutcomeNotReady:
			stats.NotReady++
		case err != nil:
			stats.Failed++
			// Bump is a no-op once the attempt left pending.
			if _, berr := r.intake.attempts.Bump(ctx, a.Provider, a.ProviderCallID); berr != nil {
				err = errors.Join(err, berr)
			}
			logger.From(ctx).Warn("retry failed",
				"provider", a.Provider,
				"call_id", a.ProviderCallID,
				"retry_count", a.RetryCount,
				"err", err,
			)
		case res.Outcome == OutcomeDownloadFailed:
			// Closed with a terminal task for the caller.
			stats.Failed++
		default:
			stats.Completed++
		}
		outcome := string(res.Outcome)
		if outcome == "" {
			outcome = "error"
		}
		metrics.RetryAttempts.WithLabelValues(outcome).Inc()
	}
	return stats, nil
}

func (r *Retrier) logExpired(ctx context.Context, a ingest.Attempt) {
	if r.audit == nil {
		return
	}
	md, _ := json.Marshal(map[string]any{
		"provider":      a.Provider,
		"retry_count":   a.RetryCount,
		"first_seen_at": a.FirstSeenAt,
	})
	if err := r.audit.LogAttemptExpired(ctx, a.AccountID, a.ProviderCallID, string(md)); err != nil {
		logger.From(ctx).Warn("audit append failed", "call_id", a.ProviderCallID, "err", err)
	}
}
