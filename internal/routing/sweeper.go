package routing

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/attune/internal/store"
)

type CapPolicy string

const (
	// CapDeliver delivers gently once the requeue cap is exceeded.
	CapDeliver CapPolicy = "deliver"
	// CapExpire marks the entry expired once the requeue cap is exceeded.
	CapExpire CapPolicy = "expire"
)

const DefaultMaxRequeue = 10

// Sweep outcomes.
const (
	outcomeDelivered = "delivered"
	outcomeRequeued  = "requeued"
	outcomeExpired   = "expired"
	outcomeCapped    = "capped"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

type SweepOptions struct {
	MaxRequeue     int
	CapPolicy      CapPolicy
	IncludeSilent  bool
	MaxConcurrency int
}

type SweepReport struct {
	Due       int `json:"due"`
	Delivered int `json:"delivered"`
	Requeued  int `json:"requeued"`
	Expired   int `json:"expired"`
	Failed    int `json:"failed"`
	// Skipped counts entries another sweep claimed or changed first.
	Skipped int `json:"skipped,omitempty"`
}

func (r SweepReport) String() string {
	out := fmt.Sprintf("due=%d delivered=%d requeued=%d expired=%d failed=%d",
		r.Due, r.Delivered, r.Requeued, r.Expired, r.Failed)
	if r.Skipped > 0 {
		out += fmt.Sprintf(" skipped=%d", r.Skipped)
	}
	return out
}

// Sweeper re-evaluates due queue entries against current recipient state.
// Entries are claimed with conditional updates, so concurrent sweeps (cron,
// API, CLI) never handle the same entry twice.
type Sweeper struct {
	router *Router
	opts   SweepOptions
	// claims older than lease belong to a sweep that died mid-delivery
	lease time.Duration
}

func NewSweeper(r *Router, opts SweepOptions) *Sweeper {
	if opts.MaxRequeue <= 0 {
		opts.MaxRequeue = DefaultMaxRequeue
	}
	if opts.CapPolicy == "" {
		opts.CapPolicy = CapDeliver
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = r.limit
	}
	lease := r.executor.prepDelay + 2*r.ioTimeout + time.Minute
	return &Sweeper{router: r, opts: opts, lease: lease}
}

// Sweep processes every due entry as an independent unit. Entries not yet
// due are never touched. Only a failure to list the queue is returned.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "Sweeper.Sweep")
	defer span.End()

	entries, err := s.dueEntries(ctx)
	if err != nil {
		spanError(span, err)
		return SweepReport{}, err
	}

	report := SweepReport{Due: len(entries)}
	outcomes := make([]string, len(entries))
	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrency)
	for i, entry := range entries {
		g.Go(func() error {
			outcome, err := s.processEntry(ctx, entry)
			if err != nil {
				log.Printf("[sweep] entry %s for %s: %v", entry.ID, entry.RecipientID, err)
				outcome = outcomeFailed
			}
			outcomes[i] = outcome
			s.router.metrics.sweep(outcome)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeDelivered, outcomeCapped:
			report.Delivered++
		case outcomeRequeued:
			report.Requeued++
		case outcomeExpired:
			report.Expired++
		case outcomeFailed:
			report.Failed++
		case outcomeSkipped:
			report.Skipped++
		}
	}
	span.SetAttributes(
		attribute.Int("sweep.due", report.Due),
		attribute.Int("sweep.delivered", report.Delivered),
		attribute.Int("sweep.requeued", report.Requeued),
		attribute.Int("sweep.expired", report.Expired),
		attribute.Int("sweep.failed", report.Failed),
		attribute.Int("sweep.skipped", report.Skipped),
	)
	if report.Due > 0 {
		log.Printf("[sweep] %s", report)
	}
	return report, nil
}

func (s *Sweeper) dueEntries(ctx context.Context) ([]QueueEntry, error) {
	statuses := []string{StatusQueued}
	if s.opts.IncludeSilent {
		statuses = append(statuses, StatusSilentQueued)
	}
	now := s.router.now().UnixMilli()

	queries := make([][]store.Filter, 0, len(statuses)+1)
	for _, status := range statuses {
		queries = append(queries, []store.Filter{
			store.Eq("status", status),
			store.Lte("scheduledForMs", now),
		})
	}
	queries = append(queries, []store.Filter{
		store.Eq("status", StatusDelivering),
		store.Lte("claimedAtMs", now-s.lease.Milliseconds()),
	})

	var entries []QueueEntry
	for _, filters := range queries {
		ioCtx, cancel := context.WithTimeout(ctx, s.router.ioTimeout)
		docs, err := s.router.store.Query(ioCtx, CollectionQueue, filters...)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("list %v entries: %w", filters[0].Value, err)
		}
		for _, d := range docs {
			var e QueueEntry
			if err := d.Decode(&e); err != nil {
				log.Printf("[sweep] skipping malformed entry %s: %v", d.ID, err)
				continue
			}
			e.ID = d.ID
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *Sweeper) processEntry(ctx context.Context, entry QueueEntry) (string, error) {
	if entry.Status == StatusDelivering {
		if entry.ClaimedFrom == "" {
			entry.ClaimedFrom = StatusQueued
		}
		released, err := s.releaseStale(ctx, entry)
		if err != nil || !released {
			return outcomeSkipped, err
		}
		entry.Status = entry.ClaimedFrom
	}

	state := s.router.fetchState(ctx, entry.RecipientID)

	if state.Score >= state.Preferences.CoherenceThreshold {
		return s.deliver(ctx, entry, state, "queue drain", outcomeDelivered)
	}

	if entry.RequeueCount+1 > s.opts.MaxRequeue {
		switch s.opts.CapPolicy {
		case CapExpire:
			ok, err := s.updateIf(ctx, entry, map[string]any{"status": StatusExpired})
			if err != nil || !ok {
				return outcomeSkipped, err
			}
			log.Printf("[sweep] entry %s for %s expired after %d requeues", entry.ID, entry.RecipientID, entry.RequeueCount)
			return outcomeExpired, nil
		default:
			return s.deliver(ctx, entry, state, "requeue cap", outcomeCapped)
		}
	}

	next := s.router.windows.FindOptimalTime(ctx, state)
	ok, err := s.updateIf(ctx, entry, map[string]any{
		"scheduledForMs": next.UnixMilli(),
		"requeueCount":   entry.RequeueCount + 1,
	})
	if err != nil || !ok {
		return outcomeSkipped, err
	}
	return outcomeRequeued, nil
}

// deliver claims the entry, delivers it gently and marks it delivered. A
// failed delivery releases the claim so a later sweep retries it.
func (s *Sweeper) deliver(ctx context.Context, entry QueueEntry, state RecipientState, reason, outcome string) (string, error) {
	claimed, err := s.updateIf(ctx, entry, map[string]any{
		"status":      StatusDelivering,
		"claimedAtMs": s.router.now().UnixMilli(),
		"claimedFrom": entry.Status,
	})
	if err != nil {
		return "", err
	}
	if !claimed {
		return outcomeSkipped, nil
	}

	d := Decision{
		RecipientID:  entry.RecipientID,
		Tier:         TierGentle,
		Reason:       reason,
		Score:        state.Score,
		Enhancements: cloneTags(gentleEnhancements),
	}
	ex := s.router.executor
	if entry.NotifyOnDelivery {
		_, err = ex.deliverGentle(ctx, entry.Message, d, entry.ID)
	} else {
		_, err = ex.persistDelivery(ctx, entry.Message, d, TierGentle, entry.ID)
	}
	ex.metrics.delivery(TierGentle, err)
	if err != nil {
		if rerr := s.update(ctx, entry.ID, map[string]any{
			"status":      entry.Status,
			"claimedAtMs": nil,
			"claimedFrom": nil,
		}); rerr != nil {
			log.Printf("[sweep] release entry %s: %v", entry.ID, rerr)
		}
		return "", err
	}
	if err := s.update(ctx, entry.ID, map[string]any{
		"status":        StatusDelivered,
		"deliveredAtMs": s.router.now().UnixMilli(),
	}); err != nil {
		return "", err
	}
	return outcome, nil
}

// releaseStale returns an expired claim to the status it was claimed from.
func (s *Sweeper) releaseStale(ctx context.Context, entry QueueEntry) (bool, error) {
	ioCtx, cancel := context.WithTimeout(ctx, s.router.ioTimeout)
	defer cancel()
	ok, err := s.router.store.UpdateIf(ioCtx, CollectionQueue, entry.ID,
		map[string]any{"status": entry.ClaimedFrom, "claimedAtMs": nil, "claimedFrom": nil},
		store.Eq("status", StatusDelivering),
		store.Eq("claimedAtMs", entry.ClaimedAtMs),
	)
	if ok {
		log.Printf("[sweep] released stale claim on entry %s for %s", entry.ID, entry.RecipientID)
	}
	return ok, err
}

// updateIf patches the entry only if no other sweep changed it since it
// was listed.
func (s *Sweeper) updateIf(ctx context.Context, entry QueueEntry, patch map[string]any) (bool, error) {
	ioCtx, cancel := context.WithTimeout(ctx, s.router.ioTimeout)
	defer cancel()
	return s.router.store.UpdateIf(ioCtx, CollectionQueue, entry.ID, patch,
		store.Eq("status", entry.Status),
		store.Eq("requeueCount", entry.RequeueCount),
	)
}

func (s *Sweeper) update(ctx context.Context, id string, patch map[string]any) error {
	ioCtx, cancel := context.WithTimeout(ctx, s.router.ioTimeout)
	defer cancel()
	return s.router.store.Update(ioCtx, CollectionQueue, id, patch)
}
