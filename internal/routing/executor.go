package routing

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPreparationDelay = 15 * time.Second
	NoPreparationDelay      = time.Duration(-1)
	DefaultIOTimeout        = 5 * time.Second
	previewLen              = 100
)

// Notification kinds.
const (
	KindResonance   = "resonance"
	KindGentle      = "gentle"
	KindPreparation = "breathing"
)

// Executor performs the side effects of a routing decision.
type Executor struct {
	store     DocumentStore
	notifier  Notifier
	impact    *ImpactAccumulator
	metrics   *Metrics
	prepDelay time.Duration
	ioTimeout time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewExecutor(s DocumentStore, n Notifier, impact *ImpactAccumulator, metrics *Metrics) *Executor {
	return &Executor{
		store:     s,
		notifier:  n,
		impact:    impact,
		metrics:   metrics,
		prepDelay: DefaultPreparationDelay,
		ioTimeout: DefaultIOTimeout,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Execute runs one decision. A store failure is returned; notification
// failures are only logged.
func (e *Executor) Execute(ctx context.Context, msg Message, d Decision) error {
	ctx, span := tracer.Start(ctx, "Executor.Execute", trace.WithAttributes(
		attribute.String("recipient.id", d.RecipientID),
		attribute.String("tier", string(d.Tier)),
	))
	defer span.End()

	var err error
	switch d.Tier {
	case TierImmediate:
		err = e.deliverImmediate(ctx, msg, d)
	case TierGentle:
		_, err = e.deliverGentle(ctx, msg, d, "")
	case TierQueued:
		err = e.enqueue(ctx, msg, d, StatusQueued)
	case TierSilent:
		err = e.enqueue(ctx, msg, d, StatusSilentQueued)
	default:
		err = fmt.Errorf("unknown tier %q", d.Tier)
	}
	e.metrics.delivery(d.Tier, err)
	if err != nil {
		spanError(span, err)
	}
	return err
}

func (e *Executor) deliverImmediate(ctx context.Context, msg Message, d Decision) error {
	if _, err := e.persistDelivery(ctx, msg, d, TierImmediate, ""); err != nil {
		return err
	}

	e.notify(ctx, d.RecipientID, Notification{
		Kind:      KindResonance,
		MessageID: msg.ID,
		Title:     messageTitle(msg),
		Body:      preview(msg.Content),
		Tags:      d.Enhancements,
		Extras: map[string]any{
			"coherenceBoost": true,
			"soundProfile":   "harmonic",
			"visualPulse":    true,
		},
	})

	e.recordContribution(ctx, msg, d)
	return nil
}

// deliverGentle optionally prepares the recipient, waits, and then
// delivers. The wait blocks only the calling goroutine.
func (e *Executor) deliverGentle(ctx context.Context, msg Message, d Decision, queueEntryID string) (string, error) {
	if hasTag(d.Enhancements, TagBreathingReminder) {
		e.notify(ctx, d.RecipientID, Notification{
			Kind:      KindPreparation,
			MessageID: msg.ID,
			Title:     "Message arriving",
			Body:      "Sacred message arriving. Take three deep breaths...",
			Extras:    map[string]any{"durationMs": e.prepDelay.Milliseconds()},
		})
		if err := e.sleep(ctx, e.prepDelay); err != nil {
			return "", fmt.Errorf("preparation wait: %w", err)
		}
	}

	id, err := e.persistDelivery(ctx, msg, d, TierGentle, queueEntryID)
	if err != nil {
		return "", err
	}

	e.notify(ctx, d.RecipientID, Notification{
		Kind:      KindGentle,
		MessageID: msg.ID,
		Title:     messageTitle(msg),
		Body:      preview(msg.Content),
		Tags:      d.Enhancements,
		Extras: map[string]any{
			"soundProfile":     "soft-chime",
			"fadeIn":           true,
			"vibrationPattern": []int{100, 200, 100},
			"urgent":           d.Urgent,
		},
	})
	return id, nil
}

func (e *Executor) enqueue(ctx context.Context, msg Message, d Decision, status string) error {
	entry := QueueEntry{
		Message:              msg,
		RecipientID:          d.RecipientID,
		Reason:               d.Reason,
		Status:               status,
		ScheduledForMs:       d.ScheduledFor.UnixMilli(),
		QueuedAtMs:           e.now().UnixMilli(),
		PreparationSuggested: d.PreparationSuggested,
		NotifyOnDelivery:     status == StatusQueued,
	}

	ioCtx, cancel := context.WithTimeout(ctx, e.ioTimeout)
	defer cancel()
	id, err := e.store.Insert(ioCtx, CollectionQueue, entry)
	if err != nil {
		return fmt.Errorf("queue %s: %w", status, err)
	}
	log.Printf("[executor] %s message %s for %s until %s (entry %s)",
		status, msg.ID, d.RecipientID, d.ScheduledFor.Format(time.RFC3339), id)
	return nil
}

func (e *Executor) persistDelivery(ctx context.Context, msg Message, d Decision, method Tier, queueEntryID string) (string, error) {
	rec := DeliveryRecord{
		Message:        msg,
		RecipientID:    d.RecipientID,
		DeliveredAtMs:  e.now().UnixMilli(),
		Method:         method,
		RecipientScore: d.Score,
		Enhancements:   d.Enhancements,
		QueueEntryID:   queueEntryID,
	}

	ioCtx, cancel := context.WithTimeout(ctx, e.ioTimeout)
	defer cancel()
	id, err := e.store.Insert(ioCtx, CollectionMessages, rec)
	if err != nil {
		return "", fmt.Errorf("persist %s delivery: %w", method, err)
	}
	return id, nil
}

func (e *Executor) notify(ctx context.Context, recipientID string, n Notification) {
	if e.notifier == nil {
		return
	}
	ioCtx, cancel := context.WithTimeout(ctx, e.ioTimeout)
	defer cancel()
	if err := e.notifier.Send(ioCtx, recipientID, n); err != nil {
		e.metrics.notifyFailed(n.Kind)
		log.Printf("[executor] %s notification to %s failed: %v", n.Kind, recipientID, err)
	}
}

func (e *Executor) recordContribution(ctx context.Context, msg Message, d Decision) {
	c := FieldContribution{
		RecipientID: d.RecipientID,
		MessageID:   msg.ID,
		Method:      d.Tier,
		Category:    msg.Category,
		Impact:      e.impact.Base(msg.Category),
		TimestampMs: e.now().UnixMilli(),
	}
	ioCtx, cancel := context.WithTimeout(ctx, e.ioTimeout)
	defer cancel()
	if _, err := e.store.Insert(ioCtx, CollectionContributions, c); err != nil {
		log.Printf("[executor] field contribution for %s failed: %v", d.RecipientID, err)
	}
}

func messageTitle(msg Message) string {
	if msg.Title != "" {
		return msg.Title
	}
	return "Sacred Message"
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLen {
		return content
	}
	return string(r[:previewLen])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
