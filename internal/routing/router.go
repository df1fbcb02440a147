package routing

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxConcurrency = 16

// Options tunes the router. Zero values fall back to the defaults; a
// negative PreparationDelay (NoPreparationDelay) disables the wait.
type Options struct {
	Location         *time.Location
	LowThreshold     float64
	HighThreshold    float64
	SilentActivities map[string]time.Duration
	PreparationDelay time.Duration
	IOTimeout        time.Duration
	HistoryWindow    time.Duration
	MaxConcurrency   int
	CategoryWeights  map[string]float64
}

func DefaultOptions() Options {
	return Options{
		Location:         time.Local,
		LowThreshold:     DefaultLowThreshold,
		HighThreshold:    DefaultHighThreshold,
		SilentActivities: DefaultSilentActivities(),
		PreparationDelay: DefaultPreparationDelay,
		IOTimeout:        DefaultIOTimeout,
		HistoryWindow:    DefaultHistoryWindow,
		MaxConcurrency:   DefaultMaxConcurrency,
		CategoryWeights:  DefaultCategoryWeights(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Location == nil {
		o.Location = d.Location
	}
	if o.LowThreshold <= 0 {
		o.LowThreshold = d.LowThreshold
	}
	if o.HighThreshold <= 0 {
		o.HighThreshold = d.HighThreshold
	}
	if o.SilentActivities == nil {
		o.SilentActivities = d.SilentActivities
	}
	switch {
	case o.PreparationDelay == 0:
		o.PreparationDelay = d.PreparationDelay
	case o.PreparationDelay < 0:
		o.PreparationDelay = NoPreparationDelay
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = d.IOTimeout
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = d.HistoryWindow
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	if o.CategoryWeights == nil {
		o.CategoryWeights = d.CategoryWeights
	}
	return o
}

// Deps are the router's collaborators. States and Sessions default to
// store-backed implementations.
type Deps struct {
	Store    DocumentStore
	Notifier Notifier
	States   StateProvider
	Sessions SessionSource
	Metrics  *Metrics
}

// Router is the entry point: it classifies recipients and runs each
// recipient's delivery independently.
type Router struct {
	store     DocumentStore
	states    StateProvider
	analyzer  *PatternAnalyzer
	windows   *WindowPlanner
	planner   *Planner
	executor  *Executor
	impact    *ImpactAccumulator
	metrics   *Metrics
	validate  *validator.Validate
	ioTimeout time.Duration
	limit     int
	now       func() time.Time
}

func NewRouter(deps Deps, opts Options) *Router {
	opts = opts.withDefaults()

	states := deps.States
	if states == nil {
		states = NewStoreStateProvider(deps.Store)
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewStoreSessionSource(deps.Store)
	}

	analyzer := NewPatternAnalyzer(sessions, opts.Location)
	analyzer.window = opts.HistoryWindow
	analyzer.timeout = opts.IOTimeout

	windows := NewWindowPlanner(analyzer, opts.Location)

	planner := NewPlanner(windows)
	planner.low = opts.LowThreshold
	planner.high = opts.HighThreshold
	planner.silent = opts.SilentActivities

	impact := NewImpactAccumulator(opts.CategoryWeights)

	executor := NewExecutor(deps.Store, deps.Notifier, impact, deps.Metrics)
	executor.prepDelay = max(opts.PreparationDelay, 0)
	executor.ioTimeout = opts.IOTimeout

	return &Router{
		store:     deps.Store,
		states:    states,
		analyzer:  analyzer,
		windows:   windows,
		planner:   planner,
		executor:  executor,
		impact:    impact,
		metrics:   deps.Metrics,
		validate:  validator.New(),
		ioTimeout: opts.IOTimeout,
		limit:     opts.MaxConcurrency,
		now:       time.Now,
	}
}

// SetClock replaces the time source of every component.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
	r.windows.now = now
	r.planner.now = now
	r.executor.now = now
	if sp, ok := r.states.(*StoreStateProvider); ok {
		sp.now = now
	}
}

// Now reports the router's current time.
func (r *Router) Now() time.Time {
	return r.now()
}

// State returns the recipient state a routing decision would see.
func (r *Router) State(ctx context.Context, recipientID string) RecipientState {
	return r.fetchState(ctx, recipientID)
}

// RouteMessage plans and delivers msg. Per-recipient failures are
// reported in Result.Failures; only an invalid message fails the call.
func (r *Router) RouteMessage(ctx context.Context, msg Message) (Result, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "Router.RouteMessage")
	defer span.End()

	msg = r.prepare(msg)
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.priority", string(msg.Priority)),
		attribute.Int("message.recipients", len(msg.Recipients)),
	)
	if err := r.validate.Struct(msg); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		spanError(span, err)
		return Result{}, err
	}

	states := r.fetchStates(ctx, msg.Recipients)
	plan := r.planner.BuildPlan(ctx, msg, states)
	decisions := plan.All()
	for _, d := range decisions {
		r.metrics.decision(d)
	}

	// deliveries run to completion even if the caller goes away
	execCtx := context.WithoutCancel(ctx)
	errs := make([]error, len(decisions))
	var g errgroup.Group
	g.SetLimit(r.limit)
	for i, d := range decisions {
		g.Go(func() error {
			errs[i] = r.executor.Execute(execCtx, msg, d)
			return nil
		})
	}
	_ = g.Wait()

	result := Result{MessageID: msg.ID}
	var delivered Plan
	for i, d := range decisions {
		if errs[i] != nil {
			log.Printf("[router] %s to %s failed: %v", d.Tier, d.RecipientID, errs[i])
			result.Failures = append(result.Failures, RecipientError{RecipientID: d.RecipientID, Tier: d.Tier, Err: errs[i]})
			continue
		}
		switch d.Tier {
		case TierImmediate, TierGentle:
			result.Delivered++
			delivered.add(d)
		case TierQueued, TierSilent:
			result.Queued++
		}
	}
	result.FieldImpact = r.impact.Compute(msg, result.Delivered, delivered)
	span.SetAttributes(
		attribute.Int("route.delivered", result.Delivered),
		attribute.Int("route.queued", result.Queued),
		attribute.Int("route.failed", len(result.Failures)),
		attribute.Float64("route.field_impact", result.FieldImpact),
	)

	r.metrics.routed(result.FieldImpact, time.Since(started).Seconds())
	log.Printf("[router] message %s: delivered=%d queued=%d failed=%d impact=%.4f",
		msg.ID, result.Delivered, result.Queued, len(result.Failures), result.FieldImpact)
	return result, nil
}

// Plan classifies msg's recipients without executing anything.
func (r *Router) Plan(ctx context.Context, msg Message) (Plan, error) {
	msg = r.prepare(msg)
	if err := r.validate.Struct(msg); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return r.planner.BuildPlan(ctx, msg, r.fetchStates(ctx, msg.Recipients)), nil
}

func (r *Router) prepare(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAtMs == 0 {
		msg.CreatedAtMs = r.now().UnixMilli()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	seen := make(map[string]bool, len(msg.Recipients))
	recipients := make([]string, 0, len(msg.Recipients))
	for _, id := range msg.Recipients {
		id = strings.TrimSpace(id)
		if id != "" && seen[id] {
			continue
		}
		seen[id] = true
		recipients = append(recipients, id)
	}
	msg.Recipients = recipients
	return msg
}

func (r *Router) fetchStates(ctx context.Context, recipients []string) []RecipientState {
	states := make([]RecipientState, len(recipients))
	var g errgroup.Group
	g.SetLimit(r.limit)
	for i, id := range recipients {
		g.Go(func() error {
			states[i] = r.fetchState(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return states
}

// fetchState never fails: an unavailable state degrades to defaults.
func (r *Router) fetchState(ctx context.Context, recipientID string) RecipientState {
	ioCtx, cancel := context.WithTimeout(ctx, r.ioTimeout)
	defer cancel()
	st, err := r.states.GetState(ioCtx, recipientID)
	if err != nil {
		log.Printf("[router] state for %s unavailable, using defaults: %v", recipientID, err)
		return DefaultState(recipientID)
	}
	st.RecipientID = recipientID
	return normalizeState(st)
}
