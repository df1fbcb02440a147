package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellarlinkco/attune/internal/config"
	"github.com/stellarlinkco/attune/internal/routing"
	"github.com/stellarlinkco/attune/internal/store"
)

// Engine bundles the store-backed router and sweeper. The gateway and the
// one-shot CLI commands both build one.
type Engine struct {
	Store   *store.SQLite
	Router  *routing.Router
	Sweeper *routing.Sweeper
	Metrics *routing.Metrics
}

func NewEngine(cfg *config.Config, notifier routing.Notifier, reg prometheus.Registerer) (*Engine, error) {
	opts, err := RouterOptions(cfg.Router)
	if err != nil {
		return nil, err
	}

	dbPath := strings.TrimSpace(cfg.Store.DBPath)
	if dbPath == "" {
		dbPath = config.DefaultDBPath()
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	metrics := routing.NewMetrics(reg)
	router := routing.NewRouter(routing.Deps{
		Store:    st,
		Notifier: notifier,
		Metrics:  metrics,
	}, opts)
	sweeper := routing.NewSweeper(router, SweepOptions(cfg.Sweep, cfg.Router.MaxConcurrency))

	return &Engine{Store: st, Router: router, Sweeper: sweeper, Metrics: metrics}, nil
}

func (e *Engine) Close() error {
	return e.Store.Close()
}

// RouterOptions converts the router config section; durations that fail
// to parse fall back to the routing defaults.
func RouterOptions(rc config.RouterConfig) (routing.Options, error) {
	loc, err := rc.Location()
	if err != nil {
		return routing.Options{}, err
	}

	opts := routing.Options{
		Location:         loc,
		LowThreshold:     rc.LowThreshold,
		HighThreshold:    rc.HighThreshold,
		PreparationDelay: preparationDelay(rc.PreparationDelay),
		IOTimeout:        config.Duration(rc.IOTimeout, routing.DefaultIOTimeout),
		MaxConcurrency:   rc.MaxConcurrency,
		CategoryWeights:  rc.CategoryWeights,
	}
	if rc.HistoryDays > 0 {
		opts.HistoryWindow = time.Duration(rc.HistoryDays) * 24 * time.Hour
	}
	if len(rc.SilentActivities) > 0 {
		opts.SilentActivities = make(map[string]time.Duration, len(rc.SilentActivities))
		for activity, estimate := range rc.SilentActivities {
			// an empty estimate defers to the next good window
			var d time.Duration
			if estimate != "" {
				d, err = time.ParseDuration(estimate)
				if err != nil {
					return routing.Options{}, fmt.Errorf("silent activity %q: %w", activity, err)
				}
			}
			opts.SilentActivities[activity] = d
		}
	}
	return opts, nil
}

// preparationDelay maps an explicit "0s" to no wait; empty or malformed
// values keep the default.
func preparationDelay(s string) time.Duration {
	d := config.Duration(s, routing.DefaultPreparationDelay)
	if d <= 0 {
		return routing.NoPreparationDelay
	}
	return d
}

func SweepOptions(sc config.SweepConfig, maxConcurrency int) routing.SweepOptions {
	return routing.SweepOptions{
		MaxRequeue:     sc.MaxRequeue,
		CapPolicy:      routing.CapPolicy(strings.ToLower(sc.CapPolicy)),
		IncludeSilent:  sc.IncludeSilent,
		MaxConcurrency: maxConcurrency,
	}
}
