package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/attune/internal/bus"
	"github.com/stellarlinkco/attune/internal/channel"
	"github.com/stellarlinkco/attune/internal/config"
	"github.com/stellarlinkco/attune/internal/cron"
	"github.com/stellarlinkco/attune/internal/routing"
)

const (
	sweepJobName  = "queue-sweep"
	sweepTask     = "sweep"
	shutdownGrace = 10 * time.Second

	maxInflightRoutes = 64
)

// Options for creating a Gateway
type Options struct {
	SignalChan    chan os.Signal // for testing signal handling
	CronStorePath string
	Listener      net.Listener
	TraceWriter   io.Writer // stdout exporter target; defaults to os.Stdout
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	channels   *channel.ChannelManager
	engine     *Engine
	cron       *cron.Service
	registry   *prometheus.Registry
	server     *http.Server
	listener   net.Listener
	signalChan chan os.Signal // for testing

	shutdownTracing func(context.Context) error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		registry:   prometheus.NewRegistry(),
		listener:   opts.Listener,
		signalChan: opts.SignalChan,
	}
	g.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	notifyChannels, err := chMgr.NotifyChannels(cfg.Notify.Channels)
	if err != nil {
		return nil, err
	}
	if len(notifyChannels) == 0 {
		log.Printf("[gateway] warning: no notification channels enabled")
	}

	engine, err := NewEngine(cfg, channel.NewNotifier(g.bus, notifyChannels), g.registry)
	if err != nil {
		return nil, err
	}
	g.engine = engine

	cronStorePath := opts.CronStorePath
	if cronStorePath == "" {
		cronStorePath = config.CronStorePath()
	}
	g.cron = cron.NewService(cronStorePath)
	g.cron.Handle(sweepTask, func(ctx context.Context) (string, error) {
		report, err := g.engine.Sweeper.Sweep(ctx)
		if err != nil {
			return "", err
		}
		return report.String(), nil
	})

	api := NewAPI(engine.Store, engine.Router, engine.Sweeper).
		WithMetrics(promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	if webui := chMgr.WebUI(); webui != nil {
		api.WithWebUI(webui)
	}

	gin.SetMode(gin.ReleaseMode)
	g.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownTracing, err := setupTracing(cfg.Tracing, opts.TraceWriter)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	g.shutdownTracing = shutdownTracing

	return g, nil
}

// Engine exposes the router and store (for tests and CLI status).
func (g *Gateway) Engine() *Engine {
	return g.engine
}

func (g *Gateway) ensureSweepJob() error {
	jobs := g.cron.ListJobs()
	if !g.cfg.Sweep.Enabled {
		for _, job := range jobs {
			if job.Name == sweepJobName && job.Enabled {
				if _, err := g.cron.EnableJob(job.ID, false); err != nil {
					return err
				}
			}
		}
		return nil
	}
	interval := config.Duration(g.cfg.Sweep.Interval, time.Minute)
	_, err := g.cron.EnsureJob(sweepJobName, cron.Every(interval), cron.Payload{Task: sweepTask})
	return err
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureSweepJob(); err != nil {
		log.Printf("[gateway] ensure sweep job warning: %v", err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		g.processLoop(ctx)
	}()

	ln := g.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", g.server.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", g.server.Addr, err)
		}
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	log.Printf("[gateway] running on %s", ln.Addr())

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-serveErr:
		log.Printf("[gateway] http server error: %v", err)
		cancel()
		g.awaitInbound(loopDone)
		_ = g.Shutdown()
		return err
	}

	log.Printf("[gateway] shutting down...")
	cancel()
	g.awaitInbound(loopDone)
	return g.Shutdown()
}

// processLoop serves requests arriving from chat channels: route requests
// from the websocket, pulse and presence reports from any channel. Route
// requests run concurrently so reports are never stuck behind them.
func (g *Gateway) processLoop(ctx context.Context) {
	var routes errgroup.Group
	routes.SetLimit(maxInflightRoutes)
	defer func() { _ = routes.Wait() }()

	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] %s from %s/%s", msg.Kind, msg.Channel, msg.SenderID)
			if msg.Kind == bus.KindRoute {
				// a gentle route waits out the preparation delay
				routes.Go(func() error {
					g.serve(ctx, msg)
					return nil
				})
				continue
			}
			g.serve(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) serve(ctx context.Context, msg bus.InboundMessage) {
	reply := g.handleInbound(ctx, msg)
	if reply == "" {
		return
	}
	requestID, _ := msg.Metadata["requestId"].(string)
	err := g.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		ReplyTo: requestID,
		Content: reply,
	})
	if err != nil {
		log.Printf("[gateway] reply to %s/%s dropped: %v", msg.Channel, msg.ChatID, err)
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) string {
	st := g.engine.Store
	now := g.engine.Router.Now()

	switch msg.Kind {
	case bus.KindRoute:
		var m routing.Message
		if err := json.Unmarshal([]byte(msg.Content), &m); err != nil {
			return errorReply(fmt.Errorf("decode message: %w", err))
		}
		result, err := g.engine.Router.RouteMessage(ctx, m)
		if err != nil {
			return errorReply(err)
		}
		data, _ := json.Marshal(result)
		return string(data)

	case bus.KindPulse:
		v, trend, err := parsePulseCommand(msg.Content)
		if err == nil {
			err = recordPulse(ctx, st, msg.RecipientID, &v, trend, now)
		}
		if err != nil {
			return errorReply(err)
		}
		return fmt.Sprintf("pulse %.2f recorded for %s", v, msg.RecipientID)

	case bus.KindPresence:
		if err := recordPresence(ctx, st, msg.RecipientID, msg.Content, now); err != nil {
			return errorReply(err)
		}
		return fmt.Sprintf("presence %q recorded for %s", msg.Content, msg.RecipientID)

	default:
		log.Printf("[gateway] unknown inbound kind %q", msg.Kind)
		return ""
	}
}

func errorReply(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

// awaitInbound lets in-flight route requests finish before the engine closes.
func (g *Gateway) awaitInbound(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Printf("[gateway] in-flight requests still running after %s", shutdownGrace)
	}
}

func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := g.server.Shutdown(ctx); err != nil {
		log.Printf("[gateway] http shutdown warning: %v", err)
	}
	g.cron.Stop()
	_ = g.channels.StopAll()
	if err := g.engine.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	if err := g.shutdownTracing(ctx); err != nil {
		log.Printf("[gateway] tracing shutdown warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}
