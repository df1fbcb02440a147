package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/attune/internal/bus"
	"github.com/stellarlinkco/attune/internal/channel"
	"github.com/stellarlinkco/attune/internal/config"
	"github.com/stellarlinkco/attune/internal/cron"
	"github.com/stellarlinkco/attune/internal/gateway"
	"github.com/stellarlinkco/attune/internal/routing"
	"github.com/stellarlinkco/attune/internal/store"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "attune",
		Short:         "attune - coherence-aware message routing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (HTTP API + channels + queue sweeper)",
		RunE:  runGateway,
	}

	var (
		messageFile string
		messageJSON string
		dryRun      bool
	)
	routeCmd := &cobra.Command{
		Use:   "route",
		Short: "Route one message and print the result",
		Long:  "Route one message (JSON) from -m, -f or stdin. Notifications are written to the log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(cmd, messageJSON, messageFile, dryRun)
		},
	}
	routeCmd.Flags().StringVarP(&messageJSON, "message", "m", "", "Message JSON")
	routeCmd.Flags().StringVarP(&messageFile, "file", "f", "", "Read message JSON from file (- for stdin)")
	routeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the routing plan without delivering")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-evaluate due queue entries once",
		RunE:  runSweep,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show config, queue and job status",
		RunE:  runStatus,
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config",
		RunE:  runOnboard,
	}

	root.AddCommand(gatewayCmd, routeCmd, sweepCmd, statusCmd, onboardCmd)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

// cliEngine builds an engine whose notifications go to the log channel.
// The returned flush stops dispatching and delivers anything still buffered.
func cliEngine(cfg *config.Config) (*gateway.Engine, func(), error) {
	b := bus.NewMessageBus(config.DefaultBufSize)
	if _, err := channel.NewChannelManager(config.ChannelsConfig{Log: config.LogConfig{Enabled: true}}, b); err != nil {
		return nil, nil, err
	}
	engine, err := gateway.NewEngine(cfg, channel.NewNotifier(b, []string{"log"}), prometheus.NewRegistry())
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(done)
	}()
	flush := func() {
		cancel()
		<-done
		b.Drain()
		_ = engine.Close()
	}
	return engine, flush, nil
}

func readMessage(in io.Reader, messageJSON, messageFile string) (routing.Message, error) {
	var data []byte
	switch {
	case messageJSON != "":
		data = []byte(messageJSON)
	case messageFile == "" || messageFile == "-":
		b, err := io.ReadAll(in)
		if err != nil {
			return routing.Message{}, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	default:
		b, err := os.ReadFile(messageFile)
		if err != nil {
			return routing.Message{}, fmt.Errorf("read message file: %w", err)
		}
		data = b
	}

	var msg routing.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return routing.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

func runRoute(cmd *cobra.Command, messageJSON, messageFile string, dryRun bool) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	msg, err := readMessage(cmd.InOrStdin(), messageJSON, messageFile)
	if err != nil {
		return err
	}

	engine, flush, err := cliEngine(cfg)
	if err != nil {
		return err
	}
	defer flush()

	var out any
	if dryRun {
		plan, err := engine.Router.Plan(cmd.Context(), msg)
		if err != nil {
			return err
		}
		out = plan.All()
	} else {
		result, err := engine.Router.RouteMessage(cmd.Context(), msg)
		if err != nil {
			return err
		}
		out = result
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	engine, flush, err := cliEngine(cfg)
	if err != nil {
		return err
	}
	defer flush()

	report, err := engine.Sweeper.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sweep: %s\n", report)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Fprintf(out, "Thresholds: low=%.2f high=%.2f\n", cfg.Router.LowThreshold, cfg.Router.HighThreshold)
	fmt.Fprintf(out, "Telegram: enabled=%v recipients=%d\n", cfg.Channels.Telegram.Enabled, len(cfg.Channels.Telegram.Recipients))
	fmt.Fprintf(out, "WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)
	fmt.Fprintf(out, "Tracing: exporter=%s\n", cfg.Tracing.Exporter)
	fmt.Fprintf(out, "Sweep: enabled=%v interval=%s maxRequeue=%d capPolicy=%s\n",
		cfg.Sweep.Enabled, cfg.Sweep.Interval, cfg.Sweep.MaxRequeue, cfg.Sweep.CapPolicy)

	dbPath := strings.TrimSpace(cfg.Store.DBPath)
	if dbPath == "" {
		dbPath = config.DefaultDBPath()
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(out, "Store: %s (not created yet)\n", dbPath)
	} else {
		st, err := store.Open(dbPath)
		if err != nil {
			fmt.Fprintf(out, "Store: error (%v)\n", err)
		} else {
			defer st.Close()
			fmt.Fprintf(out, "Store: %s\n", dbPath)
			for _, status := range []string{routing.StatusQueued, routing.StatusSilentQueued, routing.StatusDelivering, routing.StatusDelivered, routing.StatusExpired} {
				n, err := st.Count(cmd.Context(), routing.CollectionQueue, store.Eq("status", status))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  queue %s: %d\n", status, n)
			}
			n, err := st.Count(cmd.Context(), routing.CollectionMessages, store.Eq("read", false))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  unread deliveries: %d\n", n)
		}
	}

	for _, job := range cron.NewService(config.CronStorePath()).ListJobs() {
		fmt.Fprintf(out, "Job %s: enabled=%v runs=%d last=%s %s\n",
			job.Name, job.Enabled, job.State.Runs, job.State.LastStatus, job.State.LastResult)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
		return nil
	}
	if err := config.SaveConfig(config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to map telegram recipients or set ATTUNE_TELEGRAM_TOKEN\n", cfgPath)
	fmt.Fprintln(out, "  2. Run 'attune route -m '{\"recipients\":[\"me\"],\"content\":\"hello\"}' --dry-run'")
	fmt.Fprintln(out, "  3. Run 'attune gateway' to serve the HTTP API")
	return nil
}
