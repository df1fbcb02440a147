package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/attune/internal/bus"
	"github.com/stellarlinkco/attune/internal/config"
	"github.com/stellarlinkco/attune/internal/cron"
	"github.com/stellarlinkco/attune/internal/routing"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []routing.Notification
}

func (n *recordingNotifier) Send(ctx context.Context, recipientID string, note routing.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	cfg := config.DefaultConfig()
	cfg.Store.DBPath = filepath.Join(dir, "attune.db")
	cfg.Router.PreparationDelay = "0s"
	cfg.Router.Timezone = "UTC"
	return cfg
}

type apiEnv struct {
	engine   *Engine
	notifier *recordingNotifier
	srv      *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	notifier := &recordingNotifier{}
	engine, err := NewEngine(testConfig(t), notifier, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	srv := httptest.NewServer(NewAPI(engine.Store, engine.Router, engine.Sweeper).Handler())
	t.Cleanup(srv.Close)
	return &apiEnv{engine: engine, notifier: notifier, srv: srv}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestAPI_Healthz(t *testing.T) {
	env := newAPIEnv(t)
	code, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_RouteMessage_Invalid(t *testing.T) {
	env := newAPIEnv(t)

	code, _ := env.do(t, http.MethodPost, "/v1/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := env.do(t, http.MethodPost, "/v1/messages", map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "invalid message")

	code, _ = env.do(t, http.MethodPost, "/v1/messages", map[string]any{
		"recipients": []string{"a"}, "content": "hi", "priority": "whenever",
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_ImmediateDeliveryAndRead(t *testing.T) {
	env := newAPIEnv(t)

	code, _ := env.do(t, http.MethodPost, "/v1/recipients/alice/pulse", map[string]any{"current": 0.9, "trend": "rising"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = env.do(t, http.MethodPost, "/v1/recipients/alice/presence", map[string]any{"state": "available"})
	require.Equal(t, http.StatusCreated, code)

	code, result := env.do(t, http.MethodPost, "/v1/messages", map[string]any{
		"recipients": []string{"alice"},
		"category":   "gratitude",
		"title":      "Thanks",
		"content":    "For the morning circle",
	})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, result["delivered"])
	assert.EqualValues(t, 0, result["queued"])
	assert.Equal(t, 1, env.notifier.count())

	code, body := env.do(t, http.MethodGet, "/v1/recipients/alice/deliveries", nil)
	require.Equal(t, http.StatusOK, code)
	deliveries := body["deliveries"].([]any)
	require.Len(t, deliveries, 1)
	first := deliveries[0].(map[string]any)
	assert.Equal(t, "immediate", first["method"])
	assert.Equal(t, false, first["read"])
	id := first["id"].(string)
	require.NotEmpty(t, id)

	code, _ = env.do(t, http.MethodPost, "/v1/deliveries/"+id+"/read", nil)
	assert.Equal(t, http.StatusOK, code)

	_, body = env.do(t, http.MethodGet, "/v1/recipients/alice/deliveries?unread=true", nil)
	assert.Empty(t, body["deliveries"])

	code, _ = env.do(t, http.MethodPost, "/v1/deliveries/missing/read", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_PulseValidation(t *testing.T) {
	env := newAPIEnv(t)

	code, _ := env.do(t, http.MethodPost, "/v1/recipients/alice/pulse", map[string]any{"current": 1.5})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodPost, "/v1/recipients/alice/pulse", map[string]any{"trend": "stable"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodPost, "/v1/recipients/alice/pulse", map[string]any{"current": 0})
	assert.Equal(t, http.StatusCreated, code)

	_, state := env.do(t, http.MethodGet, "/v1/recipients/alice/state", nil)
	assert.EqualValues(t, 0, state["score"])
}

func TestAPI_SilentRecipientIsQueued(t *testing.T) {
	env := newAPIEnv(t)

	code, _ := env.do(t, http.MethodPost, "/v1/recipients/bob/presence", map[string]any{"state": "ceremony"})
	require.Equal(t, http.StatusCreated, code)

	_, state := env.do(t, http.MethodGet, "/v1/recipients/bob/state", nil)
	assert.Equal(t, "ceremony", state["activity"])

	_, result := env.do(t, http.MethodPost, "/v1/messages", map[string]any{
		"recipients": []string{"bob"},
		"content":    "hold this",
	})
	assert.EqualValues(t, 0, result["delivered"])
	assert.EqualValues(t, 1, result["queued"])
	assert.Equal(t, 0, env.notifier.count())

	_, body := env.do(t, http.MethodGet, "/v1/queue?status=silent_queued", nil)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "bob", entry["recipientId"])
	assert.NotEmpty(t, entry["id"])

	_, body = env.do(t, http.MethodGet, "/v1/queue?status=queued", nil)
	assert.Empty(t, body["entries"])
}

func TestAPI_Preferences(t *testing.T) {
	env := newAPIEnv(t)

	code, _ := env.do(t, http.MethodPut, "/v1/recipients/carol/preferences", map[string]any{
		"sacredWindows": []string{"noonish"},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPut, "/v1/recipients/carol/preferences", map[string]any{
		"quietHours": []map[string]string{{"start": "25:00", "end": "07:00"}},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPut, "/v1/recipients/carol/preferences", map[string]any{
		"quietHours":         []map[string]string{{"start": "22:00", "end": "07:00"}},
		"coherenceThreshold": 0.6,
		"sacredWindows":      []string{"dawn", "evening"},
	})
	require.Equal(t, http.StatusOK, code)

	_, state := env.do(t, http.MethodGet, "/v1/recipients/carol/state", nil)
	prefs := state["preferences"].(map[string]any)
	assert.EqualValues(t, 0.6, prefs["coherenceThreshold"])
	assert.Equal(t, []any{"dawn", "evening"}, prefs["sacredWindows"])
}

func TestAPI_Sessions(t *testing.T) {
	env := newAPIEnv(t)

	code, _ := env.do(t, http.MethodPost, "/v1/recipients/dave/sessions", map[string]any{"peakScore": 0.5})
	assert.Equal(t, http.StatusBadRequest, code)

	start := time.Now().Add(-time.Hour).UnixMilli()
	code, body := env.do(t, http.MethodPost, "/v1/recipients/dave/sessions", map[string]any{
		"startTimeMs": start, "peakScore": 0.85,
	})
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, body["id"])

	sessions, err := routing.NewStoreSessionSource(env.engine.Store).Sessions(context.Background(), "dave", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 0.85, sessions[0].PeakScore)
}

func TestAPI_DryRunHasNoSideEffects(t *testing.T) {
	env := newAPIEnv(t)
	env.do(t, http.MethodPost, "/v1/recipients/low/pulse", map[string]any{"current": 0.1})

	code, plan := env.do(t, http.MethodPost, "/v1/messages?dryRun=true", map[string]any{
		"recipients": []string{"low", "unknown"},
		"content":    "preview",
	})
	require.Equal(t, http.StatusOK, code)
	queued := plan["queued"].([]any)
	gentle := plan["gentle"].([]any)
	require.Len(t, queued, 1)
	require.Len(t, gentle, 1)
	q := queued[0].(map[string]any)
	assert.Equal(t, "low", q["recipientId"])
	assert.Greater(t, q["scheduledForMs"].(float64), float64(time.Now().UnixMilli()))

	_, body := env.do(t, http.MethodGet, "/v1/queue", nil)
	assert.Empty(t, body["entries"])
	assert.Equal(t, 0, env.notifier.count())
}

func TestAPI_Sweep(t *testing.T) {
	env := newAPIEnv(t)
	code, report := env.do(t, http.MethodPost, "/v1/sweep", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, report["due"])
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *Gateway {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	g, err := NewWithOptions(cfg, Options{
		CronStorePath: filepath.Join(t.TempDir(), "jobs.json"),
	})
	require.NoError(t, err)
	return g
}

func TestNewWithOptions_UnknownNotifyChannel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Channels = []string{"telegram"}
	_, err := NewWithOptions(cfg, Options{})
	assert.Error(t, err)
}

func TestGateway_Metrics(t *testing.T) {
	g := newTestGateway(t, nil)
	defer g.engine.Close()

	srv := httptest.NewServer(g.server.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json",
		bytes.NewBufferString(`{"recipients":["a"],"content":"hello"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "attune_routing_decisions_total")
	assert.Contains(t, string(data), "go_goroutines")
}

func TestSetupTracing_Stdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := setupTracing(config.TracingConfig{Exporter: "stdout", ServiceName: "attune-test"}, &buf)
	require.NoError(t, err)

	env := newAPIEnv(t)
	code, _ := env.do(t, http.MethodPost, "/v1/messages", map[string]any{
		"recipients": []string{"a"}, "content": "traced",
	})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "Router.RouteMessage")
	assert.Contains(t, out, "Executor.Execute")
	assert.Contains(t, out, "attune-test")
}

func TestSetupTracing_Disabled(t *testing.T) {
	for _, exporter := range []string{"", "none", "NONE"} {
		shutdown, err := setupTracing(config.TracingConfig{Exporter: exporter}, nil)
		require.NoError(t, err, exporter)
		assert.NoError(t, shutdown(context.Background()))
	}
	_, err := setupTracing(config.TracingConfig{Exporter: "zipkin"}, nil)
	assert.Error(t, err)
}

func TestGateway_HandleInbound(t *testing.T) {
	g := newTestGateway(t, nil)
	defer g.engine.Close()
	ctx := context.Background()

	reply := g.handleInbound(ctx, bus.InboundMessage{Kind: bus.KindPulse, RecipientID: "erin", Content: "0.82 rising"})
	assert.Equal(t, "pulse 0.82 recorded for erin", reply)
	st := g.engine.Router.State(ctx, "erin")
	assert.Equal(t, 0.82, st.Score)
	assert.Equal(t, "rising", st.Trend)

	reply = g.handleInbound(ctx, bus.InboundMessage{Kind: bus.KindPulse, RecipientID: "erin", Content: "abc"})
	assert.Contains(t, reply, "error")
	reply = g.handleInbound(ctx, bus.InboundMessage{Kind: bus.KindPulse, RecipientID: "erin", Content: "3"})
	assert.Contains(t, reply, "out of range")

	reply = g.handleInbound(ctx, bus.InboundMessage{Kind: bus.KindPresence, RecipientID: "erin", Content: "deep-practice"})
	assert.Contains(t, reply, "deep-practice")
	assert.Equal(t, "deep-practice", g.engine.Router.State(ctx, "erin").Activity)

	reply = g.handleInbound(ctx, bus.InboundMessage{Kind: bus.KindRoute, Content: `{"recipients":["erin"],"content":"later"}`})
	var result routing.Result
	require.NoError(t, json.Unmarshal([]byte(reply), &result))
	assert.Equal(t, 1, result.Queued)

	reply = g.handleInbound(ctx, bus.InboundMessage{Kind: bus.KindRoute, Content: `nope`})
	assert.Contains(t, reply, "decode message")

	assert.Empty(t, g.handleInbound(ctx, bus.InboundMessage{Kind: "chat", Content: "hi"}))
}

func TestGateway_ProcessLoopReplies(t *testing.T) {
	g := newTestGateway(t, nil)
	defer g.engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.processLoop(ctx)

	require.NoError(t, g.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:     "webui",
		Kind:        bus.KindPresence,
		ChatID:      "webui-1",
		RecipientID: "frank",
		Content:     "available",
		Metadata:    map[string]any{"requestId": "req-1"},
	}))

	select {
	case out := <-g.bus.Outbound:
		assert.Equal(t, "webui", out.Channel)
		assert.Equal(t, "webui-1", out.ChatID)
		assert.Equal(t, "req-1", out.ReplyTo)
		assert.Contains(t, out.Content, "frank")
	case <-time.After(2 * time.Second):
		t.Fatal("no reply published")
	}
}

func TestGateway_PulseNotBlockedByGentleRoute(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) { c.Router.PreparationDelay = "1500ms" })
	defer g.engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.processLoop(ctx)

	start := time.Now()
	require.NoError(t, g.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:  "webui",
		Kind:     bus.KindRoute,
		ChatID:   "webui-1",
		Content:  `{"recipients":["gina"],"content":"hello"}`,
		Metadata: map[string]any{"requestId": "route-1"},
	}))
	require.NoError(t, g.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:     "webui",
		Kind:        bus.KindPulse,
		ChatID:      "webui-1",
		RecipientID: "hank",
		Content:     "0.9",
		Metadata:    map[string]any{"requestId": "pulse-1"},
	}))

	var replies []string
	deadline := time.After(5 * time.Second)
	for len(replies) < 2 {
		select {
		case out := <-g.bus.Outbound:
			if out.ReplyTo == "" {
				continue
			}
			if out.ReplyTo == "pulse-1" {
				assert.Less(t, time.Since(start), time.Second)
			}
			replies = append(replies, out.ReplyTo)
		case <-deadline:
			t.Fatalf("replies so far: %v", replies)
		}
	}
	assert.Equal(t, []string{"pulse-1", "route-1"}, replies)
	assert.Equal(t, 0.9, g.engine.Router.State(context.Background(), "hank").Score)
}

func TestGateway_EnsureSweepJob(t *testing.T) {
	g := newTestGateway(t, func(c *config.Config) { c.Sweep.Interval = "30s" })
	defer g.engine.Close()

	require.NoError(t, g.ensureSweepJob())
	jobs := g.cron.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, sweepJobName, jobs[0].Name)
	assert.Equal(t, cron.Every(30*time.Second), jobs[0].Schedule)
	assert.True(t, jobs[0].Enabled)

	state, err := g.cron.RunNow(jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "due=0 delivered=0 requeued=0 expired=0 failed=0", state.LastResult)

	g.cfg.Sweep.Enabled = false
	require.NoError(t, g.ensureSweepJob())
	assert.False(t, g.cron.ListJobs()[0].Enabled)
}

func TestGateway_RunAndSignalShutdown(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{
		SignalChan:    sigCh,
		CronStorePath: filepath.Join(t.TempDir(), "jobs.json"),
		Listener:      ln,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestRouterOptions(t *testing.T) {
	opts, err := RouterOptions(config.RouterConfig{
		Timezone:         "Europe/Berlin",
		PreparationDelay: "2s",
		IOTimeout:        "bogus",
		HistoryDays:      3,
		SilentActivities: map[string]string{"retreat": "2h"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", opts.Location.String())
	assert.Equal(t, 2*time.Second, opts.PreparationDelay)
	assert.Equal(t, routing.DefaultIOTimeout, opts.IOTimeout)
	assert.Equal(t, 72*time.Hour, opts.HistoryWindow)
	assert.Equal(t, 2*time.Hour, opts.SilentActivities["retreat"])

	opts, err = RouterOptions(config.RouterConfig{PreparationDelay: "0s"})
	require.NoError(t, err)
	assert.Equal(t, routing.NoPreparationDelay, opts.PreparationDelay)

	opts, err = RouterOptions(config.RouterConfig{})
	require.NoError(t, err)
	assert.Equal(t, routing.DefaultPreparationDelay, opts.PreparationDelay)

	_, err = RouterOptions(config.RouterConfig{Timezone: "Mars/Olympus"})
	assert.Error(t, err)
	_, err = RouterOptions(config.RouterConfig{SilentActivities: map[string]string{"x": "soon"}})
	assert.Error(t, err)
}

func TestParsePulseCommand(t *testing.T) {
	v, trend, err := parsePulseCommand(" 0.4  falling ")
	require.NoError(t, err)
	assert.Equal(t, 0.4, v)
	assert.Equal(t, "falling", trend)

	_, _, err = parsePulseCommand("")
	assert.Error(t, err)
}
