package gateway

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/stellarlinkco/attune/internal/routing"
	"github.com/stellarlinkco/attune/internal/store"
)

// API is the HTTP surface of the gateway.
type API struct {
	store   routing.DocumentStore
	router  *routing.Router
	sweeper *routing.Sweeper
	webui   http.Handler
	metrics http.Handler
}

func NewAPI(st routing.DocumentStore, router *routing.Router, sweeper *routing.Sweeper) *API {
	return &API{store: st, router: router, sweeper: sweeper}
}

// WithWebUI mounts the notification websocket at /ws.
func (a *API) WithWebUI(h http.Handler) *API {
	a.webui = h
	return a
}

// WithMetrics mounts h at /metrics.
func (a *API) WithMetrics(h http.Handler) *API {
	a.metrics = h
	return a
}

func (a *API) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("attune-gateway"), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if a.metrics != nil {
		r.GET("/metrics", gin.WrapH(a.metrics))
	}
	if a.webui != nil {
		r.GET("/ws", gin.WrapH(a.webui))
	}

	v1 := r.Group("/v1")
	v1.POST("/messages", a.routeMessage)
	v1.POST("/sweep", a.sweep)
	v1.GET("/queue", a.listQueue)
	v1.POST("/deliveries/:id/read", a.markRead)

	rec := v1.Group("/recipients/:id")
	rec.GET("/state", a.getState)
	rec.POST("/pulse", a.postPulse)
	rec.POST("/presence", a.postPresence)
	rec.POST("/sessions", a.postSession)
	rec.PUT("/preferences", a.putPreferences)
	rec.GET("/deliveries", a.listDeliveries)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("[api] %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func serverError(c *gin.Context, err error) {
	log.Printf("[api] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// routeMessage routes a message, or only plans it with ?dryRun=true.
func (a *API) routeMessage(c *gin.Context) {
	var msg routing.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		badRequest(c, err)
		return
	}

	if c.Query("dryRun") == "true" {
		plan, err := a.router.Plan(c.Request.Context(), msg)
		if err != nil {
			badRequest(c, err)
			return
		}
		c.JSON(http.StatusOK, planView(plan))
		return
	}

	result, err := a.router.RouteMessage(c.Request.Context(), msg)
	if err != nil {
		if errors.Is(err, routing.ErrInvalidMessage) {
			badRequest(c, err)
			return
		}
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type decisionView struct {
	RecipientID          string   `json:"recipientId"`
	Tier                 string   `json:"tier"`
	Reason               string   `json:"reason"`
	Score                float64  `json:"score"`
	ScheduledForMs       int64    `json:"scheduledForMs,omitempty"`
	Enhancements         []string `json:"enhancements,omitempty"`
	PreparationSuggested bool     `json:"preparationSuggested,omitempty"`
}

func planView(p routing.Plan) gin.H {
	tiers := func(ds []routing.Decision) []decisionView {
		out := make([]decisionView, 0, len(ds))
		for _, d := range ds {
			v := decisionView{
				RecipientID:          d.RecipientID,
				Tier:                 string(d.Tier),
				Reason:               d.Reason,
				Score:                d.Score,
				Enhancements:         d.Enhancements,
				PreparationSuggested: d.PreparationSuggested,
			}
			if !d.ScheduledFor.IsZero() {
				v.ScheduledForMs = d.ScheduledFor.UnixMilli()
			}
			out = append(out, v)
		}
		return out
	}
	return gin.H{
		"immediate": tiers(p.Immediate),
		"gentle":    tiers(p.Gentle),
		"queued":    tiers(p.Queued),
		"silent":    tiers(p.Silent),
	}
}

func (a *API) sweep(c *gin.Context) {
	report, err := a.sweeper.Sweep(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type queueItem struct {
	ID string `json:"id"`
	routing.QueueEntry
}

func (a *API) listQueue(c *gin.Context) {
	var filters []store.Filter
	if status := c.Query("status"); status != "" {
		filters = append(filters, store.Eq("status", status))
	}
	if recipient := c.Query("recipient"); recipient != "" {
		filters = append(filters, store.Eq("recipientId", recipient))
	}

	docs, err := a.store.Query(c.Request.Context(), routing.CollectionQueue, filters...)
	if err != nil {
		serverError(c, err)
		return
	}
	items := make([]queueItem, 0, len(docs))
	for _, d := range docs {
		var e routing.QueueEntry
		if err := d.Decode(&e); err != nil {
			serverError(c, err)
			return
		}
		items = append(items, queueItem{ID: d.ID, QueueEntry: e})
	}
	c.JSON(http.StatusOK, gin.H{"entries": items})
}

type deliveryItem struct {
	ID string `json:"id"`
	routing.DeliveryRecord
}

func (a *API) listDeliveries(c *gin.Context) {
	filters := []store.Filter{store.Eq("recipientId", c.Param("id"))}
	if c.Query("unread") == "true" {
		filters = append(filters, store.Eq("read", false))
	}

	docs, err := a.store.Query(c.Request.Context(), routing.CollectionMessages, filters...)
	if err != nil {
		serverError(c, err)
		return
	}
	items := make([]deliveryItem, 0, len(docs))
	for _, d := range docs {
		var rec routing.DeliveryRecord
		if err := d.Decode(&rec); err != nil {
			serverError(c, err)
			return
		}
		items = append(items, deliveryItem{ID: d.ID, DeliveryRecord: rec})
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": items})
}

func (a *API) markRead(c *gin.Context) {
	err := a.store.Update(c.Request.Context(), routing.CollectionMessages, c.Param("id"), map[string]any{"read": true})
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "delivery not found"})
		return
	}
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "read": true})
}

func (a *API) getState(c *gin.Context) {
	c.JSON(http.StatusOK, a.router.State(c.Request.Context(), c.Param("id")))
}

type pulseRequest struct {
	Current *float64 `json:"current" binding:"required,min=0,max=1"`
	Trend   string   `json:"trend"`
}

func (a *API) postPulse(c *gin.Context) {
	var req pulseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := recordPulse(c.Request.Context(), a.store, c.Param("id"), req.Current, req.Trend, a.router.Now()); err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"recipientId": c.Param("id"), "current": *req.Current})
}

type presenceRequest struct {
	State string `json:"state" binding:"required"`
}

func (a *API) postPresence(c *gin.Context) {
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := recordPresence(c.Request.Context(), a.store, c.Param("id"), req.State, a.router.Now()); err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"recipientId": c.Param("id"), "state": req.State})
}

type sessionRequest struct {
	StartTimeMs int64   `json:"startTimeMs" binding:"required,gt=0"`
	PeakScore   float64 `json:"peakScore" binding:"min=0,max=1"`
}

func (a *API) postSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := a.store.Insert(c.Request.Context(), routing.CollectionSessions, routing.HistoricalSession{
		RecipientID: c.Param("id"),
		StartTimeMs: req.StartTimeMs,
		PeakScore:   req.PeakScore,
	})
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type preferencesRequest struct {
	QuietHours []struct {
		Start string `json:"start" binding:"required,datetime=15:04"`
		End   string `json:"end" binding:"required,datetime=15:04"`
	} `json:"quietHours" binding:"dive"`
	CoherenceThreshold float64  `json:"coherenceThreshold" binding:"min=0,max=1"`
	SacredWindows      []string `json:"sacredWindows" binding:"dive,oneof=dawn morning afternoon dusk evening"`
}

func (a *API) putPreferences(c *gin.Context) {
	var req preferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	prefs := routing.Preferences{
		CoherenceThreshold: req.CoherenceThreshold,
		SacredWindows:      req.SacredWindows,
	}
	for _, q := range req.QuietHours {
		prefs.QuietHours = append(prefs.QuietHours, routing.TimeRange{Start: q.Start, End: q.End})
	}

	_, err := a.store.Insert(c.Request.Context(), routing.CollectionUsers, routing.UserDoc{
		RecipientID:        c.Param("id"),
		MessagePreferences: prefs,
	})
	if err != nil {
		serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipientId": c.Param("id"), "preferences": prefs})
}
