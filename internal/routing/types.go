// Package routing decides, per recipient, how and when a message is
// delivered: immediately, gently after a short preparation, queued for a
// predicted good window, or silently held while the recipient is busy.
package routing

import (
	"context"
	"time"

	"github.com/stellarlinkco/attune/internal/store"
)

// Collections used in the document store.
const (
	CollectionMessages      = "messages"
	CollectionQueue         = "messageQueue"
	CollectionSessions      = "sessions"
	CollectionPresence      = "presence"
	CollectionUsers         = "users"
	CollectionPulse         = "pulse"
	CollectionContributions = "fieldContributions"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

type Tier string

const (
	TierImmediate Tier = "immediate"
	TierGentle    Tier = "gentle"
	TierQueued    Tier = "queued"
	TierSilent    Tier = "silent"
)

// Queue entry statuses.
const (
	StatusQueued       = "queued"
	StatusSilentQueued = "silent_queued"
	StatusDelivered    = "delivered"
	StatusExpired      = "expired"
	StatusDelivering   = "delivering" // claimed by a sweep mid-delivery
)

// Enhancement tags attached to delivered messages.
const (
	TagResonanceAmplification = "resonance_amplification"
	TagFieldConnection        = "field_connection"
	TagBreathingReminder      = "breathing_reminder"
	TagCoherenceBoost         = "coherence_boost"
)

// Activity states with special handling.
const (
	ActivityAvailable    = "available"
	ActivityDeepPractice = "deep-practice"
	ActivityCeremony     = "ceremony"
)

const (
	DefaultScore     = 0.75
	DefaultThreshold = 0.4
	DefaultTrend     = "stable"
)

var DefaultWindows = []string{"morning", "evening"}

// Message is an inbound message addressed to one or more recipients.
type Message struct {
	ID           string   `json:"id"`
	Recipients   []string `json:"recipients" validate:"required,min=1,dive,required"`
	Category     string   `json:"category,omitempty"`
	Priority     Priority `json:"priority,omitempty" validate:"omitempty,oneof=normal urgent"`
	Title        string   `json:"title,omitempty"`
	Content      string   `json:"content" validate:"required"`
	LoveQuotient float64  `json:"loveQuotient,omitempty"`
	CreatedAtMs  int64    `json:"createdAtMs"`
}

// TimeRange is a daily clock range in "HH:MM" form. End before Start wraps midnight.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Preferences struct {
	QuietHours         []TimeRange `json:"quietHours,omitempty"`
	CoherenceThreshold float64     `json:"coherenceThreshold,omitempty"`
	SacredWindows      []string    `json:"sacredWindows,omitempty"`
}

// RecipientState is computed per routing decision and never persisted.
type RecipientState struct {
	RecipientID  string      `json:"recipientId"`
	Score        float64     `json:"score"`
	Trend        string      `json:"trend"`
	Activity     string      `json:"activity"`
	LastActiveMs int64       `json:"lastActiveMs"`
	Preferences  Preferences `json:"preferences"`
}

// Decision is the routing outcome for one recipient of one message.
type Decision struct {
	RecipientID          string
	Tier                 Tier
	Reason               string
	Score                float64
	ScheduledFor         time.Time
	Enhancements         []string
	PreparationSuggested bool
	Urgent               bool
}

// Plan groups decisions by tier.
type Plan struct {
	Immediate []Decision
	Gentle    []Decision
	Queued    []Decision
	Silent    []Decision
}

func (p *Plan) add(d Decision) {
	switch d.Tier {
	case TierImmediate:
		p.Immediate = append(p.Immediate, d)
	case TierGentle:
		p.Gentle = append(p.Gentle, d)
	case TierQueued:
		p.Queued = append(p.Queued, d)
	case TierSilent:
		p.Silent = append(p.Silent, d)
	}
}

// All returns the decisions in tier order.
func (p Plan) All() []Decision {
	out := make([]Decision, 0, len(p.Immediate)+len(p.Gentle)+len(p.Queued)+len(p.Silent))
	out = append(out, p.Immediate...)
	out = append(out, p.Gentle...)
	out = append(out, p.Queued...)
	out = append(out, p.Silent...)
	return out
}

// QueueEntry is a persisted queued or silently held delivery.
type QueueEntry struct {
	ID                   string  `json:"-"`
	Message              Message `json:"message"`
	RecipientID          string  `json:"recipientId"`
	Reason               string  `json:"reason"`
	Status               string  `json:"status"`
	ScheduledForMs       int64   `json:"scheduledForMs"`
	QueuedAtMs           int64   `json:"queuedAtMs"`
	RequeueCount         int     `json:"requeueCount"`
	PreparationSuggested bool    `json:"preparationSuggested,omitempty"`
	NotifyOnDelivery     bool    `json:"notifyOnDelivery"`
	DeliveredAtMs        int64   `json:"deliveredAtMs,omitempty"`
	ClaimedAtMs          int64   `json:"claimedAtMs,omitempty"`
	ClaimedFrom          string  `json:"claimedFrom,omitempty"`
}

// DeliveryRecord is a message placed in a recipient's inbox.
type DeliveryRecord struct {
	ID             string   `json:"-"`
	Message        Message  `json:"message"`
	RecipientID    string   `json:"recipientId"`
	DeliveredAtMs  int64    `json:"deliveredAtMs"`
	Method         Tier     `json:"method"`
	RecipientScore float64  `json:"recipientScore"`
	Enhancements   []string `json:"enhancements"`
	Read           bool     `json:"read"`
	QueueEntryID   string   `json:"queueEntryId,omitempty"`
}

// HistoricalSession is a past practice session; owned by another system.
type HistoricalSession struct {
	RecipientID string  `json:"recipientId"`
	StartTimeMs int64   `json:"startTimeMs"`
	PeakScore   float64 `json:"peakScore"`
}

type FieldContribution struct {
	RecipientID string  `json:"recipientId"`
	MessageID   string  `json:"messageId"`
	Method      Tier    `json:"method"`
	Category    string  `json:"category,omitempty"`
	Impact      float64 `json:"impact"`
	TimestampMs int64   `json:"timestampMs"`
}

// Notification is the payload handed to a Notifier.
type Notification struct {
	Kind      string         `json:"kind"`
	MessageID string         `json:"messageId,omitempty"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Tags      []string       `json:"tags,omitempty"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// Result is returned by Router.RouteMessage.
type Result struct {
	MessageID   string           `json:"messageId"`
	Delivered   int              `json:"delivered"`
	Queued      int              `json:"queued"`
	FieldImpact float64          `json:"fieldImpact"`
	Failures    []RecipientError `json:"failures,omitempty"`
}

// DocumentStore is the persistence the router needs.
type DocumentStore interface {
	Insert(ctx context.Context, collection string, doc any) (string, error)
	Query(ctx context.Context, collection string, filters ...store.Filter) ([]store.Document, error)
	// Latest returns the newest matching document or store.ErrNotFound.
	Latest(ctx context.Context, collection string, filters ...store.Filter) (store.Document, error)
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	// UpdateIf patches the document only while it still matches filters.
	UpdateIf(ctx context.Context, collection, id string, patch map[string]any, filters ...store.Filter) (bool, error)
}

// Notifier dispatches a best-effort notification to a recipient.
type Notifier interface {
	Send(ctx context.Context, recipientID string, n Notification) error
}

type StateProvider interface {
	GetState(ctx context.Context, recipientID string) (RecipientState, error)
}

type SessionSource interface {
	Sessions(ctx context.Context, recipientID string, since time.Time) ([]HistoricalSession, error)
}
