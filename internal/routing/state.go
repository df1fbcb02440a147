package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stellarlinkco/attune/internal/store"
)

// DefaultState is used whenever a recipient's state cannot be fetched.
func DefaultState(recipientID string) RecipientState {
	return normalizeState(RecipientState{RecipientID: recipientID, Score: DefaultScore})
}

func normalizeState(s RecipientState) RecipientState {
	s.Score = clamp01(s.Score)
	if s.Trend == "" {
		s.Trend = DefaultTrend
	}
	if s.Activity == "" {
		s.Activity = ActivityAvailable
	}
	if s.Preferences.CoherenceThreshold <= 0 {
		s.Preferences.CoherenceThreshold = DefaultThreshold
	}
	s.Preferences.CoherenceThreshold = clamp01(s.Preferences.CoherenceThreshold)
	if len(s.Preferences.SacredWindows) == 0 {
		s.Preferences.SacredWindows = append([]string(nil), DefaultWindows...)
	}
	return s
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// PulseDoc is the latest score sample for a recipient.
type PulseDoc struct {
	RecipientID  string   `json:"recipientId"`
	Current      *float64 `json:"current,omitempty"`
	Trend        string   `json:"trend,omitempty"`
	RecordedAtMs int64    `json:"recordedAtMs"`
}

type PresenceDoc struct {
	RecipientID  string `json:"recipientId"`
	State        string `json:"state"`
	LastActiveMs int64  `json:"lastActiveMs"`
}

type UserDoc struct {
	RecipientID        string      `json:"recipientId"`
	MessagePreferences Preferences `json:"messagePreferences"`
}

// StoreStateProvider assembles recipient state from the pulse, presence
// and users collections. Missing documents fall back to defaults.
type StoreStateProvider struct {
	store DocumentStore
	now   func() time.Time
}

func NewStoreStateProvider(s DocumentStore) *StoreStateProvider {
	return &StoreStateProvider{store: s, now: time.Now}
}

func (p *StoreStateProvider) GetState(ctx context.Context, recipientID string) (RecipientState, error) {
	state := RecipientState{RecipientID: recipientID, Score: DefaultScore}

	var pulse PulseDoc
	ok, err := latest(ctx, p.store, CollectionPulse, recipientID, &pulse)
	if err != nil {
		return RecipientState{}, err
	}
	if ok {
		if pulse.Current != nil {
			state.Score = *pulse.Current
		}
		state.Trend = pulse.Trend
	}

	var presence PresenceDoc
	ok, err = latest(ctx, p.store, CollectionPresence, recipientID, &presence)
	if err != nil {
		return RecipientState{}, err
	}
	if ok {
		state.Activity = presence.State
		state.LastActiveMs = presence.LastActiveMs
	} else {
		state.LastActiveMs = p.now().UnixMilli()
	}

	var user UserDoc
	ok, err = latest(ctx, p.store, CollectionUsers, recipientID, &user)
	if err != nil {
		return RecipientState{}, err
	}
	if ok {
		state.Preferences = user.MessagePreferences
	}

	return normalizeState(state), nil
}

func latest(ctx context.Context, s DocumentStore, collection, recipientID string, v any) (bool, error) {
	doc, err := s.Latest(ctx, collection, store.Eq("recipientId", recipientID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrStateUnavailable, collection, err)
	}
	if err := doc.Decode(v); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	return true, nil
}

// StoreSessionSource reads historical sessions from the sessions collection.
type StoreSessionSource struct {
	store DocumentStore
}

func NewStoreSessionSource(s DocumentStore) *StoreSessionSource {
	return &StoreSessionSource{store: s}
}

func (s *StoreSessionSource) Sessions(ctx context.Context, recipientID string, since time.Time) ([]HistoricalSession, error) {
	docs, err := s.store.Query(ctx, CollectionSessions,
		store.Eq("recipientId", recipientID),
		store.Gt("startTimeMs", since.UnixMilli()),
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	sessions := make([]HistoricalSession, 0, len(docs))
	for _, d := range docs {
		var hs HistoricalSession
		if err := d.Decode(&hs); err != nil {
			return nil, err
		}
		sessions = append(sessions, hs)
	}
	return sessions, nil
}
