package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/attune/internal/routing"
)

// Writers for the documents the state provider reads. Both the HTTP API
// and chat commands go through them.

func recordPulse(ctx context.Context, st routing.DocumentStore, recipientID string, current *float64, trend string, now time.Time) error {
	if current != nil && (*current < 0 || *current > 1) {
		return fmt.Errorf("pulse %.3f out of range [0,1]", *current)
	}
	_, err := st.Insert(ctx, routing.CollectionPulse, routing.PulseDoc{
		RecipientID:  recipientID,
		Current:      current,
		Trend:        trend,
		RecordedAtMs: now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("record pulse: %w", err)
	}
	return nil
}

func recordPresence(ctx context.Context, st routing.DocumentStore, recipientID, state string, now time.Time) error {
	state = strings.TrimSpace(state)
	if state == "" {
		return fmt.Errorf("presence state is required")
	}
	_, err := st.Insert(ctx, routing.CollectionPresence, routing.PresenceDoc{
		RecipientID:  recipientID,
		State:        state,
		LastActiveMs: now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("record presence: %w", err)
	}
	return nil
}

// parsePulseCommand reads "/pulse 0.82 rising" style arguments.
func parsePulseCommand(args string) (float64, string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, "", fmt.Errorf("pulse value is required")
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse pulse %q: %w", fields[0], err)
	}
	trend := ""
	if len(fields) > 1 {
		trend = fields[1]
	}
	return v, trend, nil
}
