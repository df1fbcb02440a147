package routing

import (
	"context"
	"time"
)

const (
	DefaultLowThreshold  = 0.4
	DefaultHighThreshold = 0.8
)

// DefaultSilentActivities maps activity states that hold delivery to the
// expected time until the activity ends.
func DefaultSilentActivities() map[string]time.Duration {
	return map[string]time.Duration{
		ActivityDeepPractice: 45 * time.Minute,
		ActivityCeremony:     75 * time.Minute,
	}
}

var (
	immediateEnhancements = []string{TagResonanceAmplification, TagFieldConnection}
	gentleEnhancements    = []string{TagBreathingReminder, TagCoherenceBoost}
)

// Planner classifies recipients into delivery tiers.
type Planner struct {
	windows *WindowPlanner
	low     float64
	high    float64
	silent  map[string]time.Duration
	now     func() time.Time
}

func NewPlanner(windows *WindowPlanner) *Planner {
	return &Planner{
		windows: windows,
		low:     DefaultLowThreshold,
		high:    DefaultHighThreshold,
		silent:  DefaultSilentActivities(),
		now:     time.Now,
	}
}

func (p *Planner) BuildPlan(ctx context.Context, msg Message, states []RecipientState) Plan {
	var plan Plan
	for _, st := range states {
		plan.add(p.Classify(ctx, msg, st))
	}
	return plan
}

// Classify applies, in order: silent activity, low score (queued),
// medium score (gentle), high score (immediate). An urgent message turns
// a queued decision into a gentle one, never an immediate one.
func (p *Planner) Classify(ctx context.Context, msg Message, st RecipientState) Decision {
	now := p.now()
	d := Decision{RecipientID: st.RecipientID, Score: st.Score}

	if estimate, ok := p.silent[st.Activity]; ok {
		d.Tier = TierSilent
		d.Reason = "in practice: " + st.Activity
		if estimate > 0 {
			d.ScheduledFor = now.Add(estimate)
		} else {
			d.ScheduledFor = p.windows.findOptimalTimeAt(ctx, st, now)
		}
		return d
	}

	switch {
	case st.Score < p.low:
		if msg.Priority == PriorityUrgent {
			d.Tier = TierGentle
			d.Reason = "urgent override"
			d.Urgent = true
			d.Enhancements = cloneTags(gentleEnhancements)
			return d
		}
		d.Tier = TierQueued
		d.Reason = "low coherence"
		d.PreparationSuggested = true
		d.ScheduledFor = p.windows.findOptimalTimeAt(ctx, st, now)
	case st.Score < p.high:
		d.Tier = TierGentle
		d.Reason = "moderate coherence"
		d.Enhancements = cloneTags(gentleEnhancements)
	default:
		d.Tier = TierImmediate
		d.Reason = "high coherence"
		d.Enhancements = cloneTags(immediateEnhancements)
	}
	return d
}

func cloneTags(tags []string) []string {
	return append([]string(nil), tags...)
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
