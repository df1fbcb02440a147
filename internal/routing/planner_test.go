package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_SilentActivityIgnoresScore(t *testing.T) {
	p := newPlannerAt(testNow, nil)
	msg := Message{ID: "m1", Priority: PriorityNormal}

	tests := []struct {
		activity string
		wait     time.Duration
	}{
		{ActivityDeepPractice, 45 * time.Minute},
		{ActivityCeremony, 75 * time.Minute},
	}
	for _, tt := range tests {
		for _, score := range []float64{0, 0.2, 0.5, 0.95, 1} {
			d := p.Classify(context.Background(), msg, stateWith("r", score, tt.activity))
			assert.Equal(t, TierSilent, d.Tier, "%s score=%.2f", tt.activity, score)
			assert.Equal(t, testNow.Add(tt.wait), d.ScheduledFor)
			assert.Empty(t, d.Enhancements)
		}
	}
}

func TestClassify_SilentBeatsUrgent(t *testing.T) {
	p := newPlannerAt(testNow, nil)
	d := p.Classify(context.Background(), Message{Priority: PriorityUrgent}, stateWith("r", 0.1, ActivityCeremony))
	assert.Equal(t, TierSilent, d.Tier)
	assert.False(t, d.Urgent)
}

func TestClassify_ScoreBands(t *testing.T) {
	p := newPlannerAt(testNow, nil)
	msg := Message{Priority: PriorityNormal}

	tests := []struct {
		score float64
		want  Tier
	}{
		{0, TierQueued},
		{0.39, TierQueued},
		{0.4, TierGentle},
		{0.79, TierGentle},
		{0.8, TierImmediate},
		{1, TierImmediate},
	}
	for _, tt := range tests {
		d := p.Classify(context.Background(), msg, stateWith("r", tt.score, ActivityAvailable))
		assert.Equal(t, tt.want, d.Tier, "score=%.2f", tt.score)
	}
}

func TestClassify_QueuedCarriesPreparationAndWindow(t *testing.T) {
	p := newPlannerAt(testNow, nil)
	d := p.Classify(context.Background(), Message{Priority: PriorityNormal}, stateWith("r", 0.3, ActivityAvailable))

	require.Equal(t, TierQueued, d.Tier)
	assert.True(t, d.PreparationSuggested)
	assert.True(t, d.ScheduledFor.After(testNow))
	// no history: baseline 0.75 > 0.4 qualifies the first preferred window
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), d.ScheduledFor)
	assert.Empty(t, d.Enhancements)
}

func TestClassify_Enhancements(t *testing.T) {
	p := newPlannerAt(testNow, nil)
	msg := Message{Priority: PriorityNormal}

	gentle := p.Classify(context.Background(), msg, stateWith("r", 0.5, ActivityAvailable))
	assert.Equal(t, []string{TagBreathingReminder, TagCoherenceBoost}, gentle.Enhancements)
	assert.True(t, gentle.ScheduledFor.IsZero())

	immediate := p.Classify(context.Background(), msg, stateWith("r", 0.9, ActivityAvailable))
	assert.Equal(t, []string{TagResonanceAmplification, TagFieldConnection}, immediate.Enhancements)
	assert.True(t, immediate.ScheduledFor.IsZero())
}

func TestClassify_UrgentOverride(t *testing.T) {
	p := newPlannerAt(testNow, nil)
	urgent := Message{Priority: PriorityUrgent}

	low := p.Classify(context.Background(), urgent, stateWith("r", 0.2, ActivityAvailable))
	assert.Equal(t, TierGentle, low.Tier, "urgent never stays queued")
	assert.True(t, low.Urgent)
	assert.Equal(t, "urgent override", low.Reason)
	assert.Contains(t, low.Enhancements, TagBreathingReminder)
	assert.False(t, low.PreparationSuggested)
	assert.True(t, low.ScheduledFor.IsZero())

	medium := p.Classify(context.Background(), urgent, stateWith("r", 0.5, ActivityAvailable))
	assert.Equal(t, TierGentle, medium.Tier)
	assert.False(t, medium.Urgent)

	high := p.Classify(context.Background(), urgent, stateWith("r", 0.9, ActivityAvailable))
	assert.Equal(t, TierImmediate, high.Tier)
}

func TestClassify_UnknownActivityUsesScore(t *testing.T) {
	p := newPlannerAt(testNow, nil)
	d := p.Classify(context.Background(), Message{}, stateWith("r", 0.9, "practicing"))
	assert.Equal(t, TierImmediate, d.Tier)
}

func TestClassify_SilentWithoutEstimateUsesWindowPlanner(t *testing.T) {
	p := newPlannerAt(testNow, nil)
	p.silent = map[string]time.Duration{"retreat": 0}

	d := p.Classify(context.Background(), Message{}, stateWith("r", 0.9, "retreat"))
	require.Equal(t, TierSilent, d.Tier)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), d.ScheduledFor)
}

func TestBuildPlan_GroupsByTier(t *testing.T) {
	p := newPlannerAt(testNow, nil)
	states := []RecipientState{
		stateWith("a", 0.9, ActivityAvailable),
		stateWith("b", 0.5, ActivityAvailable),
		stateWith("c", 0.1, ActivityAvailable),
		stateWith("d", 0.9, ActivityDeepPractice),
		stateWith("e", 0.85, ActivityAvailable),
	}
	plan := p.BuildPlan(context.Background(), Message{Priority: PriorityNormal}, states)

	assert.Len(t, plan.Immediate, 2)
	assert.Len(t, plan.Gentle, 1)
	assert.Len(t, plan.Queued, 1)
	assert.Len(t, plan.Silent, 1)
	assert.Len(t, plan.All(), 5)
	assert.Equal(t, "c", plan.Queued[0].RecipientID)
}
