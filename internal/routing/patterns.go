package routing

import (
	"context"
	"log"
	"time"
)

const (
	BaselineScore        = 0.75
	DefaultHistoryWindow = 7 * 24 * time.Hour
	peakScoreMark        = 0.85
)

// Pattern predicts a recipient's score from the mean session peak
// observed in the same hour of day. Hours without data predict the
// baseline. There is no smoothing across hours.
type Pattern struct {
	sum   [24]float64
	count [24]int
	loc   *time.Location
	Peaks []HistoricalSession
}

func BuildPattern(sessions []HistoricalSession, loc *time.Location) Pattern {
	if loc == nil {
		loc = time.Local
	}
	p := Pattern{loc: loc}
	for _, s := range sessions {
		hour := time.UnixMilli(s.StartTimeMs).In(loc).Hour()
		peak := s.PeakScore
		if peak <= 0 {
			peak = BaselineScore
		}
		p.sum[hour] += peak
		p.count[hour]++
		if peak > peakScoreMark {
			p.Peaks = append(p.Peaks, s)
		}
	}
	return p
}

func (p Pattern) Predict(t time.Time) float64 {
	loc := p.loc
	if loc == nil {
		loc = time.Local
	}
	hour := t.In(loc).Hour()
	if p.count[hour] == 0 {
		return BaselineScore
	}
	return p.sum[hour] / float64(p.count[hour])
}

// Samples returns how many sessions fell in the given hour.
func (p Pattern) Samples(hour int) int {
	if hour < 0 || hour > 23 {
		return 0
	}
	return p.count[hour]
}

type PatternAnalyzer struct {
	sessions SessionSource
	loc      *time.Location
	window   time.Duration
	timeout  time.Duration
}

func NewPatternAnalyzer(src SessionSource, loc *time.Location) *PatternAnalyzer {
	if loc == nil {
		loc = time.Local
	}
	return &PatternAnalyzer{
		sessions: src,
		loc:      loc,
		window:   DefaultHistoryWindow,
	}
}

// Analyze builds the pattern from the last week of sessions. Fetch
// failures are logged and produce the all-baseline pattern.
func (a *PatternAnalyzer) Analyze(ctx context.Context, recipientID string, now time.Time) Pattern {
	if a == nil || a.sessions == nil {
		return BuildPattern(nil, nil)
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	sessions, err := a.sessions.Sessions(ctx, recipientID, now.Add(-a.window))
	if err != nil {
		log.Printf("[patterns] sessions for %s unavailable, using baseline: %v", recipientID, err)
		return BuildPattern(nil, a.loc)
	}
	return BuildPattern(sessions, a.loc)
}
