package routing

import (
	"context"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Window is a named daily delivery window.
type Window struct {
	Name      string
	StartHour int
	EndHour   int
}

// SacredWindows is the fixed set of daily windows, in clock order.
var SacredWindows = []Window{
	{Name: "dawn", StartHour: 5, EndHour: 7},
	{Name: "morning", StartHour: 9, EndHour: 11},
	{Name: "afternoon", StartHour: 14, EndHour: 16},
	{Name: "dusk", StartHour: 17, EndHour: 19},
	{Name: "evening", StartHour: 20, EndHour: 22},
}

// Candidate is one concrete occurrence of a window.
type Candidate struct {
	Name  string
	Start time.Time
	End   time.Time
}

const (
	fallbackHour  = 9
	minCandidates = 3
)

type WindowPlanner struct {
	analyzer *PatternAnalyzer
	loc      *time.Location
	now      func() time.Time
}

func NewWindowPlanner(analyzer *PatternAnalyzer, loc *time.Location) *WindowPlanner {
	if loc == nil {
		loc = time.Local
	}
	return &WindowPlanner{analyzer: analyzer, loc: loc, now: time.Now}
}

// UpcomingWindows lists the preferred windows still ahead today, adding
// tomorrow's when fewer than three remain, in chronological order.
// Windows starting inside a quiet-hour range are skipped.
func (w *WindowPlanner) UpcomingWindows(prefs Preferences, now time.Time) []Candidate {
	now = now.In(w.loc)
	preferred := make(map[string]bool, len(prefs.SacredWindows))
	for _, name := range prefs.SacredWindows {
		preferred[strings.ToLower(strings.TrimSpace(name))] = true
	}
	quiet := parseQuietHours(prefs.QuietHours)

	var out []Candidate
	appendDay := func(dayOffset int, onlyFuture bool) {
		for _, win := range SacredWindows {
			if !preferred[win.Name] {
				continue
			}
			start := time.Date(now.Year(), now.Month(), now.Day()+dayOffset, win.StartHour, 0, 0, 0, w.loc)
			if onlyFuture && !start.After(now) {
				continue
			}
			if quiet.contains(start) {
				continue
			}
			out = append(out, Candidate{
				Name:  win.Name,
				Start: start,
				End:   start.Add(time.Duration(win.EndHour-win.StartHour) * time.Hour),
			})
		}
	}

	appendDay(0, true)
	if len(out) < minCandidates {
		appendDay(1, false)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// FindOptimalTime returns the start of the earliest upcoming window whose
// predicted score exceeds the recipient's threshold, or tomorrow 09:00.
// Earliest qualifying wins over highest scoring.
func (w *WindowPlanner) FindOptimalTime(ctx context.Context, state RecipientState) time.Time {
	return w.findOptimalTimeAt(ctx, state, w.now())
}

func (w *WindowPlanner) findOptimalTimeAt(ctx context.Context, state RecipientState, now time.Time) time.Time {
	pattern := w.analyzer.Analyze(ctx, state.RecipientID, now)
	for _, c := range w.UpcomingWindows(state.Preferences, now) {
		if pattern.Predict(c.Start) > state.Preferences.CoherenceThreshold {
			return c.Start
		}
	}
	local := now.In(w.loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, fallbackHour, 0, 0, 0, w.loc)
}

type clockRange struct{ start, end int }

type quietHours []clockRange

func parseQuietHours(ranges []TimeRange) quietHours {
	var out quietHours
	for _, r := range ranges {
		start, ok1 := parseClock(r.Start)
		end, ok2 := parseClock(r.End)
		if !ok1 || !ok2 || start == end {
			log.Printf("[windows] ignoring quiet hours %q-%q", r.Start, r.End)
			continue
		}
		out = append(out, clockRange{start: start, end: end})
	}
	return out
}

func (q quietHours) contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	for _, r := range q {
		if r.start < r.end {
			if m >= r.start && m < r.end {
				return true
			}
		} else if m >= r.start || m < r.end {
			return true
		}
	}
	return false
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, false
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
