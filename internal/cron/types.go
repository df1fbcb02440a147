package cron

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

const (
	KindCron  = "cron"
	KindEvery = "every"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Schedule is either a six-field cron expression (seconds first) or a
// fixed interval.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
}

func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindEvery, EveryMs: d.Milliseconds()}
}

func (s Schedule) parse(parser rcron.Parser) (rcron.Schedule, error) {
	switch s.Kind {
	case KindCron:
		sched, err := parser.Parse(s.Expr)
		if err != nil {
			return nil, fmt.Errorf("parse cron expr %q: %w", s.Expr, err)
		}
		return sched, nil
	case KindEvery:
		if s.EveryMs < 1000 {
			return nil, fmt.Errorf("interval %dms is below one second", s.EveryMs)
		}
		return rcron.Every(time.Duration(s.EveryMs) * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Payload names the registered task a job runs.
type Payload struct {
	Task string `json:"task"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastResult  string `json:"lastResult,omitempty"`
	Runs        int    `json:"runs"`
}

type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	Schedule    Schedule `json:"schedule"`
	Payload     Payload  `json:"payload"`
	State       JobState `json:"state"`
	CreatedAtMs int64    `json:"createdAtMs"`
}

func NewJob(name string, schedule Schedule, payload Payload) Job {
	return Job{
		ID:          uuid.NewString()[:8],
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
