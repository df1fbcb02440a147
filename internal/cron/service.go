package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// TaskFunc runs one maintenance task and returns a short summary.
type TaskFunc func(ctx context.Context) (string, error)

// Service runs named maintenance jobs (queue sweeps and the like) on
// robfig/cron and keeps their last-run state in a JSON file.
type Service struct {
	storePath string
	parser    rcron.Parser

	mu       sync.Mutex
	jobs     []Job
	tasks    map[string]TaskFunc
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
}

func NewService(storePath string) *Service {
	s := &Service{
		storePath: storePath,
		parser:    rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor),
		tasks:     make(map[string]TaskFunc),
		entryMap:  make(map[string]rcron.EntryID),
		runCtx:    context.Background(),
	}
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load jobs: %v", err)
	}
	return s
}

// Handle registers the function behind a task name.
func (s *Service) Handle(task string, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task] = fn
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("cron service already started")
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron = rcron.New(
		rcron.WithParser(s.parser),
		rcron.WithChain(rcron.Recover(rcron.PrintfLogger(log.Default())), rcron.SkipIfStillRunning(rcron.DiscardLogger)),
	)
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerJob(s.jobs[i])
		}
	}
	s.cron.Start()
	log.Printf("[cron] started with %d jobs", len(s.jobs))
	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job Job) {
	if s.cron == nil {
		return
	}
	sched, err := job.Schedule.parse(s.parser)
	if err != nil {
		log.Printf("[cron] failed to register job %s: %v", job.Name, err)
		return
	}
	id := job.ID
	s.entryMap[id] = s.cron.Schedule(sched, rcron.FuncJob(func() {
		s.execute(id)
	}))
}

func (s *Service) unregisterJob(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

func (s *Service) execute(id string) (JobState, error) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return JobState{}, fmt.Errorf("job %s not found", id)
	}
	job := s.jobs[idx]
	fn := s.tasks[job.Payload.Task]
	ctx := s.runCtx
	s.mu.Unlock()

	var (
		result string
		err    error
	)
	if fn == nil {
		err = fmt.Errorf("no handler for task %q", job.Payload.Task)
	} else {
		log.Printf("[cron] executing job %s (%s)", job.Name, job.ID)
		result, err = fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx = s.indexOf(id)
	if idx < 0 {
		return JobState{}, err
	}
	st := &s.jobs[idx].State
	st.LastRunAtMs = time.Now().UnixMilli()
	st.Runs++
	if err != nil {
		st.LastStatus = StatusError
		st.LastError = err.Error()
		log.Printf("[cron] job %s error: %v", job.Name, err)
	} else {
		st.LastStatus = StatusOK
		st.LastError = ""
		st.LastResult = truncate(result, 200)
		log.Printf("[cron] job %s result: %s", job.Name, truncate(result, 100))
	}
	if saveErr := s.save(); saveErr != nil {
		log.Printf("[cron] save jobs: %v", saveErr)
	}
	return *st, err
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.runCtx = context.Background()
	s.entryMap = make(map[string]rcron.EntryID)
	s.mu.Unlock()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	if cancel != nil {
		cancel()
	}
	log.Printf("[cron] stopped")
}

// AddJob validates the schedule, persists the job and registers it when the
// service is running.
func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*Job, error) {
	if _, err := schedule.parse(s.parser); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)
	s.registerJob(job)

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// EnsureJob adds the named job, or updates the schedule and task of an
// existing job with that name while keeping its run state.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*Job, error) {
	if _, err := schedule.parse(s.parser); err != nil {
		return nil, err
	}

	s.mu.Lock()
	idx := -1
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return s.AddJob(name, schedule, payload)
	}
	defer s.mu.Unlock()

	job := &s.jobs[idx]
	job.Schedule = schedule
	job.Payload = payload
	job.Enabled = true
	s.unregisterJob(job.ID)
	s.registerJob(*job)

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	out := *job
	return &out, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return false
	}
	s.unregisterJob(id)
	s.jobs = append(s.jobs[:idx], s.jobs[idx+1:]...)
	_ = s.save()
	return true
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return nil, fmt.Errorf("job %s not found", id)
	}
	s.jobs[idx].Enabled = enabled
	if enabled {
		if _, ok := s.entryMap[id]; !ok {
			s.registerJob(s.jobs[idx])
		}
	} else {
		s.unregisterJob(id)
	}
	_ = s.save()
	job := s.jobs[idx]
	return &job, nil
}

// RunNow executes a job synchronously outside its schedule.
func (s *Service) RunNow(id string) (JobState, error) {
	return s.execute(id)
}

func (s *Service) indexOf(id string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.jobs)
}

func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
