package routing

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/attune/internal/store"
)

var testNow = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type sentNotification struct {
	RecipientID string
	Notification
	At time.Time
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	log  *eventLog
	err  error
}

func (n *fakeNotifier) Send(ctx context.Context, recipientID string, note Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, sentNotification{RecipientID: recipientID, Notification: note, At: time.Now()})
	n.mu.Unlock()
	if n.log != nil {
		n.log.add("notify:" + note.Kind + ":" + recipientID)
	}
	return n.err
}

func (n *fakeNotifier) kinds(recipientID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.RecipientID == recipientID {
			out = append(out, s.Kind)
		}
	}
	return out
}

func (n *fakeNotifier) find(recipientID, kind string) (sentNotification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if s.RecipientID == recipientID && s.Kind == kind {
			return s, true
		}
	}
	return sentNotification{}, false
}

// recordingStore wraps a real store, logs inserts and can fail inserts
// into chosen collections or for chosen recipients.
type recordingStore struct {
	DocumentStore
	log            *eventLog
	failCollection string
	failRecipient  string
}

var errStoreDown = errors.New("store down")

func (s *recordingStore) Insert(ctx context.Context, collection string, doc any) (string, error) {
	if s.failCollection == collection {
		return "", errStoreDown
	}
	if s.failRecipient != "" {
		switch v := doc.(type) {
		case DeliveryRecord:
			if v.RecipientID == s.failRecipient {
				return "", errStoreDown
			}
		case QueueEntry:
			if v.RecipientID == s.failRecipient {
				return "", errStoreDown
			}
		}
	}
	if s.log != nil {
		s.log.add("insert:" + collection)
	}
	return s.DocumentStore.Insert(ctx, collection, doc)
}

type fakeSessions struct {
	sessions []HistoricalSession
	err      error
}

func (f fakeSessions) Sessions(ctx context.Context, recipientID string, since time.Time) ([]HistoricalSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []HistoricalSession
	for _, s := range f.sessions {
		if s.RecipientID == recipientID && s.StartTimeMs > since.UnixMilli() {
			out = append(out, s)
		}
	}
	return out, nil
}

type failingStates struct{}

func (failingStates) GetState(ctx context.Context, recipientID string) (RecipientState, error) {
	return RecipientState{}, ErrStateUnavailable
}

type testEnv struct {
	store    *store.SQLite
	rec      *recordingStore
	notifier *fakeNotifier
	log      *eventLog
	router   *Router
}

func newTestEnv(t *testing.T, mutate func(*Deps, *Options)) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "attune.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	log := &eventLog{}
	rec := &recordingStore{DocumentStore: s, log: log}
	notifier := &fakeNotifier{log: log}

	deps := Deps{Store: rec, Notifier: notifier, Metrics: NewMetrics(prometheus.NewRegistry())}
	opts := DefaultOptions()
	opts.Location = time.UTC
	opts.PreparationDelay = NoPreparationDelay
	if mutate != nil {
		mutate(&deps, &opts)
	}

	r := NewRouter(deps, opts)
	r.SetClock(func() time.Time { return testNow })
	return &testEnv{store: s, rec: rec, notifier: notifier, log: log, router: r}
}

func ptr(v float64) *float64 { return &v }

func (e *testEnv) setPulse(t *testing.T, recipientID string, score float64) {
	t.Helper()
	_, err := e.store.Insert(context.Background(), CollectionPulse, PulseDoc{RecipientID: recipientID, Current: ptr(score)})
	require.NoError(t, err)
}

func (e *testEnv) setPresence(t *testing.T, recipientID, state string) {
	t.Helper()
	_, err := e.store.Insert(context.Background(), CollectionPresence, PresenceDoc{RecipientID: recipientID, State: state})
	require.NoError(t, err)
}

func (e *testEnv) deliveries(t *testing.T, recipientID string) []DeliveryRecord {
	t.Helper()
	docs, err := e.store.Query(context.Background(), CollectionMessages, store.Eq("recipientId", recipientID))
	require.NoError(t, err)
	out := make([]DeliveryRecord, 0, len(docs))
	for _, d := range docs {
		var rec DeliveryRecord
		require.NoError(t, d.Decode(&rec))
		rec.ID = d.ID
		out = append(out, rec)
	}
	return out
}

func (e *testEnv) queue(t *testing.T, recipientID string) []QueueEntry {
	t.Helper()
	docs, err := e.store.Query(context.Background(), CollectionQueue, store.Eq("recipientId", recipientID))
	require.NoError(t, err)
	out := make([]QueueEntry, 0, len(docs))
	for _, d := range docs {
		var qe QueueEntry
		require.NoError(t, d.Decode(&qe))
		qe.ID = d.ID
		out = append(out, qe)
	}
	return out
}

func newPlannerAt(now time.Time, sessions SessionSource) *Planner {
	windows := NewWindowPlanner(NewPatternAnalyzer(sessions, time.UTC), time.UTC)
	windows.now = func() time.Time { return now }
	p := NewPlanner(windows)
	p.now = func() time.Time { return now }
	return p
}

func stateWith(id string, score float64, activity string) RecipientState {
	return normalizeState(RecipientState{RecipientID: id, Score: score, Activity: activity})
}
