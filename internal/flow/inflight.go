package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InFlightRun marks a conversation whose engine loop is executing.
type InFlightRun struct {
	ID            string
	CustomerPhone string
	StartedAt     time.Time
	Deadline      time.Time
}

type inFlightRuns struct {
	mu   sync.Mutex
	runs map[string]InFlightRun
}

func newInFlightRuns() *inFlightRuns {
	return &inFlightRuns{runs: make(map[string]InFlightRun)}
}

// start registers a run. Callers must hold the customer's lock.
func (r *inFlightRuns) start(customer string, bound time.Duration) InFlightRun {
	now := time.Now()
	run := InFlightRun{ID: uuid.NewString(), CustomerPhone: customer, StartedAt: now, Deadline: now.Add(bound)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.runs[customer]; ok {
		slog.Error("inFlightRuns.start: run already registered", "customer", customer, "previous_run", prev.ID)
	}
	r.runs[customer] = run
	return run
}

func (r *inFlightRuns) finish(run InFlightRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.runs[run.CustomerPhone]; ok && cur.ID == run.ID {
		delete(r.runs, run.CustomerPhone)
	}
}

func (r *inFlightRuns) get(customer string) (InFlightRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[customer]
	return run, ok
}
