package supervisor

import (
	"sort"
	"time"

	"github.com/gantrylabs/gantry/pkg/logsink"
	"github.com/gantrylabs/gantry/pkg/metrics"
)

// State is the supervision state of one worker.
type State string

const (
	StateSpawning    State = "spawning"
	StateProbing     State = "probing"
	StateReady       State = "ready"
	StateDegraded    State = "degraded"
	StateTerminating State = "terminating"
	StateDead        State = "dead"
)

var allStates = []State{
	StateSpawning, StateProbing, StateReady,
	StateDegraded, StateTerminating, StateDead,
}

// WorkerRecord is the in-memory supervision record for one instance.
// It exists only between spawn and exit; callers get value snapshots.
type WorkerRecord struct {
	InstanceID   string
	UserID       string
	ServiceName  string
	PID          int
	Port         int
	State        State
	StartedAt    time.Time
	RetryCount   int
	LastHealthAt time.Time
	LastError    string
}

// worker pairs the record with the live process handle and log sink.
// Mutated only under the supervisor's table mutex.
type worker struct {
	rec  WorkerRecord
	proc Process
	sink *logsink.Sink
}

func (s *Supervisor) putWorker(w *worker) {
	s.mu.Lock()
	s.workers[w.rec.InstanceID] = w
	s.publishStatesLocked()
	s.mu.Unlock()
}

func (s *Supervisor) getWorker(instanceID string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[instanceID]
}

// removeWorker drops the record and returns its last snapshot, with
// the state it held at removal time.
func (s *Supervisor) removeWorker(instanceID string) (WorkerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[instanceID]
	if !ok {
		return WorkerRecord{}, false
	}
	delete(s.workers, instanceID)
	s.publishStatesLocked()
	return w.rec, true
}

// mutateRecord applies fn to the live record under the table mutex.
func (s *Supervisor) mutateRecord(instanceID string, fn func(*WorkerRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[instanceID]
	if !ok {
		return false
	}
	fn(&w.rec)
	s.publishStatesLocked()
	return true
}

// Status returns a snapshot of the worker record for an instance. The
// second return is false when no worker is under supervision.
func (s *Supervisor) Status(instanceID string) (WorkerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[instanceID]
	if !ok {
		return WorkerRecord{}, false
	}
	return w.rec, true
}

// Records returns snapshots of every supervised worker, ordered by
// instance id.
func (s *Supervisor) Records() []WorkerRecord {
	s.mu.Lock()
	recs := make([]WorkerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		recs = append(recs, w.rec)
	}
	s.mu.Unlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].InstanceID < recs[j].InstanceID })
	return recs
}

func (s *Supervisor) publishStatesLocked() {
	counts := make(map[State]int, len(allStates))
	for _, w := range s.workers {
		counts[w.rec.State]++
	}
	for _, st := range allStates {
		metrics.SetWorkersInState(string(st), counts[st])
	}
}
