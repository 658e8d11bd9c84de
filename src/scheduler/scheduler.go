// Package scheduler implements the per-instance execution scheduler: the
// queue of pending actions, the set of live worker sessions, and the lease
// state machine that moves actions between them.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/toolchainlabs/remexec/src/digest"
)

var log = logging.MustGetLogger("scheduler")

var totalActions = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "toolchain",
	Subsystem: "scheduler",
	Name:      "actions_total",
})
var queuedActions = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "toolchain",
	Subsystem: "scheduler",
	Name:      "actions_queued",
})
var liveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "toolchain",
	Subsystem: "scheduler",
	Name:      "workers_current",
})
var actionDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "toolchain",
	Subsystem: "scheduler",
	Name:      "action_duration_seconds",
	Buckets:   []float64{1, 5, 15, 60, 300, 1200, 3600},
}, []string{"result"})

func init() {
	prometheus.MustRegister(totalActions)
	prometheus.MustRegister(queuedActions)
	prometheus.MustRegister(liveWorkers)
	prometheus.MustRegister(actionDurations)
}

// A Status is the current state of an action as seen by its watchers.
// Response is set iff Stage is COMPLETED.
type Status struct {
	Stage    pb.ExecutionStage_Value
	Digest   digest.Digest
	Response *pb.ExecuteResponse
}

// An action is one deduplicated unit of work, shared by every operation
// executing the same digest.
type action struct {
	digest   digest.Digest
	request  *pb.ExecuteRequest
	status   *broadcast
	watchers map[string]*Watcher // operation name -> registered watcher
}

// An Instance schedules all work for one customer namespace.
//
// Locking discipline: the actions mutex may be acquired while holding the
// workers mutex, never the reverse.
type Instance struct {
	name              string
	expirationTimeout time.Duration

	actionsMu sync.Mutex
	actions   map[digest.Digest]*action
	queue     []digest.Digest
	wake      chan struct{} // closed & replaced whenever the queue gains work

	workersMu sync.Mutex
	workers   map[string]*worker

	stop chan struct{}
}

// NewInstance creates a scheduler instance. Workers that don't poll again
// within expirationTimeout are reaped and their leases re-queued.
func NewInstance(name string, expirationTimeout time.Duration) *Instance {
	i := &Instance{
		name:              name,
		expirationTimeout: expirationTimeout,
		actions:           map[digest.Digest]*action{},
		wake:              make(chan struct{}),
		workers:           map[string]*worker{},
		stop:              make(chan struct{}),
	}
	go i.sweepWorkers()
	return i
}

// Name returns the instance's name.
func (i *Instance) Name() string { return i.name }

// Close shuts down the instance's background tasks.
func (i *Instance) Close() {
	close(i.stop)
}

// Execute registers a request to run the given action. Requests for a digest
// that is already queued or executing share the existing action; each call
// gets its own operation name and watcher regardless.
func (i *Instance) Execute(d digest.Digest, req *pb.ExecuteRequest) (string, *Watcher) {
	name := fmt.Sprintf("%s/%s", i.name, uuid.New())
	i.actionsMu.Lock()
	defer i.actionsMu.Unlock()
	a, present := i.actions[d]
	if !present {
		a = &action{
			digest:   d,
			request:  req,
			status:   newBroadcast(Status{Stage: pb.ExecutionStage_QUEUED, Digest: d}),
			watchers: map[string]*Watcher{},
		}
		i.actions[d] = a
		i.pushBack(d)
		totalActions.Inc()
	}
	w := a.status.newWatcher()
	a.watchers[name] = w
	return name, w
}

// Wait returns a fresh watcher on the action behind the named operation, or
// nil if no such operation is live. This is a linear scan; operation
// cardinality is bounded by concurrent client streams.
func (i *Instance) Wait(operation string) *Watcher {
	i.actionsMu.Lock()
	defer i.actionsMu.Unlock()
	for _, a := range i.actions {
		if _, present := a.watchers[operation]; present {
			return a.status.newWatcher()
		}
	}
	return nil
}

// Cancel removes the named operation's watcher. An action whose last watcher
// is cancelled is removed entirely; any running lease notices on the worker's
// next poll.
func (i *Instance) Cancel(operation string) {
	i.actionsMu.Lock()
	defer i.actionsMu.Unlock()
	for d, a := range i.actions {
		w, present := a.watchers[operation]
		if !present {
			continue
		}
		w.Close()
		delete(a.watchers, operation)
		if len(a.watchers) == 0 {
			log.Notice("Cancelling action %s, no watchers remain", d)
			delete(i.actions, d)
			a.status.close()
		}
		return
	}
}

// pushBack appends a digest to the queue and wakes pollers.
// Caller must hold the actions mutex.
func (i *Instance) pushBack(d digest.Digest) {
	i.queue = append(i.queue, d)
	queuedActions.Inc()
	i.notify()
}

// pushFront re-queues a digest ahead of never-started work.
// Caller must hold the actions mutex.
func (i *Instance) pushFront(d digest.Digest) {
	i.queue = append([]digest.Digest{d}, i.queue...)
	queuedActions.Inc()
	i.notify()
}

func (i *Instance) notify() {
	close(i.wake)
	i.wake = make(chan struct{})
}
