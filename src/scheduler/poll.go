package scheduler

import (
	"context"
	"sync"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/anypb"
)

// A worker is the server-side record of one bot session.
type worker struct {
	mu       sync.Mutex // exclusive access for the duration of one poll
	name     string
	botID    string
	capacity int
	leases   map[string]*RunningAction // lease id -> running action
	deadline time.Time
}

// Poll is the central worker long-poll. It finalizes any leases the session
// reports as finished, rescinds leases whose actions were cancelled, assigns
// queued work up to the worker's capacity, and otherwise holds the call until
// either new work arrives or the timeout elapses. The session is mutated in
// place.
func (i *Instance) Poll(ctx context.Context, session *rwpb.BotSession, timeout time.Duration) {
	w := i.lockWorker(session)
	defer w.mu.Unlock()
	i.finalizeLeases(w, session)
	deadline := time.Now().Add(timeout)
	for {
		i.workersMu.Lock()
		w.deadline = time.Now().Add(i.expirationTimeout)
		i.workersMu.Unlock()
		mutated := i.reclaimCancelled(w, session)
		mutated = i.assignWork(w, session) || mutated
		// Return as soon as anything changed, or while any lease is in
		// flight; holding the poll open would delay completion reporting.
		if mutated || len(w.leases) > 0 {
			return
		}
		i.actionsMu.Lock()
		wake := i.wake
		i.actionsMu.Unlock()
		select {
		case <-wake:
		case <-time.After(time.Until(deadline)):
			return
		case <-ctx.Done():
			return
		}
	}
}

// lockWorker finds or creates the worker record for a session and takes its
// per-poll lock. The workers mutex is released before the worker lock is
// taken so concurrent polls for other sessions don't serialise.
func (i *Instance) lockWorker(session *rwpb.BotSession) *worker {
	i.workersMu.Lock()
	w, present := i.workers[session.Name]
	if !present {
		w = &worker{
			name:     session.Name,
			botID:    session.BotId,
			capacity: 1,
			leases:   map[string]*RunningAction{},
			deadline: time.Now().Add(i.expirationTimeout),
		}
		i.workers[session.Name] = w
		liveWorkers.Inc()
	}
	i.workersMu.Unlock()
	w.mu.Lock()
	return w
}

// finalizeLeases delivers the results of any leases the worker reports as
// finished and removes them from the session.
func (i *Instance) finalizeLeases(w *worker, session *rwpb.BotSession) {
	kept := session.Leases[:0]
	for _, lease := range session.Leases {
		if lease.State != rwpb.LeaseState_COMPLETED && lease.State != rwpb.LeaseState_CANCELLED {
			kept = append(kept, lease)
			continue
		}
		ra, present := w.leases[lease.Id]
		if !present {
			log.Warning("Worker %s reported unknown lease %s", w.name, lease.Id)
			continue
		}
		delete(w.leases, lease.Id)
		ra.Complete(leaseResponse(lease))
	}
	session.Leases = kept
}

// reclaimCancelled drops any of the worker's leases whose backing action has
// been cancelled out from under it.
func (i *Instance) reclaimCancelled(w *worker, session *rwpb.BotSession) bool {
	mutated := false
	for id, ra := range w.leases {
		if !ra.IsCancelled() {
			continue
		}
		log.Notice("Rescinding lease %s on %s, action was cancelled", id, w.name)
		ra.Release()
		delete(w.leases, id)
		session.Leases = removeLease(session.Leases, id)
		mutated = true
	}
	return mutated
}

// assignWork pops queued digests onto the worker while it has spare capacity.
func (i *Instance) assignWork(w *worker, session *rwpb.BotSession) bool {
	i.actionsMu.Lock()
	defer i.actionsMu.Unlock()
	mutated := false
	for len(w.leases) < w.capacity && len(i.queue) > 0 {
		d := i.queue[0]
		i.queue = i.queue[1:]
		queuedActions.Dec()
		a, present := i.actions[d]
		if !present {
			continue // cancelled while still queued
		}
		payload, err := anypb.New(a.request)
		if err != nil {
			log.Error("Failed to encode lease payload for %s: %s", d, err)
			continue
		}
		lease := &rwpb.Lease{
			Id:      uuid.New().String(),
			State:   rwpb.LeaseState_PENDING,
			Payload: payload,
		}
		a.status.publish(Status{Stage: pb.ExecutionStage_EXECUTING, Digest: d})
		session.Leases = append(session.Leases, lease)
		w.leases[lease.Id] = &RunningAction{
			instance: i,
			action:   a,
			leaseID:  lease.Id,
			started:  time.Now(),
		}
		mutated = true
	}
	return mutated
}

// leaseResponse decodes a finished lease into the response published to the
// action's watchers.
func leaseResponse(lease *rwpb.Lease) *pb.ExecuteResponse {
	if lease.State == rwpb.LeaseState_CANCELLED {
		return &pb.ExecuteResponse{Status: &rpcstatus.Status{
			Code:    int32(codes.Canceled),
			Message: "lease cancelled by worker",
		}}
	}
	if s := lease.Status; s != nil && s.Code != int32(codes.OK) {
		return &pb.ExecuteResponse{Status: s}
	}
	ar := &pb.ActionResult{}
	if lease.Result != nil {
		if err := lease.Result.UnmarshalTo(ar); err != nil {
			log.Error("Failed to decode result of lease %s: %s", lease.Id, err)
			return &pb.ExecuteResponse{Status: &rpcstatus.Status{
				Code:    int32(codes.Internal),
				Message: "undecodable action result",
			}}
		}
	}
	return &pb.ExecuteResponse{
		Result: ar,
		Status: &rpcstatus.Status{Code: int32(codes.OK)},
	}
}

func removeLease(leases []*rwpb.Lease, id string) []*rwpb.Lease {
	for i, lease := range leases {
		if lease.Id == id {
			return append(leases[:i], leases[i+1:]...)
		}
	}
	return leases
}

// A RunningAction ties one lease to its action for the lease's lifetime.
// Exactly one of Complete or Release must eventually be called; Release is
// the scope-exit guard, so every path that drops a lease without a result
// (poll timeout, worker expiry, cancellation) flows through the same
// re-queue logic.
type RunningAction struct {
	instance  *Instance
	action    *action
	leaseID   string
	started   time.Time
	completed bool
}

// Complete publishes the action's final result and retires it.
func (r *RunningAction) Complete(resp *pb.ExecuteResponse) {
	if r.completed {
		return
	}
	r.completed = true
	i := r.instance
	i.actionsMu.Lock()
	if a, present := i.actions[r.action.digest]; present && a == r.action {
		delete(i.actions, r.action.digest)
	}
	r.action.status.publish(Status{
		Stage:    pb.ExecutionStage_COMPLETED,
		Digest:   r.action.digest,
		Response: resp,
	})
	r.action.status.close()
	i.actionsMu.Unlock()
	actionDurations.WithLabelValues("complete").Observe(time.Since(r.started).Seconds())
}

// Release drops the lease without a result. If anyone is still watching the
// action it goes back to the front of the queue; otherwise it is discarded.
func (r *RunningAction) Release() {
	if r.completed {
		return
	}
	r.completed = true
	i := r.instance
	i.actionsMu.Lock()
	if a, present := i.actions[r.action.digest]; present && a == r.action {
		if a.status.hasReaders() {
			a.status.publish(Status{Stage: pb.ExecutionStage_QUEUED, Digest: r.action.digest})
			i.pushFront(r.action.digest)
		} else {
			delete(i.actions, r.action.digest)
			a.status.close()
		}
	}
	i.actionsMu.Unlock()
	actionDurations.WithLabelValues("cancelled").Observe(time.Since(r.started).Seconds())
}

// IsCancelled reports whether nobody cares about this action any more: it has
// been removed from the instance or its last watcher is gone.
func (r *RunningAction) IsCancelled() bool {
	i := r.instance
	i.actionsMu.Lock()
	a, present := i.actions[r.action.digest]
	i.actionsMu.Unlock()
	return !present || a != r.action || !a.status.hasReaders()
}

// sweepWorkers reaps workers whose sessions have expired, re-queueing their
// in-flight work. It sleeps until the nearest deadline and exits when the
// instance is closed.
func (i *Instance) sweepWorkers() {
	for {
		i.workersMu.Lock()
		next := time.Now().Add(i.expirationTimeout)
		var expired []*worker
		for name, w := range i.workers {
			if time.Now().After(w.deadline) {
				delete(i.workers, name)
				expired = append(expired, w)
				liveWorkers.Dec()
			} else if w.deadline.Before(next) {
				next = w.deadline
			}
		}
		i.workersMu.Unlock()
		for _, w := range expired {
			w.mu.Lock()
			for id, ra := range w.leases {
				log.Warning("Reclaiming lease %s from expired worker %s", id, w.name)
				ra.Release()
				delete(w.leases, id)
			}
			w.mu.Unlock()
			log.Notice("Expired worker %s", w.name)
		}
		select {
		case <-time.After(time.Until(next)):
		case <-i.stop:
			return
		}
	}
}
