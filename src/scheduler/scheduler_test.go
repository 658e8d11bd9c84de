package scheduler

import (
	"context"
	"testing"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/toolchainlabs/remexec/src/digest"
)

const pollTimeout = 100 * time.Millisecond

func newTestInstance(t *testing.T, expiration time.Duration) *Instance {
	t.Helper()
	i := NewInstance("test", expiration)
	t.Cleanup(i.Close)
	return i
}

func newSession(name string) *rwpb.BotSession {
	return &rwpb.BotSession{Name: "test/" + name, BotId: name}
}

func executeRequest(content string) (digest.Digest, *pb.ExecuteRequest) {
	d := digest.OfBytes([]byte(content))
	return d, &pb.ExecuteRequest{InstanceName: "test", ActionDigest: d.ToProto()}
}

// completeLease marks the session's only lease done with an empty result, as
// a worker would after running it.
func completeLease(t *testing.T, session *rwpb.BotSession) {
	t.Helper()
	require.Len(t, session.Leases, 1)
	result, err := anypb.New(&pb.ActionResult{})
	require.NoError(t, err)
	session.Leases[0].State = rwpb.LeaseState_COMPLETED
	session.Leases[0].Result = result
	session.Leases[0].Status = &rpcstatus.Status{Code: int32(codes.OK)}
}

// awaitCompletion consumes statuses off a watcher until the action completes.
func awaitCompletion(t *testing.T, w *Watcher) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		s, err := w.Next(ctx)
		require.NoError(t, err)
		if s.Stage == pb.ExecutionStage_COMPLETED {
			return s
		}
	}
}

func TestExecuteAndComplete(t *testing.T) {
	i := newTestInstance(t, time.Minute)
	d, req := executeRequest("basic action")
	op, w := i.Execute(d, req)
	defer w.Close()
	assert.Contains(t, op, "test/")

	session := newSession("worker-1")
	i.Poll(context.Background(), session, pollTimeout)
	require.Len(t, session.Leases, 1)
	assert.Equal(t, rwpb.LeaseState_PENDING, session.Leases[0].State)
	// The lease payload carries the original request.
	payload := &pb.ExecuteRequest{}
	require.NoError(t, session.Leases[0].Payload.UnmarshalTo(payload))
	assert.Equal(t, d.ToProto().Hash, payload.ActionDigest.Hash)

	completeLease(t, session)
	i.Poll(context.Background(), session, pollTimeout)
	assert.Empty(t, session.Leases)

	s := awaitCompletion(t, w)
	require.NotNil(t, s.Response)
	assert.EqualValues(t, codes.OK, s.Response.Status.Code)
	assert.NotNil(t, s.Response.Result)
}

func TestExecuteDeduplicates(t *testing.T) {
	i := newTestInstance(t, time.Minute)
	d, req := executeRequest("popular action")
	op1, w1 := i.Execute(d, req)
	op2, w2 := i.Execute(d, req)
	defer w1.Close()
	defer w2.Close()
	assert.NotEqual(t, op1, op2)

	// Only one lease is minted however many clients asked.
	session := newSession("worker-1")
	i.Poll(context.Background(), session, pollTimeout)
	require.Len(t, session.Leases, 1)
	session2 := newSession("worker-2")
	i.Poll(context.Background(), session2, pollTimeout)
	assert.Empty(t, session2.Leases)

	completeLease(t, session)
	i.Poll(context.Background(), session, pollTimeout)

	// Both watchers observe the same completion exactly once.
	s1 := awaitCompletion(t, w1)
	s2 := awaitCompletion(t, w2)
	assert.Equal(t, s1.Digest, s2.Digest)
	_, err := w1.Next(contextWithShortTimeout(t))
	assert.Equal(t, ErrDone, err)
	_, err = w2.Next(contextWithShortTimeout(t))
	assert.Equal(t, ErrDone, err)
}

func TestLeaseErrorBecomesCompletion(t *testing.T) {
	i := newTestInstance(t, time.Minute)
	d, req := executeRequest("doomed action")
	_, w := i.Execute(d, req)
	defer w.Close()
	session := newSession("worker-1")
	i.Poll(context.Background(), session, pollTimeout)
	require.Len(t, session.Leases, 1)
	session.Leases[0].State = rwpb.LeaseState_COMPLETED
	session.Leases[0].Status = &rpcstatus.Status{
		Code:    int32(codes.FailedPrecondition),
		Message: "missing inputs",
	}
	i.Poll(context.Background(), session, pollTimeout)
	s := awaitCompletion(t, w)
	assert.EqualValues(t, codes.FailedPrecondition, s.Response.Status.Code)
}

func TestCancellationRescindsLease(t *testing.T) {
	i := newTestInstance(t, time.Minute)
	d, req := executeRequest("cancelled action")
	op, w := i.Execute(d, req)
	session := newSession("worker-1")
	i.Poll(context.Background(), session, pollTimeout)
	require.Len(t, session.Leases, 1)

	w.Close()
	i.Cancel(op)

	// The next poll must notice promptly, well inside its long-poll window.
	start := time.Now()
	i.Poll(context.Background(), session, 6*time.Second)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, session.Leases)
}

func TestCancelWhileQueued(t *testing.T) {
	i := newTestInstance(t, time.Minute)
	d, req := executeRequest("never started")
	op, w := i.Execute(d, req)
	w.Close()
	i.Cancel(op)
	session := newSession("worker-1")
	i.Poll(context.Background(), session, pollTimeout)
	assert.Empty(t, session.Leases)
}

func TestWorkerExpirationRequeues(t *testing.T) {
	i := newTestInstance(t, 100*time.Millisecond)
	d, req := executeRequest("orphaned action")
	_, w := i.Execute(d, req)
	defer w.Close()

	sessionA := newSession("worker-a")
	i.Poll(context.Background(), sessionA, pollTimeout)
	require.Len(t, sessionA.Leases, 1)

	// Worker A goes quiet; after its session expires another worker picks the
	// same action up.
	require.Eventually(t, func() bool {
		sessionB := newSession("worker-b")
		i.Poll(context.Background(), sessionB, 50*time.Millisecond)
		return len(sessionB.Leases) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRequeueJumpsAheadOfNewWork(t *testing.T) {
	i := newTestInstance(t, time.Minute)
	d1, req1 := executeRequest("first in")
	_, w1 := i.Execute(d1, req1)
	defer w1.Close()

	session := newSession("worker-1")
	i.Poll(context.Background(), session, pollTimeout)
	require.Len(t, session.Leases, 1)

	d2, req2 := executeRequest("second in")
	_, w2 := i.Execute(d2, req2)
	defer w2.Close()

	// Drop worker-1's lease without completing it: d1 must come back out
	// before d2 despite being re-queued later.
	i.workersMu.Lock()
	worker1 := i.workers[session.Name]
	i.workersMu.Unlock()
	worker1.mu.Lock()
	for id, ra := range worker1.leases {
		ra.Release()
		delete(worker1.leases, id)
	}
	worker1.mu.Unlock()

	session2 := newSession("worker-2")
	i.Poll(context.Background(), session2, pollTimeout)
	require.Len(t, session2.Leases, 1)
	payload := &pb.ExecuteRequest{}
	require.NoError(t, session2.Leases[0].Payload.UnmarshalTo(payload))
	assert.Equal(t, d1.ToProto().Hash, payload.ActionDigest.Hash)
}

func TestPollTimesOutWithNoWork(t *testing.T) {
	i := newTestInstance(t, time.Minute)
	session := newSession("worker-1")
	start := time.Now()
	i.Poll(context.Background(), session, 50*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Empty(t, session.Leases)
}

func TestPollWakesOnNewWork(t *testing.T) {
	i := newTestInstance(t, time.Minute)
	session := newSession("worker-1")
	d, req := executeRequest("late arrival")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, w := i.Execute(d, req)
		defer w.Close()
	}()
	start := time.Now()
	i.Poll(context.Background(), session, 5*time.Second)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, session.Leases, 1)
}

func TestWaitReturnsFreshWatcher(t *testing.T) {
	i := newTestInstance(t, time.Minute)
	d, req := executeRequest("watched action")
	op, w := i.Execute(d, req)
	defer w.Close()
	w2 := i.Wait(op)
	require.NotNil(t, w2)
	defer w2.Close()
	s, err := w2.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pb.ExecutionStage_QUEUED, s.Stage)

	assert.Nil(t, i.Wait("test/no-such-operation"))
}

func TestCancelUnknownOperationIsANoOp(t *testing.T) {
	i := newTestInstance(t, time.Minute)
	i.Cancel("test/no-such-operation")
}

func contextWithShortTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}
