// Package execution implements the execution half of the remote execution
// API: the Execute/WaitExecution streams, Operation cancellation and the
// Bots long-poll API that workers feed from.
package execution

import (
	"context"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"gopkg.in/op/go-logging.v1"

	"github.com/toolchainlabs/remexec/src/digest"
	"github.com/toolchainlabs/remexec/src/grpcutil"
	"github.com/toolchainlabs/remexec/src/scheduler"
)

var log = logging.MustGetLogger("execution")

// defaultPollTimeout bounds a bot long-poll when the client gives us no
// deadline of its own.
const defaultPollTimeout = 30 * time.Second

// pollMargin is how much of the client's deadline we leave ourselves to get
// the response out of the door.
const pollMargin = time.Second

// A Server serves the execution services, one scheduler instance per
// customer namespace.
type Server struct {
	mu                sync.Mutex
	instances         map[string]*scheduler.Instance
	cas               pb.ContentAddressableStorageClient
	expirationTimeout time.Duration
}

// NewServer creates an execution server. Worker sessions expire after
// expirationTimeout without a poll. The CAS client, when given, is used to
// reject executions whose action was never uploaded.
func NewServer(expirationTimeout time.Duration, cas pb.ContentAddressableStorageClient) *Server {
	return &Server{
		instances:         map[string]*scheduler.Instance{},
		cas:               cas,
		expirationTimeout: expirationTimeout,
	}
}

// Register registers all the services this server implements.
func (s *Server) Register(g *grpc.Server) {
	pb.RegisterCapabilitiesServer(g, s)
	pb.RegisterExecutionServer(g, s)
	longrunningpb.RegisterOperationsServer(g, s)
	rwpb.RegisterBotsServer(g, s)
}

// ServeForever serves on the given address until terminated.
func ServeForever(address string, srv *Server, opts ...grpc.ServerOption) {
	s := grpcutil.NewServer(nil, nil, opts...)
	srv.Register(s)
	grpcutil.StartServer(s, address)
}

// instance returns the scheduler for the given namespace, creating it on
// first use.
func (s *Server) instance(name string) *scheduler.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, present := s.instances[name]
	if !present {
		log.Notice("Creating scheduler instance %s", name)
		i = scheduler.NewInstance(name, s.expirationTimeout)
		s.instances[name] = i
	}
	return i
}

func (s *Server) GetCapabilities(ctx context.Context, req *pb.GetCapabilitiesRequest) (*pb.ServerCapabilities, error) {
	return &pb.ServerCapabilities{
		ExecutionCapabilities: &pb.ExecutionCapabilities{
			DigestFunction:  pb.DigestFunction_SHA256,
			DigestFunctions: []pb.DigestFunction_Value{pb.DigestFunction_SHA256},
			ExecEnabled:     true,
		},
		LowApiVersion:  &semver.SemVer{Major: 2, Minor: 0},
		HighApiVersion: &semver.SemVer{Major: 2, Minor: 1},
	}, nil
}

func (s *Server) Execute(req *pb.ExecuteRequest, stream pb.Execution_ExecuteServer) error {
	d, err := digest.FromProto(req.ActionDigest)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%s", err)
	}
	if err := s.checkActionExists(stream.Context(), req.InstanceName, req.ActionDigest); err != nil {
		return err
	}
	operation, w := s.instance(req.InstanceName).Execute(d, req)
	defer w.Close()
	log.Info("Executing %s as %s", d, operation)
	return streamStatuses(operation, w, stream)
}

func (s *Server) WaitExecution(req *pb.WaitExecutionRequest, stream pb.Execution_WaitExecutionServer) error {
	instance, err := operationInstance(req.Name)
	if err != nil {
		return err
	}
	w := s.instance(instance).Wait(req.Name)
	if w == nil {
		return status.Errorf(codes.NotFound, "no execution in progress for %s", req.Name)
	}
	defer w.Close()
	return streamStatuses(req.Name, w, stream)
}

// checkActionExists verifies the action blob has been uploaded before we
// queue anything for it. No CAS client means no check.
func (s *Server) checkActionExists(ctx context.Context, instance string, d *pb.Digest) error {
	if s.cas == nil {
		return nil
	}
	resp, err := s.cas.FindMissingBlobs(ctx, &pb.FindMissingBlobsRequest{
		InstanceName: instance,
		BlobDigests:  []*pb.Digest{d},
	})
	if err != nil {
		log.Warning("Failed to check action %s against the CAS: %s", d.Hash, err)
		return nil // Storage trouble shouldn't fail the execution outright.
	} else if len(resp.MissingBlobDigests) > 0 {
		return status.Errorf(codes.FailedPrecondition, "action %s/%d is not in the CAS", d.Hash, d.SizeBytes)
	}
	return nil
}

// streamStatuses relays an action's status stream to a client as a series of
// longrunning operations, ending after the completed one.
func streamStatuses(operation string, w *scheduler.Watcher, stream pb.Execution_ExecuteServer) error {
	for {
		st, err := w.Next(stream.Context())
		if err == scheduler.ErrDone {
			return nil
		} else if err != nil {
			return err
		}
		op, err := asOperation(operation, st)
		if err != nil {
			return err
		}
		if err := stream.Send(op); err != nil {
			return err
		}
		if st.Stage == pb.ExecutionStage_COMPLETED {
			return nil
		}
	}
}

// asOperation converts a scheduler status to its wire representation.
func asOperation(name string, st scheduler.Status) (*longrunningpb.Operation, error) {
	metadata, err := anypb.New(&pb.ExecuteOperationMetadata{
		Stage:        st.Stage,
		ActionDigest: st.Digest.ToProto(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%s", err)
	}
	op := &longrunningpb.Operation{Name: name, Metadata: metadata}
	if st.Stage == pb.ExecutionStage_COMPLETED {
		response, err := anypb.New(st.Response)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "%s", err)
		}
		op.Done = true
		op.Result = &longrunningpb.Operation_Response{Response: response}
	}
	return op, nil
}

func (s *Server) CancelOperation(ctx context.Context, req *longrunningpb.CancelOperationRequest) (*emptypb.Empty, error) {
	instance, err := operationInstance(req.Name)
	if err != nil {
		return nil, err
	}
	s.instance(instance).Cancel(req.Name)
	return &emptypb.Empty{}, nil
}

func (s *Server) GetOperation(ctx context.Context, req *longrunningpb.GetOperationRequest) (*longrunningpb.Operation, error) {
	return nil, status.Errorf(codes.Unimplemented, "GetOperation is not implemented")
}

func (s *Server) ListOperations(ctx context.Context, req *longrunningpb.ListOperationsRequest) (*longrunningpb.ListOperationsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "ListOperations is not implemented")
}

func (s *Server) DeleteOperation(ctx context.Context, req *longrunningpb.DeleteOperationRequest) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "DeleteOperation is not implemented")
}

func (s *Server) WaitOperation(ctx context.Context, req *longrunningpb.WaitOperationRequest) (*longrunningpb.Operation, error) {
	return nil, status.Errorf(codes.Unimplemented, "WaitOperation is not implemented")
}

// operationInstance extracts the instance from an operation or session name,
// "{instance}/{uuid}". Instance names may themselves contain slashes.
func operationInstance(name string) (string, error) {
	idx := strings.LastIndexByte(name, '/')
	if idx <= 0 {
		return "", status.Errorf(codes.InvalidArgument, "invalid operation name %q", name)
	}
	return name[:idx], nil
}
