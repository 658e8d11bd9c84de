package proxy

import (
	"context"
	"io"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/toolchainlabs/remexec/src/auth"
)

// executionBackend resolves the execution backend for an instance, which not
// every instance has configured.
func (s *Server) executionBackend(instance string) (*backend, error) {
	b := s.router.backendsFor(instance).execution
	if b == nil {
		return nil, status.Errorf(codes.Unavailable, "no execution backend configured for instance %s", instance)
	}
	return b, nil
}

func (s *Server) Execute(req *pb.ExecuteRequest, stream pb.Execution_ExecuteServer) error {
	ctx := stream.Context()
	if err := s.auth.Authenticate(ctx, req.InstanceName, auth.Execute); err != nil {
		return err
	}
	b, err := s.executionBackend(req.InstanceName)
	if err != nil {
		return err
	}
	return s.relayOperations(ctx, stream, func(ctx context.Context) (pb.Execution_ExecuteClient, error) {
		return b.exec.Execute(ctx, req)
	})
}

func (s *Server) WaitExecution(req *pb.WaitExecutionRequest, stream pb.Execution_WaitExecutionServer) error {
	ctx := stream.Context()
	instance, err := operationInstance(req.Name)
	if err != nil {
		return err
	}
	if err := s.auth.Authenticate(ctx, instance, auth.Execute); err != nil {
		return err
	}
	b, err := s.executionBackend(instance)
	if err != nil {
		return err
	}
	return s.relayOperations(ctx, stream, func(ctx context.Context) (pb.Execution_ExecuteClient, error) {
		return b.exec.WaitExecution(ctx, req)
	})
}

// relayOperations copies a backend operation stream to the client,
// retrying once if the stream fails before anything has been relayed.
func (s *Server) relayOperations(ctx context.Context, stream pb.Execution_ExecuteServer, open func(context.Context) (pb.Execution_ExecuteClient, error)) error {
	relayed := false
	relay := func() error {
		in, err := open(ctx)
		if err != nil {
			return err
		}
		for {
			op, err := in.Recv()
			if err == io.EOF {
				return nil
			} else if err != nil {
				return err
			}
			if err := stream.Send(op); err != nil {
				return err
			}
			relayed = true
		}
	}
	err := relay()
	if err != nil && !relayed && retryable(status.Code(err)) {
		log.Notice("Retrying execution stream after %s", err)
		retriedRequests.Inc()
		return relay()
	}
	return err
}

func (s *Server) CancelOperation(ctx context.Context, req *longrunningpb.CancelOperationRequest) (*emptypb.Empty, error) {
	instance, err := operationInstance(req.Name)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Authenticate(ctx, instance, auth.Execute); err != nil {
		return nil, err
	}
	b, err := s.executionBackend(instance)
	if err != nil {
		return nil, err
	}
	return forward(ctx, "CancelOperation", func(ctx context.Context) (*emptypb.Empty, error) {
		return b.ops.CancelOperation(ctx, req)
	})
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

func (s *Server) CreateBotSession(ctx context.Context, req *rwpb.CreateBotSessionRequest) (*rwpb.BotSession, error) {
	if err := s.auth.Authenticate(ctx, req.Parent, auth.Execute); err != nil {
		return nil, err
	}
	b, err := s.executionBackend(req.Parent)
	if err != nil {
		return nil, err
	}
	return forward(ctx, "CreateBotSession", func(ctx context.Context) (*rwpb.BotSession, error) {
		return b.bots.CreateBotSession(ctx, req)
	})
}

func (s *Server) UpdateBotSession(ctx context.Context, req *rwpb.UpdateBotSessionRequest) (*rwpb.BotSession, error) {
	instance, err := operationInstance(req.Name)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Authenticate(ctx, instance, auth.Execute); err != nil {
		return nil, err
	}
	b, err := s.executionBackend(instance)
	if err != nil {
		return nil, err
	}
	// Long polls hang off the client's own deadline, which the retained
	// context preserves for the backend to inspect.
	return forward(ctx, "UpdateBotSession", func(ctx context.Context) (*rwpb.BotSession, error) {
		return b.bots.UpdateBotSession(ctx, req)
	})
}
