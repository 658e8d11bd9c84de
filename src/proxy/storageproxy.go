package proxy

import (
	"context"
	"io"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/toolchainlabs/remexec/src/auth"
)

func (s *Server) GetCapabilities(ctx context.Context, req *pb.GetCapabilitiesRequest) (*pb.ServerCapabilities, error) {
	if err := s.auth.Authenticate(ctx, req.InstanceName, auth.Read); err != nil {
		return nil, err
	}
	b := s.router.backendsFor(req.InstanceName).cas
	return forward(ctx, "GetCapabilities", func(ctx context.Context) (*pb.ServerCapabilities, error) {
		return b.caps.GetCapabilities(ctx, req)
	})
}

func (s *Server) FindMissingBlobs(ctx context.Context, req *pb.FindMissingBlobsRequest) (*pb.FindMissingBlobsResponse, error) {
	if err := s.auth.Authenticate(ctx, req.InstanceName, auth.Read); err != nil {
		return nil, err
	}
	b := s.router.backendsFor(req.InstanceName).cas
	return forward(ctx, "FindMissingBlobs", func(ctx context.Context) (*pb.FindMissingBlobsResponse, error) {
		return b.cas.FindMissingBlobs(ctx, req)
	})
}

func (s *Server) BatchUpdateBlobs(ctx context.Context, req *pb.BatchUpdateBlobsRequest) (*pb.BatchUpdateBlobsResponse, error) {
	if err := s.auth.Authenticate(ctx, req.InstanceName, auth.ReadWrite); err != nil {
		return nil, err
	}
	b := s.router.backendsFor(req.InstanceName).cas
	return forward(ctx, "BatchUpdateBlobs", func(ctx context.Context) (*pb.BatchUpdateBlobsResponse, error) {
		return b.cas.BatchUpdateBlobs(ctx, req)
	})
}

func (s *Server) BatchReadBlobs(ctx context.Context, req *pb.BatchReadBlobsRequest) (*pb.BatchReadBlobsResponse, error) {
	if err := s.auth.Authenticate(ctx, req.InstanceName, auth.Read); err != nil {
		return nil, err
	}
	b := s.router.backendsFor(req.InstanceName).cas
	return forward(ctx, "BatchReadBlobs", func(ctx context.Context) (*pb.BatchReadBlobsResponse, error) {
		return b.cas.BatchReadBlobs(ctx, req)
	})
}

func (s *Server) GetTree(req *pb.GetTreeRequest, stream pb.ContentAddressableStorage_GetTreeServer) error {
	return status.Errorf(codes.Unimplemented, "GetTree is not implemented")
}

func (s *Server) GetActionResult(ctx context.Context, req *pb.GetActionResultRequest) (*pb.ActionResult, error) {
	if err := s.auth.Authenticate(ctx, req.InstanceName, auth.Read); err != nil {
		return nil, err
	}
	b := s.router.backendsFor(req.InstanceName).actionCache
	ar, err := forward(ctx, "GetActionResult", func(ctx context.Context) (*pb.ActionResult, error) {
		if s.router.acTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.router.acTimeout)
			defer cancel()
		}
		return b.ac.GetActionResult(ctx, req)
	})
	// A backend that blew our per-call budget (rather than the client's own
	// deadline) surfaces as unavailability, not a deadline error.
	if status.Code(err) == codes.DeadlineExceeded && ctx.Err() == nil {
		return nil, status.Errorf(codes.Unavailable, "storage backend timeout")
	}
	return ar, err
}

func (s *Server) UpdateActionResult(ctx context.Context, req *pb.UpdateActionResultRequest) (*pb.ActionResult, error) {
	if err := s.auth.Authenticate(ctx, req.InstanceName, auth.ReadWrite); err != nil {
		return nil, err
	}
	b := s.router.backendsFor(req.InstanceName).actionCache
	return forward(ctx, "UpdateActionResult", func(ctx context.Context) (*pb.ActionResult, error) {
		return b.ac.UpdateActionResult(ctx, req)
	})
}

func (s *Server) Read(req *bs.ReadRequest, stream bs.ByteStream_ReadServer) error {
	instance, err := resourceInstance(req.ResourceName, "blobs")
	if err != nil {
		return err
	}
	ctx := stream.Context()
	if err := s.auth.Authenticate(ctx, instance, auth.Read); err != nil {
		return err
	}
	b := s.router.backendsFor(instance).cas
	// Retryable only until the first chunk has been passed on.
	relayed := false
	relay := func() error {
		in, err := b.bs.Read(ctx, req)
		if err != nil {
			return err
		}
		for {
			resp, err := in.Recv()
			if err == io.EOF {
				return nil
			} else if err != nil {
				return err
			}
			if err := stream.Send(resp); err != nil {
				return err
			}
			relayed = true
		}
	}
	err = relay()
	if err != nil && !relayed && retryable(status.Code(err)) {
		log.Notice("Retrying ByteStream read of %s after %s", req.ResourceName, err)
		retriedRequests.Inc()
		return relay()
	}
	return err
}

func (s *Server) Write(stream bs.ByteStream_WriteServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	instance, err := resourceInstance(first.ResourceName, "uploads")
	if err != nil {
		return err
	}
	ctx := stream.Context()
	if err := s.auth.Authenticate(ctx, instance, auth.ReadWrite); err != nil {
		return err
	}
	b := s.router.backendsFor(instance).cas
	// The inbound stream is not replayable, so a retry is only sound while
	// we have consumed nothing past the first message (which we retain).
	consumedMore := false
	resp, err := s.relayWrite(ctx, b, stream, first, &consumedMore)
	if err != nil && !consumedMore && retryable(status.Code(err)) {
		log.Notice("Retrying ByteStream write of %s after %s", first.ResourceName, err)
		retriedRequests.Inc()
		if resp, err = s.relayWrite(ctx, b, stream, first, &consumedMore); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return stream.SendAndClose(resp)
}

func (s *Server) relayWrite(ctx context.Context, b *backend, stream bs.ByteStream_WriteServer, first *bs.WriteRequest, consumedMore *bool) (*bs.WriteResponse, error) {
	out, err := b.bs.Write(ctx)
	if err != nil {
		return nil, err
	}
	if err := out.Send(first); err != nil {
		// The stream broke; the real error comes from CloseAndRecv.
		return out.CloseAndRecv()
	}
	if !first.FinishWrite {
		for {
			req, err := stream.Recv()
			if err == io.EOF {
				break
			} else if err != nil {
				out.CloseAndRecv()
				return nil, err
			}
			*consumedMore = true
			if err := out.Send(req); err != nil {
				break
			}
			if req.FinishWrite {
				break
			}
		}
	}
	return out.CloseAndRecv()
}

func (s *Server) QueryWriteStatus(ctx context.Context, req *bs.QueryWriteStatusRequest) (*bs.QueryWriteStatusResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "QueryWriteStatus is not implemented")
}

// resourceInstance extracts the instance from a ByteStream resource name.
// The trailing segments are fixed ("blobs/{hash}/{size}" for reads,
// "uploads/{uuid}/blobs/{hash}/{size}" for writes) so the marker is located
// from the end; instance names may themselves contain slashes, including
// segments that collide with the markers.
func resourceInstance(name, marker string) (string, error) {
	trailing := 3 // blobs/{hash}/{size}
	if marker == "uploads" {
		trailing = 5
	}
	parts := strings.Split(name, "/")
	if len(parts) <= trailing || parts[len(parts)-trailing] != marker {
		return "", status.Errorf(codes.InvalidArgument, "invalid resource name %q", name)
	}
	return strings.Join(parts[:len(parts)-trailing], "/"), nil
}
