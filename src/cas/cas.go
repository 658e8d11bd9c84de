// Package cas implements the gRPC storage server.
// This contains implementations of the ContentAddressableStorage, ActionCache,
// Capabilities and ByteStream services, but not Execution (even by proxy).
package cas

import (
	"context"
	"sync"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	bs "google.golang.org/genproto/googleapis/bytestream"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/op/go-logging.v1"

	"github.com/toolchainlabs/remexec/src/digest"
	"github.com/toolchainlabs/remexec/src/grpcutil"
	"github.com/toolchainlabs/remexec/src/storage"
)

var log = logging.MustGetLogger("cas")

// batchAPILimit is the maximum total size of blobs moved through the batched
// CAS RPCs, as advertised in our capabilities.
const batchAPILimit = 4 * 1024 * 1024

// A Server serves the storage half of the remote execution API over a pair of
// blob stores: the CAS proper and the action cache, which shares the blob
// interface but is keyed by action digests that don't hash its values.
type Server struct {
	cas             storage.BlobStorage
	actionCache     storage.BlobStorage
	completenessPro int // probability out of 1000 of running a completeness check
}

// NewServer creates a new storage server over the given stores.
// completenessProbability is per mille; 0 disables action cache completeness
// checking and 1000 checks every lookup.
func NewServer(cas, actionCache storage.BlobStorage, completenessProbability int) *Server {
	return &Server{
		cas:             cas,
		actionCache:     actionCache,
		completenessPro: completenessProbability,
	}
}

// Register registers all the services this server implements.
func (s *Server) Register(g *grpc.Server) {
	pb.RegisterCapabilitiesServer(g, s)
	pb.RegisterContentAddressableStorageServer(g, s)
	pb.RegisterActionCacheServer(g, s)
	bs.RegisterByteStreamServer(g, s)
}

// ServeForever serves on the given address until terminated.
func ServeForever(address string, srv *Server, opts ...grpc.ServerOption) {
	s := grpcutil.NewServer(nil, nil, opts...)
	srv.Register(s)
	grpcutil.StartServer(s, address)
}

func (s *Server) GetCapabilities(ctx context.Context, req *pb.GetCapabilitiesRequest) (*pb.ServerCapabilities, error) {
	return &pb.ServerCapabilities{
		CacheCapabilities: &pb.CacheCapabilities{
			DigestFunctions: []pb.DigestFunction_Value{
				pb.DigestFunction_SHA256,
			},
			ActionCacheUpdateCapabilities: &pb.ActionCacheUpdateCapabilities{
				UpdateEnabled: true,
			},
			MaxBatchTotalSizeBytes: batchAPILimit,
		},
		LowApiVersion:  &semver.SemVer{Major: 2, Minor: 0},
		HighApiVersion: &semver.SemVer{Major: 2, Minor: 1},
	}, nil
}

func (s *Server) FindMissingBlobs(ctx context.Context, req *pb.FindMissingBlobsRequest) (*pb.FindMissingBlobsResponse, error) {
	digests := make([]digest.Digest, 0, len(req.BlobDigests))
	for _, dp := range req.BlobDigests {
		d, err := digest.FromProto(dp)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s", err)
		}
		digests = append(digests, d)
	}
	missing, err := s.cas.FindMissing(ctx, req.InstanceName, digests)
	if err != nil {
		return nil, storage.AsStatus(err)
	}
	resp := &pb.FindMissingBlobsResponse{
		MissingBlobDigests: make([]*pb.Digest, len(missing)),
	}
	for i, d := range missing {
		resp.MissingBlobDigests[i] = d.ToProto()
	}
	return resp, nil
}

func (s *Server) BatchUpdateBlobs(ctx context.Context, req *pb.BatchUpdateBlobsRequest) (*pb.BatchUpdateBlobsResponse, error) {
	total := int64(0)
	for _, r := range req.Requests {
		total += int64(len(r.Data))
	}
	if total > batchAPILimit {
		return nil, status.Errorf(codes.InvalidArgument, "batched update of %d bytes exceeds the %d byte limit", total, batchAPILimit)
	}
	resp := &pb.BatchUpdateBlobsResponse{
		Responses: make([]*pb.BatchUpdateBlobsResponse_Response, len(req.Requests)),
	}
	var wg sync.WaitGroup
	wg.Add(len(req.Requests))
	for i, r := range req.Requests {
		go func(i int, r *pb.BatchUpdateBlobsRequest_Request) {
			defer wg.Done()
			resp.Responses[i] = &pb.BatchUpdateBlobsResponse_Response{
				Digest: r.Digest,
				Status: statusProto(s.updateOneBlob(ctx, req.InstanceName, r)),
			}
		}(i, r)
	}
	wg.Wait()
	return resp, nil
}

func (s *Server) updateOneBlob(ctx context.Context, instance string, r *pb.BatchUpdateBlobsRequest_Request) error {
	if r.Compressor != pb.Compressor_IDENTITY {
		return status.Errorf(codes.InvalidArgument, "unsupported compressor %s", r.Compressor)
	}
	d, err := digest.FromProto(r.Digest)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%s", err)
	}
	return storage.WriteAll(ctx, s.cas, instance, d, r.Data)
}

func (s *Server) BatchReadBlobs(ctx context.Context, req *pb.BatchReadBlobsRequest) (*pb.BatchReadBlobsResponse, error) {
	total := int64(0)
	for _, dp := range req.Digests {
		total += dp.GetSizeBytes()
	}
	if total > batchAPILimit {
		return nil, status.Errorf(codes.InvalidArgument, "batched read of %d bytes exceeds the %d byte limit", total, batchAPILimit)
	}
	resp := &pb.BatchReadBlobsResponse{
		Responses: make([]*pb.BatchReadBlobsResponse_Response, len(req.Digests)),
	}
	var wg sync.WaitGroup
	wg.Add(len(req.Digests))
	for i, dp := range req.Digests {
		go func(i int, dp *pb.Digest) {
			defer wg.Done()
			data, err := s.readOneBlob(ctx, req.InstanceName, dp)
			resp.Responses[i] = &pb.BatchReadBlobsResponse_Response{
				Digest: dp,
				Data:   data,
				Status: statusProto(err),
			}
		}(i, dp)
	}
	wg.Wait()
	return resp, nil
}

func (s *Server) readOneBlob(ctx context.Context, instance string, dp *pb.Digest) ([]byte, error) {
	d, err := digest.FromProto(dp)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s", err)
	}
	data, found, err := storage.ReadAll(ctx, s.cas, instance, d)
	if err != nil {
		return nil, err
	} else if !found {
		return nil, status.Errorf(codes.NotFound, "blob %s not found", d)
	}
	return data, nil
}

func (s *Server) GetTree(req *pb.GetTreeRequest, stream pb.ContentAddressableStorage_GetTreeServer) error {
	return status.Errorf(codes.Unimplemented, "GetTree is not implemented")
}

// statusProto converts an error into the wire status used in batched responses.
func statusProto(err error) *rpcstatus.Status {
	return status.Convert(storage.AsStatus(err)).Proto()
}
