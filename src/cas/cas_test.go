package cas

import (
	"context"
	"net"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/toolchainlabs/remexec/src/digest"
	"github.com/toolchainlabs/remexec/src/storage"
)

const foobarHash = "c3ab8ff13720e8ad9047dd39466b3c8974e592c2fa383d4a3960714caef0c4f2"

const testInstance = "main"

func newTestServer(completenessProbability int) *Server {
	return NewServer(storage.NewMemory(), storage.NewMemory(), completenessProbability)
}

// startTestServer serves the given server on a real listener and returns a
// connection to it.
func startTestServer(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	srv.Register(s)
	go s.Serve(lis)
	t.Cleanup(s.Stop)
	conn, err := grpc.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestCapabilities(t *testing.T) {
	srv := newTestServer(0)
	caps, err := srv.GetCapabilities(context.Background(), &pb.GetCapabilitiesRequest{InstanceName: testInstance})
	require.NoError(t, err)
	assert.Equal(t, []pb.DigestFunction_Value{pb.DigestFunction_SHA256}, caps.CacheCapabilities.DigestFunctions)
	assert.True(t, caps.CacheCapabilities.ActionCacheUpdateCapabilities.UpdateEnabled)
	assert.EqualValues(t, 4*1024*1024, caps.CacheCapabilities.MaxBatchTotalSizeBytes)
}

func TestBatchUpdateThenRead(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(0)
	content := []byte("foobar")
	d := digest.OfBytes(content)
	require.Equal(t, foobarHash, d.Hex())

	resp, err := srv.BatchUpdateBlobs(ctx, &pb.BatchUpdateBlobsRequest{
		InstanceName: testInstance,
		Requests: []*pb.BatchUpdateBlobsRequest_Request{
			{Digest: d.ToProto(), Data: content},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Responses, 1)
	assert.EqualValues(t, codes.OK, resp.Responses[0].Status.Code)

	missing, err := srv.FindMissingBlobs(ctx, &pb.FindMissingBlobsRequest{
		InstanceName: testInstance,
		BlobDigests:  []*pb.Digest{d.ToProto()},
	})
	require.NoError(t, err)
	assert.Empty(t, missing.MissingBlobDigests)

	read, err := srv.BatchReadBlobs(ctx, &pb.BatchReadBlobsRequest{
		InstanceName: testInstance,
		Digests:      []*pb.Digest{d.ToProto()},
	})
	require.NoError(t, err)
	require.Len(t, read.Responses, 1)
	assert.EqualValues(t, codes.OK, read.Responses[0].Status.Code)
	assert.Equal(t, content, read.Responses[0].Data)
}

func TestBatchUpdateRepeatedIsSuccess(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(0)
	content := []byte("put me twice")
	req := &pb.BatchUpdateBlobsRequest{
		InstanceName: testInstance,
		Requests: []*pb.BatchUpdateBlobsRequest_Request{
			{Digest: digest.OfBytes(content).ToProto(), Data: content},
		},
	}
	for i := 0; i < 2; i++ {
		resp, err := srv.BatchUpdateBlobs(ctx, req)
		require.NoError(t, err)
		assert.EqualValues(t, codes.OK, resp.Responses[0].Status.Code)
	}
}

func TestBatchReadMissingBlobStatus(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(0)
	present := []byte("present")
	pd := digest.OfBytes(present)
	_, err := srv.BatchUpdateBlobs(ctx, &pb.BatchUpdateBlobsRequest{
		InstanceName: testInstance,
		Requests:     []*pb.BatchUpdateBlobsRequest_Request{{Digest: pd.ToProto(), Data: present}},
	})
	require.NoError(t, err)
	read, err := srv.BatchReadBlobs(ctx, &pb.BatchReadBlobsRequest{
		InstanceName: testInstance,
		Digests: []*pb.Digest{
			pd.ToProto(),
			digest.OfBytes([]byte("never uploaded")).ToProto(),
		},
	})
	require.NoError(t, err)
	require.Len(t, read.Responses, 2)
	assert.EqualValues(t, codes.OK, read.Responses[0].Status.Code)
	assert.EqualValues(t, codes.NotFound, read.Responses[1].Status.Code)
	assert.Empty(t, read.Responses[1].Data)
}

func TestBatchUpdateRejectsBadDigestAndCompressor(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(0)
	content := []byte("zstd? no thanks")
	resp, err := srv.BatchUpdateBlobs(ctx, &pb.BatchUpdateBlobsRequest{
		InstanceName: testInstance,
		Requests: []*pb.BatchUpdateBlobsRequest_Request{
			{Digest: &pb.Digest{Hash: "notahash", SizeBytes: 1}, Data: []byte("x")},
			{Digest: digest.OfBytes(content).ToProto(), Data: content, Compressor: pb.Compressor_ZSTD},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Responses, 2)
	assert.EqualValues(t, codes.InvalidArgument, resp.Responses[0].Status.Code)
	assert.EqualValues(t, codes.InvalidArgument, resp.Responses[1].Status.Code)
}

func TestBatchSizeLimit(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(0)
	big := &pb.Digest{Hash: foobarHash, SizeBytes: batchAPILimit + 1}
	_, err := srv.BatchReadBlobs(ctx, &pb.BatchReadBlobsRequest{
		InstanceName: testInstance,
		Digests:      []*pb.Digest{big},
	})
	assertStatusCode(t, codes.InvalidArgument, err)
}

func TestGetTreeUnimplemented(t *testing.T) {
	conn := startTestServer(t, newTestServer(0))
	client := pb.NewContentAddressableStorageClient(conn)
	stream, err := client.GetTree(context.Background(), &pb.GetTreeRequest{
		InstanceName: testInstance,
		RootDigest:   digest.Empty.ToProto(),
	})
	require.NoError(t, err)
	_, err = stream.Recv()
	assertStatusCode(t, codes.Unimplemented, err)
}

func assertStatusCode(t *testing.T, code codes.Code, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), "unexpected status for %s", err)
}
