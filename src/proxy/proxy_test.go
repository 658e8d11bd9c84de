package proxy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/toolchainlabs/remexec/src/auth"
	"github.com/toolchainlabs/remexec/src/cas"
	"github.com/toolchainlabs/remexec/src/digest"
	"github.com/toolchainlabs/remexec/src/grpcutil"
	"github.com/toolchainlabs/remexec/src/storage"
)

const testInstance = "main"

// fakeBackend counts invocations and can be told to fail the first N
// capabilities calls, which is how we pin down the proxy's retry behaviour.
type fakeBackend struct {
	maxBatchSize int64
	failCode     codes.Code
	failures     atomic.Int32
	capsCalls    atomic.Int32
	acDelay      time.Duration
}

func (f *fakeBackend) GetCapabilities(ctx context.Context, req *pb.GetCapabilitiesRequest) (*pb.ServerCapabilities, error) {
	f.capsCalls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, status.Errorf(f.failCode, "injected failure")
	}
	return &pb.ServerCapabilities{
		CacheCapabilities: &pb.CacheCapabilities{MaxBatchTotalSizeBytes: f.maxBatchSize},
	}, nil
}

func (f *fakeBackend) GetActionResult(ctx context.Context, req *pb.GetActionResultRequest) (*pb.ActionResult, error) {
	if f.acDelay > 0 {
		select {
		case <-time.After(f.acDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &pb.ActionResult{ExitCode: 42}, nil
}

func (f *fakeBackend) UpdateActionResult(ctx context.Context, req *pb.UpdateActionResultRequest) (*pb.ActionResult, error) {
	if req.ActionResult == nil {
		return &pb.ActionResult{}, nil
	}
	return req.ActionResult, nil
}

// startBackend serves a fake backend on a real listener and returns its address.
func startBackend(t *testing.T, f *fakeBackend) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	pb.RegisterCapabilitiesServer(s, f)
	pb.RegisterActionCacheServer(s, f)
	go s.Serve(lis)
	t.Cleanup(s.Stop)
	return lis.Addr().String()
}

// startCASBackend serves a real storage server to relay streams against.
func startCASBackend(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	cas.NewServer(storage.NewMemory(), storage.NewMemory(), 0).Register(s)
	go s.Serve(lis)
	t.Cleanup(s.Stop)
	return lis.Addr().String()
}

// startProxy serves the proxy with its own interceptor chain, as ServeForever
// would, and returns a client connection to it.
func startProxy(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpcutil.NewServer(
		[]grpc.UnaryServerInterceptor{srv.unaryInterceptor},
		[]grpc.StreamServerInterceptor{srv.streamInterceptor},
	)
	srv.Register(s)
	go s.Serve(lis)
	t.Cleanup(s.Stop)
	conn, err := grpc.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestRouter routes everything to a single backend address.
func newTestRouter(t *testing.T, address string, acTimeoutMS int) *Router {
	t.Helper()
	r, err := NewRouter(&Config{
		Backends:        map[string]BackendConfig{"primary": {Address: address}},
		DefaultBackends: InstanceBackendsConfig{CAS: "primary", ActionCache: "primary"},
		BackendTimeouts: TimeoutsConfig{GetActionResultMS: acTimeoutMS},
	})
	require.NoError(t, err)
	return r
}

func TestRetriesTransientFailureOnce(t *testing.T) {
	f := &fakeBackend{failCode: codes.Unavailable}
	f.failures.Store(1)
	router := newTestRouter(t, startBackend(t, f), 0)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, nil))

	caps, err := pb.NewCapabilitiesClient(conn).GetCapabilities(context.Background(), &pb.GetCapabilitiesRequest{InstanceName: testInstance})
	require.NoError(t, err)
	assert.NotNil(t, caps.CacheCapabilities)
	assert.EqualValues(t, 2, f.capsCalls.Load())
}

func TestRetriesExactlyOnce(t *testing.T) {
	f := &fakeBackend{failCode: codes.Unavailable}
	f.failures.Store(5)
	router := newTestRouter(t, startBackend(t, f), 0)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, nil))

	_, err := pb.NewCapabilitiesClient(conn).GetCapabilities(context.Background(), &pb.GetCapabilitiesRequest{InstanceName: testInstance})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.EqualValues(t, 2, f.capsCalls.Load())
}

func TestDoesNotRetryNonRetryableFailures(t *testing.T) {
	f := &fakeBackend{failCode: codes.InvalidArgument}
	f.failures.Store(1)
	router := newTestRouter(t, startBackend(t, f), 0)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, nil))

	_, err := pb.NewCapabilitiesClient(conn).GetCapabilities(context.Background(), &pb.GetCapabilitiesRequest{InstanceName: testInstance})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.EqualValues(t, 1, f.capsCalls.Load())
}

func TestPerInstanceRouting(t *testing.T) {
	shared := &fakeBackend{maxBatchSize: 100}
	dedicated := &fakeBackend{maxBatchSize: 200}
	router, err := NewRouter(&Config{
		Backends: map[string]BackendConfig{
			"shared":    {Address: startBackend(t, shared)},
			"dedicated": {Address: startBackend(t, dedicated)},
		},
		PerInstanceBackends: map[string]InstanceBackendsConfig{
			"bigcorp": {CAS: "dedicated", ActionCache: "dedicated"},
		},
		DefaultBackends: InstanceBackendsConfig{CAS: "shared", ActionCache: "shared"},
	})
	require.NoError(t, err)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, nil))
	client := pb.NewCapabilitiesClient(conn)

	caps, err := client.GetCapabilities(context.Background(), &pb.GetCapabilitiesRequest{InstanceName: "bigcorp"})
	require.NoError(t, err)
	assert.EqualValues(t, 200, caps.CacheCapabilities.MaxBatchTotalSizeBytes)

	caps, err = client.GetCapabilities(context.Background(), &pb.GetCapabilitiesRequest{InstanceName: "anyone-else"})
	require.NoError(t, err)
	assert.EqualValues(t, 100, caps.CacheCapabilities.MaxBatchTotalSizeBytes)
}

func TestRouterRejectsUnknownBackend(t *testing.T) {
	_, err := NewRouter(&Config{
		Backends:        map[string]BackendConfig{"primary": {Address: "127.0.0.1:1"}},
		DefaultBackends: InstanceBackendsConfig{CAS: "primary", ActionCache: "wibble"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestRouterRequiresStorageBackends(t *testing.T) {
	_, err := NewRouter(&Config{
		Backends:        map[string]BackendConfig{"primary": {Address: "127.0.0.1:1"}},
		DefaultBackends: InstanceBackendsConfig{CAS: "primary"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action_cache")
}

func TestServiceFilter(t *testing.T) {
	f := &fakeBackend{maxBatchSize: 100}
	router := newTestRouter(t, startBackend(t, f), 0)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, []string{
		"build.bazel.remote.execution.v2.Capabilities",
	}))

	_, err := pb.NewCapabilitiesClient(conn).GetCapabilities(context.Background(), &pb.GetCapabilitiesRequest{InstanceName: testInstance})
	assert.NoError(t, err)
	_, err = pb.NewActionCacheClient(conn).GetActionResult(context.Background(), &pb.GetActionResultRequest{InstanceName: testInstance})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestActionCacheTimeoutBecomesUnavailable(t *testing.T) {
	f := &fakeBackend{acDelay: time.Second}
	router := newTestRouter(t, startBackend(t, f), 50)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, nil))

	_, err := pb.NewActionCacheClient(conn).GetActionResult(context.Background(), &pb.GetActionResultRequest{InstanceName: testInstance})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Contains(t, err.Error(), "storage backend timeout")
}

func TestActionCacheClientDeadlineIsNotRewritten(t *testing.T) {
	f := &fakeBackend{acDelay: time.Second}
	router := newTestRouter(t, startBackend(t, f), 0)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := pb.NewActionCacheClient(conn).GetActionResult(ctx, &pb.GetActionResultRequest{InstanceName: testInstance})
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestExecutionUnconfigured(t *testing.T) {
	f := &fakeBackend{maxBatchSize: 100}
	router := newTestRouter(t, startBackend(t, f), 0)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, nil))

	stream, err := pb.NewExecutionClient(conn).Execute(context.Background(), &pb.ExecuteRequest{InstanceName: testInstance})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Contains(t, err.Error(), "no execution backend")
}

func TestCancelOperationRejectsBadNames(t *testing.T) {
	f := &fakeBackend{maxBatchSize: 100}
	router := newTestRouter(t, startBackend(t, f), 0)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, nil))

	_, err := longrunningpb.NewOperationsClient(conn).CancelOperation(context.Background(), &longrunningpb.CancelOperationRequest{Name: "no-slashes-here"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestByteStreamRelay(t *testing.T) {
	router := newTestRouter(t, startCASBackend(t), 0)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, nil))
	client := bs.NewByteStreamClient(conn)
	ctx := context.Background()

	content := []byte("relayed through the proxy")
	d := digest.OfBytes(content)
	stream, err := client.Write(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&bs.WriteRequest{
		ResourceName: fmt.Sprintf("%s/uploads/u-1/blobs/%s", testInstance, d),
		Data:         content[:10],
	}))
	require.NoError(t, stream.Send(&bs.WriteRequest{
		WriteOffset: 10,
		Data:        content[10:],
		FinishWrite: true,
	}))
	resp, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.EqualValues(t, len(content), resp.CommittedSize)

	read, err := client.Read(ctx, &bs.ReadRequest{
		ResourceName: fmt.Sprintf("%s/blobs/%s", testInstance, d),
	})
	require.NoError(t, err)
	var received []byte
	for {
		chunk, err := read.Recv()
		if err != nil {
			break
		}
		received = append(received, chunk.Data...)
	}
	assert.Equal(t, content, received)
}

func TestResourceInstanceParsing(t *testing.T) {
	hash := digest.OfBytes([]byte("x")).Hex()
	for _, tc := range []struct {
		name, marker, instance string
	}{
		{"main/blobs/" + hash + "/1", "blobs", "main"},
		{"north/europe/blobs/" + hash + "/1", "blobs", "north/europe"},
		// An instance segment colliding with the marker must not confuse it.
		{"north/blobs/west/blobs/" + hash + "/1", "blobs", "north/blobs/west"},
		{"main/uploads/u-1/blobs/" + hash + "/1", "uploads", "main"},
		{"acme/uploads/west/uploads/u-1/blobs/" + hash + "/1", "uploads", "acme/uploads/west"},
	} {
		instance, err := resourceInstance(tc.name, tc.marker)
		require.NoError(t, err, "parsing %s", tc.name)
		assert.Equal(t, tc.instance, instance, "parsing %s", tc.name)
	}
	for _, tc := range []struct{ name, marker string }{
		{"blobs/" + hash + "/1", "blobs"},
		{"main/" + hash + "/1", "blobs"},
		{"main/blobs/" + hash + "/1", "uploads"},
		{"nothing/to/see/here", "blobs"},
	} {
		_, err := resourceInstance(tc.name, tc.marker)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "parsing %s", tc.name)
	}
}

func TestByteStreamRejectsBadResourceNames(t *testing.T) {
	router := newTestRouter(t, startCASBackend(t), 0)
	conn := startProxy(t, NewServer(router, auth.NoAuth{}, nil))

	read, err := bs.NewByteStreamClient(conn).Read(context.Background(), &bs.ReadRequest{ResourceName: "nothing/to/see/here"})
	require.NoError(t, err)
	_, err = read.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

const keyID = "proxy-test-key"

// newJWTServer builds a proxy listener that validates JWTs and a key to sign
// them with.
func newJWTServer(t *testing.T, router *Router) (*Server, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	set, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: key.Public(), KeyID: keyID, Algorithm: "RS256", Use: "sig"},
	}})
	require.NoError(t, err)
	a, err := auth.NewJWTAuthenticatorFromSet(set)
	require.NoError(t, err)
	return NewServer(router, a, nil), key
}

func signedContext(t *testing.T, key *rsa.PrivateKey, audiences ...string) context.Context {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iat":                time.Now().Add(-time.Minute).Unix(),
		"exp":                time.Now().Add(time.Hour).Unix(),
		"aud":                audiences,
		"toolchain_customer": testInstance,
	})
	token.Header["kid"] = keyID
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+signed)
}

func TestJWTEnforcedAtTheProxy(t *testing.T) {
	f := &fakeBackend{maxBatchSize: 100}
	router := newTestRouter(t, startBackend(t, f), 0)
	srv, key := newJWTServer(t, router)
	conn := startProxy(t, srv)
	client := pb.NewCapabilitiesClient(conn)
	req := &pb.GetCapabilitiesRequest{InstanceName: testInstance}

	// A read-only credential reads capabilities but cannot execute or write.
	roCtx := signedContext(t, key, auth.AudienceCacheRO)
	_, err := client.GetCapabilities(roCtx, req)
	assert.NoError(t, err)
	_, err = pb.NewActionCacheClient(conn).UpdateActionResult(roCtx, &pb.UpdateActionResultRequest{InstanceName: testInstance})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	stream, err := pb.NewExecutionClient(conn).Execute(roCtx, &pb.ExecuteRequest{InstanceName: testInstance})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	// No credential at all is rejected outright.
	_, err = client.GetCapabilities(context.Background(), req)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	// A token for another instance doesn't carry over.
	_, err = client.GetCapabilities(roCtx, &pb.GetCapabilitiesRequest{InstanceName: "someone-else"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestJWTExecAudienceSubsumesStorage(t *testing.T) {
	f := &fakeBackend{maxBatchSize: 100}
	router := newTestRouter(t, startBackend(t, f), 0)
	srv, key := newJWTServer(t, router)
	conn := startProxy(t, srv)

	execCtx := signedContext(t, key, auth.AudienceExec)
	_, err := pb.NewCapabilitiesClient(conn).GetCapabilities(execCtx, &pb.GetCapabilitiesRequest{InstanceName: testInstance})
	assert.NoError(t, err)
	_, err = pb.NewActionCacheClient(conn).UpdateActionResult(execCtx, &pb.UpdateActionResultRequest{InstanceName: testInstance})
	assert.NoError(t, err)
}
