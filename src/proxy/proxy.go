// Package proxy implements the authenticating proxy that fronts the storage
// and execution services. It terminates client connections, validates bearer
// credentials against the requested instance, routes each call to the
// backend pair configured for that instance, and retries idempotent calls
// once on transient failures.
package proxy

import (
	"context"
	"fmt"
	"strings"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/prometheus/client_golang/prometheus"
	bs "google.golang.org/genproto/googleapis/bytestream"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"gopkg.in/op/go-logging.v1"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"github.com/toolchainlabs/remexec/src/auth"
	"github.com/toolchainlabs/remexec/src/grpcutil"
)

var log = logging.MustGetLogger("proxy")

var inFlightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "toolchain",
	Subsystem: "proxy",
	Name:      "requests_in_flight",
})
var handledRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "toolchain",
	Subsystem: "proxy",
	Name:      "requests_handled_total",
}, []string{"method", "code"})
var retriedRequests = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "toolchain",
	Subsystem: "proxy",
	Name:      "requests_retried_total",
})

func init() {
	prometheus.MustRegister(inFlightRequests)
	prometheus.MustRegister(handledRequests)
	prometheus.MustRegister(retriedRequests)
}

// Config is the proxy server's YAML configuration.
type Config struct {
	ListenAddresses     []ListenerConfig                  `yaml:"listen_addresses"`
	JWKSetPath          string                            `yaml:"jwk_set_path"`
	AuthTokenMapping    *TokenMappingConfig               `yaml:"auth_token_mapping"`
	Backends            map[string]BackendConfig          `yaml:"backends"`
	PerInstanceBackends map[string]InstanceBackendsConfig `yaml:"per_instance_backends"`
	DefaultBackends     InstanceBackendsConfig            `yaml:"default_backends"`
	BackendTimeouts     TimeoutsConfig                    `yaml:"backend_timeouts"`
	GRPC                grpcutil.GRPCConfig               `yaml:"grpc"`
	Infra               InfraConfig                       `yaml:"infra"`
}

// InfraConfig holds the non-service endpoints.
type InfraConfig struct {
	AdminAddress string `yaml:"admin_address"`
}

// A ListenerConfig is one listen address with its auth scheme and the
// services it exposes (all of them when empty).
type ListenerConfig struct {
	Address             string   `yaml:"addr"`
	AuthScheme          string   `yaml:"auth_scheme"` // jwt | auth_token | dev_only_no_auth
	AllowedServiceNames []string `yaml:"allowed_service_names"`
}

// A BackendConfig names one backend server.
type BackendConfig struct {
	Address     string `yaml:"address"`
	Connections int    `yaml:"connections"`
}

// An InstanceBackendsConfig maps one instance onto named backends.
type InstanceBackendsConfig struct {
	CAS         string `yaml:"cas"`
	ActionCache string `yaml:"action_cache"`
	Execution   string `yaml:"execution"`
}

// TimeoutsConfig holds the per-call backend timeouts.
type TimeoutsConfig struct {
	GetActionResultMS int `yaml:"get_action_result_ms"`
}

// A backend is one upstream server with clients for every service we proxy.
type backend struct {
	name string
	cas  pb.ContentAddressableStorageClient
	ac   pb.ActionCacheClient
	caps pb.CapabilitiesClient
	bs   bs.ByteStreamClient
	exec pb.ExecutionClient
	ops  longrunningpb.OperationsClient
	bots rwpb.BotsClient
}

// instanceBackends is the resolved backend set for one instance.
// execution may be nil for storage-only instances.
type instanceBackends struct {
	cas         *backend
	actionCache *backend
	execution   *backend
}

// A Router holds the backend connections and the instance routing table.
// It is shared by all of the proxy's listeners.
type Router struct {
	backends    map[string]*backend
	perInstance map[string]instanceBackends
	defaults    instanceBackends
	acTimeout   time.Duration
}

// NewRouter dials all configured backends and resolves the routing table.
// Dangling backend references are a startup failure.
func NewRouter(cfg *Config) (*Router, error) {
	r := &Router{
		backends:    map[string]*backend{},
		perInstance: map[string]instanceBackends{},
		acTimeout:   time.Duration(cfg.BackendTimeouts.GetActionResultMS) * time.Millisecond,
	}
	for name, bc := range cfg.Backends {
		// The proxy applies its own retry policy, so these connections must
		// not retry underneath it.
		conn, err := grpc.Dial(bc.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to dial backend %s: %s", name, err)
		}
		r.backends[name] = &backend{
			name: name,
			cas:  pb.NewContentAddressableStorageClient(conn),
			ac:   pb.NewActionCacheClient(conn),
			caps: pb.NewCapabilitiesClient(conn),
			bs:   bs.NewByteStreamClient(conn),
			exec: pb.NewExecutionClient(conn),
			ops:  longrunningpb.NewOperationsClient(conn),
			bots: rwpb.NewBotsClient(conn),
		}
	}
	var err error
	if r.defaults, err = r.resolve("default_backends", cfg.DefaultBackends); err != nil {
		return nil, err
	}
	for instance, ibc := range cfg.PerInstanceBackends {
		ib, err := r.resolve(instance, ibc)
		if err != nil {
			return nil, err
		}
		r.perInstance[instance] = ib
	}
	return r, nil
}

func (r *Router) resolve(instance string, cfg InstanceBackendsConfig) (instanceBackends, error) {
	ib := instanceBackends{}
	lookup := func(name string) (*backend, error) {
		if name == "" {
			return nil, nil
		}
		b, present := r.backends[name]
		if !present {
			return nil, fmt.Errorf("instance %s references unknown backend %s", instance, name)
		}
		return b, nil
	}
	var err error
	if ib.cas, err = lookup(cfg.CAS); err != nil {
		return ib, err
	} else if ib.actionCache, err = lookup(cfg.ActionCache); err != nil {
		return ib, err
	} else if ib.execution, err = lookup(cfg.Execution); err != nil {
		return ib, err
	}
	if ib.cas == nil || ib.actionCache == nil {
		return ib, fmt.Errorf("instance %s needs both cas and action_cache backends", instance)
	}
	return ib, nil
}

// backendsFor returns the backend set for an instance, falling back to the
// catch-all for instances we don't know.
func (r *Router) backendsFor(instance string) instanceBackends {
	if ib, present := r.perInstance[instance]; present {
		return ib
	}
	return r.defaults
}

// A Server is the proxy as exposed on one listen address: a router plus that
// address's authenticator and service filter.
type Server struct {
	router  *Router
	auth    auth.Authenticator
	allowed map[string]bool
}

// NewServer creates a proxy server over the given router.
func NewServer(router *Router, authenticator auth.Authenticator, allowedServices []string) *Server {
	allowed := map[string]bool{}
	for _, name := range allowedServices {
		allowed[name] = true
	}
	return &Server{router: router, auth: authenticator, allowed: allowed}
}

// Register registers all the proxied services.
func (s *Server) Register(g *grpc.Server) {
	pb.RegisterCapabilitiesServer(g, s)
	pb.RegisterContentAddressableStorageServer(g, s)
	pb.RegisterActionCacheServer(g, s)
	bs.RegisterByteStreamServer(g, s)
	pb.RegisterExecutionServer(g, s)
	longrunningpb.RegisterOperationsServer(g, s)
	rwpb.RegisterBotsServer(g, s)
}

// ServeForever serves this listener until terminated.
func ServeForever(address string, srv *Server, opts ...grpc.ServerOption) {
	s := grpcutil.NewServer(
		[]grpc.UnaryServerInterceptor{srv.unaryInterceptor},
		[]grpc.StreamServerInterceptor{srv.streamInterceptor},
		opts...,
	)
	srv.Register(s)
	grpcutil.StartServer(s, address)
}

// checkAllowed enforces the listener's service filter.
func (s *Server) checkAllowed(fullMethod string) error {
	if len(s.allowed) == 0 {
		return nil
	}
	service := strings.SplitN(strings.TrimPrefix(fullMethod, "/"), "/", 2)[0]
	if !s.allowed[service] {
		return status.Errorf(codes.Unimplemented, "service %s is not available here", service)
	}
	return nil
}

// track accounts one request in flight. The returned finish function records
// the final code once; calling it deferred with Canceled means a client that
// drops mid-request is still accounted for.
func track(method string) func(code codes.Code) {
	inFlightRequests.Inc()
	finished := false
	return func(code codes.Code) {
		if !finished {
			finished = true
			inFlightRequests.Dec()
			handledRequests.WithLabelValues(method, code.String()).Inc()
		}
	}
}

func (s *Server) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := s.checkAllowed(info.FullMethod); err != nil {
		return nil, err
	}
	finish := track(info.FullMethod)
	defer finish(codes.Canceled)
	resp, err := handler(ctx, req)
	finish(status.Code(err))
	return resp, err
}

func (s *Server) streamInterceptor(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.checkAllowed(info.FullMethod); err != nil {
		return err
	}
	finish := track(info.FullMethod)
	defer finish(codes.Canceled)
	err := handler(srv, stream)
	finish(status.Code(err))
	return err
}

// retryable reports whether a failure with this code may be retried.
func retryable(code codes.Code) bool {
	switch code {
	case codes.Aborted, codes.Canceled, codes.Internal, codes.ResourceExhausted, codes.Unavailable, codes.Unknown:
		return true
	default:
		return false
	}
}

// forward invokes a backend call, retrying exactly once on a retryable
// failure. The context is reused so the client's deadline carries over to
// the retry unchanged.
func forward[T any](ctx context.Context, method string, f func(context.Context) (T, error)) (T, error) {
	resp, err := f(ctx)
	if err != nil && retryable(status.Code(err)) {
		log.Notice("Retrying %s after %s", method, err)
		retriedRequests.Inc()
		return f(ctx)
	}
	return resp, err
}

// operationInstance extracts the instance from an operation or bot session
// name, "{instance}/{uuid}".
func operationInstance(name string) (string, error) {
	idx := strings.LastIndexByte(name, '/')
	if idx <= 0 {
		return "", status.Errorf(codes.InvalidArgument, "invalid operation name %q", name)
	}
	return name[:idx], nil
}
