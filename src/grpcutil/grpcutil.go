// Package grpcutil implements several useful utility functions for gRPC.
package grpcutil

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware"
	"github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("grpcutil")

// dialTimeout is the default timeout for connecting to backend servers.
const dialTimeout = 10 * time.Second

// NewServer creates a new gRPC server with our standard interceptor chain
// (panic recovery innermost, Prometheus metrics outermost). Additional
// interceptors run between the two.
func NewServer(unary []grpc.UnaryServerInterceptor, stream []grpc.StreamServerInterceptor, opts ...grpc.ServerOption) *grpc.Server {
	unaryChain := append([]grpc.UnaryServerInterceptor{grpc_prometheus.UnaryServerInterceptor}, unary...)
	unaryChain = append(unaryChain, grpc_recovery.UnaryServerInterceptor())
	streamChain := append([]grpc.StreamServerInterceptor{grpc_prometheus.StreamServerInterceptor}, stream...)
	streamChain = append(streamChain, grpc_recovery.StreamServerInterceptor())
	opts = append([]grpc.ServerOption{
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(unaryChain...)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(streamChain...)),
	}, opts...)
	return grpc.NewServer(opts...)
}

// GRPCConfig is the common gRPC tuning section of the service config files.
type GRPCConfig struct {
	MaxRecvMessageSizeMB int `yaml:"max_recv_message_size_mb"`
	MaxSendMessageSizeMB int `yaml:"max_send_message_size_mb"`
}

// ServerOptions converts the config to server options; zero fields keep the
// gRPC defaults.
func (c GRPCConfig) ServerOptions() []grpc.ServerOption {
	opts := []grpc.ServerOption{}
	if c.MaxRecvMessageSizeMB > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(c.MaxRecvMessageSizeMB<<20))
	}
	if c.MaxSendMessageSizeMB > 0 {
		opts = append(opts, grpc.MaxSendMsgSize(c.MaxSendMessageSizeMB<<20))
	}
	return opts
}

// Dial dials a backend server, retrying transient failures on unary calls.
func Dial(address string) (*grpc.ClientConn, error) {
	return grpc.Dial(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(
			grpc_retry.WithMax(3),
			grpc_retry.WithPerRetryTimeout(dialTimeout),
		)),
	)
}

// MustDial is like Dial but dies on error.
func MustDial(address string) *grpc.ClientConn {
	conn, err := Dial(address)
	if err != nil {
		log.Fatalf("Failed to dial %s: %s", address, err)
	}
	return conn
}

// StartServer starts a server on the given listen address.
// It runs forever until terminated.
// Signals will be automatically handled using HandleSignals.
func StartServer(s *grpc.Server, address string) {
	lis, err := Listen(address)
	if err != nil {
		log.Fatalf("%s", err)
	}
	grpc_prometheus.Register(s)
	go HandleSignals(s)
	log.Notice("Serving on %s", address)
	s.Serve(lis)
}

// Listen opens a TCP listener on the given address, which may be either a
// full host:port or a bare port number.
func Listen(address string) (net.Listener, error) {
	if !strings.Contains(address, ":") {
		address = ":" + address
	}
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("Failed to listen on %s: %s", address, err)
	}
	return lis, nil
}

// HandleSignals received SIGTERM / SIGINT etc to gracefully shut down a gRPC server.
// Repeated signals cause the server to terminate at increasing levels of urgency.
// N.B. This function never returns, so you would typically run it in a new goroutine.
func HandleSignals(s *grpc.Server) {
	c := make(chan os.Signal, 3) // Channel should be buffered a bit
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	sig := <-c
	log.Warning("Received signal %s, gracefully shutting down gRPC server", sig)
	go s.GracefulStop()
	sig = <-c
	log.Warning("Received signal %s, non-gracefully shutting down gRPC server", sig)
	go s.Stop()
	sig = <-c
	log.Fatalf("Received signal %s, terminating\n", sig)
}

// ServeAdmin starts the admin HTTP server (health checks & metrics) on the
// given address. It should be bound on a separate socket to service traffic.
// It never returns; run it in a goroutine.
func ServeAdmin(address string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.Handle("/metricsz", promhttp.Handler())
	mux.HandleFunc("/checksz/sentryz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// Deliberate test event to verify error reporting is wired up.
		log.Error("Test error event triggered via /checksz/sentryz")
		w.WriteHeader(http.StatusOK)
	})
	log.Notice("Admin endpoints on %s", address)
	if err := http.ListenAndServe(address, mux); err != nil {
		log.Fatalf("Failed to serve admin endpoints: %s", err)
	}
}
