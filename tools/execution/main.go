// Package main implements the execution server: the scheduler behind the
// Execute/WaitExecution streams and the Bots long-poll API.
package main

import (
	"fmt"
	"os"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"gopkg.in/op/go-logging.v1"
	"gopkg.in/yaml.v3"

	"github.com/toolchainlabs/remexec/src/cli"
	"github.com/toolchainlabs/remexec/src/execution"
	"github.com/toolchainlabs/remexec/src/grpcutil"
)

var log = logging.MustGetLogger("execution")

// defaultWorkerExpiration is how long a worker session survives without a
// poll unless configured otherwise.
const defaultWorkerExpiration = 5 * time.Minute

var opts = struct {
	Usage     string
	Verbosity cli.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (higher number = more output)"`
	Config    string        `short:"c" long:"config" required:"true" description:"Path to the YAML config file"`
}{
	Usage: `
execution is the scheduler half of the remote execution cluster.

Clients submit actions over the Execution API and workers collect them over
the Bots API; this server matches the two up, rescinds work when every client
loses interest, and requeues leases from workers that go silent.
`,
}

type config struct {
	ListenAddress     string              `yaml:"listen_address"`
	CAS               casBackendConfig    `yaml:"cas"`
	WorkerExpirationS int                 `yaml:"worker_expiration_s"`
	GRPC              grpcutil.GRPCConfig `yaml:"grpc"`
	Infra             infraConfig         `yaml:"infra"`
}

type casBackendConfig struct {
	Address string `yaml:"address"`
}

type infraConfig struct {
	AdminAddress string `yaml:"admin_address"`
}

func readConfig(path string) (*config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg := &config{}
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %s", path, err)
	}
	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("listen_address is required")
	}
	return cfg, nil
}

func main() {
	cli.ParseFlagsOrDie("execution", &opts)
	cli.InitLogging(opts.Verbosity)
	cfg, err := readConfig(opts.Config)
	if err != nil {
		log.Fatalf("Bad configuration: %s", err)
	}

	expiration := time.Duration(cfg.WorkerExpirationS) * time.Second
	if expiration == 0 {
		expiration = defaultWorkerExpiration
	}
	var casClient pb.ContentAddressableStorageClient
	if cfg.CAS.Address != "" {
		casClient = pb.NewContentAddressableStorageClient(grpcutil.MustDial(cfg.CAS.Address))
	}

	if cfg.Infra.AdminAddress != "" {
		go grpcutil.ServeAdmin(cfg.Infra.AdminAddress)
	}
	execution.ServeForever(cfg.ListenAddress, execution.NewServer(expiration, casClient), cfg.GRPC.ServerOptions()...)
}
