// Package main implements the authenticating proxy that terminates client
// connections for the whole cluster.
package main

import (
	"fmt"
	"os"

	"gopkg.in/op/go-logging.v1"
	"gopkg.in/yaml.v3"

	"github.com/toolchainlabs/remexec/src/cli"
	"github.com/toolchainlabs/remexec/src/grpcutil"
	"github.com/toolchainlabs/remexec/src/proxy"
)

var log = logging.MustGetLogger("proxy")

var opts = struct {
	Usage     string
	Verbosity cli.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (higher number = more output)"`
	Config    string        `short:"c" long:"config" required:"true" description:"Path to the YAML config file"`
}{
	Usage: `
proxy is the authenticated front door of the remote execution cluster.

It validates bearer credentials against the instance each request names,
routes the request to the storage and execution backends configured for that
instance, and retries idempotent calls once on transient backend failures.
`,
}

func readConfig(path string) (*proxy.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg := &proxy.Config{}
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %s", path, err)
	}
	return cfg, nil
}

func main() {
	cli.ParseFlagsOrDie("proxy", &opts)
	cli.InitLogging(opts.Verbosity)
	cfg, err := readConfig(opts.Config)
	if err != nil {
		log.Fatalf("Bad configuration: %s", err)
	}
	if cfg.Infra.AdminAddress != "" {
		go grpcutil.ServeAdmin(cfg.Infra.AdminAddress)
	}
	log.Fatalf("%s", proxy.Serve(cfg))
}
