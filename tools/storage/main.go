// Package main implements the storage server, which serves the CAS,
// ActionCache, ByteStream and Capabilities services over whatever driver
// pipeline its config file describes.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/op/go-logging.v1"
	"gopkg.in/yaml.v3"

	"github.com/toolchainlabs/remexec/src/cas"
	"github.com/toolchainlabs/remexec/src/cli"
	"github.com/toolchainlabs/remexec/src/grpcutil"
	"github.com/toolchainlabs/remexec/src/storage"
)

var log = logging.MustGetLogger("storage")

// defaultRedisPoolSize is the connection pool size for redis backends that
// don't configure one.
const defaultRedisPoolSize = 20

var opts = struct {
	Usage     string
	Verbosity cli.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (higher number = more output)"`
	Config    string        `short:"c" long:"config" required:"true" description:"Path to the YAML config file"`
}{
	Usage: `
storage is the blob storage half of the remote execution cluster.

It serves the content-addressable store, the action cache and the ByteStream
API over a pipeline of storage drivers assembled from its config file; the
same binary runs an in-memory dev server or a sharded redis deployment
depending only on that file.
`,
}

type config struct {
	ListenAddress                string                  `yaml:"listen_address"`
	CAS                          *storage.Config         `yaml:"cas"`
	ActionCache                  *storage.Config         `yaml:"action_cache"`
	RedisBackends                map[string]redisBackend `yaml:"redis_backends"`
	CheckActionCacheCompleteness bool                    `yaml:"check_action_cache_completeness"`
	CompletenessCheckProbability int                     `yaml:"completeness_check_probability"`
	Amberflo                     *amberfloConfig         `yaml:"amberflo_backend"`
	GRPC                         grpcutil.GRPCConfig     `yaml:"grpc"`
	Infra                        infraConfig             `yaml:"infra"`
}

type redisBackend struct {
	Address  string `yaml:"address"`
	PoolSize int    `yaml:"pool_size"`
}

type amberfloConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	IntervalS int    `yaml:"interval_s"`
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
	} else if cfg.CAS == nil || cfg.ActionCache == nil {
		return nil, fmt.Errorf("both cas and action_cache driver trees are required")
	}
	return cfg, nil
}

func main() {
	cli.ParseFlagsOrDie("storage", &opts)
	cli.InitLogging(opts.Verbosity)
	cfg, err := readConfig(opts.Config)
	if err != nil {
		log.Fatalf("Bad configuration: %s", err)
	}

	deps := &storage.BuildDeps{RedisBackends: map[string]*redis.Client{}, Purpose: "cas"}
	for name, rb := range cfg.RedisBackends {
		poolSize := rb.PoolSize
		if poolSize == 0 {
			poolSize = defaultRedisPoolSize
		}
		deps.RedisBackends[name] = storage.NewRedisClient(rb.Address, poolSize)
	}
	if cfg.Amberflo != nil {
		reports := make(chan storage.UsageReport, 1000)
		deps.UsageReports = reports
		interval := time.Duration(cfg.Amberflo.IntervalS) * time.Second
		if interval == 0 {
			interval = time.Minute
		}
		emitter := &storage.AmberfloEmitter{
			URL:      cfg.Amberflo.URL,
			APIKey:   cfg.Amberflo.APIKey,
			Interval: interval,
			Reports:  reports,
		}
		go emitter.Run()
	}
	casStore, err := cfg.CAS.Build(deps)
	if err != nil {
		log.Fatalf("Failed to build CAS storage: %s", err)
	}
	acDeps := *deps
	acDeps.Purpose = "action-cache"
	acStore, err := cfg.ActionCache.Build(&acDeps)
	if err != nil {
		log.Fatalf("Failed to build action cache storage: %s", err)
	}

	probability := 0
	if cfg.CheckActionCacheCompleteness {
		probability = cfg.CompletenessCheckProbability
		if probability == 0 {
			probability = 1000 // check every read unless told to sample
		}
	}

	if cfg.Infra.AdminAddress != "" {
		go grpcutil.ServeAdmin(cfg.Infra.AdminAddress)
	}
	cas.ServeForever(cfg.ListenAddress, cas.NewServer(casStore, acStore, probability), cfg.GRPC.ServerOptions()...)
}
