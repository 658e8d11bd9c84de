package storage

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// A Config is one node of the YAML driver tree; Kind selects the driver and
// the relevant subset of the remaining fields applies.
type Config struct {
	Kind string `yaml:"kind"`

	// file
	Dir string `yaml:"dir,omitempty"`

	// redis / redis_chunked
	Backend   string `yaml:"backend,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	ChunkSize int    `yaml:"chunk_size,omitempty"`

	// chunking
	PreferredSize int `yaml:"preferred_size,omitempty"`

	// existence_cache
	MaxEntries int `yaml:"max_entries,omitempty"`

	// size_split
	Threshold int64   `yaml:"threshold,omitempty"`
	Small     *Config `yaml:"small,omitempty"`
	Large     *Config `yaml:"large,omitempty"`

	// fast_slow
	Fast *Config `yaml:"fast,omitempty"`
	Slow *Config `yaml:"slow,omitempty"`

	// dark_launch
	Primary       *Config  `yaml:"primary,omitempty"`
	Secondary     *Config  `yaml:"secondary,omitempty"`
	DarkInstances []string `yaml:"dark_instances,omitempty"`
	MirrorWrites  bool     `yaml:"mirror_writes,omitempty"`

	// sharded
	Replicas int           `yaml:"replicas,omitempty"`
	Shards   []ShardConfig `yaml:"shards,omitempty"`

	// single-child wrappers (chunking, verifiers, caches, metered, monitored)
	Inner *Config `yaml:"inner,omitempty"`
}

// A ShardConfig names one shard of a sharded driver.
type ShardConfig struct {
	Name   string  `yaml:"name"`
	Driver *Config `yaml:"driver"`
}

// BuildDeps carries the process-level collaborators the driver tree needs.
type BuildDeps struct {
	// RedisBackends maps backend names from the config to connected clients.
	RedisBackends map[string]*redis.Client
	// UsageReports receives metered-driver reports; nil disables metering.
	UsageReports chan<- UsageReport
	// Purpose labels metrics, e.g. "cas" or "action-cache".
	Purpose string
}

func (d *BuildDeps) redisClient(name string) (*redis.Client, error) {
	client, present := d.RedisBackends[name]
	if !present {
		return nil, fmt.Errorf("unknown redis backend %q", name)
	}
	return client, nil
}

// Build constructs the driver pipeline this config tree describes.
func (c *Config) Build(deps *BuildDeps) (BlobStorage, error) {
	inner := func() (BlobStorage, error) {
		if c.Inner == nil {
			return nil, fmt.Errorf("driver %q requires an inner driver", c.Kind)
		}
		return c.Inner.Build(deps)
	}
	switch c.Kind {
	case "memory":
		return NewMemory(), nil
	case "file":
		if c.Dir == "" {
			return nil, fmt.Errorf("file driver requires dir")
		}
		return NewFile(c.Dir)
	case "redis":
		client, err := deps.redisClient(c.Backend)
		if err != nil {
			return nil, err
		}
		return NewRedisDirect(client, c.Prefix), nil
	case "redis_chunked":
		client, err := deps.redisClient(c.Backend)
		if err != nil {
			return nil, err
		}
		return NewRedisChunked(client, c.Prefix, c.ChunkSize), nil
	case "chunking":
		s, err := inner()
		if err != nil {
			return nil, err
		}
		return NewChunking(s, c.PreferredSize), nil
	case "verify_writes":
		s, err := inner()
		if err != nil {
			return nil, err
		}
		return NewWriteVerifier(s), nil
	case "verify_reads":
		s, err := inner()
		if err != nil {
			return nil, err
		}
		return NewReadVerifier(s), nil
	case "existence_cache":
		s, err := inner()
		if err != nil {
			return nil, err
		}
		if c.MaxEntries <= 0 {
			return nil, fmt.Errorf("existence_cache requires max_entries")
		}
		return NewExistenceCache(s, c.MaxEntries)
	case "size_split":
		if c.Small == nil || c.Large == nil {
			return nil, fmt.Errorf("size_split requires small and large drivers")
		}
		small, err := c.Small.Build(deps)
		if err != nil {
			return nil, err
		}
		large, err := c.Large.Build(deps)
		if err != nil {
			return nil, err
		}
		return NewSizeSplit(small, large, c.Threshold), nil
	case "fast_slow":
		if c.Fast == nil || c.Slow == nil {
			return nil, fmt.Errorf("fast_slow requires fast and slow drivers")
		}
		fast, err := c.Fast.Build(deps)
		if err != nil {
			return nil, err
		}
		slow, err := c.Slow.Build(deps)
		if err != nil {
			return nil, err
		}
		return NewFastSlow(fast, slow), nil
	case "dark_launch":
		if c.Primary == nil || c.Secondary == nil {
			return nil, fmt.Errorf("dark_launch requires primary and secondary drivers")
		}
		primary, err := c.Primary.Build(deps)
		if err != nil {
			return nil, err
		}
		secondary, err := c.Secondary.Build(deps)
		if err != nil {
			return nil, err
		}
		return NewDarkLaunch(primary, secondary, c.DarkInstances, c.MirrorWrites), nil
	case "sharded":
		if len(c.Shards) == 0 {
			return nil, fmt.Errorf("sharded requires shards")
		}
		names := make([]string, len(c.Shards))
		shards := make([]BlobStorage, len(c.Shards))
		for i, shard := range c.Shards {
			if shard.Driver == nil {
				return nil, fmt.Errorf("shard %q has no driver", shard.Name)
			}
			s, err := shard.Driver.Build(deps)
			if err != nil {
				return nil, err
			}
			names[i], shards[i] = shard.Name, s
		}
		replicas := c.Replicas
		if replicas == 0 {
			replicas = 1
		}
		return NewSharded(names, shards, replicas)
	case "metered":
		s, err := inner()
		if err != nil {
			return nil, err
		}
		if deps.UsageReports == nil {
			return s, nil // metering not configured for this process
		}
		return NewMetered(s, deps.UsageReports), nil
	case "monitored":
		s, err := inner()
		if err != nil {
			return nil, err
		}
		return NewMonitored(s, c.Inner.Kind, deps.Purpose, c.Inner.Inner == nil), nil
	case "null":
		return NewNull(), nil
	case "always_errors":
		return NewAlwaysErrors(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver kind %q", c.Kind)
	}
}
