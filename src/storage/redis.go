package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/toolchainlabs/remexec/src/digest"
)

// existsBatchSize is the number of EXISTS calls we pipeline at once.
const existsBatchSize = 1000

// defaultPoolSize is the connection pool size for each Redis backend.
const defaultPoolSize = 20

// NewRedisClient creates a client for one Redis backend.
// The pool is bounded; callers block waiting for a free connection.
func NewRedisClient(addr string, poolSize int) *redis.Client {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	return redis.NewClient(&redis.Options{Addr: addr, PoolSize: poolSize})
}

// NewRedisDirect returns a BlobStorage that stores each blob whole under a
// single key {prefix}{instance}-{hex}-{size}. Intended for small blobs; pair
// it with a size-split driver for anything else.
func NewRedisDirect(client *redis.Client, prefix string) BlobStorage {
	return &redisDirect{client: client, prefix: prefix}
}

type redisDirect struct {
	client *redis.Client
	prefix string
}

func (r *redisDirect) key(instance string, d digest.Digest) string {
	return fmt.Sprintf("%s%s-%s-%d", r.prefix, instance, d.Hex(), d.Size)
}

func (r *redisDirect) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	missing := []digest.Digest{}
	for start := 0; start < len(digests); start += existsBatchSize {
		batch := digests[start:min(start+existsBatchSize, len(digests))]
		pipe := r.client.Pipeline()
		cmds := make([]*redis.IntCmd, len(batch))
		for i, d := range batch {
			if !d.IsEmpty() {
				cmds[i] = pipe.Exists(ctx, r.key(instance, d))
			}
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, ErrUnavailable("redis EXISTS pipeline failed: %s", err)
		}
		for i, d := range batch {
			if cmds[i] != nil && cmds[i].Val() == 0 {
				missing = append(missing, d)
			}
		}
	}
	return missing, nil
}

func (r *redisDirect) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	b, err := r.client.Get(ctx, r.key(instance, d)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, ErrUnavailable("redis GET failed: %s", err)
	}
	start, end, err := sliceRange(int64(len(b)), offset, limit)
	if err != nil {
		return nil, true, err
	}
	return NewByteStream(b[start:end], chunkSize), true, nil
}

func (r *redisDirect) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	return &redisDirectWrite{r: r, instance: instance, digest: d}, nil
}

func (r *redisDirect) EnsureInstance(ctx context.Context, instance string) error {
	return nil // Redis namespacing is purely by key prefix.
}

type redisDirectWrite struct {
	r        *redisDirect
	instance string
	digest   digest.Digest
	buf      []byte
}

func (w *redisDirectWrite) Write(ctx context.Context, chunk []byte) error {
	w.buf = append(w.buf, chunk...)
	return nil
}

func (w *redisDirectWrite) Commit(ctx context.Context) error {
	if err := w.r.client.Set(ctx, w.r.key(w.instance, w.digest), w.buf, 0).Err(); err != nil {
		return ErrUnavailable("redis SET failed: %s", err)
	}
	return nil
}

func (w *redisDirectWrite) Abandon() {
	w.buf = nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
