package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/toolchainlabs/remexec/src/digest"
)

// NewRedisChunked returns a BlobStorage that splits each blob into fixed-size
// chunks under {prefix}{instance}:data-{uuid}-{k}, with a metadata chunk at
// -meta recording the chunk count and an index key
// {prefix}{instance}:index-sha256-{hex}-{size} mapping the digest to the uuid.
// A blob is only considered present once index, metadata and all chunks exist;
// any missing intermediate state reads as "not present".
func NewRedisChunked(client *redis.Client, prefix string, chunkSize int) BlobStorage {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &redisChunked{client: client, prefix: prefix, chunkSize: chunkSize}
}

type redisChunked struct {
	client    *redis.Client
	prefix    string
	chunkSize int
}

func (r *redisChunked) indexKey(instance string, d digest.Digest) string {
	return fmt.Sprintf("%s%s:index-sha256-%s-%d", r.prefix, instance, d.Hex(), d.Size)
}

func (r *redisChunked) dataKey(instance, id string, k int) string {
	return fmt.Sprintf("%s%s:data-%s-%d", r.prefix, instance, id, k)
}

func (r *redisChunked) metaKey(instance, id string) string {
	return fmt.Sprintf("%s%s:data-%s-meta", r.prefix, instance, id)
}

// encodeMeta encodes the RedisMetadataChunk message: field 1, varint num_chunks.
func encodeMeta(numChunks int) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(numChunks))
}

// decodeMeta decodes a RedisMetadataChunk body.
func decodeMeta(b []byte) (int, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, ErrInternal("corrupt metadata chunk")
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, ErrInternal("corrupt metadata chunk")
			}
			return int(v), nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, ErrInternal("corrupt metadata chunk")
		}
		b = b[n:]
	}
	return 0, ErrInternal("metadata chunk missing num_chunks")
}

// lookup resolves a digest to its chunk uuid and count.
// found is false whenever the index or metadata is absent.
func (r *redisChunked) lookup(ctx context.Context, instance string, d digest.Digest) (string, int, bool, error) {
	id, err := r.client.Get(ctx, r.indexKey(instance, d)).Result()
	if err == redis.Nil {
		return "", 0, false, nil
	} else if err != nil {
		return "", 0, false, ErrUnavailable("redis GET failed: %s", err)
	}
	meta, err := r.client.Get(ctx, r.metaKey(instance, id)).Bytes()
	if err == redis.Nil {
		return "", 0, false, nil
	} else if err != nil {
		return "", 0, false, ErrUnavailable("redis GET failed: %s", err)
	}
	n, err := decodeMeta(meta)
	if err != nil {
		return "", 0, false, err
	}
	return id, n, true, nil
}

func (r *redisChunked) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	missing := []digest.Digest{}
	for _, d := range digests {
		if d.IsEmpty() {
			continue
		}
		id, n, found, err := r.lookup(ctx, instance, d)
		if err != nil {
			return nil, err
		} else if !found {
			missing = append(missing, d)
			continue
		}
		keys := make([]string, n)
		for k := 0; k < n; k++ {
			keys[k] = r.dataKey(instance, id, k)
		}
		count := int64(0)
		for start := 0; start < len(keys); start += existsBatchSize {
			batch := keys[start:min(start+existsBatchSize, len(keys))]
			c, err := r.client.Exists(ctx, batch...).Result()
			if err != nil {
				return nil, ErrUnavailable("redis EXISTS failed: %s", err)
			}
			count += c
		}
		if count != int64(n) {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (r *redisChunked) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	id, n, found, err := r.lookup(ctx, instance, d)
	if err != nil || !found {
		return nil, found, err
	}
	if _, _, err := sliceRange(d.Size, offset, limit); err != nil {
		return nil, true, err
	}
	return &redisChunkStream{
		r:        r,
		ctx:      ctx,
		instance: instance,
		id:       id,
		n:        n,
		offset:   offset,
		limit:    limit,
	}, true, nil
}

// redisChunkStream streams stored chunks in order, applying offset & limit.
type redisChunkStream struct {
	r         *redisChunked
	ctx       context.Context
	instance  string
	id        string
	n, next   int
	offset    int64
	limit     int64
	delivered int64
}

func (s *redisChunkStream) Next() ([]byte, error) {
	for s.next < s.n {
		b, err := s.r.client.Get(s.ctx, s.r.dataKey(s.instance, s.id, s.next)).Bytes()
		if err == redis.Nil {
			return nil, ErrInternal("chunk %d of %s missing", s.next, s.id)
		} else if err != nil {
			return nil, ErrUnavailable("redis GET failed: %s", err)
		}
		s.next++
		if s.offset >= int64(len(b)) {
			s.offset -= int64(len(b))
			continue
		}
		b = b[s.offset:]
		s.offset = 0
		if s.limit > 0 {
			if remaining := s.limit - s.delivered; remaining <= 0 {
				return nil, io.EOF
			} else if remaining < int64(len(b)) {
				b = b[:remaining]
			}
		}
		s.delivered += int64(len(b))
		return b, nil
	}
	return nil, io.EOF
}

func (s *redisChunkStream) Close() error { return nil }

func (r *redisChunked) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	return &redisChunkedWrite{r: r, instance: instance, digest: d, id: uuid.New().String()}, nil
}

func (r *redisChunked) EnsureInstance(ctx context.Context, instance string) error {
	return nil
}

// redisChunkedWrite stores fixed-size chunks as data arrives, then publishes
// the metadata and index on commit. Until the index is written the blob is
// invisible, so an abandoned attempt leaves only unreferenced chunks behind.
type redisChunkedWrite struct {
	r        *redisChunked
	instance string
	digest   digest.Digest
	id       string
	buf      []byte
	written  int
}

func (w *redisChunkedWrite) Write(ctx context.Context, chunk []byte) error {
	w.buf = append(w.buf, chunk...)
	for len(w.buf) >= w.r.chunkSize {
		if err := w.flush(ctx, w.buf[:w.r.chunkSize]); err != nil {
			return err
		}
		w.buf = w.buf[w.r.chunkSize:]
	}
	return nil
}

func (w *redisChunkedWrite) flush(ctx context.Context, chunk []byte) error {
	if err := w.r.client.Set(ctx, w.r.dataKey(w.instance, w.id, w.written), chunk, 0).Err(); err != nil {
		return ErrUnavailable("redis SET failed: %s", err)
	}
	w.written++
	return nil
}

func (w *redisChunkedWrite) Commit(ctx context.Context) error {
	if len(w.buf) > 0 {
		if err := w.flush(ctx, w.buf); err != nil {
			return err
		}
		w.buf = nil
	}
	if err := w.r.client.Set(ctx, w.r.metaKey(w.instance, w.id), encodeMeta(w.written), 0).Err(); err != nil {
		return ErrUnavailable("redis SET failed: %s", err)
	}
	if err := w.r.client.Set(ctx, w.r.indexKey(w.instance, w.digest), w.id, 0).Err(); err != nil {
		return ErrUnavailable("redis SET failed: %s", err)
	}
	return nil
}

func (w *redisChunkedWrite) Abandon() {
	w.buf = nil
}
