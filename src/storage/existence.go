package storage

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/toolchainlabs/remexec/src/digest"
)

// NewExistenceCache wraps a driver with an LRU of (instance, digest) pairs
// known to be present. FindMissing consults the cache first, forwards only
// the unknowns, and records any newly confirmed presences.
func NewExistenceCache(inner BlobStorage, maxEntries int) (BlobStorage, error) {
	cache, err := lru.New[existenceKey, struct{}](maxEntries)
	if err != nil {
		return nil, err
	}
	return &existenceCache{inner: inner, cache: cache}, nil
}

type existenceKey struct {
	instance string
	digest   digest.Digest
}

type existenceCache struct {
	inner BlobStorage
	cache *lru.Cache[existenceKey, struct{}]
}

func (e *existenceCache) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	unknown := make([]digest.Digest, 0, len(digests))
	for _, d := range digests {
		if !e.cache.Contains(existenceKey{instance, d}) {
			unknown = append(unknown, d)
		}
	}
	if len(unknown) == 0 {
		return nil, nil
	}
	missing, err := e.inner.FindMissing(ctx, instance, unknown)
	if err != nil {
		return nil, err
	}
	missingSet := make(map[digest.Digest]struct{}, len(missing))
	for _, d := range missing {
		missingSet[d] = struct{}{}
	}
	for _, d := range unknown {
		if _, isMissing := missingSet[d]; !isMissing {
			e.cache.Add(existenceKey{instance, d}, struct{}{})
		}
	}
	return missing, nil
}

func (e *existenceCache) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	stream, found, err := e.inner.Read(ctx, instance, d, chunkSize, offset, limit)
	if found && err == nil {
		e.cache.Add(existenceKey{instance, d}, struct{}{})
	}
	return stream, found, err
}

func (e *existenceCache) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	w, err := e.inner.BeginWrite(ctx, instance, d)
	if err != nil {
		return nil, err
	}
	return &existenceWrite{inner: w, cache: e, key: existenceKey{instance, d}}, nil
}

func (e *existenceCache) EnsureInstance(ctx context.Context, instance string) error {
	return e.inner.EnsureInstance(ctx, instance)
}

type existenceWrite struct {
	inner WriteAttempt
	cache *existenceCache
	key   existenceKey
}

func (w *existenceWrite) Write(ctx context.Context, chunk []byte) error {
	return w.inner.Write(ctx, chunk)
}

func (w *existenceWrite) Commit(ctx context.Context) error {
	err := w.inner.Commit(ctx)
	if IgnoreAlreadyExists(err) == nil {
		w.cache.cache.Add(w.key, struct{}{})
	}
	return err
}

func (w *existenceWrite) Abandon() { w.inner.Abandon() }
