package storage

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/toolchainlabs/remexec/src/digest"
)

// NewFastSlow layers a fast small-blob driver in front of a slow one as a
// read cache. Reads consult fast first and write through on a slow hit;
// writes fan out to both concurrently. The slow driver is authoritative:
// AlreadyExists from it short-circuits overall success regardless of the
// fast side's state.
func NewFastSlow(fast, slow BlobStorage) BlobStorage {
	return &fastSlow{fast: fast, slow: slow}
}

type fastSlow struct {
	fast, slow BlobStorage
}

func (f *fastSlow) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	return f.slow.FindMissing(ctx, instance, digests)
}

func (f *fastSlow) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	stream, found, err := f.fast.Read(ctx, instance, d, chunkSize, offset, limit)
	if err == nil && found {
		return stream, true, nil
	} else if err != nil {
		log.Warning("Fast storage read of %s failed, falling back to slow: %s", d, err)
	}
	stream, found, err = f.slow.Read(ctx, instance, d, chunkSize, offset, limit)
	if err != nil || !found {
		return nil, found, err
	}
	// Only populate the cache from complete reads; a partial read would
	// commit a truncated blob.
	if offset != 0 || (limit != 0 && limit < d.Size) {
		return stream, true, nil
	}
	w, err := f.fast.BeginWrite(ctx, instance, d)
	if err != nil {
		log.Warning("Failed to begin write-through of %s: %s", d, err)
		return stream, true, nil
	}
	return &teeStream{ctx: ctx, inner: stream, w: w}, true, nil
}

// teeStream copies a slow-side read into a fast-side write attempt,
// committing at EOF. Mirror failures never affect the read.
type teeStream struct {
	ctx    context.Context
	inner  ByteStream
	w      WriteAttempt
	broken bool
}

func (s *teeStream) Next() ([]byte, error) {
	chunk, err := s.inner.Next()
	if err == io.EOF {
		if !s.broken {
			if err := IgnoreAlreadyExists(s.w.Commit(s.ctx)); err != nil {
				log.Warning("Failed to commit write-through: %s", err)
			}
			s.broken = true
		}
		return nil, io.EOF
	} else if err != nil {
		return nil, err
	}
	if !s.broken {
		if err := s.w.Write(s.ctx, chunk); err != nil {
			log.Warning("Failed write-through chunk: %s", err)
			s.broken = true
		}
	}
	return chunk, nil
}

func (s *teeStream) Close() error {
	s.w.Abandon()
	return s.inner.Close()
}

func (f *fastSlow) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	slow, err := f.slow.BeginWrite(ctx, instance, d)
	if errors.Is(err, ErrAlreadyExists) {
		return nil, ErrAlreadyExists
	} else if err != nil {
		return nil, err
	}
	fast, err := f.fast.BeginWrite(ctx, instance, d)
	if err != nil {
		log.Warning("Fast-side write of %s unavailable: %s", d, err)
		fast = nil
	}
	return &fastSlowWrite{fast: fast, slow: slow}, nil
}

func (f *fastSlow) EnsureInstance(ctx context.Context, instance string) error {
	if err := f.fast.EnsureInstance(ctx, instance); err != nil {
		return err
	}
	return f.slow.EnsureInstance(ctx, instance)
}

type fastSlowWrite struct {
	fast WriteAttempt // nil once the fast side has failed
	slow WriteAttempt
}

func (w *fastSlowWrite) Write(ctx context.Context, chunk []byte) error {
	var g errgroup.Group
	if w.fast != nil {
		fast := w.fast
		g.Go(func() error {
			if err := fast.Write(ctx, chunk); err != nil {
				log.Warning("Dropping fast-side write: %s", err)
				fast.Abandon()
				w.fast = nil
			}
			return nil
		})
	}
	g.Go(func() error { return w.slow.Write(ctx, chunk) })
	return g.Wait()
}

func (w *fastSlowWrite) Commit(ctx context.Context) error {
	var g errgroup.Group
	if w.fast != nil {
		fast := w.fast
		g.Go(func() error {
			if err := IgnoreAlreadyExists(fast.Commit(ctx)); err != nil {
				log.Warning("Failed to commit fast-side write: %s", err)
			}
			return nil
		})
	}
	var slowErr error
	g.Go(func() error {
		slowErr = w.slow.Commit(ctx)
		return nil
	})
	g.Wait()
	return slowErr
}

func (w *fastSlowWrite) Abandon() {
	if w.fast != nil {
		w.fast.Abandon()
	}
	w.slow.Abandon()
}
