package storage

import (
	"context"
	"io"

	"github.com/toolchainlabs/remexec/src/digest"
)

// NewChunking wraps a driver so that inbound write chunks are batched up to
// the preferred size before reaching the inner driver, and read chunks are
// rebatched to the same size. Semantically transparent.
func NewChunking(inner BlobStorage, preferredSize int) BlobStorage {
	if preferredSize <= 0 {
		preferredSize = DefaultChunkSize
	}
	return &chunking{inner: inner, size: preferredSize}
}

type chunking struct {
	inner BlobStorage
	size  int
}

func (c *chunking) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	return c.inner.FindMissing(ctx, instance, digests)
}

func (c *chunking) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	stream, found, err := c.inner.Read(ctx, instance, d, c.size, offset, limit)
	if err != nil || !found {
		return nil, found, err
	}
	return &rebatchStream{inner: stream, size: c.size}, true, nil
}

func (c *chunking) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	w, err := c.inner.BeginWrite(ctx, instance, d)
	if err != nil {
		return nil, err
	}
	return &chunkingWrite{inner: w, size: c.size}, nil
}

func (c *chunking) EnsureInstance(ctx context.Context, instance string) error {
	return c.inner.EnsureInstance(ctx, instance)
}

// rebatchStream re-slices an inner stream into chunks of exactly the
// preferred size (bar the final one).
type rebatchStream struct {
	inner ByteStream
	size  int
	buf   []byte
	eof   bool
}

func (s *rebatchStream) Next() ([]byte, error) {
	for len(s.buf) < s.size && !s.eof {
		chunk, err := s.inner.Next()
		if err == io.EOF {
			s.eof = true
		} else if err != nil {
			return nil, err
		} else {
			s.buf = append(s.buf, chunk...)
		}
	}
	if len(s.buf) == 0 {
		return nil, io.EOF
	}
	n := min(s.size, len(s.buf))
	chunk := s.buf[:n]
	s.buf = s.buf[n:]
	return chunk, nil
}

func (s *rebatchStream) Close() error { return s.inner.Close() }

type chunkingWrite struct {
	inner WriteAttempt
	size  int
	buf   []byte
}

func (w *chunkingWrite) Write(ctx context.Context, chunk []byte) error {
	w.buf = append(w.buf, chunk...)
	for len(w.buf) >= w.size {
		if err := w.inner.Write(ctx, w.buf[:w.size]); err != nil {
			return err
		}
		w.buf = w.buf[w.size:]
	}
	return nil
}

func (w *chunkingWrite) Commit(ctx context.Context) error {
	if len(w.buf) > 0 {
		if err := w.inner.Write(ctx, w.buf); err != nil {
			return err
		}
		w.buf = nil
	}
	return w.inner.Commit(ctx)
}

func (w *chunkingWrite) Abandon() { w.inner.Abandon() }
