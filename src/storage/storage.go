// Package storage implements the pluggable content-addressed blob storage
// engine. Every driver implements the same BlobStorage interface so they can
// be stacked arbitrarily; the composition is described by the YAML config.
package storage

import (
	"context"
	"io"

	"gopkg.in/op/go-logging.v1"

	"github.com/toolchainlabs/remexec/src/digest"
)

var log = logging.MustGetLogger("storage")

// DefaultChunkSize is the chunk size used when a caller doesn't care.
// According to https://github.com/grpc/grpc.github.io/issues/371 a good size might be 16-64KB.
const DefaultChunkSize = 32 * 1024

// A BlobStorage stores immutable blobs keyed by digest, scoped per instance.
type BlobStorage interface {
	// FindMissing returns the subset of the given digests that are not present.
	// The empty digest is never reported missing.
	FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error)
	// Read returns the blob's content as a lazy chunk stream, honouring the
	// given offset and limit (limit 0 means to the end). found is false if the
	// blob is not present; that is not an error.
	Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (stream ByteStream, found bool, err error)
	// BeginWrite starts a write of the given blob. It may fail immediately
	// with ErrAlreadyExists, which callers normally treat as success.
	BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error)
	// EnsureInstance idempotently sets up any per-instance state.
	EnsureInstance(ctx context.Context, instance string) error
}

// A ByteStream yields the content of a blob as a sequence of chunks.
// Next returns io.EOF once the stream is exhausted.
type ByteStream interface {
	Next() ([]byte, error)
	Close() error
}

// A WriteAttempt is a write in progress. Until Commit succeeds the driver must
// not expose partial data; an attempt abandoned without Commit leaves no trace.
// Commit must tolerate a concurrent writer having published the same digest
// first (it returns ErrAlreadyExists, which callers treat as success).
type WriteAttempt interface {
	Write(ctx context.Context, chunk []byte) error
	Commit(ctx context.Context) error
	// Abandon releases the attempt without publishing. It is a no-op after a
	// successful Commit so it is safe (and expected) to defer.
	Abandon()
}

// WriteAll writes an entire blob through a single attempt.
// An AlreadyExists result is normalised to success.
func WriteAll(ctx context.Context, s BlobStorage, instance string, d digest.Digest, data []byte) error {
	w, err := s.BeginWrite(ctx, instance, d)
	if err != nil {
		return IgnoreAlreadyExists(err)
	}
	defer w.Abandon()
	if err := w.Write(ctx, data); err != nil {
		return err
	}
	return IgnoreAlreadyExists(w.Commit(ctx))
}

// ReadAll reads an entire blob into memory.
func ReadAll(ctx context.Context, s BlobStorage, instance string, d digest.Digest) ([]byte, bool, error) {
	stream, found, err := s.Read(ctx, instance, d, DefaultChunkSize, 0, 0)
	if err != nil || !found {
		return nil, found, err
	}
	defer stream.Close()
	var buf []byte
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			return buf, true, nil
		} else if err != nil {
			return nil, true, err
		}
		buf = append(buf, chunk...)
	}
}

// byteStream is the canonical ByteStream over an in-memory payload.
type byteStream struct {
	data      []byte
	chunkSize int
}

// NewByteStream returns a stream over the given bytes, already sliced for
// offset & limit, that yields chunks of at most chunkSize.
func NewByteStream(data []byte, chunkSize int) ByteStream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &byteStream{data: data, chunkSize: chunkSize}
}

func (s *byteStream) Next() ([]byte, error) {
	if len(s.data) == 0 {
		return nil, io.EOF
	}
	n := s.chunkSize
	if n > len(s.data) {
		n = len(s.data)
	}
	chunk := s.data[:n]
	s.data = s.data[n:]
	return chunk, nil
}

func (s *byteStream) Close() error { return nil }

// sliceRange bounds a blob's size to the requested offset and limit.
// It returns the start and end offsets, or an error if they're out of range.
func sliceRange(size, offset, limit int64) (int64, int64, error) {
	if offset < 0 || offset > size {
		return 0, 0, ErrOutOfRange("offset", offset)
	} else if limit < 0 {
		return 0, 0, ErrOutOfRange("limit", limit)
	}
	end := size
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return offset, end, nil
}
