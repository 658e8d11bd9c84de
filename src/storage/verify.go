package storage

import (
	"context"
	"crypto/sha256"
	"hash"
	"io"

	"github.com/toolchainlabs/remexec/src/digest"
)

// NewWriteVerifier wraps a driver so that written bytes are hashed as they
// flow through; Commit rejects the attempt if the stream didn't match the
// claimed digest. Failures here are the client's fault, not data loss.
func NewWriteVerifier(inner BlobStorage) BlobStorage {
	return &writeVerifier{inner: inner}
}

type writeVerifier struct {
	inner BlobStorage
}

func (v *writeVerifier) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	return v.inner.FindMissing(ctx, instance, digests)
}

func (v *writeVerifier) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	return v.inner.Read(ctx, instance, d, chunkSize, offset, limit)
}

func (v *writeVerifier) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	w, err := v.inner.BeginWrite(ctx, instance, d)
	if err != nil {
		return nil, err
	}
	return &verifyingWrite{inner: w, expected: d, hasher: sha256.New()}, nil
}

func (v *writeVerifier) EnsureInstance(ctx context.Context, instance string) error {
	return v.inner.EnsureInstance(ctx, instance)
}

type verifyingWrite struct {
	inner    WriteAttempt
	expected digest.Digest
	hasher   hash.Hash
	size     int64
}

func (w *verifyingWrite) Write(ctx context.Context, chunk []byte) error {
	w.hasher.Write(chunk)
	w.size += int64(len(chunk))
	return w.inner.Write(ctx, chunk)
}

func (w *verifyingWrite) Commit(ctx context.Context) error {
	if w.size != w.expected.Size {
		return ErrInvalidSize(w.expected, w.size, false)
	}
	var actual digest.Digest
	w.hasher.Sum(actual.Hash[:0])
	actual.Size = w.size
	if actual.Hash != w.expected.Hash {
		return ErrInvalidHash(w.expected, actual, false)
	}
	return w.inner.Commit(ctx)
}

func (w *verifyingWrite) Abandon() { w.inner.Abandon() }

// NewReadVerifier wraps a driver so that fully-read blobs are re-hashed on the
// way out; a mismatch means the backend has corrupted the blob, which
// surfaces as a data-loss error. Partial reads (nonzero offset or limit)
// cannot be verified and pass through untouched.
func NewReadVerifier(inner BlobStorage) BlobStorage {
	return &readVerifier{inner: inner}
}

type readVerifier struct {
	inner BlobStorage
}

func (v *readVerifier) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	return v.inner.FindMissing(ctx, instance, digests)
}

func (v *readVerifier) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	stream, found, err := v.inner.Read(ctx, instance, d, chunkSize, offset, limit)
	if err != nil || !found {
		return nil, found, err
	}
	if offset != 0 || (limit != 0 && limit < d.Size) {
		return stream, true, nil
	}
	return &verifyingStream{inner: stream, expected: d, hasher: sha256.New()}, true, nil
}

func (v *readVerifier) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	return v.inner.BeginWrite(ctx, instance, d)
}

func (v *readVerifier) EnsureInstance(ctx context.Context, instance string) error {
	return v.inner.EnsureInstance(ctx, instance)
}

type verifyingStream struct {
	inner    ByteStream
	expected digest.Digest
	hasher   hash.Hash
	size     int64
}

func (s *verifyingStream) Next() ([]byte, error) {
	chunk, err := s.inner.Next()
	if err == io.EOF {
		if s.size != s.expected.Size {
			return nil, ErrInvalidSize(s.expected, s.size, true)
		}
		var actual digest.Digest
		s.hasher.Sum(actual.Hash[:0])
		actual.Size = s.size
		if actual.Hash != s.expected.Hash {
			return nil, ErrInvalidHash(s.expected, actual, true)
		}
		return nil, io.EOF
	} else if err != nil {
		return nil, err
	}
	s.hasher.Write(chunk)
	s.size += int64(len(chunk))
	return chunk, nil
}

func (s *verifyingStream) Close() error { return s.inner.Close() }
