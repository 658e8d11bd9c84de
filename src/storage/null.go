package storage

import (
	"context"

	"github.com/toolchainlabs/remexec/src/digest"
)

// NewNull returns a driver that stores nothing: writes vanish and every
// non-empty blob is missing. Used to hard-disable a pipeline branch.
func NewNull() BlobStorage {
	return nullStorage{}
}

type nullStorage struct{}

func (nullStorage) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	missing := []digest.Digest{}
	for _, d := range digests {
		if !d.IsEmpty() {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (nullStorage) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	return nil, false, nil
}

func (nullStorage) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	return nullWrite{}, nil
}

func (nullStorage) EnsureInstance(ctx context.Context, instance string) error { return nil }

type nullWrite struct{}

func (nullWrite) Write(ctx context.Context, chunk []byte) error { return nil }
func (nullWrite) Commit(ctx context.Context) error              { return nil }
func (nullWrite) Abandon()                                      {}

// NewAlwaysErrors returns a driver on which every operation fails.
// Degenerate implementation for tests.
func NewAlwaysErrors() BlobStorage {
	return alwaysErrors{}
}

type alwaysErrors struct{}

func (alwaysErrors) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	return nil, ErrUnavailable("storage disabled")
}

func (alwaysErrors) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	return nil, false, ErrUnavailable("storage disabled")
}

func (alwaysErrors) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	return nil, ErrUnavailable("storage disabled")
}

func (alwaysErrors) EnsureInstance(ctx context.Context, instance string) error {
	return ErrUnavailable("storage disabled")
}
