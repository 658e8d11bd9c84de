package storage

import (
	"context"

	"github.com/toolchainlabs/remexec/src/digest"
)

// NewSizeSplit routes blobs smaller than the threshold to small and
// everything else to large. All contracts are preserved per branch.
func NewSizeSplit(small, large BlobStorage, threshold int64) BlobStorage {
	return &sizeSplit{small: small, large: large, threshold: threshold}
}

type sizeSplit struct {
	small, large BlobStorage
	threshold    int64
}

func (s *sizeSplit) pick(d digest.Digest) BlobStorage {
	if d.Size < s.threshold {
		return s.small
	}
	return s.large
}

func (s *sizeSplit) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	var smalls, larges []digest.Digest
	for _, d := range digests {
		if d.Size < s.threshold {
			smalls = append(smalls, d)
		} else {
			larges = append(larges, d)
		}
	}
	missing, err := s.small.FindMissing(ctx, instance, smalls)
	if err != nil {
		return nil, err
	}
	missingLarge, err := s.large.FindMissing(ctx, instance, larges)
	if err != nil {
		return nil, err
	}
	return append(missing, missingLarge...), nil
}

func (s *sizeSplit) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	return s.pick(d).Read(ctx, instance, d, chunkSize, offset, limit)
}

func (s *sizeSplit) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	return s.pick(d).BeginWrite(ctx, instance, d)
}

func (s *sizeSplit) EnsureInstance(ctx context.Context, instance string) error {
	if err := s.small.EnsureInstance(ctx, instance); err != nil {
		return err
	}
	return s.large.EnsureInstance(ctx, instance)
}
