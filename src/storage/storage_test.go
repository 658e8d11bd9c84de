package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolchainlabs/remexec/src/digest"
)

const testInstance = "test"

// writeThenRead asserts the fundamental driver property: after a committed
// write, the blob is not missing and reads back byte-identical.
func writeThenRead(t *testing.T, s BlobStorage, content []byte) {
	t.Helper()
	ctx := context.Background()
	d := digest.OfBytes(content)
	require.NoError(t, s.EnsureInstance(ctx, testInstance))
	require.NoError(t, WriteAll(ctx, s, testInstance, d, content))
	missing, err := s.FindMissing(ctx, testInstance, []digest.Digest{d})
	require.NoError(t, err)
	assert.Empty(t, missing)
	b, found, err := ReadAll(ctx, s, testInstance, d)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, content, b)
}

func TestMemoryWriteThenRead(t *testing.T) {
	writeThenRead(t, NewMemory(), []byte("foobar"))
}

func TestMemoryMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	d := digest.OfBytes([]byte("not there"))
	missing, err := s.FindMissing(ctx, testInstance, []digest.Digest{d, digest.Empty})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d}, missing)
	_, found, err := s.Read(ctx, testInstance, d, 0, 0, 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEmptyDigestNeverMissing(t *testing.T) {
	missing, err := NewMemory().FindMissing(context.Background(), testInstance, []digest.Digest{digest.Empty})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestReadOffsetAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	content := []byte("foobar")
	d := digest.OfBytes(content)
	require.NoError(t, WriteAll(ctx, s, testInstance, d, content))

	read := func(offset, limit int64) ([]byte, error) {
		stream, found, err := s.Read(ctx, testInstance, d, 2, offset, limit)
		if err != nil {
			return nil, err
		}
		require.True(t, found)
		defer stream.Close()
		var buf []byte
		for {
			chunk, err := stream.Next()
			if err != nil {
				return buf, nil
			}
			buf = append(buf, chunk...)
		}
	}
	b, err := read(3, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("bar"), b)
	b, err = read(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), b)
	b, err = read(2, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("ob"), b)
	_, err = read(7, 0)
	assert.Error(t, err)
	_, err = read(-1, 0)
	assert.Error(t, err)
	_, err = read(0, -1)
	assert.Error(t, err)
}

func TestCommitAfterConcurrentWriteIsAlreadyExists(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	content := []byte("raced")
	d := digest.OfBytes(content)
	w1, err := s.BeginWrite(ctx, testInstance, d)
	require.NoError(t, err)
	w2, err := s.BeginWrite(ctx, testInstance, d)
	require.NoError(t, err)
	require.NoError(t, w1.Write(ctx, content))
	require.NoError(t, w2.Write(ctx, content))
	require.NoError(t, w1.Commit(ctx))
	assert.ErrorIs(t, w2.Commit(ctx), ErrAlreadyExists)
	assert.NoError(t, IgnoreAlreadyExists(w2.Commit(ctx)))
}

func TestFileWriteThenRead(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)
	writeThenRead(t, s, []byte("some file content that spans several chunks when small chunk sizes are used"))
}

func TestFileAbandonLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)
	content := []byte("abandoned")
	d := digest.OfBytes(content)
	w, err := s.BeginWrite(ctx, testInstance, d)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, content))
	w.Abandon()
	missing, err := s.FindMissing(ctx, testInstance, []digest.Digest{d})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d}, missing)
}

func TestChunkingTransparent(t *testing.T) {
	s := NewChunking(NewMemory(), 4)
	writeThenRead(t, s, []byte("content that is longer than one preferred chunk"))
}

func TestWriteVerifierRejectsBadHash(t *testing.T) {
	ctx := context.Background()
	s := NewWriteVerifier(NewMemory())
	claimed := digest.OfBytes([]byte("claimed content"))
	w, err := s.BeginWrite(ctx, testInstance, claimed)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, []byte("different content")))
	err = w.Commit(ctx)
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindInvalidSize, serr.Kind)
	assert.False(t, serr.DataLoss)
	// The claimed digest must still read as missing.
	missing, err := s.FindMissing(ctx, testInstance, []digest.Digest{claimed})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{claimed}, missing)
}

func TestWriteVerifierRejectsHashMismatchOfSameSize(t *testing.T) {
	ctx := context.Background()
	s := NewWriteVerifier(NewMemory())
	claimed := digest.OfBytes([]byte("content a"))
	w, err := s.BeginWrite(ctx, testInstance, claimed)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, []byte("content b")))
	err = w.Commit(ctx)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindInvalidHash, serr.Kind)
}

func TestWriteVerifierAcceptsGoodContent(t *testing.T) {
	writeThenRead(t, NewWriteVerifier(NewMemory()), []byte("good content"))
}

func TestReadVerifierSurfacesDataLoss(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s := NewReadVerifier(inner)
	good := []byte("original")
	corrupt := []byte("corruptd")
	d := digest.OfBytes(good)
	// Store corrupt bytes directly under the good digest.
	require.NoError(t, WriteAll(ctx, inner, testInstance, d, corrupt))
	_, _, err := ReadAll(ctx, s, testInstance, d)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindInvalidHash, serr.Kind)
	assert.True(t, serr.DataLoss)
}

func TestExistenceCache(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s, err := NewExistenceCache(inner, 100)
	require.NoError(t, err)
	content := []byte("cached presence")
	d := digest.OfBytes(content)
	require.NoError(t, WriteAll(ctx, s, testInstance, d, content))
	missing, err := s.FindMissing(ctx, testInstance, []digest.Digest{d})
	require.NoError(t, err)
	assert.Empty(t, missing)
	// The cache must keep answering even when the inner driver breaks,
	// proving the presence came from the cache.
	broken, err := NewExistenceCache(NewAlwaysErrors(), 100)
	require.NoError(t, err)
	_, err = broken.FindMissing(ctx, testInstance, []digest.Digest{d})
	assert.Error(t, err)
}

func TestSizeSplitRouting(t *testing.T) {
	ctx := context.Background()
	small := NewMemory()
	large := NewMemory()
	s := NewSizeSplit(small, large, 10)
	tiny := []byte("tiny")
	big := []byte("bigger than the threshold")
	writeThenRead(t, s, tiny)
	writeThenRead(t, s, big)
	// Each branch only holds its own blobs.
	missing, err := small.FindMissing(ctx, testInstance, []digest.Digest{digest.OfBytes(big)})
	require.NoError(t, err)
	assert.Len(t, missing, 1)
	missing, err = large.FindMissing(ctx, testInstance, []digest.Digest{digest.OfBytes(tiny)})
	require.NoError(t, err)
	assert.Len(t, missing, 1)
}

func TestFastSlowWriteFansOut(t *testing.T) {
	ctx := context.Background()
	fast := NewMemory()
	slow := NewMemory()
	s := NewFastSlow(fast, slow)
	content := []byte("both sides")
	d := digest.OfBytes(content)
	require.NoError(t, WriteAll(ctx, s, testInstance, d, content))
	for _, side := range []BlobStorage{fast, slow} {
		missing, err := side.FindMissing(ctx, testInstance, []digest.Digest{d})
		require.NoError(t, err)
		assert.Empty(t, missing)
	}
}

func TestFastSlowReadPopulatesFast(t *testing.T) {
	ctx := context.Background()
	fast := NewMemory()
	slow := NewMemory()
	s := NewFastSlow(fast, slow)
	content := []byte("slow only at first")
	d := digest.OfBytes(content)
	require.NoError(t, WriteAll(ctx, slow, testInstance, d, content))
	b, found, err := ReadAll(ctx, s, testInstance, d)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, content, b)
	missing, err := fast.FindMissing(ctx, testInstance, []digest.Digest{d})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestFastSlowToleratesBrokenFastSide(t *testing.T) {
	s := NewFastSlow(NewAlwaysErrors(), NewMemory())
	writeThenRead(t, s, []byte("slow side carries it"))
}

func TestDarkLaunchRouting(t *testing.T) {
	ctx := context.Background()
	primary := NewMemory()
	secondary := NewMemory()
	s := NewDarkLaunch(primary, secondary, []string{"dark"}, false)
	content := []byte("routed")
	d := digest.OfBytes(content)
	require.NoError(t, WriteAll(ctx, s, "dark", d, content))
	missing, err := secondary.FindMissing(ctx, "dark", []digest.Digest{d})
	require.NoError(t, err)
	assert.Empty(t, missing)
	missing, err = primary.FindMissing(ctx, "dark", []digest.Digest{d})
	require.NoError(t, err)
	assert.Len(t, missing, 1)
}

func TestDarkLaunchMirrorsWrites(t *testing.T) {
	ctx := context.Background()
	primary := NewMemory()
	secondary := NewMemory()
	s := NewDarkLaunch(primary, secondary, nil, true)
	content := []byte("mirrored")
	d := digest.OfBytes(content)
	require.NoError(t, WriteAll(ctx, s, testInstance, d, content))
	// Commit waits for the mirror consumer, so the copy is visible now.
	missing, err := secondary.FindMissing(ctx, testInstance, []digest.Digest{d})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestDarkLaunchMirrorErrorNeverFailsPrimary(t *testing.T) {
	s := NewDarkLaunch(NewMemory(), NewAlwaysErrors(), nil, true)
	writeThenRead(t, s, []byte("mirror is broken"))
}

func TestNullStorage(t *testing.T) {
	ctx := context.Background()
	s := NewNull()
	content := []byte("vanishes")
	d := digest.OfBytes(content)
	require.NoError(t, WriteAll(ctx, s, testInstance, d, content))
	missing, err := s.FindMissing(ctx, testInstance, []digest.Digest{d})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d}, missing)
}

func TestMeteredReports(t *testing.T) {
	ctx := context.Background()
	reports := make(chan UsageReport, 100)
	s := NewMetered(NewMemory(), reports)
	content := []byte("metered content")
	d := digest.OfBytes(content)
	require.NoError(t, WriteAll(ctx, s, testInstance, d, content))
	_, _, err := ReadAll(ctx, s, testInstance, d)
	require.NoError(t, err)
	close(reports)
	var agg UsageReport
	for r := range reports {
		assert.Equal(t, testInstance, r.CustomerID)
		agg.BytesRead += r.BytesRead
		agg.BlobsRead += r.BlobsRead
		agg.BytesWritten += r.BytesWritten
		agg.BlobsWritten += r.BlobsWritten
	}
	assert.EqualValues(t, 1, agg.BlobsWritten)
	assert.EqualValues(t, len(content), agg.BytesWritten)
	assert.EqualValues(t, 1, agg.BlobsRead)
	assert.EqualValues(t, len(content), agg.BytesRead)
}

func TestMonitoredTransparent(t *testing.T) {
	writeThenRead(t, NewMonitored(NewMemory(), "memory", "cas", true), []byte("observed"))
}

func TestDeepComposition(t *testing.T) {
	// The kind of stack a production config describes.
	cache, err := NewExistenceCache(NewMemory(), 10)
	require.NoError(t, err)
	s := NewWriteVerifier(NewReadVerifier(NewChunking(cache, 8)))
	writeThenRead(t, s, []byte("full pipeline content, longer than a chunk"))
}
