package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/toolchainlabs/remexec/src/digest"
)

const dirPermissions = os.ModeDir | 0775

// NewFile returns a BlobStorage that stores each blob as a file at
// {base}/v1/instances/{instance}/blobs/XX/YY/ZZ/{hex}-{size}.bin.
// Writes go to a sequenced tmpfile under {base}/v1/tmp/{container}/ and are
// atomically renamed into place on commit.
func NewFile(base string) (BlobStorage, error) {
	f := &file{
		base:      base,
		container: uuid.New().String(),
	}
	if err := os.MkdirAll(f.tmpDir(), dirPermissions); err != nil {
		return nil, err
	}
	return f, nil
}

type file struct {
	base      string
	container string
	seq       atomic.Int64
}

func (f *file) blobPath(instance string, d digest.Digest) string {
	hex := d.Hex()
	return filepath.Join(f.base, "v1", "instances", instance, "blobs",
		hex[0:2], hex[2:4], hex[4:6], fmt.Sprintf("%s-%d.bin", hex, d.Size))
}

func (f *file) tmpDir() string {
	return filepath.Join(f.base, "v1", "tmp", f.container)
}

func (f *file) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	missing := []digest.Digest{}
	for _, d := range digests {
		if d.IsEmpty() {
			continue
		}
		if _, err := os.Stat(f.blobPath(instance, d)); os.IsNotExist(err) {
			missing = append(missing, d)
		} else if err != nil {
			return nil, ErrInternal("failed to stat blob %s: %s", d, err)
		}
	}
	return missing, nil
}

func (f *file) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	fh, err := os.Open(f.blobPath(instance, d))
	if os.IsNotExist(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, ErrInternal("failed to open blob %s: %s", d, err)
	}
	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, true, ErrInternal("failed to stat blob %s: %s", d, err)
	}
	start, end, err := sliceRange(info.Size(), offset, limit)
	if err != nil {
		fh.Close()
		return nil, true, err
	}
	if _, err := fh.Seek(start, io.SeekStart); err != nil {
		fh.Close()
		return nil, true, ErrInternal("failed to seek blob %s: %s", d, err)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &fileStream{f: fh, remaining: end - start, chunkSize: chunkSize}, true, nil
}

func (f *file) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	tmp := filepath.Join(f.tmpDir(), fmt.Sprintf("%s-%d.seq%d", d.Hex(), d.Size, f.seq.Add(1)))
	fh, err := os.Create(tmp)
	if err != nil {
		return nil, ErrInternal("failed to create tmpfile for %s: %s", d, err)
	}
	return &fileWrite{f: f, fh: fh, tmp: tmp, instance: instance, digest: d}, nil
}

func (f *file) EnsureInstance(ctx context.Context, instance string) error {
	return os.MkdirAll(filepath.Join(f.base, "v1", "instances", instance, "blobs"), dirPermissions)
}

type fileStream struct {
	f         *os.File
	remaining int64
	chunkSize int
}

func (s *fileStream) Next() ([]byte, error) {
	if s.remaining <= 0 {
		return nil, io.EOF
	}
	n := int64(s.chunkSize)
	if n > s.remaining {
		n = s.remaining
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(s.f, buf)
	if err != nil {
		return nil, ErrInternal("failed to read blob: %s", err)
	}
	s.remaining -= int64(read)
	return buf, nil
}

func (s *fileStream) Close() error { return s.f.Close() }

type fileWrite struct {
	f         *file
	fh        *os.File
	tmp       string
	instance  string
	digest    digest.Digest
	committed bool
}

func (w *fileWrite) Write(ctx context.Context, chunk []byte) error {
	if _, err := w.fh.Write(chunk); err != nil {
		return ErrInternal("failed to write tmpfile: %s", err)
	}
	return nil
}

func (w *fileWrite) Commit(ctx context.Context) error {
	if err := w.fh.Close(); err != nil {
		return ErrInternal("failed to close tmpfile: %s", err)
	}
	target := w.f.blobPath(w.instance, w.digest)
	if _, err := os.Stat(target); err == nil {
		// Lost the race to a concurrent writer of the same content.
		os.Remove(w.tmp)
		w.committed = true
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
		return ErrInternal("failed to create blob directory: %s", err)
	}
	if err := os.Rename(w.tmp, target); err != nil {
		if os.IsExist(err) {
			os.Remove(w.tmp)
			w.committed = true
			return ErrAlreadyExists
		}
		return ErrInternal("failed to publish blob %s: %s", w.digest, err)
	}
	w.committed = true
	return nil
}

func (w *fileWrite) Abandon() {
	if !w.committed {
		w.fh.Close()
		os.Remove(w.tmp)
	}
}
