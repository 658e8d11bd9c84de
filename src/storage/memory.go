package storage

import (
	"context"
	"sync"

	"github.com/toolchainlabs/remexec/src/digest"
)

// NewMemory returns an in-process BlobStorage backed by a per-instance map.
// It is the baseline driver for tests and dev deployments.
func NewMemory() BlobStorage {
	return &memory{instances: map[string]map[digest.Digest][]byte{}}
}

type memory struct {
	instances map[string]map[digest.Digest][]byte
	mutex     sync.RWMutex
}

func (m *memory) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	blobs := m.instances[instance]
	missing := []digest.Digest{}
	for _, d := range digests {
		if d.IsEmpty() {
			continue
		}
		if _, present := blobs[d]; !present {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (m *memory) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	m.mutex.RLock()
	b, present := m.instances[instance][d]
	m.mutex.RUnlock()
	if !present {
		return nil, false, nil
	}
	start, end, err := sliceRange(int64(len(b)), offset, limit)
	if err != nil {
		return nil, true, err
	}
	return NewByteStream(b[start:end], chunkSize), true, nil
}

func (m *memory) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	return &memoryWrite{m: m, instance: instance, digest: d}, nil
}

func (m *memory) EnsureInstance(ctx context.Context, instance string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, present := m.instances[instance]; !present {
		m.instances[instance] = map[digest.Digest][]byte{}
	}
	return nil
}

type memoryWrite struct {
	m        *memory
	instance string
	digest   digest.Digest
	buf      []byte
	done     bool
}

func (w *memoryWrite) Write(ctx context.Context, chunk []byte) error {
	w.buf = append(w.buf, chunk...)
	return nil
}

func (w *memoryWrite) Commit(ctx context.Context) error {
	w.m.mutex.Lock()
	defer w.m.mutex.Unlock()
	blobs := w.m.instances[w.instance]
	if blobs == nil {
		blobs = map[digest.Digest][]byte{}
		w.m.instances[w.instance] = blobs
	}
	w.done = true
	if _, present := blobs[w.digest]; present {
		return ErrAlreadyExists
	}
	blobs[w.digest] = w.buf
	return nil
}

func (w *memoryWrite) Abandon() {
	w.buf = nil
}
