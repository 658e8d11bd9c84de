package storage

import (
	"context"

	"github.com/toolchainlabs/remexec/src/digest"
)

// mirrorBufferSize is the number of chunks we buffer towards the mirror.
// Increasing this reduces the lag a slow mirror imposes, but also increases
// our memory requirements.
const mirrorBufferSize = 1000

// NewDarkLaunch routes instances named in darkInstances to the secondary
// driver and everything else to the primary. When mirrorWrites is set, writes
// to the chosen driver are also mirrored to the other one through a buffered
// channel and a consumer goroutine; the mirror is dropped on its first error
// and never fails the primary write.
func NewDarkLaunch(primary, secondary BlobStorage, darkInstances []string, mirrorWrites bool) BlobStorage {
	dark := make(map[string]struct{}, len(darkInstances))
	for _, i := range darkInstances {
		dark[i] = struct{}{}
	}
	return &darkLaunch{primary: primary, secondary: secondary, dark: dark, mirror: mirrorWrites}
}

type darkLaunch struct {
	primary, secondary BlobStorage
	dark               map[string]struct{}
	mirror             bool
}

// pick returns the driver serving this instance, and the other one.
func (d *darkLaunch) pick(instance string) (BlobStorage, BlobStorage) {
	if _, isDark := d.dark[instance]; isDark {
		return d.secondary, d.primary
	}
	return d.primary, d.secondary
}

func (d *darkLaunch) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	chosen, _ := d.pick(instance)
	return chosen.FindMissing(ctx, instance, digests)
}

func (d *darkLaunch) Read(ctx context.Context, instance string, dg digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	chosen, _ := d.pick(instance)
	return chosen.Read(ctx, instance, dg, chunkSize, offset, limit)
}

func (d *darkLaunch) BeginWrite(ctx context.Context, instance string, dg digest.Digest) (WriteAttempt, error) {
	chosen, other := d.pick(instance)
	w, err := chosen.BeginWrite(ctx, instance, dg)
	if err != nil || !d.mirror {
		return w, err
	}
	mw := &mirroredWrite{inner: w, ch: make(chan []byte, mirrorBufferSize), done: make(chan struct{})}
	go mw.consume(other, instance, dg)
	return mw, nil
}

func (d *darkLaunch) EnsureInstance(ctx context.Context, instance string) error {
	if err := d.primary.EnsureInstance(ctx, instance); err != nil {
		return err
	}
	return d.secondary.EnsureInstance(ctx, instance)
}

// mirroredWrite forwards chunks to the chosen driver and also onto a channel
// drained by a consumer goroutine writing the mirror copy.
type mirroredWrite struct {
	inner    WriteAttempt
	ch       chan []byte
	done     chan struct{}
	doCommit bool
	closed   bool
}

// consume drains the chunk channel into the mirror driver.
// On the first error it discards the rest of the channel, matching how
// replica forwarding is abandoned elsewhere; the primary write never notices.
func (w *mirroredWrite) consume(mirror BlobStorage, instance string, d digest.Digest) {
	defer close(w.done)
	ctx := context.Background()
	attempt, err := mirror.BeginWrite(ctx, instance, d)
	if err != nil {
		log.Warning("Failed to begin mirror write of %s: %s", d, err)
		for range w.ch {
		}
		return
	}
	defer attempt.Abandon()
	for chunk := range w.ch {
		if err := attempt.Write(ctx, chunk); err != nil {
			log.Warning("Dropping mirror write of %s: %s", d, err)
			for range w.ch {
			}
			return
		}
	}
	if !w.doCommit {
		return
	}
	if err := IgnoreAlreadyExists(attempt.Commit(ctx)); err != nil {
		log.Warning("Failed to commit mirror write of %s: %s", d, err)
	}
}

func (w *mirroredWrite) Write(ctx context.Context, chunk []byte) error {
	// Copy the chunk; the consumer outlives the caller's buffer.
	c := make([]byte, len(chunk))
	copy(c, chunk)
	w.ch <- c
	return w.inner.Write(ctx, chunk)
}

func (w *mirroredWrite) Commit(ctx context.Context) error {
	w.doCommit = true
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	<-w.done
	return w.inner.Commit(ctx)
}

func (w *mirroredWrite) Abandon() {
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.inner.Abandon()
}
