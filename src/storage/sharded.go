package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/toolchainlabs/remexec/src/digest"
)

// NewSharded distributes blobs over the named shards via a consistent-hash
// ring; every digest maps to an ordered set of `replicas` shards and writes
// are replicated to all of them.
func NewSharded(names []string, shards []BlobStorage, replicas int) (BlobStorage, error) {
	if len(names) != len(shards) {
		return nil, ErrInvalidArgument("%d shard names for %d shards", len(names), len(shards))
	}
	if replicas < 1 || replicas > len(shards) {
		return nil, ErrInvalidArgument("replica count %d out of range for %d shards", replicas, len(shards))
	}
	r, err := newRing(names)
	if err != nil {
		return nil, err
	}
	return &sharded{ring: r, names: names, shards: shards, replicas: replicas}, nil
}

type sharded struct {
	ring     *ring
	names    []string
	shards   []BlobStorage
	replicas int
}

func (s *sharded) FindMissing(ctx context.Context, instance string, digests []digest.Digest) ([]digest.Digest, error) {
	// Partition the digests onto each shard of their replica sets.
	perShard := make([][]digest.Digest, len(s.shards))
	replicaSets := make(map[digest.Digest][]int, len(digests))
	for _, d := range digests {
		if d.IsEmpty() {
			continue
		}
		set := s.ring.Replicas(d, s.replicas)
		replicaSets[d] = set
		for _, shard := range set {
			perShard[shard] = append(perShard[shard], d)
		}
	}
	// Query all involved shards in parallel. A shard that errors just doesn't
	// answer; certainty about missing digests is decided below.
	answered := make([]bool, len(s.shards))
	present := make([]map[digest.Digest]struct{}, len(s.shards))
	var wg sync.WaitGroup
	for i := range s.shards {
		if len(perShard[i]) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			missing, err := s.shards[i].FindMissing(ctx, instance, perShard[i])
			if err != nil {
				log.Warning("Shard %s failed find-missing: %s", s.names[i], err)
				return
			}
			answered[i] = true
			missingSet := make(map[digest.Digest]struct{}, len(missing))
			for _, d := range missing {
				missingSet[d] = struct{}{}
			}
			p := make(map[digest.Digest]struct{})
			for _, d := range perShard[i] {
				if _, m := missingSet[d]; !m {
					p[d] = struct{}{}
				}
			}
			present[i] = p
		}(i)
	}
	wg.Wait()
	missing := []digest.Digest{}
	for _, d := range digests {
		set, queried := replicaSets[d]
		if !queried { // the empty digest
			continue
		}
		anyPresent, allAnswered := false, true
		for _, shard := range set {
			if !answered[shard] {
				allAnswered = false
				continue
			}
			if _, p := present[shard][d]; p {
				anyPresent = true
			}
		}
		if anyPresent {
			continue
		} else if !allAnswered {
			// We can't prove it's missing without hearing from every replica.
			return nil, ErrUnavailable("shards unavailable while checking %s", d)
		}
		missing = append(missing, d)
	}
	return missing, nil
}

func (s *sharded) Read(ctx context.Context, instance string, d digest.Digest, chunkSize int, offset, limit int64) (ByteStream, bool, error) {
	set := s.ring.Replicas(d, s.replicas)
	type result struct {
		stream      ByteStream
		found       bool
		unavailable bool
	}
	results := make(chan result, len(set))
	for _, shard := range set {
		go func(shard int) {
			stream, found, err := s.shards[shard].Read(ctx, instance, d, chunkSize, offset, limit)
			if err != nil {
				if !IsUnavailable(err) {
					log.Warning("Shard %s failed read of %s: %s", s.names[shard], d, err)
				}
				results <- result{unavailable: true}
				return
			}
			results <- result{stream: stream, found: found}
		}(shard)
	}
	// First replica that actually has the blob wins; the others' streams are
	// drained & closed as they come in.
	var winner ByteStream
	unavailable := 0
	for range set {
		res := <-results
		if res.unavailable {
			unavailable++
		} else if res.found && winner == nil {
			winner = res.stream
		} else if res.found {
			res.stream.Close()
		}
	}
	if winner != nil {
		return winner, true, nil
	} else if unavailable == len(set) {
		return nil, false, ErrUnavailable("all %d replicas of %s unavailable", len(set), d)
	}
	return nil, false, nil
}

func (s *sharded) BeginWrite(ctx context.Context, instance string, d digest.Digest) (WriteAttempt, error) {
	set := s.ring.Replicas(d, s.replicas)
	w := &shardedWrite{}
	alreadyExists := 0
	for _, shard := range set {
		attempt, err := s.shards[shard].BeginWrite(ctx, instance, d)
		if errors.Is(err, ErrAlreadyExists) {
			alreadyExists++
			w.preCommitted++
			continue
		} else if err != nil {
			log.Warning("Shard %s failed begin-write of %s: %s", s.names[shard], d, err)
			w.errs = multierror.Append(w.errs, err)
			continue
		}
		w.attempts = append(w.attempts, attempt)
		w.shardNames = append(w.shardNames, s.names[shard])
	}
	if alreadyExists == len(set) {
		return nil, ErrAlreadyExists
	} else if len(w.attempts) == 0 && w.preCommitted == 0 {
		return nil, ErrUnavailable("no shard accepted write of %s: %s", d, w.errs)
	}
	return w, nil
}

func (s *sharded) EnsureInstance(ctx context.Context, instance string) error {
	var g errgroup.Group
	for _, shard := range s.shards {
		shard := shard
		g.Go(func() error { return shard.EnsureInstance(ctx, instance) })
	}
	return g.Wait()
}

// shardedWrite fans a write out to every replica. A shard that errors on a
// chunk is dropped from the remaining set; the write carries on as long as
// any replica survives, and the commit succeeds iff at least one shard
// committed (or already held the blob).
type shardedWrite struct {
	attempts     []WriteAttempt
	shardNames   []string
	preCommitted int // replicas that reported AlreadyExists up front
	errs         error
}

func (w *shardedWrite) Write(ctx context.Context, chunk []byte) error {
	var mu sync.Mutex
	survivors := make([]WriteAttempt, 0, len(w.attempts))
	names := make([]string, 0, len(w.attempts))
	var wg sync.WaitGroup
	for i, attempt := range w.attempts {
		wg.Add(1)
		go func(i int, attempt WriteAttempt) {
			defer wg.Done()
			if err := attempt.Write(ctx, chunk); err != nil {
				log.Warning("Dropping shard %s from replicated write: %s", w.shardNames[i], err)
				attempt.Abandon()
				mu.Lock()
				w.errs = multierror.Append(w.errs, err)
				mu.Unlock()
				return
			}
			mu.Lock()
			survivors = append(survivors, attempt)
			names = append(names, w.shardNames[i])
			mu.Unlock()
		}(i, attempt)
	}
	wg.Wait()
	w.attempts, w.shardNames = survivors, names
	if len(w.attempts) == 0 && w.preCommitted == 0 {
		return ErrUnavailable("all replicas dropped during write: %s", w.errs)
	}
	return nil
}

func (w *shardedWrite) Commit(ctx context.Context) error {
	existing := w.preCommitted
	fresh := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, attempt := range w.attempts {
		wg.Add(1)
		go func(i int, attempt WriteAttempt) {
			defer wg.Done()
			err := attempt.Commit(ctx)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrAlreadyExists) {
				existing++
			} else if err == nil {
				fresh++
			} else {
				log.Warning("Shard %s failed commit: %s", w.shardNames[i], err)
				w.errs = multierror.Append(w.errs, err)
			}
		}(i, attempt)
	}
	wg.Wait()
	if fresh == 0 && existing == len(w.attempts)+w.preCommitted {
		return ErrAlreadyExists
	} else if fresh+existing == 0 {
		return ErrUnavailable("no replica committed: %s", w.errs)
	}
	return nil
}

func (w *shardedWrite) Abandon() {
	for _, attempt := range w.attempts {
		attempt.Abandon()
	}
}
