package storage

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/toolchainlabs/remexec/src/digest"
)

// numVirtualNodes is the total number of virtual nodes on the ring,
// divided evenly between the shards.
const numVirtualNodes = 10240

// A ring is a consistent-hash ring mapping digests to an ordered replica set
// of shards. Shard membership is fixed at construction; there is no dynamic
// token negotiation since the shard list comes from config.
type ring struct {
	points    []ringPoint
	numShards int
}

type ringPoint struct {
	hash  uint64
	shard int
}

// newRing builds the ring for the given shard names.
func newRing(names []string) (*ring, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("sharded storage needs at least one shard")
	}
	r := &ring{numShards: len(names)}
	perShard := numVirtualNodes / len(names)
	seen := map[uint64]string{}
	for i, name := range names {
		for v := 0; v < perShard; v++ {
			h := xxhash.Sum64String(fmt.Sprintf("%s#%d", name, v))
			if prev, present := seen[h]; present {
				return nil, fmt.Errorf("virtual node collision between shards %s and %s", prev, name)
			}
			seen[h] = name
			r.points = append(r.points, ringPoint{hash: h, shard: i})
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r, nil
}

// Replicas returns the ordered list of n distinct shards holding the digest;
// the first is the primary, the rest are fallbacks.
func (r *ring) Replicas(d digest.Digest, n int) []int {
	if n > r.numShards {
		n = r.numShards
	}
	h := xxhash.Sum64(d.Hash[:])
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	shards := make([]int, 0, n)
	for len(shards) < n {
		s := r.points[idx].shard
		if !containsInt(shards, s) {
			shards = append(shards, s)
		}
		idx = (idx + 1) % len(r.points)
	}
	return shards
}

func containsInt(haystack []int, needle int) bool {
	for _, straw := range haystack {
		if straw == needle {
			return true
		}
	}
	return false
}
