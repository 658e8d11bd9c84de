// Package digest implements the content digest that keys all blob storage:
// a SHA-256 hash paired with the byte count of the content it identifies.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// hexLen is the length of a SHA-256 hash in hex characters.
const hexLen = 2 * sha256.Size

// A Digest identifies a blob by its SHA-256 hash and size in bytes.
// It is a value type; two digests are equal iff both fields match.
type Digest struct {
	Hash [sha256.Size]byte
	Size int64
}

// Empty is the digest of the empty byte string.
var Empty = OfBytes(nil)

// OfBytes returns the digest of the given content.
func OfBytes(b []byte) Digest {
	return Digest{Hash: sha256.Sum256(b), Size: int64(len(b))}
}

// New creates a digest from a hex-encoded hash and a size.
func New(hexHash string, size int64) (Digest, error) {
	d := Digest{Size: size}
	if len(hexHash) != hexLen {
		return d, fmt.Errorf("invalid digest hash %q: expected %d hex characters", hexHash, hexLen)
	} else if size < 0 {
		return d, fmt.Errorf("invalid digest size %d", size)
	}
	b, err := hex.DecodeString(hexHash)
	if err != nil {
		return d, fmt.Errorf("invalid digest hash %q: %s", hexHash, err)
	}
	copy(d.Hash[:], b)
	return d, nil
}

// Hex returns the hex encoding of the digest's hash.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Hash[:])
}

// String implements fmt.Stringer in the hash/size form used by resource names.
func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hex(), d.Size)
}

// IsEmpty reports whether this is the digest of the empty blob.
func (d Digest) IsEmpty() bool {
	return d == Empty
}

// ToProto converts the digest to its API representation.
func (d Digest) ToProto() *pb.Digest {
	return &pb.Digest{Hash: d.Hex(), SizeBytes: d.Size}
}

// FromProto converts a digest from its API representation, validating it.
func FromProto(p *pb.Digest) (Digest, error) {
	if p == nil {
		return Digest{}, fmt.Errorf("missing digest")
	}
	return New(p.Hash, p.SizeBytes)
}
