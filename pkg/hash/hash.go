package hash

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/bits"

	"golang.org/x/crypto/sha3"
)

const (
	// IDBits is the size of the identifier space in bits (2^160)
	IDBits = 160

	// IDLength is the size of an identifier in bytes
	IDLength = IDBits / 8
)

// ID is a point in the 160-bit identifier space shared by nodes and keys.
type ID [IDLength]byte

// HashKey hashes arbitrary data to a 160-bit identifier.
// SHA3-256 output is truncated to the first 20 bytes.
func HashKey(data []byte) ID {
	sum := sha3.Sum256(data)
	var id ID
	copy(id[:], sum[:IDLength])
	return id
}

// HashString hashes a logical key string into the identifier space.
func HashString(s string) ID {
	return HashKey([]byte(s))
}

// FromBytes copies b into an ID. b must be exactly IDLength bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, fmt.Errorf("invalid id length: got %d, want %d", len(b), IDLength)
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses a 40 character hex string.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid hex id: %w", err)
	}
	return FromBytes(b)
}

// Random returns a uniformly random identifier.
func Random() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// String returns the hex encoding of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// Bytes returns a copy of the id as a slice.
func (id ID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, id[:])
	return b
}

// IsZero reports whether every bit of id is zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// BigInt interprets the id as an unsigned big-endian integer.
func (id ID) BigInt() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// Distance returns a XOR b.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Compare orders two ids as unsigned big-endian integers.
func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// Closer reports whether a is strictly closer to target than b.
// Equal distances fall back to lexicographic id order so that sorting is total.
func Closer(target, a, b ID) bool {
	c := Compare(Distance(target, a), Distance(target, b))
	if c != 0 {
		return c < 0
	}
	return Compare(a, b) < 0
}

// LeadingZeros returns the number of leading zero bits in id.
func LeadingZeros(id ID) int {
	for i, b := range id {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDBits
}

// BucketIndex returns the bucket that other falls in relative to self.
// Bucket 0 holds ids differing in the most significant bit (farthest),
// bucket IDBits-1 the closest. Identical ids return -1.
func BucketIndex(self, other ID) int {
	lz := LeadingZeros(Distance(self, other))
	if lz == IDBits {
		return -1
	}
	return lz
}

// RandomInBucket returns a random id whose bucket relative to self is index.
func RandomInBucket(self ID, index int) ID {
	if index < 0 || index >= IDBits {
		return Random()
	}

	id := Random()
	byteIdx, bitIdx := index/8, uint(index%8)

	// Shared prefix with self up to the bucket bit.
	copy(id[:byteIdx], self[:byteIdx])
	mask := byte(0xFF) << (8 - bitIdx)
	id[byteIdx] = (self[byteIdx] & mask) | (id[byteIdx] &^ mask)

	// The bucket bit itself must differ.
	flip := byte(0x80) >> bitIdx
	id[byteIdx] = (id[byteIdx] &^ flip) | (^self[byteIdx] & flip)
	return id
}
