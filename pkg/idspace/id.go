// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package idspace implements the 160-bit identifier space the DHT is
// built on: the ID type, XOR distance, and bucket-index arithmetic.
package idspace

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // ID space derivation, not a security primitive
	"encoding/hex"

	"github.com/zeebo/errs"
)

// Length is the width of the identifier space in bytes (160 bits).
const Length = 20

// Bits is the width of the identifier space in bits, and also the number
// of possible bucket indexes (buckets are numbered [0, Bits)).
const Bits = Length * 8

// IDError is the class for malformed identifiers.
var IDError = errs.Class("id error")

// ID is a 160-bit identifier: a node ID, a raw key, or a hashed topic.
type ID [Length]byte

// Zero is the identifier with every bit unset.
var Zero ID

// Random returns a new ID drawn from a cryptographically secure source.
// The DHT treats node-ID generation as the caller's concern (it is backed
// by the external identity/crypto primitive in a full deployment); this
// is only the placeholder generator used by tests and local tooling.
func Random() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, IDError.Wrap(err)
	}
	return id, nil
}

// FromBytes builds a raw_id ID from exactly Length bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Length {
		return ID{}, IDError.New("raw id must be %d bytes, got %d", Length, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses the 40 lowercase hex character wire form of a raw_id.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, IDError.Wrap(err)
	}
	return FromBytes(b)
}

// Topic derives an ID by hashing a namespace-prefixed UTF-8 topic string.
// The wire form for a topic key is hashed into a raw_id before routing
// (spec.md §6); this is that hash.
func Topic(namespace, topic string) ID {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(namespace))
	h.Write([]byte(":"))
	h.Write([]byte(topic))
	sum := h.Sum(nil)
	var id ID
	copy(id[:], sum)
	return id
}

// Bytes returns the raw bytes of the identifier.
func (id ID) Bytes() []byte {
	b := make([]byte, Length)
	copy(b, id[:])
	return b
}

// Hex returns the 40 lowercase hex character wire form.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Hex()
}

// Equal reports whether two identifiers are identical.
func (id ID) Equal(other ID) bool {
	return id == other
}

// XOR returns the bitwise XOR distance between id and other.
func (id ID) XOR(other ID) ID {
	var out ID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less reports whether id, read as a big-endian unsigned integer, is
// numerically smaller than other. XOR distances are compared this way to
// get the "numeric ordering on the XOR result" spec.md §3 calls for.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// CloserTo reports whether id is closer to target than other is, i.e.
// whether XOR(id, target) < XOR(other, target).
func CloserTo(target, id, other ID) bool {
	return id.XOR(target).Less(other.XOR(target))
}

// BucketIndex returns the index in [0, Bits) of the k-bucket that other
// belongs in, relative to self: the position of the highest set bit in
// XOR(self, other). Returns -1 when self == other (never a valid routing
// table entry; the caller must not insert self).
func BucketIndex(self, other ID) int {
	d := self.XOR(other)
	for byteIdx := 0; byteIdx < Length; byteIdx++ {
		b := d[byteIdx]
		if b == 0 {
			continue
		}
		// Highest set bit within this byte, 0 = MSB of the byte.
		bitInByte := 0
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				break
			}
			bitInByte++
		}
		return Bits - 1 - (byteIdx*8 + bitInByte)
	}
	return -1
}

// RandomInBucket returns a random ID that falls in the bucket at index
// bucket relative to self — used to heal a stale bucket by looking up a
// random ID known to land there (spec.md §4.1 refresh, §4.7 bootstrap).
func RandomInBucket(self ID, bucket int) (ID, error) {
	if bucket < 0 || bucket >= Bits {
		return ID{}, IDError.New("bucket index %d out of range", bucket)
	}
	randBytes := make([]byte, Length)
	if _, err := rand.Read(randBytes); err != nil {
		return ID{}, IDError.Wrap(err)
	}

	// The distance from self must have its highest set bit exactly at
	// position `bucket` (counting from the LSB, 0-indexed): flip that bit
	// on in the distance, and zero every bit above it, to land in-range.
	var dist ID
	copy(dist[:], randBytes)
	highBitGlobal := Bits - 1 - bucket // bit position of the forced 1, MSB-counted
	byteIdx := highBitGlobal / 8
	bitInByte := 7 - (highBitGlobal % 8)

	// Zero all bits more significant than the forced bit.
	for i := 0; i < byteIdx; i++ {
		dist[i] = 0
	}
	var clearMask byte
	for b := 7; b > bitInByte; b-- {
		clearMask |= 1 << uint(b)
	}
	dist[byteIdx] &^= clearMask
	dist[byteIdx] |= 1 << uint(bitInByte)

	return self.XOR(dist), nil
}
