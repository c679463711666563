// Package randsrc isolates randomness behind an interface so that vote
// tie-breaks, song picks, room-code/share-token generation, and the
// command "random_code" field can be driven deterministically in tests,
// mirroring the reference implementation's injectable RNG trait.
package randsrc

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
)

// Source is the RNG surface the store and room state machine depend on.
type Source interface {
	// NextU64 returns a uniformly distributed 64-bit value.
	NextU64() uint64
	// FillBytes fills b with uniformly distributed random bytes.
	FillBytes(b []byte)
	// GenRange returns a uniform value in [0, n). n must be > 0.
	GenRange(n int) int
}

// CSPRNG is the production Source, backed by crypto/rand.
type CSPRNG struct{}

// NextU64 returns a cryptographically random 64-bit value.
func (CSPRNG) NextU64() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// FillBytes fills b with cryptographically random bytes.
func (CSPRNG) FillBytes(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
}

// GenRange returns a uniform value in [0, n) using rejection-free big.Int
// sampling.
func (CSPRNG) GenRange(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}

// Fixed is a deterministic Source for tests: GenRange/NextU64 replay a
// fixed script, falling back to an internal counter once the script is
// exhausted so unrelated calls don't panic mid-test.
type Fixed struct {
	u64s    []uint64
	ranges  []int
	u64Idx  int
	rangeIx int
}

// NewFixed builds a Fixed source that yields u64s then ranges in order.
func NewFixed(u64s []uint64, ranges []int) *Fixed {
	return &Fixed{u64s: u64s, ranges: ranges}
}

// NextU64 returns the next scripted u64, or a counter-derived value past
// the end of the script.
func (f *Fixed) NextU64() uint64 {
	if f.u64Idx < len(f.u64s) {
		v := f.u64s[f.u64Idx]
		f.u64Idx++
		return v
	}
	f.u64Idx++
	return uint64(f.u64Idx)
}

// FillBytes fills b deterministically from NextU64.
func (f *Fixed) FillBytes(b []byte) {
	var tmp [8]byte
	for i := 0; i < len(b); i += 8 {
		binary.LittleEndian.PutUint64(tmp[:], f.NextU64())
		copy(b[i:], tmp[:])
	}
}

// GenRange returns the next scripted range pick, clamped into [0, n).
func (f *Fixed) GenRange(n int) int {
	if n <= 0 {
		return 0
	}
	if f.rangeIx < len(f.ranges) {
		v := f.ranges[f.rangeIx]
		f.rangeIx++
		return v % n
	}
	f.rangeIx++
	return 0
}

