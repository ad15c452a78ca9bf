// Package bloomfilter implements the space-efficient set-membership filter
// GoatDB's sync protocol (component C9) uses to compare commit sets
// between peers (component C3).
package bloomfilter

import (
	"encoding/binary"
	"errors"
	"math"

	"golang.org/x/crypto/blake2b"
)

// bfSeedPrefix is the fixed domain-separation prefix for deriving seeds,
// resolving the Open Question in §9: the seeding scheme must be
// deterministic across peers, so it is frozen here as part of the wire
// format rather than left to a local PRNG.
const bfSeedPrefix = "goatdb-bf-seed"

// Filter is an m-bit array with k independent seeded hashes. Two filters
// built from the same constructor inputs (n, p, hashCap) are
// byte-identical, which is the basis for cross-peer set comparison in the
// sync protocol.
type Filter struct {
	m     uint32
	k     uint32
	seeds []uint64
	words []uint64
	count uint32 // number of Add calls; FillRate counts set bits instead
}

// DefaultHashCap bounds k so that a filter sized for very few expected
// items doesn't derive an unreasonably large number of hash functions.
const DefaultHashCap = 16

// New constructs a filter sized for n expected items at target
// false-positive rate p, per §4.2's derivation: m = ceil(-n·ln(p)/ln(2)²),
// k = min(cap, round((m/n)·ln(2))).
func New(n int, p float64, hashCap uint32) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	if hashCap == 0 {
		hashCap = DefaultHashCap
	}

	nf := float64(n)
	m := uint32(math.Ceil(-nf * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint32(math.Round((float64(m) / nf) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > hashCap {
		k = hashCap
	}

	words := (m + 63) / 64
	return &Filter{
		m:     m,
		k:     k,
		seeds: deriveSeeds(k),
		words: make([]uint64, words),
	}
}

// deriveSeeds computes the k deterministic seeds per the frozen scheme:
// blake2b-256("goatdb-bf-seed" || i) truncated to a uint64, for i in
// [0, k).
func deriveSeeds(k uint32) []uint64 {
	seeds := make([]uint64, k)
	for i := uint32(0); i < k; i++ {
		var input [len(bfSeedPrefix) + 4]byte
		copy(input[:], bfSeedPrefix)
		binary.BigEndian.PutUint32(input[len(bfSeedPrefix):], i)
		sum := blake2b.Sum256(input[:])
		seeds[i] = binary.BigEndian.Uint64(sum[:8])
	}
	return seeds
}

// Add inserts b into the filter.
func (f *Filter) Add(b []byte) {
	for _, idx := range f.bitPositions(b) {
		f.words[idx/64] |= 1 << (idx % 64)
	}
	f.count++
}

// Contains reports whether b may be a member (false positives possible,
// false negatives never).
func (f *Filter) Contains(b []byte) bool {
	for _, idx := range f.bitPositions(b) {
		if f.words[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) bitPositions(b []byte) []uint32 {
	out := make([]uint32, f.k)
	for i, seed := range f.seeds {
		out[i] = seededHash(seed, b) % f.m
	}
	return out
}

func seededHash(seed uint64, b []byte) uint32 {
	var seedBuf [8]byte
	binary.BigEndian.PutUint64(seedBuf[:], seed)
	h, _ := blake2b.New256(seedBuf[:])
	h.Write(b)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}

// FillRate returns the fraction of set bits, a rough indicator of
// saturation (and thus rising false-positive rate) independent of the
// count of adds performed.
func (f *Filter) FillRate() float64 {
	if f.m == 0 {
		return 0
	}
	set := 0
	for _, w := range f.words {
		set += popcount(w)
	}
	return float64(set) / float64(f.m)
}

func popcount(w uint64) int {
	count := 0
	for w != 0 {
		w &= w - 1
		count++
	}
	return count
}

// M returns the bit-array size.
func (f *Filter) M() uint32 { return f.m }

// K returns the number of hash functions.
func (f *Filter) K() uint32 { return f.k }

var (
	// ErrTruncated indicates a serialized filter ended before its declared
	// word count was fully read.
	ErrTruncated = errors.New("bloomfilter: truncated data")
)

// Serialize writes the portable wire layout described in §4.2: little-
// endian 32-bit m, 32-bit k, k 64-bit seeds, then the word array (each
// word 64-bit little-endian).
func (f *Filter) Serialize() []byte {
	out := make([]byte, 0, 8+8*len(f.seeds)+8*len(f.words))
	var buf4 [4]byte
	binary.LittleEndian.PutUint32(buf4[:], f.m)
	out = append(out, buf4[:]...)
	binary.LittleEndian.PutUint32(buf4[:], f.k)
	out = append(out, buf4[:]...)
	var buf8 [8]byte
	for _, s := range f.seeds {
		binary.LittleEndian.PutUint64(buf8[:], s)
		out = append(out, buf8[:]...)
	}
	for _, w := range f.words {
		binary.LittleEndian.PutUint64(buf8[:], w)
		out = append(out, buf8[:]...)
	}
	return out
}

// Deserialize parses the wire layout Serialize produces.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 8 {
		return nil, ErrTruncated
	}
	m := binary.LittleEndian.Uint32(data[0:4])
	k := binary.LittleEndian.Uint32(data[4:8])
	off := 8

	seeds := make([]uint64, k)
	for i := uint32(0); i < k; i++ {
		if off+8 > len(data) {
			return nil, ErrTruncated
		}
		seeds[i] = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}

	numWords := (m + 63) / 64
	words := make([]uint64, numWords)
	for i := uint32(0); i < numWords; i++ {
		if off+8 > len(data) {
			return nil, ErrTruncated
		}
		words[i] = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}

	return &Filter{m: m, k: k, seeds: seeds, words: words}, nil
}
