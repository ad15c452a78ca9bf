package value

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"sort"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// Canonical returns the stable byte-encoding of v used for hashing and
// equality: sorted map keys, normalized numeric forms, and a tag byte per
// node so that two values of different Kind never collide. This is a
// hand-written recursive encoder rather than a reflective walk over
// encoding/json, because encoding/json does not guarantee the stable key
// order or normalized float formatting canonical form requires (see
// DESIGN.md).
func Canonical(v Value) []byte {
	b, err := canonical(v)
	if err != nil {
		// canonical() only errors on a malformed RichText tree, which callers
		// construct exclusively through this package's constructors.
		panic(err)
	}
	return b
}

// CanonicalHash returns the blake2b-256 digest of v's canonical encoding.
// It is the basis for Item.Checksum and, composed with a commit's other
// fields, for commit ids.
func CanonicalHash(v Value) [32]byte {
	return blake2b.Sum256(Canonical(v))
}

func canonical(v Value) ([]byte, error) {
	var out []byte
	switch v.kind {
	case KindNull:
		out = []byte{'n'}
	case KindBool:
		if v.b {
			out = []byte{'b', '1'}
		} else {
			out = []byte{'b', '0'}
		}
	case KindInt:
		out = append([]byte{'i'}, []byte(strconv.FormatInt(v.i, 10))...)
	case KindNum:
		out = append([]byte{'f'}, canonicalFloat(v.f)...)
	case KindStr:
		out = append([]byte{'s'}, lengthPrefixed([]byte(v.s))...)
	case KindTimestamp:
		buf := make([]byte, 9)
		buf[0] = 't'
		binary.BigEndian.PutUint64(buf[1:], uint64(v.ts.UnixNano()))
		out = buf
	case KindBlob:
		out = append([]byte{'x'}, lengthPrefixed(v.blob)...)
	case KindList:
		out = []byte{'l'}
		out = appendUvarint(out, uint64(len(v.list)))
		for _, e := range v.list {
			enc, err := canonical(e)
			if err != nil {
				return nil, err
			}
			out = append(out, lengthPrefixed(enc)...)
		}
	case KindSet:
		encs := make([][]byte, len(v.set))
		for i, e := range v.set {
			enc, err := canonical(e)
			if err != nil {
				return nil, err
			}
			encs[i] = enc
		}
		sort.Slice(encs, func(i, j int) bool { return string(encs[i]) < string(encs[j]) })
		out = []byte{'e'}
		out = appendUvarint(out, uint64(len(encs)))
		for _, enc := range encs {
			out = append(out, lengthPrefixed(enc)...)
		}
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out = []byte{'m'}
		out = appendUvarint(out, uint64(len(keys)))
		for _, k := range keys {
			enc, err := canonical(v.m[k])
			if err != nil {
				return nil, err
			}
			out = append(out, lengthPrefixed([]byte(k))...)
			out = append(out, lengthPrefixed(enc)...)
		}
	case KindRichText:
		enc, err := canonicalRichText(v.rt)
		if err != nil {
			return nil, err
		}
		out = append([]byte{'r'}, enc...)
	default:
		out = []byte{'?'}
	}
	return out, nil
}

// canonicalFloat normalizes a float64 to a form stable across platforms:
// it uses the IEEE-754 bit pattern directly rather than a textual form that
// could vary with strconv precision settings. NaN is not rejected anywhere
// upstream; it is encoded by its bit pattern like any other value.
func canonicalFloat(f float64) []byte {
	bits := math.Float64bits(f)
	// Normalize -0.0 to 0.0 so they compare equal.
	if f == 0 {
		bits = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

func lengthPrefixed(b []byte) []byte {
	out := appendUvarint(nil, uint64(len(b)))
	return append(out, b...)
}

func appendUvarint(buf []byte, x uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], x)
	return append(buf, tmp[:n]...)
}

// B64 is a small helper used by commit/log encoders that need a textual
// form of a hash for JSON records.
func B64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// LengthPrefixed and AppendUvarint expose this package's canonical-encoding
// primitives so other packages building their own canonical byte streams
// (internal/commit, for commit ids) stay bit-compatible with Value's.
func LengthPrefixed(b []byte) []byte    { return lengthPrefixed(b) }
func AppendUvarint(buf []byte, x uint64) []byte { return appendUvarint(buf, x) }
