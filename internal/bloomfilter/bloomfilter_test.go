package bloomfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddContainsNeverFalseNegative(t *testing.T) {
	f := New(100, 0.01, 0)
	items := [][]byte{[]byte("commit-1"), []byte("commit-2"), []byte("commit-3")}
	for _, it := range items {
		f.Add(it)
	}
	for _, it := range items {
		assert.True(t, f.Contains(it))
	}
	assert.False(t, f.Contains([]byte("never-added")))
}

func TestConstructionIsDeterministicAcrossInstances(t *testing.T) {
	a := New(50, 0.02, 0)
	b := New(50, 0.02, 0)
	assert.Equal(t, a.M(), b.M())
	assert.Equal(t, a.K(), b.K())
	assert.Equal(t, a.Serialize(), b.Serialize(), "same constructor inputs must yield byte-identical filters across peers")
}

func TestSerializeRoundTrip(t *testing.T) {
	f := New(200, 0.01, 0)
	f.Add([]byte("a"))
	f.Add([]byte("b"))

	data := f.Serialize()
	g, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, f.M(), g.M())
	assert.Equal(t, f.K(), g.K())
	assert.True(t, g.Contains([]byte("a")))
	assert.True(t, g.Contains([]byte("b")))
	assert.False(t, g.Contains([]byte("never-added")))
}

func TestDeserializeTruncatedReturnsError(t *testing.T) {
	f := New(100, 0.01, 0)
	data := f.Serialize()
	_, err := Deserialize(data[:len(data)-4])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestHashCapLimitsK(t *testing.T) {
	f := New(10000, 0.0001, 4)
	assert.LessOrEqual(t, f.K(), uint32(4))
}

func TestFillRateIncreasesWithAdds(t *testing.T) {
	f := New(1000, 0.01, 0)
	before := f.FillRate()
	for i := 0; i < 100; i++ {
		f.Add([]byte{byte(i), byte(i >> 8)})
	}
	after := f.FillRate()
	assert.Greater(t, after, before)
}
