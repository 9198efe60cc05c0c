package chunkfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
)

func TestHeaderPageEncodeDecodeRoundTrip(t *testing.T) {
	h := HeaderPage{
		ChunkID:         42,
		LogSegmentID:    7,
		LogCommandID:    100,
		NumKeys:         3,
		UseBloomFilter:  true,
		IndexPageOffset: 8192,
		IndexPageSize:   128,
		BloomPageOffset: 8320,
		BloomPageSize:   64,
	}
	buf := h.Encode()
	assert.Len(t, buf, HeaderPageSize)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHeaderPageDecodeRejectsCorruption(t *testing.T) {
	h := HeaderPage{ChunkID: 1, NumKeys: 1}
	buf := h.Encode()
	buf[100] ^= 0xff

	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestBloomPageAddCheck(t *testing.T) {
	b := NewBloomPage(100)
	b.Add([]byte("alpha"))
	b.Add([]byte("beta"))

	assert.True(t, b.Check([]byte("alpha")))
	assert.True(t, b.Check([]byte("beta")))

	buf := b.Encode()
	decoded, err := DecodeBloomPage(buf)
	require.NoError(t, err)
	assert.True(t, decoded.Check([]byte("alpha")))
}

func TestRecommendNumBytesFloorsAtHeaderPageSize(t *testing.T) {
	n := RecommendNumBytes(1)
	assert.GreaterOrEqual(t, n, uint32(HeaderPageSize))
}

func TestDataPageEncodeDecodeRoundTrip(t *testing.T) {
	page := &DataPage{Records: []Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}}
	buf := page.Encode()
	decoded, err := DecodeDataPage(buf)
	require.NoError(t, err)
	assert.Equal(t, page.Records, decoded.Records)
}

func TestIndexPageFind(t *testing.T) {
	idx := &IndexPage{Entries: []IndexEntry{
		{FirstKey: []byte("a"), Offset: 0, Size: 10},
		{FirstKey: []byte("m"), Offset: 10, Size: 10},
		{FirstKey: []byte("t"), Offset: 20, Size: 10},
	}}

	assert.Equal(t, 0, idx.Find([]byte("c")))
	assert.Equal(t, 1, idx.Find([]byte("m")))
	assert.Equal(t, 2, idx.Find([]byte("z")))
	assert.Equal(t, -1, idx.Find([]byte("")))
}

func TestFileChunkWriteOpenGet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk-1.dat")

	records := []Record{
		{Key: []byte("apple"), Value: []byte("fruit")},
		{Key: []byte("carrot"), Value: []byte("veg")},
		{Key: []byte("grape"), Value: []byte("fruit")},
	}

	written, err := Write(path, ids.ChunkID(1), ids.LogSegmentID(1), 10, records, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, written.Header().NumKeys)

	chunk, err := Open(path)
	require.NoError(t, err)

	v, ok, err := chunk.Get([]byte("carrot"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("veg"), v)

	_, ok, err = chunk.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	var seen []string
	err = chunk.Iterate(func(key, value []byte) error {
		seen = append(seen, string(key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "carrot", "grape"}, seen)
}

func TestFileChunkWithoutBloomFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk-2.dat")

	records := []Record{{Key: []byte("k"), Value: []byte("v")}}
	_, err := Write(path, ids.ChunkID(2), ids.LogSegmentID(1), 1, records, false)
	require.NoError(t, err)

	chunk, err := Open(path)
	require.NoError(t, err)
	assert.False(t, chunk.Header().UseBloomFilter)

	v, ok, err := chunk.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
