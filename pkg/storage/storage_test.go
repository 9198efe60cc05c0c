package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
)

func TestMemoChunkBasicOps(t *testing.T) {
	m := NewMemoChunk()

	require.NoError(t, m.Set([]byte("a"), []byte("1")))
	v, ok, err := m.Get([]byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	didSet, err := m.SetIfNotExists([]byte("a"), []byte("2"))
	require.NoError(t, err)
	assert.False(t, didSet)

	prior, matched, err := m.TestAndSet([]byte("a"), []byte("1"), []byte("3"))
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, []byte("1"), prior)

	result, err := m.Add([]byte("counter"), 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, result)
	result, err = m.Add([]byte("counter"), 3)
	require.NoError(t, err)
	assert.EqualValues(t, 8, result)

	n, err := m.Append([]byte("s"), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = m.Append([]byte("s"), []byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	existed, err := m.Delete([]byte("a"))
	require.NoError(t, err)
	assert.True(t, existed)
	_, ok, err = m.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoChunkListKeyValuesOrderingAndPaging(t *testing.T) {
	m := NewMemoChunk()
	for _, k := range []string{"c", "a", "e", "b", "d"} {
		require.NoError(t, m.Set([]byte(k), []byte(k)))
	}

	pairs, next, err := m.ListKeyValues(nil, nil, 3, true)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, "a", string(pairs[0][0]))
	assert.Equal(t, "b", string(pairs[1][0]))
	assert.Equal(t, "c", string(pairs[2][0]))
	assert.Equal(t, []byte("c"), next)

	pairs2, next2, err := m.ListKeyValues(next, nil, 10, true)
	require.NoError(t, err)
	require.Len(t, pairs2, 2)
	assert.Equal(t, "d", string(pairs2[0][0]))
	assert.Equal(t, "e", string(pairs2[1][0]))
	assert.Nil(t, next2)
}

func TestLogSegmentAppendReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log-1.wal")

	seg, err := OpenLogSegment(path, ids.LogSegmentID(1))
	require.NoError(t, err)

	_, err = seg.Append(encodeOp(opSet, []byte("x"), []byte("1")))
	require.NoError(t, err)
	_, err = seg.Append(encodeOp(opSet, []byte("y"), []byte("2")))
	require.NoError(t, err)
	_, err = seg.Append(encodeOp(opDelete, []byte("x"), nil))
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	seg2, err := OpenLogSegment(path, ids.LogSegmentID(1))
	require.NoError(t, err)

	memo := NewMemoChunk()
	var replayed int
	err = seg2.Replay(func(commandID uint64, value []byte) error {
		replayed++
		return applyOp(memo, value)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, replayed)

	_, ok, err := memo.Get([]byte("x"))
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err := memo.Get([]byte("y"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), v)
}

func TestEngineSetGetSurvivesFreeze(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenEngine(dir, ids.ShardID(1))
	require.NoError(t, err)
	e.freezeThreshold = 2

	require.NoError(t, e.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Set([]byte("k2"), []byte("v2"))) // reaches freezeThreshold: k1, k2 sealed
	require.NoError(t, e.Set([]byte("k3"), []byte("v3")))

	assert.NotEmpty(t, e.sealed)

	v, ok, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	v, ok, err = e.Get([]byte("k3"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v3"), v)

	pairs, _, err := e.ListKeyValues(nil, nil, 10, true)
	require.NoError(t, err)
	assert.Len(t, pairs, 3)
}

func TestEngineReopenRecoversFromLog(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenEngine(dir, ids.ShardID(1))
	require.NoError(t, err)

	require.NoError(t, e.Set([]byte("persist"), []byte("me")))

	e2, err := OpenEngine(dir, ids.ShardID(1))
	require.NoError(t, err)

	v, ok, err := e2.Get([]byte("persist"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("me"), v)
}

func TestEngineDeleteAndCount(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenEngine(dir, ids.ShardID(1))
	require.NoError(t, err)

	require.NoError(t, e.Set([]byte("a"), []byte("1")))
	require.NoError(t, e.Set([]byte("b"), []byte("2")))

	existed, err := e.Delete([]byte("a"))
	require.NoError(t, err)
	assert.True(t, existed)

	n, err := e.Count(nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
