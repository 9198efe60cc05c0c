package storage

import (
	"bytes"
	"sort"
	"sync"

	"github.com/YumaTheCompanion/scaliendb/pkg/storage/chunkfile"
)

// MemoChunk is the active, mutable in-memory chunk every write lands in
// first; once it grows past a size threshold the engine freezes it into
// an immutable chunkfile.FileChunk and starts a fresh one. One
// sync.RWMutex-guarded map per chunk, mirroring the teacher's
// topology.DatacenterContainer discipline (clone/lock around the whole
// map rather than per-key locks).
type MemoChunk struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoChunk() *MemoChunk {
	return &MemoChunk{data: make(map[string][]byte)}
}

func (m *MemoChunk) Get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoChunk) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoChunk) SetIfNotExists(key, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[string(key)]; ok {
		return false, nil
	}
	m.data[string(key)] = append([]byte(nil), value...)
	return true, nil
}

func (m *MemoChunk) TestAndSet(key, test, value []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prior, existed := m.data[string(key)]
	if !existed || !bytes.Equal(prior, test) {
		return prior, false, nil
	}
	m.data[string(key)] = append([]byte(nil), value...)
	return prior, true, nil
}

func (m *MemoChunk) GetAndSet(key, value []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prior, existed := m.data[string(key)]
	m.data[string(key)] = append([]byte(nil), value...)
	return prior, existed, nil
}

func (m *MemoChunk) Add(key []byte, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := decodeInt64(m.data[string(key)])
	cur += delta
	m.data[string(key)] = encodeInt64(cur)
	return cur, nil
}

func (m *MemoChunk) Append(key, value []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.data[string(key)]
	cur = append(append([]byte(nil), cur...), value...)
	m.data[string(key)] = cur
	return len(cur), nil
}

func (m *MemoChunk) Delete(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[string(key)]
	delete(m.data, string(key))
	return ok, nil
}

func (m *MemoChunk) Remove(key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prior, ok := m.data[string(key)]
	delete(m.data, string(key))
	return prior, ok, nil
}

// sortedKeys returns every key in ascending order; callers hold m.mu.
func (m *MemoChunk) sortedKeys() []string {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func inRange(key, startKey, endKey []byte) bool {
	if len(startKey) > 0 && bytes.Compare([]byte(key), startKey) <= 0 {
		return false
	}
	if len(endKey) > 0 && bytes.Compare([]byte(key), endKey) > 0 {
		return false
	}
	return true
}

func (m *MemoChunk) ListKeys(startKey, endKey []byte, count uint64, forward bool) ([][]byte, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.sortedKeys()
	if !forward {
		reverseStrings(keys)
	}
	var out [][]byte
	var next []byte
	for _, k := range keys {
		if !inRange([]byte(k), startKey, endKey) {
			continue
		}
		if uint64(len(out)) >= count {
			next = []byte(k)
			if len(out) > 0 {
				next = out[len(out)-1]
			}
			break
		}
		out = append(out, []byte(k))
	}
	return out, next, nil
}

func (m *MemoChunk) ListKeyValues(startKey, endKey []byte, count uint64, forward bool) ([][2][]byte, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.sortedKeys()
	if !forward {
		reverseStrings(keys)
	}
	var out [][2][]byte
	var next []byte
	for _, k := range keys {
		if !inRange([]byte(k), startKey, endKey) {
			continue
		}
		if uint64(len(out)) >= count {
			next = []byte(k)
			if len(out) > 0 {
				next = out[len(out)-1][0]
			}
			break
		}
		out = append(out, [2][]byte{[]byte(k), append([]byte(nil), m.data[k]...)})
	}
	return out, next, nil
}

func (m *MemoChunk) Count(startKey, endKey []byte) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n uint64
	for k := range m.data {
		if inRange([]byte(k), startKey, endKey) {
			n++
		}
	}
	return n, nil
}

func (m *MemoChunk) Iterate(startKey, endKey []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	keys := m.sortedKeys()
	m.mu.RUnlock()
	for _, k := range keys {
		if !inRange([]byte(k), startKey, endKey) {
			continue
		}
		m.mu.RLock()
		v := append([]byte(nil), m.data[k]...)
		m.mu.RUnlock()
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of live keys, used by the engine to decide
// when to freeze this chunk.
func (m *MemoChunk) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Freeze returns every record in ascending key order, ready for
// chunkfile.Write. The MemoChunk is left untouched; the caller swaps it
// out once the resulting FileChunk is durable.
func (m *MemoChunk) Freeze() []chunkfile.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.sortedKeys()
	records := make([]chunkfile.Record, 0, len(keys))
	for _, k := range keys {
		records = append(records, chunkfile.Record{
			Key:   []byte(k),
			Value: append([]byte(nil), m.data[k]...),
		})
	}
	return records
}

func reverseStrings(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func decodeInt64(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v int64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= int64(b[i]) << (8 * uint(i))
	}
	return v
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
	return buf
}
