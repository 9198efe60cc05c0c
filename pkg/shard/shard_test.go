package shard

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// fakeEnv is a minimal in-memory storage.Environment double for
// exercising Processor.applyRequest/SplitProducer/TruncateProducer
// without pulling in the real chunk-file storage engine.
type fakeEnv struct {
	data map[string][]byte
}

func newFakeEnv() *fakeEnv { return &fakeEnv{data: make(map[string][]byte)} }

func (f *fakeEnv) Get(key []byte) ([]byte, bool, error) {
	v, ok := f.data[string(key)]
	return v, ok, nil
}
func (f *fakeEnv) Set(key, value []byte) error { f.data[string(key)] = value; return nil }
func (f *fakeEnv) SetIfNotExists(key, value []byte) (bool, error) {
	if _, ok := f.data[string(key)]; ok {
		return false, nil
	}
	f.data[string(key)] = value
	return true, nil
}
func (f *fakeEnv) TestAndSet(key, test, value []byte) ([]byte, bool, error) {
	cur, ok := f.data[string(key)]
	if !ok || string(cur) != string(test) {
		return cur, false, nil
	}
	f.data[string(key)] = value
	return cur, true, nil
}
func (f *fakeEnv) GetAndSet(key, value []byte) ([]byte, bool, error) {
	cur, ok := f.data[string(key)]
	f.data[string(key)] = value
	return cur, ok, nil
}
func (f *fakeEnv) Add(key []byte, delta int64) (int64, error) {
	cur := int64(0)
	if v, ok := f.data[string(key)]; ok && len(v) == 8 {
		for i := 0; i < 8; i++ {
			cur |= int64(v[i]) << (8 * uint(i))
		}
	}
	cur += delta
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(cur >> (8 * uint(i)))
	}
	f.data[string(key)] = buf
	return cur, nil
}
func (f *fakeEnv) Append(key, value []byte) (int, error) {
	cur := f.data[string(key)]
	cur = append(cur, value...)
	f.data[string(key)] = cur
	return len(cur), nil
}
func (f *fakeEnv) Delete(key []byte) (bool, error) {
	_, ok := f.data[string(key)]
	delete(f.data, string(key))
	return ok, nil
}
func (f *fakeEnv) Remove(key []byte) ([]byte, bool, error) {
	v, ok := f.data[string(key)]
	delete(f.data, string(key))
	return v, ok, nil
}
func (f *fakeEnv) sortedKeys() []string {
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
func (f *fakeEnv) ListKeys(startKey, endKey []byte, count uint64, forward bool) ([][]byte, []byte, error) {
	var out [][]byte
	for _, k := range f.sortedKeys() {
		if uint64(len(out)) >= count && count > 0 {
			return out, []byte(k), nil
		}
		out = append(out, []byte(k))
	}
	return out, nil, nil
}
func (f *fakeEnv) ListKeyValues(startKey, endKey []byte, count uint64, forward bool) ([][2][]byte, []byte, error) {
	var out [][2][]byte
	for _, k := range f.sortedKeys() {
		out = append(out, [2][]byte{[]byte(k), f.data[k]})
	}
	return out, nil, nil
}
func (f *fakeEnv) Count(startKey, endKey []byte) (uint64, error) { return uint64(len(f.data)), nil }
func (f *fakeEnv) Iterate(startKey, endKey []byte, fn func(key, value []byte) error) error {
	for _, k := range f.sortedKeys() {
		if startKey != nil && k <= string(startKey) {
			continue
		}
		if err := fn([]byte(k), f.data[k]); err != nil {
			return err
		}
	}
	return nil
}

type fakeSink struct {
	responses map[ids.CommandID]*wire.Response
}

func (s *fakeSink) Respond(commandID ids.CommandID, resp *wire.Response) {
	s.responses[commandID] = resp
}

func TestApplySetThenGet(t *testing.T) {
	env := newFakeEnv()
	sink := &fakeSink{responses: make(map[ids.CommandID]*wire.Response)}
	p := NewProcessor(1, 1, 1, env, sink, nil)

	setReq := &wire.Request{CommandID: 1, Type: wire.ReqSet, Key: []byte("k"), Value: []byte("v")}
	p.apply(1, ids.RunID(1), EncodeCommand(setReq), true)
	assert.Equal(t, wire.RespOK, sink.responses[1].Type)

	getReq := &wire.Request{CommandID: 2, Type: wire.ReqGet, Key: []byte("k")}
	p.apply(2, ids.RunID(2), EncodeCommand(getReq), true)
	assert.Equal(t, wire.RespValue, sink.responses[2].Type)
	assert.Equal(t, []byte("v"), sink.responses[2].Value)
}

func TestApplyDeleteMissingFails(t *testing.T) {
	env := newFakeEnv()
	sink := &fakeSink{responses: make(map[ids.CommandID]*wire.Response)}
	p := NewProcessor(1, 1, 1, env, sink, nil)

	req := &wire.Request{CommandID: 1, Type: wire.ReqDelete, Key: []byte("missing")}
	p.apply(1, ids.RunID(1), EncodeCommand(req), true)
	assert.Equal(t, wire.RespFailed, sink.responses[1].Type)
}

func TestSplitProducerCopiesOnlyAboveSplitKey(t *testing.T) {
	src, dst := newFakeEnv(), newFakeEnv()
	src.Set([]byte("a"), []byte("1"))
	src.Set([]byte("b"), []byte("2"))
	src.Set([]byte("c"), []byte("3"))

	err := SplitProducer(src, dst, []byte("a"))
	assert.NoError(t, err)

	_, ok, _ := dst.Get([]byte("a"))
	assert.False(t, ok)
	v, ok, _ := dst.Get([]byte("b"))
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), v)
	v, ok, _ = dst.Get([]byte("c"))
	assert.True(t, ok)
	assert.Equal(t, []byte("3"), v)
}

func TestTruncateProducerDropsEverything(t *testing.T) {
	env := newFakeEnv()
	env.Set([]byte("a"), []byte("1"))
	env.Set([]byte("b"), []byte("2"))

	assert.NoError(t, TruncateProducer(env))
	n, _ := env.Count(nil, nil)
	assert.Equal(t, uint64(0), n)
}
