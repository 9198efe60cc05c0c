package storage

// Environment is the key/value surface the shard quorum processor
// applies learned commands against (spec §4.6). It is implemented by
// Engine, the MemoChunk/FileChunk-backed storage stack below;
// pkg/shard depends only on this interface, never on Engine directly,
// so the applier can be unit-tested against an in-memory fake.
type Environment interface {
	Get(key []byte) (value []byte, ok bool, err error)
	Set(key, value []byte) error
	SetIfNotExists(key, value []byte) (didSet bool, err error)
	TestAndSet(key, test, value []byte) (prior []byte, matched bool, err error)
	GetAndSet(key, value []byte) (prior []byte, existed bool, err error)
	Add(key []byte, delta int64) (result int64, err error)
	Append(key, value []byte) (newLength int, err error)
	Delete(key []byte) (existed bool, err error)
	Remove(key []byte) (prior []byte, existed bool, err error)

	// ListKeys/ListKeyValues return up to count entries starting after
	// startKey (exclusive) up to endKey (inclusive) when forward, or the
	// mirrored range when !forward. next is the key to resume from via a
	// NEXT-paged follow-up request, nil when the range is exhausted.
	ListKeys(startKey, endKey []byte, count uint64, forward bool) (keys [][]byte, next []byte, err error)
	ListKeyValues(startKey, endKey []byte, count uint64, forward bool) (pairs [][2][]byte, next []byte, err error)
	Count(startKey, endKey []byte) (uint64, error)

	// Iterate walks every key in (startKey, endKey] in ascending order,
	// used by split/truncate/catchup bulk producers (spec §4.6).
	Iterate(startKey, endKey []byte, fn func(key, value []byte) error) error
}
