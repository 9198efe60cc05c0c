package shard

import (
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
	"github.com/YumaTheCompanion/scaliendb/pkg/paxos"
	"github.com/YumaTheCompanion/scaliendb/pkg/storage"
	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// SplitProducer bulk-copies every key of src strictly greater than
// splitKey into dst, implementing the data half of a shard split (the
// config-plane half — creating the child Shard record and flipping
// ShardSplitCreating — lives in pkg/config.Apply(MutSplitShard)).
func SplitProducer(src, dst storage.Environment, splitKey []byte) error {
	return src.Iterate(splitKey, nil, func(key, value []byte) error {
		return dst.Set(key, value)
	})
}

// TruncateProducer drops every key of env, implementing the data half
// of a table truncate (spec §4.6): the config plane only marks the
// table's shards ShardTruncCreating; this deletes every key of the
// shard's storage in place.
func TruncateProducer(env storage.Environment) error {
	var keys [][]byte
	if err := env.Iterate(nil, nil, func(key, value []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := env.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// CatchupProducer answers a lagging replica's StartCatchup by replaying
// every key in the shard as a sequence of Set commands in sorted-key
// order, wrapped as Paxos LearnValue messages the follower can apply
// without running a fresh Prepare/Propose round (spec §2.3/§4.6).
type CatchupProducer struct {
	env storage.Environment
}

func NewCatchupProducer(env storage.Environment) *CatchupProducer {
	return &CatchupProducer{env: env}
}

// Produce streams the shard's full key range as LearnValue messages
// starting at fromPaxosID+1, each wrapping an ordinary Set command so
// the follower's normal DecodeCommand/apply path replays it without a
// separate catchup-specific decoder. The producer numbers the messages
// fromPaxosID+1, fromPaxosID+2, ... in key order and passes each
// number to emit.
func (c *CatchupProducer) Produce(fromPaxosID uint64, emit func(paxosID uint64, msg paxos.Message) error) error {
	next := fromPaxosID
	return c.env.Iterate(nil, nil, func(key, value []byte) error {
		next++
		cmd := EncodeCommand(&wire.Request{Type: wire.ReqSet, Key: key, Value: value})
		msg := paxos.Message{Type: paxos.LearnValue, RunID: ids.RunID(next), Value: cmd}
		return emit(next, msg)
	})
}
