// Package shard implements the Shard Quorum Processor (spec §4.6): it
// applies commands learned via a quorum's Paxos log to the storage
// engine's Environment and routes responses back to the client that
// submitted them, addressed only by CommandID so it never has to know
// which connection (or even which process) the client arrived on —
// the "no implicit process state" redesign note of spec §9, mirroring
// the teacher's store.Instruction/store.Store split between a command
// shape and the thing that executes it (store/store.go).
package shard

import (
	"bufio"
	"bytes"

	"github.com/YumaTheCompanion/scaliendb/pkg/wire"
)

// EncodeCommand serializes a client request into the bytes proposed as
// one Paxos decree's value, reusing the SDBP wire codec (pkg/wire) so
// the on-disk/on-wire command shape never diverges from what clients
// actually sent.
func EncodeCommand(req *wire.Request) []byte {
	return wire.EncodeRequest(req)
}

// DecodeCommand is EncodeCommand's inverse.
func DecodeCommand(b []byte) (*wire.Request, error) {
	br := bufio.NewReader(bytes.NewReader(b))
	frame, err := wire.ReadFrame(br)
	if err != nil {
		return nil, err
	}
	return wire.DecodeRequest(frame)
}
