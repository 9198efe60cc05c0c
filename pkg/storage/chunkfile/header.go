// Package chunkfile implements the on-disk page formats of an
// immutable FileChunk: HeaderPage, DataPage, IndexPage and the
// optional BloomPage. Each page kind gets its own file, the way the
// teacher splits store/store.go's interfaces from store/redis.go's
// concrete codec — one codec per kind, independently unit-tested. The
// byte layout is ported field-for-field from
// original_source/src/Framework/StorageNew/StorageHeaderPage.cpp and
// Framework/Storage/StorageBloomPage.cpp.
package chunkfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
)

// HeaderPageSize is fixed, matching STORAGE_HEADER_PAGE_SIZE.
const HeaderPageSize = 4096

const headerPageVersion = 1

const headerMagic = "ScalienDB Chunk File"

// HeaderPage is the first page of every FileChunk.
type HeaderPage struct {
	ChunkID        ids.ChunkID
	LogSegmentID   ids.LogSegmentID
	LogCommandID   uint64
	NumKeys        uint64
	UseBloomFilter bool
	IndexPageOffset uint64
	IndexPageSize   uint32
	BloomPageOffset uint64
	BloomPageSize   uint32
}

// Encode serializes h into a fixed HeaderPageSize-byte page with a
// leading size+checksum the way every chunk page does, so a reader can
// validate the page before trusting any field in it.
func (h HeaderPage) Encode() []byte {
	buf := make([]byte, HeaderPageSize)
	pos := 8 // size(4) + checksum(4) filled in last

	binary.LittleEndian.PutUint32(buf[pos:], headerPageVersion)
	pos += 4

	var text [64]byte
	copy(text[:], headerMagic)
	copy(buf[pos:], text[:])
	pos += 64

	binary.LittleEndian.PutUint64(buf[pos:], uint64(h.ChunkID))
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], uint64(h.LogSegmentID))
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], h.LogCommandID)
	pos += 8
	if h.UseBloomFilter {
		buf[pos] = 1
	}
	pos++
	binary.LittleEndian.PutUint64(buf[pos:], h.NumKeys)
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], h.IndexPageOffset)
	pos += 8
	binary.LittleEndian.PutUint32(buf[pos:], h.IndexPageSize)
	pos += 4
	if h.UseBloomFilter {
		binary.LittleEndian.PutUint64(buf[pos:], h.BloomPageOffset)
		pos += 8
		binary.LittleEndian.PutUint32(buf[pos:], h.BloomPageSize)
		pos += 4
	}

	binary.LittleEndian.PutUint32(buf[0:4], HeaderPageSize)
	checksum := crc32.ChecksumIEEE(buf[8:pos])
	binary.LittleEndian.PutUint32(buf[4:8], checksum)

	return buf
}

// Decode validates and parses a HeaderPage previously produced by
// Encode.
func Decode(buf []byte) (HeaderPage, error) {
	var h HeaderPage
	if len(buf) < HeaderPageSize {
		return h, fmt.Errorf("chunkfile: header page truncated: %d bytes", len(buf))
	}

	size := binary.LittleEndian.Uint32(buf[0:4])
	if size != HeaderPageSize {
		return h, fmt.Errorf("chunkfile: unexpected header page size %d", size)
	}
	storedChecksum := binary.LittleEndian.Uint32(buf[4:8])

	pos := 8
	version := binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	if version != headerPageVersion {
		return h, fmt.Errorf("chunkfile: unsupported header page version %d", version)
	}
	pos += 64 // magic text, not validated beyond presence

	h.ChunkID = ids.ChunkID(binary.LittleEndian.Uint64(buf[pos:]))
	pos += 8
	h.LogSegmentID = ids.LogSegmentID(binary.LittleEndian.Uint64(buf[pos:]))
	pos += 8
	h.LogCommandID = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	h.UseBloomFilter = buf[pos] != 0
	pos++
	h.NumKeys = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	h.IndexPageOffset = binary.LittleEndian.Uint64(buf[pos:])
	pos += 8
	h.IndexPageSize = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	if h.UseBloomFilter {
		h.BloomPageOffset = binary.LittleEndian.Uint64(buf[pos:])
		pos += 8
		h.BloomPageSize = binary.LittleEndian.Uint32(buf[pos:])
		pos += 4
	}

	computed := crc32.ChecksumIEEE(buf[8:pos])
	if computed != storedChecksum {
		return h, fmt.Errorf("chunkfile: header page checksum mismatch")
	}

	return h, nil
}
