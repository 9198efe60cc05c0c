package chunkfile

import (
	"fmt"
	"os"
	"sort"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
)

// FileChunk is an immutable, sorted run of key/value records on disk:
// HeaderPage, then DataPages, then IndexPage, then an optional
// BloomPage, written in that order and never mutated again — the same
// write ordering as StorageChunkWriter::Write (WriteHeaderPage,
// WriteDataPages, WriteIndexPage, conditionally WriteBloomPage).
type FileChunk struct {
	path   string
	header HeaderPage
	index  *IndexPage
	bloom  *BloomPage
}

// Write serializes sorted records (by key, ascending, caller-guaranteed)
// into a new chunk file at path, writing a bloom page whenever
// useBloomFilter is set.
func Write(path string, chunkID ids.ChunkID, logSegmentID ids.LogSegmentID, logCommandID uint64, records []Record, useBloomFilter bool) (*FileChunk, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("chunkfile: create %s: %w", path, err)
	}
	defer f.Close()

	header := HeaderPage{
		ChunkID:        chunkID,
		LogSegmentID:   logSegmentID,
		LogCommandID:   logCommandID,
		NumKeys:        uint64(len(records)),
		UseBloomFilter: useBloomFilter,
	}

	offset := uint64(HeaderPageSize)
	if _, err := f.Write(make([]byte, HeaderPageSize)); err != nil { // reserved, rewritten last
		return nil, err
	}

	var bloom *BloomPage
	if useBloomFilter {
		bloom = NewBloomPage(uint64(len(records)))
	}

	index := &IndexPage{}
	pages := packDataPages(records)
	for _, page := range pages {
		if len(page.Records) == 0 {
			continue
		}
		buf := page.Encode()
		if _, err := f.Write(buf); err != nil {
			return nil, err
		}
		index.Entries = append(index.Entries, IndexEntry{
			FirstKey: page.Records[0].Key,
			Offset:   offset,
			Size:     uint32(len(buf)),
		})
		offset += uint64(len(buf))
		if bloom != nil {
			for _, r := range page.Records {
				bloom.Add(r.Key)
			}
		}
	}

	if err := f.Sync(); err != nil {
		return nil, err
	}

	header.IndexPageOffset = offset
	indexBuf := index.Encode()
	header.IndexPageSize = uint32(len(indexBuf))
	if _, err := f.Write(indexBuf); err != nil {
		return nil, err
	}
	offset += uint64(len(indexBuf))

	if bloom != nil {
		header.BloomPageOffset = offset
		bloomBuf := bloom.Encode()
		header.BloomPageSize = uint32(len(bloomBuf))
		if _, err := f.Write(bloomBuf); err != nil {
			return nil, err
		}
	}

	if err := f.Sync(); err != nil {
		return nil, err
	}

	if _, err := f.WriteAt(header.Encode(), 0); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}

	return &FileChunk{path: path, header: header, index: index, bloom: bloom}, nil
}

// packDataPages splits sorted records into pages no larger than
// DataPageGranularity, never splitting a single record across pages.
func packDataPages(records []Record) []*DataPage {
	var pages []*DataPage
	cur := &DataPage{}
	size := uint32(12)
	for _, r := range records {
		recSize := uint32(r.encodedSize())
		if len(cur.Records) > 0 && size+recSize > DataPageGranularity {
			pages = append(pages, cur)
			cur = &DataPage{}
			size = 12
		}
		cur.Records = append(cur.Records, r)
		size += recSize
	}
	if len(cur.Records) > 0 {
		pages = append(pages, cur)
	}
	return pages
}

// Open loads a chunk's header, index and (if present) bloom page into
// memory, leaving data pages on disk to be read on demand by Get.
func Open(path string) (*FileChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	headerBuf := make([]byte, HeaderPageSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		return nil, fmt.Errorf("chunkfile: read header of %s: %w", path, err)
	}
	header, err := Decode(headerBuf)
	if err != nil {
		return nil, err
	}

	indexBuf := make([]byte, header.IndexPageSize)
	if _, err := f.ReadAt(indexBuf, int64(header.IndexPageOffset)); err != nil {
		return nil, fmt.Errorf("chunkfile: read index of %s: %w", path, err)
	}
	index, err := DecodeIndexPage(indexBuf)
	if err != nil {
		return nil, err
	}

	var bloom *BloomPage
	if header.UseBloomFilter {
		bloomBuf := make([]byte, header.BloomPageSize)
		if _, err := f.ReadAt(bloomBuf, int64(header.BloomPageOffset)); err != nil {
			return nil, fmt.Errorf("chunkfile: read bloom of %s: %w", path, err)
		}
		bloom, err = DecodeBloomPage(bloomBuf)
		if err != nil {
			return nil, err
		}
	}

	return &FileChunk{path: path, header: header, index: index, bloom: bloom}, nil
}

// Header returns the loaded header page.
func (c *FileChunk) Header() HeaderPage { return c.header }

// Path returns the chunk's on-disk file path.
func (c *FileChunk) Path() string { return c.path }

// Get seeks key via the bloom page (when present) then the index page,
// reading at most one data page off disk.
func (c *FileChunk) Get(key []byte) ([]byte, bool, error) {
	if c.bloom != nil && !c.bloom.Check(key) {
		return nil, false, nil
	}

	i := c.index.Find(key)
	if i < 0 {
		return nil, false, nil
	}
	entry := c.index.Entries[i]

	f, err := os.Open(c.path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	buf := make([]byte, entry.Size)
	if _, err := f.ReadAt(buf, int64(entry.Offset)); err != nil {
		return nil, false, fmt.Errorf("chunkfile: read data page at %d: %w", entry.Offset, err)
	}
	page, err := DecodeDataPage(buf)
	if err != nil {
		return nil, false, err
	}

	j := sort.Search(len(page.Records), func(k int) bool {
		return compareBytes(page.Records[k].Key, key) >= 0
	})
	if j < len(page.Records) && compareBytes(page.Records[j].Key, key) == 0 {
		return page.Records[j].Value, true, nil
	}
	return nil, false, nil
}

// Iterate walks every record in ascending key order, reading one data
// page at a time.
func (c *FileChunk) Iterate(fn func(key, value []byte) error) error {
	f, err := os.Open(c.path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, entry := range c.index.Entries {
		buf := make([]byte, entry.Size)
		if _, err := f.ReadAt(buf, int64(entry.Offset)); err != nil {
			return fmt.Errorf("chunkfile: read data page at %d: %w", entry.Offset, err)
		}
		page, err := DecodeDataPage(buf)
		if err != nil {
			return err
		}
		for _, r := range page.Records {
			if err := fn(r.Key, r.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
