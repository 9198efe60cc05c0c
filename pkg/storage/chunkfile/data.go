package chunkfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// DataPageGranularity bounds how many bytes of key/value records a
// single DataPage accumulates before FileChunk starts a new one,
// matching STORAGE_HEADER_PAGE_SIZE's page granularity used elsewhere
// in the chunk format.
const DataPageGranularity = HeaderPageSize

// Record is one key/value pair stored in a DataPage, in the sorted
// order the chunk as a whole maintains.
type Record struct {
	Key   []byte
	Value []byte
}

func (r Record) encodedSize() int { return 4 + len(r.Key) + 4 + len(r.Value) }

// DataPage holds a contiguous run of sorted records.
type DataPage struct {
	Records []Record
}

// Size is the page's encoded size including the size+checksum+count
// header.
func (d *DataPage) Size() uint32 {
	size := uint32(12) // size(4) + checksum(4) + count(4)
	for _, r := range d.Records {
		size += uint32(r.encodedSize())
	}
	return size
}

func (d *DataPage) Encode() []byte {
	size := d.Size()
	buf := make([]byte, size)
	pos := 12
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(d.Records)))
	for _, r := range d.Records {
		binary.LittleEndian.PutUint32(buf[pos:], uint32(len(r.Key)))
		pos += 4
		copy(buf[pos:], r.Key)
		pos += len(r.Key)
		binary.LittleEndian.PutUint32(buf[pos:], uint32(len(r.Value)))
		pos += 4
		copy(buf[pos:], r.Value)
		pos += len(r.Value)
	}
	binary.LittleEndian.PutUint32(buf[0:4], size)
	checksum := crc32.ChecksumIEEE(buf[8:pos])
	binary.LittleEndian.PutUint32(buf[4:8], checksum)
	return buf
}

func DecodeDataPage(buf []byte) (*DataPage, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("chunkfile: data page truncated")
	}
	size := binary.LittleEndian.Uint32(buf[0:4])
	if int(size) != len(buf) {
		return nil, fmt.Errorf("chunkfile: data page size mismatch")
	}
	checksum := binary.LittleEndian.Uint32(buf[4:8])
	count := binary.LittleEndian.Uint32(buf[8:12])

	pos := 12
	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(buf) {
			return nil, fmt.Errorf("chunkfile: data page record %d truncated", i)
		}
		klen := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		if pos+klen > len(buf) {
			return nil, fmt.Errorf("chunkfile: data page key %d truncated", i)
		}
		key := append([]byte(nil), buf[pos:pos+klen]...)
		pos += klen

		if pos+4 > len(buf) {
			return nil, fmt.Errorf("chunkfile: data page record %d truncated", i)
		}
		vlen := int(binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
		if pos+vlen > len(buf) {
			return nil, fmt.Errorf("chunkfile: data page value %d truncated", i)
		}
		value := append([]byte(nil), buf[pos:pos+vlen]...)
		pos += vlen

		records = append(records, Record{Key: key, Value: value})
	}

	if crc32.ChecksumIEEE(buf[8:pos]) != checksum {
		return nil, fmt.Errorf("chunkfile: data page checksum mismatch")
	}

	return &DataPage{Records: records}, nil
}
