package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/YumaTheCompanion/scaliendb/pkg/errs"
	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
)

// LogSegment is the write-ahead log every mutation is fsynced to before
// Engine acknowledges it, and replayed into a fresh MemoChunk on
// startup. Ported in spirit from StorageLogSegment: one growing append-
// only file per segment, one CRC32-checksummed record per entry.
type LogSegment struct {
	ID ids.LogSegmentID

	f        *os.File
	w        *bufio.Writer
	commandID uint64
}

// logRecord is one WAL entry: an opaque command value (already encoded
// by the caller; Engine writes its encodeOp records) tagged with the
// LogCommandID it advances.
type logRecord struct {
	CommandID uint64
	Value     []byte
}

func OpenLogSegment(path string, id ids.LogSegmentID) (*LogSegment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open log segment %s: %w", path, err)
	}
	return &LogSegment{ID: id, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one record and fsyncs before returning, so the caller
// may only acknowledge the write once this returns nil.
func (l *LogSegment) Append(value []byte) (commandID uint64, err error) {
	l.commandID++
	rec := logRecord{CommandID: l.commandID, Value: value}
	buf := encodeLogRecord(rec)

	if _, err := l.w.Write(buf); err != nil {
		return 0, err
	}
	if err := l.w.Flush(); err != nil {
		return 0, err
	}
	if err := l.f.Sync(); err != nil {
		return 0, errs.NewStorageChecksumError(true, "log segment %d fsync failed: %v", l.ID, err)
	}
	return l.commandID, nil
}

// Replay reads every durable record in order, calling fn for each. Used
// on startup to rebuild a MemoChunk from a log segment that outlived
// its last FileChunk freeze.
func (l *LogSegment) Replay(fn func(commandID uint64, value []byte) error) error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(l.f)
	for {
		rec, err := decodeLogRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		l.commandID = rec.CommandID
		if err := fn(rec.CommandID, rec.Value); err != nil {
			return err
		}
	}
	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	l.w = bufio.NewWriter(l.f)
	return nil
}

func (l *LogSegment) LastCommandID() uint64 { return l.commandID }

func (l *LogSegment) Close() error { return l.f.Close() }

func encodeLogRecord(rec logRecord) []byte {
	buf := make([]byte, 8+4+4+len(rec.Value))
	binary.LittleEndian.PutUint64(buf[0:8], rec.CommandID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(rec.Value)))
	copy(buf[16:], rec.Value)
	checksum := crc32.ChecksumIEEE(buf[0:8])
	checksum = crc32.Update(checksum, crc32.IEEETable, buf[16:])
	binary.LittleEndian.PutUint32(buf[12:16], checksum)
	return buf
}

func decodeLogRecord(r *bufio.Reader) (logRecord, error) {
	var header [16]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return logRecord{}, io.EOF
		}
		return logRecord{}, err
	}
	commandID := binary.LittleEndian.Uint64(header[0:8])
	length := binary.LittleEndian.Uint32(header[8:12])
	checksum := binary.LittleEndian.Uint32(header[12:16])

	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return logRecord{}, fmt.Errorf("storage: log record truncated: %w", err)
	}

	computed := crc32.ChecksumIEEE(header[0:8])
	computed = crc32.Update(computed, crc32.IEEETable, value)
	if computed != checksum {
		return logRecord{}, errs.NewStorageChecksumError(true, "log record %d checksum mismatch", commandID)
	}

	return logRecord{CommandID: commandID, Value: value}, nil
}
