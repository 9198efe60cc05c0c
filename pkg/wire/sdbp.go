package wire

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/YumaTheCompanion/scaliendb/pkg/ids"
)

// RequestType is the SDBP request type byte (spec §3 Request, §6).
type RequestType byte

const (
	ReqGet            RequestType = 'G'
	ReqSet            RequestType = 'S'
	ReqSetIfNotExists RequestType = 'N'
	ReqTestAndSet     RequestType = 'T'
	ReqGetAndSet      RequestType = 'A'
	ReqAdd            RequestType = '+'
	ReqAppend         RequestType = 'P'
	ReqDelete         RequestType = 'D'
	ReqRemove         RequestType = 'R'
	ReqListKeys       RequestType = 'K'
	ReqListKeyValues  RequestType = 'V'
	ReqCount          RequestType = 'C'
	ReqSchemaOp       RequestType = 'H'
	ReqGetConfigState RequestType = 'F'
)

// ResponseType is the SDBP response type byte (spec §6).
type ResponseType byte

const (
	RespOK            ResponseType = 'k'
	RespNumber        ResponseType = 'n'
	RespSignedNumber  ResponseType = 's'
	RespValue         ResponseType = 'v'
	RespListKeys      ResponseType = 'l'
	RespListKeyValues ResponseType = 'm'
	RespNext          ResponseType = 'x'
	RespNoService     ResponseType = 'e'
	RespBadSchema     ResponseType = 'b'
	RespFailed        ResponseType = 'f'
	RespConfigState   ResponseType = 'c'
	RespHello         ResponseType = 'h'
)

// Request is the on-wire SDBP request envelope. Not every field is set
// for every RequestType; higher layers (pkg/client) know which fields a
// given Type populates.
type Request struct {
	CommandID ids.CommandID
	Type      RequestType

	TableID  ids.TableID
	Key      []byte
	Value    []byte
	StartKey []byte // also carries TestAndSet's expected-prior-value
	EndKey   []byte
	Count    uint64
	Forward  bool

	Async  bool
	IsBulk bool
}

// Response is the on-wire SDBP response envelope.
type Response struct {
	CommandID ids.CommandID
	Type      ResponseType

	Number    uint64
	SNumber   int64
	Value     []byte
	Keys      [][]byte
	KeyValues [][2][]byte

	// NEXT paging continuation (spec §4.3, §6).
	LastKey   []byte
	EndKey    []byte
	NextCount uint64

	ConfigState []byte // opaque serialized ConfigState; pkg/config owns the JSON codec (out of scope, spec §1)
}

// Every scalar field is written as "<decimal>:" and every blob field as
// "<len>:<raw bytes>", with no extra separators between fields: each
// field is self-delimiting, so a cursor walking the buffer never needs
// to guess where one field ends and the next begins.

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) scalar() (uint64, error) {
	i := bytes.IndexByte(c.buf[c.pos:], ':')
	if i < 0 {
		return 0, fmt.Errorf("wire: truncated scalar field")
	}
	v, err := strconv.ParseUint(string(c.buf[c.pos:c.pos+i]), 10, 64)
	if err != nil {
		return 0, err
	}
	c.pos += i + 1
	return v, nil
}

func (c *cursor) sscalar() (int64, error) {
	i := bytes.IndexByte(c.buf[c.pos:], ':')
	if i < 0 {
		return 0, fmt.Errorf("wire: truncated scalar field")
	}
	v, err := strconv.ParseInt(string(c.buf[c.pos:c.pos+i]), 10, 64)
	if err != nil {
		return 0, err
	}
	c.pos += i + 1
	return v, nil
}

func (c *cursor) blob() ([]byte, error) {
	n, err := c.scalar()
	if err != nil {
		return nil, err
	}
	if c.pos+int(n) > len(c.buf) {
		return nil, fmt.Errorf("wire: blob of length %d overruns buffer", n)
	}
	out := append([]byte(nil), c.buf[c.pos:c.pos+int(n)]...)
	c.pos += int(n)
	return out, nil
}

func writeScalar(buf *bytes.Buffer, v uint64) { fmt.Fprintf(buf, "%d:", v) }
func writeSScalar(buf *bytes.Buffer, v int64) { fmt.Fprintf(buf, "%d:", v) }
func writeBlob(buf *bytes.Buffer, b []byte)   { fmt.Fprintf(buf, "%d:", len(b)); buf.Write(b) }

func boolInt(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func binWrite64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * uint(i)))
	}
	buf.Write(tmp[:])
}

func binRead64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}

// EncodeRequest writes the length-prefixed request envelope:
// <len><commandID><type byte><payload>, payload fields self-delimiting
// per spec §6.
func EncodeRequest(r *Request) []byte {
	var payload bytes.Buffer
	writeScalar(&payload, uint64(r.TableID))
	writeScalar(&payload, boolInt(r.Forward))
	writeScalar(&payload, r.Count)
	writeBlob(&payload, r.Key)
	writeBlob(&payload, r.Value)
	writeBlob(&payload, r.StartKey)
	writeBlob(&payload, r.EndKey)
	writeScalar(&payload, boolInt(r.Async))
	writeScalar(&payload, boolInt(r.IsBulk))

	var out bytes.Buffer
	binWrite64(&out, uint64(r.CommandID))
	out.WriteByte(byte(r.Type))
	out.Write(payload.Bytes())

	var framed bytes.Buffer
	_ = WriteFrame(&framed, out.Bytes())
	return framed.Bytes()
}

// DecodeRequest parses one already-defragmented frame (the length
// prefix already consumed by ReadFrame) into a Request.
func DecodeRequest(frame []byte) (*Request, error) {
	if len(frame) < 9 {
		return nil, fmt.Errorf("wire: request frame too short")
	}
	cmdID := binRead64(frame[0:8])
	typ := RequestType(frame[8])
	c := &cursor{buf: frame[9:]}

	tableID, err := c.scalar()
	if err != nil {
		return nil, err
	}
	forward, err := c.scalar()
	if err != nil {
		return nil, err
	}
	count, err := c.scalar()
	if err != nil {
		return nil, err
	}
	key, err := c.blob()
	if err != nil {
		return nil, err
	}
	value, err := c.blob()
	if err != nil {
		return nil, err
	}
	startKey, err := c.blob()
	if err != nil {
		return nil, err
	}
	endKey, err := c.blob()
	if err != nil {
		return nil, err
	}
	async, err := c.scalar()
	if err != nil {
		return nil, err
	}
	isBulk, err := c.scalar()
	if err != nil {
		return nil, err
	}

	return &Request{
		CommandID: ids.CommandID(cmdID),
		Type:      typ,
		TableID:   ids.TableID(tableID),
		Forward:   forward == 1,
		Count:     count,
		Key:       key,
		Value:     value,
		StartKey:  startKey,
		EndKey:    endKey,
		Async:     async == 1,
		IsBulk:    isBulk == 1,
	}, nil
}

// EncodeResponse mirrors EncodeRequest for the reply direction. Keys and
// KeyValues (variable-length lists) are prefixed with their element
// count so the decoder knows how many blobs to pull for each.
func EncodeResponse(r *Response) []byte {
	var payload bytes.Buffer
	writeScalar(&payload, r.Number)
	writeSScalar(&payload, r.SNumber)
	writeBlob(&payload, r.Value)

	writeScalar(&payload, uint64(len(r.Keys)))
	for _, k := range r.Keys {
		writeBlob(&payload, k)
	}

	writeScalar(&payload, uint64(len(r.KeyValues)))
	for _, kv := range r.KeyValues {
		writeBlob(&payload, kv[0])
		writeBlob(&payload, kv[1])
	}

	writeBlob(&payload, r.LastKey)
	writeBlob(&payload, r.EndKey)
	writeScalar(&payload, r.NextCount)
	writeBlob(&payload, r.ConfigState)

	var out bytes.Buffer
	binWrite64(&out, uint64(r.CommandID))
	out.WriteByte(byte(r.Type))
	out.Write(payload.Bytes())

	var framed bytes.Buffer
	_ = WriteFrame(&framed, out.Bytes())
	return framed.Bytes()
}

// DecodeResponse parses one already-defragmented frame into a Response.
func DecodeResponse(frame []byte) (*Response, error) {
	if len(frame) < 9 {
		return nil, fmt.Errorf("wire: response frame too short")
	}
	cmdID := binRead64(frame[0:8])
	typ := ResponseType(frame[8])
	c := &cursor{buf: frame[9:]}

	number, err := c.scalar()
	if err != nil {
		return nil, err
	}
	snumber, err := c.sscalar()
	if err != nil {
		return nil, err
	}
	value, err := c.blob()
	if err != nil {
		return nil, err
	}

	numKeys, err := c.scalar()
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, numKeys)
	for i := uint64(0); i < numKeys; i++ {
		k, err := c.blob()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	numKV, err := c.scalar()
	if err != nil {
		return nil, err
	}
	kvs := make([][2][]byte, 0, numKV)
	for i := uint64(0); i < numKV; i++ {
		k, err := c.blob()
		if err != nil {
			return nil, err
		}
		v, err := c.blob()
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, [2][]byte{k, v})
	}

	lastKey, err := c.blob()
	if err != nil {
		return nil, err
	}
	endKey, err := c.blob()
	if err != nil {
		return nil, err
	}
	nextCount, err := c.scalar()
	if err != nil {
		return nil, err
	}
	configState, err := c.blob()
	if err != nil {
		return nil, err
	}

	return &Response{
		CommandID:   ids.CommandID(cmdID),
		Type:        typ,
		Number:      number,
		SNumber:     snumber,
		Value:       value,
		Keys:        keys,
		KeyValues:   kvs,
		LastKey:     lastKey,
		EndKey:      endKey,
		NextCount:   nextCount,
		ConfigState: configState,
	}, nil
}
