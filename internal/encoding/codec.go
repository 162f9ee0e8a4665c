// Package encoding implements the binary wire format for inter-domain
// traffic: delta batches, replay requests and responses, and eviction
// notices, framed as snappy-compressed envelopes.
//
// Values travel as tagged scalars. Integer values are normalized to int64 on
// the wire, so a row that crosses a process boundary comes back with int64
// where it left with int; engines that mix transports must account for that
// when comparing rows.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/golang/snappy"
)

// Envelope kinds.
const (
	KindDelta uint8 = iota + 1
	KindReplayRequest
	KindReplayResponse
	KindEvict
)

// Value type tags.
const (
	tagNil uint8 = iota
	tagString
	tagInt64
	tagFloat64
	tagBool
)

// ErrCorrupt is returned when a frame fails to decode.
var ErrCorrupt = errors.New("corrupt frame")

// Record is the wire form of one signed row change.
type Record struct {
	Row      []any
	Negative bool
	Token    uint64
	Base     int32
}

// Envelope is the wire form of one inter-domain message. PathTag identifies a
// replay path; both sides hold the path table from graph setup, so paths
// never travel on the wire.
type Envelope struct {
	Kind    uint8
	Domain  int32
	Node    int32
	From    int32
	Base    int32
	Key     string
	PathTag int32
	Branch  int32
	Hop     int32
	Side    int32
	Cut     uint64
	Full    bool
	Keys    []string
	Records []Record
}

// Encode serializes and snappy-compresses an envelope.
func Encode(env *Envelope) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(env.Kind)
	writeInt32(buf, env.Domain)
	writeInt32(buf, env.Node)
	writeInt32(buf, env.From)
	writeInt32(buf, env.Base)
	if err := WriteString(buf, env.Key); err != nil {
		return nil, err
	}
	writeInt32(buf, env.PathTag)
	writeInt32(buf, env.Branch)
	writeInt32(buf, env.Hop)
	writeInt32(buf, env.Side)
	writeUint64(buf, env.Cut)
	writeBool(buf, env.Full)
	writeUint32(buf, uint32(len(env.Keys)))
	for _, k := range env.Keys {
		if err := WriteString(buf, k); err != nil {
			return nil, err
		}
	}
	writeUint32(buf, uint32(len(env.Records)))
	for i := range env.Records {
		if err := writeRecord(buf, &env.Records[i]); err != nil {
			return nil, err
		}
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

// Decode decompresses and deserializes an envelope.
func Decode(data []byte) (*Envelope, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	r := bytes.NewReader(raw)
	env := &Envelope{}
	if env.Kind, err = r.ReadByte(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Domain, err = readInt32(r); err != nil {
		return nil, err
	}
	if env.Node, err = readInt32(r); err != nil {
		return nil, err
	}
	if env.From, err = readInt32(r); err != nil {
		return nil, err
	}
	if env.Base, err = readInt32(r); err != nil {
		return nil, err
	}
	if env.Key, err = ReadString(r); err != nil {
		return nil, err
	}
	if env.PathTag, err = readInt32(r); err != nil {
		return nil, err
	}
	if env.Branch, err = readInt32(r); err != nil {
		return nil, err
	}
	if env.Hop, err = readInt32(r); err != nil {
		return nil, err
	}
	if env.Side, err = readInt32(r); err != nil {
		return nil, err
	}
	if env.Cut, err = readUint64(r); err != nil {
		return nil, err
	}
	if env.Full, err = readBool(r); err != nil {
		return nil, err
	}
	nkeys, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if nkeys > 0 {
		env.Keys = make([]string, nkeys)
		for i := range env.Keys {
			if env.Keys[i], err = ReadString(r); err != nil {
				return nil, err
			}
		}
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		env.Records = make([]Record, count)
		for i := range env.Records {
			if err := readRecord(r, &env.Records[i]); err != nil {
				return nil, err
			}
		}
	}
	return env, nil
}

func writeRecord(buf *bytes.Buffer, rec *Record) error {
	writeBool(buf, rec.Negative)
	writeUint64(buf, rec.Token)
	writeInt32(buf, rec.Base)
	writeUint32(buf, uint32(len(rec.Row)))
	for _, v := range rec.Row {
		if err := writeValue(buf, v); err != nil {
			return err
		}
	}
	return nil
}

func readRecord(r *bytes.Reader, rec *Record) error {
	var err error
	if rec.Negative, err = readBool(r); err != nil {
		return err
	}
	if rec.Token, err = readUint64(r); err != nil {
		return err
	}
	if rec.Base, err = readInt32(r); err != nil {
		return err
	}
	width, err := readUint32(r)
	if err != nil {
		return err
	}
	rec.Row = make([]any, width)
	for i := range rec.Row {
		if rec.Row[i], err = readValue(r); err != nil {
			return err
		}
	}
	return nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteByte(tagNil)
	case string:
		buf.WriteByte(tagString)
		return WriteString(buf, t)
	case int:
		buf.WriteByte(tagInt64)
		writeUint64(buf, uint64(int64(t)))
	case int32:
		buf.WriteByte(tagInt64)
		writeUint64(buf, uint64(int64(t)))
	case int64:
		buf.WriteByte(tagInt64)
		writeUint64(buf, uint64(t))
	case float64:
		buf.WriteByte(tagFloat64)
		writeUint64(buf, math.Float64bits(t))
	case bool:
		buf.WriteByte(tagBool)
		writeBool(buf, t)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func readValue(r *bytes.Reader) (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagString:
		return ReadString(r)
	case tagInt64:
		u, err := readUint64(r)
		return int64(u), err
	case tagFloat64:
		u, err := readUint64(r)
		return math.Float64frombits(u), err
	case tagBool:
		return readBool(r)
	default:
		return nil, fmt.Errorf("%w: value tag %d", ErrCorrupt, tag)
	}
}

// WriteString writes a length-prefixed string.
func WriteString(buf *bytes.Buffer, s string) error {
	writeUint32(buf, uint32(len(s)))
	_, err := buf.WriteString(s)
	return err
}

// ReadString reads a length-prefixed string.
func ReadString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", fmt.Errorf("%w: string length %d exceeds remaining %d", ErrCorrupt, n, r.Len())
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return string(b), nil
}

func writeInt32(buf *bytes.Buffer, v int32)   { writeUint32(buf, uint32(v)) }
func writeUint32(buf *bytes.Buffer, v uint32) { _ = binary.Write(buf, binary.LittleEndian, v) }
func writeUint64(buf *bytes.Buffer, v uint64) { _ = binary.Write(buf, binary.LittleEndian, v) }

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readInt32(r *bytes.Reader) (int32, error) {
	u, err := readUint32(r)
	return int32(u), err
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return v, nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return v, nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return b != 0, nil
}
