package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
)

// Binary codec shared by the WAL, SSTable data blocks, and the archival
// .tsdb format. Layout, all little-endian:
//
//	ts(8) | kind(1) | value | tag_count(4) | [klen(4) key vlen(4) val]* |
//	field_count(4) | [klen(4) key vlen(4) val]*
//
// where value is a single f64 for scalar records or len(4) + f64s for
// vector records.

// bufferPool recycles encode buffers; Marshal sits on every WAL append
// and SSTable build.
var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Marshal serializes a record to its binary form.
func Marshal(r *Record) []byte {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	_ = Write(buf, r)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	bufferPool.Put(buf)
	return out
}

// Write serializes a record onto w.
func Write(w io.Writer, r *Record) error {
	if err := binary.Write(w, binary.LittleEndian, r.Timestamp); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(r.Kind)); err != nil {
		return err
	}
	switch r.Kind {
	case ScalarValue:
		if err := binary.Write(w, binary.LittleEndian, math.Float64bits(r.Scalar)); err != nil {
			return err
		}
	case VectorValue:
		if err := binary.Write(w, binary.LittleEndian, uint32(len(r.Vector))); err != nil {
			return err
		}
		for _, v := range r.Vector {
			if err := binary.Write(w, binary.LittleEndian, math.Float64bits(v)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown value kind %d", r.Kind)
	}
	if err := writeStringMap(w, r.Tags); err != nil {
		return err
	}
	return writeStringMap(w, r.Fields)
}

// Unmarshal deserializes a record from its binary form.
func Unmarshal(data []byte) (*Record, error) {
	return Read(bytes.NewReader(data))
}

// Read deserializes a record from r.
func Read(rd io.Reader) (*Record, error) {
	rec := &Record{}
	if err := binary.Read(rd, binary.LittleEndian, &rec.Timestamp); err != nil {
		return nil, err
	}
	var kind uint8
	if err := binary.Read(rd, binary.LittleEndian, &kind); err != nil {
		return nil, err
	}
	rec.Kind = ValueKind(kind)
	switch rec.Kind {
	case ScalarValue:
		var bits uint64
		if err := binary.Read(rd, binary.LittleEndian, &bits); err != nil {
			return nil, err
		}
		rec.Scalar = math.Float64frombits(bits)
	case VectorValue:
		var n uint32
		if err := binary.Read(rd, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		rec.Vector = make([]float64, n)
		for i := range rec.Vector {
			var bits uint64
			if err := binary.Read(rd, binary.LittleEndian, &bits); err != nil {
				return nil, err
			}
			rec.Vector[i] = math.Float64frombits(bits)
		}
	default:
		return nil, fmt.Errorf("unknown value kind %d", kind)
	}
	tags, err := readStringMap(rd)
	if err != nil {
		return nil, err
	}
	fields, err := readStringMap(rd)
	if err != nil {
		return nil, err
	}
	rec.Tags = tags
	rec.Fields = fields
	return rec, nil
}

func writeStringMap(w io.Writer, m map[string]string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, v); err != nil {
			return err
		}
	}
	return nil
}

func readStringMap(rd io.Reader) (map[string]string, error) {
	var n uint32
	if err := binary.Read(rd, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString(rd)
		if err != nil {
			return nil, err
		}
		v, err := readString(rd)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(rd io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(rd, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rd, b); err != nil {
		return "", err
	}
	return string(b), nil
}
