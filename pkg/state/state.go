// Package state persists compute-engine progress (watermark, window
// position, opaque operator state) into regular tables, so what would be
// process-global state becomes explicit, queryable rows that survive a
// restart.
package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ComputeState is one snapshot of a compute engine's progress.
type ComputeState struct {
	ComputeName     string
	SnapshotTS      int64
	Watermark       int64
	CurrentWindowID uint64
	ProcessedEvents uint64
	OperatorState   []byte            // opaque, owned by the operator
	Metadata        map[string]string
}

// Encode serializes the state deterministically: length-prefixed name,
// fixed-width numerics, length-prefixed operator bytes, then metadata as a
// count followed by key/value pairs in insertion-independent sorted order.
func (s *ComputeState) Encode() []byte {
	var buf bytes.Buffer
	writeString(&buf, s.ComputeName)
	_ = binary.Write(&buf, binary.LittleEndian, s.SnapshotTS)
	_ = binary.Write(&buf, binary.LittleEndian, s.Watermark)
	_ = binary.Write(&buf, binary.LittleEndian, s.CurrentWindowID)
	_ = binary.Write(&buf, binary.LittleEndian, s.ProcessedEvents)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(s.OperatorState)))
	buf.Write(s.OperatorState)

	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(s.Metadata)))
	for _, key := range sortedKeys(s.Metadata) {
		writeString(&buf, key)
		writeString(&buf, s.Metadata[key])
	}
	return buf.Bytes()
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*ComputeState, error) {
	rd := bytes.NewReader(data)
	s := &ComputeState{}

	name, err := readString(rd)
	if err != nil {
		return nil, fmt.Errorf("compute state name: %w", err)
	}
	s.ComputeName = name

	if err := binary.Read(rd, binary.LittleEndian, &s.SnapshotTS); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &s.Watermark); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &s.CurrentWindowID); err != nil {
		return nil, err
	}
	if err := binary.Read(rd, binary.LittleEndian, &s.ProcessedEvents); err != nil {
		return nil, err
	}

	var opLen uint32
	if err := binary.Read(rd, binary.LittleEndian, &opLen); err != nil {
		return nil, err
	}
	if opLen > 0 {
		s.OperatorState = make([]byte, opLen)
		if _, err := io.ReadFull(rd, s.OperatorState); err != nil {
			return nil, err
		}
	}

	var metaCount uint32
	if err := binary.Read(rd, binary.LittleEndian, &metaCount); err != nil {
		return nil, err
	}
	if metaCount > 0 {
		s.Metadata = make(map[string]string, metaCount)
		for i := uint32(0); i < metaCount; i++ {
			k, err := readString(rd)
			if err != nil {
				return nil, err
			}
			v, err := readString(rd)
			if err != nil {
				return nil, err
			}
			s.Metadata[k] = v
		}
	}

	return s, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort; metadata maps are tiny
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
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
