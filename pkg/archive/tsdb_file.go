// Package archive implements the legacy .tsdb archival format and its
// checkpoint directory layout.
package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

const (
	// TSDBMagic is "STDB" little-endian
	TSDBMagic   = 0x53544442
	TSDBVersion = 1
)

// fileHeader is the fixed little-endian header of a .tsdb file.
type fileHeader struct {
	Magic          uint32
	Version        uint32
	DataCount      uint64
	CheckpointID   uint64
	MinTS          int64
	MaxTS          int64
	IndexOffset    uint64
	MetadataOffset uint64
}

// Save writes records to a .tsdb file. Records are stored in ascending
// timestamp order; the index section lists each record's data offset.
func Save(path string, checkpointID uint64, records []*record.Record) error {
	sorted := make([]*record.Record, len(records))
	copy(sorted, records)
	record.SortByTimestamp(sorted)

	header := fileHeader{
		Magic:        TSDBMagic,
		Version:      TSDBVersion,
		DataCount:    uint64(len(sorted)),
		CheckpointID: checkpointID,
	}
	if len(sorted) > 0 {
		header.MinTS = sorted[0].Timestamp
		header.MaxTS = sorted[len(sorted)-1].Timestamp
	}

	payloads := make([][]byte, len(sorted))
	headerSize := uint64(binary.Size(header))
	offset := headerSize
	offsets := make([]uint64, len(sorted))
	for i, rec := range sorted {
		payloads[i] = record.Marshal(rec)
		offsets[i] = offset
		offset += uint64(len(payloads[i]))
	}
	header.IndexOffset = offset
	header.MetadataOffset = offset + uint64(len(offsets)*8)

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := binary.Write(writer, binary.LittleEndian, &header); err != nil {
		return err
	}
	for _, payload := range payloads {
		if _, err := writer.Write(payload); err != nil {
			return err
		}
	}
	for _, off := range offsets {
		if err := binary.Write(writer, binary.LittleEndian, off); err != nil {
			return err
		}
	}
	// Metadata section: reserved, zero entries
	if err := binary.Write(writer, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}

	if err := writer.Flush(); err != nil {
		return err
	}
	return file.Sync()
}

// Load reads a .tsdb file back. A magic mismatch rejects the file.
func Load(path string) ([]*record.Record, uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)

	var header fileHeader
	if err := binary.Read(reader, binary.LittleEndian, &header); err != nil {
		return nil, 0, fmt.Errorf("short header in %s: %w", path, err)
	}
	if header.Magic != TSDBMagic {
		return nil, 0, fmt.Errorf("invalid magic %#x in %s", header.Magic, path)
	}
	if header.Version != TSDBVersion {
		return nil, 0, fmt.Errorf("unsupported version %d in %s", header.Version, path)
	}

	records := make([]*record.Record, 0, header.DataCount)
	for i := uint64(0); i < header.DataCount; i++ {
		rec, err := record.Read(reader)
		if err != nil {
			return nil, 0, fmt.Errorf("record %d in %s: %w", i, path, err)
		}
		records = append(records, rec)
	}

	return records, header.CheckpointID, nil
}
