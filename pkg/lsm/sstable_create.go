package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/intellistream/sage-tsdb/pkg/record"
)

// CreateSSTable builds a new table at path from records sorted ascending by
// timestamp. Duplicate timestamps must already be resolved by the caller.
// The metadata block is written as a stub first and rewritten with the
// final offsets once every block is on disk.
func CreateSSTable(path string, level int, sequence uint64, bitsPerKey int, entries []*record.Record) (*SSTable, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("cannot create empty SSTable %s", path)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})

	bloom := NewBloomFilter(len(entries), bitsPerKey, DefaultBloomHashCount)
	for _, rec := range entries {
		bloom.Add(rec.Timestamp)
	}

	// Encode payloads up front so every block offset is known before any
	// byte is written.
	payloads := make([][]byte, len(entries))
	for i, rec := range entries {
		payloads[i] = record.Marshal(rec)
	}

	bloomOffset := uint64(metadataSize)
	indexOffset := bloomOffset + uint64(bloom.SerializedSize())
	dataOffset := indexOffset + uint64(len(entries)*indexEntrySize)

	index := make([]IndexEntry, len(entries))
	offset := dataOffset
	for i, payload := range payloads {
		index[i] = IndexEntry{
			Timestamp:  entries[i].Timestamp,
			DataOffset: offset,
			DataSize:   uint32(len(payload)),
		}
		offset += uint64(len(payload))
	}

	meta := sstableMetadata{
		Magic:       SSTableMagic,
		Version:     SSTableVersion,
		Level:       uint32(level),
		Sequence:    sequence,
		EntryCount:  uint64(len(entries)),
		MinTS:       entries[0].Timestamp,
		MaxTS:       entries[len(entries)-1].Timestamp,
		BloomOffset: bloomOffset,
		IndexOffset: indexOffset,
		DataOffset:  dataOffset,
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writer := bufio.NewWriter(file)

	// Metadata stub; rewritten below once everything else is durable
	stub := meta
	stub.BloomOffset, stub.IndexOffset, stub.DataOffset = 0, 0, 0
	if err := binary.Write(writer, binary.LittleEndian, &stub); err != nil {
		file.Close()
		return nil, err
	}

	if _, err := bloom.WriteTo(writer); err != nil {
		file.Close()
		return nil, err
	}

	for _, entry := range index {
		if err := binary.Write(writer, binary.LittleEndian, entry.Timestamp); err != nil {
			file.Close()
			return nil, err
		}
		if err := binary.Write(writer, binary.LittleEndian, entry.DataOffset); err != nil {
			file.Close()
			return nil, err
		}
		if err := binary.Write(writer, binary.LittleEndian, entry.DataSize); err != nil {
			file.Close()
			return nil, err
		}
	}

	for _, payload := range payloads {
		if _, err := writer.Write(payload); err != nil {
			file.Close()
			return nil, err
		}
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		return nil, err
	}

	// Rewrite metadata with the final offsets
	if _, err := file.Seek(0, 0); err != nil {
		file.Close()
		return nil, err
	}
	if err := binary.Write(file, binary.LittleEndian, &meta); err != nil {
		file.Close()
		return nil, err
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	return &SSTable{
		path:     path,
		meta:     meta,
		index:    index,
		bloom:    bloom,
		fileSize: info.Size(),
	}, nil
}

// MergeSSTables k-way merges the input tables into a single table at the
// target level, resolving duplicate timestamps last-write-wins: inputs are
// consumed in ascending sequence order so a later table's record replaces
// an earlier one's.
func MergeSSTables(path string, level int, sequence uint64, bitsPerKey int, inputs []*SSTable) (*SSTable, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no input SSTables for merge %s", path)
	}

	ordered := make([]*SSTable, len(inputs))
	copy(ordered, inputs)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Sequence() < ordered[j].Sequence()
	})

	merged := make(map[int64]*record.Record)
	for _, sst := range ordered {
		entries, err := sst.All()
		if err != nil {
			return nil, fmt.Errorf("iterate SSTable %s: %w", sst.path, err)
		}
		for _, rec := range entries {
			merged[rec.Timestamp] = rec
		}
	}

	entries := make([]*record.Record, 0, len(merged))
	for _, rec := range merged {
		entries = append(entries, rec)
	}

	return CreateSSTable(path, level, sequence, bitsPerKey, entries)
}
