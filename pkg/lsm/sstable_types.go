package lsm

const (
	// SSTableMagic is "SSTB" little-endian
	SSTableMagic   = 0x53535442
	SSTableVersion = 1

	// metadataSize is the fixed on-disk size of the metadata block:
	// magic(4) version(4) level(4) sequence(8) entry_count(8)
	// min_ts(8) max_ts(8) bloom_offset(8) index_offset(8) data_offset(8)
	metadataSize = 68

	// indexEntrySize is ts(8) + offset(8) + size(4)
	indexEntrySize = 20
)

// sstableMetadata is the fixed-size metadata block at the head of the file.
// All fields little-endian.
type sstableMetadata struct {
	Magic       uint32
	Version     uint32
	Level       uint32
	Sequence    uint64
	EntryCount  uint64
	MinTS       int64
	MaxTS       int64
	BloomOffset uint64
	IndexOffset uint64
	DataOffset  uint64
}

// IndexEntry locates one record's payload inside the data block.
type IndexEntry struct {
	Timestamp  int64
	DataOffset uint64
	DataSize   uint32
}
