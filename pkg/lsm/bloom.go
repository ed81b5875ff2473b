package lsm

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"io"
	"math"
)

// Bloom filter defaults. 10 bits per key with 3 hash functions gives an
// estimated false-positive rate of about 1.7% at the expected load.
const (
	DefaultBloomBitsPerKey = 10
	DefaultBloomHashCount  = 3
)

// BloomFilter is a probabilistic set over int64 timestamps.
// - False positives possible (may say a timestamp exists when it doesn't)
// - False negatives impossible (a negative answer is definitive)
type BloomFilter struct {
	bits      []byte
	bitCount  uint64
	hashCount uint32
}

// NewBloomFilter creates a filter sized for expectedKeys at bitsPerKey bits
// each, using hashCount hash functions. Zero arguments select the defaults.
func NewBloomFilter(expectedKeys int, bitsPerKey int, hashCount int) *BloomFilter {
	if expectedKeys <= 0 {
		expectedKeys = 1
	}
	if bitsPerKey <= 0 {
		bitsPerKey = DefaultBloomBitsPerKey
	}
	if hashCount <= 0 {
		hashCount = DefaultBloomHashCount
	}

	bitCount := uint64(expectedKeys) * uint64(bitsPerKey)
	if bitCount == 0 {
		bitCount = 1
	}

	return &BloomFilter{
		bits:      make([]byte, (bitCount+7)/8),
		bitCount:  bitCount,
		hashCount: uint32(hashCount),
	}
}

// Add sets the k bit positions for key.
func (bf *BloomFilter) Add(key int64) {
	for i := uint32(0); i < bf.hashCount; i++ {
		pos := bf.hash(key, i)
		bf.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MightContain reports whether key may be present. Returns false only when
// the key is definitely absent.
func (bf *BloomFilter) MightContain(key int64) bool {
	for i := uint32(0); i < bf.hashCount; i++ {
		pos := bf.hash(key, i)
		if bf.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// hash computes the i-th seeded hash of key, reduced modulo the bit count.
func (bf *BloomFilter) hash(key int64, seed uint32) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(key))
	binary.LittleEndian.PutUint32(buf[8:], seed)

	h := fnv.New64a()
	// hash.Hash.Write never returns an error per the interface contract
	_, _ = h.Write(buf[:])
	return h.Sum64() % bf.bitCount
}

// BitCount returns the size of the filter in bits.
func (bf *BloomFilter) BitCount() uint64 {
	return bf.bitCount
}

// HashCount returns the number of hash functions.
func (bf *BloomFilter) HashCount() uint32 {
	return bf.hashCount
}

// EstimateFalsePositiveRate estimates the rate after itemCount additions.
func (bf *BloomFilter) EstimateFalsePositiveRate(itemCount int) float64 {
	// p = (1 - e^(-k*n/m))^k
	k := float64(bf.hashCount)
	n := float64(itemCount)
	m := float64(bf.bitCount)

	return math.Pow(1.0-math.Exp(-k*n/m), k)
}

// Merge ORs another filter into this one. Both filters must share the same
// bit count and hash count.
func (bf *BloomFilter) Merge(other *BloomFilter) error {
	if bf.bitCount != other.bitCount || bf.hashCount != other.hashCount {
		return ErrIncompatibleFilters
	}
	for i := range bf.bits {
		bf.bits[i] |= other.bits[i]
	}
	return nil
}

// WriteTo serializes the filter as (hash_count u32, bit_count u64, bits).
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, bf.hashCount); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, bf.bitCount); err != nil {
		return 0, err
	}
	n, err := w.Write(bf.bits)
	return int64(4 + 8 + n), err
}

// MarshalBinary serializes the filter to a byte slice.
func (bf *BloomFilter) MarshalBinary() []byte {
	var buf bytes.Buffer
	_, _ = bf.WriteTo(&buf)
	return buf.Bytes()
}

// ReadBloomFilter deserializes a filter written by WriteTo.
func ReadBloomFilter(r io.Reader) (*BloomFilter, error) {
	var hashCount uint32
	if err := binary.Read(r, binary.LittleEndian, &hashCount); err != nil {
		return nil, err
	}
	var bitCount uint64
	if err := binary.Read(r, binary.LittleEndian, &bitCount); err != nil {
		return nil, err
	}
	bits := make([]byte, (bitCount+7)/8)
	if _, err := io.ReadFull(r, bits); err != nil {
		return nil, err
	}
	return &BloomFilter{
		bits:      bits,
		bitCount:  bitCount,
		hashCount: hashCount,
	}, nil
}

// SerializedSize returns the on-disk size of the filter block in bytes.
func (bf *BloomFilter) SerializedSize() int {
	return 4 + 8 + len(bf.bits)
}
