// Package coss implements the append-mostly single-file stripe engine:
// one contiguous stripe file per cache_dir, in-memory write buffering,
// offset-encoded file numbers, and a wrap-around circular allocator
// with LRU-coupled eviction.
package coss

import "github.com/pkg/errors"

// fileNumberBits is the width of the sfileno field COSS reuses to carry a
// block-aligned byte offset.
const fileNumberBits = 25

// DefaultBlockSize is used when a cache_dir doesn't specify block-size.
const DefaultBlockSize = 512

// MaxBlockSize caps the configurable block size.
const MaxBlockSize = 8192

// Addressing converts between a stripe-relative byte offset and the
// 25-bit file-number encoding, per a configured block size.
type Addressing struct {
	blockSizeBits uint
}

// NewAddressing validates blockSize (power of two, 1..MaxBlockSize) and
// returns the Addressing that encodes offsets at that granularity.
func NewAddressing(blockSize int64) (Addressing, error) {
	if blockSize <= 0 || blockSize > MaxBlockSize || blockSize&(blockSize-1) != 0 {
		return Addressing{}, errors.Errorf("coss: block-size %d must be a power of two in [1,%d]", blockSize, MaxBlockSize)
	}
	bits := uint(0)
	for (int64(1) << bits) != blockSize {
		bits++
	}
	return Addressing{blockSizeBits: bits}, nil
}

// BlockSize returns the configured block size in bytes.
func (a Addressing) BlockSize() int64 { return int64(1) << a.blockSizeBits }

// MaxSize is the largest stripe this addressing can index: `(2^25 <<
// blksz_bits)` bytes, checked at configure time.
func (a Addressing) MaxSize() int64 {
	return int64(1) << (fileNumberBits + a.blockSizeBits)
}

// Encode maps a block-aligned stripe offset to its 25-bit file number.
func (a Addressing) Encode(diskOffset int64) (int64, error) {
	if diskOffset < 0 {
		return 0, errors.Errorf("coss: negative disk offset %d", diskOffset)
	}
	if diskOffset&(a.BlockSize()-1) != 0 {
		return 0, errors.Errorf("coss: disk offset %d is not block-aligned to %d", diskOffset, a.BlockSize())
	}
	n := diskOffset >> a.blockSizeBits
	if n >= int64(1)<<fileNumberBits {
		return 0, errors.Errorf("coss: disk offset %d exceeds the 25-bit file-number range", diskOffset)
	}
	return n, nil
}

// Decode maps a file number back to its stripe byte offset.
func (a Addressing) Decode(fileN int64) int64 {
	return fileN << a.blockSizeBits
}
