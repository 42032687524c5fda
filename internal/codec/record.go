package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
)

// compressEncoder/compressDecoder are shared across every value record a
// store with Config.Compress enabled writes or reads, the same
// single-encoder/single-decoder idiom the teacher uses for its own
// CompressBytes/DecompressBytes helpers.
var compressEncoder, _ = zstd.NewWriter(nil)
var compressDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

func compressBytes(src []byte) []byte {
	return compressEncoder.EncodeAll(src, make([]byte, 0, len(src)))
}

func decompressBytes(src []byte) ([]byte, error) {
	return compressDecoder.DecodeAll(src, nil)
}

// DataFileHeaderBytes is the reserved capacity header at the start of every
// data file (and, per the paged container's shared layout, every chunk
// file): a single big-endian uint32 naming the file's configured capacity.
const DataFileHeaderBytes = 4

// ValueRecordHeaderBytes is the length prefix written before every value's
// bytes: a single big-endian uint32 byte count.
const ValueRecordHeaderBytes = 4

// CRCBytes is the size of the optional trailing-header checksum enabled by
// Config.EnableDataFileCheck.
const CRCBytes = 4

// EncodeValueRecord builds the on-disk record for a value: length:4 |
// [crc32:4] | bytes, where bytes is the zstd-compressed payload when
// withCompress is set. Compression happens before the checksum is
// computed, so the checksum always covers exactly what's on disk.
// withCRC controls whether the checksum word is present.
func EncodeValueRecord(value []byte, withCRC, withCompress bool) []byte {
	stored := value
	if withCompress {
		stored = compressBytes(value)
	}

	hdr := ValueRecordHeaderBytes
	if withCRC {
		hdr += CRCBytes
	}
	buf := make([]byte, hdr+len(stored))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(stored)))
	if withCRC {
		sum := crc32.ChecksumIEEE(stored)
		binary.BigEndian.PutUint32(buf[4:8], sum)
	}
	copy(buf[hdr:], stored)
	return buf
}

// DecodeValueRecord splits a raw on-disk record into its value bytes,
// validating the checksum when withCRC is set and decompressing when
// withCompress is set.
func DecodeValueRecord(raw []byte, withCRC, withCompress bool) ([]byte, error) {
	hdr := ValueRecordHeaderBytes
	if withCRC {
		hdr += CRCBytes
	}
	if len(raw) < hdr {
		return nil, fmt.Errorf("codec: value record shorter than header: %d bytes", len(raw))
	}
	length := binary.BigEndian.Uint32(raw[0:4])
	if int(length) != len(raw)-hdr {
		return nil, fmt.Errorf("codec: value record length mismatch: header says %d, have %d", length, len(raw)-hdr)
	}
	stored := raw[hdr:]
	if withCRC {
		want := binary.BigEndian.Uint32(raw[4:8])
		got := crc32.ChecksumIEEE(stored)
		if want != got {
			return nil, fmt.Errorf("codec: value record crc mismatch: stored=%08x calculated=%08x", want, got)
		}
	}
	if !withCompress {
		return stored, nil
	}
	value, err := decompressBytes(stored)
	if err != nil {
		return nil, fmt.Errorf("codec: value record decompress: %w", err)
	}
	return value, nil
}

// ValueRecordSize returns the total on-disk size of a value record given
// the length of the bytes actually stored (post-compression, if enabled).
// Callers that need an upper bound before compressing should use
// len(value) as a safe (non-shrinking) estimate.
func ValueRecordSize(storedLen int, withCRC bool) int {
	hdr := ValueRecordHeaderBytes
	if withCRC {
		hdr += CRCBytes
	}
	return hdr + storedLen
}
