package codec

import (
	"encoding/binary"
	"hash/crc32"
)

// DiscoverySeedCRC is the fixed placeholder CRC32 value written into the
// probe header's crc field before the real checksum is computed over the
// whole datagram (spec.md §4.1, §6).
const DiscoverySeedCRC uint32 = 0x5A6B7C8D

// ieeeTable is the standard IEEE polynomial (0xEDB88320) table Go's
// hash/crc32 package already implements; named here for clarity at call
// sites per spec.md §4.1.
var ieeeTable = crc32.IEEETable

// CRC32IEEE computes the IEEE CRC32 checksum spec.md §4.1 calls for
// (polynomial 0xEDB88320, initial/final xor 0xFFFFFFFF — crc32.ChecksumIEEE
// already applies both).
func CRC32IEEE(data []byte) uint32 {
	return crc32.Checksum(data, ieeeTable)
}

// PutCRC32FieldAndChecksum overwrites the crc32 field at byteOffset within
// buf with DiscoverySeedCRC, computes the checksum of the whole buffer,
// then overwrites the field again with the real value. Mirrors spec.md
// §4.1's two-pass construction of the 20002 probe header.
func PutCRC32FieldAndChecksum(buf []byte, byteOffset int) {
	binary.BigEndian.PutUint32(buf[byteOffset:byteOffset+4], DiscoverySeedCRC)
	sum := CRC32IEEE(buf)
	binary.BigEndian.PutUint32(buf[byteOffset:byteOffset+4], sum)
}
