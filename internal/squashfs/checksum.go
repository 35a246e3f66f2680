package squashfs

import "hash/crc32"

// crc32Checksum is the 32-bit CRC used to key block and fragment dedup
// (spec.md explicitly disclaims any stronger guarantee here).
func crc32Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
