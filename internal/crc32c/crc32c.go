// Package crc32c provides the Castagnoli CRC-32 checksum used by every
// WAL record and segment footer, per the on-disk layout. The teacher's
// own wal package hand-rolls a two-part Fibonacci checksum; LISC's wire
// format calls for the specific crc32c variant instead, which the
// standard library's hash/crc32 already implements with the CPU's
// SSE4.2/ARM64 CRC instructions where available, so there is no
// third-party library in the retrieved pack that improves on it.
package crc32c

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the crc32c checksum of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, table)
}
