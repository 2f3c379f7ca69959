package storage

import "hash/crc64"

// crcTable is shared across every backup log reader/writer; crc64.Table
// is safe for concurrent read-only use once built.
var crcTable = crc64.MakeTable(crc64.ISO)

// CRC64 computes the checksum used to frame backup log blocks (§6.2):
// one CRC64-ISO value over the preceding size-prefix + record bytes.
func CRC64(b []byte) uint64 {
	return crc64.Checksum(b, crcTable)
}
