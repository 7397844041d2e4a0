// Package shardfile implements the immutable RO-shard container: a
// perfect-hash-indexed table of 32-byte keys to blobs with constant-time
// lookup. A file is written exactly once by the packer and read forever
// after; there is no update path.
//
// Layout:
//
//	header   64 bytes: magic, version, object count, index offset/length
//	payload  per object: key[32] | length u64 | content
//	index    bucket count u64, bucket seeds u32 each,
//	         one 48-byte slot (key, offset, length) per object
//	footer   CRC-32C over header and index
//
// The index is a hash-and-displace table: a first-level hash groups keys
// into buckets, and a per-bucket seed displaces every key of the bucket to a
// distinct slot. Lookups hash twice and compare the slot key, so keys
// outside the built set fall out as not found.
package shardfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// KeySize is the fixed width of object ids.
	KeySize = 32

	headerSize = 64
	slotSize   = KeySize + 8 + 8
	footerSize = 4

	version = 1

	// Average keys per bucket in the displacement index. Smaller means
	// larger seed tables and faster builds.
	bucketLoad = 4
)

var magic = [8]byte{'W', 'R', 'Y', 'S', 'H', 'A', 'R', 'D'}

var (
	// ErrNotFound means the key is not in the shard.
	ErrNotFound = errors.New("key not found in shard")

	// ErrCorrupt means the file failed structural verification: bad
	// magic, version, checksum, or a payload frame disagreeing with the
	// index. Fatal for the shard; operators must intervene.
	ErrCorrupt = errors.New("shard file corrupt")
)

type header struct {
	count    uint64
	indexOff uint64
	indexLen uint64
}

func (h *header) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], version)
	binary.LittleEndian.PutUint64(buf[16:24], h.count)
	binary.LittleEndian.PutUint64(buf[24:32], h.indexOff)
	binary.LittleEndian.PutUint64(buf[32:40], h.indexLen)
	return buf
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if [8]byte(buf[0:8]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(buf[8:12]); v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	return &header{
		count:    binary.LittleEndian.Uint64(buf[16:24]),
		indexOff: binary.LittleEndian.Uint64(buf[24:32]),
		indexLen: binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}
