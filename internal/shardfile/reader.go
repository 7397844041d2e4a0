package shardfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Reader gives constant-time keyed access to a finalized shard file. The
// header and index are loaded and verified at open; payload bytes are read
// on demand.
type Reader struct {
	r      io.ReaderAt
	closer io.Closer
	count  int
	seeds  []uint32
	slots  []byte
}

// Open opens the shard file at path read-only.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rd, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	rd.closer = f
	return rd, nil
}

// NewReader loads and verifies the header and index from r. The caller
// keeps ownership of r unless it arrived via Open.
func NewReader(r io.ReaderAt) (*Reader, error) {
	hdrBuf := make([]byte, headerSize)
	if _, err := r.ReadAt(hdrBuf, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	h, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if h.count > 0 && h.indexOff < headerSize {
		return nil, fmt.Errorf("%w: index offset inside header", ErrCorrupt)
	}

	index := make([]byte, h.indexLen+footerSize)
	if _, err := r.ReadAt(index, int64(h.indexOff)); err != nil {
		return nil, fmt.Errorf("%w: read index: %v", ErrCorrupt, err)
	}
	footer := index[h.indexLen:]
	index = index[:h.indexLen]

	crc := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	crc.Write(hdrBuf)
	crc.Write(index)
	if crc.Sum32() != binary.LittleEndian.Uint32(footer) {
		return nil, fmt.Errorf("%w: index checksum mismatch", ErrCorrupt)
	}

	rd := &Reader{r: r, count: int(h.count)}
	if h.count == 0 {
		return rd, nil
	}
	if len(index) < 8 {
		return nil, fmt.Errorf("%w: truncated index", ErrCorrupt)
	}
	nbuckets := binary.LittleEndian.Uint64(index[0:8])
	want := 8 + 4*nbuckets + slotSize*h.count
	if uint64(len(index)) != want {
		return nil, fmt.Errorf("%w: index length %d, want %d", ErrCorrupt, len(index), want)
	}
	rd.seeds = make([]uint32, nbuckets)
	for i := range rd.seeds {
		rd.seeds[i] = binary.LittleEndian.Uint32(index[8+4*i:])
	}
	rd.slots = index[8+4*nbuckets:]
	return rd, nil
}

// Count returns the number of objects in the shard.
func (rd *Reader) Count() int {
	return rd.count
}

// Close releases the underlying file when the reader owns it.
func (rd *Reader) Close() error {
	if rd.closer != nil {
		return rd.closer.Close()
	}
	return nil
}

func (rd *Reader) slot(i int) (key []byte, offset, length uint64) {
	off := slotSize * i
	entry := rd.slots[off : off+slotSize]
	return entry[:KeySize],
		binary.LittleEndian.Uint64(entry[KeySize:]),
		binary.LittleEndian.Uint64(entry[KeySize+8:])
}

// Get returns the content stored under key. The perfect hash is a total
// function, so the slot key is compared with the requested one before any
// payload read; foreign keys return ErrNotFound. A payload frame that
// disagrees with its index slot returns ErrCorrupt.
func (rd *Reader) Get(key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("bad key length %d", len(key))
	}
	if rd.count == 0 {
		return nil, ErrNotFound
	}
	b := bucketOf(key, len(rd.seeds))
	seed := rd.seeds[b]
	if seed == 0 {
		// Bucket was empty at build time, no key can live here.
		return nil, ErrNotFound
	}
	s := slotOf(key, seed, rd.count)
	slotKey, offset, length := rd.slot(s)
	if !bytes.Equal(slotKey, key) {
		return nil, ErrNotFound
	}

	frame := make([]byte, KeySize+8+length)
	if _, err := rd.r.ReadAt(frame, int64(offset)); err != nil {
		return nil, fmt.Errorf("%w: read payload: %v", ErrCorrupt, err)
	}
	if !bytes.Equal(frame[:KeySize], key) {
		return nil, fmt.Errorf("%w: payload key mismatch", ErrCorrupt)
	}
	if binary.LittleEndian.Uint64(frame[KeySize:KeySize+8]) != length {
		return nil, fmt.Errorf("%w: payload length mismatch", ErrCorrupt)
	}
	return frame[KeySize+8:], nil
}

// Contains reports whether key is in the shard without reading its payload.
func (rd *Reader) Contains(key []byte) bool {
	if len(key) != KeySize || rd.count == 0 {
		return false
	}
	b := bucketOf(key, len(rd.seeds))
	seed := rd.seeds[b]
	if seed == 0 {
		return false
	}
	slotKey, _, _ := rd.slot(slotOf(key, seed, rd.count))
	return bytes.Equal(slotKey, key)
}

// Iter streams every (key, content) pair in payload order. Used for
// mirroring.
func (rd *Reader) Iter(fn func(key, content []byte) error) error {
	offset := int64(headerSize)
	head := make([]byte, KeySize+8)
	for i := 0; i < rd.count; i++ {
		if _, err := rd.r.ReadAt(head, offset); err != nil {
			return fmt.Errorf("%w: read frame %d: %v", ErrCorrupt, i, err)
		}
		length := binary.LittleEndian.Uint64(head[KeySize:])
		content := make([]byte, length)
		if _, err := rd.r.ReadAt(content, offset+KeySize+8); err != nil {
			return fmt.Errorf("%w: read frame %d: %v", ErrCorrupt, i, err)
		}
		key := make([]byte, KeySize)
		copy(key, head[:KeySize])
		if err := fn(key, content); err != nil {
			return err
		}
		offset += int64(KeySize) + 8 + int64(length)
	}
	return nil
}
