package shardfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// SyncWriter is what the writer needs from the pool handle: sequential
// writes, a seek back to the header, and a durability barrier. Both regular
// files and mapped block devices satisfy it.
type SyncWriter interface {
	io.WriteSeeker
	Sync() error
}

// Writer streams objects into a shard file. Payload frames are written as
// they arrive; only the key set and per-object offsets are kept in memory,
// so packing a shard costs O(count) memory regardless of payload size.
type Writer struct {
	f         SyncWriter
	buf       *bufio.Writer
	offset    uint64
	keys      [][]byte
	offsets   []uint64
	lengths   []uint64
	finalized bool
}

// NewWriter starts a shard file on f. A placeholder header is written
// immediately and rewritten with real index offsets by Finalize.
func NewWriter(f SyncWriter, expected int) (*Writer, error) {
	w := &Writer{
		f:       f,
		buf:     bufio.NewWriterSize(f, 1<<20),
		offset:  headerSize,
		keys:    make([][]byte, 0, expected),
		offsets: make([]uint64, 0, expected),
		lengths: make([]uint64, 0, expected),
	}
	var h header
	if _, err := w.buf.Write(h.encode()); err != nil {
		return nil, err
	}
	return w, nil
}

// Put appends one object. Keys must be unique across the whole file;
// duplicates make Finalize fail.
func (w *Writer) Put(key, content []byte) error {
	if w.finalized {
		return fmt.Errorf("put after finalize")
	}
	if len(key) != KeySize {
		return fmt.Errorf("bad key length %d", len(key))
	}
	if _, err := w.buf.Write(key); err != nil {
		return err
	}
	var lenbuf [8]byte
	binary.LittleEndian.PutUint64(lenbuf[:], uint64(len(content)))
	if _, err := w.buf.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(content); err != nil {
		return err
	}
	k := make([]byte, KeySize)
	copy(k, key)
	w.keys = append(w.keys, k)
	w.offsets = append(w.offsets, w.offset)
	w.lengths = append(w.lengths, uint64(len(content)))
	w.offset += KeySize + 8 + uint64(len(content))
	return nil
}

// Count returns the number of objects written so far.
func (w *Writer) Count() int {
	return len(w.keys)
}

// Finalize builds the perfect-hash index, writes it with its checksum,
// rewrites the header, and syncs. After Finalize the file is complete; the
// pool handle still controls when it becomes visible under its final name.
func (w *Writer) Finalize() error {
	if w.finalized {
		return fmt.Errorf("already finalized")
	}
	w.finalized = true

	seeds, slots, err := buildIndex(w.keys)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	m := len(w.keys)
	index := make([]byte, 8+4*len(seeds)+slotSize*m)
	binary.LittleEndian.PutUint64(index[0:8], uint64(len(seeds)))
	for i, seed := range seeds {
		binary.LittleEndian.PutUint32(index[8+4*i:], seed)
	}
	slotBase := 8 + 4*len(seeds)
	for i, key := range w.keys {
		off := slotBase + slotSize*slots[i]
		copy(index[off:off+KeySize], key)
		binary.LittleEndian.PutUint64(index[off+KeySize:], w.offsets[i])
		binary.LittleEndian.PutUint64(index[off+KeySize+8:], w.lengths[i])
	}

	h := header{
		count:    uint64(m),
		indexOff: w.offset,
		indexLen: uint64(len(index)),
	}
	hdr := h.encode()

	crc := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	crc.Write(hdr)
	crc.Write(index)
	var footer [footerSize]byte
	binary.LittleEndian.PutUint32(footer[:], crc.Sum32())

	if _, err := w.buf.Write(index); err != nil {
		return err
	}
	if _, err := w.buf.Write(footer[:]); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.f.Write(hdr); err != nil {
		return err
	}
	return w.f.Sync()
}
