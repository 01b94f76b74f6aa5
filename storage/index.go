package storage

import (
	"encoding/binary"
	"os"

	"github.com/tysonmote/gommap"
)

// IndexEntry maps a record's sequence number within its segment to the
// physical position of the record in the store file. The index is sparse:
// one entry per indexIntervalBytes of store data, plus the first record.
//
// On-disk layout per entry: [RelativeSeq 4 bytes][Position 8 bytes].
const (
	indexEntrySize   = 4 + 8
	initialIndexSize = 12 * 1024 // 1024 entries
)

var indexByteOrder = binary.LittleEndian

type IndexEntry struct {
	RelativeSeq uint32
	Position    uint64
}

// Index is the mmap'd sparse index file for a segment store.
type Index struct {
	file *os.File
	mmap gommap.MMap
	size int64
}

func OpenIndex(path string) (*Index, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	size := stat.Size()
	if size == 0 {
		if err := file.Truncate(initialIndexSize); err != nil {
			file.Close()
			return nil, err
		}
	}
	m, err := gommap.Map(file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Index{file: file, mmap: m, size: size}, nil
}

func (idx *Index) Write(relSeq uint32, position uint64) error {
	if idx.size+indexEntrySize > int64(len(idx.mmap)) {
		if err := idx.grow(); err != nil {
			return err
		}
	}
	buf := idx.mmap[idx.size : idx.size+indexEntrySize]
	indexByteOrder.PutUint32(buf[0:4], relSeq)
	indexByteOrder.PutUint64(buf[4:12], position)
	idx.size += indexEntrySize
	return nil
}

func (idx *Index) grow() error {
	newSize := int64(len(idx.mmap)) * 2
	if err := idx.mmap.UnsafeUnmap(); err != nil {
		return err
	}
	if err := idx.file.Truncate(newSize); err != nil {
		return err
	}
	m, err := gommap.Map(idx.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return err
	}
	idx.mmap = m
	return nil
}

func (idx *Index) entry(i int64) IndexEntry {
	pos := i * indexEntrySize
	buf := idx.mmap[pos : pos+indexEntrySize]
	return IndexEntry{
		RelativeSeq: indexByteOrder.Uint32(buf[0:4]),
		Position:    indexByteOrder.Uint64(buf[4:12]),
	}
}

// Find returns the last index entry with RelativeSeq <= relSeq, or false if
// no such entry exists.
func (idx *Index) Find(relSeq uint32) (IndexEntry, bool) {
	count := idx.size / indexEntrySize
	if count == 0 {
		return IndexEntry{}, false
	}
	var (
		result IndexEntry
		found  bool
	)
	low, high := int64(0), count-1
	for low <= high {
		mid := (low + high) / 2
		e := idx.entry(mid)
		if e.RelativeSeq <= relSeq {
			result = e
			found = true
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return result, found
}

// Last returns the highest index entry, or false if the index is empty.
func (idx *Index) Last() (IndexEntry, bool) {
	count := idx.size / indexEntrySize
	if count == 0 {
		return IndexEntry{}, false
	}
	return idx.entry(count - 1), true
}

// TruncateAfter drops index entries pointing past the given store position.
// Used by crash recovery after a torn tail is cut off.
func (idx *Index) TruncateAfter(position uint64) error {
	truncateSize := idx.size
	count := idx.size / indexEntrySize
	for i := count - 1; i >= 0; i-- {
		if idx.entry(i).Position <= position {
			break
		}
		truncateSize -= indexEntrySize
	}
	if truncateSize == idx.size {
		return nil
	}
	idx.size = truncateSize
	return idx.file.Truncate(idx.size)
}

func (idx *Index) Close() error {
	if err := idx.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	if err := idx.file.Sync(); err != nil {
		return err
	}
	if err := idx.file.Truncate(idx.size); err != nil {
		return err
	}
	return idx.file.Close()
}
