// Package storage holds the on-disk record bytes for topics: one append-only
// store file per segment with an mmap'd sparse index, grouped into per-topic
// logs keyed by metadata-assigned segment ids.
package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/MEOFIXBUG/walrus/errs"
)

const (
	indexIntervalBytes = 4 * 1024
	writeBufferSize    = 64 * 1024

	seqWidth    = 8
	lenWidth    = 4
	headerWidth = seqWidth + lenWidth
)

var storeByteOrder = indexByteOrder

// Segment is one bounded span of a topic's log. Record layout in the store
// file: [Seq 8 bytes][Len 4 bytes][Value]. Seq is the record's 0-based
// sequence within the segment.
type Segment struct {
	ID  uint64
	dir string

	mu              sync.Mutex
	store           *os.File
	bufw            *bufio.Writer
	index           *Index
	entries         uint64
	writePos        int64
	bytesSinceIndex uint64
}

func storeFileName(id uint64) string { return fmt.Sprintf("%020d.wal", id) }
func indexFileName(id uint64) string { return fmt.Sprintf("%020d.idx", id) }

// CreateSegment creates a fresh segment with the given metadata-assigned id.
func CreateSegment(dir string, id uint64) (*Segment, error) {
	store, err := os.OpenFile(filepath.Join(dir, storeFileName(id)), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	index, err := OpenIndex(filepath.Join(dir, indexFileName(id)))
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Segment{
		ID:    id,
		dir:   dir,
		store: store,
		bufw:  bufio.NewWriterSize(store, writeBufferSize),
		index: index,
	}, nil
}

// OpenSegment opens an existing segment and recovers its end of log,
// truncating any torn tail left by a crash.
func OpenSegment(dir string, id uint64) (*Segment, error) {
	store, err := os.OpenFile(filepath.Join(dir, storeFileName(id)), os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	index, err := OpenIndex(filepath.Join(dir, indexFileName(id)))
	if err != nil {
		store.Close()
		return nil, err
	}
	s := &Segment{
		ID:    id,
		dir:   dir,
		store: store,
		bufw:  bufio.NewWriterSize(store, writeBufferSize),
		index: index,
	}
	if err := s.recover(); err != nil {
		store.Close()
		index.Close()
		return nil, errs.ErrSegmentRecover(err)
	}
	return s, nil
}

// SegmentExists reports whether a store file for the id is present in dir.
func SegmentExists(dir string, id uint64) bool {
	_, err := os.Stat(filepath.Join(dir, storeFileName(id)))
	return err == nil
}

func (s *Segment) Append(value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.entries
	header := make([]byte, headerWidth)
	storeByteOrder.PutUint64(header[0:seqWidth], seq)
	storeByteOrder.PutUint32(header[seqWidth:headerWidth], uint32(len(value)))
	if _, err := s.bufw.Write(header); err != nil {
		return 0, err
	}
	if _, err := s.bufw.Write(value); err != nil {
		return 0, err
	}

	s.bytesSinceIndex += uint64(headerWidth + len(value))
	if seq == 0 || s.bytesSinceIndex >= indexIntervalBytes {
		// Flush so the indexed position is durable before the index entry.
		if err := s.bufw.Flush(); err != nil {
			return 0, err
		}
		if err := s.index.Write(uint32(seq), uint64(s.writePos)); err != nil {
			return 0, err
		}
		s.bytesSinceIndex = 0
	}
	s.writePos += int64(headerWidth + len(value))
	s.entries++
	return seq, nil
}

// ReadAt returns the value of the record with the given sequence number.
func (s *Segment) ReadAt(seq uint64) ([]byte, error) {
	s.mu.Lock()
	if err := s.bufw.Flush(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	entries := s.entries
	writePos := s.writePos
	s.mu.Unlock()

	if seq >= entries {
		return nil, errs.ErrEntryOutOfRangef(seq, entries)
	}

	var pos int64
	if e, ok := s.index.Find(uint32(seq)); ok {
		pos = int64(e.Position)
	}
	for pos < writePos {
		header := make([]byte, headerWidth)
		if _, err := s.store.ReadAt(header, pos); err != nil {
			return nil, err
		}
		recSeq := storeByteOrder.Uint64(header[0:seqWidth])
		recLen := storeByteOrder.Uint32(header[seqWidth:headerWidth])
		if recSeq == seq {
			if pos+int64(headerWidth)+int64(recLen) > writePos {
				return nil, io.ErrUnexpectedEOF
			}
			value := make([]byte, recLen)
			if _, err := s.store.ReadAt(value, pos+headerWidth); err != nil {
				return nil, err
			}
			return value, nil
		}
		if recSeq > seq {
			return nil, errs.ErrIndexNotFound
		}
		pos += int64(headerWidth) + int64(recLen)
	}
	return nil, io.EOF
}

// recover scans forward from the last index checkpoint, verifies each record
// is complete, and truncates the store to the last confirmed byte.
func (s *Segment) recover() error {
	var (
		startPos int64
		nextSeq  uint64
	)
	if last, ok := s.index.Last(); ok {
		startPos = int64(last.Position)
		nextSeq = uint64(last.RelativeSeq)
	}

	if _, err := s.store.Seek(startPos, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(s.store)
	pos := startPos
	seq := nextSeq
	for {
		header, err := reader.Peek(headerWidth)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}
		recSeq := storeByteOrder.Uint64(header[0:seqWidth])
		recLen := storeByteOrder.Uint32(header[seqWidth:headerWidth])
		// A mismatched sequence means a ghost write from a crash.
		if recSeq != seq {
			break
		}
		entrySize := int64(headerWidth) + int64(recLen)
		if _, err := reader.Discard(int(entrySize)); err != nil {
			break // partial record at end of file
		}
		pos += entrySize
		seq++
	}

	if err := s.store.Truncate(pos); err != nil {
		return err
	}
	if _, err := s.store.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	s.writePos = pos
	s.entries = seq
	s.bufw.Reset(s.store)
	return s.index.TruncateAfter(uint64(pos))
}

// Entries returns the number of records in the segment.
func (s *Segment) Entries() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries
}

func (s *Segment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufw.Flush()
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bufw.Flush(); err != nil {
		return err
	}
	if err := s.store.Close(); err != nil {
		return err
	}
	return s.index.Close()
}

// Remove closes the segment and deletes its store and index files.
func (s *Segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, indexFileName(s.ID))); err != nil {
		return err
	}
	return os.Remove(filepath.Join(s.dir, storeFileName(s.ID)))
}
