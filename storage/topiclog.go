package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/MEOFIXBUG/walrus/errs"
)

// TopicLog holds one topic's segments on this node. Segment ids are assigned
// by the replicated metadata: the open segment is the topic's current
// segment, sealed segments stay readable until retention removes them.
//
// The shared read cursor walks records oldest-first across segments; every
// reader of the topic advances the same cursor.
type TopicLog struct {
	Topic string

	mu        sync.Mutex
	dir       string
	active    *Segment
	sealed    map[uint64]*Segment
	cursorSeg uint64
	cursorSeq uint64
}

// OpenTopicLog opens (or creates) the topic's directory under baseDir,
// recovers any existing segment files, and ensures a segment with activeID
// is open for appends.
func OpenTopicLog(baseDir, topic string, activeID uint64) (*TopicLog, error) {
	dir := filepath.Join(baseDir, topic)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, ent := range entries {
		var id uint64
		if n, err := fmt.Sscanf(ent.Name(), "%020d.wal", &id); n == 1 && err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	l := &TopicLog{
		Topic:  topic,
		dir:    dir,
		sealed: make(map[uint64]*Segment),
	}
	for _, id := range ids {
		if id == activeID {
			continue
		}
		seg, err := OpenSegment(dir, id)
		if err != nil {
			l.closeAllLocked()
			return nil, err
		}
		l.sealed[id] = seg
	}
	if SegmentExists(dir, activeID) {
		l.active, err = OpenSegment(dir, activeID)
	} else {
		l.active, err = CreateSegment(dir, activeID)
	}
	if err != nil {
		l.closeAllLocked()
		return nil, err
	}

	l.cursorSeg = activeID
	if len(ids) > 0 && ids[0] < activeID {
		l.cursorSeg = ids[0]
	}
	return l, nil
}

// Append writes a record to the open segment and returns its sequence
// number within that segment.
func (l *TopicLog) Append(value []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active.Append(value)
}

// ActiveID returns the open segment's id.
func (l *TopicLog) ActiveID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active.ID
}

// ActiveEntries returns the number of records in the open segment.
func (l *TopicLog) ActiveEntries() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active.Entries()
}

// SealAndRoll closes the current open segment into the sealed set and opens
// a fresh segment with the metadata-assigned id.
func (l *TopicLog) SealAndRoll(newID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.active.Flush(); err != nil {
		return err
	}
	l.sealed[l.active.ID] = l.active
	seg, err := CreateSegment(l.dir, newID)
	if err != nil {
		delete(l.sealed, l.active.ID)
		return err
	}
	l.active = seg
	return nil
}

// ReadOneShared returns the next record under the shared cursor, or ok=false
// when the topic is exhausted. Segments removed by retention are skipped.
func (l *TopicLog) ReadOneShared() ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		seg := l.segmentLocked(l.cursorSeg)
		if seg == nil {
			next, ok := l.nextIDLocked(l.cursorSeg)
			if !ok {
				return nil, false, nil
			}
			l.cursorSeg, l.cursorSeq = next, 0
			continue
		}
		if l.cursorSeq < seg.Entries() {
			value, err := seg.ReadAt(l.cursorSeq)
			if err != nil {
				return nil, false, err
			}
			l.cursorSeq++
			return value, true, nil
		}
		if seg == l.active {
			return nil, false, nil
		}
		next, ok := l.nextIDLocked(l.cursorSeg + 1)
		if !ok {
			return nil, false, nil
		}
		l.cursorSeg, l.cursorSeq = next, 0
	}
}

// RemoveSegments deletes the sealed segments' files. Ids that are unknown or
// match the open segment are ignored; retention never touches the open
// segment's bytes.
func (l *TopicLog) RemoveSegments(ids []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		seg, ok := l.sealed[id]
		if !ok {
			continue
		}
		if err := seg.Remove(); err != nil {
			return err
		}
		delete(l.sealed, id)
	}
	return nil
}

// SegmentIDs returns all local segment ids, sealed and open, ascending.
func (l *TopicLog) SegmentIDs() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint64, 0, len(l.sealed)+1)
	for id := range l.sealed {
		ids = append(ids, id)
	}
	ids = append(ids, l.active.ID)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entries returns the record count of the given segment.
func (l *TopicLog) Entries(id uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seg := l.segmentLocked(id)
	if seg == nil {
		return 0, errs.ErrSegmentNotFoundf(l.Topic, id)
	}
	return seg.Entries(), nil
}

func (l *TopicLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeAllLocked()
}

func (l *TopicLog) closeAllLocked() error {
	for _, seg := range l.sealed {
		if err := seg.Close(); err != nil {
			return err
		}
	}
	if l.active != nil {
		return l.active.Close()
	}
	return nil
}

func (l *TopicLog) segmentLocked(id uint64) *Segment {
	if l.active != nil && l.active.ID == id {
		return l.active
	}
	return l.sealed[id]
}

// nextIDLocked returns the smallest existing segment id >= from.
func (l *TopicLog) nextIDLocked(from uint64) (uint64, bool) {
	var (
		best  uint64
		found bool
	)
	consider := func(id uint64) {
		if id < from {
			return
		}
		if !found || id < best {
			best = id
			found = true
		}
	}
	for id := range l.sealed {
		consider(id)
	}
	if l.active != nil {
		consider(l.active.ID)
	}
	return best, found
}
