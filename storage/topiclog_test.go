package storage

import (
	"fmt"
	"testing"
)

func readOne(t *testing.T, l *TopicLog) (string, bool) {
	t.Helper()
	value, ok, err := l.ReadOneShared()
	if err != nil {
		t.Fatalf("ReadOneShared error = %v", err)
	}
	return string(value), ok
}

func TestTopicLogAppendAndSharedCursor(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenTopicLog(dir, "orders", 1)
	if err != nil {
		t.Fatalf("OpenTopicLog error = %v", err)
	}
	defer l.Close()

	if _, ok := readOne(t, l); ok {
		t.Fatalf("empty topic should be exhausted")
	}

	for i := 0; i < 3; i++ {
		if _, err := l.Append([]byte(fmt.Sprintf("r%d", i))); err != nil {
			t.Fatalf("Append error = %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		got, ok := readOne(t, l)
		if !ok || got != fmt.Sprintf("r%d", i) {
			t.Fatalf("read %d = %q %v, want r%d", i, got, ok, i)
		}
	}
	if _, ok := readOne(t, l); ok {
		t.Fatalf("cursor should be exhausted after reading all records")
	}

	// The cursor does not rewind; a new record is the next read.
	if _, err := l.Append([]byte("r3")); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	if got, ok := readOne(t, l); !ok || got != "r3" {
		t.Fatalf("read after append = %q %v, want r3", got, ok)
	}
}

func TestTopicLogSealAndRoll(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenTopicLog(dir, "orders", 1)
	if err != nil {
		t.Fatalf("OpenTopicLog error = %v", err)
	}
	defer l.Close()

	if _, err := l.Append([]byte("sealed-1")); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	if err := l.SealAndRoll(2); err != nil {
		t.Fatalf("SealAndRoll error = %v", err)
	}
	if l.ActiveID() != 2 {
		t.Fatalf("ActiveID = %d, want 2", l.ActiveID())
	}
	if _, err := l.Append([]byte("open-1")); err != nil {
		t.Fatalf("Append error = %v", err)
	}

	// Cursor crosses the segment boundary oldest-first.
	if got, ok := readOne(t, l); !ok || got != "sealed-1" {
		t.Fatalf("first read = %q %v, want sealed-1", got, ok)
	}
	if got, ok := readOne(t, l); !ok || got != "open-1" {
		t.Fatalf("second read = %q %v, want open-1", got, ok)
	}

	wantIDs := []uint64{1, 2}
	gotIDs := l.SegmentIDs()
	if len(gotIDs) != 2 || gotIDs[0] != wantIDs[0] || gotIDs[1] != wantIDs[1] {
		t.Fatalf("SegmentIDs = %v, want %v", gotIDs, wantIDs)
	}
}

func TestTopicLogRemoveSegmentsSkipsCursor(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenTopicLog(dir, "orders", 1)
	if err != nil {
		t.Fatalf("OpenTopicLog error = %v", err)
	}
	defer l.Close()

	if _, err := l.Append([]byte("old")); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	if err := l.SealAndRoll(2); err != nil {
		t.Fatalf("SealAndRoll error = %v", err)
	}
	if _, err := l.Append([]byte("new")); err != nil {
		t.Fatalf("Append error = %v", err)
	}

	// Retention removes segment 1 before anyone read it.
	if err := l.RemoveSegments([]uint64{1}); err != nil {
		t.Fatalf("RemoveSegments error = %v", err)
	}
	if SegmentExists(l.dir, 1) {
		t.Fatalf("segment 1 files should be gone")
	}

	// The cursor skips the removed segment.
	if got, ok := readOne(t, l); !ok || got != "new" {
		t.Fatalf("read after removal = %q %v, want new", got, ok)
	}

	// Removing the open segment's id is ignored.
	if err := l.RemoveSegments([]uint64{2}); err != nil {
		t.Fatalf("RemoveSegments(active) error = %v", err)
	}
	if !SegmentExists(l.dir, 2) {
		t.Fatalf("open segment must never be removed")
	}
}

func TestTopicLogReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenTopicLog(dir, "orders", 1)
	if err != nil {
		t.Fatalf("OpenTopicLog error = %v", err)
	}
	if _, err := l.Append([]byte("a")); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	if err := l.SealAndRoll(2); err != nil {
		t.Fatalf("SealAndRoll error = %v", err)
	}
	if _, err := l.Append([]byte("b")); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}

	reopened, err := OpenTopicLog(dir, "orders", 2)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if reopened.ActiveID() != 2 {
		t.Fatalf("ActiveID after reopen = %d, want 2", reopened.ActiveID())
	}
	// The shared cursor restarts at the oldest segment after reopen.
	if got, ok := readOne(t, reopened); !ok || got != "a" {
		t.Fatalf("first read after reopen = %q %v, want a", got, ok)
	}
	if got, ok := readOne(t, reopened); !ok || got != "b" {
		t.Fatalf("second read after reopen = %q %v, want b", got, ok)
	}
}
