package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/MEOFIXBUG/walrus/errs"
)

func TestSegmentAppendRead(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, 1)
	if err != nil {
		t.Fatalf("CreateSegment error = %v", err)
	}
	defer seg.Close()

	for i := 0; i < 10; i++ {
		seq, err := seg.Append([]byte(fmt.Sprintf("record-%d", i)))
		if err != nil {
			t.Fatalf("Append error = %v", err)
		}
		if seq != uint64(i) {
			t.Fatalf("Append seq = %d, want %d", seq, i)
		}
	}
	if seg.Entries() != 10 {
		t.Fatalf("Entries = %d, want 10", seg.Entries())
	}

	for i := 9; i >= 0; i-- {
		got, err := seg.ReadAt(uint64(i))
		if err != nil {
			t.Fatalf("ReadAt(%d) error = %v", i, err)
		}
		if want := fmt.Sprintf("record-%d", i); string(got) != want {
			t.Fatalf("ReadAt(%d) = %q, want %q", i, got, want)
		}
	}

	if _, err := seg.ReadAt(10); !errors.Is(err, errs.ErrEntryOutOfRange) {
		t.Fatalf("ReadAt(10) error = %v, want ErrEntryOutOfRange", err)
	}
}

func TestSegmentSparseIndexLargeRecords(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, 1)
	if err != nil {
		t.Fatalf("CreateSegment error = %v", err)
	}
	defer seg.Close()

	// Records large enough to force multiple index checkpoints.
	value := make([]byte, 2048)
	for i := 0; i < 50; i++ {
		if _, err := seg.Append(value); err != nil {
			t.Fatalf("Append error = %v", err)
		}
	}
	got, err := seg.ReadAt(47)
	if err != nil {
		t.Fatalf("ReadAt(47) error = %v", err)
	}
	if len(got) != len(value) {
		t.Fatalf("ReadAt(47) len = %d, want %d", len(got), len(value))
	}
}

func TestSegmentReopen(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, 3)
	if err != nil {
		t.Fatalf("CreateSegment error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := seg.Append([]byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Append error = %v", err)
		}
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}

	reopened, err := OpenSegment(dir, 3)
	if err != nil {
		t.Fatalf("OpenSegment error = %v", err)
	}
	defer reopened.Close()

	if reopened.Entries() != 5 {
		t.Fatalf("Entries after reopen = %d, want 5", reopened.Entries())
	}
	got, err := reopened.ReadAt(4)
	if err != nil {
		t.Fatalf("ReadAt error = %v", err)
	}
	if string(got) != "v4" {
		t.Fatalf("ReadAt(4) = %q, want v4", got)
	}

	// Appends continue from the recovered sequence.
	seq, err := reopened.Append([]byte("v5"))
	if err != nil {
		t.Fatalf("Append after reopen error = %v", err)
	}
	if seq != 5 {
		t.Fatalf("Append seq = %d, want 5", seq)
	}
}

func TestSegmentRecoveryTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, 1)
	if err != nil {
		t.Fatalf("CreateSegment error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := seg.Append([]byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Append error = %v", err)
		}
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}

	// Simulate a crash mid-write: a partial record at the end of the store.
	storePath := filepath.Join(dir, storeFileName(1))
	f, err := os.OpenFile(storePath, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := f.Write([]byte{0x03, 0x00, 0x00}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	reopened, err := OpenSegment(dir, 1)
	if err != nil {
		t.Fatalf("OpenSegment error = %v", err)
	}
	defer reopened.Close()

	if reopened.Entries() != 3 {
		t.Fatalf("Entries after recovery = %d, want 3", reopened.Entries())
	}
	got, err := reopened.ReadAt(2)
	if err != nil {
		t.Fatalf("ReadAt after recovery error = %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("ReadAt(2) = %q, want v2", got)
	}
}

func TestSegmentRemove(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, 7)
	if err != nil {
		t.Fatalf("CreateSegment error = %v", err)
	}
	if _, err := seg.Append([]byte("x")); err != nil {
		t.Fatalf("Append error = %v", err)
	}
	if err := seg.Remove(); err != nil {
		t.Fatalf("Remove error = %v", err)
	}
	if SegmentExists(dir, 7) {
		t.Fatalf("store file still exists after Remove")
	}
	if _, err := os.Stat(filepath.Join(dir, indexFileName(7))); !os.IsNotExist(err) {
		t.Fatalf("index file still exists after Remove")
	}
}
