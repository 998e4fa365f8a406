package blockdev

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeTempImage(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path
}

func TestOpenComputesSectorCount(t *testing.T) {
	path := writeTempImage(t, 1<<20) // 1 MiB
	b, err := Open(path, ModeRW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if got, want := b.SectorCount(), uint64(1<<20)/SectorSize; got != want {
		t.Fatalf("SectorCount = %d, want %d", got, want)
	}
}

func TestReadWriteRoundTripRW(t *testing.T) {
	path := writeTempImage(t, 4*SectorSize)
	b, err := Open(path, ModeRW)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	payload := bytes.Repeat([]byte{0xAB}, SectorSize)
	if err := b.WriteSectors(1, payload); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	got := make([]byte, SectorSize)
	if err := b.ReadSectors(1, got); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back mismatch")
	}
}

func TestWriteRejectedInReadOnlyMode(t *testing.T) {
	path := writeTempImage(t, 2*SectorSize)
	b, err := Open(path, ModeRO)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if err := b.WriteSectors(0, make([]byte, SectorSize)); err == nil {
		t.Fatalf("expected write to fail in read-only mode")
	}
}

func TestSnapshotIsolatesBackingFile(t *testing.T) {
	path := writeTempImage(t, 2*SectorSize)
	b, err := Open(path, ModeSnapshot)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	original := make([]byte, SectorSize)
	if err := b.ReadSectors(0, original); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}

	overlay := bytes.Repeat([]byte{0xFF}, SectorSize)
	if err := b.WriteSectors(0, overlay); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}

	got := make([]byte, SectorSize)
	if err := b.ReadSectors(0, got); err != nil {
		t.Fatalf("ReadSectors after write: %v", err)
	}
	if !bytes.Equal(got, overlay) {
		t.Fatalf("snapshot read did not observe overlay write")
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(onDisk[:SectorSize], original) {
		t.Fatalf("snapshot mode mutated the backing file")
	}
}

func TestSnapshotWritePastEndFails(t *testing.T) {
	path := writeTempImage(t, 1*SectorSize)
	b, err := Open(path, ModeSnapshot)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if err := b.WriteSectors(1, make([]byte, SectorSize)); err == nil {
		t.Fatalf("expected write past device end to fail")
	}
}
