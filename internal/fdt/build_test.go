package fdt

import (
	"encoding/binary"
	"testing"
)

func TestBuilderHeaderFields(t *testing.T) {
	b := newBuilder()
	b.beginNode("")
	b.stringsProp("compatible", "test,machine")
	b.endNode()
	blob := b.finish()

	if len(blob) < headerSize {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}
	if got := binary.BigEndian.Uint32(blob[0:4]); got != magic {
		t.Fatalf("magic = %#x, want %#x", got, magic)
	}
	if got := binary.BigEndian.Uint32(blob[4:8]); int(got) != len(blob) {
		t.Fatalf("totalsize = %d, want %d", got, len(blob))
	}
	if got := binary.BigEndian.Uint32(blob[20:24]); got != version {
		t.Fatalf("version = %d, want %d", got, version)
	}
}

func TestBuilderDedupsRepeatedPropertyNames(t *testing.T) {
	b := newBuilder()
	b.beginNode("")
	b.stringsProp("compatible", "a")
	b.beginNode("child")
	b.stringsProp("compatible", "b")
	b.endNode()
	b.endNode()
	blob := b.finish()

	stringsOff := binary.BigEndian.Uint32(blob[12:16])
	stringsLen := binary.BigEndian.Uint32(blob[32:36])
	strings := string(blob[stringsOff : stringsOff+stringsLen])
	if strings != "compatible\x00" {
		t.Fatalf("strings block = %q, want a single deduped %q entry", strings, "compatible\x00")
	}
}

func TestBuilderNestedNodesProduceNonEmptyBlob(t *testing.T) {
	b := newBuilder()
	b.beginNode("")
	b.beginNode("soc")
	b.beginNode("virtio@50010000")
	b.u64Prop("reg", 0x50010000, 0x1000)
	b.endNode()
	b.endNode()
	b.endNode()
	blob := b.finish()

	if len(blob) == 0 {
		t.Fatal("expected non-empty blob")
	}
}
