// Package fdt assembles the Flattened Device Tree blob describing where
// this module's devices sit in the guest's physical address space, so a
// boot loader or kernel can locate them without a hardcoded machine
// model.
//
// Grounded on tinyrange-cc/internal/fdt's Node/Property tree and
// recursive emitter for the struct-block/string-block/header framing,
// collapsed here into a builder driven directly by BuildMachine's fixed
// node shape rather than a general-purpose Node tree: this module only
// ever emits one machine layout, so the intermediate tree the teacher
// walks generically buys nothing and only duplicates its serializer.
package fdt

import (
	"bytes"
	"encoding/binary"
)

const (
	headerSize  = 0x28
	version     = 17
	lastCompVer = 16
	magic       = 0xd00dfeed

	beginNodeToken = 0x1
	endNodeToken   = 0x2
	propToken      = 0x3
	endToken       = 0x9
)

// builder accumulates the struct and strings blocks of an FDT blob as
// nodes and properties are emitted in document order.
type builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
}

func newBuilder() *builder {
	return &builder{stringsOff: make(map[string]uint32)}
}

func (b *builder) beginNode(name string) {
	b.writeToken(beginNodeToken)
	b.structBuf.WriteString(name)
	b.structBuf.WriteByte(0)
	b.padStruct()
}

func (b *builder) endNode() {
	b.writeToken(endNodeToken)
}

// stringsProp emits a property holding one or more NUL-terminated
// strings, the device-tree encoding for "compatible", "model", and
// similar text properties.
func (b *builder) stringsProp(name string, values ...string) {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	b.writeProp(name, buf.Bytes())
}

// u32Prop emits a property holding one or more big-endian 32-bit cells.
func (b *builder) u32Prop(name string, values ...uint32) {
	data := make([]byte, 0, len(values)*4)
	var tmp [4]byte
	for _, v := range values {
		binary.BigEndian.PutUint32(tmp[:], v)
		data = append(data, tmp[:]...)
	}
	b.writeProp(name, data)
}

// u64Prop emits a property holding one or more big-endian 64-bit cells,
// used for "reg" values under this machine's #address-cells/#size-cells
// = 2/2.
func (b *builder) u64Prop(name string, values ...uint64) {
	data := make([]byte, 0, len(values)*8)
	var tmp [8]byte
	for _, v := range values {
		binary.BigEndian.PutUint64(tmp[:], v)
		data = append(data, tmp[:]...)
	}
	b.writeProp(name, data)
}

// flagProp emits a zero-length boolean property such as "ranges" on an
// identity-mapped simple-bus node.
func (b *builder) flagProp(name string) {
	b.writeProp(name, nil)
}

func (b *builder) writeProp(name string, value []byte) {
	b.writeToken(propToken)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(value)))
	b.structBuf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], b.stringOffset(name))
	b.structBuf.Write(tmp[:])
	b.structBuf.Write(value)
	b.padStruct()
}

func (b *builder) finish() []byte {
	b.writeToken(endToken)
	b.padStruct()

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()

	memReserve := make([]byte, 16)

	offMemReserve := headerSize
	offStruct := offMemReserve + len(memReserve)
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := blob[:headerSize]
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint32(header[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(header[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(header[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(header[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(header[20:24], version)
	binary.BigEndian.PutUint32(header[24:28], lastCompVer)
	binary.BigEndian.PutUint32(header[28:32], 0)
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[offMemReserve:], memReserve)
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)

	return blob
}

func (b *builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *builder) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	b.structBuf.Write(tmp[:])
}

func (b *builder) padStruct() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}
