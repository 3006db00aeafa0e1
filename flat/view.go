package flat

import "fmt"

// String field layout: 4-byte relative offset + 4-byte length at the field
// location; bytes (which may include a NUL) stored later in the buffer. A
// relative offset of 0 means the string is empty/absent — field data can
// never legitimately point back at its own field header.
const StringFieldSize = 8

// WriteStringField allocates s's bytes at the end of the buffer and installs
// a relative offset + length pair at fieldOffset.
func (b *Buffer) WriteStringField(fieldOffset int, s string) error {
	if err := b.checkRange(fieldOffset, StringFieldSize); err != nil {
		return err
	}
	if len(s) == 0 {
		b.PutU32(fieldOffset, 0)
		b.PutU32(fieldOffset+4, 0)
		return nil
	}
	dataOffset, err := b.Alloc(len(s))
	if err != nil {
		return err
	}
	copy(b.buf[dataOffset:dataOffset+len(s)], s)
	rel := uint32(dataOffset - fieldOffset)
	b.PutU32(fieldOffset, rel)
	b.PutU32(fieldOffset+4, uint32(len(s)))
	return nil
}

// ReadStringField reads the string installed by WriteStringField, bounds
// checking the resolved data range against the buffer's committed size.
func (b *Buffer) ReadStringField(fieldOffset int) (string, error) {
	if err := b.checkRange(fieldOffset, StringFieldSize); err != nil {
		return "", err
	}
	rel := b.GetU32(fieldOffset)
	if rel == 0 {
		return "", nil
	}
	length := int(b.GetU32(fieldOffset + 4))
	dataOffset := fieldOffset + int(rel)
	if err := b.checkRange(dataOffset, length); err != nil {
		return "", err
	}
	return string(b.buf[dataOffset : dataOffset+length]), nil
}

// VectorFieldSize mirrors StringFieldSize: offset + element count.
const VectorFieldSize = 8

// WriteVectorField allocates len(data) bytes at the end of the buffer
// (elemSize * count, pre-serialized by the caller) and installs the
// relative offset + count pair at fieldOffset.
func (b *Buffer) WriteVectorField(fieldOffset int, data []byte, count int) error {
	if err := b.checkRange(fieldOffset, VectorFieldSize); err != nil {
		return err
	}
	if count == 0 {
		b.PutU32(fieldOffset, 0)
		b.PutU32(fieldOffset+4, 0)
		return nil
	}
	dataOffset, err := b.Alloc(len(data))
	if err != nil {
		return err
	}
	copy(b.buf[dataOffset:dataOffset+len(data)], data)
	rel := uint32(dataOffset - fieldOffset)
	b.PutU32(fieldOffset, rel)
	b.PutU32(fieldOffset+4, uint32(count))
	return nil
}

// ReadVectorField resolves the raw byte range backing a vector field; the
// caller reinterprets it per its element type and size.
func (b *Buffer) ReadVectorField(fieldOffset, elemSize int) (data []byte, count int, err error) {
	if err = b.checkRange(fieldOffset, VectorFieldSize); err != nil {
		return nil, 0, err
	}
	rel := b.GetU32(fieldOffset)
	if rel == 0 {
		return nil, 0, nil
	}
	count = int(b.GetU32(fieldOffset + 4))
	dataOffset := fieldOffset + int(rel)
	byteLen := count * elemSize
	if err = b.checkRange(dataOffset, byteLen); err != nil {
		return nil, 0, err
	}
	return b.buf[dataOffset : dataOffset+byteLen], count, nil
}

// OptionalFieldSize is the 4-byte relative offset preceding an optional
// value; 0 means absent, otherwise it points at the value.
const OptionalFieldSize = 4

// WriteOptionalField allocates valueSize bytes for the optional's payload
// (zeroed; caller fills it in afterward via the returned offset) and wires
// up the relative offset. present=false leaves the field as "absent" and
// allocates nothing.
func (b *Buffer) WriteOptionalField(fieldOffset, valueSize int, present bool) (dataOffset int, err error) {
	if err = b.checkRange(fieldOffset, OptionalFieldSize); err != nil {
		return 0, err
	}
	if !present {
		b.PutU32(fieldOffset, 0)
		return 0, nil
	}
	dataOffset, err = b.AllocAligned(valueSize, 8)
	if err != nil {
		return 0, err
	}
	rel := uint32(dataOffset - fieldOffset)
	if rel == 0 {
		return 0, fmt.Errorf("flat: optional value aliases its own field header")
	}
	b.PutU32(fieldOffset, rel)
	return dataOffset, nil
}

// ReadOptionalField resolves an optional field to its value offset, or
// reports present=false if the relative offset is 0.
func (b *Buffer) ReadOptionalField(fieldOffset int) (dataOffset int, present bool, err error) {
	if err = b.checkRange(fieldOffset, OptionalFieldSize); err != nil {
		return 0, false, err
	}
	rel := b.GetU32(fieldOffset)
	if rel == 0 {
		return 0, false, nil
	}
	return fieldOffset + int(rel), true, nil
}

// VersionFieldSize is the width of the optional per-struct version tag a
// generated struct's accessor may carry at a fixed header offset, used when
// the struct was declared with an optional version attribute.
const VersionFieldSize = 2

// WriteVersionField stores a struct's version tag at fieldOffset; structs
// without a version attribute never call this and the field is absent.
func (b *Buffer) WriteVersionField(fieldOffset int, version uint16) error {
	if err := b.checkRange(fieldOffset, VersionFieldSize); err != nil {
		return err
	}
	b.PutU16(fieldOffset, version)
	return nil
}

// ReadVersionField reads back a version tag written by WriteVersionField.
func (b *Buffer) ReadVersionField(fieldOffset int) (uint16, error) {
	if err := b.checkRange(fieldOffset, VersionFieldSize); err != nil {
		return 0, err
	}
	return b.GetU16(fieldOffset), nil
}

// Direct is a non-owning in-place accessor carrying (buffer, offset). Reads
// and writes go through it directly; growing the owned buffer it points
// into invalidates it (tracked via the buffer's generation counter), so
// callers must Refetch after any write that may have grown the buffer.
type Direct struct {
	buf    *Buffer
	offset int
	gen    int
}

// NewDirect returns a Direct accessor rooted at offset in the buffer's
// current generation.
func NewDirect(b *Buffer, offset int) Direct {
	return Direct{buf: b, offset: offset, gen: b.gen}
}

// Stale reports whether the owning buffer has reallocated since this
// accessor was created or last refetched.
func (d Direct) Stale() bool { return d.buf.gen != d.gen }

// Refetch re-validates the accessor against the buffer's current
// generation; call after any write that may have grown the buffer.
func (d *Direct) Refetch() { d.gen = d.buf.gen }

func (d Direct) Offset() int { return d.offset }
func (d Direct) Buffer() *Buffer { return d.buf }

func (d Direct) Field(relOffset int) Direct {
	return Direct{buf: d.buf, offset: d.offset + relOffset, gen: d.gen}
}

// Version reads the version tag at this accessor's position plus relOffset,
// the convention a generated struct accessor uses when declared with an
// optional version attribute.
func (d Direct) Version(relOffset int) (uint16, error) {
	return d.buf.ReadVersionField(d.offset + relOffset)
}
