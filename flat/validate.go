package flat

import "fmt"

// FieldKind tags what a Validate descriptor entry bounds-checks.
type FieldKind uint8

const (
	KindString FieldKind = iota
	KindVector
	KindOptional
	KindNestedStruct
)

// FieldDescriptor describes one field of an argument struct for the
// untrusted-interface safety check. Generated code (in a real deployment,
// the IDL compiler's output) would emit one of these per variable-length
// or indirect field; here servants register them by hand for interfaces
// marked untrusted.
type FieldDescriptor struct {
	Offset   int
	Kind     FieldKind
	ElemSize int               // for KindVector: size of one element
	Nested   []FieldDescriptor // for KindOptional/KindNestedStruct: fields relative to the resolved offset
}

// ValidateStruct recursively bounds-checks base..base+structSize and every
// field the descriptors name, exactly as the router's safety-check pass
// does before dispatching into an untrusted interface. It never panics: a
// malformed offset or length is reported as an error, and the caller
// replies Error_BadInput and discards the frame without invoking the
// servant.
func (b *Buffer) ValidateStruct(base, structSize int, fields []FieldDescriptor) error {
	if err := b.checkRange(base, structSize); err != nil {
		return fmt.Errorf("flat: struct base out of bounds: %w", err)
	}
	for _, f := range fields {
		fieldOffset := base + f.Offset
		switch f.Kind {
		case KindString:
			if err := b.checkRange(fieldOffset, StringFieldSize); err != nil {
				return err
			}
			rel := b.GetU32(fieldOffset)
			if rel == 0 {
				continue
			}
			length := int(b.GetU32(fieldOffset + 4))
			if length < 0 {
				return fmt.Errorf("flat: negative string length at offset %d", fieldOffset)
			}
			if err := b.checkRange(fieldOffset+int(rel), length); err != nil {
				return fmt.Errorf("flat: string field at %d: %w", fieldOffset, err)
			}
		case KindVector:
			if err := b.checkRange(fieldOffset, VectorFieldSize); err != nil {
				return err
			}
			rel := b.GetU32(fieldOffset)
			if rel == 0 {
				continue
			}
			count := int(b.GetU32(fieldOffset + 4))
			if count < 0 {
				return fmt.Errorf("flat: negative vector count at offset %d", fieldOffset)
			}
			byteLen := count * f.ElemSize
			if f.ElemSize != 0 && byteLen/f.ElemSize != count {
				return fmt.Errorf("flat: vector length overflow at offset %d", fieldOffset)
			}
			if err := b.checkRange(fieldOffset+int(rel), byteLen); err != nil {
				return fmt.Errorf("flat: vector field at %d: %w", fieldOffset, err)
			}
		case KindOptional:
			if err := b.checkRange(fieldOffset, OptionalFieldSize); err != nil {
				return err
			}
			rel := b.GetU32(fieldOffset)
			if rel == 0 {
				continue
			}
			nestedBase := fieldOffset + int(rel)
			if err := b.ValidateStruct(nestedBase, 0, f.Nested); err != nil {
				return fmt.Errorf("flat: optional field at %d: %w", fieldOffset, err)
			}
		case KindNestedStruct:
			if err := b.ValidateStruct(fieldOffset, 0, f.Nested); err != nil {
				return fmt.Errorf("flat: nested struct field at %d: %w", fieldOffset, err)
			}
		default:
			return fmt.Errorf("flat: unknown field kind %d at offset %d", f.Kind, fieldOffset)
		}
	}
	return nil
}
