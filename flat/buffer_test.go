package flat_test

import (
	"github.com/nikitapn/nprpc-sub000/flat"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Buffer", func() {
	It("round-trips scalar fields", func() {
		b := flat.NewOwned(32)
		off, err := b.Alloc(16)
		Expect(err).NotTo(HaveOccurred())
		b.PutU32(off, 0xdeadbeef)
		b.PutI64(off+4, -42)
		b.PutBool(off+12, true)

		Expect(b.GetU32(off)).To(Equal(uint32(0xdeadbeef)))
		Expect(b.GetI64(off + 4)).To(Equal(int64(-42)))
		Expect(b.GetBool(off + 12)).To(BeTrue())
	})

	It("grows owned buffers and bumps the generation on realloc", func() {
		b := flat.NewOwned(4)
		gen0 := b.Generation()
		_, err := b.Alloc(64)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Generation()).To(BeNumerically(">", gen0))
	})

	It("round-trips strings", func() {
		b := flat.NewOwned(64)
		fieldOff, err := b.Alloc(flat.StringFieldSize)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.WriteStringField(fieldOff, "hello nprpc")).To(Succeed())

		s, err := b.ReadStringField(fieldOff)
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(Equal("hello nprpc"))
	})

	It("treats empty strings as a zero relative offset", func() {
		b := flat.NewOwned(64)
		fieldOff, _ := b.Alloc(flat.StringFieldSize)
		Expect(b.WriteStringField(fieldOff, "")).To(Succeed())
		s, err := b.ReadStringField(fieldOff)
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(Equal(""))
	})

	It("rejects a vector whose offset points past the end of the buffer", func() {
		b := flat.NewOwned(64)
		fieldOff, _ := b.Alloc(flat.VectorFieldSize)
		b.PutU32(fieldOff, 0xDEADBEEF) // bogus relative offset
		b.PutU32(fieldOff+4, 4)        // claims 4 elements

		_, _, err := b.ReadVectorField(fieldOff, 1)
		Expect(err).To(HaveOccurred())
	})

	It("fails a View buffer write that exceeds its reservation instead of copying", func() {
		cell := make([]byte, 16)
		v := flat.NewView(cell, 7)
		Expect(v.WriteIdx()).To(Equal(uint32(7)))

		_, err := v.Alloc(8)
		Expect(err).NotTo(HaveOccurred())
		_, err = v.Alloc(16)
		Expect(err).To(MatchError(flat.ErrNoSpace))
	})

	It("round-trips an optional struct version tag", func() {
		b := flat.NewOwned(32)
		fieldOff, err := b.Alloc(flat.VersionFieldSize)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.WriteVersionField(fieldOff, 3)).To(Succeed())

		v, err := b.ReadVersionField(fieldOff)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(uint16(3)))

		d := flat.NewDirect(b, fieldOff)
		v, err = d.Version(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(uint16(3)))
	})
})
