package poa_test

import (
	"github.com/nikitapn/nprpc-sub000/flat"
	"github.com/nikitapn/nprpc-sub000/poa"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type stubServant struct{ class string }

func (s *stubServant) GetClass() string { return s.class }
func (s *stubServant) Dispatch(uint8, *flat.Buffer, *flat.Buffer) error { return nil }

var _ = Describe("POA", func() {
	var origin [16]byte

	It("allocates system-generated ids from the free list", func() {
		p := poa.New(0, 4, poa.Transient, poa.SystemGenerated)
		id1, err := p.Activate(&stubServant{class: "Foo"}, 0, origin, 0, nil)
		Expect(err).NotTo(HaveOccurred())
		id2, err := p.Activate(&stubServant{class: "Foo"}, 0, origin, 0, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(id1).NotTo(Equal(id2))
	})

	It("fails activation once capacity is exceeded", func() {
		p := poa.New(0, 1, poa.Transient, poa.SystemGenerated)
		_, err := p.Activate(&stubServant{class: "Foo"}, 0, origin, 0, nil)
		Expect(err).NotTo(HaveOccurred())
		_, err = p.Activate(&stubServant{class: "Foo"}, 0, origin, 0, nil)
		Expect(err).To(MatchError(poa.ErrCapacityExceeded))
	})

	It("returns ErrNotFound for a lookup after Deactivate", func() {
		p := poa.New(0, 4, poa.Transient, poa.SystemGenerated)
		id, _ := p.Activate(&stubServant{class: "Foo"}, 0, origin, 0, nil)
		Expect(p.Deactivate(id)).To(Succeed())
		_, err := p.Get(id)
		Expect(err).To(MatchError(poa.ErrNotFound))
	})

	It("defers destruction while a Guard is outstanding", func() {
		p := poa.New(0, 4, poa.Transient, poa.SystemGenerated)
		id, _ := p.Activate(&stubServant{class: "Foo"}, 0, origin, 0, nil)
		guard, err := p.Get(id)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.Deactivate(id)).To(Succeed())
		// the slot is tombstoned but not yet freed: a system-id allocation
		// for a fresh object must not reuse this id while guard is live.
		_, err = p.Get(id)
		Expect(err).To(MatchError(poa.ErrNotFound))

		guard.Release()
		// after release, the freed id becomes available again
		newID, err := p.Activate(&stubServant{class: "Bar"}, 0, origin, 0, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(newID).To(Equal(id))
	})

	It("rejects a user-supplied id outside the slot table", func() {
		p := poa.New(0, 4, poa.Transient, poa.UserSupplied)
		_, err := p.Activate(&stubServant{class: "Foo"}, 0, origin, 99, nil)
		Expect(err).To(MatchError(poa.ErrCapacityExceeded))
	})
})

var _ = Describe("ReferenceList", func() {
	It("bumps and releases the owning servant's refcount", func() {
		p := poa.New(0, 4, poa.Transient, poa.SystemGenerated)
		var origin [16]byte
		id, _ := p.Activate(&stubServant{class: "Foo"}, 0, origin, 0, nil)

		rl := poa.NewReferenceList(8)
		Expect(rl.Add(p, id)).To(Succeed())
		Expect(rl.Len()).To(Equal(1))

		Expect(rl.Remove(0, id)).To(Succeed())
		Expect(rl.Len()).To(Equal(0))
	})

	It("rejects additions past the per-session cap", func() {
		p := poa.New(0, 4, poa.Transient, poa.SystemGenerated)
		var origin [16]byte
		rl := poa.NewReferenceList(1)
		id1, _ := p.Activate(&stubServant{class: "A"}, 0, origin, 0, nil)
		id2, _ := p.Activate(&stubServant{class: "B"}, 0, origin, 0, nil)

		Expect(rl.Add(p, id1)).To(Succeed())
		Expect(rl.Add(p, id2)).To(HaveOccurred())
	})
})
