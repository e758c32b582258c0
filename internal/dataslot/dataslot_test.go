package dataslot_test

import (
	"github.com/cri-o/busconn/internal/dataslot"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// The actual test suite
var _ = t.Describe("DataSlot", func() {
	var sut *dataslot.Allocator

	BeforeEach(func() {
		sut = dataslot.NewAllocator("test")
	})

	t.Describe("Allocator", func() {
		It("should allocate distinct slots", func() {
			// Given
			a, b := dataslot.Unallocated, dataslot.Unallocated

			// When
			Expect(sut.Allocate(&a)).To(Succeed())
			Expect(sut.Allocate(&b)).To(Succeed())

			// Then
			Expect(a).To(BeEquivalentTo(0))
			Expect(b).To(BeEquivalentTo(1))
			Expect(sut.Used()).To(Equal(2))
		})

		It("should reference count a shared slot variable", func() {
			// Given
			slot := dataslot.Unallocated
			Expect(sut.Allocate(&slot)).To(Succeed())
			Expect(sut.Allocate(&slot)).To(Succeed())

			// When
			sut.Free(&slot)

			// Then
			Expect(slot).To(BeEquivalentTo(0))
			Expect(sut.Allocated(slot)).To(BeTrue())

			// When
			sut.Free(&slot)

			// Then
			Expect(slot).To(Equal(dataslot.Unallocated))
			Expect(sut.Used()).To(BeZero())
		})

		It("should reuse freed slots", func() {
			// Given
			a, b := dataslot.Unallocated, dataslot.Unallocated
			Expect(sut.Allocate(&a)).To(Succeed())
			Expect(sut.Allocate(&b)).To(Succeed())
			sut.Free(&a)

			// When
			c := dataslot.Unallocated
			Expect(sut.Allocate(&c)).To(Succeed())

			// Then
			Expect(c).To(BeEquivalentTo(0))
		})

		It("should fail to bump a stale slot", func() {
			// Given
			slot := int32(7)

			// When
			err := sut.Allocate(&slot)

			// Then
			Expect(err).To(MatchError(dataslot.ErrInvalidSlot))
		})
	})

	t.Describe("List", func() {
		var (
			list *dataslot.List
			slot int32
		)

		BeforeEach(func() {
			list = &dataslot.List{}
			slot = dataslot.Unallocated
			Expect(sut.Allocate(&slot)).To(Succeed())
		})

		It("should set and get data", func() {
			// Given
			// When
			old, err := list.Set(sut, slot, "value", nil)

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(old.Data).To(BeNil())
			Expect(list.Get(sut, slot)).To(Equal("value"))
		})

		It("should hand back the previous entry on overwrite", func() {
			// Given
			freed := []any{}
			free := func(d any) { freed = append(freed, d) }
			_, err := list.Set(sut, slot, "first", free)
			Expect(err).NotTo(HaveOccurred())

			// When
			old, err := list.Set(sut, slot, "second", free)
			old.Release()

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(freed).To(Equal([]any{"first"}))
		})

		It("should fail on unallocated slots", func() {
			// Given
			// When
			_, err := list.Set(sut, 42, "value", nil)

			// Then
			Expect(err).To(MatchError(dataslot.ErrInvalidSlot))
			Expect(list.Get(sut, 42)).To(BeNil())
		})

		It("should return all entries on clear", func() {
			// Given
			freed := 0
			_, err := list.Set(sut, slot, "value", func(any) { freed++ })
			Expect(err).NotTo(HaveOccurred())

			// When
			for _, e := range list.Clear() {
				e.Release()
			}

			// Then
			Expect(freed).To(Equal(1))
			Expect(list.Get(sut, slot)).To(BeNil())
		})
	})
})
