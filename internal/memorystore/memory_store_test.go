package memorystore_test

import (
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cri-o/busconn/internal/memorystore"
)

type entry struct {
	name    string
	created time.Time
	touched atomic.Int32
}

func (e *entry) CreatedAt() time.Time { return e.created }

// The actual test suite.
var _ = t.Describe("MemoryStore", func() {
	var (
		sut   memorystore.Storer[*entry]
		now   time.Time
		older *entry
		newer *entry
	)

	BeforeEach(func() {
		sut = memorystore.New[*entry]()
		now = time.Now()
		older = &entry{name: "older", created: now.Add(-time.Minute)}
		newer = &entry{name: "newer", created: now}
	})

	It("should add, get and delete values", func() {
		// Given
		sut.Add("a", older)

		// When
		got, ok := sut.Get("a")
		_, missing := sut.Get("b")
		sut.Delete("a")
		_, afterDelete := sut.Get("a")

		// Then
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(older))
		Expect(missing).To(BeFalse())
		Expect(afterDelete).To(BeFalse())
		Expect(sut.Len()).To(BeZero())
	})

	It("should list the oldest value first", func() {
		// Given
		sut.Add("new", newer)
		sut.Add("old", older)

		// When
		values := sut.List()

		// Then
		Expect(values).To(Equal([]*entry{older, newer}))
	})

	It("should find the first matching value", func() {
		// Given
		sut.Add("new", newer)
		sut.Add("old", older)

		// When
		oldest, okAny := sut.First(nil)
		named, okNamed := sut.First(func(e *entry) bool { return e.name == "newer" })
		_, okNone := sut.First(func(*entry) bool { return false })

		// Then
		Expect(okAny).To(BeTrue())
		Expect(oldest).To(BeIdenticalTo(older))
		Expect(okNamed).To(BeTrue())
		Expect(named).To(BeIdenticalTo(newer))
		Expect(okNone).To(BeFalse())
	})

	It("should apply a function to every value", func() {
		// Given
		sut.Add("new", newer)
		sut.Add("old", older)

		// When
		sut.ApplyAll(func(e *entry) {
			e.touched.Add(1)
		})

		// Then
		Expect(older.touched.Load()).To(BeEquivalentTo(1))
		Expect(newer.touched.Load()).To(BeEquivalentTo(1))
	})
})
