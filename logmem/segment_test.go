package logmem_test

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/penberg/sphinx/logmem"
)

var _ = Describe("Log invariants", func() {
	It("returns the appended blob from Find", func() {
		l := newLog(256, 64)
		key := []byte("stable")
		value := []byte("value")
		Expect(l.Append(key, value)).To(Succeed())
		view, ok := l.Find(key)
		Expect(ok).To(BeTrue())
		Expect(view).To(Equal(value))
	})

	It("accepts every append once space is reclaimed under sustained churn", func() {
		const regionSize = 2048
		const segmentSize = 128
		l := newLog(regionSize, segmentSize)
		for i := 0; i < 1000; i++ {
			key := []byte(fmt.Sprintf("k%d", i%30))
			blob := make([]byte, i%40)
			if err := l.Append(key, blob); err != nil {
				Expect(err).To(Equal(logmem.ErrOutOfMemory))
				l.Reclaim(logmem.SizeOf(len(key), len(blob)))
				Expect(l.Append(key, blob)).To(Succeed())
			}
		}
	})
})
