package metrics

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var _ = Describe("Sink metrics", func() {
	It("is safe on a nil receiver", func() {
		var m *Sink

		Expect(func() {
			m.Submitted("INSERT")
			m.Started()
			m.Succeeded("INSERT", time.Millisecond)
			m.Failed("INSERT", "other", time.Millisecond)
			m.Abandoned("INSERT")
			m.Retried()
			m.NoOp()
			m.TranslationFailed()
			m.FailureDropped()
		}).ToNot(Panic())
	})

	It("tracks a statement from submission to completion", func() {
		m := New(prometheus.NewRegistry())

		m.Submitted("INSERT")
		m.Submitted("DELETE")
		Expect(testutil.ToFloat64(m.queueDepth)).To(Equal(2.0))

		m.Started()
		Expect(testutil.ToFloat64(m.queueDepth)).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.inFlight)).To(Equal(1.0))

		m.Succeeded("INSERT", 5*time.Millisecond)
		Expect(testutil.ToFloat64(m.inFlight)).To(BeZero())
		Expect(testutil.ToFloat64(m.succeeded.WithLabelValues("INSERT"))).To(Equal(1.0))

		m.Started()
		m.Failed("DELETE", "timeout", time.Second)
		Expect(testutil.ToFloat64(m.failed.WithLabelValues("DELETE", "timeout"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.queueDepth)).To(BeZero())
		Expect(testutil.ToFloat64(m.inFlight)).To(BeZero())
	})

	It("counts abandoned statements as failures", func() {
		m := New(prometheus.NewRegistry())

		m.Submitted("UPDATE")
		m.Abandoned("UPDATE")

		Expect(testutil.ToFloat64(m.queueDepth)).To(BeZero())
		Expect(testutil.ToFloat64(m.failed.WithLabelValues("UPDATE", "abandoned"))).To(Equal(1.0))
	})

	It("counts side events", func() {
		m := New(prometheus.NewRegistry())

		m.Retried()
		m.Retried()
		m.NoOp()
		m.TranslationFailed()
		m.FailureDropped()

		Expect(testutil.ToFloat64(m.retries)).To(Equal(2.0))
		Expect(testutil.ToFloat64(m.noops)).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.translationErrors)).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.failuresDropped)).To(Equal(1.0))
	})

	It("refuses to register twice on one registry", func() {
		reg := prometheus.NewRegistry()
		New(reg)

		Expect(func() { New(reg) }).To(Panic())
	})
})
