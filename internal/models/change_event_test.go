package models

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ChangeEvent", func() {
	Context("Kind", func() {
		It("accepts only the three known kinds", func() {
			Expect(KindInsert.Valid()).To(BeTrue())
			Expect(KindUpdate.Valid()).To(BeTrue())
			Expect(KindDelete.Valid()).To(BeTrue())
			Expect(Kind(0).Valid()).To(BeFalse())
			Expect(kindEnd.Valid()).To(BeFalse())
			Expect(NumKinds).To(Equal(3))
		})

		It("round trips through ParseKind", func() {
			for _, k := range []Kind{KindInsert, KindUpdate, KindDelete} {
				parsed, err := ParseKind(k.String())
				Expect(err).ToNot(HaveOccurred())
				Expect(parsed).To(Equal(k))
			}

			parsed, err := ParseKind("delete")
			Expect(err).ToNot(HaveOccurred())
			Expect(parsed).To(Equal(KindDelete))

			_, err = ParseKind("TRUNCATE")
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Row", func() {
		It("distinguishes an absent column from a NULL one", func() {
			row := RowOf("id", 1, "name", nil)

			v, ok := row.Get("name")
			Expect(ok).To(BeTrue())
			Expect(v).To(BeNil())

			_, ok = row.Get("missing")
			Expect(ok).To(BeFalse())
		})

		It("keeps column order", func() {
			Expect(RowOf("b", 1, "a", 2, "c", 3).Names()).To(Equal([]string{"b", "a", "c"}))
		})

		It("panics on malformed pairs", func() {
			Expect(func() { RowOf("id") }).To(Panic())
			Expect(func() { RowOf(1, 2) }).To(Panic())
		})
	})

	Context("Validate", func() {
		expectInvalid := func(e *ChangeEvent, reason string) {
			err := e.Validate()
			Expect(err).To(HaveOccurred())

			var te *TranslationError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Reason).To(ContainSubstring(reason))
		}

		It("accepts well formed events", func() {
			Expect((&ChangeEvent{Kind: KindInsert, TargetTable: "t", After: RowOf("id", 1)}).Validate()).To(Succeed())
			Expect((&ChangeEvent{
				Kind: KindUpdate, TargetTable: "t", KeyColumns: []string{"id"},
				Before: RowOf("id", 1), After: RowOf("id", 2),
			}).Validate()).To(Succeed())
			Expect((&ChangeEvent{
				Kind: KindDelete, TargetTable: "t", KeyColumns: []string{"id"}, Before: RowOf("id", nil),
			}).Validate()).To(Succeed())
		})

		It("rejects unknown kinds", func() {
			expectInvalid(&ChangeEvent{Kind: Kind(42), TargetTable: "t"}, "unknown kind")
		})

		It("rejects an empty table", func() {
			expectInvalid(&ChangeEvent{Kind: KindInsert, After: RowOf("id", 1)}, "target table")
		})

		It("rejects missing images", func() {
			expectInvalid(&ChangeEvent{Kind: KindInsert, TargetTable: "t"}, "after image")
			expectInvalid(&ChangeEvent{
				Kind: KindUpdate, TargetTable: "t", KeyColumns: []string{"id"}, After: RowOf("id", 1),
			}, "both before and after")
			expectInvalid(&ChangeEvent{Kind: KindDelete, TargetTable: "t", KeyColumns: []string{"id"}}, "before image")
		})

		It("requires key columns for update and delete", func() {
			expectInvalid(&ChangeEvent{Kind: KindDelete, TargetTable: "t", Before: RowOf("id", 1)}, "no key columns")
		})

		It("requires key columns to be present in the key image", func() {
			expectInvalid(&ChangeEvent{
				Kind: KindDelete, TargetTable: "t", KeyColumns: []string{"id"}, Before: RowOf("name", "a"),
			}, `"id"`)
			expectInvalid(&ChangeEvent{
				Kind: KindUpdate, TargetTable: "t", KeyColumns: []string{"id"},
				Before: RowOf("name", "a"), After: RowOf("id", 1, "name", "b"),
			}, `"id"`)
		})
	})

	Context("values", func() {
		It("formats values as text", func() {
			Expect(FormatValue("a")).To(Equal("a"))
			Expect(FormatValue([]byte("b"))).To(Equal("b"))
			Expect(FormatValue(42)).To(Equal("42"))
			Expect(FormatValue(1.5)).To(Equal("1.5"))
			Expect(FormatValue(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))).To(Equal("2024-01-02 03:04:05"))
		})

		It("compares NULLs and text", func() {
			Expect(ValuesEqual(nil, nil)).To(BeTrue())
			Expect(ValuesEqual(nil, "")).To(BeFalse())
			Expect(ValuesEqual("", nil)).To(BeFalse())
			Expect(ValuesEqual(1, "1")).To(BeTrue())
			Expect(ValuesEqual([]byte("x"), "x")).To(BeTrue())
			Expect(ValuesEqual("a", "b")).To(BeFalse())
		})
	})
})
