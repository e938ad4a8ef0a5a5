package checker

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("MissingPrivileges", func() {
	It("finds nothing missing when every privilege is granted", func() {
		grants := []string{
			"GRANT SELECT, REPLICATION SLAVE, REPLICATION CLIENT ON *.* TO `repl`@`%`",
		}

		Expect(MissingPrivileges(grants, SourcePrivileges)).To(BeEmpty())
	})

	It("lists the privileges no grant mentions", func() {
		grants := []string{
			"GRANT USAGE ON *.* TO `writer`@`%`",
			"GRANT INSERT, UPDATE ON `app`.* TO `writer`@`%`",
		}

		Expect(MissingPrivileges(grants, TargetPrivileges)).To(Equal([]string{"DELETE"}))
	})

	It("accepts ALL PRIVILEGES", func() {
		grants := []string{"GRANT ALL PRIVILEGES ON `app`.* TO `writer`@`%`"}

		Expect(MissingPrivileges(grants, TargetPrivileges)).To(BeEmpty())
	})

	It("is case insensitive", func() {
		grants := []string{"grant select, replication slave, replication client on *.* to repl"}

		Expect(MissingPrivileges(grants, SourcePrivileges)).To(BeEmpty())
	})

	It("reports everything when there are no grants", func() {
		Expect(MissingPrivileges(nil, SourcePrivileges)).To(Equal(SourcePrivileges))
	})
})

var _ = Describe("FullRowImage", func() {
	It("accepts FULL in any case", func() {
		Expect(FullRowImage("FULL")).To(BeTrue())
		Expect(FullRowImage("full")).To(BeTrue())
	})

	It("rejects partial images", func() {
		Expect(FullRowImage("MINIMAL")).To(BeFalse())
		Expect(FullRowImage("NOBLOB")).To(BeFalse())
	})
})
