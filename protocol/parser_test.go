package protocol_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/penberg/sphinx/protocol"
)

var _ = Describe("Parser", func() {
	var p *protocol.Parser

	BeforeEach(func() {
		p = protocol.NewParser()
	})

	It("reports needMore on an empty buffer", func() {
		_, needMore, clientErr, err := p.Next()
		Expect(needMore).To(BeTrue())
		Expect(clientErr).NotTo(HaveOccurred())
		Expect(err).NotTo(HaveOccurred())
	})

	It("parses a get command with multiple keys", func() {
		p.Feed([]byte("get foo bar\r\n"))
		cmd, needMore, clientErr, err := p.Next()
		Expect(needMore).To(BeFalse())
		Expect(clientErr).NotTo(HaveOccurred())
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd.Kind).To(Equal(protocol.KindGet))
		Expect(cmd.Keys).To(Equal([]string{"foo", "bar"}))
	})

	It("parses a set command whose value arrives in a later Feed", func() {
		p.Feed([]byte("set mykey 0 0 5\r\n"))
		_, needMore, clientErr, err := p.Next()
		Expect(needMore).To(BeTrue())
		Expect(clientErr).NotTo(HaveOccurred())
		Expect(err).NotTo(HaveOccurred())

		p.Feed([]byte("hello\r\n"))
		cmd, needMore, clientErr, err := p.Next()
		Expect(needMore).To(BeFalse())
		Expect(clientErr).NotTo(HaveOccurred())
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd.Kind).To(Equal(protocol.KindSet))
		Expect(cmd.Item.Key).To(Equal("mykey"))
		Expect(cmd.Blob).To(Equal([]byte("hello")))
		Expect(cmd.NoReply).To(BeFalse())
	})

	It("parses set with noreply", func() {
		p.Feed([]byte("set mykey 0 0 3 noreply\r\nabc\r\n"))
		cmd, needMore, clientErr, err := p.Next()
		Expect(needMore).To(BeFalse())
		Expect(clientErr).NotTo(HaveOccurred())
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd.NoReply).To(BeTrue())
	})

	It("parses delete", func() {
		p.Feed([]byte("delete mykey\r\n"))
		cmd, _, clientErr, err := p.Next()
		Expect(clientErr).NotTo(HaveOccurred())
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd.Kind).To(Equal(protocol.KindDelete))
		Expect(cmd.Keys).To(Equal([]string{"mykey"}))
	})

	It("reports a client error for an unknown command without losing stream sync", func() {
		p.Feed([]byte("bogus\r\nget ok\r\n"))
		_, _, clientErr, err := p.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(clientErr).To(HaveOccurred())

		cmd, _, clientErr, err := p.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(clientErr).NotTo(HaveOccurred())
		Expect(cmd.Keys).To(Equal([]string{"ok"}))
	})

	It("rejects a set whose declared size exceeds the item size limit", func() {
		p.Feed([]byte("set k 0 0 999999999\r\n"))
		_, _, clientErr, err := p.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(clientErr).To(MatchError(ContainSubstring("too large item")))
	})

	It("parses two pipelined commands fed in a single chunk", func() {
		p.Feed([]byte("set a 0 0 1\r\nx\r\nset b 0 0 1\r\ny\r\n"))

		cmd1, _, clientErr, err := p.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(clientErr).NotTo(HaveOccurred())
		Expect(cmd1.Item.Key).To(Equal("a"))

		cmd2, _, clientErr, err := p.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(clientErr).NotTo(HaveOccurred())
		Expect(cmd2.Item.Key).To(Equal("b"))
	})

	It("parses a command split across many single-byte feeds", func() {
		line := "set slow 0 0 2\r\nhi\r\n"
		var cmd *protocol.Command
		var clientErr, err error
		var needMore bool
		for i := 0; i < len(line); i++ {
			p.Feed([]byte{line[i]})
			cmd, needMore, clientErr, err = p.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(clientErr).NotTo(HaveOccurred())
			if !needMore {
				break
			}
		}
		Expect(needMore).To(BeFalse())
		Expect(cmd.Item.Key).To(Equal("slow"))
		Expect(cmd.Blob).To(Equal([]byte("hi")))
	})
})
