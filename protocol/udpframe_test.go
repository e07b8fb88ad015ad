package protocol_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/penberg/sphinx/protocol"
)

var _ = Describe("UDP framing", func() {
	It("decodes a well-formed single-datagram header", func() {
		datagram := protocol.EncodeUdpResponse(7, 0, []byte("get k\r\n"))
		// EncodeUdpResponse is also a valid request encoder, since the
		// header layout is symmetric between request and response.
		h, payload, err := protocol.DecodeUdpHeader(datagram)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.RequestID).To(Equal(uint16(7)))
		Expect(h.SequenceNum).To(Equal(uint16(0)))
		Expect(h.NrDatagrams).To(Equal(uint16(1)))
		Expect(string(payload)).To(Equal("get k\r\n"))
	})

	It("rejects a datagram shorter than the header", func() {
		_, _, err := protocol.DecodeUdpHeader([]byte{1, 2, 3})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a multi-datagram request", func() {
		datagram := make([]byte, protocol.UdpHeaderSize)
		datagram[4] = 0
		datagram[5] = 2 // nr_datagrams = 2
		_, _, err := protocol.DecodeUdpHeader(datagram)
		Expect(err).To(Equal(protocol.ErrMultiDatagramRequest))
	})

	It("echoes request id and sequence number in the response header", func() {
		out := protocol.EncodeUdpResponse(1234, 9, []byte("END\r\n"))
		h, payload, err := protocol.DecodeUdpHeader(out)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.RequestID).To(Equal(uint16(1234)))
		Expect(h.SequenceNum).To(Equal(uint16(9)))
		Expect(h.Reserved).To(Equal(uint16(0)))
		Expect(string(payload)).To(Equal("END\r\n"))
	})
})
