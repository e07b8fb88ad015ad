package protocol

import (
	"encoding/binary"

	"github.com/facebookgo/stackerr"
)

// UdpHeaderSize is the fixed 8-byte header every UDP datagram carries:
// request_id, sequence_num, nr_datagrams and reserved, each a big-endian
// uint16.
const UdpHeaderSize = 8

// ErrMultiDatagramRequest is returned when a datagram's nr_datagrams field
// is anything other than 1. This server requires one request per datagram and never
// reassembles multi-datagram requests.
var ErrMultiDatagramRequest = stackerr.Newf("protocol: multi-datagram UDP requests are not supported")

// UdpHeader is the framing every UDP request and response carries ahead
// of its memcache text-protocol command.
type UdpHeader struct {
	RequestID   uint16
	SequenceNum uint16
	NrDatagrams uint16
	Reserved    uint16
}

// DecodeUdpHeader reads the 8-byte header from the front of a datagram
// and returns it along with the remaining payload bytes. It rejects any
// datagram whose nr_datagrams field is not 1.
func DecodeUdpHeader(datagram []byte) (UdpHeader, []byte, error) {
	if len(datagram) < UdpHeaderSize {
		return UdpHeader{}, nil, stackerr.Newf("protocol: UDP datagram shorter than header (%d bytes)", len(datagram))
	}
	h := UdpHeader{
		RequestID:   binary.BigEndian.Uint16(datagram[0:2]),
		SequenceNum: binary.BigEndian.Uint16(datagram[2:4]),
		NrDatagrams: binary.BigEndian.Uint16(datagram[4:6]),
		Reserved:    binary.BigEndian.Uint16(datagram[6:8]),
	}
	if h.NrDatagrams != 1 {
		return h, nil, ErrMultiDatagramRequest
	}
	return h, datagram[UdpHeaderSize:], nil
}

// EncodeUdpResponse prepends a response header — echoing requestID and
// sequenceNum, with nr_datagrams fixed at 1 and reserved at 0 — to
// payload, returning the full datagram ready to send.
func EncodeUdpResponse(requestID, sequenceNum uint16, payload []byte) []byte {
	out := make([]byte, UdpHeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], requestID)
	binary.BigEndian.PutUint16(out[2:4], sequenceNum)
	binary.BigEndian.PutUint16(out[4:6], 1)
	binary.BigEndian.PutUint16(out[6:8], 0)
	copy(out[UdpHeaderSize:], payload)
	return out
}
