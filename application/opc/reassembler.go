package opc

// Reassembler accumulates a byte stream into frames.
//
// A reader asks [Reassembler.Next] where the next bytes should go, reads into
// it once, and reports the count to [Reassembler.Advance]. This keeps at most
// one frame buffered and never reads past the end of the current frame, so
// bytes of the following frame stay in the connection.
type Reassembler struct {
	headerLen int
	header    [HeaderLen]byte

	payloadLen int
	payload    [MaxPayloadLen + 1]byte
}

func NewReassembler() *Reassembler { return &Reassembler{} }

// Reset drops any partially received frame.
func (r *Reassembler) Reset() {
	r.headerLen = 0
	r.payloadLen = 0
}

// Pending reports whether a frame has been started but not finished.
func (r *Reassembler) Pending() bool {
	return r.headerLen > 0
}

func (r *Reassembler) expected() int {
	return int(ParseHeader(r.header).Length)
}

// Next returns the unfilled part of the header, or of the payload once the
// header is complete. It is never empty.
func (r *Reassembler) Next() []byte {
	if r.headerLen < HeaderLen {
		return r.header[r.headerLen:]
	}
	return r.payload[r.payloadLen:r.expected()]
}

// Advance records that n bytes were written into the slice returned by Next.
// When that completes a frame, the frame is returned and the reassembler
// starts over. The frame's payload is only valid until the next call to Advance.
func (r *Reassembler) Advance(n int) (Frame, bool) {
	if n <= 0 {
		return Frame{}, false
	}
	n = min(n, len(r.Next()))

	if r.headerLen < HeaderLen {
		r.headerLen += n
		// An empty payload completes the frame right after its header.
		if r.headerLen < HeaderLen || r.expected() > 0 {
			return Frame{}, false
		}
	} else {
		r.payloadLen += n
		if r.payloadLen < r.expected() {
			return Frame{}, false
		}
	}

	h := ParseHeader(r.header)
	f := Frame{
		Channel: h.Channel,
		Command: h.Command,
		Payload: r.payload[:r.payloadLen:r.payloadLen],
	}
	r.Reset()

	return f, true
}
