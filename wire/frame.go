package wire

// Frame is a decoded (Header, Payload) pair.
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode concatenates the header bytes and payload. PayloadSize is
// recomputed from len(payload) so callers never need to keep it in sync by
// hand.
func (f Frame) Encode() []byte {
	f.Header.PayloadSize = uint32(len(f.Payload))
	buf := make([]byte, 0, HeaderSize+len(f.Payload))
	buf = append(buf, f.Header.Encode()...)
	buf = append(buf, f.Payload...)
	return buf
}

// Decode reads exactly HeaderSize header bytes then exactly payload_size
// more. Any shortfall, bad magic, or unknown opcode yields a typed error;
// Decode never panics on arbitrary input.
func Decode(b []byte, maxPayload uint32) (Frame, error) {
	h, err := DecodeHeader(b, maxPayload)
	if err != nil {
		return Frame{}, err
	}
	rest := b[HeaderSize:]
	if uint32(len(rest)) < h.PayloadSize {
		return Frame{}, &DecodeError{Err: ErrShortPayload, Opcode: h.Opcode}
	}
	if uint32(len(rest)) > h.PayloadSize {
		return Frame{}, &DecodeError{Err: ErrTrailingBytes, Opcode: h.Opcode}
	}
	payload := make([]byte, h.PayloadSize)
	copy(payload, rest[:h.PayloadSize])
	return Frame{Header: h, Payload: payload}, nil
}
