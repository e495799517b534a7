package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Control payloads (Hello, HelloReply, Goodbye, SyncRequest, SyncResponse)
// are CBOR-encoded per spec §6. No CBOR library appears anywhere in the
// reference corpus, so this file implements a minimal canonical CBOR
// encoder/decoder restricted to the major types these five fixed shapes
// need: 0 (uint), 2 (byte string), 3 (text string), 4 (array), 5 (map),
// 7 (bool/null). It is not a general-purpose CBOR implementation.

const (
	majUint     = 0
	majByteStr  = 2
	majTextStr  = 3
	majArray    = 4
	majMap      = 5
	majSimple   = 7
	simpleFalse = 20
	simpleTrue  = 21
	simpleNull  = 22
)

var ErrCBORTruncated = errors.New("wire: truncated cbor")
var ErrCBORMalformed = errors.New("wire: malformed cbor")

type cborWriter struct{ buf bytes.Buffer }

func (w *cborWriter) writeHead(major byte, n uint64) {
	hi := major << 5
	switch {
	case n < 24:
		w.buf.WriteByte(hi | byte(n))
	case n <= 0xff:
		w.buf.WriteByte(hi | 24)
		w.buf.WriteByte(byte(n))
	case n <= 0xffff:
		w.buf.WriteByte(hi | 25)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		w.buf.Write(b[:])
	case n <= 0xffffffff:
		w.buf.WriteByte(hi | 26)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		w.buf.Write(b[:])
	default:
		w.buf.WriteByte(hi | 27)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], n)
		w.buf.Write(b[:])
	}
}

func (w *cborWriter) uint(v uint64)       { w.writeHead(majUint, v) }
func (w *cborWriter) bytesVal(v []byte)   { w.writeHead(majByteStr, uint64(len(v))); w.buf.Write(v) }
func (w *cborWriter) text(v string)       { w.writeHead(majTextStr, uint64(len(v))); w.buf.WriteString(v) }
func (w *cborWriter) arrayHeader(n int)   { w.writeHead(majArray, uint64(n)) }
func (w *cborWriter) mapHeader(n int)     { w.writeHead(majMap, uint64(n)) }
func (w *cborWriter) boolVal(v bool) {
	if v {
		w.buf.WriteByte(majSimple<<5 | simpleTrue)
	} else {
		w.buf.WriteByte(majSimple<<5 | simpleFalse)
	}
}
func (w *cborWriter) null() { w.buf.WriteByte(majSimple<<5 | simpleNull) }

type cborReader struct {
	b   []byte
	pos int
}

func (r *cborReader) readHead() (major byte, val uint64, err error) {
	if r.pos >= len(r.b) {
		return 0, 0, ErrCBORTruncated
	}
	first := r.b[r.pos]
	r.pos++
	major = first >> 5
	info := first & 0x1f
	switch {
	case info < 24:
		val = uint64(info)
	case info == 24:
		if r.pos+1 > len(r.b) {
			return 0, 0, ErrCBORTruncated
		}
		val = uint64(r.b[r.pos])
		r.pos++
	case info == 25:
		if r.pos+2 > len(r.b) {
			return 0, 0, ErrCBORTruncated
		}
		val = uint64(binary.BigEndian.Uint16(r.b[r.pos:]))
		r.pos += 2
	case info == 26:
		if r.pos+4 > len(r.b) {
			return 0, 0, ErrCBORTruncated
		}
		val = uint64(binary.BigEndian.Uint32(r.b[r.pos:]))
		r.pos += 4
	case info == 27:
		if r.pos+8 > len(r.b) {
			return 0, 0, ErrCBORTruncated
		}
		val = binary.BigEndian.Uint64(r.b[r.pos:])
		r.pos += 8
	default:
		return 0, 0, ErrCBORMalformed
	}
	return major, val, nil
}

func (r *cborReader) uint() (uint64, error) {
	major, val, err := r.readHead()
	if err != nil {
		return 0, err
	}
	if major != majUint {
		return 0, fmt.Errorf("%w: expected uint, got major %d", ErrCBORMalformed, major)
	}
	return val, nil
}

func (r *cborReader) bytesVal() ([]byte, error) {
	major, n, err := r.readHead()
	if err != nil {
		return nil, err
	}
	if major != majByteStr {
		return nil, fmt.Errorf("%w: expected byte string, got major %d", ErrCBORMalformed, major)
	}
	if uint64(len(r.b)-r.pos) < n {
		return nil, ErrCBORTruncated
	}
	v := make([]byte, n)
	copy(v, r.b[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return v, nil
}

func (r *cborReader) text() (string, error) {
	major, n, err := r.readHead()
	if err != nil {
		return "", err
	}
	if major != majTextStr {
		return "", fmt.Errorf("%w: expected text string, got major %d", ErrCBORMalformed, major)
	}
	if uint64(len(r.b)-r.pos) < n {
		return "", ErrCBORTruncated
	}
	v := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return v, nil
}

func (r *cborReader) arrayHeader() (int, error) {
	major, n, err := r.readHead()
	if err != nil {
		return 0, err
	}
	if major != majArray {
		return 0, fmt.Errorf("%w: expected array, got major %d", ErrCBORMalformed, major)
	}
	return int(n), nil
}

func (r *cborReader) mapHeader() (int, error) {
	major, n, err := r.readHead()
	if err != nil {
		return 0, err
	}
	if major != majMap {
		return 0, fmt.Errorf("%w: expected map, got major %d", ErrCBORMalformed, major)
	}
	return int(n), nil
}

func (r *cborReader) boolVal() (bool, error) {
	if r.pos >= len(r.b) {
		return false, ErrCBORTruncated
	}
	b := r.b[r.pos]
	r.pos++
	switch b {
	case majSimple<<5 | simpleTrue:
		return true, nil
	case majSimple<<5 | simpleFalse:
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected bool", ErrCBORMalformed)
	}
}

func (r *cborReader) isNull() bool {
	return r.pos < len(r.b) && r.b[r.pos] == majSimple<<5|simpleNull
}

func (r *cborReader) skipNull() { r.pos++ }

// Hello is the first control payload a connecting client sends.
type Hello struct {
	Version      uint8
	Capabilities []string
	AuthToken    []byte // nil means absent
}

func (h Hello) Encode() []byte {
	var w cborWriter
	w.mapHeader(3)
	w.text("version")
	w.uint(uint64(h.Version))
	w.text("capabilities")
	w.arrayHeader(len(h.Capabilities))
	for _, c := range h.Capabilities {
		w.text(c)
	}
	w.text("auth_token")
	if h.AuthToken == nil {
		w.null()
	} else {
		w.bytesVal(h.AuthToken)
	}
	return w.buf.Bytes()
}

func DecodeHello(b []byte) (Hello, error) {
	r := &cborReader{b: b}
	n, err := r.mapHeader()
	if err != nil {
		return Hello{}, err
	}
	var h Hello
	for i := 0; i < n; i++ {
		key, err := r.text()
		if err != nil {
			return Hello{}, err
		}
		switch key {
		case "version":
			v, err := r.uint()
			if err != nil {
				return Hello{}, err
			}
			h.Version = uint8(v)
		case "capabilities":
			cn, err := r.arrayHeader()
			if err != nil {
				return Hello{}, err
			}
			h.Capabilities = make([]string, cn)
			for j := 0; j < cn; j++ {
				h.Capabilities[j], err = r.text()
				if err != nil {
					return Hello{}, err
				}
			}
		case "auth_token":
			if r.isNull() {
				r.skipNull()
				continue
			}
			h.AuthToken, err = r.bytesVal()
			if err != nil {
				return Hello{}, err
			}
		default:
			return Hello{}, fmt.Errorf("%w: unknown Hello key %q", ErrCBORMalformed, key)
		}
	}
	return h, nil
}

// HelloReply answers a Hello with the freshly assigned session id.
type HelloReply struct {
	SessionId    uint64
	Capabilities []string
	Challenge    []byte
}

func (h HelloReply) Encode() []byte {
	var w cborWriter
	w.mapHeader(3)
	w.text("session_id")
	w.uint(h.SessionId)
	w.text("capabilities")
	w.arrayHeader(len(h.Capabilities))
	for _, c := range h.Capabilities {
		w.text(c)
	}
	w.text("challenge")
	if h.Challenge == nil {
		w.null()
	} else {
		w.bytesVal(h.Challenge)
	}
	return w.buf.Bytes()
}

func DecodeHelloReply(b []byte) (HelloReply, error) {
	r := &cborReader{b: b}
	n, err := r.mapHeader()
	if err != nil {
		return HelloReply{}, err
	}
	var h HelloReply
	for i := 0; i < n; i++ {
		key, err := r.text()
		if err != nil {
			return HelloReply{}, err
		}
		switch key {
		case "session_id":
			h.SessionId, err = r.uint()
			if err != nil {
				return HelloReply{}, err
			}
		case "capabilities":
			cn, err := r.arrayHeader()
			if err != nil {
				return HelloReply{}, err
			}
			h.Capabilities = make([]string, cn)
			for j := 0; j < cn; j++ {
				h.Capabilities[j], err = r.text()
				if err != nil {
					return HelloReply{}, err
				}
			}
		case "challenge":
			if r.isNull() {
				r.skipNull()
				continue
			}
			h.Challenge, err = r.bytesVal()
			if err != nil {
				return HelloReply{}, err
			}
		default:
			return HelloReply{}, fmt.Errorf("%w: unknown HelloReply key %q", ErrCBORMalformed, key)
		}
	}
	return h, nil
}

// Goodbye closes a connection with a human-readable reason.
type Goodbye struct {
	Reason string
}

func (g Goodbye) Encode() []byte {
	var w cborWriter
	w.mapHeader(1)
	w.text("reason")
	w.text(g.Reason)
	return w.buf.Bytes()
}

func DecodeGoodbye(b []byte) (Goodbye, error) {
	r := &cborReader{b: b}
	n, err := r.mapHeader()
	if err != nil {
		return Goodbye{}, err
	}
	var g Goodbye
	for i := 0; i < n; i++ {
		key, err := r.text()
		if err != nil {
			return Goodbye{}, err
		}
		if key != "reason" {
			return Goodbye{}, fmt.Errorf("%w: unknown Goodbye key %q", ErrCBORMalformed, key)
		}
		g.Reason, err = r.text()
		if err != nil {
			return Goodbye{}, err
		}
	}
	return g, nil
}

// DefaultSyncLimit is the default page size for SyncRequest when the
// caller doesn't specify one, and the server-side cap on any requested
// limit.
const DefaultSyncLimit = 100

// SyncRequest asks the server for frames starting at FromLogIndex.
type SyncRequest struct {
	FromLogIndex uint64
	Limit        uint64
}

func (s SyncRequest) Encode() []byte {
	var w cborWriter
	w.mapHeader(2)
	w.text("from_log_index")
	w.uint(s.FromLogIndex)
	w.text("limit")
	w.uint(s.Limit)
	return w.buf.Bytes()
}

func DecodeSyncRequest(b []byte) (SyncRequest, error) {
	r := &cborReader{b: b}
	n, err := r.mapHeader()
	if err != nil {
		return SyncRequest{}, err
	}
	s := SyncRequest{Limit: DefaultSyncLimit}
	for i := 0; i < n; i++ {
		key, err := r.text()
		if err != nil {
			return SyncRequest{}, err
		}
		switch key {
		case "from_log_index":
			s.FromLogIndex, err = r.uint()
		case "limit":
			s.Limit, err = r.uint()
		default:
			return SyncRequest{}, fmt.Errorf("%w: unknown SyncRequest key %q", ErrCBORMalformed, key)
		}
		if err != nil {
			return SyncRequest{}, err
		}
	}
	return s, nil
}

// SyncResponse carries one page of historical frames.
type SyncResponse struct {
	Frames      [][]byte
	HasMore     bool
	ServerEpoch uint64
}

func (s SyncResponse) Encode() []byte {
	var w cborWriter
	w.mapHeader(3)
	w.text("frames")
	w.arrayHeader(len(s.Frames))
	for _, f := range s.Frames {
		w.bytesVal(f)
	}
	w.text("has_more")
	w.boolVal(s.HasMore)
	w.text("server_epoch")
	w.uint(s.ServerEpoch)
	return w.buf.Bytes()
}

func DecodeSyncResponse(b []byte) (SyncResponse, error) {
	r := &cborReader{b: b}
	n, err := r.mapHeader()
	if err != nil {
		return SyncResponse{}, err
	}
	var s SyncResponse
	for i := 0; i < n; i++ {
		key, err := r.text()
		if err != nil {
			return SyncResponse{}, err
		}
		switch key {
		case "frames":
			fn, err := r.arrayHeader()
			if err != nil {
				return SyncResponse{}, err
			}
			s.Frames = make([][]byte, fn)
			for j := 0; j < fn; j++ {
				s.Frames[j], err = r.bytesVal()
				if err != nil {
					return SyncResponse{}, err
				}
			}
		case "has_more":
			s.HasMore, err = r.boolVal()
			if err != nil {
				return SyncResponse{}, err
			}
		case "server_epoch":
			s.ServerEpoch, err = r.uint()
			if err != nil {
				return SyncResponse{}, err
			}
		default:
			return SyncResponse{}, fmt.Errorf("%w: unknown SyncResponse key %q", ErrCBORMalformed, key)
		}
	}
	return s, nil
}
