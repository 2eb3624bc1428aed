package protocol

import (
	"encoding/binary"
	"io"

	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

// Wire framing: fixed 8-byte header followed by bodyLen bytes of envelope.
//
//	u16 magic | u8 version | u8 flags | u32 bodyLen   (network byte order)
const (
	Magic      uint16 = 0x5459 // "TY"
	Version    byte   = 1
	HeaderSize        = 8

	// DefaultMaxBody bounds a single frame body; larger frames are a fatal
	// protocol violation for the connection.
	DefaultMaxBody = 1 << 20
)

var (
	ErrBadMagic    = errs.ErrBadFrame.WithDetail("bad magic")
	ErrBadVersion  = errs.ErrBadFrame.WithDetail("unsupported version")
	ErrBodyTooBig  = errs.ErrBadFrame.WithDetail("body exceeds limit")
	ErrShortHeader = errs.ErrBadFrame.WithDetail("short header")
)

type Header struct {
	Magic   uint16
	Version byte
	Flags   byte
	BodyLen uint32
}

func putHeader(dst []byte, flags byte, bodyLen uint32) {
	binary.BigEndian.PutUint16(dst[0:2], Magic)
	dst[2] = Version
	dst[3] = flags
	binary.BigEndian.PutUint32(dst[4:8], bodyLen)
}

// ParseHeader validates the fixed header. Magic/version mismatches and
// oversized bodies are fatal: the caller must close the connection.
func ParseHeader(b []byte, maxBody uint32) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Magic:   binary.BigEndian.Uint16(b[0:2]),
		Version: b[2],
		Flags:   b[3],
		BodyLen: binary.BigEndian.Uint32(b[4:8]),
	}
	if h.Magic != Magic {
		return Header{}, ErrBadMagic
	}
	if h.Version != Version {
		return Header{}, ErrBadVersion
	}
	if maxBody == 0 {
		maxBody = DefaultMaxBody
	}
	if h.BodyLen > maxBody {
		return Header{}, ErrBodyTooBig
	}
	return h, nil
}

// ReadFrame reads one full frame from r. Partial reads are absorbed by
// io.ReadFull; the reader goroutine simply blocks until bytes arrive.
func ReadFrame(r io.Reader, maxBody uint32) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, err
	}
	h, err := ParseHeader(hdr[:], maxBody)
	if err != nil {
		return Header{}, nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Header{}, nil, err
	}
	return h, body, nil
}

// WriteFrame writes header+body as a single buffer so concurrent writers
// never interleave partial frames.
func WriteFrame(w io.Writer, flags byte, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))
	putHeader(buf, flags, uint32(len(body)))
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// EncodeFrame returns the on-wire bytes for body.
func EncodeFrame(flags byte, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	putHeader(buf, flags, uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf
}
