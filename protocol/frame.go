package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Wire header: command u8 | id u16 | length u16, big-endian, then length
// body bytes. Response frames carry no body, their length field is a status
// code. Bit-exact, shared with every other client of the relay.
const HeaderSize = 5

var (
	ErrFrameArg      = fmt.Errorf("frame argument contains NUL")
	ErrFrameZeroID   = fmt.Errorf("frame id=0")
	ErrFrameOversize = fmt.Errorf("frame body too large")
	ErrFrameBody     = fmt.Errorf("frame body is not valid UTF-8")
)

type Frame struct {
	Command Command
	ID      uint16
	Status  uint16 // CmdResponse only
	Args    []string
}

func (f *Frame) String() string {
	if f.Command == CmdResponse {
		return fmt.Sprintf("(cmd=%s id=%d status=%d)", f.Command, f.ID, f.Status)
	}
	return fmt.Sprintf("(cmd=%s id=%d args=%q)", f.Command, f.ID, f.Args)
}

// Marshal encodes a non-response frame: header followed by args joined with
// a single NUL. Args must not themselves contain NUL, the separator would be
// ambiguous on the wire.
func Marshal(cmd Command, id uint16, args ...string) ([]byte, error) {
	blen := 0
	for i, a := range args {
		if strings.IndexByte(a, 0) >= 0 {
			return nil, ErrFrameArg
		}
		if i > 0 {
			blen++
		}
		blen += len(a)
	}
	if blen > math.MaxUint16 {
		return nil, ErrFrameOversize
	}
	b := make([]byte, HeaderSize, HeaderSize+blen)
	b[0] = byte(cmd)
	binary.BigEndian.PutUint16(b[1:], id)
	binary.BigEndian.PutUint16(b[3:], uint16(blen))
	for i, a := range args {
		if i > 0 {
			b = append(b, 0)
		}
		b = append(b, a...)
	}
	return b, nil
}

// MarshalResponse encodes a response frame: empty body, status in the
// length field. id echoes the frame being answered.
func MarshalResponse(id uint16, status uint16) []byte {
	b := make([]byte, HeaderSize)
	b[0] = byte(CmdResponse)
	binary.BigEndian.PutUint16(b[1:], id)
	binary.BigEndian.PutUint16(b[3:], status)
	return b
}

// DecodeOne extracts the first complete frame from buf.
// Returns consumed=0 with nil error when more bytes are needed, either for
// the header or for a declared body. A declared body of max or more bytes is
// rejected before waiting for it to arrive.
// Errors are protocol violations, the stream is not recoverable past them.
func DecodeOne(buf []byte, max int) (Frame, int, error) {
	var f Frame
	if len(buf) < HeaderSize {
		return f, 0, nil
	}
	f.Command = Command(buf[0])
	f.ID = binary.BigEndian.Uint16(buf[1:])
	dlen := int(binary.BigEndian.Uint16(buf[3:]))
	if f.ID == 0 {
		return f, 0, ErrFrameZeroID
	}
	if f.Command == CmdResponse {
		f.Status = uint16(dlen)
		return f, HeaderSize, nil
	}
	if max > 0 && dlen >= max {
		return f, 0, ErrFrameOversize
	}
	if len(buf) < HeaderSize+dlen {
		return f, 0, nil
	}
	body := buf[HeaderSize : HeaderSize+dlen]
	if !utf8.Valid(body) {
		return f, 0, ErrFrameBody
	}
	f.Args = strings.Split(string(body), "\x00")
	return f, HeaderSize + dlen, nil
}
