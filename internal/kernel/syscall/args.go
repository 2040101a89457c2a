package syscall

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// Program argument buffers cross the boundary as repeated
// [u16 LE length][bytes] records, packed back to back. An empty buffer
// means no arguments.

// DecodeArgs parses an argument buffer. Truncated records and invalid
// UTF-8 are argument errors; nothing is returned partially decoded.
func DecodeArgs(b []byte) ([]string, error) {
	var args []string
	for off := 0; off < len(b); {
		if off+2 > len(b) {
			return nil, syserr.ErrInvalidArgument
		}
		n := int(binary.LittleEndian.Uint16(b[off:]))
		off += 2
		if off+n > len(b) {
			return nil, syserr.ErrInvalidArgument
		}
		if !utf8.Valid(b[off : off+n]) {
			return nil, syserr.ErrInvalidUTF8
		}
		args = append(args, string(b[off:off+n]))
		off += n
	}
	return args, nil
}

// EncodeArgs renders arguments into the wire layout. Arguments longer than
// a u16 can carry are an argument error.
func EncodeArgs(args []string) ([]byte, error) {
	var out []byte
	for _, a := range args {
		if len(a) > 0xFFFF {
			return nil, syserr.ErrInvalidArgument
		}
		var pfx [2]byte
		binary.LittleEndian.PutUint16(pfx[:], uint16(len(a)))
		out = append(out, pfx[:]...)
		out = append(out, a...)
	}
	return out, nil
}
