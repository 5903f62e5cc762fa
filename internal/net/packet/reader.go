package packet

import (
	"encoding/binary"
	"errors"
)

// ErrShortPacket is reported by Reader.Err once a read ran past the end of
// the payload.
var ErrShortPacket = errors.New("packet too short")

// Reader reads fields from a decrypted payload. Byte 0 is always the opcode.
// A read past the end returns a zero value and leaves the reader failed;
// handlers check Err before acting on what they read.
type Reader struct {
	data  []byte
	off   int
	cs    Charset
	short bool
}

func NewReader(data []byte, cs Charset) *Reader {
	return &Reader{data: data, off: 1, cs: cs}
}

func (r *Reader) Opcode() byte {
	if len(r.data) == 0 {
		return 0
	}
	return r.data[0]
}

// Err returns ErrShortPacket if any read so far was truncated.
func (r *Reader) Err() error {
	if r.short {
		return ErrShortPacket
	}
	return nil
}

func (r *Reader) need(n int) bool {
	if r.off+n > len(r.data) {
		r.short = true
		return false
	}
	return true
}

// ReadC reads 1 unsigned byte.
func (r *Reader) ReadC() byte {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

// ReadH reads 2 bytes as little-endian uint16.
func (r *Reader) ReadH() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

// ReadD reads 4 bytes as little-endian int32.
func (r *Reader) ReadD() int32 {
	if !r.need(4) {
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return v
}

// ReadS reads a null-terminated string in the client charset. A missing
// terminator fails the reader.
func (r *Reader) ReadS() string {
	rest := r.data[min(r.off, len(r.data)):]
	for i, b := range rest {
		if b == 0 {
			r.off += i + 1
			return r.cs.decode(rest[:i])
		}
	}
	r.short = true
	r.off = len(r.data)
	return r.cs.decode(rest)
}

// ReadBytes reads exactly n raw bytes. On a short payload it returns nil
// and consumes the rest.
func (r *Reader) ReadBytes(n int) []byte {
	if n < 0 || !r.need(n) {
		r.off = len(r.data)
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:r.off+n])
	r.off += n
	return b
}

// ReadBlob reads a byte string with a 1-byte length prefix.
func (r *Reader) ReadBlob() []byte {
	n := int(r.ReadC())
	if r.short {
		return nil
	}
	return r.ReadBytes(n)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return max(len(r.data)-r.off, 0)
}
