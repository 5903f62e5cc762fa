package packet

import (
	"encoding/binary"
)

// Writer builds a server packet. Multi-byte fields are little-endian and
// Bytes pads the result to the cipher's 4-byte block.
type Writer struct {
	buf []byte
	cs  Charset
}

func NewWriter(opcode byte, cs Charset) *Writer {
	w := &Writer{buf: make([]byte, 0, 64), cs: cs}
	w.WriteC(opcode)
	return w
}

func (w *Writer) WriteC(v byte) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteH(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteD(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) WriteDU(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteS writes a null-terminated string in the client charset.
func (w *Writer) WriteS(s string) {
	w.buf = append(w.buf, w.cs.encode(s)...)
	w.buf = append(w.buf, 0)
}

func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteBlob writes a 1-byte length followed by b. Anything past 255 bytes
// is cut off.
func (w *Writer) WriteBlob(b []byte) {
	if len(b) > 0xFF {
		b = b[:0xFF]
	}
	w.WriteC(byte(len(b)))
	w.WriteBytes(b)
}

// Bytes returns the packet padded with zeros to a multiple of 4.
func (w *Writer) Bytes() []byte {
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
	return w.buf
}
