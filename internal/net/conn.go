package net

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/l1jgo/handoff/internal/net/packet"
)

// FrameConn carries whole packets. Reads happen on one goroutine and writes
// on another; implementations must allow that but need not allow
// concurrent reads or concurrent writes.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	RemoteAddr() string
	Close() error
}

// firstPacket is the fixed tail of the init packet.
var firstPacket = [11]byte{
	0x9d, 0xd1, 0xd6, 0x7a, 0xf4,
	0x62, 0xe7, 0xa0, 0x66, 0x02,
	0xfa,
}

// TCPConn is a length-framed, XOR-ciphered TCP connection.
type TCPConn struct {
	conn         net.Conn
	cipher       *Cipher
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewTCPConn performs the key exchange: it sends the plaintext init packet
// carrying a fresh seed and keys the cipher with it.
func NewTCPConn(conn net.Conn, readTimeout, writeTimeout time.Duration) (*TCPConn, error) {
	seed := rand.Int32N(0x7FFFFFFE) + 1

	// [2B LE length=18][1B opcode][4B LE seed][11B firstPacket]
	buf := make([]byte, 18)
	binary.LittleEndian.PutUint16(buf[0:2], 18)
	buf[2] = packet.S_OPCODE_INITPACKET
	binary.LittleEndian.PutUint32(buf[3:7], uint32(seed))
	copy(buf[7:18], firstPacket[:])

	if writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("send init packet: %w", err)
	}
	return &TCPConn{
		conn:         conn,
		cipher:       NewCipher(seed),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}, nil
}

func (c *TCPConn) ReadFrame() ([]byte, error) {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	payload, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return c.cipher.Decrypt(payload), nil
}

func (c *TCPConn) WriteFrame(data []byte) error {
	encrypted := make([]byte, len(data))
	copy(encrypted, data)
	c.cipher.Encrypt(encrypted)

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return WriteFrame(c.conn, encrypted)
}

func (c *TCPConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *TCPConn) Close() error { return c.conn.Close() }

// ClientConn is the client side of a TCPConn. The bot and tests use it.
type ClientConn struct {
	conn   net.Conn
	cipher *Cipher
}

// NewClientConn reads the init packet and keys the cipher from its seed.
func NewClientConn(conn net.Conn) (*ClientConn, error) {
	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read init packet: %w", err)
	}
	if len(payload) < 5 || payload[0] != packet.S_OPCODE_INITPACKET {
		return nil, fmt.Errorf("unexpected init packet")
	}
	seed := int32(binary.LittleEndian.Uint32(payload[1:5]))
	return &ClientConn{conn: conn, cipher: NewCipher(seed)}, nil
}

// The client encrypts with the decode key stream and decrypts with the
// encode one, mirroring the server.
func (c *ClientConn) WriteFrame(data []byte) error {
	out := make([]byte, len(data))
	copy(out, data)
	c.cipher.encryptWith(c.cipher.db[:], out)
	return WriteFrame(c.conn, out)
}

func (c *ClientConn) ReadFrame() ([]byte, error) {
	payload, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return c.cipher.decryptWith(c.cipher.eb[:], payload), nil
}

func (c *ClientConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *ClientConn) Close() error { return c.conn.Close() }
