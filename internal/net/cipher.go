package net

import "math/bits"

// Cipher is the rolling XOR stream cipher keyed during the init packet.
// It keeps separate encode (eb) and decode (db) key state so each
// direction can run on its own goroutine.
type Cipher struct {
	eb [8]byte // encode key bytes
	db [8]byte // decode key bytes
	tb [4]byte // scratch for the encode direction
}

const (
	cipherMask1 = 0x9c30d539
	cipherMask2 = 0x930fd7e2
	cipherMask3 = 0x7c72e993
	cipherMask4 = 0x287effc3
)

// NewCipher derives both key streams from seed.
func NewCipher(seed int32) *Cipher {
	c := &Cipher{}
	key := uint32(seed)

	keys := [2]uint32{
		key ^ cipherMask1,
		cipherMask2,
	}
	keys[0] = bits.RotateLeft32(keys[0], 0x13)
	keys[1] ^= keys[0] ^ cipherMask3

	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			b := byte((keys[i] >> (j * 8)) & 0xff)
			c.eb[i*4+j] = b
			c.db[i*4+j] = b
		}
	}
	return c
}

// Encrypt encrypts outgoing data in place.
func (c *Cipher) Encrypt(data []byte) []byte {
	return c.encryptWith(c.eb[:], data)
}

// Decrypt decrypts incoming data in place.
func (c *Cipher) Decrypt(data []byte) []byte {
	return c.decryptWith(c.db[:], data)
}

func (c *Cipher) encryptWith(key []byte, data []byte) []byte {
	if len(data) < 4 {
		return data
	}
	copy(c.tb[:], data[:4])

	data[0] ^= key[0]
	for i := 1; i < len(data); i++ {
		data[i] ^= data[i-1] ^ key[i&7]
	}

	data[3] ^= key[2]
	data[2] ^= key[3] ^ data[3]
	data[1] ^= key[4] ^ data[2]
	data[0] ^= key[5] ^ data[1]

	update(key, c.tb[:])
	return data
}

func (c *Cipher) decryptWith(key []byte, data []byte) []byte {
	if len(data) < 4 {
		return data
	}
	data[0] ^= key[5] ^ data[1]
	data[1] ^= key[4] ^ data[2]
	data[2] ^= key[3] ^ data[3]
	data[3] ^= key[2]

	for i := len(data) - 1; i >= 1; i-- {
		data[i] ^= data[i-1] ^ key[i&7]
	}
	data[0] ^= key[0]

	update(key, data)
	return data
}

// update rolls the key forward using the first 4 plaintext bytes.
func update(key []byte, ref []byte) {
	for i := 0; i < 4; i++ {
		key[i] ^= ref[i]
	}
	val := uint32(key[4]) |
		uint32(key[5])<<8 |
		uint32(key[6])<<16 |
		uint32(key[7])<<24
	val += cipherMask4

	key[4] = byte(val)
	key[5] = byte(val >> 8)
	key[6] = byte(val >> 16)
	key[7] = byte(val >> 24)
}
