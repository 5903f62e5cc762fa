package field

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// KeySize is the length of a pending field key.
const KeySize = 16

// Key is a single-use nonce the client must echo before it is attached.
type Key [KeySize]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// NewKey draws a fresh key from the system CSPRNG.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generate field key: %w", err)
	}
	return k, nil
}

// KeyFromBytes copies b into a Key; b must be exactly KeySize long.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("field key: want %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

var (
	ErrNoPendingKey = errors.New("field: no pending key")
	ErrKeyMismatch  = errors.New("field: key mismatch")
)

// Handshake holds the pending key of one connection. It is owned by the
// connection's goroutine and is not safe for concurrent use.
type Handshake struct {
	key    Key
	target InstanceKey
	armed  bool
}

// Prepare arms a new key for target, replacing any earlier one.
func (h *Handshake) Prepare(target InstanceKey) (Key, error) {
	k, err := NewKey()
	if err != nil {
		return Key{}, err
	}
	h.key = k
	h.target = target
	h.armed = true
	return k, nil
}

// Confirm checks an echoed key. The pending key is cleared whatever the
// outcome, so a key is accepted at most once.
func (h *Handshake) Confirm(echo Key) (InstanceKey, error) {
	if !h.armed {
		return InstanceKey{}, ErrNoPendingKey
	}
	want, target := h.key, h.target
	h.Cancel()
	if subtle.ConstantTimeCompare(want[:], echo[:]) != 1 {
		return InstanceKey{}, ErrKeyMismatch
	}
	return target, nil
}

// Pending reports whether a key is armed.
func (h *Handshake) Pending() bool { return h.armed }

// Target returns the instance the pending key is for.
func (h *Handshake) Target() InstanceKey { return h.target }

func (h *Handshake) Cancel() {
	h.key = Key{}
	h.target = InstanceKey{}
	h.armed = false
}
