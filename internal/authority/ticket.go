package authority

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/l1jgo/handoff/internal/config"
	"golang.org/x/crypto/blake2b"
)

// TokenSize is the length in bytes of every migration token.
const TokenSize = 32

// NoMap marks a ticket that carries no destination map; the destination
// falls back to the character's stored map.
const NoMap int32 = -1

// ServerKind is the tier a ticket moves a session to.
type ServerKind uint8

const (
	KindUnknown ServerKind = iota
	KindGame
	KindLogin
)

func (k ServerKind) String() string {
	switch k {
	case KindGame:
		return "game"
	case KindLogin:
		return "login"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// MarshalText keeps the JSON wire form readable.
func (k ServerKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ServerKind) UnmarshalText(b []byte) error {
	v, err := ParseServerKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseServerKind accepts "game" or "login".
func ParseServerKind(s string) (ServerKind, error) {
	switch strings.ToLower(s) {
	case "game":
		return KindGame, nil
	case "login":
		return KindLogin, nil
	default:
		return KindUnknown, fmt.Errorf("unknown server kind %q", s)
	}
}

// KindFromConfig converts the config representation.
func KindFromConfig(k config.ServerKind) ServerKind {
	v, _ := ParseServerKind(string(k))
	return v
}

// Owner identifies one process: a server tier plus a channel within it.
type Owner struct {
	Kind    ServerKind `json:"kind"`
	Channel int32      `json:"channel"`
}

func (o Owner) String() string {
	return o.Kind.String() + ":" + strconv.Itoa(int(o.Channel))
}

func parseOwner(s string) (Owner, error) {
	kind, ch, ok := strings.Cut(s, ":")
	if !ok {
		return Owner{}, fmt.Errorf("malformed owner %q", s)
	}
	k, err := ParseServerKind(kind)
	if err != nil {
		return Owner{}, err
	}
	n, err := strconv.ParseInt(ch, 10, 32)
	if err != nil {
		return Owner{}, fmt.Errorf("malformed owner channel %q: %w", s, err)
	}
	return Owner{Kind: k, Channel: int32(n)}, nil
}

// Digest is the stored form of a token. Raw tokens never reach the registry.
type Digest [32]byte

func digestOf(token []byte) Digest {
	return blake2b.Sum256(token)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// NewToken returns TokenSize bytes from the system CSPRNG.
func NewToken() ([]byte, error) {
	token := make([]byte, TokenSize)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// Ticket is the single authoritative copy of a pending handoff.
type Ticket struct {
	ID          string
	AccountID   int32
	CharacterID int32
	MachineID   string
	Digest      Digest
	Source      Owner
	Target      Owner
	MapID       int32
	InstanceID  int32
	PortalID    int32
	OwnerID     int32
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Consumed    bool
}

func newTicketID() string {
	return uuid.NewString()
}

// Expired reports whether the ticket can no longer be redeemed at now.
func (t *Ticket) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Live reports whether the ticket is still outstanding.
func (t *Ticket) Live(now time.Time) bool {
	return !t.Consumed && !t.Expired(now)
}

func (t *Ticket) clone() *Ticket {
	c := *t
	return &c
}
