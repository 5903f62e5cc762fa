package authority

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type accountState struct {
	ticket  *Ticket
	retired map[Digest]time.Time // superseded digest -> original expiry
	owner   *Owner
}

func (st *accountState) empty() bool {
	return st.ticket == nil && len(st.retired) == 0 && st.owner == nil
}

type shard struct {
	mu       sync.Mutex
	accounts map[int32]*accountState
}

// MemoryRegistry keeps registry state in process memory, split into
// independently locked shards keyed by account id.
type MemoryRegistry struct {
	shards [shardCount]shard
	// retention keeps consumed and retired tickets around after expiry so
	// late redeemers still see Consumed instead of NotFound.
	retention time.Duration
}

func NewMemoryRegistry(retention time.Duration) *MemoryRegistry {
	m := &MemoryRegistry{retention: retention}
	for i := range m.shards {
		m.shards[i].accounts = make(map[int32]*accountState)
	}
	return m
}

func (m *MemoryRegistry) shardFor(accountID int32) *shard {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(accountID))
	return &m.shards[xxhash.Sum64(b[:])%shardCount]
}

func (m *MemoryRegistry) Issue(_ context.Context, t *Ticket, now time.Time) error {
	sh := m.shardFor(t.AccountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.accounts[t.AccountID]
	if st == nil {
		st = &accountState{retired: make(map[Digest]time.Time)}
		sh.accounts[t.AccountID] = st
	}

	if st.owner != nil && *st.owner != t.Source {
		return ErrAccountBusy
	}

	if cur := st.ticket; cur != nil && cur.Live(now) {
		st.retired[cur.Digest] = cur.ExpiresAt
	}
	st.ticket = t.clone()
	return nil
}

func (m *MemoryRegistry) Redeem(_ context.Context, r Redemption, now time.Time) (*Ticket, error) {
	sh := m.shardFor(r.AccountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.accounts[r.AccountID]
	if st == nil {
		return nil, ErrNotFound
	}

	cur := st.ticket
	if cur == nil || subtle.ConstantTimeCompare(cur.Digest[:], r.Digest[:]) != 1 {
		if _, ok := st.retired[r.Digest]; ok {
			return nil, ErrConsumed
		}
		return nil, ErrNotFound
	}
	if cur.Consumed {
		return nil, ErrConsumed
	}
	if cur.Expired(now) {
		return nil, ErrExpired
	}
	if subtle.ConstantTimeCompare([]byte(cur.MachineID), []byte(r.MachineID)) != 1 {
		return nil, ErrMachineMismatch
	}
	if r.Redeemer != nil && *r.Redeemer != cur.Target {
		return nil, ErrNotFound
	}

	cur.Consumed = true
	if cur.Target.Kind == KindLogin {
		st.owner = nil
	} else {
		o := cur.Target
		st.owner = &o
	}
	return cur.clone(), nil
}

func (m *MemoryRegistry) Release(_ context.Context, accountID int32, owner *Owner) error {
	sh := m.shardFor(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.accounts[accountID]
	if st == nil || st.owner == nil {
		return nil
	}
	if owner != nil && *owner != *st.owner {
		return nil
	}
	st.owner = nil
	if st.empty() {
		delete(sh.accounts, accountID)
	}
	return nil
}

func (m *MemoryRegistry) Owner(_ context.Context, accountID int32) (Owner, bool, error) {
	sh := m.shardFor(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.accounts[accountID]
	if st == nil || st.owner == nil {
		return Owner{}, false, nil
	}
	return *st.owner, true, nil
}

func (m *MemoryRegistry) Outstanding(_ context.Context, accountID int32, now time.Time) (*Ticket, error) {
	sh := m.shardFor(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.accounts[accountID]
	if st == nil || st.ticket == nil || !st.ticket.Live(now) {
		return nil, nil
	}
	return st.ticket.clone(), nil
}

// Sweep drops tickets and retired digests whose retention has passed, and
// forgets accounts with nothing left. It returns the number of tickets removed.
func (m *MemoryRegistry) Sweep(now time.Time) int {
	removed := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for id, st := range sh.accounts {
			if t := st.ticket; t != nil && now.After(t.ExpiresAt.Add(m.retention)) {
				st.ticket = nil
				removed++
			}
			for d, exp := range st.retired {
				if now.After(exp.Add(m.retention)) {
					delete(st.retired, d)
				}
			}
			if st.empty() {
				delete(sh.accounts, id)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
