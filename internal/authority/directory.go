package authority

import (
	"sync"
	"time"

	"github.com/l1jgo/handoff/internal/config"
)

// Endpoint is where clients connect to reach a process.
type Endpoint struct {
	Owner     Owner  `json:"owner"`
	IPAddress string `json:"ip_address"`
	Port      uint16 `json:"port"`
}

// Directory resolves migration targets to client-facing endpoints.
//
// Statically configured endpoints are trusted until they heartbeat for the
// first time; from then on they, like dynamically registered endpoints,
// stay available only while heartbeats keep arriving within staleAfter.
// A zero staleAfter disables staleness entirely.
type Directory struct {
	mu         sync.RWMutex
	static     map[Owner]Endpoint
	live       map[Owner]Endpoint
	seen       map[Owner]time.Time
	staleAfter time.Duration
}

func NewDirectory(staleAfter time.Duration, endpoints ...Endpoint) *Directory {
	d := &Directory{
		static:     make(map[Owner]Endpoint, len(endpoints)),
		live:       make(map[Owner]Endpoint),
		seen:       make(map[Owner]time.Time),
		staleAfter: staleAfter,
	}
	for _, ep := range endpoints {
		d.static[ep.Owner] = ep
	}
	return d
}

// DirectoryFromConfig builds a directory from the [[channels]] list.
func DirectoryFromConfig(channels []config.ChannelEndpoint, staleAfter time.Duration) *Directory {
	eps := make([]Endpoint, 0, len(channels))
	for _, ch := range channels {
		eps = append(eps, Endpoint{
			Owner:     Owner{Kind: KindFromConfig(ch.Kind), Channel: ch.ID},
			IPAddress: ch.PublicIP,
			Port:      ch.Port,
		})
	}
	return NewDirectory(staleAfter, eps...)
}

// Heartbeat records that ep is alive at now.
func (d *Directory) Heartbeat(ep Endpoint, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live[ep.Owner] = ep
	d.seen[ep.Owner] = now
}

// Resolve returns the endpoint for owner if it is currently available.
func (d *Directory) Resolve(owner Owner, now time.Time) (Endpoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if ep, ok := d.live[owner]; ok {
		if d.staleAfter <= 0 || now.Sub(d.seen[owner]) <= d.staleAfter {
			return ep, true
		}
		return Endpoint{}, false
	}
	ep, ok := d.static[owner]
	return ep, ok
}

// Gone reports whether owner used to heartbeat and has since gone silent
// for longer than staleAfter. Endpoints that never heartbeated are not
// gone: nothing is known about them.
func (d *Directory) Gone(owner Owner, now time.Time) bool {
	if d.staleAfter <= 0 {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen, ok := d.seen[owner]
	return ok && now.Sub(seen) > d.staleAfter
}
