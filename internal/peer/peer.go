// Package peer tracks which remote endpoints the server has heard from
// recently, so broadcasts have somewhere to go.
package peer

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a peer stays eligible for broadcasts after its
// last message.
const DefaultTTL = 5 * time.Minute

// Peer is one remote endpoint.
type Peer struct {
	Addr     net.Addr
	Username string
	Session  string
	LastSeen time.Time
}

// Registry holds peers keyed by address. Safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	ttl   time.Duration
	peers map[string]*Peer
	now   func() time.Time
}

// NewRegistry creates a registry. ttl <= 0 selects DefaultTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		ttl:   ttl,
		peers: make(map[string]*Peer),
		now:   time.Now,
	}
}

func key(addr net.Addr) string {
	return addr.Network() + "/" + addr.String()
}

// Touch records a message from addr, adding the peer if it is new.
func (r *Registry) Touch(addr net.Addr, username, session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(addr)
	p, ok := r.peers[k]
	if !ok {
		p = &Peer{Addr: addr}
		r.peers[k] = p
	}
	p.Username = username
	p.Session = session
	p.LastSeen = r.now()
}

// Remove forgets addr, reporting whether it was known.
func (r *Registry) Remove(addr net.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(addr)
	_, ok := r.peers[k]
	delete(r.peers, k)
	return ok
}

// Prune drops peers not seen within the TTL as of now and returns them.
func (r *Registry) Prune(now time.Time) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Peer
	for k, p := range r.peers {
		if now.Sub(p.LastSeen) >= r.ttl {
			out = append(out, *p)
			delete(r.peers, k)
		}
	}
	return out
}

// Active returns the live peers, most recently seen first.
func (r *Registry) Active() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if now.Sub(p.LastSeen) < r.ttl {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Broadcast calls send once for every live peer other than except, which
// may be nil. Delivery is best effort: a failed send is reported in the
// returned error but does not stop the others, and nothing is retried.
func (r *Registry) Broadcast(except net.Addr, send func(net.Addr) error) (int, error) {
	var skip string
	if except != nil {
		skip = key(except)
	}

	sent := 0
	var errs []error
	for _, p := range r.Active() {
		if key(p.Addr) == skip {
			continue
		}
		if err := send(p.Addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Addr, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}
