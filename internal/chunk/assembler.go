package chunk

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultSweepInterval = time.Second
	DefaultMaxBytes      = 64 * 1024 * 1024 // 64 MB across all transfers
)

var (
	ErrIndexOutOfRange = errors.New("chunk index out of range")
	ErrTotalMismatch   = errors.New("chunk total does not match transfer")
	ErrLengthMismatch  = errors.New("reassembled length does not match declared length")
	ErrIncomplete      = errors.New("transfer incomplete")
	ErrBufferFull      = errors.New("transfer exceeds reassembly buffer")
)

// Key identifies one transfer: who is sending and which file version.
type Key struct {
	Owner   string
	Version int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s@v%d", k.Owner, k.Version)
}

// Piece is one received chunk. Length is the declared length of the whole
// file, or negative when unknown.
type Piece struct {
	Index  int64
	Total  int64
	Length int64
	Data   []byte
}

// Progress reports the state of a transfer after a piece was added. Data is
// set only once the transfer is Done.
type Progress struct {
	Received int
	Total    int
	Done     bool
	Data     []byte
}

// Abandoned describes a transfer dropped before completion.
type Abandoned struct {
	Key      Key
	Received int
	Total    int
}

// Err returns an error wrapping ErrIncomplete. A transfer that never saw a
// chunk has an unknown total, shown as "?".
func (a Abandoned) Err() error {
	total := "?"
	if a.Total > 0 {
		total = strconv.Itoa(a.Total)
	}
	return fmt.Errorf("%w: %s received %d of %s chunks", ErrIncomplete, a.Key, a.Received, total)
}

type transfer struct {
	pieces   map[int64][]byte
	count    int64 // declared total, 0 until the first chunk
	received int
	size     int // buffered payload bytes
	length   int64
	lastSeen time.Time
}

func (t *transfer) total() int { return int(t.count) }

// Assembler buffers chunks per transfer until every index has arrived.
// Chunks may arrive in any order; a repeated index replaces the earlier
// chunk without counting twice. Transfers that receive nothing for the
// timeout are dropped by Expire.
//
// Assembler is safe for concurrent use.
type Assembler struct {
	mu        sync.Mutex
	transfers map[Key]*transfer
	size      int // total buffered bytes
	maxSize   int
	timeout   time.Duration
	evicted   []Abandoned
	now       func() time.Time
}

// NewAssembler creates an assembler. Zero arguments select the defaults.
// The byte limit is soft: when exceeded, the least recently active other
// transfers are evicted first.
func NewAssembler(timeout time.Duration, maxBytes int) *Assembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Assembler{
		transfers: make(map[Key]*transfer),
		maxSize:   maxBytes,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Begin registers an expected transfer so that it times out even if no chunk
// ever arrives. It resets any state already held for key.
func (a *Assembler) Begin(key Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropLocked(key)
	a.transfers[key] = &transfer{length: -1, lastSeen: a.now()}
}

// Add stores p for key and reports progress. When the last missing chunk
// arrives the chunks are joined in index order, checked against the declared
// length and the transfer state is released.
func (a *Assembler) Add(key Key, p Piece) (Progress, error) {
	if p.Total < 1 {
		return Progress{}, fmt.Errorf("%w: total %d", ErrTotalMismatch, p.Total)
	}
	if p.Index < 0 || p.Index >= p.Total {
		return Progress{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, p.Index, p.Total)
	}
	// Only the single chunk of an empty file may be empty.
	if p.Length >= 0 && p.Total > max(p.Length, 1) {
		return Progress{}, fmt.Errorf("%w: %d chunks for %d bytes", ErrTotalMismatch, p.Total, p.Length)
	}

	// The caller may reuse p.Data.
	data := make([]byte, len(p.Data))
	copy(data, p.Data)

	a.mu.Lock()
	defer a.mu.Unlock()

	if p.Total > int64(a.maxSize) {
		return Progress{}, fmt.Errorf("%w: %d chunks", ErrBufferFull, p.Total)
	}

	t, ok := a.transfers[key]
	if !ok {
		t = &transfer{length: -1}
		a.transfers[key] = t
	}
	if t.count == 0 {
		t.count = p.Total
		t.pieces = make(map[int64][]byte)
	}
	if t.count != p.Total {
		return Progress{}, fmt.Errorf("%w: got %d, transfer has %d", ErrTotalMismatch, p.Total, t.count)
	}
	if p.Length >= 0 {
		t.length = p.Length
	}
	t.lastSeen = a.now()

	if old, ok := t.pieces[p.Index]; ok {
		t.size -= len(old)
		a.size -= len(old)
	} else {
		t.received++
	}
	t.pieces[p.Index] = data
	t.size += len(data)
	a.size += len(data)

	if t.received < t.total() {
		a.evictLocked(key)
		if _, ok := a.transfers[key]; !ok {
			return Progress{}, fmt.Errorf("%w: %s", ErrBufferFull, key)
		}
		return Progress{Received: t.received, Total: t.total()}, nil
	}

	joined := make([]byte, 0, t.size)
	for i := int64(0); i < t.count; i++ {
		joined = append(joined, t.pieces[i]...)
	}
	a.dropLocked(key)

	if t.length >= 0 && int64(len(joined)) != t.length {
		return Progress{}, fmt.Errorf("%w: got %d bytes, declared %d", ErrLengthMismatch, len(joined), t.length)
	}
	return Progress{Received: t.received, Total: t.total(), Done: true, Data: joined}, nil
}

// evictLocked drops the least recently active transfers until the buffer is
// back under its limit. keep is evicted only if it is the last one left.
// Caller must hold a.mu.
func (a *Assembler) evictLocked(keep Key) {
	for a.size > a.maxSize && len(a.transfers) > 0 {
		victim, found := keep, false
		var oldest time.Time
		for k, t := range a.transfers {
			if k == keep {
				continue
			}
			if !found || t.lastSeen.Before(oldest) {
				victim, oldest, found = k, t.lastSeen, true
			}
		}
		// keep is reported to the caller of Add instead
		if found {
			t := a.transfers[victim]
			a.evicted = append(a.evicted, Abandoned{Key: victim, Received: t.received, Total: t.total()})
		}
		a.dropLocked(victim)
	}
}

func (a *Assembler) dropLocked(key Key) {
	if t, ok := a.transfers[key]; ok {
		a.size -= t.size
		delete(a.transfers, key)
	}
}

// Expire drops every transfer idle for at least the timeout as of now, and
// returns them together with any transfers evicted since the last call.
func (a *Assembler) Expire(now time.Time) []Abandoned {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.evicted
	a.evicted = nil
	for k, t := range a.transfers {
		if now.Sub(t.lastSeen) >= a.timeout {
			out = append(out, Abandoned{Key: k, Received: t.received, Total: t.total()})
			a.dropLocked(k)
		}
	}
	return out
}

// Discard drops the transfer for key, reporting whether one existed.
func (a *Assembler) Discard(key Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.transfers[key]
	a.dropLocked(key)
	return ok
}

// Reset drops every in-flight transfer.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.transfers)
	a.evicted = nil
	a.size = 0
}

// Pending returns the progress of an in-flight transfer.
func (a *Assembler) Pending(key Key) (Progress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.transfers[key]
	if !ok {
		return Progress{}, false
	}
	return Progress{Received: t.received, Total: t.total()}, true
}

// Len returns the number of in-flight transfers.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transfers)
}

// Size returns the number of buffered payload bytes.
func (a *Assembler) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}
