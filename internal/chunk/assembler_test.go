package chunk

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward by hand.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestAssembler(t *testing.T, maxBytes int) (*Assembler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := NewAssembler(DefaultTimeout, maxBytes)
	a.now = clock.Now
	return a, clock
}

func pieces(data []byte, size int) []Piece {
	parts := Split(data, size)
	out := make([]Piece, len(parts))
	for i, p := range parts {
		out[i] = Piece{Index: int64(i), Total: int64(len(parts)), Length: int64(len(data)), Data: p}
	}
	return out
}

func TestCount(t *testing.T) {
	cases := []struct{ length, size, want int }{
		{0, 10, 1},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{100, 10, 10},
		{61441, 61440, 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Count(tc.length, tc.size), "Count(%d, %d)", tc.length, tc.size)
	}
}

func TestSplit(t *testing.T) {
	data := []byte("abcdefghij")
	parts := Split(data, 3)
	require.Len(t, parts, 4)
	assert.Equal(t, "abc", string(parts[0]))
	assert.Equal(t, "j", string(parts[3]))
	assert.Equal(t, data, bytes.Join(parts, nil))

	empty := Split(nil, 3)
	require.Len(t, empty, 1)
	assert.Empty(t, empty[0])
}

func TestAssembleInOrder(t *testing.T) {
	a, _ := newTestAssembler(t, 0)
	key := Key{Owner: "peer", Version: 1}
	data := []byte("hello chunked world")

	ps := pieces(data, 4)
	for i, p := range ps {
		prog, err := a.Add(key, p)
		require.NoError(t, err)
		assert.Equal(t, i+1, prog.Received)
		assert.Equal(t, len(ps), prog.Total)
		if i < len(ps)-1 {
			assert.False(t, prog.Done)
			assert.Nil(t, prog.Data)
		} else {
			assert.True(t, prog.Done)
			assert.Equal(t, data, prog.Data)
		}
	}
	assert.Equal(t, 0, a.Len(), "completed transfer should be released")
	assert.Equal(t, 0, a.Size())
}

func TestAssembleAnyPermutation(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 7)
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		a, _ := newTestAssembler(t, 0)
		key := Key{Owner: "p", Version: int64(trial)}
		ps := pieces(data, 8)
		rng.Shuffle(len(ps), func(i, j int) { ps[i], ps[j] = ps[j], ps[i] })

		var last Progress
		for _, p := range ps {
			var err error
			last, err = a.Add(key, p)
			require.NoError(t, err)
		}
		require.True(t, last.Done, "trial %d", trial)
		assert.Equal(t, data, last.Data, "trial %d", trial)
	}
}

func TestDuplicateIndexLastWins(t *testing.T) {
	a, _ := newTestAssembler(t, 0)
	key := Key{Owner: "p", Version: 1}

	prog, err := a.Add(key, Piece{Index: 0, Total: 2, Length: -1, Data: []byte("old")})
	require.NoError(t, err)
	assert.Equal(t, 1, prog.Received)

	prog, err = a.Add(key, Piece{Index: 0, Total: 2, Length: -1, Data: []byte("new")})
	require.NoError(t, err)
	assert.Equal(t, 1, prog.Received, "duplicate must not count twice")
	assert.Equal(t, 3, a.Size())

	prog, err = a.Add(key, Piece{Index: 1, Total: 2, Length: -1, Data: []byte("!")})
	require.NoError(t, err)
	require.True(t, prog.Done)
	assert.Equal(t, "new!", string(prog.Data))
}

func TestGapNeverCompletesAndExpires(t *testing.T) {
	a, clock := newTestAssembler(t, 0)
	key := Key{Owner: "p", Version: 3}

	for _, i := range []int64{0, 2} {
		prog, err := a.Add(key, Piece{Index: i, Total: 3, Length: -1, Data: []byte("x")})
		require.NoError(t, err)
		assert.False(t, prog.Done)
	}

	clock.Advance(DefaultTimeout - time.Millisecond)
	assert.Empty(t, a.Expire(clock.Now()))

	clock.Advance(time.Millisecond)
	expired := a.Expire(clock.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, Abandoned{Key: key, Received: 2, Total: 3}, expired[0])
	assert.ErrorIs(t, expired[0].Err(), ErrIncomplete)
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 0, a.Size())
}

func TestActivityResetsTimeout(t *testing.T) {
	a, clock := newTestAssembler(t, 0)
	key := Key{Owner: "p", Version: 1}

	_, err := a.Add(key, Piece{Index: 0, Total: 3, Length: -1, Data: []byte("a")})
	require.NoError(t, err)
	clock.Advance(DefaultTimeout / 2)
	_, err = a.Add(key, Piece{Index: 1, Total: 3, Length: -1, Data: []byte("b")})
	require.NoError(t, err)
	clock.Advance(DefaultTimeout / 2)

	assert.Empty(t, a.Expire(clock.Now()))
	prog, ok := a.Pending(key)
	require.True(t, ok)
	assert.Equal(t, 2, prog.Received)
}

func TestBeginTimesOutWithoutChunks(t *testing.T) {
	a, clock := newTestAssembler(t, 0)
	key := Key{Owner: "p", Version: 9}
	a.Begin(key)
	assert.Equal(t, 1, a.Len())

	clock.Advance(DefaultTimeout)
	expired := a.Expire(clock.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, key, expired[0].Key)
}

func TestIndexOutOfRange(t *testing.T) {
	a, _ := newTestAssembler(t, 0)
	key := Key{Owner: "p", Version: 1}

	_, err := a.Add(key, Piece{Index: 3, Total: 3})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = a.Add(key, Piece{Index: -1, Total: 3})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = a.Add(key, Piece{Index: 0, Total: 0})
	assert.ErrorIs(t, err, ErrTotalMismatch)
	assert.Equal(t, 0, a.Len())
}

func TestTotalMismatch(t *testing.T) {
	a, _ := newTestAssembler(t, 0)
	key := Key{Owner: "p", Version: 1}

	_, err := a.Add(key, Piece{Index: 0, Total: 3, Length: -1, Data: []byte("a")})
	require.NoError(t, err)
	_, err = a.Add(key, Piece{Index: 1, Total: 4, Length: -1, Data: []byte("b")})
	assert.ErrorIs(t, err, ErrTotalMismatch)
}

func TestLengthMismatch(t *testing.T) {
	a, _ := newTestAssembler(t, 0)
	key := Key{Owner: "p", Version: 1}

	_, err := a.Add(key, Piece{Index: 0, Total: 1, Length: 10, Data: []byte("short")})
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Equal(t, 0, a.Len(), "failed transfer should be released")
}

func TestEmptyFileIsOneChunk(t *testing.T) {
	a, _ := newTestAssembler(t, 0)
	prog, err := a.Add(Key{Owner: "p"}, Piece{Index: 0, Total: 1, Length: 0, Data: nil})
	require.NoError(t, err)
	assert.True(t, prog.Done)
	assert.Empty(t, prog.Data)
}

func TestTransfersAreIndependent(t *testing.T) {
	a, _ := newTestAssembler(t, 0)
	k1 := Key{Owner: "alice", Version: 1}
	k2 := Key{Owner: "bob", Version: 1}
	k3 := Key{Owner: "alice", Version: 2}

	for _, k := range []Key{k1, k2, k3} {
		_, err := a.Add(k, Piece{Index: 0, Total: 2, Length: -1, Data: []byte(k.String())})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, a.Len())

	prog, err := a.Add(k2, Piece{Index: 1, Total: 2, Length: -1, Data: []byte("!")})
	require.NoError(t, err)
	require.True(t, prog.Done)
	assert.Equal(t, "bob@v1!", string(prog.Data))
	assert.Equal(t, 2, a.Len())
}

func TestDiscardAndReset(t *testing.T) {
	a, _ := newTestAssembler(t, 0)
	k1 := Key{Owner: "a", Version: 1}
	k2 := Key{Owner: "b", Version: 1}
	_, _ = a.Add(k1, Piece{Index: 0, Total: 2, Length: -1, Data: []byte("x")})
	_, _ = a.Add(k2, Piece{Index: 0, Total: 2, Length: -1, Data: []byte("y")})

	assert.True(t, a.Discard(k1))
	assert.False(t, a.Discard(k1))
	assert.Equal(t, 1, a.Len())

	a.Reset()
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 0, a.Size())
}

func TestByteEvictionDropsOldestOther(t *testing.T) {
	a, clock := newTestAssembler(t, 100)
	old := Key{Owner: "old", Version: 1}
	mid := Key{Owner: "mid", Version: 1}
	cur := Key{Owner: "cur", Version: 1}

	_, err := a.Add(old, Piece{Index: 0, Total: 2, Length: -1, Data: bytes.Repeat([]byte("o"), 40)})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = a.Add(mid, Piece{Index: 0, Total: 2, Length: -1, Data: bytes.Repeat([]byte("m"), 40)})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = a.Add(cur, Piece{Index: 0, Total: 2, Length: -1, Data: bytes.Repeat([]byte("c"), 40)})
	require.NoError(t, err)

	assert.LessOrEqual(t, a.Size(), 100)
	_, ok := a.Pending(old)
	assert.False(t, ok, "least recently active transfer should be evicted")
	_, ok = a.Pending(cur)
	assert.True(t, ok)

	dropped := a.Expire(clock.Now())
	require.Len(t, dropped, 1)
	assert.Equal(t, old, dropped[0].Key)
}

func TestSingleTransferOverLimit(t *testing.T) {
	a, clock := newTestAssembler(t, 10)
	key := Key{Owner: "big", Version: 1}

	_, err := a.Add(key, Piece{Index: 0, Total: 2, Length: -1, Data: bytes.Repeat([]byte("b"), 20)})
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, 0, a.Len())
	assert.Empty(t, a.Expire(clock.Now()), "rejected transfer is reported by Add only")
}

func TestImplausibleTotalRejected(t *testing.T) {
	a, _ := newTestAssembler(t, 0)
	key := Key{Owner: "p", Version: 1}

	_, err := a.Add(key, Piece{Index: 0, Total: 1 << 50, Length: -1, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrBufferFull)
	_, err = a.Add(key, Piece{Index: 0, Total: 5, Length: 4, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrTotalMismatch)
	assert.Equal(t, 0, a.Len())

	// A huge declared total within the byte limit only costs what arrives.
	prog, err := a.Add(key, Piece{Index: 1 << 20, Total: DefaultMaxBytes, Length: -1, Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 1, prog.Received)
	assert.Equal(t, 1, a.Size())
}

func TestBegunTransferHasUnknownTotal(t *testing.T) {
	a, clock := newTestAssembler(t, 0)
	key := Key{Owner: "p", Version: 2}
	a.Begin(key)

	clock.Advance(DefaultTimeout)
	expired := a.Expire(clock.Now())
	require.Len(t, expired, 1)
	assert.Contains(t, expired[0].Err().Error(), "received 0 of ? chunks")

	a.Begin(key)
	_, err := a.Add(key, Piece{Index: 0, Total: 3, Length: -1, Data: []byte("a")})
	require.NoError(t, err)
	clock.Advance(DefaultTimeout)
	expired = a.Expire(clock.Now())
	require.Len(t, expired, 1)
	assert.Contains(t, expired[0].Err().Error(), "received 1 of 3 chunks")
}

func TestPayloadCopied(t *testing.T) {
	a, _ := newTestAssembler(t, 0)
	key := Key{Owner: "p", Version: 1}

	data := []byte("original")
	_, err := a.Add(key, Piece{Index: 0, Total: 2, Length: -1, Data: data})
	require.NoError(t, err)
	data[0] = 'X'

	prog, err := a.Add(key, Piece{Index: 1, Total: 2, Length: -1, Data: []byte("!")})
	require.NoError(t, err)
	assert.Equal(t, "original!", string(prog.Data))
}

func TestConcurrentAccess(t *testing.T) {
	a := NewAssembler(0, 0)
	var wg sync.WaitGroup

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			key := Key{Owner: owner, Version: 1}
			for i := int64(0); i < 100; i++ {
				_, _ = a.Add(key, Piece{Index: i, Total: 100, Length: -1, Data: []byte(fmt.Sprintf("%s-%d", owner, i))})
			}
		}(fmt.Sprintf("peer-%d", g))
	}
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.Len()
				a.Size()
				a.Expire(time.Now().Add(-time.Hour))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, a.Len(), "every transfer should have completed")
}

// --- Fuzz tests ---

// FuzzAssemblePermutation reassembles arbitrary data split at an arbitrary
// size in a seeded random order, with one duplicate resent at the end.
func FuzzAssemblePermutation(f *testing.F) {
	f.Add([]byte("hello"), 2, int64(1))
	f.Add([]byte{}, 1, int64(7))
	f.Add(bytes.Repeat([]byte("z"), 300), 17, int64(42))
	f.Fuzz(func(t *testing.T, data []byte, size int, seed int64) {
		if size < 0 {
			size = -size
		}
		size = size%64 + 1

		a := NewAssembler(0, 0)
		key := Key{Owner: "fuzz", Version: seed}
		ps := pieces(data, size)
		rand.New(rand.NewSource(seed)).Shuffle(len(ps), func(i, j int) { ps[i], ps[j] = ps[j], ps[i] })

		// Resend the first piece before the last one arrives.
		if len(ps) > 1 {
			ps = append(ps[:len(ps)-1], ps[0], ps[len(ps)-1])
		}

		var last Progress
		for _, p := range ps {
			var err error
			last, err = a.Add(key, p)
			if err != nil {
				t.Fatalf("add %d/%d: %v", p.Index, p.Total, err)
			}
		}
		if !last.Done {
			t.Fatalf("transfer not done after all pieces (received %d of %d)", last.Received, last.Total)
		}
		if !bytes.Equal(last.Data, data) {
			t.Fatalf("reassembled data mismatch")
		}
		if a.Size() != 0 || a.Len() != 0 {
			t.Fatalf("state left behind: size %d, len %d", a.Size(), a.Len())
		}
	})
}
