package node

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/goremote/internal/action"
	"github.com/chronologos/goremote/internal/message"
	"github.com/chronologos/goremote/internal/security"
	"github.com/chronologos/goremote/internal/transport"
)

type received struct {
	msg  *message.CommandRequest
	from net.Addr
}

func newAuth(t *testing.T, key string) *security.Authenticator {
	t.Helper()
	a, err := security.NewAuthenticator(key)
	require.NoError(t, err)
	return a
}

// startNode binds a UDP node on loopback and runs it until the test ends.
func startNode(t *testing.T, cfg Config, setup func(*Node)) *Node {
	t.Helper()
	conn, err := transport.ListenUDP("127.0.0.1", 0)
	require.NoError(t, err)

	if cfg.Messages == nil {
		cfg.Messages = message.DefaultRegistry()
	}
	if cfg.Actions == nil {
		cfg.Actions = action.NewRegistry()
	}
	cfg.Logger = zerolog.Nop()

	n := New(conn, cfg)
	if setup != nil {
		setup(n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return n
}

func commandSink(ch chan<- received) *action.Registry {
	reg := action.NewRegistry()
	action.Handle(reg, func(m *message.CommandRequest, from net.Addr) error {
		ch <- received{msg: m, from: from}
		return nil
	})
	return reg
}

func TestSendAndDispatch(t *testing.T) {
	auth := newAuth(t, "secret")
	got := make(chan received, 1)
	srv := startNode(t, Config{Role: "server", Auth: auth, Actions: commandSink(got)}, nil)
	cli := startNode(t, Config{Role: "client", Auth: auth}, nil)

	req := message.NewCommandRequest("echo", "hi", message.WithUsername("alice"))
	require.NoError(t, cli.Send(req, srv.LocalAddr()))

	select {
	case r := <-got:
		assert.Equal(t, req.ID(), r.msg.ID())
		assert.Equal(t, "echo", r.msg.Name)
		assert.Equal(t, "hi", r.msg.Args)
		assert.Equal(t, "alice", r.msg.Username())
		assert.Equal(t, cli.LocalAddr().(*net.UDPAddr).Port, r.from.(*net.UDPAddr).Port)
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestWrongKeyDropped(t *testing.T) {
	got := make(chan received, 2)
	srv := startNode(t, Config{Role: "server", Auth: newAuth(t, "right"), Actions: commandSink(got)}, nil)
	bad := startNode(t, Config{Role: "client", Auth: newAuth(t, "wrong")}, nil)
	good := startNode(t, Config{Role: "client", Auth: newAuth(t, "right")}, nil)

	require.NoError(t, bad.Send(message.NewCommandRequest("forged", ""), srv.LocalAddr()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, good.Send(message.NewCommandRequest("genuine", ""), srv.LocalAddr()))

	select {
	case r := <-got:
		assert.Equal(t, "genuine", r.msg.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message not dispatched")
	}
	assert.Empty(t, got)
}

func TestGarbageDoesNotStopLoop(t *testing.T) {
	auth := newAuth(t, "k")
	got := make(chan received, 1)
	srv := startNode(t, Config{Role: "server", Auth: auth, Actions: commandSink(got)}, nil)

	raw, err := net.Dial("udp", srv.LocalAddr().String())
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte("definitely not msgpack"))
	require.NoError(t, err)

	cli := startNode(t, Config{Role: "client", Auth: auth}, nil)
	require.NoError(t, cli.Send(message.NewCommandRequest("after", ""), srv.LocalAddr()))

	select {
	case r := <-got:
		assert.Equal(t, "after", r.msg.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after garbage datagram")
	}
}

func TestPanickingActionDoesNotStopLoop(t *testing.T) {
	auth := newAuth(t, "k")
	got := make(chan received, 1)
	reg := action.NewRegistry()
	action.Handle(reg, func(m *message.CommandRequest, from net.Addr) error {
		if m.Name == "explode" {
			panic("boom")
		}
		got <- received{msg: m, from: from}
		return nil
	})
	srv := startNode(t, Config{Role: "server", Auth: auth, Actions: reg}, nil)
	cli := startNode(t, Config{Role: "client", Auth: auth}, nil)

	require.NoError(t, cli.Send(message.NewCommandRequest("explode", ""), srv.LocalAddr()))
	require.NoError(t, cli.Send(message.NewCommandRequest("after", ""), srv.LocalAddr()))

	select {
	case r := <-got:
		assert.Equal(t, "after", r.msg.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after a panicking action")
	}
}

func TestUnhandledTypeIgnored(t *testing.T) {
	auth := newAuth(t, "k")
	got := make(chan received, 1)
	var observed atomic.Int32
	srv := startNode(t, Config{
		Role:    "server",
		Auth:    auth,
		Actions: commandSink(got),
		Observe: func(message.Message, net.Addr) { observed.Add(1) },
	}, nil)
	cli := startNode(t, Config{Role: "client", Auth: auth}, nil)

	require.NoError(t, cli.Send(message.NewFileListRequest("."), srv.LocalAddr()))
	require.NoError(t, cli.Send(message.NewCommandRequest("x", ""), srv.LocalAddr()))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("command not dispatched")
	}
	assert.Equal(t, int32(2), observed.Load())
}

func TestTimerRunsOnLoop(t *testing.T) {
	var fired atomic.Int32
	startNode(t, Config{Role: "server", Auth: newAuth(t, "k")}, func(n *Node) {
		n.AddTimer(10*time.Millisecond, func() { fired.Add(1) })
	})

	require.Eventually(t, func() bool { return fired.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestDoRunsQueuedCall(t *testing.T) {
	n := startNode(t, Config{Role: "client", Auth: newAuth(t, "k")}, nil)

	ran := make(chan struct{})
	require.NoError(t, n.Do(context.Background(), func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queued call did not run")
	}
}

func TestSendAfterClose(t *testing.T) {
	conn, err := transport.ListenUDP("127.0.0.1", 0)
	require.NoError(t, err)
	n := New(conn, Config{Role: "client", Auth: newAuth(t, "k"), Logger: zerolog.Nop()})
	require.NoError(t, n.Close())

	err = n.Send(message.NewCommandRequest("x", ""), conn.LocalAddr())
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Nil(t, n.LocalAddr())
	assert.ErrorIs(t, n.Run(context.Background()), ErrNotConnected)
}

func TestRunReturnsWhenClosed(t *testing.T) {
	conn, err := transport.ListenUDP("127.0.0.1", 0)
	require.NoError(t, err)
	n := New(conn, Config{
		Role:     "server",
		Messages: message.DefaultRegistry(),
		Actions:  action.NewRegistry(),
		Auth:     newAuth(t, "k"),
		Logger:   zerolog.Nop(),
	})

	errc := make(chan error, 1)
	go func() { errc <- n.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, n.Close())

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestDropReason(t *testing.T) {
	auth := newAuth(t, "k")
	_, err := message.Decode(message.DefaultRegistry(), auth, []byte{0xc1})
	assert.Equal(t, "corrupt", dropReason(err))

	raw, err := message.Encode(newAuth(t, "other"), message.NewCommandRequest("x", ""))
	require.NoError(t, err)
	_, err = message.Decode(message.DefaultRegistry(), auth, raw)
	assert.Equal(t, "signature", dropReason(err))

	raw, err = message.Encode(auth, message.NewCommandRequest("x", ""))
	require.NoError(t, err)
	_, err = message.Decode(message.NewRegistry(), auth, raw)
	assert.Equal(t, "unknown_type", dropReason(err))
}
