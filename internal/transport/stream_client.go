package transport

import (
	"io"
	"net"
	"sync"
)

// streamClient carries envelopes over one authenticated stream to the server.
type streamClient struct {
	rwc    io.ReadWriteCloser
	local  net.Addr
	remote net.Addr
	wmu    sync.Mutex
	rmu    sync.Mutex
}

func newStreamClient(rwc io.ReadWriteCloser, local, remote net.Addr) *streamClient {
	return &streamClient{rwc: rwc, local: local, remote: remote}
}

// ReadFrom returns the next envelope from the server.
func (c *streamClient) ReadFrom(b []byte) (int, net.Addr, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		t, payload, err := readFrame(c.rwc)
		if err != nil {
			return 0, nil, err
		}
		if t == frameEnvelope {
			return copy(b, payload), c.remote, nil
		}
	}
}

// WriteTo sends b to the server. The stream has a single destination, so
// addr is ignored.
func (c *streamClient) WriteTo(b []byte, _ net.Addr) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrame(c.rwc, frameEnvelope, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *streamClient) LocalAddr() net.Addr { return c.local }

func (c *streamClient) Close() error {
	return c.rwc.Close()
}
