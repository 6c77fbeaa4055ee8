package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// dialQUIC connects on a fresh UDP socket, opens the envelope stream and
// authenticates with key.
func dialQUIC(ctx context.Context, host string, port int, key []byte) (*streamClient, error) {
	addr, err := net.ResolveUDPAddr("udp", hostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", hostPort(host, port), err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(quicNoStream, "no stream")
		tr.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	// The auth request is the first write, which also announces the stream.
	if err := clientHandshake(stream, qconn.ConnectionState().TLS, key); err != nil {
		qconn.CloseWithError(quicAuthFailed, "auth failed")
		tr.Close()
		return nil, authError(err)
	}

	rwc := &quicStream{Stream: stream, conn: qconn, tr: tr}
	return newStreamClient(rwc, qconn.LocalAddr(), qconn.RemoteAddr()), nil
}
