package transport

import (
	"fmt"
	"net"
)

// ListenUDP binds a datagram socket. Port 0 picks a free port.
func ListenUDP(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", hostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", hostPort(host, port), err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}
	return conn, nil
}

// DialUDP binds an ephemeral local socket and resolves the server address.
// The socket stays unconnected so replies are read with ReadFrom.
func DialUDP(host string, port int) (PacketConn, net.Addr, error) {
	remote, err := net.ResolveUDPAddr("udp", hostPort(host, port))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", hostPort(host, port), err)
	}
	local := &net.UDPAddr{}
	if remote.IP.To4() != nil {
		local.IP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, nil, fmt.Errorf("listen UDP: %w", err)
	}
	return conn, remote, nil
}
