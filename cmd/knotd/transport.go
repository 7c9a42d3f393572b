package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/knotprotocol/knot/internal/driver"
	"github.com/knotprotocol/knot/internal/types"
)

// tcpTransport is the reference driver.Transport: plain TCP framed with
// internal/wire's length-prefixed codec, with no secure transport
// handshake: an outbound connection is keyed by the NodeID it was dialed
// for, an inbound one by a placeholder identity derived from its source
// address (see Accept). A real deployment would run this over a libp2p host instead
// (spec §1 scopes the transport out); this is enough to exercise the
// driver end to end.
type tcpTransport struct {
	self     types.NodeID
	listener net.Listener
}

func newTCPTransport(self types.NodeID, listenAddr string) (*tcpTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	return &tcpTransport{self: self, listener: ln}, nil
}

func (t *tcpTransport) Dial(ctx context.Context, node types.NodeID, addr types.Address) (driver.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr.Host, strconv.Itoa(int(addr.Port))))
	if err != nil {
		return nil, err
	}
	return &tcpConn{Conn: conn, remoteNode: node, remoteAddr: addr}, nil
}

// Accept returns inbound connections. This reference transport has no
// secure handshake to authenticate the remote side (spec §1 scopes the
// real transport out), so each inbound connection is keyed by a
// placeholder identity derived from its source address rather than a
// cryptographic peer id; a real deployment runs this over a libp2p host,
// whose Noise/secio handshake establishes NodeID before the application
// layer ever sees the connection.
func (t *tcpTransport) Accept(ctx context.Context) (driver.Conn, error) {
	conn, err := t.listener.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, driver.ErrClosed
		default:
		}
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return nil, err
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	addr := types.Address{Kind: types.HostIP, Host: host, Port: uint16(port)}
	placeholder := types.NodeIDFromPeer(peer.ID(fmt.Sprintf("tcp-inbound:%s", conn.RemoteAddr())))
	return &tcpConn{Conn: conn, remoteNode: placeholder, remoteAddr: addr}, nil
}

func (t *tcpTransport) Close() error {
	return t.listener.Close()
}

type tcpConn struct {
	net.Conn
	remoteNode types.NodeID
	remoteAddr types.Address
}

func (c *tcpConn) RemoteNode() types.NodeID   { return c.remoteNode }
func (c *tcpConn) RemoteAddr() types.Address  { return c.remoteAddr }
