package proxy

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// ClientChannel is the association between a client's logical channel id
// and the upstream-allocated channel id actually used on the wire.
type ClientChannel struct {
	ID         uint16
	UpstreamID uint16
}

// ClientConnection is one downstream TCP connection. It implements the
// clientWriter interface ManagedUpstream uses to deliver frames back to the
// client that owns a bound channel.
type ClientConnection struct {
	Conn   net.Conn
	Reader *bufio.Reader
	Writer *bufio.Writer
	Proxy  *Proxy
	Logger *slog.Logger

	// Credentials captured at handshake time.
	Vhost    string
	Username string
	Password string

	Upstream *ManagedUpstream

	ClientChannels map[uint16]*ClientChannel
	ChannelMapping map[uint16]uint16 // client channel -> upstream channel
	ReverseMapping map[uint16]uint16 // upstream channel -> client channel
	Mu             sync.RWMutex

	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewClientConnection(conn net.Conn, proxy *Proxy) *ClientConnection {
	cc := &ClientConnection{
		Conn:           conn,
		ClientChannels: make(map[uint16]*ClientChannel),
		ChannelMapping: make(map[uint16]uint16),
		ReverseMapping: make(map[uint16]uint16),
		Proxy:          proxy,
		Logger:         slog.Default(),
	}
	if conn != nil {
		cc.Reader = bufio.NewReader(conn)
		cc.Writer = bufio.NewWriter(conn)
	}
	if proxy != nil && proxy.logger != nil {
		cc.Logger = proxy.logger
	}
	return cc
}

// MapChannel installs the binding between a client-facing channel id and
// the upstream-facing channel id assigned to it.
func (cc *ClientConnection) MapChannel(clientID, upstreamID uint16) {
	cc.Mu.Lock()
	defer cc.Mu.Unlock()
	cc.ChannelMapping[clientID] = upstreamID
	cc.ReverseMapping[upstreamID] = clientID

	if channel, ok := cc.ClientChannels[clientID]; ok {
		channel.UpstreamID = upstreamID
	} else {
		cc.ClientChannels[clientID] = &ClientChannel{ID: clientID, UpstreamID: upstreamID}
	}
}

// UnmapChannel removes a binding, e.g. once Channel.CloseOk is observed.
func (cc *ClientConnection) UnmapChannel(clientID uint16) {
	cc.Mu.Lock()
	defer cc.Mu.Unlock()
	upstreamID, ok := cc.ChannelMapping[clientID]
	if ok {
		delete(cc.ChannelMapping, clientID)
		delete(cc.ReverseMapping, upstreamID)
		delete(cc.ClientChannels, clientID)
	}
}

// upstreamIDFor returns the upstream channel id bound to a client channel.
func (cc *ClientConnection) upstreamIDFor(clientID uint16) (uint16, bool) {
	cc.Mu.RLock()
	defer cc.Mu.RUnlock()
	id, ok := cc.ChannelMapping[clientID]
	return id, ok
}

// boundChannels returns a snapshot of all currently bound (client, upstream)
// channel id pairs, used when releasing an upstream.
func (cc *ClientConnection) boundChannels() map[uint16]uint16 {
	cc.Mu.RLock()
	defer cc.Mu.RUnlock()
	out := make(map[uint16]uint16, len(cc.ChannelMapping))
	for c, u := range cc.ChannelMapping {
		out[c] = u
	}
	return out
}

// DeliverFrame writes a frame to the downstream client socket. Writes are
// serialized by writeMu so a complete frame is always written atomically.
func (cc *ClientConnection) DeliverFrame(frame *Frame) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if cc.closed.Load() {
		return nil
	}
	if err := WriteFrame(cc.Writer, frame); err != nil {
		return err
	}
	return cc.Writer.Flush()
}

// Abort force-closes the session, used when the proxy needs to tear a
// client down without waiting for its cooperation (e.g. forced shutdown, or
// an upstream that died out from under it).
func (cc *ClientConnection) Abort() {
	cc.Close()
}

// Close closes the underlying socket exactly once.
func (cc *ClientConnection) Close() {
	if cc.closed.CompareAndSwap(false, true) {
		cc.Conn.Close()
	}
}

func (cc *ClientConnection) isClosed() bool {
	return cc.closed.Load()
}
