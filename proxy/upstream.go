package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/timsweb/amqplex/pool"
)

// UpstreamConn is an established AMQP connection to the upstream broker,
// already past the handshake and ready to have channels opened on it.
type UpstreamConn struct {
	Conn   net.Conn
	Reader *bufio.Reader
	Writer *bufio.Writer

	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16

	closed atomic.Bool
}

// IsOpen, Close, and Channel satisfy pool.Connection, letting ManagedUpstream
// register its live broker connection with its ConnectionPool.
func (uc *UpstreamConn) IsOpen() bool {
	return !uc.closed.Load()
}

// Close closes the underlying socket exactly once.
func (uc *UpstreamConn) Close() error {
	if uc.closed.CompareAndSwap(false, true) {
		return uc.Conn.Close()
	}
	return nil
}

// Channel hands back a fresh, untracked operation log. ManagedUpstream does
// its own per-channel bookkeeping directly against upstream channel ids
// (see ConnectionPool.AddSafeChannel), so nothing upstream of this call
// actually uses the result; it exists to satisfy pool.Connection.
func (uc *UpstreamConn) Channel() (pool.Channel, error) {
	return *pool.NewChannel(0), nil
}

var _ pool.Connection = (*UpstreamConn)(nil)

// performUpstreamHandshake runs the AMQP client side of the handshake
// against an already-dialed net.Conn: protocol header, Connection.Start/
// StartOk (PLAIN), Connection.Tune/TuneOk, Connection.Open/OpenOk. The
// broker's tuning values are captured on the returned UpstreamConn but are
// never propagated to the client.
func performUpstreamHandshake(conn net.Conn, username, password, vhost string) (*UpstreamConn, error) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	if _, err := io.WriteString(w, ProtocolHeader); err != nil {
		return nil, fmt.Errorf("failed to send protocol header: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	frame, err := ParseFrame(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read Connection.Start: %w", err)
	}
	header, err := ParseMethodHeader(frame.Payload)
	if err != nil {
		return nil, err
	}
	if header.ClassID != classConnection || header.MethodID != methodConnectionStart {
		return nil, fmt.Errorf("expected Connection.Start (10,10), got (%d,%d)", header.ClassID, header.MethodID)
	}

	response := serializeConnectionStartOkResponse(username, password)
	startOk := serializeConnectionStartOk("PLAIN", response)
	if err := WriteFrame(w, &Frame{Type: FrameTypeMethod, Channel: 0, Payload: startOk}); err != nil {
		return nil, fmt.Errorf("failed to send Connection.StartOk: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	frame, err = ParseFrame(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read Connection.Tune: %w", err)
	}
	header, err = ParseMethodHeader(frame.Payload)
	if err != nil {
		return nil, err
	}
	if header.ClassID != classConnection || header.MethodID != methodConnectionTune {
		return nil, fmt.Errorf("expected Connection.Tune (10,30), got (%d,%d)", header.ClassID, header.MethodID)
	}
	channelMax, frameMax, heartbeat, err := parseConnectionTune(frame.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Connection.Tune: %w", err)
	}

	tuneOk := serializeConnectionTune(methodConnectionTuneOk, channelMax, frameMax, heartbeat)
	if err := WriteFrame(w, &Frame{Type: FrameTypeMethod, Channel: 0, Payload: tuneOk}); err != nil {
		return nil, fmt.Errorf("failed to send Connection.TuneOk: %w", err)
	}

	openPayload := serializeConnectionOpen(vhost)
	if err := WriteFrame(w, &Frame{Type: FrameTypeMethod, Channel: 0, Payload: openPayload}); err != nil {
		return nil, fmt.Errorf("failed to send Connection.Open: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	frame, err = ParseFrame(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read Connection.OpenOK: %w", err)
	}
	header, err = ParseMethodHeader(frame.Payload)
	if err != nil {
		return nil, err
	}
	if header.ClassID != classConnection || header.MethodID != methodConnectionOpenOk {
		return nil, fmt.Errorf("expected Connection.OpenOK (10,41), got (%d,%d)", header.ClassID, header.MethodID)
	}

	return &UpstreamConn{
		Conn:       conn,
		Reader:     r,
		Writer:     w,
		ChannelMax: channelMax,
		FrameMax:   frameMax,
		Heartbeat:  heartbeat,
	}, nil
}

// serializeConnectionOpen builds a Connection.Open payload for the given vhost.
func serializeConnectionOpen(vhost string) []byte {
	header := SerializeMethodHeader(&MethodHeader{ClassID: classConnection, MethodID: methodConnectionOpen})
	payload := serializeShortString(vhost)
	payload = append(payload, serializeShortString("")...) // reserved1 (capabilities)
	payload = append(payload, 0)                            // reserved2 (insist, bit)
	return append(header, payload...)
}
