package proxy

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timsweb/amqplex/pool"
)

// clientWriter is the interface ManagedUpstream uses to interact with a
// registered client connection. ClientConnection implements this.
type clientWriter interface {
	DeliverFrame(frame *Frame) error
	Abort()
}

// channelEntry binds an upstream channel ID to the client that owns it and
// the client-side channel ID used for remapping.
type channelEntry struct {
	owner        clientWriter
	clientChanID uint16
}

// ManagedUpstream owns one upstream AMQP connection shared by multiple
// clients over time. Instances are pooled per (username, password, vhost)
// credential set; several may exist for the same set.
type ManagedUpstream struct {
	username, password, vhost string
	maxChannels               uint16

	// dialFn dials and handshakes a new UpstreamConn. Injected for
	// testability; set by Proxy in production.
	dialFn        func() (*UpstreamConn, error)
	reconnectBase time.Duration // base backoff for idle-reconnect; defaults to 500ms

	logger *slog.Logger

	mu            sync.Mutex
	conn          *UpstreamConn
	usedChannels  map[uint16]bool
	channelOwners map[uint16]channelEntry
	pendingClose  map[uint16]bool // upstream channel ids awaiting Channel.CloseOk
	clients       []clientWriter

	// safety tracks, per upstream channel, whether a stateful/unsafe method
	// has crossed it yet. Diagnostic only — surfaced through metrics/logs,
	// never used to reject or alter an operation.
	safety *pool.ConnectionPool

	stopped        atomic.Bool
	heartbeat      uint16 // negotiated heartbeat interval in seconds
	reconnectTotal atomic.Int64

	idleSince time.Time // zero value means "not idle" (borrowed, or never released)
}

func newManagedUpstream(username, password, vhost string, maxChannels uint16, dialFn func() (*UpstreamConn, error), logger *slog.Logger) *ManagedUpstream {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagedUpstream{
		username:      username,
		password:      password,
		vhost:         vhost,
		maxChannels:   maxChannels,
		dialFn:        dialFn,
		reconnectBase: 500 * time.Millisecond,
		logger:        logger,
		usedChannels:  make(map[uint16]bool),
		channelOwners: make(map[uint16]channelEntry),
		pendingClose:  make(map[uint16]bool),
		safety:        pool.NewConnectionPool(username, password, vhost, 0, int(maxChannels)),
	}
}

// AllocateChannel finds the lowest free upstream channel ID, registers the
// mapping, and returns the upstream ID. Returns an error if maxChannels is
// exhausted.
func (m *ManagedUpstream) AllocateChannel(clientChanID uint16, cw clientWriter) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 1; i <= int(m.maxChannels); i++ {
		id := uint16(i)
		if !m.usedChannels[id] {
			m.usedChannels[id] = true
			m.channelOwners[id] = channelEntry{owner: cw, clientChanID: clientChanID}
			m.safety.AddSafeChannel(int(id))
			return id, nil
		}
	}
	return 0, errors.New("no free upstream channel available")
}

// ReleaseChannel marks an upstream channel ID as free.
func (m *ManagedUpstream) ReleaseChannel(upstreamChanID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usedChannels, upstreamChanID)
	delete(m.channelOwners, upstreamChanID)
	delete(m.pendingClose, upstreamChanID)
	m.safety.RemoveSafeChannel(int(upstreamChanID))
}

// noteMethodFrame records the method crossing upstreamChanID against its
// operation log; Channel.RecordOperation decides whether it demotes the
// channel out of the safe set (see unsafeMethods). Diagnostic bookkeeping
// only; it never rejects or alters the frame itself.
func (m *ManagedUpstream) noteMethodFrame(upstreamChanID uint16, payload []byte) {
	hdr, err := ParseMethodHeader(payload)
	if err != nil {
		return
	}
	name, ok := classifyMethod(hdr.ClassID, hdr.MethodID)
	if !ok {
		return
	}
	m.safety.RecordChannelOperation(int(upstreamChanID), name)
}

// SafeChannelCount reports how many currently allocated channels have not
// yet carried a stateful operation.
func (m *ManagedUpstream) SafeChannelCount() int {
	return m.safety.SafeChannelCount()
}

// MarkIdle records that this upstream just became idle (returned to the
// pool with zero bound channels), so the reaper can age it out.
func (m *ManagedUpstream) MarkIdle(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleSince = at
}

// ClearIdle marks this upstream as no longer idle, e.g. once borrowed again.
func (m *ManagedUpstream) ClearIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleSince = time.Time{}
}

// IdleFor reports how long this upstream has been idle as of now, and
// whether it is idle at all.
func (m *ManagedUpstream) IdleFor(now time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idleSince.IsZero() {
		return 0, false
	}
	return now.Sub(m.idleSince), true
}

// HasCapacity reports whether this upstream has at least one free channel slot.
func (m *ManagedUpstream) HasCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint16(len(m.usedChannels)) < m.maxChannels
}

// BoundChannelCount reports how many upstream channels are currently in use,
// used by the pool to decide whether an Upstream is eligible to be returned
// (it isn't, until this reaches zero).
func (m *ManagedUpstream) BoundChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.usedChannels)
}

// Register adds a client to the teardown/broadcast list.
func (m *ManagedUpstream) Register(cw clientWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = append(m.clients, cw)
}

// Deregister removes a client from the teardown/broadcast list.
func (m *ManagedUpstream) Deregister(cw clientWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.clients {
		if c == cw {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			return
		}
	}
}

// MarkPendingClose notes that upstream channel id is awaiting a
// Channel.CloseOk from the broker.
func (m *ManagedUpstream) MarkPendingClose(upstreamChanID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingClose[upstreamChanID] = true
}

// Alive reports whether the upstream connection is still usable.
func (m *ManagedUpstream) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && !m.stopped.Load()
}

// Conn returns the current UpstreamConn, or nil if not connected.
func (m *ManagedUpstream) Conn() *UpstreamConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Start installs uc as this ManagedUpstream's active connection and spawns
// its read loop. Only one read loop may be active at a time.
func (m *ManagedUpstream) Start(uc *UpstreamConn) {
	m.mu.Lock()
	m.conn = uc
	m.heartbeat = uc.Heartbeat
	m.stopped.Store(false)
	m.mu.Unlock()

	m.safety.AddConnection(uc)
	go m.readLoop(uc)
}

// readLoop is the single reader for this Upstream's broker socket. It
// dispatches by frame type/method, remapping channel-bound frames back to
// their owning client.
func (m *ManagedUpstream) readLoop(uc *UpstreamConn) {
	for {
		frame, err := ParseFrame(uc.Reader)
		if err != nil {
			m.onUpstreamDead()
			return
		}

		switch frame.Type {
		case FrameTypeHeartbeat:
			// Heartbeats are hop-by-hop and never forwarded to clients; the
			// Upstream always answers in place.
			_ = m.writeToUpstream(&Frame{Type: FrameTypeHeartbeat, Channel: 0, Payload: []byte{}})
			continue
		}

		if frame.Channel == 0 {
			m.handleConnectionLevelFrame(uc, frame)
			continue
		}

		m.dispatchChannelFrame(frame)
	}
}

func (m *ManagedUpstream) handleConnectionLevelFrame(uc *UpstreamConn, frame *Frame) {
	switch {
	case isConnectionClose(frame.Payload):
		_ = m.writeToUpstream(&Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionCloseOk()})
		m.broadcastClose(ReplyCodeConnectionForced, UpstreamErrorText)
		m.markDead()
	case isConnectionCloseOk(frame.Payload):
		m.markDead()
	default:
		// Any other connection-level frame (e.g. Connection.Blocked/Unblocked)
		// is forwarded verbatim to every bound client.
		m.mu.Lock()
		clients := append([]clientWriter(nil), m.clients...)
		m.mu.Unlock()
		for _, c := range clients {
			_ = c.DeliverFrame(frame)
		}
	}
}

func (m *ManagedUpstream) dispatchChannelFrame(frame *Frame) {
	m.mu.Lock()
	entry, ok := m.channelOwners[frame.Channel]
	m.mu.Unlock()

	if !ok {
		// No binding: benign race with client disconnect.
		return
	}

	if isChannelCloseOk(frame.Payload) {
		m.ReleaseChannel(frame.Channel)
		if cc, ok := entry.owner.(*ClientConnection); ok {
			cc.UnmapChannel(entry.clientChanID)
		}
	}

	remapped := *frame
	remapped.Channel = entry.clientChanID
	_ = entry.owner.DeliverFrame(&remapped)
}

// onUpstreamDead handles a read error or EOF: marks the connection dead and
// sends every bound client a synthetic Connection.Close.
func (m *ManagedUpstream) onUpstreamDead() {
	m.markDead()
	m.broadcastClose(ReplyCodeConnectionForced, UpstreamErrorText)
}

func (m *ManagedUpstream) markDead() {
	m.mu.Lock()
	m.conn = nil
	m.stopped.Store(true)
	m.mu.Unlock()
}

func (m *ManagedUpstream) broadcastClose(replyCode uint16, replyText string) {
	closeFrame := &Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionClose(replyCode, replyText)}

	m.mu.Lock()
	clients := append([]clientWriter(nil), m.clients...)
	m.mu.Unlock()

	for _, c := range clients {
		_ = c.DeliverFrame(closeFrame)
		c.Abort()
	}
}

func (m *ManagedUpstream) writeToUpstream(frame *Frame) error {
	m.mu.Lock()
	uc := m.conn
	m.mu.Unlock()
	if uc == nil {
		return errors.New("upstream not connected")
	}
	if err := WriteFrame(uc.Writer, frame); err != nil {
		return err
	}
	return uc.Writer.Flush()
}

// Close tears down the upstream connection, best-effort, without waiting
// for CloseOk (used when the pool reaper evicts an idle upstream).
func (m *ManagedUpstream) Close() error {
	m.mu.Lock()
	uc := m.conn
	m.conn = nil
	m.stopped.Store(true)
	m.mu.Unlock()

	if uc == nil {
		return nil
	}
	closeFrame := &Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionClose(0, "")}
	if err := WriteFrame(uc.Writer, closeFrame); err == nil {
		_ = uc.Writer.Flush()
	}
	return uc.Close()
}

// reconnect dials a fresh upstream connection with capped exponential
// backoff, used when a borrow finds a pooled Upstream has died. Automatic
// reconnection of a live, bound session is never attempted; this only
// replaces an idle, unbound entry before handing it to a new borrower.
func (m *ManagedUpstream) reconnect() error {
	backoff := m.reconnectBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	const maxAttempts = 5
	const maxBackoff = 8 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		m.reconnectTotal.Add(1)
		uc, err := m.dialFn()
		if err == nil {
			m.Start(uc)
			return nil
		}
		lastErr = err
		m.logger.Warn("upstream reconnect attempt failed", "attempt", attempt+1, "error", err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}

var _ io.Closer = (*ManagedUpstream)(nil)
