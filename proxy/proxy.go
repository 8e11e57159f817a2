package proxy

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timsweb/amqplex/config"
	"github.com/timsweb/amqplex/tlsutil"
)

// Proxy is the top-level AMQP connection-pooling proxy: it accepts
// downstream client connections, multiplexes their sessions onto a pool of
// long-lived Upstream connections keyed by credentials, and
// forwards frames between the two with channel-number translation.
type Proxy struct {
	config *config.Config
	logger *slog.Logger

	listener net.Listener
	tlsConf  *tls.Config

	upstreamScheme string
	upstreamHost   string
	upstreamTLS    *tls.Config

	mu           sync.RWMutex
	upstreams    map[[32]byte][]*ManagedUpstream // idle upstreams, by credential hash
	allUpstreams map[*ManagedUpstream]struct{}   // every live upstream, idle or borrowed, until permanently closed

	activeClients    atomic.Int64
	clientConnsMu    sync.Mutex
	clientConns      map[*ClientConnection]struct{}
	acceptingClients atomic.Bool

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

// NewProxy builds a Proxy from configuration but does not yet bind a
// listener or start accepting connections; call Start for that.
func NewProxy(cfg *config.Config, logger *slog.Logger) (*Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid upstream.url %q: %v", cfg.UpstreamURL, err)}
	}

	var upstreamTLSConf *tls.Config
	if u.Scheme == "amqps" {
		upstreamTLSConf, err = tlsutil.LoadTLSConfig(cfg.TLSCACert, cfg.TLSClientCert, cfg.TLSClientKey, cfg.TLSSkipVerify)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("loading upstream TLS config: %v", err)}
		}
	}

	var listenTLSConf *tls.Config
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("loading server TLS cert/key pair: %v", err)}
		}
		listenTLSConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	p := &Proxy{
		config:         cfg,
		logger:         logger,
		tlsConf:        listenTLSConf,
		upstreamScheme: u.Scheme,
		upstreamHost:   u.Host,
		upstreamTLS:    upstreamTLSConf,
		upstreams:      make(map[[32]byte][]*ManagedUpstream),
		allUpstreams:   make(map[*ManagedUpstream]struct{}),
		clientConns:    make(map[*ClientConnection]struct{}),
		stopCleanup:    make(chan struct{}),
	}
	p.acceptingClients.Store(true)
	return p, nil
}

func (p *Proxy) getPoolKey(username, password, vhost string) [32]byte {
	credentials := fmt.Sprintf("%s:%s:%s", username, password, vhost)
	return sha256.Sum256([]byte(credentials))
}

// Start binds the listener and runs the accept loop plus the idle-upstream
// reaper until Stop is called.
func (p *Proxy) Start() error {
	addr := fmt.Sprintf("%s:%d", p.config.ListenAddress, p.config.ListenPort)

	var listener net.Listener
	var err error
	if p.tlsConf != nil {
		listener, err = tls.Listen("tcp", addr, p.tlsConf)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", addr, err)
	}
	p.listener = listener
	p.logger.Info("proxy listening", "address", addr, "tls", p.tlsConf != nil)

	go p.reapIdleUpstreams()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !p.acceptingClients.Load() {
				return nil
			}
			p.logger.Warn("accept failed", "error", err)
			continue
		}

		if max := p.config.MaxClientConnections; max > 0 && int(p.activeClients.Load()) >= max {
			p.logger.Warn("rejecting client: connection limit reached", "limit", max)
			conn.Close()
			continue
		}

		go p.handleClient(conn)
	}
}

// stopAcceptingClients closes the listener without touching existing
// sessions. This is the first-signal half of shutdown.
func (p *Proxy) stopAcceptingClients() {
	p.acceptingClients.Store(false)
	if p.listener != nil {
		p.listener.Close()
	}
}

// disconnectClients sends Connection.Close to every live client and closes
// their sockets. This is the second-signal half of shutdown.
func (p *Proxy) disconnectClients() {
	p.clientConnsMu.Lock()
	conns := make([]*ClientConnection, 0, len(p.clientConns))
	for cc := range p.clientConns {
		conns = append(conns, cc)
	}
	p.clientConnsMu.Unlock()

	closeFrame := &Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionClose(ReplyCodeConnectionForced, "SERVER_SHUTDOWN")}
	for _, cc := range conns {
		_ = cc.DeliverFrame(closeFrame)
		cc.Abort()
	}
}

// Stop performs the first-signal half of the graceful shutdown
// choreography: stop accepting new clients, leave existing sessions alone.
func (p *Proxy) Stop() error {
	p.stopAcceptingClients()
	p.cleanupOnce.Do(func() { close(p.stopCleanup) })
	return nil
}

// ForceDisconnectAll is called on a second shutdown signal.
func (p *Proxy) ForceDisconnectAll() {
	p.disconnectClients()
}

// ActiveClientCount reports the number of currently connected clients.
func (p *Proxy) ActiveClientCount() int {
	return int(p.activeClients.Load())
}

func (p *Proxy) registerClient(cc *ClientConnection) {
	p.clientConnsMu.Lock()
	p.clientConns[cc] = struct{}{}
	p.clientConnsMu.Unlock()
	p.activeClients.Add(1)
}

func (p *Proxy) deregisterClient(cc *ClientConnection) {
	p.clientConnsMu.Lock()
	delete(p.clientConns, cc)
	p.clientConnsMu.Unlock()
	p.activeClients.Add(-1)
}

// handleClient runs the downstream handshake and, once established, the
// ClientSession frame pump for one accepted socket, for the lifetime of the
// connection.
func (p *Proxy) handleClient(conn net.Conn) {
	cc := NewClientConnection(conn, p)
	p.registerClient(cc)
	defer p.deregisterClient(cc)
	defer cc.Close()

	creds, vhost, err := p.performClientHandshake(cc)
	if err != nil {
		p.logger.Debug("client handshake failed", "error", err, "remote", conn.RemoteAddr())
		return
	}
	cc.Vhost = vhost
	cc.Username = creds.Username
	cc.Password = creds.Password

	p.runClientSession(cc)
}

// performClientHandshake performs the server side of the AMQP handshake:
// protocol header check, Connection.Start/StartOk, Connection.Tune/TuneOk
// (proxy's own downstream defaults), Connection.Open/OpenOk.
func (p *Proxy) performClientHandshake(cc *ClientConnection) (*Credentials, string, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(cc.Reader, header); err != nil {
		return nil, "", &NegotiationError{Reason: "reading protocol header", Err: err}
	}
	if hdr := string(header); hdr != ProtocolHeader && hdr != protocolHeaderLegacy {
		if _, err := cc.Writer.WriteString(ProtocolHeader); err == nil {
			_ = cc.Writer.Flush()
		}
		return nil, "", &NegotiationError{Reason: "unsupported protocol header"}
	}

	if err := writeFrameFlush(cc.Writer, &Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionStart()}); err != nil {
		return nil, "", &NegotiationError{Reason: "sending Connection.Start", Err: err}
	}

	startOkFrame, err := ParseFrame(cc.Reader)
	if err != nil {
		return nil, "", &NegotiationError{Reason: "reading Connection.StartOk", Err: err}
	}
	creds, err := ParseConnectionStartOk(startOkFrame.Payload)
	if err != nil {
		return nil, "", &NegotiationError{Reason: "parsing Connection.StartOk", Err: err}
	}

	if err := writeFrameFlush(cc.Writer, &Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionTunePayload()}); err != nil {
		return nil, "", &NegotiationError{Reason: "sending Connection.Tune", Err: err}
	}

	tuneOkFrame, err := ParseFrame(cc.Reader)
	if err != nil {
		return nil, "", &NegotiationError{Reason: "reading Connection.TuneOk", Err: err}
	}
	if !methodIs(tuneOkFrame.Payload, classConnection, methodConnectionTuneOk) {
		return nil, "", &NegotiationError{Reason: "expected Connection.TuneOk"}
	}

	openFrame, err := ParseFrame(cc.Reader)
	if err != nil {
		return nil, "", &NegotiationError{Reason: "reading Connection.Open", Err: err}
	}
	vhost, err := ParseConnectionOpen(openFrame.Payload)
	if err != nil {
		return nil, "", &NegotiationError{Reason: "parsing Connection.Open", Err: err}
	}

	if err := writeFrameFlush(cc.Writer, &Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionOpenOK()}); err != nil {
		return nil, "", &NegotiationError{Reason: "sending Connection.OpenOk", Err: err}
	}

	return creds, vhost, nil
}

// runClientSession is the ClientSession frame pump: reads frames from the
// client and dispatches according to method, borrowing an Upstream on the
// first Channel.Open.
func (p *Proxy) runClientSession(cc *ClientConnection) {
	var upstreamKey [32]byte
	var haveUpstream bool

	defer func() {
		if haveUpstream && cc.Upstream != nil {
			p.releaseUpstream(cc, upstreamKey)
		}
	}()

	for {
		frame, err := ParseFrame(cc.Reader)
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("client session ended", "error", &ClientIOError{Err: err})
			}
			return
		}

		switch frame.Type {
		case FrameTypeHeartbeat:
			_ = cc.DeliverFrame(&Frame{Type: FrameTypeHeartbeat, Channel: 0, Payload: []byte{}})
			continue
		}

		if frame.Channel == 0 {
			switch {
			case isConnectionClose(frame.Payload):
				_ = cc.DeliverFrame(&Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionCloseOk()})
				return
			case isConnectionCloseOk(frame.Payload):
				return
			default:
				if haveUpstream {
					_ = cc.Upstream.writeToUpstream(frame)
				}
				continue
			}
		}

		if isChannelOpen(frame.Payload) {
			if !haveUpstream {
				upstream, key, err := p.borrowUpstream(cc.Username, cc.Password, cc.Vhost)
				if err != nil {
					p.logger.Warn("failed to borrow upstream", "error", err)
					_ = cc.DeliverFrame(&Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionClose(ReplyCodeResourceError, "UPSTREAM_UNAVAILABLE")})
					return
				}
				cc.Upstream = upstream
				upstreamKey = key
				haveUpstream = true
				upstream.Register(cc)
			}

			upstreamChan, err := cc.Upstream.AllocateChannel(frame.Channel, cc)
			if err != nil {
				_ = cc.DeliverFrame(&Frame{Type: FrameTypeMethod, Channel: frame.Channel, Payload: serializeChannelClose(ReplyCodeResourceError, "CHANNEL_LIMIT_REACHED")})
				continue
			}
			cc.MapChannel(frame.Channel, upstreamChan)

			remapped := *frame
			remapped.Channel = upstreamChan
			_ = cc.Upstream.writeToUpstream(&remapped)
			continue
		}

		if !haveUpstream {
			// Any channel-bound non-Channel.Open frame before an Upstream is
			// assigned is a protocol violation.
			protoErr := &ProtocolError{Reason: fmt.Sprintf("frame on channel %d before any channel was opened", frame.Channel)}
			_ = cc.DeliverFrame(&Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionClose(ReplyCodeChannelError, protoErr.Error())})
			return
		}

		upstreamChanID, ok := cc.upstreamIDFor(frame.Channel)
		if !ok {
			protoErr := &ProtocolError{Reason: fmt.Sprintf("frame on unbound channel %d", frame.Channel)}
			_ = cc.DeliverFrame(&Frame{Type: FrameTypeMethod, Channel: 0, Payload: serializeConnectionClose(ReplyCodeChannelError, protoErr.Error())})
			return
		}

		if isChannelClose(frame.Payload) || isChannelCloseOk(frame.Payload) {
			remapped := *frame
			remapped.Channel = upstreamChanID
			_ = cc.Upstream.writeToUpstream(&remapped)
			if isChannelCloseOk(frame.Payload) {
				cc.Upstream.ReleaseChannel(upstreamChanID)
				cc.UnmapChannel(frame.Channel)
			} else {
				cc.Upstream.MarkPendingClose(upstreamChanID)
			}
			continue
		}

		if frame.Type == FrameTypeMethod {
			cc.Upstream.noteMethodFrame(upstreamChanID, frame.Payload)
		}

		remapped := *frame
		remapped.Channel = upstreamChanID
		_ = cc.Upstream.writeToUpstream(&remapped)
	}
}

// borrowUpstream finds an idle upstream for the given credentials, or dials
// a fresh one. Dialing happens outside the pool mutex.
func (p *Proxy) borrowUpstream(username, password, vhost string) (*ManagedUpstream, [32]byte, error) {
	key := p.getPoolKey(username, password, vhost)

	for {
		p.mu.Lock()
		idle := p.upstreams[key]
		if len(idle) == 0 {
			p.mu.Unlock()
			break
		}
		m := idle[0]
		p.upstreams[key] = idle[1:]
		p.mu.Unlock()

		if m.Alive() {
			m.ClearIdle()
			return m, key, nil
		}
		// Dead idle entry: it was unbound, so a capped-backoff reconnect on
		// the same ManagedUpstream is safe.
		if err := m.reconnect(); err == nil {
			m.ClearIdle()
			return m, key, nil
		}
		// Reconnect exhausted its attempts: this entry is done for good; try
		// the next idle entry for this key before dialing a brand new one.
		p.untrackUpstream(m)
	}

	if max := p.config.MaxUpstreamConnections; max > 0 && p.upstreamCount() >= max {
		return nil, key, fmt.Errorf("upstream connection limit reached (%d)", max)
	}

	m := newManagedUpstream(username, password, vhost, uint16(p.config.PoolMaxChannels), func() (*UpstreamConn, error) {
		return p.dialUpstream(username, password, vhost)
	}, p.logger)

	uc, err := m.dialFn()
	if err != nil {
		return nil, key, err
	}
	m.Start(uc)
	p.trackUpstream(m)
	return m, key, nil
}

// trackUpstream registers m as live, whether idle or borrowed, so metrics
// scraped mid-borrow still see it. untrackUpstream removes it once m is
// permanently closed and will never be reused.
func (p *Proxy) trackUpstream(m *ManagedUpstream) {
	p.mu.Lock()
	p.allUpstreams[m] = struct{}{}
	p.mu.Unlock()
}

func (p *Proxy) untrackUpstream(m *ManagedUpstream) {
	p.mu.Lock()
	delete(p.allUpstreams, m)
	p.mu.Unlock()
}

func (p *Proxy) upstreamCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.allUpstreams)
}

// releaseUpstream returns an Upstream to the pool once a session ends:
// best-effort Channel.Close for every surviving binding, then hand back if
// clean, else discard.
func (p *Proxy) releaseUpstream(cc *ClientConnection, key [32]byte) {
	upstream := cc.Upstream
	upstream.Deregister(cc)

	for clientID, upstreamID := range cc.boundChannels() {
		_ = upstream.writeToUpstream(&Frame{Type: FrameTypeMethod, Channel: upstreamID, Payload: serializeChannelClose(0, "")})
		upstream.MarkPendingClose(upstreamID)
		cc.UnmapChannel(clientID)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for upstream.BoundChannelCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if upstream.BoundChannelCount() > 0 || !upstream.Alive() {
		_ = upstream.Close()
		p.untrackUpstream(upstream)
		return
	}

	upstream.MarkIdle(time.Now())
	p.mu.Lock()
	p.upstreams[key] = append([]*ManagedUpstream{upstream}, p.upstreams[key]...)
	p.mu.Unlock()
}

// dialUpstream dials and handshakes a fresh connection to the configured
// broker, applying TLS when the upstream URL scheme is amqps.
func (p *Proxy) dialUpstream(username, password, vhost string) (*UpstreamConn, error) {
	var conn net.Conn
	var err error
	if p.upstreamTLS != nil {
		conn, err = tls.Dial("tcp", p.upstreamHost, p.upstreamTLS)
	} else {
		conn, err = net.Dial("tcp", p.upstreamHost)
	}
	if err != nil {
		return nil, &UpstreamIOError{Err: err}
	}

	uc, err := performUpstreamHandshake(conn, username, password, vhost)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return uc, nil
}

// reapIdleUpstreams periodically closes idle upstreams that have exceeded
// the configured idle timeout, plus any that died while idle.
func (p *Proxy) reapIdleUpstreams() {
	interval := time.Duration(p.config.PoolCleanupInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	idleTimeout := time.Duration(p.config.PoolIdleTimeout) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCleanup:
			return
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			for key, idle := range p.upstreams {
				kept := idle[:0]
				for _, m := range idle {
					if !m.Alive() {
						_ = m.Close()
						delete(p.allUpstreams, m)
						continue
					}
					if idleTimeout > 0 {
						if age, isIdle := m.IdleFor(now); isIdle && age >= idleTimeout {
							_ = m.Close()
							delete(p.allUpstreams, m)
							continue
						}
					}
					kept = append(kept, m)
				}
				p.upstreams[key] = kept
			}
			p.mu.Unlock()
		}
	}
}

func writeFrameFlush(w *bufio.Writer, frame *Frame) error {
	if err := WriteFrame(w, frame); err != nil {
		return err
	}
	return w.Flush()
}
