package pool

import (
	"sync"
	"time"
)

type Credentials struct {
	Username string
	Password string
	Vhost    string
}

type Connection interface {
	IsOpen() bool
	Close() error
	Channel() (Channel, error)
}

type PooledConnection struct {
	Connection      Connection
	ChannelMappings map[int]int // client channel -> upstream channel
	mu              sync.RWMutex
}

// ConnectionPool, despite the name, is not the top-level upstream pool
// (that lives in proxy.Proxy, keyed by credentials). An instance of
// ConnectionPool is owned by a single proxy.ManagedUpstream and tracks
// diagnostic facts about it: the live Connection registered against these
// credentials (Connections/AddConnection/GetConnection), and, per channel, an
// operation log (channels, backed by Channel) recording whether a
// stateful/unsafe operation has crossed it yet.
type ConnectionPool struct {
	Username    string
	Password    string
	Vhost       string
	IdleTimeout time.Duration
	MaxChannels int
	Connections []*PooledConnection
	channels    map[int]*Channel
	mu          sync.RWMutex
}

func NewConnectionPool(username, password, vhost string, idleTimeout int, maxChannels int) *ConnectionPool {
	return &ConnectionPool{
		Username:    username,
		Password:    password,
		Vhost:       vhost,
		IdleTimeout: time.Duration(idleTimeout) * time.Second,
		MaxChannels: maxChannels,
		Connections: make([]*PooledConnection, 0),
		channels:    make(map[int]*Channel),
	}
}

func (p *ConnectionPool) AddConnection(conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pooled := &PooledConnection{
		Connection:      conn,
		ChannelMappings: make(map[int]int),
	}
	p.Connections = append(p.Connections, pooled)
}

func (p *ConnectionPool) GetConnection() *PooledConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.Connections) == 0 {
		return nil
	}
	return p.Connections[0]
}

// AddSafeChannel starts tracking a freshly allocated channel. It begins
// life safe; RecordChannelOperation demotes it the first time a
// stateful/unsafe method crosses it.
func (p *ConnectionPool) AddSafeChannel(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[id] = NewChannel(id)
}

// RemoveSafeChannel clears a channel's operation log entirely, once it
// closes.
func (p *ConnectionPool) RemoveSafeChannel(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.channels, id)
}

// IsSafeChannel reports whether id is currently tracked and has not yet
// carried a stateful operation.
func (p *ConnectionPool) IsSafeChannel(id int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ch, ok := p.channels[id]
	return ok && ch.IsSafe()
}

// RecordChannelOperation logs a method crossing a tracked channel; op is the
// dotted method name (e.g. "Basic.Consume"). Channel.RecordOperation decides
// whether op demotes the channel out of the safe set. A channel with no
// tracked entry (already released, or never allocated) is a no-op.
func (p *ConnectionPool) RecordChannelOperation(id int, op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[id]
	if !ok {
		return
	}
	ch.RecordOperation(op)
}

// SafeChannelCount reports how many tracked channels have not yet carried a
// stateful operation, used by ManagedUpstream to derive an "unsafe channel"
// count for metrics.
func (p *ConnectionPool) SafeChannelCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, ch := range p.channels {
		if ch.IsSafe() {
			n++
		}
	}
	return n
}
