package base

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rTable/rpc/common"
	"github.com/ValentinKolb/rTable/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

var (
	// ErrNoConnection is returned by Send when no connection to any endpoint is open.
	ErrNoConnection = errors.New("no active connection")
	// ErrRequestTimeout is returned when no response arrives within TimeoutSecond.
	ErrRequestTimeout = errors.New("request timed out")
	// errConnClosed fails requests waiting on a connection that broke or was closed.
	errConnClosed = errors.New("connection closed")
)

const initialBackoff = 50 * time.Millisecond

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector supplies the protocol specific parts of a client transport.
type IClientConnector interface {
	// Connect dials one endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies the socket options of config to a fresh connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

type response struct {
	data []byte
	err  error
}

// clientConnection is one multiplexed connection. Requests are matched to responses by request id.
type clientConnection struct {
	endpoint string
	parent   *clientTransport

	mu      sync.Mutex // guards conn and serializes frame writes
	conn    net.Conn
	closed  bool
	pending *xsync.MapOf[uint64, chan response]
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector   IClientConnector
	config      common.ClientConfig
	timeout     time.Duration
	connections []*clientConnection
	connMu      sync.RWMutex
	nextConn    atomic.Uint64 // round robin
	nextRequest atomic.Uint64
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a client transport that uses connector to open its connections.
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{connector: connector}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return errors.New("no endpoints provided")
	}
	t.closeConnections()

	t.config = config
	t.timeout = time.Duration(config.TimeoutSecond) * time.Second
	perEndpoint := max(1, config.Transport.ConnectionsPerEndpoint)
	total := len(config.Transport.Endpoints) * perEndpoint

	connections := make([]*clientConnection, 0, total)
	for _, endpoint := range config.Transport.Endpoints {
		for i := 0; i < perEndpoint; i++ {
			c := &clientConnection{
				endpoint: endpoint,
				parent:   t,
				pending:  xsync.NewMapOf[uint64, chan response](),
			}
			conn, err := c.dial()
			if err != nil {
				Logger.Warningf("connection %d/%d to %s failed: %v", i+1, perEndpoint, endpoint, err)
				continue
			}
			c.conn = conn
			connections = append(connections, c)
			go c.readResponses(conn)
		}
	}
	if len(connections) == 0 {
		return errors.Newf("failed to connect to any of %v", config.Transport.Endpoints)
	}

	t.connMu.Lock()
	t.connections = connections
	t.connMu.Unlock()

	Logger.Infof("%s transport: %d/%d connections to %d endpoint(s) open",
		t.connector.GetName(), len(connections), total, len(config.Transport.Endpoints))
	return nil
}

// Send sends req to shardId and waits for the response. Failed attempts are retried
// RetryCount times on the next connection with an exponential backoff.
func (t *clientTransport) Send(shardId uint64, req []byte) ([]byte, error) {
	attempts := max(1, t.config.Transport.RetryCount)
	backoff := initialBackoff

	var lastErr error
	for i := 0; i < attempts; i++ {
		c := t.nextConnection()
		if c == nil {
			return nil, ErrNoConnection
		}
		resp, err := c.roundTrip(shardId, t.nextRequest.Add(1), req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		Logger.Debugf("request to shard %d, attempt %d/%d failed: %v", shardId, i+1, attempts, err)

		if i < attempts-1 {
			// +-10% jitter
			time.Sleep(time.Duration(float64(backoff) * (0.9 + 0.2*rand.Float64())))
			backoff *= 2
		}
	}
	return nil, errors.Wrapf(lastErr, "request to shard %d failed after %d attempt(s)", shardId, attempts)
}

func (t *clientTransport) Close() error {
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *clientTransport) nextConnection() *clientConnection {
	t.connMu.RLock()
	defer t.connMu.RUnlock()

	switch len(t.connections) {
	case 0:
		return nil
	case 1:
		return t.connections[0]
	}
	return t.connections[t.nextConn.Add(1)%uint64(len(t.connections))]
}

func (t *clientTransport) closeConnections() {
	t.connMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connMu.Unlock()

	for _, c := range connections {
		c.close()
	}
}

// dial opens and upgrades a new connection to the endpoint of c.
func (c *clientConnection) dial() (net.Conn, error) {
	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", c.endpoint)
	}
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "upgrade connection to %s", c.endpoint)
	}
	return conn, nil
}

// roundTrip writes one request frame and waits for the matching response.
func (c *clientConnection) roundTrip(shardID, requestID uint64, req []byte) ([]byte, error) {
	respCh := make(chan response, 1)
	c.pending.Store(requestID, respCh)
	defer c.pending.Delete(requestID)

	timeout := c.parent.timeout

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, errConnClosed
	}
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := writeFrame(c.conn, shardID, requestID, req)
	c.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "write request")
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case r := <-respCh:
		return r.data, r.err
	case <-timer:
		return nil, ErrRequestTimeout
	}
}

// readResponses hands every response frame read from conn to the request waiting for it.
// When the connection breaks, all waiting requests fail and the connection is redialed.
func (c *clientConnection) readResponses(conn net.Conn) {
	for {
		shardID, requestID, data, err := readFrame(conn, nil)
		if err != nil {
			c.failPending(errors.Wrap(errConnClosed, err.Error()))
			if conn = c.redial(conn, err); conn == nil {
				return
			}
			continue
		}
		if ch, ok := c.pending.Load(requestID); ok {
			select {
			case ch <- response{data: data}:
			default:
			}
		} else {
			Logger.Warningf("response for unknown request %d (shard %d) dropped", requestID, shardID)
		}
	}
}

// redial replaces the broken connection old. It returns nil if the connection was closed
// on purpose or the endpoint cannot be reached.
func (c *clientConnection) redial(old net.Conn, cause error) net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = old.Close()
	c.conn = nil
	if c.closed {
		return nil
	}

	Logger.Warningf("connection to %s lost (%v), reconnecting", c.endpoint, cause)
	conn, err := c.dial()
	if err != nil {
		Logger.Errorf("reconnect to %s failed: %v", c.endpoint, err)
		return nil
	}
	c.conn = conn
	return conn
}

func (c *clientConnection) failPending(err error) {
	c.pending.Range(func(_ uint64, ch chan response) bool {
		select {
		case ch <- response{err: err}:
		default:
		}
		return true
	})
}

func (c *clientConnection) close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.failPending(errConnClosed)
}
