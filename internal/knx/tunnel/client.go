package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for the tunnel connection.
const (
	// DefaultPort is the KNXnet/IP port.
	DefaultPort = "3671"

	// defaultConnectTimeout bounds dial plus CONNECT handshake.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout is the timeout for individual read operations.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the timeout for write operations.
	defaultWriteTimeout = 5 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// defaultHeartbeatInterval is the CONNECTIONSTATE request period.
	defaultHeartbeatInterval = 60 * time.Second

	// defaultHeartbeatTimeout is how long to wait for a CONNECTIONSTATE response.
	defaultHeartbeatTimeout = 10 * time.Second

	// readBufferSize holds the largest message the client accepts.
	readBufferSize = 512

	// frameQueueSize is the buffer size for inbound cEMI frames.
	frameQueueSize = 256
)

// Config holds tunnel connection configuration.
type Config struct {
	// Connection is the KNXnet/IP server URL, e.g. "tcp://192.168.1.10:3671".
	// The port defaults to 3671.
	Connection string

	// ConnectTimeout bounds dial and CONNECT handshake.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is the timeout for read operations.
	// Default: 30 seconds.
	ReadTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// HeartbeatInterval is the period of CONNECTIONSTATE requests.
	// Default: 60 seconds.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the wait for a CONNECTIONSTATE response.
	// Default: 10 seconds.
	HeartbeatTimeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return cfg
}

// Stats holds operational statistics.
type Stats struct {
	FramesTx        uint64    `json:"frames_tx"`
	FramesRx        uint64    `json:"frames_rx"`
	FramesDropped   uint64    `json:"frames_dropped"`
	ErrorsTotal     uint64    `json:"errors_total"`
	ReconnectsTotal uint64    `json:"reconnects_total"`
	LastActivity    time.Time `json:"last_activity"`
	Connected       bool      `json:"connected"`
	Reconnecting    bool      `json:"reconnecting"`
	Channel         uint8     `json:"channel"`
	Address         string    `json:"address"`
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

var _ cemi.FrameSender = (*Client)(nil)

// Client is a KNXnet/IP tunnelling connection.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Frame callbacks run on one worker goroutine, in arrival order.
//
// Auto-Reconnection:
//   - A read failure or a missed heartbeat drops the stream and the client reconnects.
//   - Backoff starts at ReconnectInterval and grows by 1.5 up to maxReconnectInterval.
//   - Reconnection stops only when Close() is called.
type Client struct {
	cfg     Config
	network string
	address string

	// Connection state, guarded by connMu
	connMu    sync.RWMutex
	conn      net.Conn
	connected bool
	channel   uint8
	ownAddr   telegram.IndividualAddress

	// writeMu serialises writes and owns the send sequence counter
	writeMu sync.Mutex
	sendSeq uint8

	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	// Callbacks
	callbackMu sync.RWMutex
	onFrame    func([]byte)
	onAddress  func(telegram.IndividualAddress)

	frameQueue chan []byte
	stateResp  chan uint8

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesTx        atomic.Uint64
	framesRx        atomic.Uint64
	framesDropped   atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// Connect dials the KNXnet/IP server and opens a link-layer tunnel.
// The individual address assigned by the server is available from
// IndividualAddress once Connect returns.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		cfg:        cfg,
		network:    network,
		address:    address,
		done:       newCloseOnce(),
		frameQueue: make(chan []byte, frameQueueSize),
		stateResp:  make(chan uint8, 1),
	}
	c.lastActivity.Store(time.Now().Unix())

	resp, err := handshake(connectCtx, conn, cfg.ReadTimeout)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake failed: %w", ErrConnectionFailed, err)
	}
	c.install(conn, resp)

	c.wg.Add(3)
	go c.callbackWorker()
	go c.receiveLoop()
	go c.heartbeatLoop()

	return c, nil
}

// parseConnectionURL parses a tunnel URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "tcp" {
		return "", "", fmt.Errorf("unsupported scheme %q (use tcp)", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("missing host in %q", connURL)
	}
	port := u.Port()
	if port == "" {
		port = DefaultPort
	}
	return "tcp", net.JoinHostPort(u.Hostname(), port), nil
}

// handshake sends CONNECT_REQUEST and waits for the CONNECT_RESPONSE.
// It respects the context deadline.
func handshake(ctx context.Context, conn net.Conn, readTimeout time.Duration) (connectResponse, error) {
	if err := conn.SetWriteDeadline(deadlineFor(ctx, defaultWriteTimeout)); err != nil {
		return connectResponse{}, fmt.Errorf("set write deadline: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return connectResponse{}, fmt.Errorf("context cancelled: %w", err)
	}
	if _, err := conn.Write(connectRequest()); err != nil {
		return connectResponse{}, fmt.Errorf("write: %w", err)
	}

	if err := conn.SetReadDeadline(deadlineFor(ctx, readTimeout)); err != nil {
		return connectResponse{}, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, readBufferSize)
	for {
		service, body, err := readMessage(conn, buf)
		if err != nil {
			return connectResponse{}, err
		}
		if service != ServiceConnectResponse {
			// Servers may still flush traffic of a previous session.
			continue
		}
		resp, err := parseConnectResponse(body)
		if err != nil {
			return connectResponse{}, err
		}
		if resp.Status != statusNoError {
			return connectResponse{}, fmt.Errorf("%w: status 0x%02X", ErrConnectionRejected, resp.Status)
		}
		return resp, nil
	}
}

func deadlineFor(ctx context.Context, d time.Duration) time.Time {
	deadline := time.Now().Add(d)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

// readMessage reads one KNXnet/IP message into buf. The returned body
// aliases buf. An oversized or undersized length field returns
// ErrProtocolDesync.
func readMessage(r io.Reader, buf []byte) (ServiceType, []byte, error) {
	if _, err := io.ReadFull(r, buf[:headerLength]); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	total := int(binary.BigEndian.Uint16(buf[4:6]))
	if total < headerLength || total > len(buf) {
		return 0, nil, fmt.Errorf("%w: message length %d", ErrProtocolDesync, total)
	}
	if _, err := io.ReadFull(r, buf[headerLength:total]); err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return ParseMessage(buf[:total])
}

// install makes conn the active stream after a successful handshake.
func (c *Client) install(conn net.Conn, resp connectResponse) {
	c.connMu.Lock()
	changed := c.ownAddr != resp.Address
	c.conn = conn
	c.connected = true
	c.channel = resp.Channel
	c.ownAddr = resp.Address
	c.connMu.Unlock()

	c.writeMu.Lock()
	c.sendSeq = 0
	c.writeMu.Unlock()

	c.logInfo("tunnel connected", "server", c.address, "channel", resp.Channel, "address", resp.Address.String())

	if changed {
		c.callbackMu.RLock()
		fn := c.onAddress
		c.callbackMu.RUnlock()
		if fn != nil {
			fn(resp.Address)
		}
	}
}

// receiveLoop reads messages until Close, reconnecting on failure.
func (c *Client) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)

	for {
		if c.isClosed() {
			return
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			c.logError("set read deadline failed", err)
		}

		service, body, err := readMessage(conn, buf)
		if err != nil {
			if c.handleReadError(conn, err) {
				if c.isClosed() {
					return
				}
				if !c.reconnect() {
					return
				}
			}
			continue
		}
		c.lastActivity.Store(time.Now().Unix())
		c.handleMessage(conn, service, body)
	}
}

// handleReadError returns true when the stream is unusable.
func (c *Client) handleReadError(conn net.Conn, err error) bool {
	if c.isClosed() {
		return true
	}

	if errors.Is(err, ErrInvalidMessage) {
		c.logError("discarding invalid message", err)
		c.errorsTotal.Add(1)
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	if errors.Is(err, ErrProtocolDesync) {
		c.logError("protocol desync detected, closing socket", err)
	} else {
		c.logError("read failed", err)
	}
	c.errorsTotal.Add(1)
	conn.Close()
	c.handleDisconnect(conn)
	return true
}

func (c *Client) handleMessage(conn net.Conn, service ServiceType, body []byte) {
	switch service {
	case ServiceTunnellingRequest:
		channel, frame, err := parseTunnellingRequest(body)
		if err != nil {
			c.logError("parse tunnelling request failed", err)
			c.errorsTotal.Add(1)
			return
		}
		if channel != c.Channel() {
			c.logDebug("tunnelling request for foreign channel", "channel", channel)
			return
		}
		c.enqueueFrame(frame)

	case ServiceConnectionStateResp:
		if len(body) < 2 {
			return
		}
		select {
		case c.stateResp <- body[1]:
		default:
		}

	case ServiceDisconnectRequest:
		c.logInfo("server closed the tunnel")
		if len(body) > 0 {
			_ = c.writeRaw(context.Background(), disconnectResponse(body[0]))
		}
		conn.Close()
		c.handleDisconnect(conn)

	case ServiceDisconnectResponse, ServiceTunnellingAck:
		// Nothing to do over TCP.

	default:
		c.logDebug("ignoring KNXnet/IP service", "service", fmt.Sprintf("0x%04X", uint16(service)))
	}
}

// enqueueFrame copies frame and queues it for the callback worker.
func (c *Client) enqueueFrame(frame []byte) {
	c.framesRx.Add(1)

	c.callbackMu.RLock()
	hasCallback := c.onFrame != nil
	c.callbackMu.RUnlock()
	if !hasCallback {
		return
	}

	raw := make([]byte, len(frame))
	copy(raw, frame)

	select {
	case c.frameQueue <- raw:
	default:
		c.logError("frame queue full, dropping frame", nil)
		c.framesDropped.Add(1)
		c.errorsTotal.Add(1)
	}
}

// callbackWorker delivers queued frames in order.
func (c *Client) callbackWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			c.drainFrameQueue()
			return
		case raw := <-c.frameQueue:
			c.callbackMu.RLock()
			callback := c.onFrame
			c.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.logError("frame callback panic", fmt.Errorf("%v", r))
						}
					}()
					callback(raw)
				}()
			}
		}
	}
}

// heartbeatLoop probes the server with CONNECTIONSTATE requests. A missing
// or negative answer closes the stream so the receive loop reconnects.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done.Done():
			return
		case <-ticker.C:
		}

		if !c.IsConnected() {
			continue
		}
		if err := c.heartbeat(); err != nil {
			c.logError("heartbeat failed, dropping connection", err)
			c.errorsTotal.Add(1)
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn != nil {
				conn.Close()
			}
		}
	}
}

func (c *Client) heartbeat() error {
	select {
	case <-c.stateResp:
	default:
	}

	if err := c.writeRaw(context.Background(), connectionStateRequest(c.Channel())); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.HeartbeatTimeout)
	defer timer.Stop()

	select {
	case status := <-c.stateResp:
		if status != statusNoError {
			return fmt.Errorf("connection state status 0x%02X", status)
		}
		return nil
	case <-timer.C:
		return errors.New("no connection state response")
	case <-c.done.Done():
		return nil
	}
}

// handleDisconnect marks conn as lost if it is still the active stream.
func (c *Client) handleDisconnect(conn net.Conn) {
	c.connMu.Lock()
	wasConnected := c.connected && c.conn == conn
	if c.conn == conn {
		c.connected = false
	}
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("connection lost, will attempt reconnection")
	}
}

// reconnect re-establishes the tunnel with exponential backoff.
// Returns true if reconnection succeeded, false if shutdown was signalled.
func (c *Client) reconnect() bool {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return c.waitForReconnection()
	}
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval

	for {
		if c.isClosed() {
			return false
		}

		attempt := c.reconnectCount.Add(1)
		c.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())

		c.closeOldConnection()

		if err := c.establishConnection(); err != nil {
			c.logError("reconnect failed", err)
			c.errorsTotal.Add(1)

			select {
			case <-c.done.Done():
				return false
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*1.5), maxReconnectInterval)
			continue
		}

		c.reconnectCount.Store(0)
		c.reconnectsTotal.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
		return true
	}
}

func (c *Client) waitForReconnection() bool {
	for c.reconnecting.Load() && !c.isClosed() {
		time.Sleep(100 * time.Millisecond)
	}
	return !c.isClosed() && c.IsConnected()
}

func (c *Client) closeOldConnection() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.connMu.Unlock()
}

func (c *Client) establishConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.address, err)
	}

	resp, err := handshake(ctx, conn, c.cfg.ReadTimeout)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	if c.isClosed() {
		conn.Close()
		return ErrNotConnected
	}
	c.install(conn, resp)
	return nil
}

func (c *Client) drainFrameQueue() {
	for {
		select {
		case <-c.frameQueue:
		default:
			return
		}
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// SendFrame sends one cEMI frame in a TUNNELLING_REQUEST. Failures wrap
// cemi.ErrCommunication.
func (c *Client) SendFrame(ctx context.Context, raw []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("%w: %w", cemi.ErrCommunication, ErrNotConnected)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", cemi.ErrCommunication, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := tunnellingRequest(c.Channel(), c.sendSeq, raw)
	if err := c.writeLocked(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", cemi.ErrCommunication, err)
	}
	c.sendSeq++
	c.framesTx.Add(1)
	return nil
}

func (c *Client) writeRaw(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(ctx, msg)
}

// writeLocked writes msg with a deadline. Caller holds writeMu.
func (c *Client) writeLocked(ctx context.Context, msg []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.SetWriteDeadline(deadlineFor(ctx, defaultWriteTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := conn.Write(msg); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("write: %w", err)
	}
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// Close sends DISCONNECT_REQUEST, closes the stream and waits for the
// worker goroutines. Safe to call multiple times.
func (c *Client) Close() error {
	if c.isClosed() {
		return nil
	}

	if c.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		if err := c.writeRaw(ctx, disconnectRequest(c.Channel())); err != nil {
			c.logDebug("disconnect request not sent", "error", err)
		}
		cancel()
	}

	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()

	c.logInfo("tunnel closed")
	return nil
}

// SetOnFrame sets the callback for inbound cEMI frames. The slice is owned
// by the callback.
func (c *Client) SetOnFrame(callback func([]byte)) {
	c.callbackMu.Lock()
	c.onFrame = callback
	c.callbackMu.Unlock()
}

// SetOnAddress sets the callback invoked when a (re)connect assigns a
// different individual address.
func (c *Client) SetOnAddress(callback func(telegram.IndividualAddress)) {
	c.callbackMu.Lock()
	c.onAddress = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IndividualAddress returns the address assigned by the server.
func (c *Client) IndividualAddress() telegram.IndividualAddress {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.ownAddr
}

// Channel returns the tunnel communication channel id.
func (c *Client) Channel() uint8 {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.channel
}

// IsConnected returns true while the tunnel is open.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	c.connMu.RLock()
	channel, addr, connected := c.channel, c.ownAddr, c.connected
	c.connMu.RUnlock()

	return Stats{
		FramesTx:        c.framesTx.Load(),
		FramesRx:        c.framesRx.Load(),
		FramesDropped:   c.framesDropped.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       connected,
		Reconnecting:    c.reconnecting.Load(),
		Channel:         channel,
		Address:         addr.String(),
	}
}

// HealthCheck reports ErrNotConnected while the tunnel is down.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, "error", err)
	}
}
