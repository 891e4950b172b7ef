// Package pubsub implements the per-socket protocol state machine (spec.md
// §3 "Connection", §4.B): it decodes the device's pub/sub byte stream,
// validates CONNECT, tracks keep-alive, dispatches PUBLISH/SUBSCRIBE/
// PINGREQ/DISCONNECT, and drives Session creation on a device `hello`.
package pubsub

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaozhi-dev/mqtt-gateway/internal/chatserver"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/cipher"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/config"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/device"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/frame"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/protocol"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/replybus"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/session"
)

// macPattern matches a colon-separated lowercase MAC (spec.md §3).
var macPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// helloVersion is the only device hello version the gateway accepts
// (spec.md §4.B).
const helloVersion = 3

// replaceWaitTimeout bounds how long a duplicate hello waits for the prior
// Session's teardown before giving up and proceeding anyway (spec.md §9
// prefers awaiting the close event over an arbitrary sleep; this is the
// safety cap in case teardown never completes).
const replaceWaitTimeout = 300 * time.Millisecond

type state int

const (
	stateAwaitConnect state = iota
	stateRegistered
	stateClosed
)

// SessionFactory constructs a Session for a hello handshake. Production
// wiring passes session.New; the package tests pass it too, against a local
// httptest WebSocket upstream.
type SessionFactory func(upstreamURL string, hello protocol.HelloRequest, cfg session.Config, onClose func(*session.Session)) (*session.Session, protocol.UpstreamHelloReply, error)

// Recorder persists a Connection's lifecycle events for later diagnostics
// (e.g. the *audit.Store). Nil is a valid Connection field — recording is
// best-effort: events are written synchronously, and a failed write is
// logged without stopping the protocol state machine.
type Recorder interface {
	RecordEvent(mac, sessionID, event string) error
}

// Connection is one accepted TCP socket running the pub/sub state machine.
// It implements device.Conn.
type Connection struct {
	conn   net.Conn
	dec    *frame.Decoder
	logger *slog.Logger

	registry   *device.Registry
	configs    *config.Manager
	newSession SessionFactory
	udpSender  session.Sender
	replies    *replybus.Bus
	recorder   Recorder
	publicIP   string
	udpPort    int

	writeMu sync.Mutex

	mu                sync.Mutex
	state             state
	mac               string
	keepAliveInterval uint16
	lastActivity      time.Time
	session           *session.Session
	closing           bool
}

// activityReader updates a Connection's lastActivity on every read off the
// wire, including partial frames (spec.md §4.B: "updated on every received
// byte, not only on complete packets").
type activityReader struct {
	r  io.Reader
	on func()
}

func (a activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.on()
	}
	return n, err
}

// New wraps an accepted socket. newSession is typically session.New;
// udpSender is typically the shared *udprelay.Mux.
func New(
	conn net.Conn,
	registry *device.Registry,
	configs *config.Manager,
	newSession SessionFactory,
	udpSender session.Sender,
	replies *replybus.Bus,
	recorder Recorder,
	publicIP string,
	udpPort int,
	logger *slog.Logger,
) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conn_id", uuid.New().String())
	c := &Connection{
		conn:         conn,
		registry:     registry,
		configs:      configs,
		newSession:   newSession,
		udpSender:    udpSender,
		replies:      replies,
		recorder:     recorder,
		publicIP:     publicIP,
		udpPort:      udpPort,
		logger:       logger,
		state:        stateAwaitConnect,
		lastActivity: time.Now(),
	}
	c.dec = frame.NewDecoder(activityReader{r: conn, on: c.touch})
	return c
}

// Serve reads and dispatches packets until the socket closes, a protocol
// violation occurs, or DISCONNECT is received. It blocks; callers typically
// run it in its own goroutine per accepted connection.
func (c *Connection) Serve() {
	defer c.forceClose()
	for {
		pkt, err := c.dec.ReadPacket()
		if err != nil {
			return
		}
		if !c.handlePacket(pkt) {
			return
		}
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) handlePacket(pkt frame.Packet) bool {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	switch st {
	case stateAwaitConnect:
		if pkt.Type != frame.TypeConnect {
			return false
		}
		return c.handleConnect(pkt)
	case stateRegistered:
		switch pkt.Type {
		case frame.TypePublish:
			return c.handlePublish(pkt)
		case frame.TypeSubscribe:
			return c.handleSubscribe(pkt)
		case frame.TypePingReq:
			return c.handlePingReq()
		case frame.TypeDisconnect:
			return false
		default:
			return false
		}
	default:
		return false
	}
}

// handleConnect validates the client-id grammar `<board>@@@<mac>@@@<uuid>`
// (spec.md §3, worked example §8 S1) and registers the Connection on
// success. Any failure closes the socket silently, without a CONNACK
// (spec.md §4.B, §7).
func (c *Connection) handleConnect(pkt frame.Packet) bool {
	parts := strings.Split(pkt.ClientID, "@@@")
	if len(parts) != 3 {
		return false
	}
	mac := strings.ReplaceAll(parts[1], "_", ":")
	if !macPattern.MatchString(mac) {
		return false
	}

	if err := c.write(frame.EncodeConnAck(0x00)); err != nil {
		return false
	}

	c.mu.Lock()
	c.mac = mac
	c.keepAliveInterval = pkt.KeepAlive
	c.state = stateRegistered
	c.mu.Unlock()

	c.registry.Insert(c)
	c.record("", "connect")
	return true
}

func (c *Connection) handleSubscribe(pkt frame.Packet) bool {
	return c.write(frame.EncodeSubAck(pkt.PacketID, 0x00)) == nil
}

func (c *Connection) handlePingReq() bool {
	return c.write(frame.EncodePingResp()) == nil
}

// handlePublish implements spec.md §4.B's PUBLISH dispatch: only QoS 0 is
// accepted; a `hello` payload drives Session creation; a `goodbye` closes
// the live Session instead of being forwarded; anything else is forwarded
// to the live Session, or answered with a goodbye if none exists.
func (c *Connection) handlePublish(pkt frame.Packet) bool {
	if pkt.QoS != 0 {
		return false
	}

	env, err := protocol.PeekType(pkt.Payload)
	if err != nil {
		return false
	}

	if env.Type == protocol.TypeHello {
		if env.Version != helloVersion {
			return false
		}
		c.handleHello(pkt.Payload)
		return true
	}

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	// A device goodbye ends the Session instead of being forwarded
	// upstream (spec.md §4.B, §4.D "Exception: device goodbye closes the
	// Session and does not forward").
	if env.Type == protocol.TypeGoodbye {
		if sess != nil {
			sess.Close()
		}
		return true
	}

	if sess != nil {
		if err := sess.ForwardText(pkt.Payload); err != nil {
			c.logger.Warn("forward device publish upstream failed", "mac", c.mac, "err", err)
		}
		return true
	}

	c.mu.Lock()
	mac := c.mac
	c.mu.Unlock()
	if c.replies != nil && c.replies.Deliver(mac, pkt.Payload) {
		return true
	}

	c.publishGoodbye(env.SessionID)
	return true
}

// handleHello drives the Session handshake (spec.md §4.D). A prior live
// Session is closed and its teardown awaited (bounded by
// replaceWaitTimeout) before the replacement is created, per spec.md §3's
// "at most one Session per Connection" invariant and §9's close-event
// preference over an arbitrary sleep.
func (c *Connection) handleHello(payload []byte) {
	var hello protocol.HelloRequest
	if err := json.Unmarshal(payload, &hello); err != nil {
		c.publishHelloFailed()
		return
	}

	c.mu.Lock()
	prev := c.session
	mac := c.mac
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
		select {
		case <-prev.Done():
		case <-time.After(replaceWaitTimeout):
		}
	}

	cfg := c.configs.Current()
	upstreamURL, err := chatserver.Select(cfg, mac)
	if err != nil {
		c.logger.Warn("no chat server configured", "mac", mac, "err", err)
		c.publishHelloFailed()
		return
	}

	sessCfg := session.Config{
		MAC:              mac,
		PublicIP:         c.publicIP,
		UDPPort:          c.udpPort,
		Sender:           c.udpSender,
		Publish:          c.publish,
		Logger:           c.logger,
		LogInvalidCookie: cfg.LogInvalidCookie,
	}

	sess, reply, err := c.newSession(upstreamURL, hello, sessCfg, c.onSessionClosed)
	if err != nil {
		c.logger.Warn("session handshake failed", "mac", mac, "err", err)
		c.publishHelloFailed()
		return
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	c.publishHelloReply(sess, reply)
	c.record(reply.SessionID, "hello")
}

func (c *Connection) onSessionClosed(s *session.Session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	closing := c.closing
	c.mu.Unlock()
	if closing {
		c.conn.Close()
	}
}

func (c *Connection) publishHelloFailed() {
	body, err := json.Marshal(protocol.HelloFailedMessage())
	if err != nil {
		return
	}
	if err := c.publish(body); err != nil {
		c.logger.Warn("publish hello-failed error", "mac", c.mac, "err", err)
	}
}

func (c *Connection) publishHelloReply(sess *session.Session, reply protocol.UpstreamHelloReply) {
	msg := protocol.DeviceHelloReply{
		Type:      protocol.TypeHello,
		Transport: "udp",
		SessionID: reply.SessionID,
		UDP: protocol.UDPInfo{
			Server:     c.publicIP,
			Port:       c.udpPort,
			Encryption: cipher.Name,
			Key:        sess.KeyHex(),
			Nonce:      sess.NonceHex(),
		},
		AudioParams: reply.AudioParams,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.publish(body); err != nil {
		c.logger.Warn("publish hello reply failed", "mac", c.mac, "err", err)
	}
}

func (c *Connection) publishGoodbye(sessionID string) {
	msg := protocol.GoodbyeMessage{Type: protocol.TypeGoodbye, SessionID: sessionID}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.publish(body)
}

// publish implements session.PublishFunc: it writes a QoS-0 PUBLISH on the
// device's reply topic over this Connection's own socket.
func (c *Connection) publish(payload []byte) error {
	c.mu.Lock()
	mac := c.mac
	c.mu.Unlock()
	return c.write(frame.EncodePublish("devices/p2p/"+mac, payload))
}

// Publish implements device.Conn: it lets an external collaborator (the
// admin HTTP API, spec.md §4.I) push a payload to this device without
// reaching into Connection internals.
func (c *Connection) Publish(payload []byte) error {
	return c.publish(payload)
}

func (c *Connection) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// record best-effort persists a lifecycle event; a nil recorder (the common
// case in tests) or a write failure is logged, never fatal.
func (c *Connection) record(sessionID, event string) {
	if c.recorder == nil {
		return
	}
	c.mu.Lock()
	mac := c.mac
	c.mu.Unlock()
	if err := c.recorder.RecordEvent(mac, sessionID, event); err != nil {
		c.logger.Warn("record session event failed", "mac", mac, "event", event, "err", err)
	}
}

func (c *Connection) forceClose() {
	c.mu.Lock()
	c.state = stateClosed
	sess := c.session
	mac := c.mac
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if mac != "" {
		c.registry.Remove(c)
		c.record("", "disconnect")
	}
	c.conn.Close()
}

// MAC implements device.Conn.
func (c *Connection) MAC() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mac
}

// Session returns the Connection's current Session, if any. The UDP mux
// uses it to resolve a MAC to its udprelay.Receiver without the registry
// needing to know about sessions at all.
func (c *Connection) Session() (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.session != nil
}

// IsAlive implements device.Conn: a Connection is alive when it has a
// Session whose WebSocket is open (spec.md §4.F).
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	return sess != nil && sess.IsOpen()
}

// Close implements device.Conn. If a Session is live, closing it triggers
// its teardown, which — seeing the closing flag this call sets — closes the
// transport itself once that completes (spec.md §4.D teardown). Otherwise
// the transport is closed directly.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closing = true
	sess := c.session
	c.mu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return c.conn.Close()
}

// CheckKeepAlive implements the sweeper's per-tick decision (spec.md §4.B,
// §4.F): a zero interval or a Connection not yet past CONNECT is a no-op;
// otherwise a literal comparison against lastActivity — deliberately
// without the customary 1.5x slack (spec.md §9 Open Questions) — closes the
// transport once the device has been silent too long.
func (c *Connection) CheckKeepAlive(now time.Time) {
	c.mu.Lock()
	interval := c.keepAliveInterval
	last := c.lastActivity
	st := c.state
	c.mu.Unlock()

	if interval == 0 || st != stateRegistered {
		return
	}
	if now.Sub(last) > time.Duration(interval)*time.Second {
		c.Close()
	}
}
