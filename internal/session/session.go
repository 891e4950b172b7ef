// Package session implements the Session bridge (spec.md §4.D): for the
// duration of one voice/command dialogue it owns exactly one upstream
// WebSocket and shuttles messages between the device's pub/sub connection,
// the UDP audio channel, and that WebSocket.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/xiaozhi-dev/mqtt-gateway/internal/cipher"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/protocol"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/udprelay"
)

// DefaultAuthorization is sent as the upstream "authorization" header.
// spec.md §9 notes the original hardcodes this value; it is treated as a
// configurable default rather than a real secret.
const DefaultAuthorization = "Bearer test-token"

// Sender delivers one fully framed UDP datagram to a device's last known
// peer address. *udprelay.Mux satisfies this.
type Sender interface {
	WriteTo(framed []byte, addr *net.UDPAddr) error
}

// PublishFunc publishes payload on the owning device's reply topic.
type PublishFunc func(payload []byte) error

// Dialer is the subset of *websocket.Dialer that Session needs; Config.Dialer
// lets a caller supply its own.
type Dialer interface {
	Dial(urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config carries everything a Session needs beyond what the handshake
// itself negotiates.
type Config struct {
	MAC              string
	PublicIP         string
	UDPPort          int
	Authorization    string // defaults to DefaultAuthorization if empty
	Sender           Sender
	Publish          PublishFunc
	Logger           *slog.Logger
	LogInvalidCookie bool
	Dialer           Dialer // nil uses websocket.DefaultDialer
}

// Session is one active voice/command dialogue bridging a device's pub/sub
// Connection, its UDP flow, and one upstream WebSocket (spec.md §3
// "Session").
type Session struct {
	mac    [6]byte
	macStr string
	cfg    Config
	logger *slog.Logger

	ws          *websocket.Conn
	upstreamURL string
	sessionID   string

	key    []byte
	cookie uint16
	nonce  []byte

	mu        sync.Mutex
	localSeq  uint32
	remoteSeq uint32
	peerAddr  *net.UDPAddr

	writeMu sync.Mutex

	startedAt time.Time

	onClose   func(*Session)
	closeOnce sync.Once
	done      chan struct{}
}

// New dials upstreamURL, performs the hello handshake (spec.md §4.D), and on
// success starts the Session's steady-state read loop. onClose is invoked
// exactly once, after teardown has fully run, however the Session ends;
// it receives the Session itself so the caller can identify which of its
// Sessions just closed without a data race on a variable assigned after the
// call returns.
//
// Session creation has no explicit timeout (spec.md §5): this call blocks
// on the upstream's hello reply until it arrives or the socket errors.
func New(upstreamURL string, hello protocol.HelloRequest, cfg Config, onClose func(*Session)) (*Session, protocol.UpstreamHelloReply, error) {
	if cfg.Authorization == "" {
		cfg.Authorization = DefaultAuthorization
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var dialer Dialer = cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	mac, err := parseMAC6(cfg.MAC)
	if err != nil {
		return nil, protocol.UpstreamHelloReply{}, err
	}
	cookie, key, err := newCredentials()
	if err != nil {
		return nil, protocol.UpstreamHelloReply{}, fmt.Errorf("generate session credentials: %w", err)
	}
	nonceHeader := udprelay.Header{Type: 1, MAC: mac, Cookie: cookie, Sequence: 0}
	nonce := nonceHeader.Encode(make([]byte, udprelay.HeaderSize))

	header := http.Header{}
	header.Set("device-id", cfg.MAC)
	header.Set("protocol-version", "1")
	header.Set("authorization", cfg.Authorization)

	conn, _, err := dialer.Dial(upstreamURL, header)
	if err != nil {
		return nil, protocol.UpstreamHelloReply{}, fmt.Errorf("dial upstream: %w", err)
	}

	upstreamHello := protocol.UpstreamHello{
		Type:        protocol.TypeHello,
		Version:     1,
		Transport:   "websocket",
		AudioParams: hello.AudioParams,
	}
	payload, err := json.Marshal(upstreamHello)
	if err != nil {
		conn.Close()
		return nil, protocol.UpstreamHelloReply{}, fmt.Errorf("marshal upstream hello: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, protocol.UpstreamHelloReply{}, fmt.Errorf("send upstream hello: %w", err)
	}

	msgType, body, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, protocol.UpstreamHelloReply{}, fmt.Errorf("read upstream hello reply: %w", err)
	}
	if msgType != websocket.TextMessage {
		conn.Close()
		return nil, protocol.UpstreamHelloReply{}, errors.New("upstream hello reply was not a text frame")
	}
	var reply protocol.UpstreamHelloReply
	if err := json.Unmarshal(body, &reply); err != nil {
		conn.Close()
		return nil, protocol.UpstreamHelloReply{}, fmt.Errorf("parse upstream hello reply: %w", err)
	}

	s := &Session{
		mac:         mac,
		macStr:      cfg.MAC,
		cfg:         cfg,
		logger:      cfg.Logger.With("mac", cfg.MAC),
		ws:          conn,
		upstreamURL: upstreamURL,
		sessionID:   reply.SessionID,
		key:         key,
		cookie:      cookie,
		nonce:       nonce,
		startedAt:   time.Now(),
		onClose:     onClose,
		done:        make(chan struct{}),
	}
	go s.readLoop()
	return s, reply, nil
}

func newCredentials() (uint16, []byte, error) {
	var cb [2]byte
	if _, err := rand.Read(cb[:]); err != nil {
		return 0, nil, err
	}
	key := make([]byte, cipher.KeySize)
	if _, err := rand.Read(key); err != nil {
		return 0, nil, err
	}
	return uint16(cb[0])<<8 | uint16(cb[1]), key, nil
}

func parseMAC6(mac string) ([6]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return [6]byte{}, fmt.Errorf("invalid device mac %q", mac)
	}
	var out [6]byte
	copy(out[:], hw)
	return out, nil
}

// SessionID returns the upstream-negotiated session identifier.
func (s *Session) SessionID() string { return s.sessionID }

// KeyHex returns the session's AES-128 key, hex-encoded for the device hello
// reply.
func (s *Session) KeyHex() string { return hex.EncodeToString(s.key) }

// NonceHex returns the sequence-zero header, hex-encoded for the device
// hello reply.
func (s *Session) NonceHex() string { return hex.EncodeToString(s.nonce) }

// IsOpen reports whether the Session's WebSocket is still live.
func (s *Session) IsOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done is closed once teardown has fully completed: goodbye published,
// summary logged, and the owning Connection notified.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close asks the Session's WebSocket to close. It is safe to call more than
// once; teardown (goodbye publish, logging, the onClose callback) runs
// exactly once regardless of which caller triggered it.
func (s *Session) Close() error {
	return s.ws.Close()
}

// ForwardText sends a device-originated pub/sub JSON payload upstream
// verbatim — the steady-state pub/sub→WebSocket leg (spec.md §4.D).
func (s *Session) ForwardText(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) readLoop() {
	defer s.teardown()
	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			s.sendAudioFrame(data)
		case websocket.TextMessage:
			if err := s.cfg.Publish(data); err != nil {
				s.logger.Warn("publish upstream text frame failed", "err", err)
			}
		}
	}
}

// sendAudioFrame encrypts plaintext (opus audio from the upstream WebSocket)
// and emits it as one UDP datagram to the device's last known peer address
// (spec.md §4.C, §4.D). Frames arriving before any UDP datagram has been
// received from the device are dropped — there is nowhere to send them yet.
func (s *Session) sendAudioFrame(plaintext []byte) {
	s.mu.Lock()
	peer := s.peerAddr
	var seq uint32
	if peer != nil {
		s.localSeq++
		seq = s.localSeq
	}
	s.mu.Unlock()
	if peer == nil {
		s.logger.Debug("dropping outbound audio frame, no known udp peer yet")
		return
	}

	header := udprelay.Header{
		Type:       1,
		PayloadLen: uint16(len(plaintext)),
		MAC:        s.mac,
		Cookie:     s.cookie,
		Sequence:   seq,
	}
	encoded := header.Encode(make([]byte, udprelay.HeaderSize))
	ciphertext, err := cipher.Transform(s.key, encoded, plaintext)
	if err != nil {
		s.logger.Warn("encrypt outbound audio frame failed", "err", err)
		return
	}

	framed := append(encoded, ciphertext...)
	if err := s.cfg.Sender.WriteTo(framed, peer); err != nil {
		s.logger.Warn("send udp audio frame failed", "err", err)
	}
}

// HandleUDP implements udprelay.Receiver. Cookie mismatches are dropped
// (and logged only when LogInvalidCookie is set); sequence regressions are
// dropped silently (spec.md §4.C, §7, §8 property 4).
func (s *Session) HandleUDP(peer *net.UDPAddr, header udprelay.Header, ciphertext []byte) {
	if header.Cookie != s.cookie {
		if s.cfg.LogInvalidCookie {
			s.logger.Info("dropping udp frame with mismatched cookie", "got", header.Cookie, "want", s.cookie)
		}
		return
	}

	s.mu.Lock()
	if header.Sequence < s.remoteSeq {
		s.mu.Unlock()
		return
	}
	s.remoteSeq = header.Sequence
	s.peerAddr = peer
	s.mu.Unlock()

	scratch := header.Encode(make([]byte, udprelay.HeaderSize))
	plaintext, err := cipher.Transform(s.key, scratch, ciphertext)
	if err != nil {
		s.logger.Warn("decrypt inbound audio frame failed", "err", err)
		return
	}

	s.writeMu.Lock()
	err = s.ws.WriteMessage(websocket.BinaryMessage, plaintext)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Warn("forward inbound audio frame upstream failed", "err", err)
	}
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		goodbye := protocol.GoodbyeMessage{Type: protocol.TypeGoodbye, SessionID: s.sessionID}
		if body, err := json.Marshal(goodbye); err == nil {
			if err := s.cfg.Publish(body); err != nil {
				s.logger.Warn("publish session goodbye failed", "err", err)
			}
		}
		s.logger.Info("session closed",
			"session_id", s.sessionID,
			"elapsed", time.Since(s.startedAt).Round(time.Millisecond),
			"started", humanize.Time(s.startedAt))

		s.ws.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
		close(s.done)
	})
}
