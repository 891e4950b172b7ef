// Package udprelay implements the 16-byte framed UDP datagram codec and the
// ingress multiplexer that routes decoded frames to the right device's
// Session by MAC (spec.md §4.C).
package udprelay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// HeaderSize is the fixed framing header length in bytes.
const HeaderSize = 16

// frameType is the only datagram type the relay understands.
const frameType = 1

// ErrMalformed is returned for any datagram that fails basic framing checks.
var ErrMalformed = errors.New("malformed udp frame")

// Header is the 16-byte network-order prefix of every relay datagram. It
// doubles as the AES-CTR IV (spec.md §4.C, §9).
type Header struct {
	Type       byte
	Flags      byte
	PayloadLen uint16
	MAC        [6]byte
	Cookie     uint16
	Sequence   uint32
}

// Encode writes h into scratch (which must be at least HeaderSize long) and
// returns a freshly allocated copy. scratch may be reused by the caller
// across calls — Encode never returns a slice backed by it, so concurrent
// encodes never share storage (spec.md §4.C, §9).
func (h Header) Encode(scratch []byte) []byte {
	if len(scratch) < HeaderSize {
		scratch = make([]byte, HeaderSize)
	}
	scratch[0] = h.Type
	scratch[1] = h.Flags
	binary.BigEndian.PutUint16(scratch[2:4], h.PayloadLen)
	copy(scratch[4:10], h.MAC[:])
	binary.BigEndian.PutUint16(scratch[10:12], h.Cookie)
	binary.BigEndian.PutUint32(scratch[12:16], h.Sequence)

	out := make([]byte, HeaderSize)
	copy(out, scratch[:HeaderSize])
	return out
}

// ParseHeader decodes the leading HeaderSize bytes of datagram. It does not
// validate that the full payload is present — callers must check
// len(datagram) >= HeaderSize+PayloadLen themselves (spec.md §4.C).
func ParseHeader(datagram []byte) (Header, error) {
	if len(datagram) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(datagram), HeaderSize)
	}
	h := Header{
		Type:       datagram[0],
		Flags:      datagram[1],
		PayloadLen: binary.BigEndian.Uint16(datagram[2:4]),
		Cookie:     binary.BigEndian.Uint16(datagram[10:12]),
		Sequence:   binary.BigEndian.Uint32(datagram[12:16]),
	}
	copy(h.MAC[:], datagram[4:10])
	if h.Type != frameType {
		return Header{}, fmt.Errorf("%w: type byte %d", ErrMalformed, h.Type)
	}
	return h, nil
}

// MACString renders the header's MAC as lowercase colon-separated hex,
// matching the registry's canonical key form.
func (h Header) MACString() string {
	return net.HardwareAddr(h.MAC[:]).String()
}

// Receiver is implemented by a device's Session: it accepts a decoded
// ingress frame for decryption, sequence checking, and forwarding upstream.
// The full Header is passed (not just cookie/sequence) because the header
// itself is the AES-CTR IV; the Session needs every field to reconstruct it
// exactly as the sender built it (spec.md §4.C, §9).
type Receiver interface {
	HandleUDP(peer *net.UDPAddr, header Header, ciphertext []byte)
}

// Lookup resolves a MAC to its Session receiver, if a live one exists.
type Lookup func(mac string) (Receiver, bool)

// Mux reads datagrams off a shared UDP socket and routes each to the
// Session owning its MAC.
type Mux struct {
	conn   net.PacketConn
	lookup Lookup
	logger *slog.Logger

	// LogInvalidCookie is not read by Mux: the cookie check, and the logging
	// of mismatches, happen in the Receiver (session.Config.LogInvalidCookie).
	LogInvalidCookie bool
}

// NewMux wraps conn for ingress, resolving destination sessions via lookup.
func NewMux(conn net.PacketConn, lookup Lookup, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{conn: conn, lookup: lookup, logger: logger}
}

// Serve reads datagrams until ctx is canceled or the socket errors. Malformed
// frames and frames for unregistered devices are dropped silently (spec.md
// §4.C, §7); it returns nil on clean shutdown (ctx canceled) and the read
// error otherwise.
func (m *Mux) Serve(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, addr, err := m.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.handleDatagram(addr, append([]byte(nil), buf[:n]...))
	}
}

func (m *Mux) handleDatagram(addr net.Addr, datagram []byte) {
	header, err := ParseHeader(datagram)
	if err != nil {
		m.logger.Debug("dropping malformed udp frame", "err", err, "peer", addr)
		return
	}
	if len(datagram) < HeaderSize+int(header.PayloadLen) {
		m.logger.Debug("dropping short udp frame", "peer", addr, "have", len(datagram), "want", HeaderSize+int(header.PayloadLen))
		return
	}

	mac := header.MACString()
	recv, ok := m.lookup(mac)
	if !ok {
		m.logger.Debug("dropping udp frame for unregistered device", "mac", mac, "peer", addr)
		return
	}

	udpAddr, _ := addr.(*net.UDPAddr)
	ciphertext := datagram[HeaderSize : HeaderSize+int(header.PayloadLen)]
	recv.HandleUDP(udpAddr, header, ciphertext)
}

// WriteTo sends a fully framed datagram (header + ciphertext) to addr.
func (m *Mux) WriteTo(framed []byte, addr *net.UDPAddr) error {
	_, err := m.conn.WriteTo(framed, addr)
	return err
}
