package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func rawConnect(clientID string, keepAlive uint16, username, password string) []byte {
	var body []byte
	body = appendStr(body, "MQTT")
	body = append(body, 0x04) // protocol level

	var flags byte
	if username != "" {
		flags |= 1 << 7
	}
	if password != "" {
		flags |= 1 << 6
	}
	body = append(body, flags)

	var ka [2]byte
	binary.BigEndian.PutUint16(ka[:], keepAlive)
	body = append(body, ka[:]...)

	body = appendStr(body, clientID)
	if username != "" {
		body = appendStr(body, username)
	}
	if password != "" {
		body = appendStr(body, password)
	}

	return append(encodeFixedHeader(TypeConnect, len(body)), body...)
}

func TestDecodeConnectBasic(t *testing.T) {
	raw := rawConnect("board@@@a0_85_e3_f4_49_34@@@uuid-1", 60, "", "")
	dec := NewDecoder(bytes.NewReader(raw))

	pkt, err := dec.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != TypeConnect {
		t.Fatalf("got type 0x%02x, want CONNECT", pkt.Type)
	}
	if pkt.ClientID != "board@@@a0_85_e3_f4_49_34@@@uuid-1" {
		t.Errorf("client id = %q", pkt.ClientID)
	}
	if pkt.KeepAlive != 60 {
		t.Errorf("keep-alive = %d, want 60", pkt.KeepAlive)
	}
	if pkt.HasUsername || pkt.HasPassword {
		t.Errorf("unexpected credentials present")
	}
}

func TestDecodeConnectWithCredentials(t *testing.T) {
	raw := rawConnect("b@@@a0_85_e3_f4_49_34@@@u", 30, "alice", "secret")
	dec := NewDecoder(bytes.NewReader(raw))

	pkt, err := dec.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !pkt.HasUsername || pkt.Username != "alice" {
		t.Errorf("username = %q, hasUsername=%v", pkt.Username, pkt.HasUsername)
	}
	if !pkt.HasPassword || string(pkt.Password) != "secret" {
		t.Errorf("password = %q, hasPassword=%v", pkt.Password, pkt.HasPassword)
	}
}

func TestDecodePublishQoS0(t *testing.T) {
	raw := EncodePublish("devices/p2p/a0:85:e3:f4:49:34", []byte(`{"type":"hello"}`))
	dec := NewDecoder(bytes.NewReader(raw))

	pkt, err := dec.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != TypePublish || pkt.QoS != 0 {
		t.Fatalf("got type=0x%02x qos=%d", pkt.Type, pkt.QoS)
	}
	if string(pkt.Payload) != `{"type":"hello"}` {
		t.Errorf("payload = %q", pkt.Payload)
	}
}

func TestDecodePublishQoS1HasPacketID(t *testing.T) {
	var body []byte
	body = appendStr(body, "t")
	var pid [2]byte
	binary.BigEndian.PutUint16(pid[:], 7)
	body = append(body, pid[:]...)
	body = append(body, []byte("x")...)
	raw := append(encodeFixedHeader(TypePublish|0x02, len(body)), body...)

	dec := NewDecoder(bytes.NewReader(raw))
	pkt, err := dec.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.QoS != 1 || pkt.PacketID != 7 {
		t.Fatalf("qos=%d packetID=%d", pkt.QoS, pkt.PacketID)
	}
}

func TestDecodePingReqAndDisconnect(t *testing.T) {
	raw := append([]byte{TypePingReq, 0x00}, []byte{TypeDisconnect, 0x00}...)
	dec := NewDecoder(bytes.NewReader(raw))

	pkt, err := dec.ReadPacket()
	if err != nil || pkt.Type != TypePingReq {
		t.Fatalf("ReadPacket #1: pkt=%+v err=%v", pkt, err)
	}
	pkt, err = dec.ReadPacket()
	if err != nil || pkt.Type != TypeDisconnect {
		t.Fatalf("ReadPacket #2: pkt=%+v err=%v", pkt, err)
	}
}

func TestDecodeSubscribe(t *testing.T) {
	var body []byte
	var pid [2]byte
	binary.BigEndian.PutUint16(pid[:], 42)
	body = append(body, pid[:]...)
	body = appendStr(body, "devices/p2p/a0:85:e3:f4:49:34")
	body = append(body, 0x00) // requested qos
	raw := append(encodeFixedHeader(TypeSubscribe, len(body)), body...)

	dec := NewDecoder(bytes.NewReader(raw))
	pkt, err := dec.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Type != TypeSubscribe || pkt.PacketID != 42 {
		t.Fatalf("got %+v", pkt)
	}
}

func TestDecodeOversizedPacketIsProtocolError(t *testing.T) {
	// A remaining-length field claiming more than MaxPacketSize must be
	// rejected before any read of the body is attempted.
	raw := append([]byte{TypePublish}, encodeVarInt(MaxPacketSize+1)...)
	dec := NewDecoder(bytes.NewReader(raw))

	_, err := dec.ReadPacket()
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}

func TestDecodeBadVarIntIsProtocolError(t *testing.T) {
	raw := []byte{TypePublish, 0xff, 0xff, 0xff, 0xff} // 5th continuation byte never arrives
	dec := NewDecoder(bytes.NewReader(raw))

	_, err := dec.ReadPacket()
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}

func TestDecodeUnknownTypeIsProtocolError(t *testing.T) {
	raw := []byte{0x50, 0x00}
	dec := NewDecoder(bytes.NewReader(raw))

	_, err := dec.ReadPacket()
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}

func TestDecodePartialFrameBuffersUntilComplete(t *testing.T) {
	raw := EncodePublish("t", []byte("payload"))
	pr, pw := io.Pipe()
	dec := NewDecoder(pr)

	done := make(chan struct{})
	var pkt Packet
	var err error
	go func() {
		pkt, err = dec.ReadPacket()
		close(done)
	}()

	for i := range raw {
		pw.Write(raw[i : i+1])
	}
	<-done
	pw.Close()

	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(pkt.Payload) != "payload" {
		t.Errorf("payload = %q", pkt.Payload)
	}
}

func TestEncodeConnAckSuccess(t *testing.T) {
	got := EncodeConnAck(0x00)
	want := []byte{TypeConnAck, 0x02, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}
