package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaozhi-dev/mqtt-gateway/internal/audit"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/config"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/device"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/httpapi"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/keepalive"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/pubsub"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/replybus"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/session"
	"github.com/xiaozhi-dev/mqtt-gateway/internal/udprelay"
)

func main() {
	mqttPort := flag.Int("mqtt-port", envInt("MQTT_PORT", 1883), "TCP port for device pub/sub connections")
	udpPort := flag.Int("udp-port", envInt("UDP_PORT", 8884), "UDP port for the encrypted audio relay")
	publicIP := flag.String("public-ip", envString("PUBLIC_IP", "mqtt.xiaozhi.me"), "address advertised to devices for the UDP relay")
	signatureKey := flag.String("signature-key", os.Getenv("MQTT_SIGNATURE_KEY"), "admin HTTP bearer-token signing key")
	configPath := flag.String("config", "./mqtt.json", "path to mqtt.json")
	adminAddr := flag.String("admin-addr", ":8007", "admin HTTP listen address")
	auditPath := flag.String("audit-db", "./gateway-audit.db", "path to the session-event audit SQLite database")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configs, err := config.New(*configPath, logger)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	stopWatch := make(chan struct{})
	if err := configs.Watch(stopWatch); err != nil {
		logger.Error("watch config", "err", err)
		os.Exit(1)
	}
	defer close(stopWatch)

	registry := device.NewRegistry()
	replies := replybus.New()

	auditStore, err := audit.New(*auditPath)
	if err != nil {
		logger.Error("open audit db", "path", *auditPath, "err", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	udpConn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", *udpPort))
	if err != nil {
		logger.Error("listen udp", "port", *udpPort, "err", err)
		os.Exit(1)
	}
	mux := udprelay.NewMux(udpConn, sessionLookup(registry), logger)

	tcpListener, err := net.Listen("tcp", fmt.Sprintf(":%d", *mqttPort))
	if err != nil {
		logger.Error("listen tcp", "port", *mqttPort, "err", err)
		os.Exit(1)
	}

	admin := httpapi.New(registry, registryPublisher{registry}, replies, *signatureKey, logger)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		shutdown(cancel, registry, udpConn, tcpListener, admin)
	}()

	go func() {
		if err := mux.Serve(ctx); err != nil {
			logger.Warn("udp relay stopped", "err", err)
		}
	}()

	go keepalive.Run(ctx, registry, time.Second, logger)

	go func() {
		logger.Info("admin http listening", "addr", *adminAddr)
		if err := admin.Start(*adminAddr); err != nil {
			logger.Warn("admin http stopped", "err", err)
		}
	}()

	logger.Info("mqtt gateway listening", "port", *mqttPort, "udp_port", *udpPort, "public_ip", *publicIP)
	acceptLoop(ctx, tcpListener, registry, configs, mux, replies, auditStore, *publicIP, *udpPort, logger)
}

// acceptLoop accepts device sockets until ctx is canceled or the listener
// errors, handing each off to its own Connection goroutine.
func acceptLoop(ctx context.Context, ln net.Listener, registry *device.Registry, configs *config.Manager, mux *udprelay.Mux, replies *replybus.Bus, auditStore *audit.Store, publicIP string, udpPort int, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept", "err", err)
			return
		}
		c := pubsub.New(conn, registry, configs, session.New, mux, replies, auditStore, publicIP, udpPort, logger)
		go c.Serve()
	}
}

// sessionLookup resolves a MAC to its registered Connection's current
// Session, the udprelay.Receiver the UDP mux hands each encrypted ingress
// frame to for decryption.
func sessionLookup(registry *device.Registry) udprelay.Lookup {
	return func(mac string) (udprelay.Receiver, bool) {
		conn, ok := registry.Get(mac)
		if !ok {
			return nil, false
		}
		pc, ok := conn.(*pubsub.Connection)
		if !ok {
			return nil, false
		}
		return pc.Session()
	}
}

// registryPublisher adapts the registry to httpapi.Publisher: pushing a
// command to a device is just forwarding to its current Connection.
type registryPublisher struct {
	registry *device.Registry
}

func (p registryPublisher) Publish(mac string, payload []byte) error {
	conn, ok := p.registry.Get(mac)
	if !ok {
		return fmt.Errorf("device %s is not registered", mac)
	}
	return conn.Publish(payload)
}

// shutdown runs the gateway's stop sequence: cancel ctx, which halts the
// keep-alive sweeps and the UDP relay loop, close every live
// Connection, give sessions a moment to finish their goodbye handshake,
// then close the listeners.
func shutdown(cancel context.CancelFunc, registry *device.Registry, udpConn net.PacketConn, tcpListener net.Listener, admin *httpapi.Server) {
	cancel()
	registry.Iterate(func(c device.Conn) { _ = c.Close() })
	time.Sleep(300 * time.Millisecond)
	_ = udpConn.Close()
	_ = tcpListener.Close()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = admin.Shutdown(shutdownCtx)
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
