package keepalive

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xiaozhi-dev/mqtt-gateway/internal/device"
)

type fakeConn struct {
	mac     string
	alive   bool
	checked chan time.Time
}

func (f *fakeConn) MAC() string                  { return f.mac }
func (f *fakeConn) IsAlive() bool                { return f.alive }
func (f *fakeConn) Close() error                 { return nil }
func (f *fakeConn) Publish(payload []byte) error { return nil }
func (f *fakeConn) CheckKeepAlive(now time.Time) {
	select {
	case f.checked <- now:
	default:
	}
}

func TestRunCallsCheckKeepAliveOnEveryRegisteredConnection(t *testing.T) {
	registry := device.NewRegistry()
	c := &fakeConn{mac: "a0:85:e3:f4:49:34", alive: true, checked: make(chan time.Time, 1)}
	registry.Insert(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, registry, 20*time.Millisecond, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
		close(done)
	}()

	select {
	case <-c.checked:
	case <-time.After(time.Second):
		t.Fatal("CheckKeepAlive was never called")
	}

	cancel()
	<-done
}

func TestRunLogsWhenActiveCountChanges(t *testing.T) {
	registry := device.NewRegistry()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, registry, 20*time.Millisecond, logger)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	registry.Insert(&fakeConn{mac: "a0:85:e3:f4:49:34", alive: true, checked: make(chan time.Time, 1)})
	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	output := buf.String()
	if !strings.Contains(output, "keep-alive sweep") {
		t.Fatalf("expected at least one sweep log line, got: %q", output)
	}
	if !strings.Contains(output, "active_connections=1") {
		t.Errorf("expected a log line reflecting the new connection, got: %q", output)
	}
}

// A Connection that is registered but not alive (no live Session) must count
// toward the registered total but NOT toward the active count — otherwise
// the sweep log conflates "has a socket" with "has a live Session".
func TestRunDistinguishesRegisteredFromActiveCount(t *testing.T) {
	registry := device.NewRegistry()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	registry.Insert(&fakeConn{mac: "a0:85:e3:f4:49:34", alive: false, checked: make(chan time.Time, 1)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, registry, 20*time.Millisecond, logger)
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	output := buf.String()
	if !strings.Contains(output, "registered_connections=1") {
		t.Errorf("expected the registered count to include the non-alive connection, got: %q", output)
	}
	if !strings.Contains(output, "active_connections=0") {
		t.Errorf("expected the active count to exclude the non-alive connection, got: %q", output)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	registry := device.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Run(ctx, registry, 20*time.Millisecond, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
