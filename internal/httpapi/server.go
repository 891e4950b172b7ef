// Package httpapi implements the admin HTTP collaborator (spec.md §4.I): a
// small labstack/echo app, external to the gateway's core, that exposes
// device liveness and a command-push endpoint over a daily-derived bearer
// token. It depends only on the narrow interface the core exposes — lookup,
// publish, and a reply correlator — never on core internals.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaozhi-dev/mqtt-gateway/internal/replybus"
)

// commandTimeout bounds how long /api/commands/:deviceId waits for a
// correlated device reply before responding 504 (spec.md §4.I).
const commandTimeout = 5 * time.Second

// Lookup reports whether mac currently has a live Session.
type Lookup interface {
	IsAlive(mac string) bool
}

// Publisher pushes a payload to mac's reply topic.
type Publisher interface {
	Publish(mac string, payload []byte) error
}

// Server is the admin HTTP app. It owns its own listener, separate from the
// gateway's pub/sub and UDP listeners.
type Server struct {
	echo    *echo.Echo
	lookup  Lookup
	publish Publisher
	replies *replybus.Bus

	signatureKey string
	now          func() time.Time // overridden in tests
}

// New builds the admin app wired to the gateway's registry, publish
// function, and reply correlator. signatureKey is MQTT_SIGNATURE_KEY.
func New(lookup Lookup, publish Publisher, replies *replybus.Bus, signatureKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:         echo.New(),
		lookup:       lookup,
		publish:      publish,
		replies:      replies,
		signatureKey: signatureKey,
		now:          time.Now,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(requestLogger(logger))
	s.echo.Use(s.authenticate)

	s.echo.POST("/api/devices/status", s.handleDevicesStatus)
	s.echo.POST("/api/commands/:deviceId", s.handleCommand)
	return s
}

// Start serves the admin app on addr; it blocks until the listener errors
// or Shutdown is called.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin app.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestLogger mirrors the core server's own slog-based request logging.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			logger.Info("admin http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		if got == "" || got != expectedToken(s.now(), s.signatureKey) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
		}
		return next(c)
	}
}

// expectedToken derives the daily bearer value: sha256(yyyy-MM-dd ||
// signatureKey), hex-encoded, evaluated in server-local time (spec.md §4.I).
func expectedToken(now time.Time, signatureKey string) string {
	date := now.Format("2006-01-02")
	sum := sha256.Sum256([]byte(date + signatureKey))
	return hex.EncodeToString(sum[:])
}

func (s *Server) handleDevicesStatus(c echo.Context) error {
	var req struct {
		Macs []string `json:"macs"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	status := make(map[string]bool, len(req.Macs))
	for _, mac := range req.Macs {
		status[mac] = s.lookup.IsAlive(mac)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleCommand(c echo.Context) error {
	mac := c.Param("deviceId")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var env struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &env) // id is optional; fire-and-forget commands omit it

	if err := s.publish.Publish(mac, body); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "publish to device failed")
	}

	if env.ID == "" {
		return c.NoContent(http.StatusAccepted)
	}

	reply, ok := s.replies.Await(mac, env.ID, commandTimeout)
	if !ok {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "timed out waiting for device reply")
	}
	return c.JSONBlob(http.StatusOK, reply)
}
