// Package chatserver implements the per-device upstream WebSocket URL
// selection (spec.md §4.G): devices listed under the config's development
// bucket are routed to development chat servers, everything else to
// production.
package chatserver

import (
	"errors"
	"math/rand"
	"slices"

	"github.com/xiaozhi-dev/mqtt-gateway/internal/config"
)

// ErrNoChatServer is returned when the applicable bucket has no candidates.
var ErrNoChatServer = errors.New("no chat server configured for this device")

// Select chooses one upstream WebSocket URL for mac from cfg, picking
// uniformly at random among the applicable bucket's candidates.
func Select(cfg config.Config, mac string) (string, error) {
	candidates := cfg.Production.ChatServers
	if slices.Contains(cfg.Development.MacAddresses, mac) {
		candidates = cfg.Development.ChatServers
	}
	if len(candidates) == 0 {
		return "", ErrNoChatServer
	}
	return candidates[rand.Intn(len(candidates))], nil
}
