// ABOUTME: Device trust management for bridge bot accounts
// ABOUTME: Auto-trusts devices of known bridge bots so their group sessions decrypt

package bridge

import (
	"context"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/TaoGuerreiro/matrix-bridge-api/internal/store"
)

// DefaultBridgeBotPatterns match the bridge bot accounts whose devices
// are trusted without interactive verification. Matching is substring
// over the full user id.
var DefaultBridgeBotPatterns = []string{
	"instagram",
	"messenger",
	"facebook",
	"whatsapp",
}

// TrustManager trusts the devices of bridge bot accounts so their
// encrypted traffic is accepted. A bridge bot is identified purely by
// user-id pattern; this is a deliberate policy for single-operator
// deployments where the bot accounts live on the same homeserver.
type TrustManager struct {
	client   Client
	store    store.CryptoStore
	patterns []string
	logger   *slog.Logger
}

// NewTrustManager creates a trust manager. With no patterns the
// built-in defaults apply.
func NewTrustManager(client Client, st store.CryptoStore, patterns []string, logger *slog.Logger) *TrustManager {
	if len(patterns) == 0 {
		patterns = DefaultBridgeBotPatterns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TrustManager{
		client:   client,
		store:    st,
		patterns: patterns,
		logger:   logger.With("component", "trust"),
	}
}

// IsBridgeBot reports whether the user id matches a bridge bot pattern.
func (m *TrustManager) IsBridgeBot(userID id.UserID) bool {
	s := strings.ToLower(string(userID))
	for _, p := range m.patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// TrustBridgeDevices walks the members of the given rooms, and for each
// bridge bot trusts every known device and records the trust decision
// in the store. Individual failures are logged and skipped; the sweep
// always covers every candidate. Returns the number of devices newly
// trusted.
func (m *TrustManager) TrustBridgeDevices(ctx context.Context, rooms []*Room) int {
	seen := make(map[id.UserID]bool)
	trusted := 0

	for _, room := range rooms {
		for _, member := range room.Members {
			if seen[member] || !m.IsBridgeBot(member) {
				continue
			}
			seen[member] = true
			trusted += m.trustUserDevices(ctx, member)
		}
	}

	if trusted > 0 {
		m.logger.Info("trusted bridge bot devices", "devices", trusted, "bots", len(seen))
	}
	return trusted
}

func (m *TrustManager) trustUserDevices(ctx context.Context, userID id.UserID) int {
	trusted := 0
	for _, dev := range m.client.Devices(userID) {
		if dev.Trusted {
			continue
		}
		if err := m.client.TrustDevice(ctx, dev.UserID, dev.DeviceID); err != nil {
			m.logger.Warn("failed to trust device",
				"user_id", dev.UserID, "device_id", dev.DeviceID, "error", err)
			continue
		}
		if err := m.store.SaveDeviceKey(ctx, &store.DeviceKey{
			UserID:      dev.UserID,
			DeviceID:    dev.DeviceID,
			Ed25519:     dev.Ed25519,
			Curve25519:  dev.Curve25519,
			DisplayName: dev.DisplayName,
			Trust:       store.TrustStateTrusted,
		}); err != nil {
			m.logger.Warn("failed to persist device trust",
				"user_id", dev.UserID, "device_id", dev.DeviceID, "error", err)
		}
		m.logger.Debug("trusted bridge device", "user_id", dev.UserID, "device_id", dev.DeviceID)
		trusted++
	}
	return trusted
}
