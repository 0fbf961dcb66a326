// ABOUTME: Store interface and data types for crypto session persistence
// ABOUTME: Defines Account, DeviceKey, InboundGroupSession, OlmSession and the CryptoStore interface

package store

import (
	"context"
	"errors"
	"time"

	"maunium.net/go/mautrix/id"
)

// ErrNotFound is returned when a requested row does not exist.
// An unavailable store also reports ErrNotFound for point lookups,
// so callers treat it uniformly as "absent".
var ErrNotFound = errors.New("not found")

// TrustState records whether a remote device has been trusted for group
// session sharing.
type TrustState string

const (
	TrustStateUntrusted TrustState = "untrusted"
	TrustStateTrusted   TrustState = "trusted"
)

// Account holds the serialized identity-key state for one (user, device)
// pair. The blob is opaque to the store; only the crypto engine produces
// and consumes it.
type Account struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	Blob      []byte
	Shared    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeviceKey is one remote device known to this account, with its public
// key fingerprints and trust state.
type DeviceKey struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	Ed25519     id.Ed25519
	Curve25519  id.Curve25519
	DisplayName string
	Trust       TrustState
	CreatedAt   time.Time
}

// InboundGroupSession is the receiver-side ratchet state for one group
// session, keyed by (room, session, sender key). The blob is opaque.
type InboundGroupSession struct {
	RoomID          id.RoomID
	SessionID       id.SessionID
	SenderKey       id.Curve25519
	Blob            []byte
	FirstKnownIndex uint32
	ForwardingChain []string
	SigningKeys     map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OlmSession is a pairwise double-ratchet session used for key exchange,
// keyed by (sender key, session id).
type OlmSession struct {
	SenderKey  id.Curve25519
	SessionID  id.SessionID
	Blob       []byte
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Stats reports per-table row counts for diagnostics.
type Stats struct {
	Available     bool `json:"available"`
	Accounts      int  `json:"accounts"`
	DeviceKeys    int  `json:"device_keys"`
	GroupSessions int  `json:"group_sessions"`
	OlmSessions   int  `json:"olm_sessions"`
	SyncTokens    int  `json:"sync_tokens"`
}

// CryptoStore persists the session artifacts a client needs to keep
// decrypting message history across restarts. Implementations must be
// safe for concurrent use, and every method must be idempotent with
// respect to repeated identical input.
type CryptoStore interface {
	SaveAccount(ctx context.Context, account *Account) error
	LoadAccount(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Account, error)

	SaveDeviceKey(ctx context.Context, key *DeviceKey) error
	LoadAllDeviceKeys(ctx context.Context) (map[id.UserID][]*DeviceKey, error)

	SaveInboundGroupSession(ctx context.Context, session *InboundGroupSession) error
	// LoadInboundGroupSessions returns all sessions, or only those for
	// roomID when it is non-empty.
	LoadInboundGroupSessions(ctx context.Context, roomID id.RoomID) ([]*InboundGroupSession, error)
	GetInboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, senderKey id.Curve25519) (*InboundGroupSession, error)

	SaveOlmSession(ctx context.Context, session *OlmSession) error
	LoadOlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*OlmSession, error)
	// LoadAllOlmSessions returns every pairwise session, for bulk state
	// restore at startup.
	LoadAllOlmSessions(ctx context.Context) ([]*OlmSession, error)

	SaveSyncToken(ctx context.Context, token string) error
	LoadSyncToken(ctx context.Context) (string, error)

	Stats(ctx context.Context) Stats
	Close() error
}
