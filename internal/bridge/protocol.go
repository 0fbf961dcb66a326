// ABOUTME: Boundary to the federated messaging protocol client
// ABOUTME: Defines the inbound event union, sync results and the Client interface

package bridge

import (
	"context"
	"errors"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/TaoGuerreiro/matrix-bridge-api/internal/store"
)

// ErrNotLoggedIn is returned by Client implementations when an
// operation that needs an authenticated session runs before Login.
var ErrNotLoggedIn = errors.New("not logged in")

// Event is an inbound room event. It is a closed union: exactly
// PlaintextMessage, EncryptedMessage and OtherEvent implement it.
type Event interface {
	isEvent()
}

// PlaintextMessage is a message that was never encrypted.
type PlaintextMessage struct {
	EventID   id.EventID
	RoomID    id.RoomID
	Sender    id.UserID
	Body      string
	Timestamp time.Time
}

func (*PlaintextMessage) isEvent() {}

// EncryptedMessage is a message whose body is group-session ciphertext.
// Raw carries the original envelope so the protocol client can decrypt
// it; this package never looks inside it.
type EncryptedMessage struct {
	EventID   id.EventID
	RoomID    id.RoomID
	Sender    id.UserID
	SenderKey id.Curve25519
	SessionID id.SessionID
	Timestamp time.Time
	Raw       *event.Event
}

func (*EncryptedMessage) isEvent() {}

// OtherEvent is any event this bridge does not process (state events,
// receipts, reactions, ...).
type OtherEvent struct {
	EventID id.EventID
	RoomID  id.RoomID
	Type    string
}

func (*OtherEvent) isEvent() {}

// KeyForward reports that key material for a group session arrived,
// either via a to-device forward or a fresh outbound share.
type KeyForward struct {
	RoomID    id.RoomID
	SessionID id.SessionID
	SenderKey id.Curve25519
}

// Room is a joined room as seen by the protocol client.
type Room struct {
	ID        id.RoomID
	Name      string
	Members   []id.UserID
	Encrypted bool
}

// SyncResult is one cycle of the event stream.
type SyncResult struct {
	NextBatch   string
	Rooms       []*Room
	Events      []Event
	KeyForwards []KeyForward
}

// Device is one remote device known to the protocol client's device list.
type Device struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	Ed25519     id.Ed25519
	Curve25519  id.Curve25519
	DisplayName string
	Trusted     bool
}

// EngineState is the crypto engine's persistable state, transferred in
// bulk between the live engine and the store at startup and shutdown.
// All blobs are opaque to this package.
type EngineState struct {
	Account       *store.Account
	DeviceKeys    []*store.DeviceKey
	GroupSessions []*store.InboundGroupSession
	OlmSessions   []*store.OlmSession
}

// Client is the federated messaging protocol client this bridge
// consumes. Implementations own the wire protocol and the ratchet
// primitives; they must serialize mutation of their in-memory session
// table relative to decrypt attempts, and every blocking method takes a
// context and applies its own bounded timeout semantics.
type Client interface {
	// Login authenticates. A failure here is fatal for startup.
	Login(ctx context.Context) error
	UserID() id.UserID
	DeviceID() id.DeviceID

	// SyncOnce advances the event stream from the given continuation
	// token ("" for the beginning) and returns the decoded batch.
	SyncOnce(ctx context.Context, since string, fullState bool) (*SyncResult, error)
	// Rooms returns the currently joined rooms.
	Rooms() []*Room
	SendMessage(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error)
	// FetchMessages returns the most recent events of a room in
	// server-assigned order, oldest first.
	FetchMessages(ctx context.Context, roomID id.RoomID, limit int) ([]Event, error)

	// FetchDeviceKeys queries the protocol for the device lists of the
	// given users and records them in the client's device list.
	FetchDeviceKeys(ctx context.Context, users []id.UserID) error
	// Devices returns the locally known devices of one user.
	Devices(userID id.UserID) []*Device
	// TrustDevice marks a device trusted for group session sharing.
	TrustDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error
	// ShareGroupSession shares or refreshes the outbound group session
	// with the room's current device set.
	ShareGroupSession(ctx context.Context, roomID id.RoomID) error
	// RequestSessionKey asks other devices for a missing inbound group
	// session. requestID deduplicates on the wire.
	RequestSessionKey(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID, requestID string) error
	// DecryptEvent decrypts using the session state already installed.
	DecryptEvent(ctx context.Context, evt *EncryptedMessage) (*PlaintextMessage, error)

	// ImportState installs persisted session state into the live engine.
	ImportState(ctx context.Context, state *EngineState) error
	// ExportState snapshots the live engine for persistence.
	ExportState(ctx context.Context) (*EngineState, error)
}
