// ABOUTME: mautrix-backed implementation of the bridge protocol client
// ABOUTME: Wraps the Matrix client and olm machine behind the bridge.Client interface

package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/TaoGuerreiro/matrix-bridge-api/internal/bridge"
	"github.com/TaoGuerreiro/matrix-bridge-api/internal/config"
	"github.com/TaoGuerreiro/matrix-bridge-api/internal/store"
)

// syncLongPoll is how long the homeserver holds an idle /sync open.
// Left at zero the server answers immediately and every cycle becomes
// a full round trip.
const (
	syncLongPoll = 30 * time.Second
	syncGrace    = 2 * time.Second
)

// MatrixClient implements bridge.Client on top of mautrix.
type MatrixClient struct {
	cfg     config.MatrixConfig
	dataDir string
	client  *mautrix.Client
	helper  *cryptohelper.CryptoHelper
	logger  *slog.Logger

	mu          sync.Mutex
	rooms       map[id.RoomID]*bridge.Room
	keyForwards []bridge.KeyForward
}

// NewMatrixClient creates the protocol client. Login must be called
// before any other method; the crypto engine needs the device id the
// homeserver assigns.
func NewMatrixClient(cfg config.MatrixConfig, dataDir string, logger *slog.Logger) (*MatrixClient, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &MatrixClient{
		cfg:     cfg,
		dataDir: dataDir,
		client:  client,
		logger:  logger.With("component", "matrix"),
		rooms:   make(map[id.RoomID]*bridge.Room),
	}, nil
}

// Login authenticates with password auth and initializes the crypto
// engine for the resulting device.
func (m *MatrixClient) Login(ctx context.Context) error {
	_, err := m.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: m.cfg.UserID,
		},
		Password:                 m.cfg.Password,
		DeviceID:                 id.DeviceID(m.cfg.DeviceID),
		InitialDeviceDisplayName: "matrix-bridge-api",
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("password login: %w", err)
	}

	if err := os.MkdirAll(m.dataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(m.dataDir, "olm-engine.db")

	helper, err := cryptohelper.NewCryptoHelper(m.client, pickleKey(m.cfg.UserID), dbPath)
	if err != nil {
		return fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return fmt.Errorf("initializing crypto engine: %w", err)
	}
	m.client.Crypto = helper
	m.helper = helper

	// Surface newly arrived session keys so the decryption backlog can
	// retry immediately instead of waiting for the next sweep.
	helper.Machine().SessionReceived = func(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, index uint32) {
		m.mu.Lock()
		m.keyForwards = append(m.keyForwards, bridge.KeyForward{RoomID: roomID, SessionID: sessionID})
		m.mu.Unlock()
	}

	return nil
}

// pickleKey derives the engine store key from the user id, isolating
// per-user state without an external secret.
func pickleKey(userID string) []byte {
	h := sha256.Sum256([]byte("matrix-bridge-api:" + userID))
	return h[:]
}

func (m *MatrixClient) UserID() id.UserID {
	return m.client.UserID
}

func (m *MatrixClient) DeviceID() id.DeviceID {
	return m.client.DeviceID
}

// engine returns the crypto machine, or ErrNotLoggedIn before Login
// has initialized it.
func (m *MatrixClient) engine() (*crypto.OlmMachine, error) {
	if m.helper == nil {
		return nil, bridge.ErrNotLoggedIn
	}
	return m.helper.Machine(), nil
}

// SyncOnce performs one /sync round trip, feeds the response through
// the crypto engine and translates it into the bridge's event model.
func (m *MatrixClient) SyncOnce(ctx context.Context, since string, fullState bool) (*bridge.SyncResult, error) {
	machine, err := m.engine()
	if err != nil {
		return nil, err
	}

	req := mautrix.ReqSync{
		Since:     since,
		FullState: fullState,
		Timeout:   int(syncLongPoll.Milliseconds()),
	}
	// Long-poll for less than the caller's budget so the server, not
	// the client deadline, ends an idle request.
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline) - syncGrace; d > 0 && d.Milliseconds() < int64(req.Timeout) {
			req.Timeout = int(d.Milliseconds())
		}
	}
	resp, err := m.client.FullSyncRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sync request: %w", err)
	}

	// Let the olm machine consume to-device events (olm messages, key
	// forwards) before we look at room timelines.
	machine.ProcessSyncResponse(ctx, resp, since)

	result := &bridge.SyncResult{NextBatch: resp.NextBatch}

	for roomID, joined := range resp.Rooms.Join {
		room := m.updateRoom(roomID, joined)
		result.Rooms = append(result.Rooms, room)

		for _, evt := range joined.Timeline.Events {
			evt.RoomID = roomID
			if translated := m.translateEvent(evt); translated != nil {
				result.Events = append(result.Events, translated)
			}
		}
	}

	// Sessions the machine learned during this batch; the pipeline uses
	// them to retry its backlog.
	m.mu.Lock()
	result.KeyForwards = m.keyForwards
	m.keyForwards = nil
	m.mu.Unlock()

	return result, nil
}

// updateRoom folds one room's sync data into the local room cache.
func (m *MatrixClient) updateRoom(roomID id.RoomID, joined *mautrix.SyncJoinedRoom) *bridge.Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		room = &bridge.Room{ID: roomID}
		m.rooms[roomID] = room
	}

	apply := func(evt *event.Event) {
		switch evt.Type {
		case event.StateRoomName:
			if err := evt.Content.ParseRaw(evt.Type); err == nil {
				room.Name = evt.Content.AsRoomName().Name
			}
		case event.StateEncryption:
			room.Encrypted = true
		case event.StateMember:
			member := id.UserID(evt.GetStateKey())
			for _, existing := range room.Members {
				if existing == member {
					return
				}
			}
			room.Members = append(room.Members, member)
		}
	}

	for _, evt := range joined.State.Events {
		apply(evt)
	}
	for _, evt := range joined.Timeline.Events {
		if evt.StateKey != nil {
			apply(evt)
		}
	}
	return room
}

// translateEvent converts a raw timeline event into the bridge's event
// union. State events and non-message types come back as OtherEvent.
func (m *MatrixClient) translateEvent(evt *event.Event) bridge.Event {
	ts := time.UnixMilli(evt.Timestamp)

	switch evt.Type {
	case event.EventEncrypted:
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			m.logger.Warn("unparseable encrypted event", "event_id", evt.ID, "error", err)
			return nil
		}
		content := evt.Content.AsEncrypted()
		return &bridge.EncryptedMessage{
			EventID:   evt.ID,
			RoomID:    evt.RoomID,
			Sender:    evt.Sender,
			SenderKey: content.SenderKey,
			SessionID: content.SessionID,
			Timestamp: ts,
			Raw:       evt,
		}
	case event.EventMessage:
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return nil
		}
		content := evt.Content.AsMessage()
		if content.MsgType != event.MsgText && content.MsgType != event.MsgNotice {
			return &bridge.OtherEvent{EventID: evt.ID, RoomID: evt.RoomID, Type: string(content.MsgType)}
		}
		return &bridge.PlaintextMessage{
			EventID:   evt.ID,
			RoomID:    evt.RoomID,
			Sender:    evt.Sender,
			Body:      content.Body,
			Timestamp: ts,
		}
	default:
		return &bridge.OtherEvent{EventID: evt.ID, RoomID: evt.RoomID, Type: evt.Type.Type}
	}
}

func (m *MatrixClient) Rooms() []*bridge.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]*bridge.Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// SendMessage sends a text message. The crypto helper attached to the
// client encrypts it transparently in encrypted rooms.
func (m *MatrixClient) SendMessage(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	resp, err := m.client.SendText(ctx, roomID, body)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return resp.EventID, nil
}

// FetchMessages pulls recent history, oldest first.
func (m *MatrixClient) FetchMessages(ctx context.Context, roomID id.RoomID, limit int) ([]bridge.Event, error) {
	resp, err := m.client.Messages(ctx, roomID, "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	events := make([]bridge.Event, 0, len(resp.Chunk))
	for i := len(resp.Chunk) - 1; i >= 0; i-- {
		evt := resp.Chunk[i]
		evt.RoomID = roomID
		if translated := m.translateEvent(evt); translated != nil {
			events = append(events, translated)
		}
	}
	return events, nil
}

func (m *MatrixClient) FetchDeviceKeys(ctx context.Context, users []id.UserID) error {
	machine, err := m.engine()
	if err != nil {
		return err
	}
	if _, err := machine.FetchKeys(ctx, users, true); err != nil {
		return fmt.Errorf("fetching device keys: %w", err)
	}
	return nil
}

func (m *MatrixClient) Devices(userID id.UserID) []*bridge.Device {
	machine, err := m.engine()
	if err != nil {
		return nil
	}
	devices, err := machine.CryptoStore.GetDevices(context.Background(), userID)
	if err != nil {
		m.logger.Warn("failed to load devices", "user_id", userID, "error", err)
		return nil
	}

	out := make([]*bridge.Device, 0, len(devices))
	for _, dev := range devices {
		out = append(out, &bridge.Device{
			UserID:      dev.UserID,
			DeviceID:    dev.DeviceID,
			Ed25519:     dev.SigningKey,
			Curve25519:  dev.IdentityKey,
			DisplayName: dev.Name,
			Trusted:     dev.Trust == id.TrustStateVerified,
		})
	}
	return out
}

// TrustDevice marks a device verified in the crypto engine's device
// list so group sessions are shared with it.
func (m *MatrixClient) TrustDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	machine, err := m.engine()
	if err != nil {
		return err
	}
	dev, err := machine.GetOrFetchDevice(ctx, userID, deviceID)
	if err != nil {
		return fmt.Errorf("fetching device: %w", err)
	}
	dev.Trust = id.TrustStateVerified
	if err := machine.CryptoStore.PutDevice(ctx, userID, dev); err != nil {
		return fmt.Errorf("storing device trust: %w", err)
	}
	return nil
}

// ShareGroupSession shares the room's outbound group session with the
// current member devices.
func (m *MatrixClient) ShareGroupSession(ctx context.Context, roomID id.RoomID) error {
	machine, err := m.engine()
	if err != nil {
		return err
	}
	members, err := m.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("listing members: %w", err)
	}
	users := make([]id.UserID, 0, len(members.Joined))
	for userID := range members.Joined {
		users = append(users, userID)
	}
	if err := machine.ShareGroupSession(ctx, roomID, users); err != nil {
		return fmt.Errorf("sharing group session: %w", err)
	}
	return nil
}

// RequestSessionKey asks the account's other devices for a missing
// inbound group session.
func (m *MatrixClient) RequestSessionKey(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID, requestID string) error {
	machine, err := m.engine()
	if err != nil {
		return err
	}
	err = machine.SendRoomKeyRequest(ctx, roomID, senderKey, sessionID, requestID,
		map[id.UserID][]id.DeviceID{m.client.UserID: {"*"}})
	if err != nil {
		return fmt.Errorf("sending key request: %w", err)
	}
	return nil
}

// DecryptEvent decrypts using session state already installed in the
// engine; it never fetches keys itself.
func (m *MatrixClient) DecryptEvent(ctx context.Context, evt *bridge.EncryptedMessage) (*bridge.PlaintextMessage, error) {
	machine, err := m.engine()
	if err != nil {
		return nil, err
	}
	if evt.Raw == nil {
		return nil, fmt.Errorf("no raw event to decrypt")
	}
	decrypted, err := machine.DecryptMegolmEvent(ctx, evt.Raw)
	if err != nil {
		return nil, err
	}

	body := ""
	if content := decrypted.Content.AsMessage(); content != nil {
		body = content.Body
	}
	return &bridge.PlaintextMessage{
		EventID:   evt.EventID,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		Body:      body,
		Timestamp: evt.Timestamp,
	}, nil
}

// ImportState installs persisted session state into the crypto
// engine's store. Blobs are libolm pickles keyed by the derived store
// key; entries that fail to unpickle are logged and skipped.
func (m *MatrixClient) ImportState(ctx context.Context, state *bridge.EngineState) error {
	machine, err := m.engine()
	if err != nil {
		return err
	}
	cryptoStore := machine.CryptoStore
	key := pickleKey(m.cfg.UserID)

	if state.Account != nil {
		inner, err := olm.AccountFromPickled(state.Account.Blob, key)
		if err != nil {
			m.logger.Warn("failed to unpickle account, keeping engine account", "error", err)
		} else {
			acc := crypto.NewOlmAccount()
			acc.Internal = inner
			acc.Shared = state.Account.Shared
			if err := cryptoStore.PutAccount(ctx, acc); err != nil {
				m.logger.Warn("failed to install account", "error", err)
			}
		}
	}

	imported := 0
	for _, sess := range state.GroupSessions {
		inner, err := olm.InboundGroupSessionFromPickled(sess.Blob, key)
		if err != nil {
			m.logger.Warn("failed to unpickle group session", "session_id", sess.SessionID, "error", err)
			continue
		}
		igs := &crypto.InboundGroupSession{
			Internal:         inner,
			SigningKey:       id.Ed25519(sess.SigningKeys[string(id.KeyAlgorithmEd25519)]),
			SenderKey:        sess.SenderKey,
			RoomID:           sess.RoomID,
			ForwardingChains: sess.ForwardingChain,
		}
		if err := cryptoStore.PutGroupSession(ctx, igs); err != nil {
			m.logger.Warn("failed to install group session", "session_id", sess.SessionID, "error", err)
			continue
		}
		imported++
	}

	for _, sess := range state.OlmSessions {
		inner, err := olm.SessionFromPickled(sess.Blob, key)
		if err != nil {
			m.logger.Warn("failed to unpickle olm session", "session_id", sess.SessionID, "error", err)
			continue
		}
		if err := cryptoStore.AddSession(ctx, sess.SenderKey, &crypto.OlmSession{Internal: inner}); err != nil {
			m.logger.Warn("failed to install olm session", "session_id", sess.SessionID, "error", err)
		}
	}

	for _, dev := range state.DeviceKeys {
		trust := id.TrustStateUnset
		if dev.Trust == store.TrustStateTrusted {
			trust = id.TrustStateVerified
		}
		err := cryptoStore.PutDevice(ctx, dev.UserID, &id.Device{
			UserID:      dev.UserID,
			DeviceID:    dev.DeviceID,
			IdentityKey: dev.Curve25519,
			SigningKey:  dev.Ed25519,
			Name:        dev.DisplayName,
			Trust:       trust,
		})
		if err != nil {
			m.logger.Warn("failed to install device key", "device_id", dev.DeviceID, "error", err)
		}
	}

	m.logger.Info("imported crypto state", "group_sessions", imported, "device_keys", len(state.DeviceKeys))
	return nil
}

// ExportState snapshots the crypto engine's store for persistence.
func (m *MatrixClient) ExportState(ctx context.Context) (*bridge.EngineState, error) {
	machine, err := m.engine()
	if err != nil {
		return nil, err
	}
	return exportEngineState(ctx, machine.CryptoStore, m.client.UserID, m.client.DeviceID,
		pickleKey(m.cfg.UserID), m.logger)
}

// exportEngineState walks the engine store and pickles everything the
// relational store persists.
func exportEngineState(ctx context.Context, cryptoStore crypto.Store, userID id.UserID, deviceID id.DeviceID, key []byte, logger *slog.Logger) (*bridge.EngineState, error) {
	now := time.Now()
	state := &bridge.EngineState{}

	account, err := cryptoStore.GetAccount(ctx)
	if err != nil {
		logger.Warn("failed to load engine account", "error", err)
	} else if account != nil {
		blob, err := account.Internal.Pickle(key)
		if err != nil {
			return nil, fmt.Errorf("pickling account: %w", err)
		}
		state.Account = &store.Account{
			UserID:   userID,
			DeviceID: deviceID,
			Blob:     blob,
			Shared:   account.Shared,
		}
	}

	sessions, err := cryptoStore.GetAllGroupSessions(ctx).AsList()
	if err != nil {
		return nil, fmt.Errorf("exporting group sessions: %w", err)
	}
	for _, sess := range sessions {
		sessionID := sess.Internal.ID()
		blob, err := sess.Internal.Pickle(key)
		if err != nil {
			logger.Warn("failed to pickle group session", "session_id", sessionID, "error", err)
			continue
		}
		state.GroupSessions = append(state.GroupSessions, &store.InboundGroupSession{
			RoomID:          sess.RoomID,
			SessionID:       sessionID,
			SenderKey:       sess.SenderKey,
			Blob:            blob,
			FirstKnownIndex: sess.Internal.FirstKnownIndex(),
			ForwardingChain: sess.ForwardingChains,
			SigningKeys:     map[string]string{string(id.KeyAlgorithmEd25519): string(sess.SigningKey)},
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	// Olm ratchet sessions are not enumerable through the engine store
	// interface; the engine's own database keeps them durable, and the
	// relational store retains the ones imported at startup.
	return state, nil
}
