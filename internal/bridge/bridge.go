// ABOUTME: Bridge coordinator owning the startup, sync loop and shutdown lifecycle
// ABOUTME: Ties the crypto store, decryption pipeline and trust manager to the protocol client

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/TaoGuerreiro/matrix-bridge-api/internal/config"
	"github.com/TaoGuerreiro/matrix-bridge-api/internal/platform"
	"github.com/TaoGuerreiro/matrix-bridge-api/internal/store"
)

// minSyncInterval floors the sync cycle. The homeserver normally holds
// the long-poll open, so a cycle that returns instantly means a broken
// or trivially fast server; without the floor the loop degenerates into
// a busy poll.
const minSyncInterval = time.Second

// Bridge coordinates the protocol client, the crypto session store, the
// decryption pipeline and device trust across the process lifecycle:
// recover persisted state, sync, share keys, trust bridge devices, and
// persist everything back on shutdown.
type Bridge struct {
	client   Client
	store    store.CryptoStore
	pipeline *Pipeline
	trust    *TrustManager
	cfg      config.BridgeConfig
	logger   *slog.Logger

	mu        sync.RWMutex
	nextBatch string
	platforms map[id.RoomID]string
	shared    map[id.RoomID]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bridge. The sink receives every message the pipeline
// delivers, including late retry successes.
func New(client Client, st store.CryptoStore, cfg *config.Config, sink Sink, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		client:    client,
		store:     st,
		cfg:       cfg.Bridge,
		logger:    logger.With("component", "bridge"),
		platforms: make(map[id.RoomID]string),
		shared:    make(map[id.RoomID]bool),
		done:      make(chan struct{}),
	}
	b.pipeline = NewPipeline(client, cfg.Bridge.AttemptCap, sink, logger)
	b.trust = NewTrustManager(client, st, cfg.Matrix.BridgeBotPatterns, logger)
	return b
}

// Start runs the recovery sequence: authenticate, install persisted
// session state into the crypto engine, catch up on the event stream,
// refresh device lists, share group sessions into encrypted rooms,
// trust bridge bot devices, and flush the resulting state. Only a
// login failure is fatal; every later step degrades gracefully.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.client.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	b.logger.Info("logged in", "user_id", b.client.UserID(), "device_id", b.client.DeviceID())

	b.restoreState(ctx)

	since, err := b.store.LoadSyncToken(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		b.logger.Warn("failed to load sync token, starting from scratch", "error", err)
		since = ""
	}

	syncCtx, cancel := context.WithTimeout(ctx, b.cfg.SyncTimeout)
	result, err := b.client.SyncOnce(syncCtx, since, true)
	cancel()
	if err != nil {
		b.logger.Warn("initial sync failed, continuing with local state", "error", err)
	} else {
		b.ingest(ctx, result)
	}

	rooms := b.client.Rooms()
	b.classifyRooms(rooms)

	if err := b.refreshDevices(ctx, rooms); err != nil {
		b.logger.Warn("device list refresh failed", "error", err)
	}

	b.shareSessions(ctx, rooms)
	b.trust.TrustBridgeDevices(ctx, rooms)
	b.flushState(ctx)

	b.logger.Info("bridge ready", "rooms", len(rooms), "backlog", b.pipeline.BacklogSize())
	return nil
}

// Run starts the sync loop and the periodic retry sweep. It returns
// immediately; Close stops the loop and flushes state.
func (b *Bridge) Run(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	go func() {
		defer close(b.done)

		sweep := time.NewTicker(b.cfg.RetrySweepInterval)
		defer sweep.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-sweep.C:
				b.pipeline.Sweep(loopCtx)
			default:
			}

			start := time.Now()
			b.syncCycle(loopCtx)
			if wait := minSyncInterval - time.Since(start); wait > 0 {
				select {
				case <-loopCtx.Done():
					return
				case <-time.After(wait):
				}
			}
		}
	}()
}

func (b *Bridge) syncCycle(ctx context.Context) {
	b.mu.RLock()
	since := b.nextBatch
	b.mu.RUnlock()

	syncCtx, cancel := context.WithTimeout(ctx, b.cfg.SyncTimeout)
	result, err := b.client.SyncOnce(syncCtx, since, false)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Timeouts are the long-poll idling; real errors get a short
		// backoff so a broken homeserver does not spin the loop.
		if !errors.Is(err, context.DeadlineExceeded) {
			b.logger.Warn("sync failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
		return
	}
	b.ingest(ctx, result)
}

// ingest applies one sync batch: persist the continuation token, record
// new rooms, feed events to the pipeline, and retry backlog entries
// whose key material just arrived.
func (b *Bridge) ingest(ctx context.Context, result *SyncResult) {
	if result == nil {
		return
	}

	if result.NextBatch != "" {
		b.mu.Lock()
		b.nextBatch = result.NextBatch
		b.mu.Unlock()
		if err := b.store.SaveSyncToken(ctx, result.NextBatch); err != nil {
			b.logger.Warn("failed to persist sync token", "error", err)
		}
	}

	if len(result.Rooms) > 0 {
		b.classifyRooms(result.Rooms)
	}

	for _, evt := range result.Events {
		b.pipeline.Handle(ctx, evt)
	}

	for _, fwd := range result.KeyForwards {
		b.logger.Debug("key material arrived", "session_id", fwd.SessionID, "room_id", fwd.RoomID)
		b.pipeline.RetrySession(ctx, fwd.SessionID)
	}
}

// restoreState loads persisted crypto state and installs it into the
// live engine. An empty or unavailable store just means a cold start.
func (b *Bridge) restoreState(ctx context.Context) {
	state := &EngineState{}

	account, err := b.store.LoadAccount(ctx, b.client.UserID(), b.client.DeviceID())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("failed to load account", "error", err)
		}
	} else {
		state.Account = account
	}

	if keys, err := b.store.LoadAllDeviceKeys(ctx); err != nil {
		b.logger.Warn("failed to load device keys", "error", err)
	} else {
		for _, devs := range keys {
			state.DeviceKeys = append(state.DeviceKeys, devs...)
		}
	}

	if sessions, err := b.store.LoadInboundGroupSessions(ctx, ""); err != nil {
		b.logger.Warn("failed to load group sessions", "error", err)
	} else {
		state.GroupSessions = sessions
	}

	if sessions, err := b.store.LoadAllOlmSessions(ctx); err != nil {
		b.logger.Warn("failed to load olm sessions", "error", err)
	} else {
		state.OlmSessions = sessions
	}

	if err := b.client.ImportState(ctx, state); err != nil {
		b.logger.Warn("failed to import crypto state", "error", err)
		return
	}
	b.logger.Info("restored crypto state",
		"account", state.Account != nil,
		"device_keys", len(state.DeviceKeys),
		"group_sessions", len(state.GroupSessions),
		"olm_sessions", len(state.OlmSessions))
}

// flushState exports the live engine and persists it. Store failures
// are absorbed; in-memory operation continues either way.
func (b *Bridge) flushState(ctx context.Context) {
	state, err := b.client.ExportState(ctx)
	if err != nil {
		b.logger.Warn("failed to export crypto state", "error", err)
		return
	}

	if state.Account != nil {
		if err := b.store.SaveAccount(ctx, state.Account); err != nil {
			b.logger.Warn("failed to persist account", "error", err)
		}
	}
	for _, dev := range state.DeviceKeys {
		if err := b.store.SaveDeviceKey(ctx, dev); err != nil {
			b.logger.Warn("failed to persist device key", "device_id", dev.DeviceID, "error", err)
		}
	}
	for _, sess := range state.GroupSessions {
		if err := b.store.SaveInboundGroupSession(ctx, sess); err != nil {
			b.logger.Warn("failed to persist group session", "session_id", sess.SessionID, "error", err)
		}
	}
	for _, sess := range state.OlmSessions {
		if err := b.store.SaveOlmSession(ctx, sess); err != nil {
			b.logger.Warn("failed to persist olm session", "session_id", sess.SessionID, "error", err)
		}
	}
}

// refreshDevices fetches the device lists of every member across the
// given rooms.
func (b *Bridge) refreshDevices(ctx context.Context, rooms []*Room) error {
	seen := make(map[id.UserID]bool)
	var users []id.UserID
	for _, room := range rooms {
		for _, member := range room.Members {
			if !seen[member] {
				seen[member] = true
				users = append(users, member)
			}
		}
	}
	if len(users) == 0 {
		return nil
	}
	return b.client.FetchDeviceKeys(ctx, users)
}

// shareSessions shares the outbound group session into every encrypted
// room not yet shared to. Per-room failures are logged and skipped.
func (b *Bridge) shareSessions(ctx context.Context, rooms []*Room) {
	for _, room := range rooms {
		if !room.Encrypted {
			continue
		}
		b.mu.RLock()
		done := b.shared[room.ID]
		b.mu.RUnlock()
		if done {
			continue
		}
		if err := b.client.ShareGroupSession(ctx, room.ID); err != nil {
			b.logger.Warn("failed to share group session", "room_id", room.ID, "error", err)
			continue
		}
		b.mu.Lock()
		b.shared[room.ID] = true
		b.mu.Unlock()
	}
}

func (b *Bridge) classifyRooms(rooms []*Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, room := range rooms {
		b.platforms[room.ID] = platform.Classify(room.Name, room.Members)
	}
}

// Close stops the sync loop, flushes crypto state to the store and
// closes it, in that order. Each step runs even if an earlier one
// failed, so a broken flush never leaks the store connection.
func (b *Bridge) Close(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
		select {
		case <-b.done:
		case <-ctx.Done():
			b.logger.Warn("sync loop did not stop in time")
		}
	}

	b.flushState(ctx)

	err := b.store.Close()
	if err != nil {
		b.logger.Warn("failed to close store", "error", err)
	}
	b.logger.Info("bridge stopped")
	return err
}

// RoomInfo is a joined room enriched with its platform classification.
type RoomInfo struct {
	ID        id.RoomID `json:"room_id"`
	Name      string    `json:"name"`
	Platform  string    `json:"platform"`
	Encrypted bool      `json:"encrypted"`
	Members   int       `json:"member_count"`
}

// Rooms returns the joined rooms with their platform classification.
func (b *Bridge) Rooms() []*RoomInfo {
	rooms := b.client.Rooms()
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		p := b.platforms[room.ID]
		if p == "" {
			p = platform.Classify(room.Name, room.Members)
		}
		out = append(out, &RoomInfo{
			ID:        room.ID,
			Name:      room.Name,
			Platform:  p,
			Encrypted: room.Encrypted,
			Members:   len(room.Members),
		})
	}
	return out
}

// Platform returns the platform classification of one room.
func (b *Bridge) Platform(roomID id.RoomID) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.platforms[roomID]; ok {
		return p
	}
	return platform.Unknown
}

// SendMessage sends a text message, sharing the room's group session
// first if it has not been shared yet.
func (b *Bridge) SendMessage(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	b.mu.RLock()
	done := b.shared[roomID]
	b.mu.RUnlock()
	if !done {
		if err := b.client.ShareGroupSession(ctx, roomID); err != nil {
			b.logger.Warn("failed to share group session before send", "room_id", roomID, "error", err)
		} else {
			b.mu.Lock()
			b.shared[roomID] = true
			b.mu.Unlock()
		}
	}
	return b.client.SendMessage(ctx, roomID, body)
}

// Messages fetches recent room history and resolves each event through
// the decryption pipeline. Events awaiting key material are skipped;
// they surface through the sink once their keys arrive.
func (b *Bridge) Messages(ctx context.Context, roomID id.RoomID, limit int) ([]*DeliveredMessage, error) {
	events, err := b.client.FetchMessages(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	out := make([]*DeliveredMessage, 0, len(events))
	for _, evt := range events {
		if msg := b.pipeline.Resolve(ctx, evt); msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

// MessagesByPlatform fetches recent history across every room of the
// given platform ("" means all rooms). Per-room fetch failures are
// logged and skipped so one dead room never empties the feed.
func (b *Bridge) MessagesByPlatform(ctx context.Context, platformName string, limit int) ([]*DeliveredMessage, error) {
	var out []*DeliveredMessage
	for _, room := range b.Rooms() {
		if platformName != "" && room.Platform != platformName {
			continue
		}
		msgs, err := b.Messages(ctx, room.ID, limit)
		if err != nil {
			b.logger.Warn("skipping room in feed", "room_id", room.ID, "error", err)
			continue
		}
		out = append(out, msgs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// EncryptionStatus summarizes crypto health for diagnostics.
type EncryptionStatus struct {
	UserID   id.UserID     `json:"user_id"`
	DeviceID id.DeviceID   `json:"device_id"`
	Store    store.Stats   `json:"store"`
	Pipeline PipelineStats `json:"pipeline"`
}

// Status reports the crypto store and pipeline state.
func (b *Bridge) Status(ctx context.Context) *EncryptionStatus {
	return &EncryptionStatus{
		UserID:   b.client.UserID(),
		DeviceID: b.client.DeviceID(),
		Store:    b.store.Stats(ctx),
		Pipeline: b.pipeline.Stats(),
	}
}

// Sweep triggers an immediate backlog retry pass.
func (b *Bridge) Sweep(ctx context.Context) {
	b.pipeline.Sweep(ctx)
}
