package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/TaoGuerreiro/matrix-bridge-api/internal/config"
	"github.com/TaoGuerreiro/matrix-bridge-api/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Bridge: config.BridgeConfig{
			SyncTimeout:        5 * time.Second,
			RetrySweepInterval: time.Minute,
			AttemptCap:         3,
		},
	}
}

func setupBridge(t *testing.T, client *fakeClient) (*Bridge, store.CryptoStore, *[]*DeliveredMessage) {
	t.Helper()
	st := store.New(context.Background(), store.Options{
		Dialect:  store.DialectSQLite,
		DSN:      t.TempDir() + "/bridge.db",
		UserID:   "@bridge:example.org",
		DeviceID: "BRIDGEDEVICE",
	})
	t.Cleanup(func() { _ = st.Close() })

	sink, got := collectSink()
	return New(client, st, testConfig(), sink, nil), st, got
}

func TestBridge_StartFailsOnLoginError(t *testing.T) {
	client := newFakeClient()
	client.loginErr = errors.New("bad credentials")
	b, _, _ := setupBridge(t, client)

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login")
}

func TestBridge_StartRestoresPersistedState(t *testing.T) {
	client := newFakeClient()
	b, st, _ := setupBridge(t, client)
	ctx := context.Background()

	require.NoError(t, st.SaveAccount(ctx, &store.Account{
		UserID: "@bridge:example.org", DeviceID: "BRIDGEDEVICE", Blob: []byte("pickled"),
	}))
	require.NoError(t, st.SaveInboundGroupSession(ctx, &store.InboundGroupSession{
		RoomID: "!r:example.org", SessionID: "sess-1", SenderKey: "sk", Blob: []byte("session"),
	}))
	require.NoError(t, st.SaveSyncToken(ctx, "s_42"))

	require.NoError(t, b.Start(ctx))

	require.NotNil(t, client.imported)
	require.NotNil(t, client.imported.Account)
	assert.Equal(t, []byte("pickled"), client.imported.Account.Blob)
	require.Len(t, client.imported.GroupSessions, 1)

	// The stored continuation token seeds the catch-up sync.
	require.NotEmpty(t, client.syncCalls)
	assert.Equal(t, "s_42", client.syncCalls[0])
}

func TestBridge_StartOrdersStateImportBeforeSync(t *testing.T) {
	client := newFakeClient()
	b, _, _ := setupBridge(t, client)

	require.NoError(t, b.Start(context.Background()))

	order := map[string]int{}
	for i, call := range client.calls {
		if _, seen := order[call]; !seen {
			order[call] = i
		}
	}
	require.Contains(t, order, "login")
	require.Contains(t, order, "import_state")
	require.Contains(t, order, "sync")
	assert.Less(t, order["login"], order["import_state"])
	assert.Less(t, order["import_state"], order["sync"])
}

func TestBridge_StartSharesIntoEncryptedRooms(t *testing.T) {
	client := newFakeClient()
	client.rooms = []*Room{
		{ID: "!enc:example.org", Encrypted: true},
		{ID: "!plain:example.org", Encrypted: false},
		{ID: "!broken:example.org", Encrypted: true},
	}
	client.shareErr["!broken:example.org"] = errors.New("no devices")
	b, _, _ := setupBridge(t, client)

	require.NoError(t, b.Start(context.Background()))

	// The failing room is skipped, the healthy one shared exactly once.
	assert.Equal(t, []id.RoomID{"!enc:example.org"}, client.shared)
}

func TestBridge_StartTrustsBridgeBots(t *testing.T) {
	client := newFakeClient()
	client.rooms = []*Room{{
		ID:        "!ig:example.org",
		Encrypted: true,
		Members:   []id.UserID{"@instagrambot:example.org"},
	}}
	client.devices["@instagrambot:example.org"] = []*Device{
		{UserID: "@instagrambot:example.org", DeviceID: "IGDEV"},
	}
	b, _, _ := setupBridge(t, client)

	require.NoError(t, b.Start(context.Background()))

	assert.Equal(t, []id.DeviceID{"IGDEV"}, client.trusted)
}

func TestBridge_StartFlushesExportedState(t *testing.T) {
	client := newFakeClient()
	client.exported = &EngineState{
		Account: &store.Account{UserID: "@bridge:example.org", DeviceID: "BRIDGEDEVICE", Blob: []byte("fresh")},
		GroupSessions: []*store.InboundGroupSession{
			{RoomID: "!r:example.org", SessionID: "sess-new", SenderKey: "sk", Blob: []byte("s")},
		},
	}
	b, st, _ := setupBridge(t, client)
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))

	account, err := st.LoadAccount(ctx, "@bridge:example.org", "BRIDGEDEVICE")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), account.Blob)

	sessions, err := st.LoadInboundGroupSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id.SessionID("sess-new"), sessions[0].SessionID)
}

func TestBridge_StartSurvivesFailedInitialSync(t *testing.T) {
	client := newFakeClient()
	client.syncErr = errors.New("homeserver down")
	b, _, _ := setupBridge(t, client)

	assert.NoError(t, b.Start(context.Background()))
}

func TestBridge_IngestPersistsSyncToken(t *testing.T) {
	client := newFakeClient()
	b, st, _ := setupBridge(t, client)
	ctx := context.Background()

	b.ingest(ctx, &SyncResult{NextBatch: "s_100"})

	token, err := st.LoadSyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s_100", token)
}

func TestBridge_IngestFeedsPipelineAndRetriesOnKeyForward(t *testing.T) {
	client := newFakeClient()
	b, _, got := setupBridge(t, client)
	ctx := context.Background()

	// An event whose session is unknown lands in the backlog.
	b.ingest(ctx, &SyncResult{Events: []Event{encrypted("$e1", "sess-1")}})
	assert.Empty(t, *got)
	assert.Equal(t, 1, b.pipeline.BacklogSize())

	// The forwarded key arrives in a later batch and drains it.
	client.addKey("sess-1", "finally")
	b.ingest(ctx, &SyncResult{KeyForwards: []KeyForward{{RoomID: "!room:example.org", SessionID: "sess-1"}}})

	require.Len(t, *got, 1)
	assert.Equal(t, "finally", (*got)[0].Body)
	assert.Zero(t, b.pipeline.BacklogSize())
}

func TestBridge_RoomsClassifiesPlatforms(t *testing.T) {
	client := newFakeClient()
	client.rooms = []*Room{
		{ID: "!ig:example.org", Name: "Alice", Members: []id.UserID{"@instagram_1:example.org"}, Encrypted: true},
		{ID: "!ops:example.org", Name: "Ops", Members: []id.UserID{"@bob:example.org"}},
	}
	b, _, _ := setupBridge(t, client)
	require.NoError(t, b.Start(context.Background()))

	rooms := b.Rooms()
	require.Len(t, rooms, 2)
	byID := map[id.RoomID]*RoomInfo{}
	for _, r := range rooms {
		byID[r.ID] = r
	}
	assert.Equal(t, "instagram", byID["!ig:example.org"].Platform)
	assert.Equal(t, "unknown", byID["!ops:example.org"].Platform)
}

func TestBridge_MessagesResolvesHistory(t *testing.T) {
	client := newFakeClient()
	client.addKey("sess-1", "decrypted history")
	client.history["!r:example.org"] = []Event{
		&PlaintextMessage{EventID: "$p1", RoomID: "!r:example.org", Body: "plain"},
		encrypted("$e1", "sess-1"),
		encrypted("$e2", "sess-missing"),
	}
	b, _, _ := setupBridge(t, client)

	msgs, err := b.Messages(context.Background(), "!r:example.org", 20)
	require.NoError(t, err)

	// The pending event is skipped until its key arrives.
	require.Len(t, msgs, 2)
	assert.Equal(t, "plain", msgs[0].Body)
	assert.Equal(t, "decrypted history", msgs[1].Body)
	assert.Equal(t, 1, b.pipeline.BacklogSize())
}

func TestBridge_SendSharesSessionFirst(t *testing.T) {
	client := newFakeClient()
	b, _, _ := setupBridge(t, client)

	_, err := b.SendMessage(context.Background(), "!r:example.org", "hi")
	require.NoError(t, err)
	assert.Equal(t, []id.RoomID{"!r:example.org"}, client.shared)
	assert.Equal(t, []string{"hi"}, client.sent)

	// Second send reuses the shared session.
	_, err = b.SendMessage(context.Background(), "!r:example.org", "again")
	require.NoError(t, err)
	assert.Len(t, client.shared, 1)
}

func TestBridge_RunPacesSyncCycles(t *testing.T) {
	client := newFakeClient()
	b, _, _ := setupBridge(t, client)
	ctx := context.Background()

	b.Run(ctx)
	time.Sleep(250 * time.Millisecond)
	require.NoError(t, b.Close(ctx))

	// An instantly-answering homeserver must not turn the loop into a
	// busy poll.
	client.mu.Lock()
	cycles := len(client.syncCalls)
	client.mu.Unlock()
	assert.LessOrEqual(t, cycles, 2)
}

func TestBridge_CloseFlushesThenClosesStore(t *testing.T) {
	client := newFakeClient()
	client.exported = &EngineState{
		Account: &store.Account{UserID: "@bridge:example.org", DeviceID: "BRIDGEDEVICE", Blob: []byte("final")},
	}
	b, st, _ := setupBridge(t, client)
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	b.Run(ctx)
	require.NoError(t, b.Close(ctx))

	// The loop has stopped and state reached the store before Close
	// returned. A second store read confirms the connection is gone.
	select {
	case <-b.done:
	default:
		t.Fatal("sync loop still running after Close")
	}
	_, err := st.LoadAccount(ctx, "@bridge:example.org", "BRIDGEDEVICE")
	assert.Error(t, err)
}

func TestBridge_Status(t *testing.T) {
	client := newFakeClient()
	b, _, _ := setupBridge(t, client)
	ctx := context.Background()

	b.ingest(ctx, &SyncResult{Events: []Event{encrypted("$e1", "sess-1")}})

	status := b.Status(ctx)
	assert.Equal(t, id.UserID("@bridge:example.org"), status.UserID)
	assert.Equal(t, 1, status.Pipeline.Backlog)
	assert.True(t, status.Store.Available)
}
