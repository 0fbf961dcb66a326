package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/TaoGuerreiro/matrix-bridge-api/internal/store"
)

func setupTrustStore(t *testing.T) store.CryptoStore {
	t.Helper()
	st := store.New(context.Background(), store.Options{
		Dialect:  store.DialectSQLite,
		DSN:      t.TempDir() + "/trust.db",
		UserID:   "@bridge:example.org",
		DeviceID: "BRIDGEDEVICE",
	})
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTrustManager_IsBridgeBot(t *testing.T) {
	m := NewTrustManager(newFakeClient(), nil, nil, nil)

	assert.True(t, m.IsBridgeBot("@instagrambot:example.org"))
	assert.True(t, m.IsBridgeBot("@whatsapp_4917000:example.org"))
	assert.True(t, m.IsBridgeBot("@messengerbot:example.org"))
	assert.True(t, m.IsBridgeBot("@facebook_123:example.org"))
	assert.False(t, m.IsBridgeBot("@alice:example.org"))
	assert.False(t, m.IsBridgeBot("@bridge:example.org"))
}

func TestTrustManager_CustomPatterns(t *testing.T) {
	m := NewTrustManager(newFakeClient(), nil, []string{"telegram"}, nil)

	assert.True(t, m.IsBridgeBot("@telegrambot:example.org"))
	assert.False(t, m.IsBridgeBot("@instagrambot:example.org"))
}

func TestTrustManager_TrustsBridgeDevices(t *testing.T) {
	client := newFakeClient()
	client.devices["@instagrambot:example.org"] = []*Device{
		{UserID: "@instagrambot:example.org", DeviceID: "IGDEV1", Ed25519: "ed1", Curve25519: "curve1"},
		{UserID: "@instagrambot:example.org", DeviceID: "IGDEV2", Ed25519: "ed2", Curve25519: "curve2"},
	}
	st := setupTrustStore(t)
	m := NewTrustManager(client, st, nil, nil)

	rooms := []*Room{{
		ID:      "!ig:example.org",
		Members: []id.UserID{"@alice:example.org", "@instagrambot:example.org"},
	}}
	n := m.TrustBridgeDevices(context.Background(), rooms)

	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []id.DeviceID{"IGDEV1", "IGDEV2"}, client.trusted)

	keys, err := st.LoadAllDeviceKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys["@instagrambot:example.org"], 2)
	for _, dev := range keys["@instagrambot:example.org"] {
		assert.Equal(t, store.TrustStateTrusted, dev.Trust)
	}
}

func TestTrustManager_SkipsAlreadyTrusted(t *testing.T) {
	client := newFakeClient()
	client.devices["@whatsapp_1:example.org"] = []*Device{
		{UserID: "@whatsapp_1:example.org", DeviceID: "WADEV", Trusted: true},
	}
	m := NewTrustManager(client, setupTrustStore(t), nil, nil)

	rooms := []*Room{{ID: "!wa:example.org", Members: []id.UserID{"@whatsapp_1:example.org"}}}
	n := m.TrustBridgeDevices(context.Background(), rooms)

	assert.Zero(t, n)
	assert.Empty(t, client.trusted)
}

func TestTrustManager_IgnoresRegularUsers(t *testing.T) {
	client := newFakeClient()
	client.devices["@alice:example.org"] = []*Device{
		{UserID: "@alice:example.org", DeviceID: "ALICEDEV"},
	}
	m := NewTrustManager(client, setupTrustStore(t), nil, nil)

	rooms := []*Room{{ID: "!a:example.org", Members: []id.UserID{"@alice:example.org"}}}
	n := m.TrustBridgeDevices(context.Background(), rooms)

	assert.Zero(t, n)
	assert.Empty(t, client.trusted)
}

func TestTrustManager_ContinuesPastFailures(t *testing.T) {
	client := newFakeClient()
	client.devices["@instagrambot:example.org"] = []*Device{
		{UserID: "@instagrambot:example.org", DeviceID: "BROKEN"},
		{UserID: "@instagrambot:example.org", DeviceID: "HEALTHY"},
	}
	client.trustErr["BROKEN"] = errors.New("key mismatch")
	m := NewTrustManager(client, setupTrustStore(t), nil, nil)

	rooms := []*Room{{ID: "!ig:example.org", Members: []id.UserID{"@instagrambot:example.org"}}}
	n := m.TrustBridgeDevices(context.Background(), rooms)

	assert.Equal(t, 1, n)
	assert.Equal(t, []id.DeviceID{"HEALTHY"}, client.trusted)
}

func TestTrustManager_DeduplicatesAcrossRooms(t *testing.T) {
	client := newFakeClient()
	client.devices["@instagrambot:example.org"] = []*Device{
		{UserID: "@instagrambot:example.org", DeviceID: "IGDEV"},
	}
	m := NewTrustManager(client, setupTrustStore(t), nil, nil)

	rooms := []*Room{
		{ID: "!a:example.org", Members: []id.UserID{"@instagrambot:example.org"}},
		{ID: "!b:example.org", Members: []id.UserID{"@instagrambot:example.org"}},
	}
	n := m.TrustBridgeDevices(context.Background(), rooms)

	assert.Equal(t, 1, n)
	assert.Len(t, client.trusted, 1)
}
