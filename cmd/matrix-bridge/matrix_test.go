package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/crypto"
)

func TestExportEngineState_EmptyEngine(t *testing.T) {
	state, err := exportEngineState(context.Background(), crypto.NewMemoryStore(nil),
		"@bridge:example.org", "BRIDGEDEVICE", pickleKey("@bridge:example.org"), slog.Default())
	require.NoError(t, err)
	assert.Nil(t, state.Account)
	assert.Empty(t, state.GroupSessions)
	assert.Empty(t, state.OlmSessions)
}

func TestPickleKey(t *testing.T) {
	assert.Equal(t, pickleKey("@a:example.org"), pickleKey("@a:example.org"))
	assert.NotEqual(t, pickleKey("@a:example.org"), pickleKey("@b:example.org"))
	assert.Len(t, pickleKey("@a:example.org"), 32)
}
