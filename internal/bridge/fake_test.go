package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/id"
)

// fakeClient is a scriptable Client for tests. Sessions present in
// keys decrypt; everything else fails with errNoSession.
type fakeClient struct {
	mu sync.Mutex

	userID   id.UserID
	deviceID id.DeviceID

	loginErr   error
	loginCalls int

	keys        map[id.SessionID]string // session id -> decrypted body
	decrypts    int
	decryptGate chan struct{} // when set, DecryptEvent blocks until closed
	requests    []string      // request ids, in order
	reqBySess   map[id.SessionID]int

	rooms    []*Room
	devices  map[id.UserID][]*Device
	trustErr map[id.DeviceID]error
	trusted  []id.DeviceID

	syncResults []*SyncResult
	syncCalls   []string // since tokens, in order
	syncErr     error

	shared   []id.RoomID
	shareErr map[id.RoomID]error

	history map[id.RoomID][]Event

	imported *EngineState
	exported *EngineState
	sent     []string

	calls []string // coarse call order for lifecycle assertions
}

var errNoSession = errors.New("no session for sender key")

func newFakeClient() *fakeClient {
	return &fakeClient{
		userID:    "@bridge:example.org",
		deviceID:  "BRIDGEDEVICE",
		keys:      make(map[id.SessionID]string),
		reqBySess: make(map[id.SessionID]int),
		devices:   make(map[id.UserID][]*Device),
		trustErr:  make(map[id.DeviceID]error),
		shareErr:  make(map[id.RoomID]error),
		history:   make(map[id.RoomID][]Event),
		exported:  &EngineState{},
	}
}

func (f *fakeClient) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeClient) Login(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	f.record("login")
	return f.loginErr
}

func (f *fakeClient) UserID() id.UserID     { return f.userID }
func (f *fakeClient) DeviceID() id.DeviceID { return f.deviceID }

func (f *fakeClient) SyncOnce(ctx context.Context, since string, fullState bool) (*SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("sync")
	f.syncCalls = append(f.syncCalls, since)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	if len(f.syncResults) == 0 {
		return &SyncResult{NextBatch: since}, nil
	}
	result := f.syncResults[0]
	f.syncResults = f.syncResults[1:]
	return result, nil
}

func (f *fakeClient) Rooms() []*Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms
}

func (f *fakeClient) SendMessage(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	return id.EventID(fmt.Sprintf("$sent-%d", len(f.sent))), nil
}

func (f *fakeClient) FetchMessages(ctx context.Context, roomID id.RoomID, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[roomID], nil
}

func (f *fakeClient) FetchDeviceKeys(ctx context.Context, users []id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fetch_device_keys")
	return nil
}

func (f *fakeClient) Devices(userID id.UserID) []*Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[userID]
}

func (f *fakeClient) TrustDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.trustErr[deviceID]; err != nil {
		return err
	}
	f.record("trust")
	f.trusted = append(f.trusted, deviceID)
	return nil
}

func (f *fakeClient) ShareGroupSession(ctx context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.shareErr[roomID]; err != nil {
		return err
	}
	f.record("share")
	f.shared = append(f.shared, roomID)
	return nil
}

func (f *fakeClient) RequestSessionKey(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, requestID)
	f.reqBySess[sessionID]++
	return nil
}

func (f *fakeClient) DecryptEvent(ctx context.Context, evt *EncryptedMessage) (*PlaintextMessage, error) {
	f.mu.Lock()
	f.decrypts++
	gate := f.decryptGate
	body, ok := f.keys[evt.SessionID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if !ok {
		return nil, errNoSession
	}
	return &PlaintextMessage{
		EventID:   evt.EventID,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		Body:      body,
		Timestamp: evt.Timestamp,
	}, nil
}

func (f *fakeClient) ImportState(ctx context.Context, state *EngineState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("import_state")
	f.imported = state
	return nil
}

func (f *fakeClient) ExportState(ctx context.Context) (*EngineState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("export_state")
	return f.exported, nil
}

// addKey makes a session decryptable mid-test.
func (f *fakeClient) addKey(sessionID id.SessionID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[sessionID] = body
}

func (f *fakeClient) requestCount(sessionID id.SessionID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqBySess[sessionID]
}

var _ Client = (*fakeClient)(nil)
