package session

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orokro/vts-orbiter/internal/config"
	"github.com/orokro/vts-orbiter/internal/credentials"
	"github.com/orokro/vts-orbiter/internal/protocol"
)

// fakeHost is a scriptable stand-in for the real application. It upgrades
// each connection, records every request, and answers by message type.
// The knobs tweak the script: authenticated scripts the state response,
// rejectAuth denies the auth request, closeOnType drops the first
// connection when that request arrives, and holdLoad parks the item load
// reply until loadRelease is closed. Set knobs before the client connects.
type fakeHost struct {
	t   *testing.T
	url string

	issueToken    string
	instanceID    string
	authenticated bool
	rejectAuth    bool
	closeOnType   protocol.MessageType
	holdLoad      bool
	loadRelease   chan struct{}

	mu        sync.Mutex
	current   *websocket.Conn
	connCount int
	closed    bool
	reqs      []protocol.Envelope

	reqCh chan protocol.Envelope
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()

	f := &fakeHost{
		t:           t,
		issueToken:  "tok-issued",
		instanceID:  "item-1",
		loadRelease: make(chan struct{}),
		reqCh:       make(chan protocol.Envelope, 4096),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		f.mu.Lock()
		f.current = c
		f.connCount++
		f.mu.Unlock()
		go f.serve(c)
	}))
	t.Cleanup(srv.Close)

	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func (f *fakeHost) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			continue
		}

		f.mu.Lock()
		f.reqs = append(f.reqs, env)
		shouldClose := f.closeOnType != "" && env.MessageType == f.closeOnType && !f.closed
		if shouldClose {
			f.closed = true
		}
		f.mu.Unlock()

		select {
		case f.reqCh <- env:
		default:
		}

		if shouldClose {
			conn.Close()
			return
		}

		switch env.MessageType {
		case protocol.MsgAPIState:
			f.reply(conn, env.RequestID, protocol.MsgAPIStateResponse, protocol.StatePayload{
				Active:                      true,
				Version:                     "1.28.0",
				CurrentSessionAuthenticated: f.authenticated,
			})
		case protocol.MsgAuthToken:
			f.reply(conn, env.RequestID, protocol.MsgAuthTokenResponse, protocol.TokenResponsePayload{
				AuthenticationToken: f.issueToken,
			})
		case protocol.MsgAuthentication:
			f.reply(conn, env.RequestID, protocol.MsgAuthenticationResponse, protocol.AuthResponsePayload{
				Authenticated: !f.rejectAuth,
				Reason:        "scripted",
			})
		case protocol.MsgEventSubscription:
			f.reply(conn, env.RequestID, protocol.MsgEventSubscriptionResponse, struct{}{})
		case protocol.MsgItemLoad:
			var load protocol.ItemLoadPayload
			_ = json.Unmarshal(env.Data, &load)
			resp := protocol.ItemLoadResponsePayload{InstanceID: f.instanceID, FileName: load.FileName}
			if f.holdLoad {
				go func(id string) {
					<-f.loadRelease
					f.reply(conn, id, protocol.MsgItemLoadResponse, resp)
				}(env.RequestID)
			} else {
				f.reply(conn, env.RequestID, protocol.MsgItemLoadResponse, resp)
			}
		case protocol.MsgItemMove:
			f.reply(conn, env.RequestID, protocol.MsgItemMoveResponse, struct{}{})
		case protocol.MsgItemUnload:
			f.reply(conn, env.RequestID, protocol.MsgItemUnloadResponse, struct{}{})
		}
	}
}

func (f *fakeHost) reply(conn *websocket.Conn, reqID string, mt protocol.MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		f.t.Errorf("marshaling %s reply: %v", mt, err)
		return
	}
	env := protocol.Envelope{
		APIName:     protocol.APIName,
		APIVersion:  protocol.APIVersion,
		RequestID:   reqID,
		MessageType: mt,
		Data:        raw,
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = conn.WriteJSON(env)
}

// push sends a host-initiated envelope (an event or an error) on the
// current connection.
func (f *fakeHost) push(mt protocol.MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		f.t.Errorf("marshaling %s push: %v", mt, err)
		return
	}
	env := protocol.Envelope{
		APIName:     protocol.APIName,
		APIVersion:  protocol.APIVersion,
		MessageType: mt,
		Data:        raw,
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		_ = f.current.WriteJSON(env)
	}
}

func (f *fakeHost) pushRaw(raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		_ = f.current.WriteMessage(websocket.TextMessage, []byte(raw))
	}
}

// nextRequest pops the next recorded request, whatever its type.
func (f *fakeHost) nextRequest(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-f.reqCh:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request")
		return protocol.Envelope{}
	}
}

// waitFor pops requests until one of the wanted type arrives.
func (f *fakeHost) waitFor(t *testing.T, mt protocol.MessageType) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-f.reqCh:
			if env.MessageType == mt {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", mt)
		}
	}
}

// waitForRecorded polls the full request log instead of the channel, so
// it still finds the request when a move-heavy session overflowed reqCh.
func (f *fakeHost) waitForRecorded(t *testing.T, mt protocol.MessageType) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, env := range f.reqs {
			if env.MessageType == mt {
				f.mu.Unlock()
				return env
			}
		}
		f.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %s request recorded", mt)
	return protocol.Envelope{}
}

func (f *fakeHost) countRequests(mt protocol.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.reqs {
		if env.MessageType == mt {
			n++
		}
	}
	return n
}

func (f *fakeHost) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connCount
}

func testConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	return &config.Config{
		Host: config.HostConfig{
			URL:            url,
			ReconnectDelay: config.Duration(50 * time.Millisecond),
		},
		Plugin: config.PluginConfig{
			Name:      "VTS Orbiter",
			Developer: "orokro",
			TokenFile: filepath.Join(t.TempDir(), "token"),
		},
		Item: config.ItemConfig{
			File:  "prop.png",
			Size:  0.32,
			Order: 1,
		},
		Orbit: config.OrbitConfig{
			Tick:        config.Duration(5 * time.Millisecond),
			Step:        0.05,
			Radius:      0.25,
			Squash:      0.6,
			FollowModel: true,
		},
		Shutdown: config.ShutdownConfig{
			Grace: config.Duration(20 * time.Millisecond),
		},
	}
}

func newTestClient(t *testing.T, cfg *config.Config) (*Client, *credentials.Store) {
	t.Helper()
	creds := credentials.NewStore(cfg.Plugin.TokenFile)
	c := New(cfg, creds, zerolog.Nop())
	t.Cleanup(c.Shutdown)
	return c, creds
}

func waitStatus(t *testing.T, c *Client, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %v, stuck at %v", want, c.Status())
}

func requestSeq(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "req_"))
	return n
}

func TestFirstRunHandshake(t *testing.T) {
	host := newFakeHost(t)
	cfg := testConfig(t, host.url)
	c, creds := newTestClient(t, cfg)

	c.Start()

	// The handshake is strictly ordered on a first run with no token.
	wantOrder := []protocol.MessageType{
		protocol.MsgAPIState,
		protocol.MsgAuthToken,
		protocol.MsgAuthentication,
		protocol.MsgEventSubscription,
		protocol.MsgItemLoad,
	}
	for i, want := range wantOrder {
		env := host.nextRequest(t)
		if env.MessageType != want {
			t.Fatalf("request %d = %s, want %s", i, env.MessageType, want)
		}
	}

	waitStatus(t, c, Active)
	if id, ok := c.ItemHandle(); !ok || id != "item-1" {
		t.Errorf("ItemHandle() = %q, %v, want %q, true", id, ok, "item-1")
	}

	// Moves flow once active.
	for i := 0; i < 3; i++ {
		host.waitFor(t, protocol.MsgItemMove)
	}

	// The issued token is on disk for the next run.
	tok, err := creds.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tok != "tok-issued" {
		t.Errorf("stored token = %q, want %q", tok, "tok-issued")
	}
}

func TestMoveRequestShape(t *testing.T) {
	host := newFakeHost(t)
	cfg := testConfig(t, host.url)
	c, _ := newTestClient(t, cfg)

	c.Start()
	waitStatus(t, c, Active)

	env := host.waitFor(t, protocol.MsgItemMove)
	var move protocol.ItemMovePayload
	if err := json.Unmarshal(env.Data, &move); err != nil {
		t.Fatalf("unmarshaling move: %v", err)
	}
	if len(move.ItemsToMove) != 1 {
		t.Fatalf("itemsToMove length = %d, want 1", len(move.ItemsToMove))
	}
	item := move.ItemsToMove[0]
	if item.ItemInstanceID != "item-1" {
		t.Errorf("itemInstanceID = %q, want %q", item.ItemInstanceID, "item-1")
	}
	if item.Size != protocol.KeepCurrent {
		t.Errorf("size = %v, want keep-current sentinel %v", item.Size, protocol.KeepCurrent)
	}
	if item.FadeMode != "linear" {
		t.Errorf("fadeMode = %q, want %q", item.FadeMode, "linear")
	}
	if item.TimeInSeconds != 0 {
		t.Errorf("timeInSeconds = %v, want 0", item.TimeInSeconds)
	}
	if item.Rotation < -180 || item.Rotation > 180 {
		t.Errorf("rotation = %v, want within [-180, 180]", item.Rotation)
	}
}

func TestReconnectAfterHandshakeFailure(t *testing.T) {
	host := newFakeHost(t)
	host.closeOnType = protocol.MsgAuthToken // drop the first conn mid-handshake
	cfg := testConfig(t, host.url)
	c, _ := newTestClient(t, cfg)

	c.Start()

	// The second attempt runs the handshake to completion.
	waitStatus(t, c, Active)
	if got := host.connections(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}

	// Request IDs keep counting across the reconnect, never reset.
	host.mu.Lock()
	seqs := make([]int, 0, len(host.reqs))
	for _, env := range host.reqs {
		seqs = append(seqs, requestSeq(env.RequestID))
	}
	host.mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("request IDs not strictly increasing: %v", seqs)
		}
	}
}

func TestDisconnectWhileActiveRespawns(t *testing.T) {
	host := newFakeHost(t)
	host.closeOnType = protocol.MsgItemMove // kill the conn on the first move
	cfg := testConfig(t, host.url)
	c, _ := newTestClient(t, cfg)

	c.Start()

	// The first session runs all the way to Active and emits a move, at
	// which point the host drops the connection under it.
	host.waitFor(t, protocol.MsgItemMove)

	// Teardown clears the handle; the reconnect delay leaves a wide window
	// to observe it before the next session spawns again.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.ItemHandle(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("item handle not cleared after the connection dropped")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := c.Status(); got == Active {
		t.Fatal("still Active with no item handle")
	}

	// The second connection reruns the handshake and spawns a fresh item.
	waitStatus(t, c, Active)
	if got := host.connections(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
	if id, ok := c.ItemHandle(); !ok || id != "item-1" {
		t.Errorf("ItemHandle() = %q, %v, want %q, true", id, ok, "item-1")
	}

	// Drain what the first session left behind, then confirm the driver is
	// ticking again on the new connection.
	for len(host.reqCh) > 0 {
		<-host.reqCh
	}
	host.waitFor(t, protocol.MsgItemMove)
}

func TestAlreadyAuthenticatedSkipsAuth(t *testing.T) {
	host := newFakeHost(t)
	host.authenticated = true
	cfg := testConfig(t, host.url)
	c, _ := newTestClient(t, cfg)

	c.Start()
	waitStatus(t, c, Active)

	if got := host.countRequests(protocol.MsgAuthToken); got != 0 {
		t.Errorf("token requests = %d, want 0", got)
	}
	if got := host.countRequests(protocol.MsgAuthentication); got != 0 {
		t.Errorf("auth requests = %d, want 0", got)
	}
}

func TestStoredTokenSkipsIssuance(t *testing.T) {
	host := newFakeHost(t)
	cfg := testConfig(t, host.url)
	c, creds := newTestClient(t, cfg)

	if err := creds.Save("tok-from-last-run"); err != nil {
		t.Fatalf("seeding token: %v", err)
	}

	c.Start()
	waitStatus(t, c, Active)

	if got := host.countRequests(protocol.MsgAuthToken); got != 0 {
		t.Errorf("token requests = %d, want 0 with a stored token", got)
	}
	env := host.waitForRecorded(t, protocol.MsgAuthentication)
	var auth protocol.AuthRequestPayload
	if err := json.Unmarshal(env.Data, &auth); err != nil {
		t.Fatalf("unmarshaling auth: %v", err)
	}
	if auth.AuthenticationToken != "tok-from-last-run" {
		t.Errorf("auth token = %q, want the stored one", auth.AuthenticationToken)
	}
}

func TestAuthRejectionStalls(t *testing.T) {
	host := newFakeHost(t)
	host.rejectAuth = true
	cfg := testConfig(t, host.url)
	c, creds := newTestClient(t, cfg)

	if err := creds.Save("tok-denied"); err != nil {
		t.Fatalf("seeding token: %v", err)
	}

	c.Start()
	waitStatus(t, c, Authenticating)
	host.waitFor(t, protocol.MsgAuthentication)
	time.Sleep(100 * time.Millisecond)

	if got := c.Status(); got != Authenticating {
		t.Errorf("status after rejection = %v, want Authenticating", got)
	}
	if got := host.countRequests(protocol.MsgItemLoad); got != 0 {
		t.Errorf("load requests after rejection = %d, want 0", got)
	}
	// The stored token is left alone so the operator can decide.
	tok, err := creds.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tok != "tok-denied" {
		t.Errorf("stored token = %q, want untouched %q", tok, "tok-denied")
	}
}

func TestNoMovesBeforeSpawnConfirms(t *testing.T) {
	host := newFakeHost(t)
	host.holdLoad = true
	cfg := testConfig(t, host.url)
	c, _ := newTestClient(t, cfg)

	c.Start()
	waitStatus(t, c, SpawningItem)

	// Plenty of tick intervals pass while the spawn hangs; nothing moves.
	time.Sleep(100 * time.Millisecond)
	if got := host.countRequests(protocol.MsgItemMove); got != 0 {
		t.Fatalf("moves before spawn confirmation = %d, want 0", got)
	}
	if _, ok := c.ItemHandle(); ok {
		t.Fatal("item handle set before spawn confirmation")
	}

	close(host.loadRelease)
	waitStatus(t, c, Active)
	host.waitFor(t, protocol.MsgItemMove)
}

func TestShutdownUnloadsThenCloses(t *testing.T) {
	host := newFakeHost(t)
	cfg := testConfig(t, host.url)
	creds := credentials.NewStore(cfg.Plugin.TokenFile)
	c := New(cfg, creds, zerolog.Nop())

	c.Start()
	waitStatus(t, c, Active)

	c.Shutdown()

	env := host.waitForRecorded(t, protocol.MsgItemUnload)
	var unload protocol.ItemUnloadPayload
	if err := json.Unmarshal(env.Data, &unload); err != nil {
		t.Fatalf("unmarshaling unload: %v", err)
	}
	if !unload.UnloadAllLoadedByThisPlugin {
		t.Error("unloadAllLoadedByThisPlugin = false, want true")
	}

	if got := c.Status(); got != Disconnected {
		t.Errorf("status after shutdown = %v, want Disconnected", got)
	}
	if _, ok := c.ItemHandle(); ok {
		t.Error("item handle survived shutdown")
	}

	// No reconnect follows a shutdown.
	time.Sleep(150 * time.Millisecond)
	if got := host.connections(); got != 1 {
		t.Errorf("connections after shutdown = %d, want 1", got)
	}

	c.Shutdown() // second call returns immediately
}

func TestHostErrorsDoNotDisturbActive(t *testing.T) {
	host := newFakeHost(t)
	cfg := testConfig(t, host.url)
	c, _ := newTestClient(t, cfg)

	c.Start()
	waitStatus(t, c, Active)

	// Code 50 is expected teardown noise; anything else is logged only.
	host.push(protocol.MsgAPIError, protocol.APIErrorPayload{ErrorID: protocol.ErrItemInstanceNotFound, Message: "item not found"})
	host.push(protocol.MsgAPIError, protocol.APIErrorPayload{ErrorID: 458, Message: "something else"})
	time.Sleep(50 * time.Millisecond)

	if got := c.Status(); got != Active {
		t.Errorf("status after host errors = %v, want Active", got)
	}
	if id, ok := c.ItemHandle(); !ok || id != "item-1" {
		t.Errorf("ItemHandle() = %q, %v, want %q, true", id, ok, "item-1")
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	host := newFakeHost(t)
	cfg := testConfig(t, host.url)
	c, _ := newTestClient(t, cfg)

	c.Start()
	waitStatus(t, c, Active)

	host.pushRaw(`{"messageType":`)
	host.pushRaw(`{"apiName":"VTubeStudioPublicAPI","data":{}}`)

	// The session keeps running and keeps emitting.
	host.waitFor(t, protocol.MsgItemMove)
	if got := c.Status(); got != Active {
		t.Errorf("status after malformed frames = %v, want Active", got)
	}
}

func TestUnexpectedResponseIgnored(t *testing.T) {
	host := newFakeHost(t)
	cfg := testConfig(t, host.url)
	c, _ := newTestClient(t, cfg)

	c.Start()
	waitStatus(t, c, Active)

	host.push(protocol.MsgAuthenticationResponse, protocol.AuthResponsePayload{Authenticated: false, Reason: "late"})
	time.Sleep(50 * time.Millisecond)

	if got := c.Status(); got != Active {
		t.Errorf("status after stray response = %v, want Active", got)
	}
}

func TestModelMovedRecentersOrbit(t *testing.T) {
	host := newFakeHost(t)
	cfg := testConfig(t, host.url)
	c, _ := newTestClient(t, cfg)

	c.Start()
	waitStatus(t, c, Active)

	host.push(protocol.MsgModelMovedEvent, protocol.ModelMovedPayload{
		ModelID: "model-1",
		ModelPosition: protocol.ModelPosition{
			PositionX: 2,
			PositionY: 3,
			Rotation:  12,
			Size:      -40,
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		ax, ay := c.Anchor()
		if ax == 2 && ay == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("anchor = (%v, %v), want (2, 3)", ax, ay)
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Drain anything emitted before the event landed, then check that
	// fresh moves orbit the new anchor.
	time.Sleep(20 * time.Millisecond)
	for len(host.reqCh) > 0 {
		<-host.reqCh
	}
	env := host.waitFor(t, protocol.MsgItemMove)
	var move protocol.ItemMovePayload
	if err := json.Unmarshal(env.Data, &move); err != nil {
		t.Fatalf("unmarshaling move: %v", err)
	}
	item := move.ItemsToMove[0]
	if math.Abs(item.PositionX-2) > cfg.Orbit.Radius+1e-6 {
		t.Errorf("move X = %v, want within radius of new anchor 2", item.PositionX)
	}
	if math.Abs(item.PositionY-3) > cfg.Orbit.Radius*cfg.Orbit.Squash+1e-6 {
		t.Errorf("move Y = %v, want within squashed radius of new anchor 3", item.PositionY)
	}
}

func TestReconnectTimerSingleton(t *testing.T) {
	cfg := testConfig(t, "ws://localhost:1")
	cfg.Host.ReconnectDelay = config.Duration(time.Hour)
	creds := credentials.NewStore(cfg.Plugin.TokenFile)
	c := New(cfg, creds, zerolog.Nop())

	c.mu.Lock()
	c.scheduleReconnectLocked()
	first := c.reconnectTimer
	c.scheduleReconnectLocked()
	second := c.reconnectTimer
	c.mu.Unlock()

	if first == nil {
		t.Fatal("no timer scheduled")
	}
	if first != second {
		t.Error("second schedule replaced the pending timer")
	}

	c.mu.Lock()
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	c.mu.Unlock()
}

func TestShutdownWithoutConnection(t *testing.T) {
	cfg := testConfig(t, "ws://localhost:1")
	creds := credentials.NewStore(cfg.Plugin.TokenFile)
	c := New(cfg, creds, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown without a connection should return promptly")
	}
	if got := c.Status(); got != Disconnected {
		t.Errorf("status = %v, want Disconnected", got)
	}
}
