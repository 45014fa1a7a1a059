// Package session owns the whole conversation with the host: dialing, the
// state/auth/spawn handshake, reconnects, the orbit driver's view of the
// world, and the orderly shutdown. One Client drives one host session at a
// time; everything session-scoped lives behind a single mutex.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orokro/vts-orbiter/internal/config"
	"github.com/orokro/vts-orbiter/internal/credentials"
	"github.com/orokro/vts-orbiter/internal/orbit"
	"github.com/orokro/vts-orbiter/internal/protocol"
	"github.com/orokro/vts-orbiter/internal/transport"
)

// spawnFadeTime is the fade-in, in seconds, the host applies when the item
// loads. The radius ramp does the visual easing; this just avoids a hard
// first frame.
const spawnFadeTime = 0.5

// Client is the session state machine.
type Client struct {
	cfg   *config.Config
	creds *credentials.Store
	log   zerolog.Logger
	corr  protocol.Correlator

	driver *orbit.Driver

	mu             sync.Mutex
	status         Status
	conn           *transport.Conn
	token          string
	itemID         string
	anchorX        float64
	anchorY        float64
	anchorSeen     bool
	reconnectTimer *time.Timer
	shuttingDown   bool
}

// New wires a Client to its config, token store and logger. Nothing
// connects until Start.
func New(cfg *config.Config, creds *credentials.Store, log zerolog.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		creds:  creds,
		log:    log,
		status: Disconnected,
	}
	c.driver = orbit.NewDriver(orbit.Params{
		Tick:    cfg.Orbit.Tick.AsDuration(),
		Step:    cfg.Orbit.Step,
		Radius:  cfg.Orbit.Radius,
		Squash:  cfg.Orbit.Squash,
		OffsetX: cfg.Orbit.OffsetX,
		OffsetY: cfg.Orbit.OffsetY,
		Ramp:    cfg.Orbit.Ramp,
	}, c, log)
	return c
}

// Start loads the stored token and begins connecting. It returns
// immediately; progress shows up in the log and in Status.
func (c *Client) Start() {
	token, err := c.creds.Load()
	if err != nil {
		c.log.Warn().Err(err).Msg("reading stored token, continuing without")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.connectLocked()
}

// Status reports the current lifecycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// --- orbit.Host ---

// ItemHandle reports the spawned item's instance ID while one exists.
func (c *Client) ItemHandle() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemID, c.itemID != ""
}

// Anchor is the point the orbit centers on: the model's last reported
// position when following is on and an event has arrived, otherwise the
// configured fixed center.
func (c *Client) Anchor() (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.Orbit.FollowModel && c.anchorSeen {
		return c.anchorX, c.anchorY
	}
	return c.cfg.Orbit.CenterX, c.cfg.Orbit.CenterY
}

// MoveItem pushes one orbit pose to the host. The handle is re-checked
// here so a tick that raced a teardown cannot emit a move for an item that
// is already gone.
func (c *Client) MoveItem(id string, pose orbit.Pose) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.itemID != id {
		return
	}

	env, err := c.corr.Build(protocol.MsgItemMove, protocol.ItemMovePayload{
		ItemsToMove: []protocol.ItemMove{{
			ItemInstanceID: id,
			TimeInSeconds:  0,
			FadeMode:       "linear",
			PositionX:      pose.X,
			PositionY:      pose.Y,
			Rotation:       pose.Rotation,
			Size:           protocol.KeepCurrent,
			Order:          c.cfg.Item.Order,
		}},
	})
	if err != nil {
		c.log.Error().Err(err).Msg("building move request")
		return
	}
	if err := c.conn.Send(env); err != nil {
		c.log.Debug().Err(err).Msg("move send failed")
	}
}

// --- connect & reconnect ---

func (c *Client) connectLocked() {
	if c.shuttingDown {
		return
	}
	if old := c.conn; old != nil {
		c.conn = nil
		go old.Close()
	}
	c.setStatusLocked(Connecting)
	go c.dial()
}

func (c *Client) dial() {
	_, err := transport.Dial(c.cfg.Host.URL, transport.Handlers{
		OnOpen:    c.handleOpen,
		OnMessage: c.handleMessage,
		OnError:   c.handleError,
		OnClose:   c.handleClose,
	}, c.log)
	if err == nil {
		return // adopted in handleOpen
	}
	c.log.Warn().Err(err).Str("url", c.cfg.Host.URL).Msg("dial failed")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return
	}
	c.setStatusLocked(Disconnected)
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer. A timer already
// pending stays as it is; there is never more than one.
func (c *Client) scheduleReconnectLocked() {
	if c.shuttingDown || c.reconnectTimer != nil {
		return
	}
	delay := c.cfg.Host.ReconnectDelay.AsDuration()
	c.log.Info().Dur("delay", delay).Msg("reconnecting after delay")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.reconnectTimer = nil
		if c.shuttingDown {
			return
		}
		c.connectLocked()
	})
}

// teardownLocked resets every session-scoped field after a connection
// ends. The token survives on purpose; the next session reuses it.
func (c *Client) teardownLocked() {
	c.conn = nil
	c.itemID = ""
	c.anchorSeen = false
	c.driver.Stop()
	c.setStatusLocked(Disconnected)
}

// --- transport callbacks ---

func (c *Client) handleOpen(conn *transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		go conn.Close()
		return
	}
	c.conn = conn
	c.setStatusLocked(Connected)
	c.sendLocked(conn, protocol.MsgAPIState, nil)
}

func (c *Client) handleError(conn *transport.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn != c.conn {
		return
	}
	c.log.Warn().Err(err).Msg("connection error")
}

func (c *Client) handleClose(conn *transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn != c.conn {
		return
	}
	c.teardownLocked()
	c.scheduleReconnectLocked()
}

func (c *Client) handleMessage(conn *transport.Conn, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if conn != c.conn {
		return // stale connection
	}

	switch env.MessageType {
	case protocol.MsgAPIStateResponse:
		c.handleStateLocked(conn, env)
	case protocol.MsgAuthTokenResponse:
		c.handleTokenLocked(conn, env)
	case protocol.MsgAuthenticationResponse:
		c.handleAuthLocked(conn, env)
	case protocol.MsgEventSubscriptionResponse:
		c.handleSubscribedLocked(env)
	case protocol.MsgItemLoadResponse:
		c.handleItemLoadedLocked(env)
	case protocol.MsgItemMoveResponse:
		// One per tick at steady state; nothing to do.
	case protocol.MsgItemUnloadResponse:
		c.log.Debug().Msg("items unloaded")
	case protocol.MsgModelMovedEvent:
		c.handleModelMovedLocked(env)
	case protocol.MsgAPIError:
		c.handleAPIErrorLocked(env)
	default:
		c.log.Debug().Str("type", string(env.MessageType)).Msg("ignoring unhandled message")
	}
}

// --- protocol handlers, all called with the lock held ---

func (c *Client) handleStateLocked(conn *transport.Conn, env protocol.Envelope) {
	if c.wrongStatusLocked(env.MessageType, Connected) {
		return
	}
	var state protocol.StatePayload
	if err := json.Unmarshal(env.Data, &state); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed state payload")
		return
	}
	c.log.Info().
		Str("version", state.Version).
		Bool("authenticated", state.CurrentSessionAuthenticated).
		Msg("host state")

	if state.CurrentSessionAuthenticated {
		c.beginSpawnLocked(conn)
		return
	}

	c.setStatusLocked(Authenticating)
	if c.token != "" {
		c.sendAuthLocked(conn)
		return
	}
	c.sendLocked(conn, protocol.MsgAuthToken, protocol.TokenRequestPayload{
		PluginName:      c.cfg.Plugin.Name,
		PluginDeveloper: c.cfg.Plugin.Developer,
	})
}

func (c *Client) handleTokenLocked(conn *transport.Conn, env protocol.Envelope) {
	if c.wrongStatusLocked(env.MessageType, Authenticating) {
		return
	}
	var tok protocol.TokenResponsePayload
	if err := json.Unmarshal(env.Data, &tok); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed token payload")
		return
	}
	if tok.AuthenticationToken == "" {
		c.log.Warn().Msg("host issued an empty token")
		return
	}

	c.token = tok.AuthenticationToken
	if err := c.creds.Save(c.token); err != nil {
		// The in-memory token still authenticates this run; the next run
		// will have to ask again.
		c.log.Error().Err(err).Msg("persisting token")
	} else {
		c.log.Info().Str("path", c.creds.Path()).Msg("token stored")
	}
	c.sendAuthLocked(conn)
}

func (c *Client) handleAuthLocked(conn *transport.Conn, env protocol.Envelope) {
	if c.wrongStatusLocked(env.MessageType, Authenticating) {
		return
	}
	var auth protocol.AuthResponsePayload
	if err := json.Unmarshal(env.Data, &auth); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed auth payload")
		return
	}
	if !auth.Authenticated {
		c.log.Error().
			Str("reason", auth.Reason).
			Msg("authentication rejected; approve the plugin in the host UI, or delete the stored token and restart")
		return
	}
	c.log.Info().Msg("authenticated")
	c.beginSpawnLocked(conn)
}

// beginSpawnLocked subscribes to model movement when following is enabled,
// then asks the host to load the item. The host answers in request order,
// so the subscription confirmation lands before the spawn confirmation.
func (c *Client) beginSpawnLocked(conn *transport.Conn) {
	if c.cfg.Orbit.FollowModel {
		c.setStatusLocked(Subscribing)
		c.sendLocked(conn, protocol.MsgEventSubscription, protocol.EventSubscriptionPayload{
			EventName: string(protocol.MsgModelMovedEvent),
			Subscribe: true,
		})
	} else {
		c.setStatusLocked(SpawningItem)
	}
	c.sendLocked(conn, protocol.MsgItemLoad, protocol.ItemLoadPayload{
		FileName:  c.cfg.Item.File,
		PositionX: c.cfg.Orbit.CenterX + c.cfg.Orbit.OffsetX,
		PositionY: c.cfg.Orbit.CenterY + c.cfg.Orbit.OffsetY,
		Size:      c.cfg.Item.Size,
		Order:     c.cfg.Item.Order,
		FadeTime:  spawnFadeTime,
	})
}

func (c *Client) handleSubscribedLocked(env protocol.Envelope) {
	if c.wrongStatusLocked(env.MessageType, Subscribing) {
		return
	}
	c.log.Debug().Msg("model movement subscription confirmed")
	c.setStatusLocked(SpawningItem)
}

func (c *Client) handleItemLoadedLocked(env protocol.Envelope) {
	if c.wrongStatusLocked(env.MessageType, Subscribing, SpawningItem) {
		return
	}
	var loaded protocol.ItemLoadResponsePayload
	if err := json.Unmarshal(env.Data, &loaded); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed spawn payload")
		return
	}
	if loaded.InstanceID == "" {
		c.log.Warn().Msg("spawn confirmation without an instance id")
		return
	}

	c.itemID = loaded.InstanceID
	c.setStatusLocked(Active)
	c.log.Info().
		Str("instance", loaded.InstanceID).
		Str("file", loaded.FileName).
		Msg("item spawned")
	c.driver.Start()
}

func (c *Client) handleModelMovedLocked(env protocol.Envelope) {
	var moved protocol.ModelMovedPayload
	if err := json.Unmarshal(env.Data, &moved); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed model event")
		return
	}
	c.anchorX = moved.ModelPosition.PositionX
	c.anchorY = moved.ModelPosition.PositionY
	c.anchorSeen = true
}

func (c *Client) handleAPIErrorLocked(env protocol.Envelope) {
	var apiErr protocol.APIErrorPayload
	if err := json.Unmarshal(env.Data, &apiErr); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed error payload")
		return
	}
	if apiErr.ErrorID == protocol.ErrItemInstanceNotFound {
		// Expected when a move races the item disappearing; not a fault.
		c.log.Debug().Int("code", int(apiErr.ErrorID)).Str("message", apiErr.Message).Msg("item gone")
		return
	}
	c.log.Warn().Int("code", int(apiErr.ErrorID)).Str("message", apiErr.Message).Msg("host reported error")
}

// --- shutdown ---

// Shutdown runs the orderly exit: stop the animation and the reconnect
// timer, ask the host to unload the item, give that write a moment to
// flush, then close the socket. Safe in any state; calls after the first
// return immediately.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.driver.Stop()
	c.itemID = ""
	c.setStatusLocked(Disconnected)

	conn := c.conn
	if conn != nil {
		c.sendLocked(conn, protocol.MsgItemUnload, protocol.ItemUnloadPayload{
			UnloadAllLoadedByThisPlugin: true,
		})
	}
	c.mu.Unlock()

	if conn != nil {
		time.Sleep(c.cfg.Shutdown.Grace.AsDuration())
		conn.Close()
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.log.Info().Msg("session closed")
}

// --- helpers ---

func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.log.Info().Str("from", c.status.String()).Str("to", s.String()).Msg("status change")
	c.status = s
}

// sendLocked builds one envelope and hands it to the transport. Sends on a
// socket that just died are dropped by the transport; the close callback
// arriving right after puts the session back on the reconnect path.
func (c *Client) sendLocked(conn *transport.Conn, mt protocol.MessageType, data any) {
	env, err := c.corr.Build(mt, data)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(mt)).Msg("building request")
		return
	}
	c.log.Debug().Str("type", string(mt)).Str("id", env.RequestID).Msg("sending")
	if err := conn.Send(env); err != nil {
		c.log.Debug().Err(err).Str("type", string(mt)).Msg("send failed")
	}
}

func (c *Client) sendAuthLocked(conn *transport.Conn) {
	c.sendLocked(conn, protocol.MsgAuthentication, protocol.AuthRequestPayload{
		PluginName:          c.cfg.Plugin.Name,
		PluginDeveloper:     c.cfg.Plugin.Developer,
		AuthenticationToken: c.token,
	})
}

// wrongStatusLocked reports and swallows a response that arrived outside
// the statuses that expect it.
func (c *Client) wrongStatusLocked(mt protocol.MessageType, want ...Status) bool {
	for _, s := range want {
		if c.status == s {
			return false
		}
	}
	c.log.Warn().
		Str("type", string(mt)).
		Str("status", c.status.String()).
		Msg("response in unexpected status, ignoring")
	return true
}
