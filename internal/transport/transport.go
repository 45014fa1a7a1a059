// Package transport wraps a single WebSocket connection to the host and
// reports everything that happens on it through callbacks. It knows nothing
// about the protocol spoken on top; framing, keepalive and teardown live
// here so the session layer only ever sees open, message, error and close.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Handlers receives connection events. Every callback carries the Conn it
// fires for, so a handler juggling rapid reconnects can tell a stale
// connection's events from the current one's. OnOpen fires on the dialing
// goroutine before Dial returns; OnMessage, OnError and OnClose all fire
// from the connection's read loop and never overlap. For each Conn, OnError
// fires at most once, always right before the single OnClose. A locally
// initiated Close suppresses OnError and OnClose entirely. Handlers may
// call Send and Close from inside any callback.
type Handlers struct {
	OnOpen    func(*Conn)
	OnMessage func(*Conn, []byte)
	OnError   func(*Conn, error)
	OnClose   func(*Conn)
}

// Conn is one live WebSocket connection.
type Conn struct {
	ws       *websocket.Conn
	handlers Handlers
	log      zerolog.Logger

	writeMu sync.Mutex // serialises all conn writes (sends, pings, close)

	mu    sync.Mutex
	open  bool
	local bool // Close() was called; teardown callbacks are suppressed

	pingStop chan struct{}
}

// Dial connects to the given WebSocket URL. On success the handlers' OnOpen
// has already fired and the read and ping loops are running.
func Dial(url string, handlers Handlers, log zerolog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		ws:       ws,
		handlers: handlers,
		log:      log,
		open:     true,
		pingStop: make(chan struct{}),
	}

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	ws.SetReadDeadline(time.Now().Add(pongTimeout))

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen(c)
	}
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Send marshals v as JSON and writes it to the connection. A send on a
// connection that is no longer open is dropped without error. A write that
// fails on an open connection kills the socket and returns the error; the
// teardown itself (OnError, then OnClose) surfaces through the read loop,
// never on the sender's goroutine.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		c.log.Debug().Msg("send dropped, connection not open")
		return nil
	}

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteJSON(v)
	c.writeMu.Unlock()

	if err != nil {
		c.ws.Close()
		return err
	}
	return nil
}

// Close shuts the connection down on purpose. A close frame is sent so the
// host sees a clean disconnect, and no OnError or OnClose fires for it.
func (c *Conn) Close() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.local = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()

	c.teardown(nil)
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(c, data)
		}
	}
}

// pingLoop keeps the connection alive and lets a dead peer surface as a
// read deadline error instead of a silent stall.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.pingStop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// teardown closes the underlying socket and reports the end of the
// connection exactly once. A read error racing a local Close collapses
// into whichever got here first.
func (c *Conn) teardown(err error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	local := c.local
	c.mu.Unlock()

	close(c.pingStop)
	c.ws.Close()

	if local {
		return
	}
	c.log.Debug().Err(err).Msg("connection down")
	if err != nil && c.handlers.OnError != nil {
		c.handlers.OnError(c, err)
	}
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(c)
	}
}
