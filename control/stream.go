// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package control

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/drover"
	"github.com/tomtom215/drover/internal/logging"
	"github.com/tomtom215/drover/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientBuffer   = 64
	publishBuffer  = 256
	maxMessageSize = 512
)

// Stream fans supervisor events out to WebSocket clients. One goroutine
// (Run) owns the client set; Publish is safe from any goroutine and drops
// events rather than block the supervisor's control loop. A client that
// cannot keep up is disconnected, not waited for.
type Stream struct {
	register   chan *streamClient
	unregister chan *streamClient
	events     chan drover.Event
}

// NewStream creates the event stream hub. Call Run before serving clients.
func NewStream() *Stream {
	return &Stream{
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		events:     make(chan drover.Event, publishBuffer),
	}
}

// Publish enqueues one event for broadcast. Never blocks: when the hub is
// saturated the event is dropped, because the supervisor matters more than
// a slow dashboard.
func (st *Stream) Publish(ev drover.Event) {
	select {
	case st.events <- ev:
	default:
	}
}

// Run owns the client set until ctx is canceled. Implements suture.Service.
func (st *Stream) Run(ctx context.Context) error {
	clients := make(map[*streamClient]struct{})
	defer func() {
		for c := range clients {
			close(c.send)
		}
		metrics.EventStreamClients.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-st.register:
			clients[c] = struct{}{}
			metrics.EventStreamClients.Set(float64(len(clients)))

		case c := <-st.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
				metrics.EventStreamClients.Set(float64(len(clients)))
			}

		case ev := <-st.events:
			data, err := json.Marshal(ev)
			if err != nil {
				logging.Error().Err(err).Msg("failed to marshal event for stream")
				continue
			}
			for c := range clients {
				select {
				case c.send <- data:
				default:
					// Client buffer full; cut it loose.
					delete(clients, c)
					close(c.send)
					metrics.EventStreamClients.Set(float64(len(clients)))
				}
			}
		}
	}
}

// Serve adapts Run to the suture.Service signature used by the daemon tree.
func (st *Stream) Serve(ctx context.Context) error {
	return st.Run(ctx)
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// handleWS upgrades the connection and attaches it to the hub.
func (st *Stream) handleWS(allowedOrigins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		c := &streamClient{conn: conn, send: make(chan []byte, clientBuffer)}
		st.register <- c

		go c.writePump()
		go c.readPump(st)
	}
}

// originChecker allows same-host requests always, plus any configured
// dashboard origins. Clients without an Origin header (CLI tools) pass.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		// Fall back to the default same-origin check semantics.
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// writePump pushes hub messages and pings to one client.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages; the stream is one-way. It exists to
// process pongs and to notice the client going away.
func (c *streamClient) readPump(st *Stream) {
	defer func() {
		st.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
