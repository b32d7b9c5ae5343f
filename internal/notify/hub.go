package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

// Hub streams events to websocket clients subscribed per subscriber id.
type Hub struct {
	Log zerolog.Logger
	// KeepAlive is the interval of server pings (default 30s).
	KeepAlive time.Duration

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{Log: log, conns: make(map[string]map[*websocket.Conn]struct{})}
}

type wireEvent struct {
	Event
	Kind string `json:"kind"`
}

func (h *Hub) add(subscriberID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns == nil {
		h.conns = make(map[string]map[*websocket.Conn]struct{})
	}
	m := h.conns[subscriberID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[subscriberID] = m
	}
	m[c] = struct{}{}
}

func (h *Hub) remove(subscriberID string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[subscriberID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, subscriberID)
	}
}

// Count returns the number of open sockets for a subscriber.
func (h *Hub) Count(subscriberID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[subscriberID])
}

func (h *Hub) broadcast(subscriberID string, msg []byte) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns[subscriberID]))
	for c := range h.conns[subscriberID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(subscriberID, c)
		}
	}
}

// Notify never fails; subscribers without an open socket simply miss the event.
func (h *Hub) Notify(_ context.Context, ev Event) error {
	ev = stamp(ev)
	if strings.TrimSpace(ev.SubscriberID) == "" {
		return nil
	}
	b, err := json.Marshal(wireEvent{Event: ev, Kind: "event"})
	if err != nil {
		h.Log.Error().Err(err).Str("subscriberId", ev.SubscriberID).Msg("realtime_marshal_failed")
		return nil
	}
	h.Log.Debug().Str("subscriberId", ev.SubscriberID).Str("type", string(ev.Type)).Int("subs", h.Count(ev.SubscriberID)).Msg("realtime_emit")
	h.broadcast(ev.SubscriberID, b)
	return nil
}

// Serve upgrades the request and streams events for subscriberID until the client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, subscriberID string) {
	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	// The endpoint sits behind the internal-secret middleware; any Origin is accepted.
	srv := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(c *websocket.Conn) {
			h.Log.Info().Str("subscriberId", subscriberID).Str("remote", r.RemoteAddr).Msg("realtime_connect")
			h.add(subscriberID, c)
			defer h.remove(subscriberID, c)
			defer h.Log.Info().Str("subscriberId", subscriberID).Str("remote", r.RemoteAddr).Msg("realtime_disconnect")

			hello, _ := json.Marshal(map[string]any{"kind": "hello", "subscriberId": subscriberID, "at": time.Now().UTC()})
			_ = websocket.Message.Send(c, string(hello))

			done := make(chan struct{})
			var once sync.Once
			closeDone := func() { once.Do(func() { close(done) }) }
			go func() {
				ticker := time.NewTicker(keepAlive)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case now := <-ticker.C:
						ping, _ := json.Marshal(map[string]any{"kind": "ping", "at": now.UTC()})
						if err := websocket.Message.Send(c, string(ping)); err != nil {
							closeDone()
							return
						}
					}
				}
			}()

			// Reads only detect disconnects.
			for {
				var ignored string
				if err := websocket.Message.Receive(c, &ignored); err != nil {
					closeDone()
					return
				}
			}
		},
	}
	srv.ServeHTTP(w, r)
}
