package memstore

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/caseless"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ChangesHub serves changes connections and broadcasts document changes to
// the connections watching them.
type ChangesHub struct {
	log         *slog.Logger
	connections prometheus.Gauge

	mu       sync.Mutex
	conns    map[*changesConn]struct{}
	confirm  bool
	commands []api.ChangeCommand
}

// NewChangesHub creates a hub which confirms every command.
func NewChangesHub(log *slog.Logger) *ChangesHub {
	return &ChangesHub{
		log: log,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memstore",
			Name:      "changes_connections",
			Help:      "Open changes connections.",
		}),
		conns:   map[*changesConn]struct{}{},
		confirm: true,
	}
}

// changesConn is one client connection and what it watches.
type changesConn struct {
	ws       *websocket.Conn
	clientID string
	writeMu  sync.Mutex

	mu          sync.Mutex
	allDocs     bool
	docs        *caseless.Set
	prefixes    []string
	collections *caseless.Set
}

func (c *changesConn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *changesConn) watches(ev api.DocumentChange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allDocs || c.docs.Has(ev.ID) || c.collections.Has(ev.CollectionName) {
		return true
	}
	id := caseless.Fold(ev.ID)
	for _, p := range c.prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// apply updates the watch state for a command. Commands other than the
// document ones are accepted and ignored.
func (c *changesConn) apply(cmd *api.ChangeCommand) {
	param, _ := cmd.Param.(string)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd.Command {
	case "watch-docs":
		c.allDocs = true
	case "unwatch-docs":
		c.allDocs = false
	case "watch-doc":
		c.docs.Add(param)
	case "unwatch-doc":
		c.docs.Remove(param)
	case "watch-collection":
		c.collections.Add(param)
	case "unwatch-collection":
		c.collections.Remove(param)
	case "watch-prefix":
		c.prefixes = append(c.prefixes, caseless.Fold(param))
	case "unwatch-prefix":
		p := caseless.Fold(param)
		for i, q := range c.prefixes {
			if q == p {
				c.prefixes = append(c.prefixes[:i], c.prefixes[i+1:]...)
				break
			}
		}
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *ChangesHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("changes upgrade failed", "error", err)
		return
	}
	c := &changesConn{
		ws:          ws,
		clientID:    r.URL.Query().Get("clientId"),
		docs:        caseless.NewSet(),
		collections: caseless.NewSet(),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.connections.Inc()
	h.log.Debug("changes connection opened", "remote", r.RemoteAddr, "client", c.clientID)

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		h.connections.Dec()
		ws.Close()
	}()

	for {
		var cmd api.ChangeCommand
		if err := ws.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("changes connection read failed", "error", err)
			}
			return
		}
		c.apply(&cmd)
		h.mu.Lock()
		h.commands = append(h.commands, cmd)
		confirm := h.confirm
		h.mu.Unlock()
		if !confirm {
			continue
		}
		id := cmd.CommandID
		if err := c.write(api.ChangeMessage{Type: api.TypeConfirm, CommandID: &id}); err != nil {
			return
		}
	}
}

// Broadcast sends a document change to every connection watching it.
func (h *ChangesHub) Broadcast(ev api.DocumentChange) {
	value, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := api.ChangeMessage{Type: api.TypeDocumentChange, Value: value}
	for _, c := range h.snapshot() {
		if !c.watches(ev) {
			continue
		}
		if err := c.write(msg); err != nil {
			h.log.Debug("changes broadcast failed", "error", err)
		}
	}
}

func (h *ChangesHub) snapshot() []*changesConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*changesConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// Push sends a message of the given type with value to every connection.
func (h *ChangesHub) Push(typ string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return h.PushMessage(api.ChangeMessage{Type: typ, Value: data})
}

// PushMessage sends msg to every connection.
func (h *ChangesHub) PushMessage(msg api.ChangeMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.PushRaw(data)
	return nil
}

// PushRaw sends data as a text frame to every connection, unchecked.
func (h *ChangesHub) PushRaw(data []byte) {
	for _, c := range h.snapshot() {
		c.writeMu.Lock()
		c.ws.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
	}
}

// DropConnections closes every connection without a close handshake.
func (h *ChangesHub) DropConnections() {
	for _, c := range h.snapshot() {
		c.ws.NetConn().Close()
	}
}

// CloseConnections closes every connection with the given close code.
func (h *ChangesHub) CloseConnections(code int, text string) {
	for _, c := range h.snapshot() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.NetConn().Close()
	}
}

// SetConfirm controls whether commands are confirmed.
func (h *ChangesHub) SetConfirm(confirm bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirm = confirm
}

// Commands returns the commands received so far.
func (h *ChangesHub) Commands() []api.ChangeCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]api.ChangeCommand(nil), h.commands...)
}

// Clients returns the sorted client ids of the open connections.
func (h *ChangesHub) Clients() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for c := range h.conns {
		ids = append(ids, c.clientID)
	}
	slices.Sort(ids)
	return ids
}

// Connections returns the number of open connections.
func (h *ChangesHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
