// Package wsgateway implements the WebSocket Gateway: a client hub adapted
// from the teacher's DAGStreamer (internal/websocket/dag_streamer.go),
// generalized to broadcast bus Events with per-client port subscription
// filtering and REPL/LSP message routing, per
// original_source/src/server/websocket.py.
package wsgateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mateuszsury/pulsar/internal/events"
)

// client is one connected WebSocket peer plus its port subscription set.
// An empty subscription set means "subscribed to everything" (the global
// listener mode original_source's websocket.py treats as the default).
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]bool
}

func (c *client) subscribedTo(port string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 || port == "" {
		return true
	}
	return c.subs[port]
}

func (c *client) subscribe(port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[port] = true
}

func (c *client) unsubscribe(port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, port)
}

// inboundMessage is any client -> server message on the socket.
type inboundMessage struct {
	Type string          `json:"type"`
	Port string          `json:"port,omitempty"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"-"`
}

// REPLWriter abstracts device.Session.WriteLine so the gateway has no
// direct dependency on a specific device registry shape.
type REPLWriter interface {
	WriteLine(port, text string) error
}

// LSPBridge abstracts the subset of an LSP session the gateway routes
// lsp:* messages to.
type LSPBridge interface {
	HandleInitialize(clientID string, workspaceRoot, rootURI string) (map[string]interface{}, error)
	HandleRequest(clientID, method string, params json.RawMessage) (interface{}, error)
	HandleNotification(clientID, method string, params json.RawMessage) error
	HandleShutdown(clientID string) error
}

// Gateway is the WebSocket hub: register/unregister/broadcast channels
// driven by one Run loop, exactly the teacher's concurrency shape.
type Gateway struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan events.Event

	repl REPLWriter
	lsp  LSPBridge
}

// New creates a Gateway. It takes no origin allow-list: like the teacher,
// CORS is permissive by default
// (spec.md §6 calls the HTTP/WS surface a local developer tool, not a
// multi-tenant service), so CheckOrigin always returns true.
func New(repl REPLWriter, lsp LSPBridge) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    map[*client]bool{},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan events.Event, 256),
		repl:       repl,
		lsp:        lsp,
	}
}

// Run drives the hub until stop is closed.
func (g *Gateway) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case c := <-g.register:
			g.mu.Lock()
			g.clients[c] = true
			g.mu.Unlock()
			log.Printf("wsgateway: client connected (total: %d)", len(g.clients))

		case c := <-g.unregister:
			g.mu.Lock()
			if _, ok := g.clients[c]; ok {
				delete(g.clients, c)
				close(c.send)
			}
			g.mu.Unlock()
			log.Printf("wsgateway: client disconnected (total: %d)", len(g.clients))

		case ev := <-g.broadcast:
			g.dispatch(ev)
		}
	}
}

func (g *Gateway) dispatch(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("wsgateway: marshal event: %v", err)
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.clients {
		if !c.subscribedTo(ev.Source) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			log.Printf("wsgateway: client send buffer full, dropping event")
		}
	}
}

// Publish is the bus handler: subscribe it with events.Bus.Subscribe(events.Kind(""), gateway.Publish).
func (g *Gateway) Publish(ev events.Event) error {
	select {
	case g.broadcast <- ev:
	default:
		log.Printf("wsgateway: broadcast queue full, dropping event %s", ev.Topic)
	}
	return nil
}

// ServeHTTP upgrades the connection and starts the client's read/write pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsgateway: upgrade error: %v", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 64), subs: map[string]bool{}}
	g.register <- c

	go g.writePump(c)
	g.readPump(c)
}

func (g *Gateway) writePump(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (g *Gateway) readPump(c *client) {
	defer func() {
		g.unregister <- c
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		g.handleInbound(c, data)
	}
}

func (g *Gateway) handleInbound(c *client, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("wsgateway: invalid JSON from client: %v", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.Port != "" {
			c.subscribe(msg.Port)
		}
	case "unsubscribe":
		if msg.Port != "" {
			c.unsubscribe(msg.Port)
		}
	case "repl:input":
		if msg.Port != "" && msg.Text != "" && g.repl != nil {
			if err := g.repl.WriteLine(msg.Port, msg.Text); err != nil {
				g.sendError(c, err.Error())
			}
		}
	case "ping":
		g.sendJSON(c, map[string]interface{}{"type": "pong"})
	case "lsp:initialize", "lsp:request", "lsp:notification", "lsp:shutdown":
		g.handleLSPMessage(c, msg.Type, data)
	default:
		log.Printf("wsgateway: unknown message type: %s", msg.Type)
	}
}

func (g *Gateway) sendJSON(c *client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (g *Gateway) sendError(c *client, message string) {
	g.sendJSON(c, map[string]interface{}{
		"type": "lsp:error",
		"data": map[string]interface{}{"message": message},
	})
}
