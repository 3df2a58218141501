package service

import (
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"

	"github.com/ethereum-optimism/infra/op-testd/results"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

// Update is one presentation change pushed to stream subscribers.
type Update struct {
	Kind     string         `json:"kind"`
	Document string         `json:"document"`
	Entity   results.Entity `json:"entity"`
	Key      string         `json:"key"`
	View     results.View   `json:"view,omitempty"`
}

const (
	UpdateRender  = "render"
	UpdateRelease = "release"
)

type client struct {
	conn *websocket.Conn
	send chan Update
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Broadcaster is a results.Presenter that streams every update to websocket
// subscribers. Subscribers that fall behind are disconnected.
type Broadcaster struct {
	log      log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

var _ results.Presenter = (*Broadcaster)(nil)

func NewBroadcaster(logger log.Logger) *Broadcaster {
	return &Broadcaster{
		log: logger.New("component", "stream"),
		upgrader: websocket.Upgrader{
			// The API is CORS-open, so is the stream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (b *Broadcaster) Render(document string, entity results.Entity, key string, view results.View) {
	b.publish(Update{Kind: UpdateRender, Document: document, Entity: entity, Key: key, View: view})
}

func (b *Broadcaster) Release(document string, entity results.Entity, key string) {
	b.publish(Update{Kind: UpdateRelease, Document: document, Entity: entity, Key: key})
}

func (b *Broadcaster) publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- u:
		default:
			b.log.Warn("Dropping slow stream subscriber", "remote", c.conn.RemoteAddr())
			delete(b.clients, c)
			c.close()
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP upgrades the request and streams updates until the subscriber
// disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug("Stream upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan Update, clientBuffer)}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	b.log.Debug("Stream subscriber connected", "remote", conn.RemoteAddr())

	go b.readLoop(c)
	b.writeLoop(c)
}

// readLoop discards inbound messages and unsubscribes on disconnect.
func (b *Broadcaster) readLoop(c *client) {
	defer b.unsubscribe(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case u, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(u); err != nil {
				b.unsubscribe(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.unsubscribe(c)
				return
			}
		}
	}
}

func (b *Broadcaster) unsubscribe(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}
