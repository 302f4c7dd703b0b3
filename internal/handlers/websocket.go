package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agent-royale-backend/internal/logging"
	"agent-royale-backend/internal/models"
)

const (
	recentEvents  = 50
	clientBuffer  = 32
	writeWait     = 10 * time.Second
	pingPeriod    = 30 * time.Second
	pongWait      = 2 * pingPeriod
	hubBufferSize = 100
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ArenaHub fans public events out to websocket spectators and keeps the
// most recent ones for late joiners.
type ArenaHub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *models.Event
	done       chan struct{}

	mu     sync.Mutex
	recent []*models.Event

	log log.Logger
}

type Client struct {
	conn *websocket.Conn
	send chan *models.Event
}

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewArenaHub() *ArenaHub {
	return &ArenaHub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *models.Event, hubBufferSize),
		done:       make(chan struct{}),
		log:        logging.New("arena"),
	}
}

// Publish implements services.Broadcaster. Events are dropped when the
// hub is saturated.
func (hub *ArenaHub) Publish(evt *models.Event) {
	hub.mu.Lock()
	hub.recent = append(hub.recent, evt)
	if len(hub.recent) > recentEvents {
		hub.recent = hub.recent[len(hub.recent)-recentEvents:]
	}
	hub.mu.Unlock()

	select {
	case hub.broadcast <- evt:
	default:
		hub.log.Warn("arena broadcast saturated, event dropped", "type", evt.Type)
	}
}

// Recent returns the buffered events, newest first.
func (hub *ArenaHub) Recent() []*models.Event {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	out := make([]*models.Event, len(hub.recent))
	for i, evt := range hub.recent {
		out[len(out)-1-i] = evt
	}
	return out
}

// Run serves register, unregister and broadcast until stop is closed.
func (hub *ArenaHub) Run(stop <-chan struct{}) {
	defer close(hub.done)
	for {
		select {
		case client := <-hub.register:
			hub.clients[client] = struct{}{}
			hub.log.Debug("spectator joined", "clients", len(hub.clients))

		case client := <-hub.unregister:
			if _, ok := hub.clients[client]; ok {
				delete(hub.clients, client)
				close(client.send)
				hub.log.Debug("spectator left", "clients", len(hub.clients))
			}

		case evt := <-hub.broadcast:
			for client := range hub.clients {
				select {
				case client.send <- evt:
				default:
					delete(hub.clients, client)
					close(client.send)
				}
			}

		case <-stop:
			for client := range hub.clients {
				delete(hub.clients, client)
				close(client.send)
			}
			return
		}
	}
}

func (hub *ArenaHub) HandleRecent(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": hub.Recent()})
}

func (hub *ArenaHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan *models.Event, clientBuffer),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}
	go hub.writePump(client)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	defer func() {
		select {
		case hub.unregister <- client:
		case <-hub.done:
		}
	}()

	// Spectators only listen; inbound frames are read to process control
	// messages and detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				hub.log.Debug("websocket read failed", "err", err)
			}
			return
		}
	}
}

func (hub *ArenaHub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	client.write(Message{Type: "RECENT", Data: hub.Recent()})

	for {
		select {
		case evt, ok := <-client.send:
			if !ok {
				client.conn.SetWriteDeadline(time.Now().Add(writeWait))
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.write(Message{Type: "EVENT", Data: evt}); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (client *Client) write(msg Message) error {
	client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return client.conn.WriteJSON(msg)
}
