// Package gateway hosts interactive flow runs over HTTP and WebSocket.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/platform/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MessageType defines WebSocket message types.
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeEvent       MessageType = "event"
)

// RunChannel names the broadcast channel carrying one run's events.
func RunChannel(runID string) string {
	return "runs." + runID
}

// Message is one WebSocket frame, both directions.
type Message struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client is one connected WebSocket peer.
type Client struct {
	ID       string
	Conn     *websocket.Conn
	Channels map[string]bool
	Send     chan []byte
	hub      *Hub
	mu       sync.RWMutex
}

// Hub maintains the set of active clients and routes channel broadcasts.
type Hub struct {
	clients    map[*Client]bool
	channels   map[string]map[*Client]bool
	broadcast  chan *broadcastMessage
	register   chan *Client
	unregister chan *Client
	log        logger.Logger
	metrics    *metrics.Metrics
	mu         sync.RWMutex
}

type broadcastMessage struct {
	channel string
	event   string
	data    interface{}
}

// NewHub creates an empty hub. Call Run in a goroutine to start it.
func NewHub(log logger.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		broadcast:  make(chan *broadcastMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
		metrics:    m,
	}
}

// Run pumps registration and broadcast traffic until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.WSConnectionsActive.Inc()
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				if h.metrics != nil {
					h.metrics.WSConnectionsActive.Dec()
				}

				for channel := range client.Channels {
					if clients, ok := h.channels[channel]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.channels, channel)
						}
					}
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.broadcastToChannel(message)
		}
	}
}

func (h *Hub) broadcastToChannel(message *broadcastMessage) {
	h.mu.RLock()
	clients, ok := h.channels[message.channel]
	h.mu.RUnlock()

	if !ok {
		return
	}

	data, err := json.Marshal(message.data)
	if err != nil {
		return
	}

	msg := Message{
		Type:      MessageTypeEvent,
		Channel:   message.channel,
		Event:     message.event,
		Data:      data,
		Timestamp: time.Now(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	stale := make([]*Client, 0)
	for client := range clients {
		select {
		case client.Send <- payload:
			if h.metrics != nil {
				h.metrics.WSMessagesSent.Inc()
			}
		default:
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		h.unregister <- client
	}
}

// Subscribe adds a client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	client.mu.Lock()
	client.Channels[channel] = true
	client.mu.Unlock()
}

// Unsubscribe removes a client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}

	client.mu.Lock()
	delete(client.Channels, channel)
	client.mu.Unlock()
}

// Broadcast queues an event for every subscriber of a channel.
func (h *Hub) Broadcast(channel, event string, data interface{}) {
	select {
	case h.broadcast <- &broadcastMessage{channel: channel, event: event, data: data}:
	default:
		if h.log != nil {
			h.log.Warn("hub broadcast buffer full, dropping event",
				"channel", channel, "event", event)
		}
	}
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("websocket upgrade failed", "error", err)
		}
		return
	}

	client := &Client{
		ID:       uuid.New().String(),
		Conn:     conn,
		Channels: make(map[string]bool),
		Send:     make(chan []byte, 256),
		hub:      h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()

	welcome := Message{
		Type:      MessageTypeEvent,
		Event:     "connected",
		Timestamp: time.Now(),
	}
	if data, err := json.Marshal(welcome); err == nil {
		client.Send <- data
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, payload, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if c.hub.log != nil {
					c.hub.log.Warn("websocket read error", "client_id", c.ID, "error", err)
				}
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.Channel != "" {
			c.hub.Subscribe(c, msg.Channel)
			c.reply("subscribed", msg.Channel)
		}

	case MessageTypeUnsubscribe:
		if msg.Channel != "" {
			c.hub.Unsubscribe(c, msg.Channel)
			c.reply("unsubscribed", msg.Channel)
		}

	case MessageTypePing:
		response := Message{Type: MessageTypePong, Timestamp: time.Now()}
		if data, err := json.Marshal(response); err == nil {
			c.Send <- data
		}
	}
}

func (c *Client) reply(event, channel string) {
	response := Message{
		Type:      MessageTypeEvent,
		Event:     event,
		Channel:   channel,
		Timestamp: time.Now(),
	}
	if data, err := json.Marshal(response); err == nil {
		c.Send <- data
	}
}
