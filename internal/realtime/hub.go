package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Message types sent by the server.
const (
	TypeEvent    = "event"
	TypePresence = "presence"
	TypePublish  = "publish"
	TypeError    = "error"
	TypePong     = "pong"
	TypeJoined   = "joined"
	TypeLeft     = "left"
)

// SystemPrefix marks channels only the server may publish to.
const SystemPrefix = "sim:"

var (
	ErrUnknownConn    = errors.New("unknown connection")
	ErrNotMember      = errors.New("not a member of channel")
	ErrReadOnly       = errors.New("channel is server-owned")
	ErrInvalidChannel = errors.New("invalid channel name")
)

// Message is the envelope delivered to subscribers.
type Message struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	From    string          `json:"from,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Sent    time.Time       `json:"sent"`
}

// Conn is a live transport endpoint.
type Conn interface {
	ID() string
	// Send queues m without blocking. False means the outbound buffer is full.
	Send(m Message) bool
	Close()
}

// Hub routes messages between channels and the connections subscribed to them.
type Hub struct {
	Channels        *ChannelManager
	CleanupInterval time.Duration

	mu    sync.RWMutex
	conns map[string]Conn
}

// NewHub creates a hub with an empty channel registry.
func NewHub() *Hub {
	return &Hub{
		Channels:        NewChannelManager(),
		CleanupInterval: time.Minute,
		conns:           make(map[string]Conn),
	}
}

// Register makes c reachable by Publish once it joins channels.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
	slog.Debug("realtime connection registered", "conn", c.ID())
}

// Unregister removes the connection everywhere and tells the channels it left.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()

	left := h.Channels.RemoveConnection(connID)
	for _, ch := range left {
		h.presence(ch, connID, TypeLeft)
	}
	slog.Debug("realtime connection unregistered", "conn", connID, "channels", len(left))
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Join subscribes a registered connection to a channel.
func (h *Hub) Join(channel string, m Member) error {
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}
	h.mu.RLock()
	_, ok := h.conns[m.ConnectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConn
	}
	if h.Channels.Join(channel, m) {
		h.presence(channel, m.ConnectionID, TypeJoined)
	}
	return nil
}

// Leave unsubscribes a connection from a channel.
func (h *Hub) Leave(channel, connID string) error {
	if !h.Channels.Leave(channel, connID) {
		return ErrNotMember
	}
	h.presence(channel, connID, TypeLeft)
	return nil
}

// ClientPublish relays a payload from a member to the rest of the channel.
func (h *Hub) ClientPublish(channel, connID string, data json.RawMessage) error {
	if strings.HasPrefix(channel, SystemPrefix) {
		return ErrReadOnly
	}
	if !h.Channels.IsMember(channel, connID) {
		return ErrNotMember
	}
	h.deliver(channel, Message{
		Type:    TypePublish,
		Channel: channel,
		From:    connID,
		Data:    data,
		Sent:    time.Now().UTC(),
	})
	return nil
}

// Publish sends a server message to every member of channel. Returns the
// number of connections it was delivered to.
func (h *Hub) Publish(channel, msgType string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("realtime publish marshal failed", "channel", channel, "error", err)
		return 0
	}
	return h.deliver(channel, Message{
		Type:    msgType,
		Channel: channel,
		Data:    data,
		Sent:    time.Now().UTC(),
	})
}

func (h *Hub) deliver(channel string, m Message) int {
	members := h.Channels.GetMembers(channel)
	if len(members) == 0 {
		return 0
	}

	delivered := 0
	var slow []string

	h.mu.RLock()
	for _, mem := range members {
		c, ok := h.conns[mem.ConnectionID]
		if !ok {
			continue
		}
		if c.Send(m) {
			delivered++
		} else {
			slow = append(slow, mem.ConnectionID)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		slog.Warn("dropping slow realtime connection", "conn", id, "channel", channel)
		h.mu.RLock()
		c := h.conns[id]
		h.mu.RUnlock()
		if c != nil {
			c.Close()
		}
		h.Unregister(id)
	}
	return delivered
}

func (h *Hub) presence(channel, connID, what string) {
	h.Publish(channel, TypePresence, map[string]any{
		"connection_id": connID,
		"action":        what,
		"members":       len(h.Channels.GetMembers(channel)),
	})
}

// Run sweeps empty channels until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	interval := h.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.Channels.Cleanup(); n > 0 {
				slog.Debug("removed empty channels", "count", n)
			}
		}
	}
}

// ValidChannel accepts non-empty names up to 128 bytes without whitespace.
func ValidChannel(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	return !strings.ContainsAny(name, " \t\r\n")
}

// SimChannel is the channel a simulation run publishes its events on.
func SimChannel(runID string) string {
	return SystemPrefix + runID
}
