// Package realtime tracks which connections are subscribed to which channels
// and fans messages out to them over websocket or SSE transports.
package realtime

import (
	"sort"
	"sync"
	"time"
)

// Member is one connection's presence in a channel.
type Member struct {
	ConnectionID string            `json:"connection_id"`
	UserID       string            `json:"user_id,omitempty"`
	JoinedAt     time.Time         `json:"joined_at"`
	Meta         map[string]string `json:"meta,omitempty"`
}

type channel struct {
	members map[string]Member
}

// ChannelManager is the channel membership registry. It keeps a forward map
// channel → members and a reverse index connection → channels so a dropped
// connection can be removed everywhere in one call.
type ChannelManager struct {
	mu       sync.RWMutex
	channels map[string]*channel
	byConn   map[string]map[string]struct{}

	now func() time.Time
}

// NewChannelManager creates an empty registry.
func NewChannelManager() *ChannelManager {
	return &ChannelManager{
		channels: make(map[string]*channel),
		byConn:   make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// Join adds m to the channel. Returns true if the connection was not already
// a member. A repeated join refreshes UserID and Meta but keeps JoinedAt.
func (cm *ChannelManager) Join(key string, m Member) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	ch, ok := cm.channels[key]
	if !ok {
		ch = &channel{members: make(map[string]Member)}
		cm.channels[key] = ch
	}

	if existing, ok := ch.members[m.ConnectionID]; ok {
		existing.UserID = m.UserID
		existing.Meta = copyMeta(m.Meta)
		ch.members[m.ConnectionID] = existing
		return false
	}

	if m.JoinedAt.IsZero() {
		m.JoinedAt = cm.now()
	}
	m.Meta = copyMeta(m.Meta)
	ch.members[m.ConnectionID] = m

	set, ok := cm.byConn[m.ConnectionID]
	if !ok {
		set = make(map[string]struct{})
		cm.byConn[m.ConnectionID] = set
	}
	set[key] = struct{}{}
	return true
}

// Leave removes the connection from the channel. Returns true if it was a
// member. The channel itself stays until Cleanup.
func (cm *ChannelManager) Leave(key, connID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.leaveLocked(key, connID)
}

func (cm *ChannelManager) leaveLocked(key, connID string) bool {
	ch, ok := cm.channels[key]
	if !ok {
		return false
	}
	if _, ok := ch.members[connID]; !ok {
		return false
	}
	delete(ch.members, connID)

	if set, ok := cm.byConn[connID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(cm.byConn, connID)
		}
	}
	return true
}

// IsMember reports whether connID is in the channel.
func (cm *ChannelManager) IsMember(key, connID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	ch, ok := cm.channels[key]
	if !ok {
		return false
	}
	_, ok = ch.members[connID]
	return ok
}

// GetMembers returns the channel's members sorted by connection ID.
func (cm *ChannelManager) GetMembers(key string) []Member {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	ch, ok := cm.channels[key]
	if !ok {
		return []Member{}
	}
	out := make([]Member, 0, len(ch.members))
	for _, m := range ch.members {
		m.Meta = copyMeta(m.Meta)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// ChannelsOf returns the channels a connection belongs to, sorted.
func (cm *ChannelManager) ChannelsOf(connID string) []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return sortedKeys(cm.byConn[connID])
}

// Channels returns every known channel, including empty ones, sorted.
func (cm *ChannelManager) Channels() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]string, 0, len(cm.channels))
	for k := range cm.channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RemoveConnection takes the connection out of every channel it joined and
// returns those channels, sorted.
func (cm *ChannelManager) RemoveConnection(connID string) []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	keys := sortedKeys(cm.byConn[connID])
	for _, k := range keys {
		cm.leaveLocked(k, connID)
	}
	delete(cm.byConn, connID)
	return keys
}

// Cleanup drops channels with no members. Returns how many were removed.
func (cm *ChannelManager) Cleanup() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	removed := 0
	for k, ch := range cm.channels {
		if len(ch.members) == 0 {
			delete(cm.channels, k)
			removed++
		}
	}
	return removed
}

// ChannelStats summarizes the registry.
type ChannelStats struct {
	Channels    int            `json:"channels"`
	Connections int            `json:"connections"`
	Members     map[string]int `json:"members"`
}

// Stats returns member counts per channel.
func (cm *ChannelManager) Stats() ChannelStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	st := ChannelStats{
		Channels:    len(cm.channels),
		Connections: len(cm.byConn),
		Members:     make(map[string]int, len(cm.channels)),
	}
	for k, ch := range cm.channels {
		st.Members[k] = len(ch.members)
	}
	return st
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
