// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package websocket pushes artifact status transitions to connected UI
// clients, so every open tab observes pending/resolved/errored changes
// without polling.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/xpertlabs/xpert/internal/events"
	"github.com/xpertlabs/xpert/internal/logging"
)

// Message types sent over the wire.
const (
	MessageTypeTransition   = "transition"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeCacheCleared = "cache_cleared"
)

// Message is the envelope for every websocket frame.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Hub maintains the set of active clients and fans messages out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	bus        *events.Bus
	mu         sync.RWMutex
}

// NewHub creates a hub fed by the transition bus. bus may be nil for tests
// that drive Broadcast directly.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		bus:        bus,
	}
}

// Serve runs the hub until ctx ends. It satisfies suture.Service: on
// restart a fresh bus subscription is opened and clients reconnect.
func (h *Hub) Serve(ctx context.Context) error {
	var feed <-chan events.Transition
	if h.bus != nil {
		var err error
		feed, err = h.bus.Transitions(ctx)
		if err != nil {
			return err
		}
	}
	for {
		// Lifecycle events win over broadcasts so client state is settled
		// before messages are fanned out.
		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case tr, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			h.fanOut(Message{Type: MessageTypeTransition, Data: tr})
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) String() string {
	return "websocket-hub"
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", n).Msg("websocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	logging.Info().Int("total_clients", n).Msg("websocket client disconnected")
}

// Broadcast queues a message for every connected client, dropping it if the
// hub is saturated rather than blocking the caller.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	select {
	case h.broadcast <- Message{Type: messageType, Data: data}:
	default:
		logging.Warn().Str("message_type", messageType).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastCacheCleared tells every tab the content cache was wiped.
func (h *Hub) BroadcastCacheCleared() {
	h.Broadcast(MessageTypeCacheCleared, nil)
}

// fanOut sends one message to all clients in stable id order. A client whose
// send buffer is full is disconnected; a stalled tab must not hold state for
// the rest.
func (h *Hub) fanOut(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	n := len(h.clients)
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	logging.Info().
		Str("component", "websocket-hub").
		Int("clients_closed", n).
		Msg("websocket hub stopped")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
