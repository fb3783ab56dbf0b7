package controller

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"coldreach/models"
	"coldreach/utils"
)

const clientBuffer = 32

// EventHub broadcasts engagement events to connected admin websocket clients.
// It satisfies the notifier interfaces of both delivery and tracker.
type EventHub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	log     *logrus.Entry
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients: make(map[chan []byte]struct{}),
		log:     utils.Logger("events_ws"),
	}
}

// Publish sends the event to every client. A client whose buffer is full
// misses the event rather than slowing down the caller.
func (h *EventHub) Publish(event models.EngagementEvent) {
	payload, err := json.Marshal(fiber.Map{
		"type":        event.Type,
		"message_id":  event.MessageID,
		"timestamp":   event.Timestamp,
		"clicked_url": event.ClickedURL,
		"extra":       event.Extra,
	})
	if err != nil {
		h.log.WithError(err).Warn("failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
			h.log.Debug("client too slow, event dropped")
		}
	}
}

func (h *EventHub) subscribe() (chan []byte, func()) {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Upgrade rejects plain HTTP requests to the websocket endpoint.
func (h *EventHub) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handle streams events to one client until it disconnects.
func (h *EventHub) Handle(conn *websocket.Conn) {
	defer conn.Close()

	ch, unsubscribe := h.subscribe()
	defer unsubscribe()
	h.log.WithField("clients", h.Clients()).Info("event feed client connected")

	// The feed is one-way; reading only detects the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case payload := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.log.WithError(err).Debug("event feed write failed")
				return
			}
		case <-done:
			h.log.Info("event feed client disconnected")
			return
		}
	}
}
