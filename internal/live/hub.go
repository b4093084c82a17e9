// Package live pushes "queue changed" notifications to SockJS clients so they
// can re-poll their entry status instead of polling on a timer.
package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const EventQueueChanged = "queue.changed"

type Client struct {
	ID      string
	Send    chan []byte
	QueueID int64
}

type Event struct {
	Type    string    `json:"type"`
	QueueID int64     `json:"queue_id"`
	At      time.Time `json:"at"`
}

type SubscribeMessage struct {
	Action  string `json:"action"`
	QueueID int64  `json:"queue_id"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	now     func() time.Time
	log     logrus.FieldLogger
}

func New(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		clients: make(map[string]*Client),
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.WithField("component", "live"),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

// Subscribe points the client at one queue. Zero unsubscribes.
func (h *Hub) Subscribe(client *Client, queueID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.QueueID = queueID
}

// QueueChanged tells every subscriber of queueID that the queue changed.
func (h *Hub) QueueChanged(queueID int64) {
	payload, err := json.Marshal(Event{Type: EventQueueChanged, QueueID: queueID, At: h.now()})
	if err != nil {
		h.log.WithError(err).Error("encode live event")
		return
	}
	h.Broadcast(queueID, payload)
}

// Broadcast never blocks: a client whose buffer is full misses the message.
func (h *Hub) Broadcast(queueID int64, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if queueID == 0 || client.QueueID != queueID {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.log.WithField("client_id", client.ID).Debug("drop message for slow client")
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	switch msg.Action {
	case "subscribe":
		if msg.QueueID <= 0 {
			return SubscribeMessage{}, false
		}
	case "unsubscribe":
		msg.QueueID = 0
	default:
		return SubscribeMessage{}, false
	}
	return msg, true
}
