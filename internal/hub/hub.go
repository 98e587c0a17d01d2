package hub

import (
	"encoding/json"
	"log"
	"sync"
)

// Subscription filters what a display client receives. An empty field
// matches everything, so a waiting-room board subscribes with a zero value
// and a special-bucket board sets AttentionClass.
type Subscription struct {
	EventType      string
	AttentionClass string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

// Hub fans committed turn events out to connected display clients. Sends
// never block: a client that cannot keep up drops messages instead of
// stalling the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action         string `json:"action"`
	EventType      string `json:"event_type"`
	AttentionClass string `json:"attention_class"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Broadcast(eventType, attentionClass string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, eventType, attentionClass) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s", client.ID)
		}
	}
}

func match(sub Subscription, eventType, attentionClass string) bool {
	if sub.EventType != "" && eventType != sub.EventType {
		return false
	}
	if sub.AttentionClass != "" && attentionClass != sub.AttentionClass {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
