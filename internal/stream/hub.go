// Package stream fans live run metrics out to websocket subscribers,
// bridging instances through redis pub/sub.
package stream

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Hub struct {
	redis   *redis.Client
	log     zerolog.Logger
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	RunID string
	Send  chan []byte
}

func NewHub(redisClient *redis.Client, log zerolog.Logger) *Hub {
	h := &Hub{
		redis:   redisClient,
		log:     log,
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register(runID string) *Client {
	client := &Client{
		RunID: runID,
		Send:  make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[runID] == nil {
		h.clients[runID] = map[*Client]struct{}{}
	}
	h.clients[runID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if runClients, ok := h.clients[client.RunID]; ok {
		delete(runClients, client)
		if len(runClients) == 0 {
			delete(h.clients, client.RunID)
		}
	}
	close(client.Send)
}

// Broadcast delivers a metrics payload to local subscribers of the run
// and publishes it for other instances. Slow subscribers miss updates
// rather than blocking the sender.
func (h *Hub) Broadcast(runID string, payload []byte) {
	h.mu.RLock()
	clients := h.clients[runID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.Send <- payload:
		default:
		}
	}

	if h.redis != nil {
		if err := h.redis.Publish(context.Background(), redisChannel(runID), payload).Err(); err != nil {
			h.log.Warn().Err(err).Str("run", runID).Msg("redis publish failed")
		}
	}
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, "run:*:metrics")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		runID := runIDFromChannel(msg.Channel)
		h.mu.RLock()
		clients := h.clients[runID]
		h.mu.RUnlock()
		for client := range clients {
			select {
			case client.Send <- []byte(msg.Payload):
			default:
			}
		}
	}
}

func redisChannel(runID string) string {
	return "run:" + runID + ":metrics"
}

func runIDFromChannel(ch string) string {
	// run:{id}:metrics
	const prefix = "run:"
	const suffix = ":metrics"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
