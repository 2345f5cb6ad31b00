package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// AllTopics subscribes to every broadcast regardless of topic.
const AllTopics = "*"

// Hub fans payloads out to subscribers keyed by topic.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type message struct {
	topics  []string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

type countRequest struct {
	topic string
	reply chan int
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan countRequest),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.remove(sub.topic, sub.client)
		case msg := <-h.broadcast:
			wildcard := false
			for _, topic := range msg.topics {
				if topic == AllTopics {
					wildcard = true
				}
				h.deliver(topic, msg.payload)
			}
			if !wildcard {
				h.deliver(AllTopics, msg.payload)
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.topic])
		}
	}
}

func (h *Hub) deliver(topic string, payload []byte) {
	for c := range h.clients[topic] {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.remove(topic, c)
		}
	}
}

func (h *Hub) remove(topic string, client Subscriber) {
	if clients, ok := h.clients[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Register adds a client to a topic stream.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of topic and of AllTopics.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.BroadcastTopics([]string{topic}, payload)
}

// BroadcastTopics queues payload for each topic. AllTopics subscribers receive
// it once.
func (h *Hub) BroadcastTopics(topics []string, payload []byte) {
	select {
	case h.broadcast <- message{topics: topics, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients listen on topic.
func (h *Hub) Subscribers(topic string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{topic: topic, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close stops the hub and closes every subscriber. It is safe to call more than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	<-h.stopped
}

// FuncSubscriber adapts a function into a Subscriber for in-process listeners.
type FuncSubscriber struct {
	fn func([]byte) error
}

// NewFuncSubscriber wraps fn.
func NewFuncSubscriber(fn func([]byte) error) *FuncSubscriber {
	return &FuncSubscriber{fn: fn}
}

// Send invokes the function.
func (f *FuncSubscriber) Send(payload []byte) error { return f.fn(payload) }

// Close is a no-op.
func (f *FuncSubscriber) Close() {}
