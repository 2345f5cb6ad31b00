package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/chen-liangping/Omni/internal/ws"
)

func streamTopic(req *http.Request) string {
	topic := strings.TrimSpace(req.URL.Query().Get("topic"))
	if topic == "" {
		return ws.AllTopics
	}
	return topic
}

// handleEventStream serves hub events as Server-Sent Events until the client
// goes away.
func (r *Router) handleEventStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	topic := streamTopic(req)
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := client.Open(3 * time.Second); err != nil {
		return
	}
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// handleEventsWS upgrades to a websocket and relays hub events on topic.
func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	topic := streamTopic(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go client.ReadLoop()
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer func() {
			ticker.Stop()
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			select {
			case <-client.Done():
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			}
		}
	}()
}
