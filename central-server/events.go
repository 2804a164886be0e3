package centralserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tarun-kavipurapu/p2p-chunknet/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

// EventHub fans registry events out to websocket subscribers. A subscriber
// that falls behind loses events rather than stalling the registry.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan Event]struct{})}
}

// Publish never blocks.
func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logger.Sugar.Debugf("[Events] subscriber buffer full, dropping %s", ev.Type)
		}
	}
}

func (h *EventHub) subscribe() chan Event {
	ch := make(chan Event, eventBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Subscribers returns the number of connected listeners.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams events as JSON text frames
// until the client goes away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Warnf("[Events] websocket upgrade failed: remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)
	logger.Sugar.Infof("[Events] subscriber connected: remote=%s", r.RemoteAddr)

	// The feed is one-way; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Sugar.Debugf("[Events] read error: remote=%s err=%v", r.RemoteAddr, err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Sugar.Debugf("[Events] write error: remote=%s err=%v", r.RemoteAddr, err)
				return
			}
		}
	}
}
