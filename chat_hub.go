package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	subscriberBuffer = 64
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
)

type ChatEvent struct {
	Type    string       `json:"type"` // created | updated | deleted | read
	Message *ChatMessage `json:"message,omitempty"`
	Reads   []ChatRead   `json:"reads,omitempty"`
}

type chatSubscriber struct {
	room string
	C    chan ChatEvent
}

// ChatHub fans room events out to subscribers. Slow subscribers lose events
// rather than block publishers.
type ChatHub struct {
	mu    sync.RWMutex
	rooms map[string]map[*chatSubscriber]struct{}
	log   *zap.Logger
}

func NewChatHub(log *zap.Logger) *ChatHub {
	return &ChatHub{rooms: make(map[string]map[*chatSubscriber]struct{}), log: log}
}

func (h *ChatHub) Subscribe(room string) *chatSubscriber {
	s := &chatSubscriber{room: room, C: make(chan ChatEvent, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*chatSubscriber]struct{})
	}
	h.rooms[room][s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (h *ChatHub) Unsubscribe(s *chatSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.rooms[s.room]
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.rooms, s.room)
	}
	close(s.C)
}

func (h *ChatHub) Publish(room string, events ...ChatEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[room] {
		for _, ev := range events {
			select {
			case s.C <- ev:
			default:
				h.log.Warn("chat subscriber lagging, event dropped", zap.String("room", room), zap.String("type", ev.Type))
			}
		}
	}
}

func (h *ChatHub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// GET /api/v1/chat/:room/ws
func ChatStream(hub *ChatHub, conf Config, log *zap.Logger) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || conf.originAllowed(origin)
		},
	}
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		room := roomParam(c, actor)
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		sub := hub.Subscribe(room)
		defer hub.Unsubscribe(sub)

		// The client only sends control frames; reading drives pong handling
		// and tells us when it goes away.
		done := make(chan struct{})
		go func() {
			defer close(done)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					log.Debug("websocket write failed", zap.String("room", room), zap.Error(err))
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
