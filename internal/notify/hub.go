package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sendBuffer  = 16
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	maxReadSize = 512
)

var (
	wsSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "um_ws_subscribers",
		Help: "Текущее количество подписчиков websocket",
	})

	wsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "um_ws_dropped_total",
		Help: "Количество отключённых медленных подписчиков websocket",
	})
)

// subscriber — одно websocket-соединение.
type subscriber struct {
	group string
	send  chan []byte
	once  sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub — группы websocket-подписчиков.
// Рассылка не блокируется: подписчик с переполненным буфером отключается.
type Hub struct {
	mu       sync.RWMutex
	groups   map[string]map[*subscriber]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub создаёт Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With(slog.String("component", "ws_hub")),
	}
}

// Broadcast рассылает сообщение всем подписчикам группы.
// Возвращает количество подписчиков, получивших сообщение.
func (h *Hub) Broadcast(group string, msg []byte) int {
	h.mu.RLock()
	var slow []*subscriber
	delivered := 0
	for s := range h.groups[group] {
		select {
		case s.send <- msg:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		wsDroppedTotal.Inc()
		h.logger.Warn("Медленный подписчик отключён", slog.String("group", group))
		h.unregister(s)
	}
	return delivered
}

// Subscribers возвращает количество подписчиков группы.
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) register(group string) *subscriber {
	s := &subscriber{group: group, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.groups[group] == nil {
		h.groups[group] = make(map[*subscriber]struct{})
	}
	h.groups[group][s] = struct{}{}
	h.mu.Unlock()
	wsSubscribers.Inc()
	return s
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	members, ok := h.groups[s.group]
	if ok {
		if _, present := members[s]; present {
			delete(members, s)
			wsSubscribers.Dec()
			if len(members) == 0 {
				delete(h.groups, s.group)
			}
		}
	}
	h.mu.Unlock()
	s.close()
}

// ServeWS переводит соединение в websocket и подписывает его на группу.
// Блокируется до закрытия соединения.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, group string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже записал ответ клиенту
		h.logger.Debug("Ошибка upgrade websocket", slog.String("error", err.Error()))
		return
	}

	s := h.register(group)
	h.logger.Debug("Подписчик подключён", slog.String("group", group))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(conn, s)
	}()
	h.writeLoop(conn, s)
	<-done
}

// readLoop читает управляющие кадры до ошибки соединения.
func (h *Hub) readLoop(conn *websocket.Conn, s *subscriber) {
	defer h.unregister(s)

	conn.SetReadLimit(maxReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop отправляет сообщения группы и ping до закрытия канала подписчика.
func (h *Hub) writeLoop(conn *websocket.Conn, s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.unregister(s)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(s)
				return
			}
		}
	}
}
