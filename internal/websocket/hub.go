package websocket

import (
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"marketbot/internal/models"
	"marketbot/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Hub управляет всеми активными WebSocket соединениями
//
// Центральный менеджер broadcast-сообщений: статусы credential'ов,
// балансы, алерты и итоги рассылки уходят всем подключенным клиентам
// без polling'а. Медленные клиенты отбрасываются, а не тормозят
// остальных.
//
// Использование:
//  1. hub := NewHub(logger)
//  2. go hub.Run()
//  3. hub.BroadcastAlert("warning", "...")
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	stopOnce sync.Once
	stop     chan struct{}

	// счётчик сообщений, отброшенных при переполнении очереди
	dropped atomic.Int64

	mu     sync.RWMutex
	logger *utils.Logger
}

// NewHub создает новый Hub
func NewHub(logger *utils.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		logger:     logger.Named("websocket"),
	}
}

// Run запускает главный цикл Hub.
// Должен запускаться в отдельной горутине: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("клиент подключился", zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("клиент отключился", zap.Int("total", total))

		case message := <-h.broadcast:
			// Список клиентов копируется под коротким RLock,
			// отправка идёт без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// клиент не успевает читать
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("отброшены медленные клиенты",
					zap.Int("removed", len(toRemove)),
					zap.Int("total", total))
			}
		}
	}
}

// Stop останавливает цикл Hub и закрывает все соединения
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast сериализует и рассылает сообщение всем клиентам.
// Никогда не блокирует вызывающего: при переполнении очереди
// сообщение отбрасывается и считается в DroppedMessages.
func (h *Hub) Broadcast(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("не удалось сериализовать сообщение", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastCredentialStatus рассылает смену статуса credential'а
func (h *Hub) BroadcastCredentialStatus(credentialID, userID int64, status, classification string) {
	h.Broadcast(NewCredentialStatusMessage(credentialID, userID, status, classification))
}

// BroadcastBalanceUpdate рассылает обновление балансов пользователя
func (h *Hub) BroadcastBalanceUpdate(userID int64, exchange string, totalUSD float64) {
	h.Broadcast(NewBalanceUpdateMessage(userID, exchange, totalUSD))
}

// BroadcastAlert рассылает алерт
func (h *Hub) BroadcastAlert(level, message string) {
	h.Broadcast(NewAlertMessage(level, message))
}

// BroadcastDispatchSummary рассылает итог рассылки сигнала
func (h *Hub) BroadcastDispatchSummary(summary *models.DispatchSummary) {
	h.Broadcast(NewDispatchSummaryMessage(summary))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает количество отброшенных сообщений
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
