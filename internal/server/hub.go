package server

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"camnode/internal/logging"
)

var (
	// ErrUnknownClient は登録されていないクライアントへ送信しようとした場合のエラー
	ErrUnknownClient = errors.New("unknown client")
	// ErrQueueFull はクライアントの送信キューが一杯の場合のエラー
	ErrQueueFull = errors.New("client send queue is full")
	// ErrDuplicateClient は同じIDのクライアントが既に登録されている場合のエラー
	ErrDuplicateClient = errors.New("client already registered")
)

// Message はクライアントへ送るメッセージ
type Message struct {
	Text bool // false の場合はJPEGフレーム
	Data []byte
}

type sink struct {
	send chan Message
}

// Hub はクライアントごとの送信キューを管理する
type Hub struct {
	mu    sync.RWMutex
	sinks map[string]*sink
	queue int
	log   zerolog.Logger
}

// NewHub は新しいHubを作成する
func NewHub(queue int) *Hub {
	if queue <= 0 {
		queue = 1
	}
	return &Hub{
		sinks: make(map[string]*sink),
		queue: queue,
		log:   logging.Get("hub"),
	}
}

// Register はクライアントを登録し、受信用チャンネルを返す
// チャンネルは Unregister または CloseAll で閉じられる
func (h *Hub) Register(id string) (<-chan Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sinks[id]; exists {
		return nil, ErrDuplicateClient
	}
	s := &sink{send: make(chan Message, h.queue)}
	h.sinks[id] = s
	h.log.Debug().Str("client", id).Int("clients", len(h.sinks)).Msg("クライアントを登録")
	return s.send, nil
}

// Unregister はクライアントの登録を解除する
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, exists := h.sinks[id]; exists {
		close(s.send)
		delete(h.sinks, id)
		h.log.Debug().Str("client", id).Int("clients", len(h.sinks)).Msg("クライアントの登録を解除")
	}
}

// CloseAll は全クライアントの登録を解除する
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.sinks {
		close(s.send)
		delete(h.sinks, id)
	}
}

// SendFrame はクライアントの送信キューへフレームを積む
// payload はコピーしてから積むため、呼び出し後に再利用してよい
func (h *Hub) SendFrame(id string, payload []byte) error {
	data := make([]byte, len(payload))
	copy(data, payload)
	return h.enqueue(id, Message{Data: data})
}

// SendText はクライアントへテキストメッセージを送る
func (h *Hub) SendText(id, text string) error {
	return h.enqueue(id, Message{Text: true, Data: []byte(text)})
}

func (h *Hub) enqueue(id string, msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, exists := h.sinks[id]
	if !exists {
		return ErrUnknownClient
	}

	select {
	case s.send <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Count は登録されているクライアント数を返す
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}
