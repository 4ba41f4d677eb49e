package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"arbengine/internal/application/port"
	"arbengine/internal/infrastructure/hub"
)

// Client command and ack message types.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"

	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgError        = "error"
)

// Config 单个 WebSocket 会话的超时参数
type Config struct {
	WriteWait      time.Duration // 单帧写超时
	PongWait       time.Duration // 读超时，收到 pong 顺延
	PingPeriod     time.Duration // 必须小于 PongWait
	MaxMessageSize int64
}

func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Command 客户端发来的控制消息
type Command struct {
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
}

// Conn adapts a gorilla connection to hub.Conn.
type Conn struct {
	ws        *websocket.Conn
	writeWait time.Duration
}

func NewConn(ws *websocket.Conn, writeWait time.Duration) *Conn {
	return &Conn{ws: ws, writeWait: writeWait}
}

func (c *Conn) Write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

// Serve registers ws with h and handles client commands until the peer
// disconnects or ctx is done. Without topics the session receives every
// product update. All data frames go through the hub writer;
// this goroutine only reads and sends control frames.
func Serve(ctx context.Context, h *hub.Hub, ws *websocket.Conn, cfg Config, topics ...string) {
	if len(topics) == 0 {
		topics = []string{port.TopicAll}
	}
	id, err := h.Register(NewConn(ws, cfg.WriteWait), topics...)
	if err != nil {
		log.Warn().Err(err).Msg("websocket register rejected")
		_ = ws.Close()
		return
	}
	defer h.Unregister(id)

	ws.SetReadLimit(cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go pingLoop(ctx, ws, cfg, done)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("subscriber", id).Msg("websocket read failed")
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			h.Send(id, port.Envelope{Type: MsgError, Data: "invalid command"})
			continue
		}
		handleCommand(h, id, cmd)
	}
}

func handleCommand(h *hub.Hub, id string, cmd Command) {
	switch cmd.Action {
	case ActionSubscribe:
		if cmd.Topic == "" {
			h.Send(id, port.Envelope{Type: MsgError, Data: "topic required"})
			return
		}
		h.Subscribe(id, cmd.Topic)
		h.Send(id, port.Envelope{Type: MsgSubscribed, Topic: cmd.Topic})
	case ActionUnsubscribe:
		h.Unsubscribe(id, cmd.Topic)
		h.Send(id, port.Envelope{Type: MsgUnsubscribed, Topic: cmd.Topic})
	case ActionPing:
		h.Send(id, port.Envelope{Type: port.MsgPong})
	default:
		h.Send(id, port.Envelope{Type: MsgError, Data: "unknown action: " + cmd.Action})
	}
}

func pingLoop(ctx context.Context, ws *websocket.Conn, cfg Config, done <-chan struct{}) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = ws.Close()
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}
