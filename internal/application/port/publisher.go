package port

import "time"

// Message types pushed to subscribers.
const (
	MsgArbitrageUpdate  = "arbitrage_update"
	MsgPredictionUpdate = "prediction_update"
	MsgRefreshSummary   = "refresh_summary"
	MsgPong             = "pong"
)

// TopicAll 订阅全部主题
const TopicAll = "*"

// Envelope 推送给订阅者的消息
type Envelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher 非阻塞推送；慢订阅者由实现方剔除
type Publisher interface {
	Broadcast(msg Envelope) int
	BroadcastTopic(topic string, msg Envelope) int
}
