package bus

import (
	"log"
	"sync"
)

// Topic 消息主题
type Topic string

const (
	TopicSignalExecuted       Topic = "signal-executed"
	TopicPositionPriceUpdated Topic = "position-price-updated"
	TopicPositionClosed       Topic = "position-closed"
	TopicAccountUpdated       Topic = "account-updated"
)

// Handler 订阅回调
type Handler func(payload any)

// Bus 进程内发布/订阅：每个主题一条缓冲通道加一个分发 goroutine，
// 投递与业务逻辑解耦，至多一次语义（总线关闭或缓冲溢出时丢弃）
type Bus struct {
	mu     sync.RWMutex
	topics map[Topic]*topicQueue
	closed bool
}

type topicQueue struct {
	ch       chan any
	handlers []Handler
	mu       sync.RWMutex
}

func New() *Bus {
	return &Bus{topics: make(map[Topic]*topicQueue)}
}

// Subscribe 注册处理函数；首个订阅者触发该主题的分发 goroutine
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	tq, ok := b.topics[topic]
	if !ok {
		tq = &topicQueue{ch: make(chan any, 64)}
		b.topics[topic] = tq
		go tq.dispatch(topic)
	}
	tq.mu.Lock()
	tq.handlers = append(tq.handlers, h)
	tq.mu.Unlock()
}

// Publish 非阻塞投递：无订阅者或缓冲已满时丢弃。
// 读锁覆盖整个投递，Close 的通道关闭不会落在检查与发送之间
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	tq, ok := b.topics[topic]
	if !ok {
		return
	}

	select {
	case tq.ch <- payload:
	default:
		log.Printf("[总线] ⚠ 主题 %s 缓冲已满，消息丢弃", topic)
	}
}

// Close 关闭所有主题通道，分发 goroutine 随之退出
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, tq := range b.topics {
		close(tq.ch)
	}
}

func (tq *topicQueue) dispatch(topic Topic) {
	for payload := range tq.ch {
		tq.mu.RLock()
		handlers := tq.handlers
		tq.mu.RUnlock()
		for _, h := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("[总线] ✘ 主题 %s 处理函数 panic: %v", topic, r)
					}
				}()
				h(payload)
			}()
		}
	}
}
