package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []any
	done := make(chan struct{}, 2)

	for i := 0; i < 2; i++ {
		b.Subscribe(TopicSignalExecuted, func(payload any) {
			mu.Lock()
			got = append(got, payload)
			mu.Unlock()
			done <- struct{}{}
		})
	}

	b.Publish(TopicSignalExecuted, "hello")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("订阅者未收到消息")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0])
}

// 无订阅者时发布不阻塞也不 panic
func TestPublishWithoutSubscribers(t *testing.T) {
	b := New()
	defer b.Close()
	b.Publish(TopicPositionClosed, struct{}{})
}

// 处理函数 panic 不影响后续投递
func TestHandlerPanicDoesNotKillDispatch(t *testing.T) {
	b := New()
	defer b.Close()

	done := make(chan any, 1)
	b.Subscribe(TopicAccountUpdated, func(payload any) {
		if payload == "boom" {
			panic("boom")
		}
		done <- payload
	})

	b.Publish(TopicAccountUpdated, "boom")
	b.Publish(TopicAccountUpdated, "ok")

	select {
	case got := <-done:
		assert.Equal(t, "ok", got)
	case <-time.After(2 * time.Second):
		t.Fatal("panic 之后的消息未被投递")
	}
}

// 关闭与并发发布交错时不得 panic：投递全程持读锁，通道关闭只能发生在发送之外
func TestConcurrentPublishAndClose(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := New()
		b.Subscribe(TopicPositionPriceUpdated, func(any) {})

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					b.Publish(TopicPositionPriceUpdated, j)
				}
			}()
		}
		b.Close()
		wg.Wait()
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New()
	b.Subscribe(TopicPositionPriceUpdated, func(any) {})
	b.Close()
	b.Publish(TopicPositionPriceUpdated, "late")
	b.Close() // 重复关闭安全
}
