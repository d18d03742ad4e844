// Package bus 提供进程内同步、有序的类型化事件总线。
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handler 事件处理函数
type Handler[T any] func(ctx context.Context, event T) error

type subscription[T any] struct {
	name    string
	rank    int
	seq     int
	handler Handler[T]
}

// Bus 单一事件类型的总线。
// Publish 在调用方 goroutine 内按 rank 升序依次调用订阅者，返回时所有订阅者都已处理完。
type Bus[T any] struct {
	name string
	mu   sync.RWMutex
	subs []subscription[T]
	seq  int
}

// New 创建总线
func New[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe 注册订阅者，rank 小的先执行，同 rank 按注册顺序
func (b *Bus[T]) Subscribe(name string, rank int, h Handler[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.subs = append(b.subs, subscription[T]{name: name, rank: rank, seq: b.seq, handler: h})
	sort.SliceStable(b.subs, func(i, j int) bool {
		if b.subs[i].rank != b.subs[j].rank {
			return b.subs[i].rank < b.subs[j].rank
		}
		return b.subs[i].seq < b.subs[j].seq
	})
}

// Publish 同步发布事件。单个订阅者失败或 panic 不影响后续订阅者，错误合并返回。
func (b *Bus[T]) Publish(ctx context.Context, event T) error {
	b.mu.RLock()
	subs := make([]subscription[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := b.invoke(ctx, s, event); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", b.name, s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bus[T]) invoke(ctx context.Context, s subscription[T], event T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.handler(ctx, event)
}

// Subscribers 订阅者数量
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
