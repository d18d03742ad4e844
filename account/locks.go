package account

import (
	"context"
	"hash/fnv"
)

// DefaultLockShards 默认锁分片数量
const DefaultLockShards = 64

// Locker 按账户 id 哈希分片的互斥锁。
// 不同账户落在同一分片只会降低并行度，不影响正确性。
type Locker struct {
	shards []chan struct{}
}

// NewLocker 创建固定分片数的锁服务
func NewLocker(shards int) *Locker {
	if shards <= 0 {
		shards = DefaultLockShards
	}
	l := &Locker{shards: make([]chan struct{}, shards)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *Locker) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Lock 获取 key 所在分片的锁，返回释放函数。ctx 取消时放弃等待。
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.shard(key)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shards 分片数量
func (l *Locker) Shards() int {
	return len(l.shards)
}
