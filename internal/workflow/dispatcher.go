package workflow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"margin-trading-go/infrastructure/logger"
)

// ErrDispatcherStopped 调度器未运行
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Sender 发送命令或事件
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// RetryPolicy 处理失败的重试策略，延迟按 2^n 指数增长并封顶
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy 默认重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Backoff 第 retry 次重试前的等待时间
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 0 {
		return p.BaseDelay
	}
	if retry > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<retry)
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}

// Observer 消息处理结果回调，用于指标
type Observer interface {
	ObserveMessage(name string, attempts int, err error, elapsed time.Duration)
}

type handlerFunc func(ctx context.Context, msg Message) error

type namedHandler struct {
	name string
	fn   handlerFunc
}

// Dispatcher 按操作 id 串行化消息处理。
// 异步模式下同一 OperationKey 的消息落在同一个 worker 上按序处理；
// 同步模式在调用 Send 的 goroutine 内按先进先出处理完所有级联消息。
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	observer Observer
	policy   RetryPolicy
	logger   *logger.Logger
	inline   bool

	// 同步模式
	syncMu   sync.Mutex
	queue    []Message
	draining bool

	// 异步模式
	workers []*worker
	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher 创建异步调度器，需要 Start 后才能发送
func NewDispatcher(workers int, policy RetryPolicy, log *logger.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := newDispatcher(policy, log)
	d.workers = make([]*worker, workers)
	for i := range d.workers {
		d.workers[i] = newWorker()
	}
	return d
}

// NewSyncDispatcher 创建同步调度器，测试和单进程回放使用
func NewSyncDispatcher(policy RetryPolicy, log *logger.Logger) *Dispatcher {
	d := newDispatcher(policy, log)
	d.inline = true
	return d
}

func newDispatcher(policy RetryPolicy, log *logger.Logger) *Dispatcher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Dispatcher{
		handlers: make(map[string][]namedHandler),
		policy:   policy,
		logger:   log.Named("dispatcher"),
	}
}

// SetObserver 设置指标回调
func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = o
}

// Handle 注册类型化处理器
func Handle[T Message](d *Dispatcher, name string, fn func(ctx context.Context, msg T) error) {
	var zero T
	key := zero.MessageName()
	h := namedHandler{
		name: name,
		fn: func(ctx context.Context, msg Message) error {
			typed, ok := msg.(T)
			if !ok {
				return fmt.Errorf("handler %s: unexpected message type %T", name, msg)
			}
			return fn(ctx, typed)
		},
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[key] = append(d.handlers[key], h)
}

// Registered 已注册处理器的消息名
func (d *Dispatcher) Registered() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start 启动 worker
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.inline {
		return nil
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	for _, w := range d.workers {
		d.wg.Add(1)
		go func(w *worker) {
			defer d.wg.Done()
			w.run(d.ctx, d.dispatch)
		}(w)
	}
	d.logger.Info("调度器已启动", zap.Int("workers", len(d.workers)))
	return nil
}

// Stop 处理完已入队消息后停止
func (d *Dispatcher) Stop() {
	if d.inline {
		return
	}
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return
	}
	d.running = false
	d.runMu.Unlock()

	for _, w := range d.workers {
		w.close()
	}
	d.wg.Wait()
	d.cancel()
	d.logger.Info("调度器已停止")
}

// Pending 排队中的消息数
func (d *Dispatcher) Pending() int {
	if d.inline {
		d.syncMu.Lock()
		defer d.syncMu.Unlock()
		return len(d.queue)
	}
	n := 0
	for _, w := range d.workers {
		n += w.len()
	}
	return n
}

// Send 投递消息。异步模式立即返回；同步模式返回本次处理中最终失败的错误。
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	if d.inline {
		return d.sendInline(ctx, msg)
	}
	d.runMu.Lock()
	running := d.running
	d.runMu.Unlock()
	if !running {
		return fmt.Errorf("send %s: %w", msg.MessageName(), ErrDispatcherStopped)
	}
	d.workers[shardOf(msg.OperationKey(), len(d.workers))].push(msg)
	return nil
}

func (d *Dispatcher) sendInline(ctx context.Context, msg Message) error {
	d.syncMu.Lock()
	d.queue = append(d.queue, msg)
	if d.draining {
		d.syncMu.Unlock()
		return nil
	}
	d.draining = true
	d.syncMu.Unlock()

	var errs []error
	for {
		d.syncMu.Lock()
		if len(d.queue) == 0 {
			d.draining = false
			d.syncMu.Unlock()
			return errors.Join(errs...)
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.syncMu.Unlock()

		if err := d.dispatch(ctx, next); err != nil {
			errs = append(errs, err)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) error {
	d.mu.RLock()
	handlers := d.handlers[msg.MessageName()]
	observer := d.observer
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug("消息没有处理器",
			zap.String("message", msg.MessageName()),
			zap.String("operation_id", msg.OperationKey()),
		)
		return nil
	}

	var errs []error
	for _, h := range handlers {
		start := time.Now()
		attempts, err := d.invoke(ctx, h, msg)
		if observer != nil {
			observer.ObserveMessage(msg.MessageName(), attempts, err, time.Since(start))
		}
		if err != nil {
			d.logger.LogError(err, "消息处理最终失败",
				zap.String("message", msg.MessageName()),
				zap.String("handler", h.name),
				zap.String("operation_id", msg.OperationKey()),
				zap.Int("attempts", attempts),
			)
			errs = append(errs, fmt.Errorf("%s/%s: %w", msg.MessageName(), h.name, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) invoke(ctx context.Context, h namedHandler, msg Message) (int, error) {
	for attempt := 1; ; attempt++ {
		err := safeCall(ctx, h.fn, msg)
		if err == nil {
			return attempt, nil
		}
		if attempt >= d.policy.MaxAttempts {
			return attempt, err
		}
		delay := d.policy.Backoff(attempt - 1)
		d.logger.Warn("消息处理失败，稍后重试",
			zap.String("message", msg.MessageName()),
			zap.String("handler", h.name),
			zap.String("operation_id", msg.OperationKey()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

func safeCall(ctx context.Context, fn handlerFunc, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, msg)
}

func shardOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// worker 无界队列，处理中的消息可以继续向自己投递而不会阻塞
type worker struct {
	mu     sync.Mutex
	queue  []Message
	closed bool
	signal chan struct{}
}

func newWorker() *worker {
	return &worker{signal: make(chan struct{}, 1)}
}

func (w *worker) push(msg Message) {
	w.mu.Lock()
	w.queue = append(w.queue, msg)
	w.mu.Unlock()
	w.wake()
}

func (w *worker) wake() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.wake()
}

func (w *worker) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *worker) run(ctx context.Context, dispatch func(context.Context, Message) error) {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			<-w.signal
			continue
		}
		msg := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		_ = dispatch(ctx, msg)
	}
}
