package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/market"
)

// Sink 订单簿入口
type Sink interface {
	SetOrderbook(ctx context.Context, book market.ExternalOrderBook) error
}

// Config 行情源配置
type Config struct {
	URL         string        `yaml:"url"`
	AssetPairs  []string      `yaml:"asset_pairs"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	MaxRetries  int           `yaml:"max_retries"` // 0 表示无限重连
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	return c
}

// subscribeRequest 连接建立后发送的订阅请求
type subscribeRequest struct {
	Op         string   `json:"op"`
	AssetPairs []string `json:"assetPairs"`
}

// Client 外部订单簿 WebSocket 客户端，断线自动重连
type Client struct {
	cfg       Config
	sink      Sink
	dialer    *websocket.Dialer
	logger    *logger.Logger
	eventSink func(event string)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient 创建客户端
func NewClient(cfg Config, sink Sink, log *logger.Logger) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		dialer: websocket.DefaultDialer,
		logger: log.Named("feed"),
	}
}

// SetEventSink 设置连接状态回调（connected / disconnected）
func (c *Client) SetEventSink(fn func(event string)) {
	c.eventSink = fn
}

func (c *Client) emit(event string) {
	if c.eventSink != nil {
		c.eventSink(event)
	}
}

// Backoff 第 retry 次重连前的等待时间，指数增长并封顶
func (c *Client) Backoff(retry int) time.Duration {
	if retry < 0 {
		return c.cfg.BaseBackoff
	}
	if retry > 30 {
		return c.cfg.MaxBackoff
	}
	d := c.cfg.BaseBackoff * time.Duration(1<<retry)
	if d > c.cfg.MaxBackoff || d <= 0 {
		return c.cfg.MaxBackoff
	}
	return d
}

// Run 连接并读取行情直到 ctx 取消。超过最大重连次数返回错误。
func (c *Client) Run(ctx context.Context) error {
	retries := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if c.cfg.MaxRetries > 0 && retries >= c.cfg.MaxRetries {
				return fmt.Errorf("feed reconnection failed after %d retries: %w", retries, err)
			}
			wait := c.Backoff(retries)
			retries++
			c.logger.Warn("行情连接失败",
				zap.String("url", c.cfg.URL),
				zap.Int("retry", retries),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		retries = 0
		c.setConn(conn)
		c.emit("connected")
		c.logger.Info("行情已连接", zap.String("url", c.cfg.URL), zap.Strings("asset_pairs", c.cfg.AssetPairs))

		err = c.session(ctx, conn)

		c.setConn(nil)
		c.emit("disconnected")
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("行情断开，准备重连", zap.Error(err))
		if !sleep(ctx, c.cfg.BaseBackoff) {
			return nil
		}
	}
}

func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if len(c.cfg.AssetPairs) > 0 {
		if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", AssetPairs: c.cfg.AssetPairs}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if err := c.HandleMessage(ctx, raw); err != nil {
			c.logger.Warn("行情消息处理失败", zap.Error(err))
		}
	}
}

// HandleMessage 解析一条订单簿快照并写入 Sink
func (c *Client) HandleMessage(ctx context.Context, raw []byte) error {
	var book market.ExternalOrderBook
	if err := json.Unmarshal(raw, &book); err != nil {
		return fmt.Errorf("decode orderbook: %w", err)
	}
	if book.AssetPairID == "" {
		return errors.New("orderbook without asset pair")
	}
	if book.Timestamp.IsZero() {
		book.Timestamp = time.Now().UTC()
	}
	return c.sink.SetOrderbook(ctx, book)
}

// Connected 当前是否在线
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
