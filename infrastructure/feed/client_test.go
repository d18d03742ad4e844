package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/market"
)

type recordingSink struct {
	mu    sync.Mutex
	books []market.ExternalOrderBook
}

func (s *recordingSink) SetOrderbook(ctx context.Context, book market.ExternalOrderBook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = append(s.books, book)
	return nil
}

func (s *recordingSink) all() []market.ExternalOrderBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]market.ExternalOrderBook(nil), s.books...)
}

const bookJSON = `{"exchangeName":"ext","assetPairId":"EURUSD","timestamp":"2024-03-04T10:00:00Z",` +
	`"asks":[{"price":"1.1002","volume":"5"}],"bids":[{"price":"1.1000","volume":"7"}]}`

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientReadsOrderbooks(t *testing.T) {
	subscribed := make(chan subscribeRequest, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req
		_ = conn.WriteMessage(websocket.TextMessage, []byte(bookJSON))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &recordingSink{}
	c := NewClient(Config{URL: wsURL(srv), AssetPairs: []string{"EURUSD"}}, sink, logger.NewNop())
	var events []string
	var evMu sync.Mutex
	c.SetEventSink(func(e string) {
		evMu.Lock()
		events = append(events, e)
		evMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case req := <-subscribed:
		assert.Equal(t, "subscribe", req.Op)
		assert.Equal(t, []string{"EURUSD"}, req.AssetPairs)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not received")
	}

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	book := sink.all()[0]
	assert.Equal(t, "EURUSD", book.AssetPairID)
	assert.Equal(t, "ext", book.ExchangeName)
	assert.Equal(t, "1.1002", book.Asks[0].Price.String())
	assert.Equal(t, "7", book.Bids[0].Volume.String())
	assert.True(t, c.Connected())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.False(t, c.Connected())
	evMu.Lock()
	assert.Equal(t, []string{"connected", "disconnected"}, events)
	evMu.Unlock()
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	c := NewClient(Config{
		URL:         "ws://127.0.0.1:1/feed",
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, &recordingSink{}, logger.NewNop())

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestBackoff(t *testing.T) {
	c := NewClient(Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}, &recordingSink{}, logger.NewNop())

	assert.Equal(t, time.Second, c.Backoff(0))
	assert.Equal(t, 4*time.Second, c.Backoff(2))
	assert.Equal(t, 10*time.Second, c.Backoff(5))
	assert.Equal(t, 10*time.Second, c.Backoff(40))
}

func TestHandleMessageRejectsBooksWithoutPair(t *testing.T) {
	c := NewClient(Config{}, &recordingSink{}, logger.NewNop())

	assert.Error(t, c.HandleMessage(context.Background(), []byte(`{"asks":[]}`)))
	assert.Error(t, c.HandleMessage(context.Background(), []byte(`{`)))
}
