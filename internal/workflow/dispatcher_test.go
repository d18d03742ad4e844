package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin-trading-go/infrastructure/logger"
)

var testNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func noRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func TestSyncDispatcherProcessesCascadeInOrder(t *testing.T) {
	d := NewSyncDispatcher(noRetry(), logger.NewNop())
	var got []string

	Handle(d, "start", func(ctx context.Context, c StartLiquidationInternalCommand) error {
		got = append(got, "start")
		require.NoError(t, d.Send(ctx, LiquidationStartedInternalEvent{Header: NewHeader(c.OperationID, testNow)}))
		got = append(got, "start-done")
		return nil
	})
	Handle(d, "saga", func(ctx context.Context, e LiquidationStartedInternalEvent) error {
		got = append(got, "started")
		return nil
	})

	err := d.Send(context.Background(), StartLiquidationInternalCommand{Header: NewHeader("op1", testNow)})
	require.NoError(t, err)
	// 级联消息在当前处理器返回后才处理
	assert.Equal(t, []string{"start", "start-done", "started"}, got)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	d := NewSyncDispatcher(RetryPolicy{MaxAttempts: 3}, logger.NewNop())
	calls := 0
	Handle(d, "flaky", func(ctx context.Context, c FailLiquidationInternalCommand) error {
		calls++
		if calls < 3 {
			return errors.New("store unavailable")
		}
		return nil
	})

	require.NoError(t, d.Send(context.Background(), FailLiquidationInternalCommand{Header: NewHeader("op1", testNow)}))
	assert.Equal(t, 3, calls)
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts []int
	errs     []error
}

func (o *recordingObserver) ObserveMessage(name string, attempts int, err error, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, attempts)
	o.errs = append(o.errs, err)
}

func TestDispatcherReportsFinalFailureAndPanics(t *testing.T) {
	d := NewSyncDispatcher(RetryPolicy{MaxAttempts: 2}, logger.NewNop())
	obs := &recordingObserver{}
	d.SetObserver(obs)
	other := 0
	Handle(d, "panics", func(ctx context.Context, c FinishLiquidationInternalCommand) error {
		panic("boom")
	})
	Handle(d, "other", func(ctx context.Context, c FinishLiquidationInternalCommand) error {
		other++
		return nil
	})

	err := d.Send(context.Background(), FinishLiquidationInternalCommand{Header: NewHeader("op1", testNow)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic: boom")
	assert.Equal(t, 1, other)
	assert.Equal(t, []int{2, 1}, obs.attempts)
}

func TestDispatcherIgnoresMessagesWithoutHandlers(t *testing.T) {
	d := NewSyncDispatcher(noRetry(), logger.NewNop())
	assert.NoError(t, d.Send(context.Background(), LiquidationFinishedEvent{Header: NewHeader("op1", testNow)}))
	assert.Empty(t, d.Registered())
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 60 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 60*time.Second, p.Backoff(6))
	assert.Equal(t, 60*time.Second, p.Backoff(40))
}

func TestAsyncDispatcherKeepsOrderPerOperation(t *testing.T) {
	d := NewDispatcher(4, noRetry(), logger.NewNop())
	require.NoError(t, d.Start(context.Background()))

	var mu sync.Mutex
	seen := map[string][]string{}
	var wg sync.WaitGroup
	Handle(d, "collect", func(ctx context.Context, c FailLiquidationInternalCommand) error {
		defer wg.Done()
		mu.Lock()
		defer mu.Unlock()
		seen[c.OperationID] = append(seen[c.OperationID], c.Reason)
		return nil
	})

	const ops, perOp = 8, 50
	wg.Add(ops * perOp)
	for i := 0; i < perOp; i++ {
		for op := 0; op < ops; op++ {
			cmd := FailLiquidationInternalCommand{
				Header: NewHeader(fmt.Sprintf("op%d", op), testNow),
				Reason: fmt.Sprintf("%03d", i),
			}
			require.NoError(t, d.Send(context.Background(), cmd))
		}
	}
	wg.Wait()
	d.Stop()

	for op := 0; op < ops; op++ {
		reasons := seen[fmt.Sprintf("op%d", op)]
		require.Len(t, reasons, perOp)
		for i, r := range reasons {
			assert.Equal(t, fmt.Sprintf("%03d", i), r)
		}
	}

	err := d.Send(context.Background(), FailLiquidationInternalCommand{Header: NewHeader("late", testNow)})
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestAsyncHandlerCanSendToItsOwnOperation(t *testing.T) {
	d := NewDispatcher(1, noRetry(), logger.NewNop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	done := make(chan struct{})
	Handle(d, "first", func(ctx context.Context, c StartLiquidationInternalCommand) error {
		return d.Send(ctx, LiquidationStartedInternalEvent{Header: c.Header})
	})
	Handle(d, "second", func(ctx context.Context, e LiquidationStartedInternalEvent) error {
		close(done)
		return nil
	})

	require.NoError(t, d.Send(context.Background(), StartLiquidationInternalCommand{Header: NewHeader("op1", testNow)}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up message was not processed")
	}
}
