package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin-trading-go/order"
)

var testNow = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newOrder(id, account, pair string, offset time.Duration) *order.Order {
	return order.New(order.Params{
		ID:          id,
		AccountID:   account,
		AssetPairID: pair,
		Volume:      decimal.NewFromInt(10),
		Type:        order.TypeLimit,
		Price:       decimal.NewFromInt(100),
		Originator:  order.OriginatorInvestor,
		CreatedAt:   testNow.Add(offset),
	})
}

func newPosition(id, account, pair string) *order.Position {
	return order.NewPosition(order.PositionParams{
		ID:          id,
		AccountID:   account,
		AssetPairID: pair,
		Volume:      decimal.NewFromInt(5),
		OpenPrice:   decimal.NewFromInt(100),
		OpenDate:    testNow,
	})
}

func TestPartitionLookups(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Active.Add(newOrder("o2", "acc1", "EURUSD", time.Second)))
	require.NoError(t, c.Active.Add(newOrder("o1", "acc1", "EURUSD", 0)))
	require.NoError(t, c.Active.Add(newOrder("o3", "acc2", "EURUSD", 0)))
	require.NoError(t, c.Active.Add(newOrder("o4", "acc1", "GBPUSD", 0)))

	ids := func(orders []*order.Order) []string {
		out := make([]string, 0, len(orders))
		for _, o := range orders {
			out = append(out, o.ID)
		}
		return out
	}

	assert.Equal(t, []string{"o1", "o4", "o2"}, ids(c.Active.GetByAccounts("acc1")))
	assert.Equal(t, []string{"o1", "o3", "o2"}, ids(c.Active.GetByInstrument("EURUSD")))
	assert.Equal(t, []string{"o1", "o2"}, ids(c.Active.GetByInstrumentAndAccount("EURUSD", "acc1")))
	assert.Equal(t, []string{"o1", "o3", "o4", "o2"}, ids(c.Active.GetByAccounts("acc1", "acc2")))
	assert.Equal(t, 4, c.Active.Count())
	assert.Empty(t, c.Active.GetByInstrument("USDJPY"))
}

func TestPartitionErrors(t *testing.T) {
	c := New(nil)
	o := newOrder("o1", "acc1", "EURUSD", 0)
	require.NoError(t, c.Active.Add(o))

	t.Run("重复加入同一分区", func(t *testing.T) {
		assert.ErrorIs(t, c.Active.Add(o), ErrAlreadyExists)
	})
	t.Run("重复加入其他分区", func(t *testing.T) {
		assert.ErrorIs(t, c.InProgress.Add(o), ErrAlreadyExists)
		assert.False(t, c.InProgress.Contains("o1"))
	})
	t.Run("在其他分区查询", func(t *testing.T) {
		_, err := c.Inactive.GetByID("o1")
		assert.ErrorIs(t, err, ErrWrongPartition)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
	t.Run("不存在", func(t *testing.T) {
		_, err := c.Inactive.GetByID("missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = c.GetOrderByID("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("从错误分区移除", func(t *testing.T) {
		_, err := c.Inactive.Remove("o1")
		assert.ErrorIs(t, err, ErrWrongPartition)
		assert.True(t, c.Active.Contains("o1"))
	})
	t.Run("移除不存在的订单", func(t *testing.T) {
		_, err := c.Active.Remove("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMoveBetweenPartitions(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Active.Add(newOrder("o1", "acc1", "EURUSD", 0)))

	moved, err := c.Move("o1", c.Active, c.InProgress)
	require.NoError(t, err)
	assert.Equal(t, "o1", moved.ID)
	assert.False(t, c.Active.Contains("o1"))
	assert.True(t, c.InProgress.Contains("o1"))

	found, partition, ok := c.FindOrder("o1")
	require.True(t, ok)
	assert.Equal(t, PartitionInProgress, partition)
	assert.Same(t, moved, found)

	_, err = c.Move("o1", c.Active, c.Inactive)
	assert.ErrorIs(t, err, ErrWrongPartition)
}

func TestMoveReportsFailedRollback(t *testing.T) {
	var c *OrdersCache
	armed := false
	c = New(func(name PartitionName, size int) {
		if armed && name == PartitionActive && size == 0 {
			armed = false
			// 移出后、放回前，同 id 被别的分区占用
			_ = c.Inactive.Add(newOrder("o1", "acc1", "EURUSD", time.Second))
		}
	})
	other := New(nil)
	require.NoError(t, other.Active.Add(newOrder("o1", "acc1", "EURUSD", 0)))
	require.NoError(t, c.Active.Add(newOrder("o1", "acc1", "EURUSD", 0)))

	armed = true
	_, err := c.Move("o1", c.Active, other.Active)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Contains(t, err.Error(), "rollback o1 to Active")
	assert.False(t, c.Active.Contains("o1"))
}

func TestOrderAndPositionIDsAreIndependent(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Active.Add(newOrder("x1", "acc1", "EURUSD", 0)))
	require.NoError(t, c.Positions.Add(newPosition("x1", "acc1", "EURUSD")))

	assert.Len(t, c.GetPositions("x1", "missing"), 1)
	assert.Len(t, c.GetAllOrders(), 1)
}

func TestPendingAndRelatedOrders(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Active.Add(newOrder("o1", "acc1", "EURUSD", 0)))
	require.NoError(t, c.Inactive.Add(newOrder("o2", "acc1", "EURUSD", time.Second)))
	require.NoError(t, c.InProgress.Add(newOrder("o3", "acc1", "EURUSD", 0)))

	assert.Len(t, c.GetPendingForAccount("acc1"), 2)
	related := c.GetRelatedOrders([]order.RelatedOrderInfo{{OrderID: "o2"}, {OrderID: "gone"}})
	require.Len(t, related, 1)
	assert.Equal(t, "o2", related[0].ID)
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{3, 4}, Page(items, 2, 2))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, Page(items, 0, 0))
	assert.Equal(t, []int{5}, Page(items, 4, 10))
	assert.Empty(t, Page(items, 9, 1))
	assert.Equal(t, []int{1}, Page(items, -1, 1))
}

func TestSizeObserver(t *testing.T) {
	sizes := map[PartitionName]int{}
	var mu sync.Mutex
	c := New(func(p PartitionName, n int) {
		mu.Lock()
		defer mu.Unlock()
		sizes[p] = n
	})
	require.NoError(t, c.Active.Add(newOrder("o1", "acc1", "EURUSD", 0)))
	require.NoError(t, c.Positions.Add(newPosition("p1", "acc1", "EURUSD")))
	_, err := c.Move("o1", c.Active, c.InProgress)
	require.NoError(t, err)

	assert.Equal(t, 0, sizes[PartitionActive])
	assert.Equal(t, 1, sizes[PartitionInProgress])
	assert.Equal(t, 1, sizes[PartitionPositions])
}

// 并发在分区间移动时同一订单只会出现在一个分区
func TestCache_ConcurrentMoves(t *testing.T) {
	c := New(nil)
	const orders = 200
	for i := 0; i < orders; i++ {
		require.NoError(t, c.Active.Add(newOrder(fmt.Sprintf("o%d", i), "acc1", "EURUSD", 0)))
	}

	var wg sync.WaitGroup
	var moved atomic.Int64
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < orders; i++ {
				if _, err := c.Move(fmt.Sprintf("o%d", i), c.Active, c.InProgress); err == nil {
					moved.Add(1)
				}
			}
		}()
	}

	// 并发读取
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < orders; i++ {
				_ = c.Active.GetByAccounts("acc1")
				_ = c.InProgress.GetByInstrument("EURUSD")
				_, _ = c.GetOrderByID(fmt.Sprintf("o%d", i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(orders), moved.Load())
	assert.Equal(t, 0, c.Active.Count())
	assert.Equal(t, orders, c.InProgress.Count())
}

// 并发重复加入只有一个成功
func TestCache_ConcurrentDoubleAdd(t *testing.T) {
	c := New(nil)
	o := newOrder("o1", "acc1", "EURUSD", 0)
	partitions := []*Partition[*order.Order]{c.Active, c.Inactive, c.InProgress}

	var wg sync.WaitGroup
	var added atomic.Int64
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := partitions[i%3].Add(o); err == nil {
				added.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), added.Load())
	assert.Len(t, c.GetAllOrders(), 1)
}
