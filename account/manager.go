package account

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"margin-trading-go/infrastructure/logger"
	"margin-trading-go/internal/bus"
	"margin-trading-go/order"
)

// Repository 账户持久化
type Repository interface {
	// UpdateBalance 原子地把 delta 加到余额上，返回新余额
	UpdateBalance(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error)
	GetAll(ctx context.Context) ([]*Account, error)
}

// PositionSource 账户持仓
type PositionSource interface {
	GetByAccounts(accountIDs ...string) []*order.Position
}

// IDGenerator 生成交易流水号
type IDGenerator interface {
	GenerateID() string
}

// Clock 时间源
type Clock interface {
	Now() time.Time
}

// ChangeReason 余额变动原因
type ChangeReason string

const (
	ChangeRealizedPnL ChangeReason = "RealizedPnL"
	ChangeDeposit     ChangeReason = "Deposit"
	ChangeWithdraw    ChangeReason = "Withdraw"
	ChangeManual      ChangeReason = "Manual"
)

// BalanceChangedEvent 余额变动事件
type BalanceChangedEvent struct {
	TransactionID string
	AccountID     string
	Delta         decimal.Decimal
	Balance       decimal.Decimal
	Reason        ChangeReason
	Comment       string
	SourceID      string
	ChangedAt     time.Time
}

// Manager 串行化单账户的余额变更
type Manager struct {
	repo   Repository
	cache  *Cache
	locker *Locker
	events *bus.Bus[BalanceChangedEvent]
	ids    IDGenerator
	clock  Clock
	logger *logger.Logger
}

// NewManager 创建账户管理器
func NewManager(repo Repository, cache *Cache, locker *Locker, events *bus.Bus[BalanceChangedEvent],
	ids IDGenerator, clock Clock, log *logger.Logger) *Manager {
	return &Manager{
		repo:   repo,
		cache:  cache,
		locker: locker,
		events: events,
		ids:    ids,
		clock:  clock,
		logger: log,
	}
}

// Load 从仓库加载全部账户到缓存
func (m *Manager) Load(ctx context.Context) (int, error) {
	accounts, err := m.repo.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load accounts: %w", err)
	}
	for _, a := range accounts {
		m.cache.Add(a)
	}
	return len(accounts), nil
}

// UpdateBalance 在账户锁内持久化余额变动、刷新缓存并发布事件，返回流水号
func (m *Manager) UpdateBalance(ctx context.Context, accountID string, delta decimal.Decimal,
	reason ChangeReason, comment, sourceID string) (string, error) {
	acc, err := m.cache.Get(accountID)
	if err != nil {
		return "", err
	}

	unlock, err := m.locker.Lock(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("lock account %s: %w", accountID, err)
	}
	defer unlock()

	balance, err := m.repo.UpdateBalance(ctx, accountID, delta)
	if err != nil {
		return "", fmt.Errorf("update balance of %s: %w", accountID, err)
	}
	acc.SetBalance(balance)
	if reason == ChangeWithdraw && sourceID != "" {
		// 出金成功，对应的冻结随余额扣减一起释放
		acc.unfreeze(sourceID)
	}

	ev := BalanceChangedEvent{
		TransactionID: m.ids.GenerateID(),
		AccountID:     accountID,
		Delta:         delta,
		Balance:       balance,
		Reason:        reason,
		Comment:       comment,
		SourceID:      sourceID,
		ChangedAt:     m.clock.Now(),
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("余额变动事件处理失败",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}

	m.logger.Info("账户余额变动",
		zap.String("account_id", accountID),
		zap.String("delta", delta.String()),
		zap.String("balance", balance.String()),
		zap.String("reason", string(reason)),
		zap.String("transaction_id", ev.TransactionID),
	)
	return ev.TransactionID, nil
}

// FreezeWithdrawalMargin 为出金冻结可用保证金。可用保证金不足时失败；
// 同一操作重复调用不重复冻结。
func (m *Manager) FreezeWithdrawalMargin(ctx context.Context, positions PositionSource, accountID, operationID string,
	amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("freeze %s for %s: %w", amount, operationID, ErrInvalidAmount)
	}
	acc, err := m.cache.Get(accountID)
	if err != nil {
		return err
	}

	unlock, err := m.locker.Lock(ctx, accountID)
	if err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}
	defer unlock()

	if acc.IsFrozen(operationID) {
		return nil
	}
	tc, err := m.cache.TradingCondition(acc.TradingConditionID)
	if err != nil {
		return err
	}
	metrics := CalculateAccount(acc, positions.GetByAccounts(accountID), tc)
	if metrics.FreeMargin.LessThan(amount) {
		return fmt.Errorf("account %s: free margin %s, requested %s: %w",
			accountID, metrics.FreeMargin, amount, ErrNotEnoughFreeMargin)
	}
	acc.freeze(operationID, amount)

	m.logger.Info("出金保证金已冻结",
		zap.String("account_id", accountID),
		zap.String("operation_id", operationID),
		zap.String("amount", amount.String()),
	)
	return nil
}

// UnfreezeWithdrawalMargin 出金失败时释放冻结，返回释放的金额。操作不存在时返回零。
func (m *Manager) UnfreezeWithdrawalMargin(ctx context.Context, accountID, operationID string) (decimal.Decimal, error) {
	acc, err := m.cache.Get(accountID)
	if err != nil {
		return decimal.Zero, err
	}

	unlock, err := m.locker.Lock(ctx, accountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock account %s: %w", accountID, err)
	}
	defer unlock()

	amount, ok := acc.unfreeze(operationID)
	if !ok {
		m.logger.Debug("没有对应的出金冻结",
			zap.String("account_id", accountID),
			zap.String("operation_id", operationID),
		)
		return decimal.Zero, nil
	}
	m.logger.Info("出金保证金已释放",
		zap.String("account_id", accountID),
		zap.String("operation_id", operationID),
		zap.String("amount", amount.String()),
	)
	return amount, nil
}
