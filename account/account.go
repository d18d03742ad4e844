package account

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound          = errors.New("account not found")
	ErrTradingConditionNotFound = errors.New("trading condition not found")
	ErrLiquidationInProgress    = errors.New("liquidation already in progress")
	ErrNotEnoughFreeMargin      = errors.New("not enough free margin")
	ErrInvalidAmount            = errors.New("amount must be positive")
)

// Account 保证金交易账户
type Account struct {
	ID                 string
	ClientID           string
	BaseAssetID        string
	TradingConditionID string
	LegalEntity        string

	mu                     sync.RWMutex
	balance                decimal.Decimal
	liquidationOperationID string
	withdrawalFrozen       map[string]decimal.Decimal // 操作 id -> 冻结金额
}

// New 创建账户
func New(id, clientID, baseAsset, tradingConditionID, legalEntity string, balance decimal.Decimal) *Account {
	return &Account{
		ID:                 id,
		ClientID:           clientID,
		BaseAssetID:        baseAsset,
		TradingConditionID: tradingConditionID,
		LegalEntity:        legalEntity,
		balance:            balance,
	}
}

func (a *Account) Balance() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.balance
}

// SetBalance 只允许在持有账户锁时由 Manager 调用
func (a *Account) SetBalance(balance decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = balance
}

// LiquidationOperationID 进行中的强平操作，空表示没有
func (a *Account) LiquidationOperationID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.liquidationOperationID
}

// IsInLiquidation 账户是否正在强平
func (a *Account) IsInLiquidation() bool {
	return a.LiquidationOperationID() != ""
}

// TryStartLiquidation 占用强平标志。标志为空或已经是同一操作时返回 true。
func (a *Account) TryStartLiquidation(operationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.liquidationOperationID == "" {
		a.liquidationOperationID = operationID
		return true
	}
	return a.liquidationOperationID == operationID
}

// FinishLiquidation 释放强平标志，只有持有者可以释放
func (a *Account) FinishLiquidation(operationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.liquidationOperationID != operationID {
		return false
	}
	a.liquidationOperationID = ""
	return true
}

// FrozenMargin 为出金冻结的保证金合计
func (a *Account) FrozenMargin() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := decimal.Zero
	for _, amount := range a.withdrawalFrozen {
		total = total.Add(amount)
	}
	return total
}

// IsFrozen 操作是否已冻结
func (a *Account) IsFrozen(operationID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.withdrawalFrozen[operationID]
	return ok
}

// freeze 只允许在持有账户锁时由 Manager 调用，同一操作重复冻结不叠加
func (a *Account) freeze(operationID string, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.withdrawalFrozen == nil {
		a.withdrawalFrozen = make(map[string]decimal.Decimal)
	}
	if _, ok := a.withdrawalFrozen[operationID]; !ok {
		a.withdrawalFrozen[operationID] = amount
	}
}

// unfreeze 释放操作冻结的金额，操作不存在返回 false
func (a *Account) unfreeze(operationID string) (decimal.Decimal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	amount, ok := a.withdrawalFrozen[operationID]
	if ok {
		delete(a.withdrawalFrozen, operationID)
	}
	return amount, ok
}
