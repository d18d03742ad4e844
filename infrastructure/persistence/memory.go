package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"margin-trading-go/account"
	"margin-trading-go/internal/workflow"
)

type executionKey struct {
	name string
	id   string
}

// MemoryExecutionInfoStore 进程内执行信息存储，单机部署与测试使用
type MemoryExecutionInfoStore struct {
	mu      sync.Mutex
	records map[executionKey]workflow.ExecutionInfo
}

// NewMemoryExecutionInfoStore 创建内存存储
func NewMemoryExecutionInfoStore() *MemoryExecutionInfoStore {
	return &MemoryExecutionInfoStore{records: make(map[executionKey]workflow.ExecutionInfo)}
}

func (s *MemoryExecutionInfoStore) GetOrAdd(ctx context.Context, operationName, operationID string,
	factory func() ([]byte, error)) (workflow.ExecutionInfo, bool, error) {
	key := executionKey{operationName, operationID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.records[key]; ok {
		return clone(info), false, nil
	}
	data, err := factory()
	if err != nil {
		return workflow.ExecutionInfo{}, false, fmt.Errorf("create %s/%s: %w", operationName, operationID, err)
	}
	info := workflow.ExecutionInfo{
		OperationName: operationName,
		OperationID:   operationID,
		Version:       1,
		Data:          data,
	}
	s.records[key] = info
	return clone(info), true, nil
}

func (s *MemoryExecutionInfoStore) Get(ctx context.Context, operationName, operationID string) (workflow.ExecutionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.records[executionKey{operationName, operationID}]
	if !ok {
		return workflow.ExecutionInfo{}, fmt.Errorf("%s/%s: %w", operationName, operationID, workflow.ErrNotFound)
	}
	return clone(info), nil
}

func (s *MemoryExecutionInfoStore) CompareAndSave(ctx context.Context, info workflow.ExecutionInfo) (workflow.ExecutionInfo, error) {
	key := executionKey{info.OperationName, info.OperationID}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[key]
	if !ok {
		return workflow.ExecutionInfo{}, fmt.Errorf("%s/%s: %w", info.OperationName, info.OperationID, workflow.ErrNotFound)
	}
	if current.Version != info.Version {
		return workflow.ExecutionInfo{}, fmt.Errorf("%s/%s version %d, stored %d: %w",
			info.OperationName, info.OperationID, info.Version, current.Version, workflow.ErrConcurrencyConflict)
	}
	info.Version++
	s.records[key] = clone(info)
	return clone(info), nil
}

// All 全部记录，按操作名过滤，空字符串表示不过滤
func (s *MemoryExecutionInfoStore) All(operationName string) []workflow.ExecutionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workflow.ExecutionInfo, 0, len(s.records))
	for k, info := range s.records {
		if operationName == "" || k.name == operationName {
			out = append(out, clone(info))
		}
	}
	return out
}

func clone(info workflow.ExecutionInfo) workflow.ExecutionInfo {
	info.Data = append([]byte(nil), info.Data...)
	return info
}

// MemoryAccountRepository 进程内账户仓库，余额不落盘
type MemoryAccountRepository struct {
	mu       sync.Mutex
	accounts map[string]accountRecord
}

// NewMemoryAccountRepository 用初始账户创建仓库
func NewMemoryAccountRepository(accounts []*account.Account) *MemoryAccountRepository {
	r := &MemoryAccountRepository{accounts: make(map[string]accountRecord, len(accounts))}
	for _, a := range accounts {
		r.accounts[a.ID] = toAccountRecord(a)
	}
	return r
}

func (r *MemoryAccountRepository) UpdateBalance(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.accounts[accountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", accountID, account.ErrAccountNotFound)
	}
	rec.Balance = rec.Balance.Add(delta)
	r.accounts[accountID] = rec
	return rec.Balance, nil
}

func (r *MemoryAccountRepository) GetAll(ctx context.Context) ([]*account.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*account.Account, 0, len(r.accounts))
	for _, rec := range r.accounts {
		out = append(out, rec.toAccount())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
