package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"margin-trading-go/account"
	"margin-trading-go/internal/workflow"
)

type executionInfoRecord struct {
	OperationName string `gorm:"primaryKey;size:64"`
	OperationID   string `gorm:"primaryKey;size:128"`
	Version       int64  `gorm:"not null"`
	LastModified  time.Time
	Data          []byte `gorm:"type:jsonb"`
}

func (executionInfoRecord) TableName() string { return "execution_infos" }

func toExecutionRecord(info workflow.ExecutionInfo) executionInfoRecord {
	return executionInfoRecord{
		OperationName: info.OperationName,
		OperationID:   info.OperationID,
		Version:       info.Version,
		LastModified:  info.LastModified,
		Data:          info.Data,
	}
}

func (r executionInfoRecord) toInfo() workflow.ExecutionInfo {
	return workflow.ExecutionInfo{
		OperationName: r.OperationName,
		OperationID:   r.OperationID,
		Version:       r.Version,
		LastModified:  r.LastModified,
		Data:          r.Data,
	}
}

// GormExecutionInfoStore 执行信息存储，按版本号做乐观并发
type GormExecutionInfoStore struct {
	db *gorm.DB
}

// NewGormExecutionInfoStore 创建存储
func NewGormExecutionInfoStore(db *gorm.DB) *GormExecutionInfoStore {
	return &GormExecutionInfoStore{db: db}
}

func (s *GormExecutionInfoStore) GetOrAdd(ctx context.Context, operationName, operationID string,
	factory func() ([]byte, error)) (workflow.ExecutionInfo, bool, error) {
	existing, err := s.Get(ctx, operationName, operationID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, workflow.ErrNotFound) {
		return workflow.ExecutionInfo{}, false, err
	}

	data, err := factory()
	if err != nil {
		return workflow.ExecutionInfo{}, false, fmt.Errorf("create %s/%s: %w", operationName, operationID, err)
	}
	rec := executionInfoRecord{
		OperationName: operationName,
		OperationID:   operationID,
		Version:       1,
		Data:          data,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return workflow.ExecutionInfo{}, false, fmt.Errorf("insert %s/%s: %w", operationName, operationID, res.Error)
	}
	if res.RowsAffected == 0 {
		// 并发创建，以已保存的为准
		existing, err := s.Get(ctx, operationName, operationID)
		return existing, false, err
	}
	return rec.toInfo(), true, nil
}

func (s *GormExecutionInfoStore) Get(ctx context.Context, operationName, operationID string) (workflow.ExecutionInfo, error) {
	var rec executionInfoRecord
	err := s.db.WithContext(ctx).
		Where("operation_name = ? AND operation_id = ?", operationName, operationID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return workflow.ExecutionInfo{}, fmt.Errorf("%s/%s: %w", operationName, operationID, workflow.ErrNotFound)
	}
	if err != nil {
		return workflow.ExecutionInfo{}, fmt.Errorf("get %s/%s: %w", operationName, operationID, err)
	}
	return rec.toInfo(), nil
}

func (s *GormExecutionInfoStore) CompareAndSave(ctx context.Context, info workflow.ExecutionInfo) (workflow.ExecutionInfo, error) {
	res := s.db.WithContext(ctx).
		Model(&executionInfoRecord{}).
		Where("operation_name = ? AND operation_id = ? AND version = ?", info.OperationName, info.OperationID, info.Version).
		Updates(map[string]interface{}{
			"version":       info.Version + 1,
			"last_modified": info.LastModified,
			"data":          info.Data,
		})
	if res.Error != nil {
		return workflow.ExecutionInfo{}, fmt.Errorf("save %s/%s: %w", info.OperationName, info.OperationID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, info.OperationName, info.OperationID); err != nil {
			return workflow.ExecutionInfo{}, err
		}
		return workflow.ExecutionInfo{}, fmt.Errorf("%s/%s version %d: %w",
			info.OperationName, info.OperationID, info.Version, workflow.ErrConcurrencyConflict)
	}
	info.Version++
	return info, nil
}

type accountRecord struct {
	ID                 string          `gorm:"primaryKey;size:64"`
	ClientID           string          `gorm:"size:64"`
	BaseAssetID        string          `gorm:"size:16"`
	TradingConditionID string          `gorm:"size:64"`
	LegalEntity        string          `gorm:"size:64"`
	Balance            decimal.Decimal `gorm:"type:numeric(38,10)"`
	UpdatedAt          time.Time
}

func (accountRecord) TableName() string { return "accounts" }

func toAccountRecord(a *account.Account) accountRecord {
	return accountRecord{
		ID:                 a.ID,
		ClientID:           a.ClientID,
		BaseAssetID:        a.BaseAssetID,
		TradingConditionID: a.TradingConditionID,
		LegalEntity:        a.LegalEntity,
		Balance:            a.Balance(),
	}
}

func (r accountRecord) toAccount() *account.Account {
	return account.New(r.ID, r.ClientID, r.BaseAssetID, r.TradingConditionID, r.LegalEntity, r.Balance)
}

// GormAccountRepository 账户余额持久化
type GormAccountRepository struct {
	db *gorm.DB
}

// NewGormAccountRepository 创建账户仓库
func NewGormAccountRepository(db *gorm.DB) *GormAccountRepository {
	return &GormAccountRepository{db: db}
}

// UpdateBalance 用 balance = balance + delta 原子更新并返回新余额
func (r *GormAccountRepository) UpdateBalance(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var rec accountRecord
	res := r.db.WithContext(ctx).
		Model(&rec).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "balance"}}}).
		Where("id = ?", accountID).
		Update("balance", gorm.Expr("balance + ?", delta))
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, fmt.Errorf("%s: %w", accountID, account.ErrAccountNotFound)
	}
	return rec.Balance, nil
}

func (r *GormAccountRepository) GetAll(ctx context.Context) ([]*account.Account, error) {
	var recs []accountRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*account.Account, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toAccount())
	}
	return out, nil
}

// Seed 插入不存在的账户，已有账户保持原余额
func (r *GormAccountRepository) Seed(ctx context.Context, accounts []*account.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	recs := make([]accountRecord, 0, len(accounts))
	for _, a := range accounts {
		recs = append(recs, toAccountRecord(a))
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&recs).Error
}
