package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound 执行信息不存在
	ErrNotFound = errors.New("execution info not found")
	// ErrConcurrencyConflict 版本号不匹配，另一次处理已经保存
	ErrConcurrencyConflict = errors.New("execution info concurrency conflict")
)

// ExecutionInfo 持久化的工作流记录，按 (OperationName, OperationID) 唯一
type ExecutionInfo struct {
	OperationName string
	OperationID   string
	Version       int64
	LastModified  time.Time
	Data          []byte
}

// ExecutionInfoStore 工作流状态存储
type ExecutionInfoStore interface {
	// GetOrAdd 不存在时用 factory 创建，added 表示本次新建
	GetOrAdd(ctx context.Context, operationName, operationID string, factory func() ([]byte, error)) (info ExecutionInfo, added bool, err error)
	Get(ctx context.Context, operationName, operationID string) (ExecutionInfo, error)
	// CompareAndSave 仅当存储中的版本等于 info.Version 时保存，返回版本加一后的记录
	CompareAndSave(ctx context.Context, info ExecutionInfo) (ExecutionInfo, error)
}

// Typed 带类型的执行信息
type Typed[T any] struct {
	Info ExecutionInfo
	Data T
}

// GetOrAddTyped 读取或创建并解码执行信息
func GetOrAddTyped[T any](ctx context.Context, store ExecutionInfoStore, operationName, operationID string,
	factory func() T) (Typed[T], bool, error) {
	info, added, err := store.GetOrAdd(ctx, operationName, operationID, func() ([]byte, error) {
		return json.Marshal(factory())
	})
	if err != nil {
		return Typed[T]{}, false, err
	}
	typed, err := decode[T](info)
	return typed, added, err
}

// GetTyped 读取并解码执行信息
func GetTyped[T any](ctx context.Context, store ExecutionInfoStore, operationName, operationID string) (Typed[T], error) {
	info, err := store.Get(ctx, operationName, operationID)
	if err != nil {
		return Typed[T]{}, err
	}
	return decode[T](info)
}

// SaveTyped 编码并按版本保存
func SaveTyped[T any](ctx context.Context, store ExecutionInfoStore, typed Typed[T], now time.Time) (Typed[T], error) {
	data, err := json.Marshal(typed.Data)
	if err != nil {
		return typed, fmt.Errorf("encode %s/%s: %w", typed.Info.OperationName, typed.Info.OperationID, err)
	}
	info := typed.Info
	info.Data = data
	info.LastModified = now
	saved, err := store.CompareAndSave(ctx, info)
	if err != nil {
		return typed, err
	}
	return Typed[T]{Info: saved, Data: typed.Data}, nil
}

func decode[T any](info ExecutionInfo) (Typed[T], error) {
	var data T
	if err := json.Unmarshal(info.Data, &data); err != nil {
		return Typed[T]{}, fmt.Errorf("decode %s/%s: %w", info.OperationName, info.OperationID, err)
	}
	return Typed[T]{Info: info, Data: data}, nil
}
