package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound id 不在任何分区
	ErrNotFound = errors.New("not found")
	// ErrWrongPartition id 存在但在另一个分区
	ErrWrongPartition = errors.New("exists in another partition")
	// ErrAlreadyExists 重复加入
	ErrAlreadyExists = errors.New("already exists")
)

// PartitionName 分区名
type PartitionName string

const (
	PartitionActive     PartitionName = "Active"
	PartitionInactive   PartitionName = "Inactive"
	PartitionInProgress PartitionName = "InProgress"
	PartitionPositions  PartitionName = "Positions"
)

// membership 记录 id 所在分区，保证同一 id 最多在一个分区
type membership struct {
	owners sync.Map // id -> PartitionName
}

func (m *membership) owner(id string) (PartitionName, bool) {
	v, ok := m.owners.Load(id)
	if !ok {
		return "", false
	}
	return v.(PartitionName), true
}

// accessor 分区元素的索引字段
type accessor[T any] struct {
	id         func(T) string
	account    func(T) string
	instrument func(T) string
	less       func(a, b T) bool
}

// Partition 一个逻辑分区，支持按 id、账户、品种查询
type Partition[T any] struct {
	name    PartitionName
	members *membership
	acc     accessor[T]
	onSize  func(PartitionName, int)

	mu           sync.RWMutex
	byID         map[string]T
	byAccount    map[string]map[string]T
	byInstrument map[string]map[string]T
}

func newPartition[T any](name PartitionName, members *membership, acc accessor[T], onSize func(PartitionName, int)) *Partition[T] {
	return &Partition[T]{
		name:         name,
		members:      members,
		acc:          acc,
		onSize:       onSize,
		byID:         make(map[string]T),
		byAccount:    make(map[string]map[string]T),
		byInstrument: make(map[string]map[string]T),
	}
}

// Name 分区名
func (p *Partition[T]) Name() PartitionName {
	return p.name
}

// Add 加入分区。id 已在任何分区时失败，不覆盖。
func (p *Partition[T]) Add(item T) error {
	id := p.acc.id(item)
	if owner, loaded := p.members.owners.LoadOrStore(id, p.name); loaded {
		return fmt.Errorf("add %s to %s: already in %s: %w", id, p.name, owner, ErrAlreadyExists)
	}

	p.mu.Lock()
	p.byID[id] = item
	addIndex(p.byAccount, p.acc.account(item), id, item)
	addIndex(p.byInstrument, p.acc.instrument(item), id, item)
	size := len(p.byID)
	p.mu.Unlock()

	p.reportSize(size)
	return nil
}

// Remove 从分区移除并返回元素。并发移除同一 id 只有一个成功。
func (p *Partition[T]) Remove(id string) (T, error) {
	var zero T
	if !p.members.owners.CompareAndDelete(id, p.name) {
		return zero, p.missing(id)
	}

	p.mu.Lock()
	item, ok := p.byID[id]
	delete(p.byID, id)
	if ok {
		removeIndex(p.byAccount, p.acc.account(item), id)
		removeIndex(p.byInstrument, p.acc.instrument(item), id)
	}
	size := len(p.byID)
	p.mu.Unlock()

	p.reportSize(size)
	if !ok {
		return zero, fmt.Errorf("remove %s from %s: %w", id, p.name, ErrNotFound)
	}
	return item, nil
}

// Contains 是否在本分区
func (p *Partition[T]) Contains(id string) bool {
	owner, ok := p.members.owner(id)
	return ok && owner == p.name
}

// GetByID 按 id 查询；不存在返回 ErrNotFound，在其他分区返回 ErrWrongPartition
func (p *Partition[T]) GetByID(id string) (T, error) {
	p.mu.RLock()
	item, ok := p.byID[id]
	p.mu.RUnlock()
	if ok {
		return item, nil
	}
	var zero T
	return zero, p.missing(id)
}

// TryGetByID 不存在返回 false
func (p *Partition[T]) TryGetByID(id string) (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.byID[id]
	return item, ok
}

// GetByAccounts 按账户查询
func (p *Partition[T]) GetByAccounts(accountIDs ...string) []T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []T
	for _, accountID := range accountIDs {
		for _, item := range p.byAccount[accountID] {
			out = append(out, item)
		}
	}
	return p.sorted(out)
}

// GetByInstrument 按品种查询
func (p *Partition[T]) GetByInstrument(instrument string) []T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]T, 0, len(p.byInstrument[instrument]))
	for _, item := range p.byInstrument[instrument] {
		out = append(out, item)
	}
	return p.sorted(out)
}

// GetByInstrumentAndAccount 按品种和账户查询
func (p *Partition[T]) GetByInstrumentAndAccount(instrument, accountID string) []T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []T
	for _, item := range p.byAccount[accountID] {
		if p.acc.instrument(item) == instrument {
			out = append(out, item)
		}
	}
	return p.sorted(out)
}

// GetAll 全部元素
func (p *Partition[T]) GetAll() []T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]T, 0, len(p.byID))
	for _, item := range p.byID {
		out = append(out, item)
	}
	return p.sorted(out)
}

// Count 元素数量
func (p *Partition[T]) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byID)
}

func (p *Partition[T]) missing(id string) error {
	if owner, ok := p.members.owner(id); ok && owner != p.name {
		return fmt.Errorf("%s in %s, not %s: %w", id, owner, p.name, ErrWrongPartition)
	}
	return fmt.Errorf("%s in %s: %w", id, p.name, ErrNotFound)
}

func (p *Partition[T]) sorted(items []T) []T {
	sort.Slice(items, func(i, j int) bool { return p.acc.less(items[i], items[j]) })
	return items
}

func (p *Partition[T]) reportSize(size int) {
	if p.onSize != nil {
		p.onSize(p.name, size)
	}
}

func addIndex[T any](index map[string]map[string]T, key, id string, item T) {
	m, ok := index[key]
	if !ok {
		m = make(map[string]T)
		index[key] = m
	}
	m[id] = item
}

func removeIndex[T any](index map[string]map[string]T, key, id string) {
	m, ok := index[key]
	if !ok {
		return
	}
	delete(m, id)
	if len(m) == 0 {
		delete(index, key)
	}
}
