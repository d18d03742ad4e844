package identity

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator 生成订单、持仓、操作 id
type Generator interface {
	GenerateID() string
	GenerateCode() int64
}

// UUIDGenerator 随机 UUID 加递增编号
type UUIDGenerator struct {
	code atomic.Int64
}

// NewUUIDGenerator 编号从 start 之后开始
func NewUUIDGenerator(start int64) *UUIDGenerator {
	g := &UUIDGenerator{}
	g.code.Store(start)
	return g
}

func (g *UUIDGenerator) GenerateID() string {
	return uuid.NewString()
}

func (g *UUIDGenerator) GenerateCode() int64 {
	return g.code.Add(1)
}

// Derive 由父操作 id 和序号派生确定性的子操作 id，重复派生结果相同
func Derive(parentID, purpose string, seq int) string {
	name := parentID + "/" + purpose + "/" + strconv.Itoa(seq)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Sequential 可预测的 id，测试使用
type Sequential struct {
	prefix string
	n      atomic.Int64
}

// NewSequential 生成 prefix1、prefix2 ...
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

func (s *Sequential) GenerateID() string {
	return s.prefix + strconv.FormatInt(s.n.Add(1), 10)
}

func (s *Sequential) GenerateCode() int64 {
	return s.n.Add(1)
}
