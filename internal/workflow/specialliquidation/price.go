package specialliquidation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNoPrice 拿不到特殊强平价格
var ErrNoPrice = errors.New("no price for special liquidation")

// PriceProvider 为特殊强平询价
type PriceProvider interface {
	GetPriceForSpecialLiquidation(ctx context.Context, instrument string, volume decimal.Decimal) (decimal.Decimal, error)
}

// FakePriceProvider 返回配置的固定价格，用于没有外部询价服务的环境
type FakePriceProvider struct {
	Price decimal.Decimal
}

func (p FakePriceProvider) GetPriceForSpecialLiquidation(ctx context.Context, instrument string, volume decimal.Decimal) (decimal.Decimal, error) {
	if !p.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: %w", instrument, ErrNoPrice)
	}
	return p.Price, nil
}
